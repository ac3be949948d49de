package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ocx/vecgate/internal/api"
	"github.com/ocx/vecgate/internal/audit"
	"github.com/ocx/vecgate/internal/circuitbreaker"
	"github.com/ocx/vecgate/internal/config"
	"github.com/ocx/vecgate/internal/core"
	"github.com/ocx/vecgate/internal/ethics"
	"github.com/ocx/vecgate/internal/identity"
	"github.com/ocx/vecgate/internal/metrics"
	"github.com/ocx/vecgate/internal/middleware"
	"github.com/ocx/vecgate/internal/pipeline"
	"github.com/ocx/vecgate/internal/policy"
	"github.com/ocx/vecgate/internal/proof"
	"github.com/ocx/vecgate/internal/safety"
	"github.com/ocx/vecgate/internal/transport"
	"github.com/ocx/vecgate/internal/vector"
	"github.com/ocx/vecgate/internal/webhooks"
)

func main() {
	configPath := flag.String("config", os.Getenv("VECGATE_CONFIG"), "path to vecgate.yaml")
	flag.Parse()

	// .env is optional; real environment wins.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: .env not loaded: %v", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	setupLogging(cfg)

	if err := run(cfg); err != nil {
		slog.Error("vecgate stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("vecgate stopped")
}

func setupLogging(cfg *config.Config) {
	var h slog.Handler
	if cfg.IsProduction() {
		h = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		h = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(h))
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Alerts
	alerts, err := newAlerts(cfg)
	if err != nil {
		return err
	}
	defer alerts.Shutdown()

	// Audit trail
	trail, closeStore, err := openTrail(ctx, cfg, m, alerts)
	if err != nil {
		return err
	}
	defer closeStore()

	// Policy
	policies := policy.NewRegistry()
	if cfg.Policy.File != "" {
		rev, err := policies.LoadFile(cfg.Policy.File, "startup")
		if err != nil {
			return fmt.Errorf("load policy: %w", err)
		}
		slog.Info("policy loaded", "policy_id", rev.PolicyID, "version", rev.Version)
	} else {
		slog.Warn("no policy file configured, every message will be blocked until one is loaded")
	}
	var overrides *policy.OverrideAuthority
	if cfg.Policy.OverrideSecret != "" {
		overrides, err = policy.NewOverrideAuthority(policy.OverrideConfig{
			Secret:     cfg.Policy.OverrideSecret,
			Issuer:     cfg.Policy.OverrideIssuer,
			DefaultTTL: cfg.Policy.OverrideTTL,
			MaxTTL:     cfg.Policy.OverrideMaxTTL,
		})
		if err != nil {
			return fmt.Errorf("override authority: %w", err)
		}
	}
	var operators *middleware.OperatorAuth
	if len(cfg.Policy.Operators) > 0 {
		operators, err = middleware.NewOperatorAuth(cfg.Policy.OperatorTokens())
		if err != nil {
			return fmt.Errorf("operators: %w", err)
		}
	}
	if overrides != nil && operators == nil {
		slog.Warn("override secret set but no operators configured, override issuance is disabled")
	}

	// Safety
	polytopes := safety.NewStore(nil)
	if cfg.Safety.PolytopeFile != "" {
		if _, err := polytopes.LoadFile(cfg.Safety.PolytopeFile); err != nil {
			return fmt.Errorf("load polytopes: %w", err)
		}
	} else {
		slog.Warn("no polytope file configured, safety gate is disabled")
	}

	// Encoder and ethics
	embedder := vector.NewHashEmbedder(cfg.Pipeline.EncodingModel)
	encoder := vector.NewEncoder(map[vector.Tier]vector.Embedder{
		vector.TierFast:     embedder,
		vector.TierBalanced: embedder,
		vector.TierAccurate: embedder,
	}, vector.NewProjectorRegistry())
	if err := loadProjectors(ctx, cfg, encoder); err != nil {
		return err
	}
	scorer, err := ethics.NewScorer(encoder, nil, ethics.Thresholds{
		Critical: cfg.Ethics.Critical,
		Standard: cfg.Ethics.Standard,
		Low:      cfg.Ethics.Low,
	})
	if err != nil {
		return fmt.Errorf("ethics scorer: %w", err)
	}

	// Proof
	inner, err := proof.NewCommitmentProver(nil)
	if err != nil {
		return err
	}
	prover := proof.NewGuardedProver(inner, cfg.Proof.Timeout, circuitbreaker.New(breakerConfig("prover", m)))
	signer, err := newSigner(cfg)
	if err != nil {
		return err
	}

	// Transport
	tr, ws, err := openTransport(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer tr.Close()

	// Identity
	validator, err := identity.NewValidator(cfg.Identity.TrustDomain, cfg.Identity.RequireSPIFFE)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	var svid *identity.Source
	if cfg.Identity.SocketPath != "" {
		svid, err = identity.NewSource(ctx, cfg.Identity.SocketPath)
		if err != nil {
			if cfg.Identity.RequireSPIFFE {
				return err
			}
			slog.Warn("SPIRE unavailable, serving without mTLS", "error", err)
		} else {
			defer svid.Close()
		}
	}

	agents, err := config.NewManager(cfg, cfg.Pipeline.AgentsFile)
	if err != nil {
		return fmt.Errorf("agents config: %w", err)
	}

	pipe, err := pipeline.New(pipeline.Deps{
		Encoder:   encoder,
		Polytopes: polytopes,
		Policies:  policies,
		Enforcer:  policy.NewEnforcer(overrides),
		Scorer:    scorer,
		Prover:    prover,
		Signer:    signer,
		Trail:     trail,
		Transport: tr,
	},
		pipeline.WithMetrics(m),
		pipeline.WithAlerts(alerts),
		pipeline.WithDefaultTier(vector.Tier(cfg.Pipeline.DefaultTier)),
		pipeline.WithValidator(validator),
		pipeline.WithSteering(cfg.Pipeline.MaxSteeringIterations, agents.SteeringEnabled),
		pipeline.WithRiskResolver(func(agentID string) ethics.RiskLevel {
			return ethics.RiskLevel(agents.RiskLevel(agentID))
		}),
	)
	if err != nil {
		return err
	}

	var limiter *middleware.RateLimiter
	if cfg.Server.RateLimitPerMinute > 0 {
		limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{MaxCallsPerMinute: cfg.Server.RateLimitPerMinute})
		defer limiter.Stop()
	}

	srv := &api.Server{
		Pipeline:      pipe,
		Trail:         trail,
		Policies:      policies,
		Polytopes:     polytopes,
		Encoder:       encoder,
		Overrides:     overrides,
		Operators:     operators,
		Agents:        agents,
		Gatherer:      reg,
		Limiter:       limiter,
		WebSocket:     ws,
		PolicyFile:    cfg.Policy.File,
		PolytopeFile:  cfg.Safety.PolytopeFile,
		DefaultTier:   vector.Tier(cfg.Pipeline.DefaultTier),
		MetricsWindow: cfg.Audit.MetricsWindow,
	}

	go verifyLoop(ctx, trail, cfg.Audit.VerifyInterval)
	if overrides != nil {
		go sweepLoop(ctx, overrides)
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if svid != nil {
		server.TLSConfig = svid.ServerTLSConfig(validator)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("vecgate listening",
			"port", cfg.Server.Port, "env", cfg.Server.Env,
			"transport", tr.Name(), "audit_driver", cfg.Audit.Driver, "mtls", svid != nil)
		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received, draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// loadProjectors registers every configured projector on the encoder.
func loadProjectors(ctx context.Context, cfg *config.Config, enc *vector.Encoder) error {
	for i, pc := range cfg.Pipeline.Projectors {
		var (
			p   *vector.Projector
			err error
		)
		if pc.File != "" {
			p, err = vector.LoadProjectorFile(pc.File)
		} else {
			var corpus []string
			if corpus, err = readCorpus(pc.CorpusFile); err == nil {
				p, err = enc.FitProjector(ctx, corpus, vector.Tier(pc.SourceTier), vector.Tier(pc.TargetTier), pc.Iterations, pc.Seed)
			}
		}
		if err != nil {
			return fmt.Errorf("projector %d: %w", i, err)
		}
		if want := enc.Model(p.SourceTier); p.Model != want {
			slog.Warn("projector fitted on a different encoding model, compression through it will be refused",
				"version", p.Version, "projector_model", p.Model, "encoder_model", want)
		}
		enc.Registry().Register(p)
		slog.Info("projector registered", "version", p.Version, "from", p.SourceTier, "to", p.TargetTier)
	}
	return nil
}

func readCorpus(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

func newAlerts(cfg *config.Config) (*webhooks.Dispatcher, error) {
	reg := webhooks.NewRegistry()
	for _, w := range cfg.Alerts.Webhooks {
		sub := &webhooks.Subscription{URL: w.URL, Secret: w.Secret}
		for _, e := range w.Events {
			sub.Events = append(sub.Events, webhooks.EventType(e))
		}
		if err := reg.Register(sub); err != nil {
			return nil, fmt.Errorf("alert webhook %s: %w", w.URL, err)
		}
	}
	return webhooks.NewDispatcher(reg, cfg.Alerts.Workers), nil
}

func openTrail(ctx context.Context, cfg *config.Config, m *metrics.Metrics, alerts webhooks.Emitter) (*audit.Trail, func(), error) {
	opts := []audit.Option{
		audit.WithMetrics(m),
		audit.WithHaltHook(func(cerr *core.ChainIntegrityError) {
			alerts.Emit(webhooks.EventChainBroken, map[string]interface{}{
				"first_broken_index": cerr.FirstBrokenIndex,
				"reason":             cerr.Reason,
			})
		}),
	}
	if cfg.Audit.Driver == "memory" {
		return audit.New(opts...), func() {}, nil
	}

	store, err := audit.OpenStore(ctx, cfg.Audit.Driver, cfg.Audit.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit store: %w", err)
	}
	trail, err := audit.Open(ctx, store, opts...)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("restore audit trail: %w", err)
	}
	n, head := trail.Head()
	slog.Info("audit trail restored", "driver", cfg.Audit.Driver, "entries", n, "head", head)
	return trail, func() { store.Close() }, nil
}

func openTransport(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (transport.Transport, *transport.WebSocketTransport, error) {
	var tr transport.Transport
	var ws *transport.WebSocketTransport

	switch cfg.Transport.Kind {
	case "channel":
		ch := transport.NewChannelTransport(1024)
		// Local sink so the in-process transport always has a receiver.
		sink := ch.Subscribe("")
		go func() {
			for data := range sink {
				slog.Debug("delivered", "bytes", len(data))
			}
		}()
		tr = ch
	case "websocket":
		ws = transport.NewWebSocketTransport(nil)
		tr = ws
	case "redis":
		client, err := transport.DialRedis(ctx, cfg.Transport.RedisAddr, cfg.Transport.RedisPassword, cfg.Transport.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		tr = transport.NewRedisTransport(client, cfg.Transport.RedisPrefix)
	case "pubsub":
		ps, err := transport.NewPubSubTransport(ctx, cfg.Transport.PubSubProject, cfg.Transport.PubSubTopic)
		if err != nil {
			return nil, nil, err
		}
		tr = ps
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
	}

	if cfg.Transport.Kind == "redis" || cfg.Transport.Kind == "pubsub" {
		tr = transport.WithBreaker(tr, circuitbreaker.New(breakerConfig("transport-"+cfg.Transport.Kind, m)))
	}
	return tr, ws, nil
}

func breakerConfig(name string, m *metrics.Metrics) *circuitbreaker.Config {
	c := circuitbreaker.DefaultConfig(name)
	m.SetBreakerState(name, int(circuitbreaker.StateClosed))
	c.OnTransition = func(name string, from, to circuitbreaker.State) {
		slog.Warn("circuit breaker transition", "breaker", name, "from", from.String(), "to", to.String())
		m.SetBreakerState(name, int(to))
	}
	return c
}

func newSigner(cfg *config.Config) (proof.Signer, error) {
	if cfg.Proof.SigningSeed != "" {
		return proof.NewSignerFromSeed(cfg.Proof.SigningSeed)
	}
	if cfg.IsProduction() {
		slog.Warn("no signing seed configured, using an ephemeral key")
	}
	return proof.NewSigner(proof.Algorithm(cfg.Proof.SigningAlgorithm))
}

func verifyLoop(ctx context.Context, trail *audit.Trail, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if trail.Halted() {
				continue
			}
			if err := trail.Verify(ctx); err != nil && ctx.Err() == nil {
				slog.Error("periodic audit verification failed", "error", err)
			}
		}
	}
}

func sweepLoop(ctx context.Context, a *policy.OverrideAuthority) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.Sweep(); n > 0 {
				slog.Debug("expired override tokens swept", "count", n)
			}
		}
	}
}
