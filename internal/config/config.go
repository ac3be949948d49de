package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Safety    SafetyConfig    `yaml:"safety"`
	Policy    PolicyConfig    `yaml:"policy"`
	Ethics    EthicsConfig    `yaml:"ethics"`
	Proof     ProofConfig     `yaml:"proof"`
	Audit     AuditConfig     `yaml:"audit"`
	Transport TransportConfig `yaml:"transport"`
	Identity  IdentityConfig  `yaml:"identity"`
	Alerts    AlertsConfig    `yaml:"alerts"`
}

type ServerConfig struct {
	Port               string `yaml:"port"`
	Env                string `yaml:"env"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"` // per sender, 0 disables
}

type PipelineConfig struct {
	DefaultTier           int    `yaml:"default_tier"`
	EncodingModel         string `yaml:"encoding_model"`
	SteeringEnabled       bool   `yaml:"steering_enabled"`
	MaxSteeringIterations int    `yaml:"max_steering_iterations"`
	DefaultRiskLevel      string `yaml:"default_risk_level"`
	AgentsFile            string `yaml:"agents_file"`

	Projectors []ProjectorConfig `yaml:"projectors"`
}

// ProjectorConfig installs one cross-tier projector, either read from a
// fitted file or fitted at startup on a corpus with one sample per line.
type ProjectorConfig struct {
	File       string `yaml:"file"`
	CorpusFile string `yaml:"corpus_file"`
	SourceTier int    `yaml:"source_tier"`
	TargetTier int    `yaml:"target_tier"`
	Iterations int    `yaml:"iterations"`
	Seed       int64  `yaml:"seed"`
}

type SafetyConfig struct {
	PolytopeFile string `yaml:"polytope_file"`
}

type PolicyConfig struct {
	File           string        `yaml:"file"`
	OverrideSecret string        `yaml:"override_secret"`
	OverrideIssuer string        `yaml:"override_issuer"`
	OverrideTTL    time.Duration `yaml:"override_ttl"`
	OverrideMaxTTL time.Duration `yaml:"override_max_ttl"`

	// Operators may issue override tokens. Each token names its holder, who
	// is recorded as the grantor.
	Operators []OperatorConfig `yaml:"operators"`
}

type OperatorConfig struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

// OperatorTokens maps operator name to bearer token.
func (c PolicyConfig) OperatorTokens() map[string]string {
	out := make(map[string]string, len(c.Operators))
	for _, op := range c.Operators {
		out[op.Name] = op.Token
	}
	return out
}

type EthicsConfig struct {
	Critical float64 `yaml:"critical"`
	Standard float64 `yaml:"standard"`
	Low      float64 `yaml:"low"`
}

type ProofConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	SigningAlgorithm string        `yaml:"signing_algorithm"`
	SigningSeed      string        `yaml:"signing_seed"`
}

type AuditConfig struct {
	Driver         string        `yaml:"driver"` // memory, sqlite, postgres
	DSN            string        `yaml:"dsn"`
	VerifyInterval time.Duration `yaml:"verify_interval"`
	MetricsWindow  time.Duration `yaml:"metrics_window"`
}

type TransportConfig struct {
	Kind          string `yaml:"kind"` // channel, redis, websocket, pubsub
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

type IdentityConfig struct {
	RequireSPIFFE bool   `yaml:"require_spiffe"`
	TrustDomain   string `yaml:"trust_domain"`
	SocketPath    string `yaml:"socket_path"`
}

type AlertsConfig struct {
	Workers  int             `yaml:"workers"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig subscribes one endpoint. No events means all of them.
type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Pipeline: PipelineConfig{
			DefaultTier:           1,
			EncodingModel:         "hash-embedder-v1",
			SteeringEnabled:       true,
			MaxSteeringIterations: 100,
			DefaultRiskLevel:      "standard",
		},
		Policy: PolicyConfig{
			OverrideIssuer: "vecgate-override",
			OverrideTTL:    15 * time.Minute,
			OverrideMaxTTL: 4 * time.Hour,
		},
		Ethics: EthicsConfig{Critical: 0.7, Standard: 0.5, Low: 0.3},
		Proof: ProofConfig{
			Timeout:          2 * time.Second,
			SigningAlgorithm: "ed25519",
		},
		Audit: AuditConfig{
			Driver:         "memory",
			VerifyInterval: time.Minute,
			MetricsWindow:  5 * time.Minute,
		},
		Transport: TransportConfig{Kind: "channel", RedisPrefix: "vecgate:inbox:"},
		Identity:  IdentityConfig{TrustDomain: "vecgate.local"},
		Alerts:    AlertsConfig{Workers: 2},
	}
}

// LoadConfig reads path over the defaults and applies VECGATE_* environment
// overrides. An empty path yields defaults plus environment.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString("VECGATE_PORT", &c.Server.Port)
	setString("VECGATE_ENV", &c.Server.Env)
	setString("VECGATE_POLICY_FILE", &c.Policy.File)
	setString("VECGATE_POLYTOPE_FILE", &c.Safety.PolytopeFile)
	setString("VECGATE_AGENTS_FILE", &c.Pipeline.AgentsFile)
	setString("VECGATE_OVERRIDE_SECRET", &c.Policy.OverrideSecret)
	setString("VECGATE_SIGNING_SEED", &c.Proof.SigningSeed)
	setString("VECGATE_AUDIT_DRIVER", &c.Audit.Driver)
	setString("VECGATE_AUDIT_DSN", &c.Audit.DSN)
	setString("VECGATE_TRANSPORT", &c.Transport.Kind)
	setString("VECGATE_REDIS_ADDR", &c.Transport.RedisAddr)
	setString("VECGATE_REDIS_PASSWORD", &c.Transport.RedisPassword)
	setString("VECGATE_PUBSUB_PROJECT", &c.Transport.PubSubProject)
	setString("VECGATE_PUBSUB_TOPIC", &c.Transport.PubSubTopic)
	setString("VECGATE_TRUST_DOMAIN", &c.Identity.TrustDomain)

	if v, ok := os.LookupEnv("VECGATE_OPERATOR_TOKEN"); ok && v != "" {
		name := os.Getenv("VECGATE_OPERATOR_NAME")
		if name == "" {
			name = "operator"
		}
		c.Policy.Operators = append(c.Policy.Operators, OperatorConfig{Name: name, Token: v})
	}

	if v, ok := os.LookupEnv("VECGATE_ALERT_WEBHOOK_URL"); ok && v != "" {
		c.Alerts.Webhooks = append(c.Alerts.Webhooks, WebhookConfig{
			URL:    v,
			Secret: os.Getenv("VECGATE_ALERT_WEBHOOK_SECRET"),
		})
	}

	if v, ok := os.LookupEnv("VECGATE_REQUIRE_SPIFFE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("VECGATE_REQUIRE_SPIFFE: %w", err)
		}
		c.Identity.RequireSPIFFE = b
	}
	if v, ok := os.LookupEnv("VECGATE_PROOF_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("VECGATE_PROOF_TIMEOUT: %w", err)
		}
		c.Proof.Timeout = d
	}
	return nil
}

// Validate rejects settings the gateway cannot start with.
func (c *Config) Validate() error {
	if c.Pipeline.DefaultTier < 1 || c.Pipeline.DefaultTier > 3 {
		return fmt.Errorf("pipeline.default_tier %d is not one of 1, 2, 3", c.Pipeline.DefaultTier)
	}
	if c.Pipeline.MaxSteeringIterations < 0 {
		return fmt.Errorf("pipeline.max_steering_iterations must be >= 0")
	}
	switch c.Pipeline.DefaultRiskLevel {
	case "critical", "standard", "low":
	default:
		return fmt.Errorf("pipeline.default_risk_level %q unknown", c.Pipeline.DefaultRiskLevel)
	}
	switch c.Audit.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Audit.DSN == "" {
			return fmt.Errorf("audit.dsn required for driver %s", c.Audit.Driver)
		}
	default:
		return fmt.Errorf("audit.driver %q unknown", c.Audit.Driver)
	}
	switch c.Transport.Kind {
	case "channel", "websocket":
	case "redis":
		if c.Transport.RedisAddr == "" {
			return fmt.Errorf("transport.redis_addr required for redis transport")
		}
	case "pubsub":
		if c.Transport.PubSubProject == "" || c.Transport.PubSubTopic == "" {
			return fmt.Errorf("transport.pubsub_project and pubsub_topic required for pubsub transport")
		}
	default:
		return fmt.Errorf("transport.kind %q unknown", c.Transport.Kind)
	}
	for i, w := range c.Alerts.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("alerts.webhooks[%d].url required", i)
		}
	}
	names := make(map[string]bool, len(c.Policy.Operators))
	for i, op := range c.Policy.Operators {
		switch {
		case op.Name == "":
			return fmt.Errorf("policy.operators[%d].name required", i)
		case names[op.Name]:
			return fmt.Errorf("policy.operators[%d]: duplicate operator %s", i, op.Name)
		case len(op.Token) < 16:
			return fmt.Errorf("policy.operators[%d].token must be at least 16 bytes", i)
		case op.Token == c.Policy.OverrideSecret:
			return fmt.Errorf("policy.operators[%d].token must differ from the override secret", i)
		}
		names[op.Name] = true
	}
	for i, pc := range c.Pipeline.Projectors {
		if (pc.File == "") == (pc.CorpusFile == "") {
			return fmt.Errorf("pipeline.projectors[%d]: exactly one of file and corpus_file required", i)
		}
		if pc.CorpusFile != "" && (pc.SourceTier <= pc.TargetTier || pc.TargetTier < 1 || pc.SourceTier > 3) {
			return fmt.Errorf("pipeline.projectors[%d]: source_tier must be above target_tier within 1-3", i)
		}
	}
	if c.Server.RateLimitPerMinute < 0 {
		return fmt.Errorf("server.rate_limit_per_minute must be >= 0")
	}
	if c.Proof.Timeout <= 0 {
		return fmt.Errorf("proof.timeout must be positive")
	}
	return nil
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}
