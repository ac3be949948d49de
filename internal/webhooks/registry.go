// Package webhooks pushes operator alerts (audit halts, emergency overrides,
// failed deliveries) to registered HTTP endpoints.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Emitter is what gateway components alert through.
type Emitter interface {
	Emit(eventType EventType, data map[string]interface{})
}

type EventType string

const (
	EventChainBroken     EventType = "audit.chain_broken"
	EventAuditFailed     EventType = "audit.append_failed"
	EventOverrideGranted EventType = "policy.override_granted"
	EventDeliveryFailed  EventType = "message.delivery_failed"
)

// AllEvents lists every alert the gateway raises.
var AllEvents = []EventType{EventChainBroken, EventAuditFailed, EventOverrideGranted, EventDeliveryFailed}

// maxFailures consecutive failed deliveries disable a subscription.
const maxFailures = 10

var (
	ErrMissingURL    = errors.New("webhooks: subscription URL is required")
	ErrUnknownEvent  = errors.New("webhooks: unknown event type")
	ErrNotRegistered = errors.New("webhooks: subscription not registered")
)

// Subscription is a registered endpoint. An empty Events list receives
// every alert.
type Subscription struct {
	ID        string      `json:"id" yaml:"id"`
	URL       string      `json:"url" yaml:"url"`
	Events    []EventType `json:"events" yaml:"events"`
	Secret    string      `json:"-" yaml:"secret"`
	Active    bool        `json:"active" yaml:"-"`
	CreatedAt time.Time   `json:"created_at" yaml:"-"`
	FailCount int         `json:"fail_count" yaml:"-"`
}

func (s *Subscription) wants(t EventType) bool {
	return len(s.Events) == 0 || slices.Contains(s.Events, t)
}

// Event is the JSON body posted to subscribers.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

type Registry struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
	now  func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]*Subscription), now: time.Now}
}

// Register validates sub, assigns an ID when it has none and activates it.
func (r *Registry) Register(sub *Subscription) error {
	if sub.URL == "" {
		return ErrMissingURL
	}
	for _, e := range sub.Events {
		if !slices.Contains(AllEvents, e) {
			return fmt.Errorf("%w: %q", ErrUnknownEvent, e)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.ID == "" {
		sub.ID = "wh-" + uuid.NewString()
	} else if _, taken := r.subs[sub.ID]; taken {
		return fmt.Errorf("webhooks: subscription %s already registered", sub.ID)
	}
	sub.Active = true
	sub.FailCount = 0
	sub.CreatedAt = r.now().UTC()
	r.subs[sub.ID] = sub

	slog.Info("webhook registered", "id", sub.ID, "url", sub.URL, "events", sub.Events)
	return nil
}

func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	delete(r.subs, id)
	return nil
}

// Subscribers returns copies of the active subscriptions that want t,
// ordered by ID.
func (r *Registry) Subscribers(t EventType) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Subscription
	for _, s := range r.subs {
		if s.Active && s.wants(t) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarkFailed records a failed delivery and deactivates the subscription
// once maxFailures accumulate without a success in between.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok || !s.Active {
		return
	}
	s.FailCount++
	if s.FailCount >= maxFailures {
		s.Active = false
		slog.Warn("webhook disabled", "id", id, "url", s.URL, "failures", s.FailCount)
	}
}

func (r *Registry) MarkDelivered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[id]; ok {
		s.FailCount = 0
	}
}

// SignPayload is the hex HMAC-SHA256 of payload under secret. Receivers
// compare it against the X-Vecgate-Signature header after the "sha256=" prefix.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
