package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	maxAttempts = 3
	queueSize   = 1000
)

// Dispatcher sends events to registered subscribers asynchronously
type Dispatcher struct {
	registry   *Registry
	httpClient *http.Client
	queue      chan *deliveryJob
	backoff    func(attempt int) time.Duration

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

type deliveryJob struct {
	subscriber Subscription
	event      *Event
	attempt    int
}

// NewDispatcher creates a webhook dispatcher with a background worker pool
func NewDispatcher(registry *Registry, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		registry:   registry,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan *deliveryJob, queueSize),
		backoff:    func(attempt int) time.Duration { return time.Duration(attempt*attempt) * time.Second },
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Emit queues an event for every subscriber of eventType. It never blocks;
// a full queue drops the delivery.
func (d *Dispatcher) Emit(eventType EventType, data map[string]interface{}) {
	subscribers := d.registry.Subscribers(eventType)
	if len(subscribers) == 0 {
		return
	}

	event := &Event{
		ID:        "evt-" + uuid.NewString(),
		Type:      eventType,
		Source:    "vecgate",
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	for _, sub := range subscribers {
		d.enqueue(&deliveryJob{subscriber: sub, event: event, attempt: 1})
	}
}

func (d *Dispatcher) enqueue(job *deliveryJob) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- job:
	default:
		slog.Warn("webhook queue full, dropping delivery", "event", job.event.ID, "subscription", job.subscriber.ID)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	payload, err := json.Marshal(job.event)
	if err != nil {
		slog.Error("webhook event not serializable", "event", job.event.ID, "error", err)
		return
	}

	err = d.post(job, payload)
	if err == nil {
		d.registry.MarkDelivered(job.subscriber.ID)
		return
	}

	slog.Warn("webhook delivery failed", "url", job.subscriber.URL, "attempt", job.attempt, "error", err)
	d.registry.MarkFailed(job.subscriber.ID)
	if job.attempt >= maxAttempts {
		return
	}

	// Retries wait off the worker so one slow endpoint does not stall the pool.
	next := &deliveryJob{subscriber: job.subscriber, event: job.event, attempt: job.attempt + 1}
	time.AfterFunc(d.backoff(job.attempt), func() { d.enqueue(next) })
}

func (d *Dispatcher) post(job *deliveryJob, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.subscriber.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Vecgate-Event-Type", string(job.event.Type))
	req.Header.Set("X-Vecgate-Event-ID", job.event.ID)
	req.Header.Set("X-Vecgate-Delivery-Attempt", strconv.Itoa(job.attempt))
	if job.subscriber.Secret != "" {
		req.Header.Set("X-Vecgate-Signature", "sha256="+SignPayload(payload, job.subscriber.Secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// Shutdown drains the queue and stops the workers. Retries still waiting
// on their backoff are dropped.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}
