package transport

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/ocx/vecgate/internal/vector"
)

// ChannelTransport delivers in process. Each receiver subscribes with a
// buffered channel of raw wire bytes; subscribers to "" receive everything.
type ChannelTransport struct {
	mu          sync.RWMutex
	subscribers map[string][]chan []byte
	closed      bool
	bufferSize  int
	logger      *log.Logger
}

// NewChannelTransport creates a transport whose subscriber channels hold
// bufferSize messages (100 when <= 0).
func NewChannelTransport(bufferSize int) *ChannelTransport {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &ChannelTransport{
		subscribers: make(map[string][]chan []byte),
		bufferSize:  bufferSize,
		logger:      log.New(log.Writer(), "[TRANSPORT] ", log.LstdFlags),
	}
}

func (c *ChannelTransport) Name() string { return "channel" }

// Subscribe returns a channel that receives messages for receiverID.
func (c *ChannelTransport) Subscribe(receiverID string) <-chan []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan []byte, c.bufferSize)
	if c.closed {
		close(ch)
		return ch
	}
	c.subscribers[receiverID] = append(c.subscribers[receiverID], ch)
	return ch
}

// Unsubscribe removes and closes ch.
func (c *ChannelTransport) Unsubscribe(receiverID string, ch <-chan []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs := c.subscribers[receiverID]
	filtered := make([]chan []byte, 0, len(subs))
	for _, s := range subs {
		if s == ch {
			close(s)
			continue
		}
		filtered = append(filtered, s)
	}
	c.subscribers[receiverID] = filtered
}

// Send fails with ErrNoReceiver when nobody listens for the receiver and with
// ErrBackpressure when every listening buffer is full.
func (c *ChannelTransport) Send(ctx context.Context, m *vector.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := wire(m)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", m.MessageID, err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}

	targets := append(append([]chan []byte{}, c.subscribers[m.ReceiverID]...), c.subscribers[""]...)
	if len(targets) == 0 {
		return fmt.Errorf("%w: %s", ErrNoReceiver, m.ReceiverID)
	}

	delivered := 0
	for _, ch := range targets {
		select {
		case ch <- data:
			delivered++
		default:
			c.logger.Printf("subscriber buffer full, dropping %s for %s", m.MessageID, m.ReceiverID)
		}
	}
	if delivered == 0 {
		return fmt.Errorf("%w: %s", ErrBackpressure, m.ReceiverID)
	}
	return nil
}

// SubscriberCount returns the number of active subscriptions.
func (c *ChannelTransport) SubscriberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, subs := range c.subscribers {
		n += len(subs)
	}
	return n
}

// Close closes every subscriber channel.
func (c *ChannelTransport) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for id, subs := range c.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(c.subscribers, id)
	}
	return nil
}
