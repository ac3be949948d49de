package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/vecgate/internal/vector"
)

// DefaultRedisPrefix namespaces per-receiver inbox channels.
const DefaultRedisPrefix = "vecgate:inbox:"

// RedisPublisher is the slice of a Redis client the transport needs.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Close() error
}

// RedisTransport publishes each message on the receiver's inbox channel.
type RedisTransport struct {
	client RedisPublisher
	prefix string
}

// NewRedisTransport wraps client. An empty prefix uses DefaultRedisPrefix.
func NewRedisTransport(client RedisPublisher, prefix string) *RedisTransport {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisTransport{client: client, prefix: prefix}
}

func (r *RedisTransport) Name() string { return "redis" }

// Channel returns the inbox channel for receiverID.
func (r *RedisTransport) Channel(receiverID string) string {
	return r.prefix + receiverID
}

func (r *RedisTransport) Send(ctx context.Context, m *vector.Message) error {
	data, err := wire(m)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", m.MessageID, err)
	}
	if err := r.client.Publish(ctx, r.Channel(m.ReceiverID), data); err != nil {
		return fmt.Errorf("redis publish %s: %w", m.MessageID, err)
	}
	return nil
}

func (r *RedisTransport) Close() error { return r.client.Close() }

// ============================================================================
// go-redis ADAPTER
// ============================================================================

// GoRedisClient adapts go-redis v9 to RedisPublisher.
type GoRedisClient struct {
	rdb *redis.Client
}

// DialRedis connects and pings. The caller decides whether to fall back to
// the in-process transport on error.
func DialRedis(ctx context.Context, addr, password string, db int) (*GoRedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &GoRedisClient{rdb: rdb}, nil
}

func (a *GoRedisClient) Publish(ctx context.Context, channel string, message []byte) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe registers handler for channel and returns an unsubscribe func.
func (a *GoRedisClient) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := a.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { _ = sub.Close() }, nil
}

func (a *GoRedisClient) Close() error { return a.rdb.Close() }
