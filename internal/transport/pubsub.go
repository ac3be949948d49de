package transport

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/ocx/vecgate/internal/vector"
)

// publishResult is the part of *pubsub.PublishResult Send waits on.
type publishResult interface {
	Get(ctx context.Context) (string, error)
}

// topic is the part of *pubsub.Topic the transport uses.
type topic interface {
	Publish(ctx context.Context, msg *pubsub.Message) publishResult
	Stop()
	String() string
}

type gcpTopic struct{ t *pubsub.Topic }

func (g gcpTopic) Publish(ctx context.Context, msg *pubsub.Message) publishResult {
	return g.t.Publish(ctx, msg)
}
func (g gcpTopic) Stop()          { g.t.Stop() }
func (g gcpTopic) String() string { return g.t.String() }

// PubSubTransport publishes to a Cloud Pub/Sub topic with the receiver ID as
// ordering key, so each receiver sees its messages in send order.
type PubSubTransport struct {
	client *pubsub.Client
	topic  topic
	logger *log.Logger
}

// NewPubSubTransport connects to projectID and creates topicID if missing.
func NewPubSubTransport(ctx context.Context, projectID, topicID string) (*PubSubTransport, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	t := client.Topic(topicID)
	exists, err := t.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		t, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("Created Pub/Sub topic", "topic_id", topicID)
	}
	t.EnableMessageOrdering = true

	p := newPubSubTransport(gcpTopic{t})
	p.client = client
	p.logger.Printf("connected to Pub/Sub topic projects/%s/topics/%s", projectID, topicID)
	return p, nil
}

func newPubSubTransport(t topic) *PubSubTransport {
	return &PubSubTransport{
		topic:  t,
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}
}

func (p *PubSubTransport) Name() string { return "pubsub" }

// Send blocks until the server acknowledges the publish, so a returned nil
// means the message is durable.
func (p *PubSubTransport) Send(ctx context.Context, m *vector.Message) error {
	data, err := wire(m)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", m.MessageID, err)
	}

	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"message_id":  m.MessageID,
			"sender_id":   m.SenderID,
			"receiver_id": m.ReceiverID,
			"proof_hash":  m.Metadata.ProofHash,
		},
		OrderingKey: m.ReceiverID,
	}

	serverID, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return fmt.Errorf("pubsub publish %s: %w", m.MessageID, err)
	}
	p.logger.Printf("published %s -> msgID=%s", m.MessageID, serverID)
	return nil
}

// TopicPath returns the fully qualified topic path.
func (p *PubSubTransport) TopicPath() string { return p.topic.String() }

func (p *PubSubTransport) Close() error {
	p.topic.Stop()
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}
