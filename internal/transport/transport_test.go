package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/vecgate/internal/circuitbreaker"
	"github.com/ocx/vecgate/internal/vector"
)

func message(receiver string) *vector.Message {
	m := vector.NewMessage("alice", receiver, []float64{0.6, 0.8}, vector.TierFast, "test-model")
	m.Metadata.ProofHash = strings.Repeat("a", 64)
	return m
}

func TestChannelTransport_DeliversVerbatim(t *testing.T) {
	tr := NewChannelTransport(4)
	defer tr.Close()

	inbox := tr.Subscribe("bob")
	all := tr.Subscribe("")
	m := message("bob")

	require.NoError(t, tr.Send(context.Background(), m))
	want, err := m.Encode()
	require.NoError(t, err)

	assert.Equal(t, want, <-inbox)
	assert.Equal(t, want, <-all)
	assert.Equal(t, 2, tr.SubscriberCount())
}

func TestChannelTransport_Errors(t *testing.T) {
	tr := NewChannelTransport(1)
	ctx := context.Background()

	err := tr.Send(ctx, message("nobody"))
	assert.True(t, errors.Is(err, ErrNoReceiver))

	inbox := tr.Subscribe("bob")
	require.NoError(t, tr.Send(ctx, message("bob")))
	err = tr.Send(ctx, message("bob"))
	assert.True(t, errors.Is(err, ErrBackpressure))
	<-inbox

	tr.Unsubscribe("bob", inbox)
	_, open := <-inbox
	assert.False(t, open)

	require.NoError(t, tr.Close())
	assert.True(t, errors.Is(tr.Send(ctx, message("bob")), ErrClosed))
}

type fakeRedis struct {
	mu        sync.Mutex
	published map[string][][]byte
	err       error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.published == nil {
		f.published = map[string][][]byte{}
	}
	f.published[channel] = append(f.published[channel], message)
	return nil
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisTransport_PublishesToReceiverInbox(t *testing.T) {
	client := &fakeRedis{}
	tr := NewRedisTransport(client, "")
	m := message("bob")

	require.NoError(t, tr.Send(context.Background(), m))
	want, _ := m.Encode()
	require.Len(t, client.published["vecgate:inbox:bob"], 1)
	assert.Equal(t, want, client.published["vecgate:inbox:bob"][0])

	client.err = errors.New("connection reset")
	assert.Error(t, tr.Send(context.Background(), m))
}

type fakeResult struct {
	id  string
	err error
}

func (r fakeResult) Get(ctx context.Context) (string, error) { return r.id, r.err }

type fakeTopic struct {
	msgs    []*pubsub.Message
	err     error
	stopped bool
}

func (f *fakeTopic) Publish(ctx context.Context, msg *pubsub.Message) publishResult {
	f.msgs = append(f.msgs, msg)
	return fakeResult{id: "srv-1", err: f.err}
}
func (f *fakeTopic) Stop()          { f.stopped = true }
func (f *fakeTopic) String() string { return "projects/p/topics/t" }

func TestPubSubTransport_OrdersByReceiver(t *testing.T) {
	ft := &fakeTopic{}
	tr := newPubSubTransport(ft)
	m := message("bob")

	require.NoError(t, tr.Send(context.Background(), m))
	require.Len(t, ft.msgs, 1)
	assert.Equal(t, "bob", ft.msgs[0].OrderingKey)
	assert.Equal(t, m.MessageID, ft.msgs[0].Attributes["message_id"])
	want, _ := m.Encode()
	assert.Equal(t, want, ft.msgs[0].Data)

	ft.err = errors.New("unavailable")
	assert.Error(t, tr.Send(context.Background(), m))

	require.NoError(t, tr.Close())
	assert.True(t, ft.stopped)
	assert.Equal(t, "projects/p/topics/t", tr.TopicPath())
}

func TestWebSocketTransport_PushesToConnectedReceiver(t *testing.T) {
	tr := NewWebSocketTransport(nil)
	srv := httptest.NewServer(http.HandlerFunc(tr.HandleWebSocket))
	defer srv.Close()
	defer tr.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?agent_id=bob"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return tr.Connected("bob") == 1 }, time.Second, 5*time.Millisecond)

	m := message("bob")
	require.NoError(t, tr.Send(context.Background(), m))

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, got, err := conn.ReadMessage()
	require.NoError(t, err)
	want, _ := m.Encode()
	assert.Equal(t, want, got)

	err = tr.Send(context.Background(), message("carol"))
	assert.True(t, errors.Is(err, ErrNoReceiver))
}

func TestWithBreaker_OpensOnRepeatedFailure(t *testing.T) {
	client := &fakeRedis{err: errors.New("down")}
	cb := circuitbreaker.New(&circuitbreaker.Config{
		Name:      "redis-test",
		Threshold: 2,
		Cooldown:  time.Minute,
	})
	tr := WithBreaker(NewRedisTransport(client, ""), cb)
	assert.Equal(t, "redis", tr.Name())

	for i := 0; i < 2; i++ {
		assert.Error(t, tr.Send(context.Background(), message("bob")))
	}
	err := tr.Send(context.Background(), message("bob"))
	assert.True(t, errors.Is(err, circuitbreaker.ErrCircuitOpen))
}
