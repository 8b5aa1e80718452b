package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-selfimprove/internal/livecfg"
	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

type writerStub struct {
	mu       sync.Mutex
	messages []kafka.Message
	fail     error
	closed   bool
}

func (w *writerStub) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *writerStub) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *writerStub) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}

var (
	concurrency = models.ConfigScope{Component: models.ComponentServer, Param: "max_concurrent_requests"}
	fixedNow    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func TestPublishesLiveConfigChanges(t *testing.T) {
	live := livecfg.New(map[models.ConfigScope]models.ParamValue{concurrency: models.NumberValue(16)})
	writer := &writerStub{}
	pub := NewChangePublisher(writer, 4, nil, WithClock(func() time.Time { return fixedNow }))
	unsubscribe := live.Subscribe(pub.OnChange)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()

	_, err := live.Set(concurrency, models.NumberValue(24))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(writer.written()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	msg := writer.written()[0]
	assert.Equal(t, "server.max_concurrent_requests", string(msg.Key))
	assert.Equal(t, fixedNow, msg.Time)

	var change ConfigChange
	require.NoError(t, json.Unmarshal(msg.Value, &change))
	assert.Equal(t, "server", change.Component)
	assert.Equal(t, "max_concurrent_requests", change.Param)
	assert.True(t, change.Old.Equal(models.NumberValue(16)))
	assert.True(t, change.New.Equal(models.NumberValue(24)))
	assert.True(t, writer.closed)
}

func TestOnChangeDropsWhenQueueFull(t *testing.T) {
	writer := &writerStub{}
	pub := NewChangePublisher(writer, 1, nil)

	// Run is not started, so the second change finds the queue full.
	pub.OnChange(concurrency, models.NumberValue(16), models.NumberValue(20))
	pub.OnChange(concurrency, models.NumberValue(20), models.NumberValue(24))
	require.Len(t, pub.queue, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, pub.Run(ctx))

	written := writer.written()
	require.Len(t, written, 1)
	var change ConfigChange
	require.NoError(t, json.Unmarshal(written[0].Value, &change))
	assert.True(t, change.New.Equal(models.NumberValue(20)))
}

func TestWriteFailureDoesNotStopPublisher(t *testing.T) {
	writer := &writerStub{fail: errors.New("broker unavailable")}
	pub := NewChangePublisher(writer, 4, nil)

	pub.OnChange(concurrency, models.NumberValue(16), models.NumberValue(24))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, pub.Run(ctx))
	assert.Empty(t, writer.written())
	assert.True(t, writer.closed)
}

func TestNewKafkaWriterKeysByScope(t *testing.T) {
	w := NewKafkaWriter([]string{"localhost:9092"}, "selfimprove.changes")
	assert.Equal(t, "selfimprove.changes", w.Topic)
	assert.IsType(t, &kafka.Hash{}, w.Balancer)
	assert.Equal(t, kafka.RequireAll, w.RequiredAcks)
}
