package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/miradorstack/mirador-selfimprove/internal/config"
	"github.com/miradorstack/mirador-selfimprove/internal/metrics"
	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

// Sink receives decoded invocation events.
type Sink func(events ...models.InvocationEvent)

// MessageReader is the subset of *kafka.Reader the source uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes invocation events from a topic and forwards them in batches.
// Offsets are committed only after a batch reaches the sink.
type KafkaSource struct {
	reader        MessageReader
	sink          Sink
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
}

// NewKafkaReader builds a consumer-group reader from configuration.
func NewKafkaReader(cfg config.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:               cfg.Brokers,
		GroupID:               cfg.GroupID,
		Topic:                 cfg.Topic,
		MinBytes:              1,
		MaxBytes:              10 << 20,
		MaxWait:               500 * time.Millisecond,
		StartOffset:           kafka.LastOffset,
		WatchPartitionChanges: true,
	})
}

// NewKafkaSource wraps reader. batchSize and flushInterval fall back to 100 and 1s.
func NewKafkaSource(reader MessageReader, sink Sink, batchSize int, flushInterval time.Duration, logger *slog.Logger) *KafkaSource {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &KafkaSource{
		reader:        reader,
		sink:          sink,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logger,
	}
}

// Run consumes until ctx is done, then flushes what it holds and closes the reader.
func (s *KafkaSource) Run(ctx context.Context) error {
	defer func() {
		if err := s.reader.Close(); err != nil {
			s.logger.Warn("kafka reader close failed", slog.Any("error", err))
		}
	}()

	var (
		events   []models.InvocationEvent
		pending  []kafka.Message
		deadline = time.Now().Add(s.flushInterval)
	)
	flush := func(commitCtx context.Context) {
		if len(pending) == 0 {
			return
		}
		if len(events) > 0 {
			s.sink(events...)
			metrics.EventsIngested("kafka", len(events))
		}
		if err := s.reader.CommitMessages(commitCtx, pending...); err != nil {
			s.logger.Error("kafka commit failed", slog.Int("messages", len(pending)), slog.Any("error", err))
		}
		events, pending = nil, nil
	}

	for {
		fetchCtx, cancel := context.WithDeadline(ctx, deadline)
		msg, err := s.reader.FetchMessage(fetchCtx)
		cancel()

		switch {
		case err == nil:
			decoded, decodeErr := DecodeEvents(msg.Value)
			if decodeErr != nil {
				s.logger.Warn("invocation event dropped",
					slog.Int("partition", msg.Partition),
					slog.Int64("offset", msg.Offset),
					slog.Any("error", decodeErr))
			}
			events = append(events, decoded...)
			pending = append(pending, msg)
			if len(events) < s.batchSize {
				continue
			}
		case ctx.Err() != nil:
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(flushCtx)
			cancel()
			return nil
		case errors.Is(err, context.DeadlineExceeded):
		default:
			s.logger.Warn("kafka fetch failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				continue
			case <-time.After(s.flushInterval):
			}
		}
		flush(ctx)
		deadline = time.Now().Add(s.flushInterval)
	}
}

// DecodeEvents parses a message value holding either one event object or an array
// of events. Events without a timestamp are stamped with the decode time.
func DecodeEvents(value []byte) ([]models.InvocationEvent, error) {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty message")
	}

	var events []models.InvocationEvent
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("decode event batch: %w", err)
		}
	} else {
		var ev models.InvocationEvent
		if err := json.Unmarshal(trimmed, &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = []models.InvocationEvent{ev}
	}

	now := time.Now()
	valid := events[:0]
	var errs []error
	for i, ev := range events {
		if ev.LatencyMs < 0 {
			errs = append(errs, fmt.Errorf("event %d: negative latency", i))
			continue
		}
		if q := ev.QualityScore; q != nil && (*q < 0 || *q > 1) {
			errs = append(errs, fmt.Errorf("event %d: quality_score out of range", i))
			continue
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		valid = append(valid, ev)
	}
	return valid, errors.Join(errs...)
}
