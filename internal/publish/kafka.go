package publish

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/miradorstack/mirador-selfimprove/internal/metrics"
	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

const (
	outcomePublished = "published"
	outcomeFailed    = "failed"
	outcomeDropped   = "dropped"
)

// ConfigChange announces one applied live configuration change. Rollbacks are
// announced the same way, with Old and New swapped.
type ConfigChange struct {
	Scope     string            `json:"scope"`
	Component string            `json:"component"`
	Param     string            `json:"param"`
	Old       models.ParamValue `json:"old"`
	New       models.ParamValue `json:"new"`
	ChangedAt time.Time         `json:"changed_at"`
}

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer that keys messages by scope so changes to one
// parameter stay ordered on a partition.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// ChangePublisher forwards live configuration changes to a topic the supervised
// server consumes. OnChange never blocks; changes beyond the buffer are dropped and
// the server falls back to polling GET /v1/config.
type ChangePublisher struct {
	writer       MessageWriter
	logger       *slog.Logger
	now          func() time.Time
	writeTimeout time.Duration
	queue        chan ConfigChange
}

// Option customises a ChangePublisher.
type Option func(*ChangePublisher)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(p *ChangePublisher) { p.now = now }
}

// NewChangePublisher wraps writer. buffer falls back to 64.
func NewChangePublisher(writer MessageWriter, buffer int, logger *slog.Logger, opts ...Option) *ChangePublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 64
	}
	p := &ChangePublisher{
		writer:       writer,
		logger:       logger,
		now:          time.Now,
		writeTimeout: 10 * time.Second,
		queue:        make(chan ConfigChange, buffer),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnChange has the livecfg.Listener signature.
func (p *ChangePublisher) OnChange(scope models.ConfigScope, old, updated models.ParamValue) {
	change := ConfigChange{
		Scope:     scope.String(),
		Component: string(scope.Component),
		Param:     scope.Param,
		Old:       old,
		New:       updated,
		ChangedAt: p.now(),
	}
	select {
	case p.queue <- change:
	default:
		metrics.ConfigChangePublished(outcomeDropped)
		p.logger.Warn("config change not published: queue full", slog.String("scope", change.Scope))
	}
}

// Run writes queued changes until ctx is done, then drains the queue and closes the
// writer.
func (p *ChangePublisher) Run(ctx context.Context) error {
	defer func() {
		if err := p.writer.Close(); err != nil {
			p.logger.Warn("kafka writer close failed", slog.Any("error", err))
		}
	}()

	for {
		select {
		case change := <-p.queue:
			p.write(ctx, change)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				select {
				case change := <-p.queue:
					p.write(drainCtx, change)
				default:
					return nil
				}
			}
		}
	}
}

func (p *ChangePublisher) write(ctx context.Context, change ConfigChange) {
	value, err := json.Marshal(change)
	if err != nil {
		metrics.ConfigChangePublished(outcomeFailed)
		p.logger.Error("config change not encoded", slog.String("scope", change.Scope), slog.Any("error", err))
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()
	err = p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(change.Scope),
		Value: value,
		Time:  change.ChangedAt,
	})
	if err != nil {
		metrics.ConfigChangePublished(outcomeFailed)
		p.logger.Error("config change not published",
			slog.String("scope", change.Scope),
			slog.String("new", change.New.Format()),
			slog.Any("error", err))
		return
	}
	metrics.ConfigChangePublished(outcomePublished)
	p.logger.Debug("config change published", slog.String("scope", change.Scope), slog.String("new", change.New.Format()))
}
