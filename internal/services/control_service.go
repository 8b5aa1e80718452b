package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-selfimprove/internal/engine"
	"github.com/miradorstack/mirador-selfimprove/internal/metrics"
	"github.com/miradorstack/mirador-selfimprove/internal/models"
	"github.com/miradorstack/mirador-selfimprove/internal/utils"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	maxEventsPerRequest = 5000
)

// Engine is the slice of the control loop the operator surface needs.
type Engine interface {
	Status(ctx context.Context) (engine.SystemStatus, error)
	History(ctx context.Context, kind models.ActionKind, limit int) ([]models.ActionRecord, error)
	Approve(ctx context.Context, id models.DiagnosisID, by string) error
	Reject(ctx context.Context, id models.DiagnosisID, reason string) error
	Ingest(events ...models.InvocationEvent)
	LiveConfig() map[string]models.ParamValue
}

// ControlService validates operator requests and forwards them to the engine.
// Errors carry gRPC status codes so every transport maps them the same way.
type ControlService struct {
	logger    *slog.Logger
	engine    Engine
	now       func() time.Time
	latencies *utils.LatencyTracker
}

// NewControlService constructs the operator facade.
func NewControlService(logger *slog.Logger, eng Engine) *ControlService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ControlService{
		logger:    logger,
		engine:    eng,
		now:       time.Now,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// Status returns the current loop state.
func (s *ControlService) Status(ctx context.Context) (engine.SystemStatus, error) {
	if s.engine == nil {
		return engine.SystemStatus{}, status.Error(codes.FailedPrecondition, "engine not configured")
	}
	start := time.Now()
	st, err := s.engine.Status(ctx)
	if err != nil {
		s.logger.Error("status failed", slog.Any("error", err))
		return engine.SystemStatus{}, status.Error(codes.Internal, "failed to assemble status")
	}
	s.observe(time.Since(start))
	return st, nil
}

// History lists recorded actions. kind may be empty or "all" for every kind.
func (s *ControlService) History(ctx context.Context, kind string, limit int) ([]models.ActionRecord, error) {
	if s.engine == nil {
		return nil, status.Error(codes.FailedPrecondition, "engine not configured")
	}
	k, err := parseKind(kind)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	switch {
	case limit < 0:
		return nil, status.Error(codes.InvalidArgument, "limit must be positive")
	case limit == 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}

	records, err := s.engine.History(ctx, k, limit)
	if err != nil {
		s.logger.Error("list history failed", slog.String("kind", string(k)), slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to list action history")
	}
	if records == nil {
		records = []models.ActionRecord{}
	}
	return records, nil
}

// Approve lets a queued diagnosis proceed when approval is required.
func (s *ControlService) Approve(ctx context.Context, id, by string) error {
	if s.engine == nil {
		return status.Error(codes.FailedPrecondition, "engine not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return status.Error(codes.InvalidArgument, "diagnosis id is required")
	}
	return s.operatorError("approve", id, s.engine.Approve(ctx, models.DiagnosisID(id), by))
}

// Reject drops a queued diagnosis.
func (s *ControlService) Reject(ctx context.Context, id, reason string) error {
	if s.engine == nil {
		return status.Error(codes.FailedPrecondition, "engine not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return status.Error(codes.InvalidArgument, "diagnosis id is required")
	}
	return s.operatorError("reject", id, s.engine.Reject(ctx, models.DiagnosisID(id), reason))
}

// LiveConfig returns the live tunables the supervised server should run with.
func (s *ControlService) LiveConfig(context.Context) (map[string]models.ParamValue, error) {
	if s.engine == nil {
		return nil, status.Error(codes.FailedPrecondition, "engine not configured")
	}
	values := s.engine.LiveConfig()
	if values == nil {
		values = map[string]models.ParamValue{}
	}
	return values, nil
}

// IngestEvents validates pushed invocation events and forwards them to the monitor.
// Events without a timestamp are stamped with the receive time.
func (s *ControlService) IngestEvents(_ context.Context, events []models.InvocationEvent) (int, error) {
	if s.engine == nil {
		return 0, status.Error(codes.FailedPrecondition, "engine not configured")
	}
	if len(events) == 0 {
		return 0, status.Error(codes.InvalidArgument, "at least one event is required")
	}
	if len(events) > maxEventsPerRequest {
		return 0, status.Errorf(codes.InvalidArgument, "at most %d events per request", maxEventsPerRequest)
	}

	now := s.now()
	accepted := make([]models.InvocationEvent, 0, len(events))
	for i, ev := range events {
		if err := validateEvent(ev); err != nil {
			return 0, status.Errorf(codes.InvalidArgument, "event %d: %v", i, err)
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		accepted = append(accepted, ev)
	}
	s.engine.Ingest(accepted...)
	metrics.EventsIngested("http", len(accepted))
	return len(accepted), nil
}

// LatencyP95 returns the p95 latency of status requests.
func (s *ControlService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}

func (s *ControlService) observe(d time.Duration) {
	s.latencies.Observe(d)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Debug("status latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}
}

func (s *ControlService) operatorError(op, id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrNotPending):
		return status.Errorf(codes.NotFound, "diagnosis %s is not pending", id)
	case errors.Is(err, engine.ErrExecuting):
		return status.Errorf(codes.FailedPrecondition, "diagnosis %s is being executed", id)
	default:
		s.logger.Error(op+" failed", slog.String("diagnosis_id", id), slog.Any("error", err))
		return status.Errorf(codes.Internal, "failed to %s diagnosis", op)
	}
}

func parseKind(kind string) (models.ActionKind, error) {
	switch k := models.ActionKind(strings.ToLower(strings.TrimSpace(kind))); k {
	case "", "all":
		return "", nil
	case models.KindAdjustParam, models.KindScaleResource, models.KindToggleFeature, models.KindNoOp:
		return k, nil
	default:
		return "", fmt.Errorf("unknown action kind %q", kind)
	}
}

func validateEvent(ev models.InvocationEvent) error {
	if math.IsNaN(ev.LatencyMs) || ev.LatencyMs < 0 {
		return fmt.Errorf("latency_ms must be a non-negative number")
	}
	if q := ev.QualityScore; q != nil && (math.IsNaN(*q) || *q < 0 || *q > 1) {
		return fmt.Errorf("quality_score must be within [0,1]")
	}
	return nil
}
