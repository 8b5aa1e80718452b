package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-selfimprove/internal/engine"
	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

type engineStub struct {
	ingested  []models.InvocationEvent
	kind      models.ActionKind
	limit     int
	approved  models.DiagnosisID
	approveBy string
	live      map[string]models.ParamValue
	err       error
}

func (e *engineStub) Status(context.Context) (engine.SystemStatus, error) {
	return engine.SystemStatus{Enabled: true}, e.err
}

func (e *engineStub) History(_ context.Context, kind models.ActionKind, limit int) ([]models.ActionRecord, error) {
	e.kind, e.limit = kind, limit
	return nil, e.err
}

func (e *engineStub) Approve(_ context.Context, id models.DiagnosisID, by string) error {
	e.approved, e.approveBy = id, by
	return e.err
}

func (e *engineStub) Reject(context.Context, models.DiagnosisID, string) error {
	return e.err
}

func (e *engineStub) Ingest(events ...models.InvocationEvent) {
	e.ingested = append(e.ingested, events...)
}

func (e *engineStub) LiveConfig() map[string]models.ParamValue {
	return e.live
}

func TestHistoryValidatesKindAndClampsLimit(t *testing.T) {
	stub := &engineStub{}
	service := NewControlService(nil, stub)

	records, err := service.History(context.Background(), "Scale_Resource", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if records == nil || len(records) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", records)
	}
	if stub.kind != models.KindScaleResource || stub.limit != defaultHistoryLimit {
		t.Fatalf("unexpected forwarded query kind=%q limit=%d", stub.kind, stub.limit)
	}

	if _, err := service.History(context.Background(), "all", 10_000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.kind != "" || stub.limit != maxHistoryLimit {
		t.Fatalf("expected all kinds clamped to %d, got kind=%q limit=%d", maxHistoryLimit, stub.kind, stub.limit)
	}

	_, err = service.History(context.Background(), "restart_server", 5)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestApproveMapsEngineErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want codes.Code
	}{
		{name: "ok", want: codes.OK},
		{name: "not pending", err: fmt.Errorf("approve d1: %w", engine.ErrNotPending), want: codes.NotFound},
		{name: "executing", err: engine.ErrExecuting, want: codes.FailedPrecondition},
		{name: "storage", err: errors.New("redis down"), want: codes.Internal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &engineStub{err: tc.err}
			service := NewControlService(nil, stub)
			err := service.Approve(context.Background(), " d1 ", "alice")
			if got := status.Code(err); got != tc.want {
				t.Fatalf("expected %s, got %s (%v)", tc.want, got, err)
			}
			if stub.approved != "d1" || stub.approveBy != "alice" {
				t.Fatalf("unexpected forwarded approval %q by %q", stub.approved, stub.approveBy)
			}
		})
	}

	service := NewControlService(nil, &engineStub{})
	if err := service.Approve(context.Background(), "  ", ""); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument for empty id, got %v", err)
	}
}

func TestIngestEventsStampsAndValidates(t *testing.T) {
	stub := &engineStub{}
	service := NewControlService(nil, stub)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return fixed }

	quality := 0.9
	stamped := fixed.Add(-time.Minute)
	n, err := service.IngestEvents(context.Background(), []models.InvocationEvent{
		{Success: true, LatencyMs: 120, QualityScore: &quality},
		{Timestamp: stamped, Success: false, LatencyMs: 900},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 || len(stub.ingested) != 2 {
		t.Fatalf("expected 2 events forwarded, got n=%d forwarded=%d", n, len(stub.ingested))
	}
	if !stub.ingested[0].Timestamp.Equal(fixed) {
		t.Fatalf("expected zero timestamp stamped with receive time, got %v", stub.ingested[0].Timestamp)
	}
	if !stub.ingested[1].Timestamp.Equal(stamped) {
		t.Fatalf("expected explicit timestamp kept, got %v", stub.ingested[1].Timestamp)
	}

	bad := 1.5
	_, err = service.IngestEvents(context.Background(), []models.InvocationEvent{{LatencyMs: 1}, {LatencyMs: 1, QualityScore: &bad}})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if len(stub.ingested) != 2 {
		t.Fatalf("rejected batch must not be partially ingested, got %d events", len(stub.ingested))
	}

	if _, err := service.IngestEvents(context.Background(), []models.InvocationEvent{{LatencyMs: -1}}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument for negative latency, got %v", err)
	}
	if _, err := service.IngestEvents(context.Background(), nil); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument for empty batch, got %v", err)
	}
}

func TestStatusWithoutEngine(t *testing.T) {
	service := NewControlService(nil, nil)
	if _, err := service.Status(context.Background()); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected failed precondition, got %v", err)
	}
}

func TestLiveConfigNeverReturnsNil(t *testing.T) {
	service := NewControlService(nil, &engineStub{})
	values, err := service.LiveConfig(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if values == nil || len(values) != 0 {
		t.Fatalf("expected empty non-nil map, got %#v", values)
	}

	stub := &engineStub{live: map[string]models.ParamValue{"server.max_concurrent_requests": models.NumberValue(24)}}
	values, err = NewControlService(nil, stub).LiveConfig(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v := values["server.max_concurrent_requests"]; !v.Equal(models.NumberValue(24)) {
		t.Fatalf("unexpected live value %+v", v)
	}

	if _, err := NewControlService(nil, nil).LiveConfig(context.Background()); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition without engine, got %v", err)
	}
}
