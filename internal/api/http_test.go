package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-selfimprove/internal/engine"
	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

type controllerStub struct {
	kind      string
	limit     int
	events    []models.InvocationEvent
	approveID string
	by        string
	reason    string
	err       error
}

func (c *controllerStub) Status(context.Context) (engine.SystemStatus, error) {
	return engine.SystemStatus{Enabled: true, BufferedEvents: 7}, c.err
}

func (c *controllerStub) History(_ context.Context, kind string, limit int) ([]models.ActionRecord, error) {
	c.kind, c.limit = kind, limit
	return []models.ActionRecord{{ID: "a1", Action: models.SuggestedAction{Kind: models.KindScaleResource}}}, c.err
}

func (c *controllerStub) Approve(_ context.Context, id, by string) error {
	c.approveID, c.by = id, by
	return c.err
}

func (c *controllerStub) Reject(_ context.Context, id, reason string) error {
	c.approveID, c.reason = id, reason
	return c.err
}

func (c *controllerStub) LiveConfig(context.Context) (map[string]models.ParamValue, error) {
	return map[string]models.ParamValue{"server.max_concurrent_requests": models.NumberValue(24)}, c.err
}

func (c *controllerStub) IngestEvents(_ context.Context, events []models.InvocationEvent) (int, error) {
	c.events = events
	return len(events), c.err
}

func serve(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	h := NewHandler(&controllerStub{}, nil)

	rec := serve(t, h, http.MethodGet, "/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var st engine.SystemStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Enabled || st.BufferedEvents != 7 {
		t.Fatalf("unexpected status payload: %+v", st)
	}
}

func TestConfigEndpoint(t *testing.T) {
	h := NewHandler(&controllerStub{}, nil)

	rec := serve(t, h, http.MethodGet, "/v1/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Config map[string]models.ParamValue `json:"config"`
		Count  int                          `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if body.Count != 1 || !body.Config["server.max_concurrent_requests"].Equal(models.NumberValue(24)) {
		t.Fatalf("unexpected config payload: %+v", body)
	}
}

func TestHistoryEndpointForwardsKindAndLimit(t *testing.T) {
	stub := &controllerStub{}
	h := NewHandler(stub, nil)

	rec := serve(t, h, http.MethodGet, "/v1/history/scale_resource?limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if stub.kind != "scale_resource" || stub.limit != 5 {
		t.Fatalf("unexpected forwarded query kind=%q limit=%d", stub.kind, stub.limit)
	}

	rec = serve(t, h, http.MethodGet, "/v1/history?limit=ten", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric limit, got %d", rec.Code)
	}
}

func TestEventsEndpoint(t *testing.T) {
	stub := &controllerStub{}
	h := NewHandler(stub, nil)

	body := `{"events":[{"success":true,"latency_ms":120},{"success":false,"latency_ms":800,"fallback_used":true}]}`
	rec := serve(t, h, http.MethodPost, "/v1/events", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(stub.events) != 2 || !stub.events[1].FallbackUsed {
		t.Fatalf("unexpected forwarded events: %+v", stub.events)
	}

	rec = serve(t, h, http.MethodPost, "/v1/events", `{"events":[`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
	rec = serve(t, h, http.MethodPost, "/v1/events", `{"evts":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestApproveAndRejectEndpoints(t *testing.T) {
	stub := &controllerStub{}
	h := NewHandler(stub, nil)

	rec := serve(t, h, http.MethodPost, "/v1/diagnoses/d-42/approve", `{"approved_by":"oncall"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if stub.approveID != "d-42" || stub.by != "oncall" {
		t.Fatalf("unexpected approval forwarded: id=%q by=%q", stub.approveID, stub.by)
	}

	rec = serve(t, h, http.MethodPost, "/v1/diagnoses/d-43/reject", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with empty body, got %d: %s", rec.Code, rec.Body.String())
	}
	if stub.approveID != "d-43" || stub.reason != "" {
		t.Fatalf("unexpected rejection forwarded: id=%q reason=%q", stub.approveID, stub.reason)
	}
}

func TestErrorCodesMapToHTTPStatus(t *testing.T) {
	cases := []struct {
		code codes.Code
		want int
	}{
		{codes.NotFound, http.StatusNotFound},
		{codes.FailedPrecondition, http.StatusConflict},
		{codes.InvalidArgument, http.StatusBadRequest},
		{codes.Internal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h := NewHandler(&controllerStub{err: status.Error(tc.code, "boom")}, nil)
		rec := serve(t, h, http.MethodPost, "/v1/diagnoses/d-1/approve", "")
		if rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.code, tc.want, rec.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		if body["error"] != "boom" || body["code"] != tc.code.String() {
			t.Fatalf("unexpected error body: %v", body)
		}
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	h := NewHandler(&controllerStub{}, nil)
	if rec := serve(t, h, http.MethodGet, "/v1/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := serve(t, h, http.MethodDelete, "/v1/status", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if rec := serve(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from healthz, got %d", rec.Code)
	}
}
