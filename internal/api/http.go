package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-selfimprove/internal/engine"
	"github.com/miradorstack/mirador-selfimprove/internal/metrics"
	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

const maxBodyBytes = 4 << 20

// Controller is the operator facade served over HTTP.
type Controller interface {
	Status(ctx context.Context) (engine.SystemStatus, error)
	History(ctx context.Context, kind string, limit int) ([]models.ActionRecord, error)
	Approve(ctx context.Context, id, by string) error
	Reject(ctx context.Context, id, reason string) error
	IngestEvents(ctx context.Context, events []models.InvocationEvent) (int, error)
	LiveConfig(ctx context.Context) (map[string]models.ParamValue, error)
}

// Handler serves the operator HTTP API.
type Handler struct {
	router     *mux.Router
	controller Controller
	logger     *slog.Logger
}

// NewHandler builds the router for controller.
func NewHandler(controller Controller, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{router: mux.NewRouter(), controller: controller, logger: logger}
	h.routes()
	return h
}

// EventsRequest is the body of POST /v1/events.
type EventsRequest struct {
	Events []models.InvocationEvent `json:"events"`
}

// ApproveRequest is the optional body of POST /v1/diagnoses/{id}/approve.
type ApproveRequest struct {
	ApprovedBy string `json:"approved_by"`
}

// RejectRequest is the optional body of POST /v1/diagnoses/{id}/reject.
type RejectRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) routes() {
	h.router.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)

	h.router.HandleFunc("/v1/status", h.handleStatus).Methods(http.MethodGet)
	h.router.HandleFunc("/v1/config", h.handleConfig).Methods(http.MethodGet)
	h.router.HandleFunc("/v1/history", h.handleHistory).Methods(http.MethodGet)
	h.router.HandleFunc("/v1/history/{kind}", h.handleHistory).Methods(http.MethodGet)
	h.router.HandleFunc("/v1/events", h.handleEvents).Methods(http.MethodPost)
	h.router.HandleFunc("/v1/diagnoses/{id}/approve", h.handleApprove).Methods(http.MethodPost)
	h.router.HandleFunc("/v1/diagnoses/{id}/reject", h.handleReject).Methods(http.MethodPost)

	h.router.Use(h.observe)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.controller.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	values, err := h.controller.LiveConfig(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"config": values, "count": len(values)})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, status.Errorf(codes.InvalidArgument, "limit %q is not an integer", raw))
			return
		}
		limit = n
	}
	records, err := h.controller.History(r.Context(), mux.Vars(r)["kind"], limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"actions": records, "count": len(records)})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	var req EventsRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}
	n, err := h.controller.IngestEvents(r.Context(), req.Events)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]int{"accepted": n})
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		h.writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.controller.Approve(r.Context(), id, req.ApprovedBy); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"diagnosis_id": id, "approved": true})
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		h.writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.controller.Reject(r.Context(), id, req.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"diagnosis_id": id, "rejected": true})
}

// observe logs and times every routed request under its path template.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(r.Method, route, statusClass(wrapped.statusCode), elapsed)
		h.logger.Debug("request handled",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", wrapped.statusCode),
			slog.Duration("duration", elapsed))
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("encode response failed", slog.Any("error", err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	st, _ := status.FromError(err)
	h.writeJSON(w, httpStatus(st.Code()), map[string]string{
		"error": st.Message(),
		"code":  st.Code().String(),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return status.Errorf(codes.InvalidArgument, "invalid request body: %v", err)
	}
	return nil
}

func httpStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition, codes.AlreadyExists:
		return http.StatusConflict
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(data)
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
