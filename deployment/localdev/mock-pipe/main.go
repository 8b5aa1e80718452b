package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/miradorstack/mirador-selfimprove/internal/pipe"
)

// Canned replies keyed by the logical role a pipe name maps to.
var replies = map[string]any{
	"diagnosis": pipe.DiagnosisResponse{
		Summary:    "error rate rose after a traffic burst saturated request slots",
		RootCause:  "max_concurrent_requests too low for current load",
		Severity:   "high",
		Confidence: 0.78,
	},
	"decision": map[string]any{
		"kind":                 "scale_resource",
		"component":            "server",
		"param":                "max_concurrent_requests",
		"new_value":            32,
		"rationale":            "raise concurrency headroom by one step",
		"confidence":           0.7,
		"expected_improvement": "error rate back under baseline",
	},
	"validation": pipe.ValidationResponse{Approved: true, Confidence: 0.8},
	"learning": pipe.LearningResponse{
		Lesson:         "scaling concurrency resolves saturation-driven error bursts",
		Recommendation: "prefer scale_resource on server for error bursts under load",
		Confidence:     0.6,
	},
}

func role(name string) string {
	name = strings.ToLower(name)
	switch {
	case strings.Contains(name, "diagnos"):
		return "diagnosis"
	case strings.Contains(name, "decision"), strings.Contains(name, "select"):
		return "decision"
	case strings.Contains(name, "detection"), strings.Contains(name, "validat"):
		return "validation"
	case strings.Contains(name, "reflection"), strings.Contains(name, "learn"):
		return "learning"
	default:
		return ""
	}
}

func main() {
	addr := os.Getenv("MOCK_PIPE_ADDR")
	if addr == "" {
		addr = ":8091"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/pipes/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req pipe.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		reply, ok := replies[role(req.Pipe)]
		if !ok {
			http.Error(w, "unknown pipe "+req.Pipe, http.StatusNotFound)
			return
		}
		text, err := json.Marshal(reply)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, pipe.Completion{Text: string(text), Model: "mock"})
	})

	logger := log.New(log.Writer(), "pipe-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:              addr,
		Handler:           logRequests(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Printf("listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
