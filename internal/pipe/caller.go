package pipe

import (
	"context"
	"log/slog"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/miradorstack/mirador-selfimprove/internal/metrics"
	"github.com/miradorstack/mirador-selfimprove/internal/utils"
)

// Names maps each logical pipe to its identifier on the pipe service.
type Names struct {
	Diagnosis  string
	Decision   string
	Validation string
	Learning   string
}

// Caller wraps a Client with typed, timeout-bounded calls for each logical pipe.
type Caller struct {
	client  Client
	names   Names
	timeout time.Duration
	logger  *slog.Logger
	latency *utils.LatencyTracker
}

// NewCaller constructs a Caller. Every call is bounded by timeout.
func NewCaller(client Client, names Names, timeout time.Duration, logger *slog.Logger) *Caller {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Caller{client: client, names: names, timeout: timeout, logger: logger, latency: utils.NewLatencyTracker(256)}
}

// Diagnose calls the diagnosis pipe.
func (c *Caller) Diagnose(ctx context.Context, prompt string) (DiagnosisResponse, error) {
	var out DiagnosisResponse
	err := c.call(ctx, c.names.Diagnosis, prompt, diagnosisSchemaLoader, &out)
	return out, err
}

// SelectAction calls the decision pipe.
func (c *Caller) SelectAction(ctx context.Context, prompt string) (ActionSelectionResponse, error) {
	var out ActionSelectionResponse
	err := c.call(ctx, c.names.Decision, prompt, actionSchemaLoader, &out)
	return out, err
}

// Validate calls the validation pipe.
func (c *Caller) Validate(ctx context.Context, prompt string) (ValidationResponse, error) {
	var out ValidationResponse
	err := c.call(ctx, c.names.Validation, prompt, validationSchemaLoader, &out)
	return out, err
}

// Synthesize calls the learning pipe.
func (c *Caller) Synthesize(ctx context.Context, prompt string) (LearningResponse, error) {
	var out LearningResponse
	err := c.call(ctx, c.names.Learning, prompt, learningSchemaLoader, &out)
	return out, err
}

// LatencyP95 reports the 95th percentile pipe latency over recent calls.
func (c *Caller) LatencyP95() time.Duration {
	return c.latency.Percentile(95)
}

func (c *Caller) call(ctx context.Context, name, prompt string, schema gojsonschema.JSONLoader, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	completion, err := c.client.Call(callCtx, Request{Pipe: name, Prompt: prompt})
	elapsed := time.Since(start)
	c.latency.Observe(elapsed)

	if err == nil {
		err = decode(name, schema, completion.Text, out)
	} else {
		err = classify(name, err)
	}

	outcome := "ok"
	if err != nil {
		pe := classify(name, err)
		outcome = string(pe.Kind)
		c.logger.Warn("pipe call failed",
			slog.String("pipe", name),
			slog.String("kind", outcome),
			slog.Duration("elapsed", elapsed),
			slog.Any("error", pe.Err))
		err = pe
	}
	metrics.ObservePipeCall(name, outcome, elapsed)
	return err
}
