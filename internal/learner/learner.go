package learner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MakeNowJust/heredoc"

	"github.com/miradorstack/mirador-selfimprove/internal/metrics"
	"github.com/miradorstack/mirador-selfimprove/internal/models"
	"github.com/miradorstack/mirador-selfimprove/internal/pipe"
)

// BlockReason explains why a record produced no learning update.
type BlockReason string

const (
	ReasonInconclusive  BlockReason = "inconclusive"
	ReasonNoMeasurement BlockReason = "no_measurement"
)

// BlockedError is returned when a record cannot be scored.
type BlockedError struct {
	Reason   BlockReason
	RecordID models.ActionID
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("learning blocked for action %s: %s", e.RecordID, e.Reason)
}

// Synthesizer turns a scored record into a natural-language lesson.
type Synthesizer interface {
	Synthesize(ctx context.Context, prompt string) (pipe.LearningResponse, error)
}

// Config tunes scoring and history retention.
type Config struct {
	Weights                  models.RewardWeights
	EffectiveRewardThreshold float64
	HistoryWeight            float64
	MaxHistoryPerAction      int
	SynthesisEnabled         bool
}

// LearningOutcome is the result of scoring one action record.
type LearningOutcome struct {
	RecordID       models.ActionID            `json:"record_id"`
	Kind           models.ActionKind          `json:"kind"`
	Reward         models.NormalizedReward    `json:"reward"`
	Effectiveness  models.ActionEffectiveness `json:"effectiveness"`
	Lesson         string                     `json:"lesson,omitempty"`
	Recommendation string                     `json:"recommendation,omitempty"`
}

// Learner keeps the bounded per-kind effectiveness history.
type Learner struct {
	cfg    Config
	synth  Synthesizer
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	history map[models.ActionKind]*models.ActionEffectiveness
}

// Option customises a Learner.
type Option func(*Learner)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Learner) { l.now = now }
}

// New constructs a Learner. synth may be nil, in which case outcomes are numeric only.
func New(cfg Config, synth Synthesizer, logger *slog.Logger, opts ...Option) *Learner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Weights.Total() <= 0 {
		cfg.Weights = models.DefaultRewardWeights()
	}
	if cfg.MaxHistoryPerAction <= 0 {
		cfg.MaxHistoryPerAction = 50
	}
	l := &Learner{
		cfg:     cfg,
		synth:   synth,
		logger:  logger,
		now:     time.Now,
		history: make(map[models.ActionKind]*models.ActionEffectiveness),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Weights returns the configured reward weights.
func (l *Learner) Weights() models.RewardWeights { return l.cfg.Weights }

// Learn scores rec and folds the reward into the history of its action kind.
// Inconclusive and unmeasured records are reported as *BlockedError and leave the
// history untouched.
func (l *Learner) Learn(ctx context.Context, rec models.ActionRecord) (*LearningOutcome, error) {
	switch {
	case rec.Outcome == models.OutcomeInconclusive:
		return nil, &BlockedError{Reason: ReasonInconclusive, RecordID: rec.ID}
	case rec.Outcome == models.OutcomeFailed, rec.Before.SampleCount == 0, rec.After.SampleCount == 0:
		return nil, &BlockedError{Reason: ReasonNoMeasurement, RecordID: rec.ID}
	}

	reward := rec.Reward
	if reward.Weights.Total() == 0 {
		reward = ComputeReward(rec.Before, rec.After, l.cfg.Weights)
	}
	kind := rec.Action.Kind
	eff := l.record(kind, reward.Value)
	metrics.ObserveReward(kind, reward.Value)

	out := &LearningOutcome{RecordID: rec.ID, Kind: kind, Reward: reward, Effectiveness: eff}
	if l.cfg.SynthesisEnabled && l.synth != nil {
		resp, err := l.synth.Synthesize(ctx, lessonPrompt(rec, reward, eff))
		if err != nil {
			l.logger.Warn("lesson synthesis failed; keeping numeric outcome",
				slog.String("action_id", string(rec.ID)),
				slog.Any("error", err))
		} else {
			out.Lesson = strings.TrimSpace(resp.Lesson)
			out.Recommendation = strings.TrimSpace(resp.Recommendation)
			if out.Lesson != "" {
				l.setLesson(kind, out.Lesson)
				out.Effectiveness.LastLesson = out.Lesson
			}
		}
	}

	l.logger.Info("action scored",
		slog.String("action_id", string(rec.ID)),
		slog.String("kind", string(kind)),
		slog.Float64("reward", reward.Value),
		slog.Float64("average_reward", eff.AverageReward),
		slog.Bool("effective", eff.Effective))
	return out, nil
}

func (l *Learner) record(kind models.ActionKind, reward float64) models.ActionEffectiveness {
	l.mu.Lock()
	defer l.mu.Unlock()

	eff, ok := l.history[kind]
	if !ok {
		eff = &models.ActionEffectiveness{Kind: kind}
		l.history[kind] = eff
	}
	eff.Rewards = append(eff.Rewards, reward)
	if over := len(eff.Rewards) - l.cfg.MaxHistoryPerAction; over > 0 {
		eff.Rewards = append(eff.Rewards[:0], eff.Rewards[over:]...)
	}
	eff.Attempts++
	if reward >= l.cfg.EffectiveRewardThreshold {
		eff.Successes++
	}
	eff.AverageReward = mean(eff.Rewards)
	eff.Effective = eff.AverageReward >= l.cfg.EffectiveRewardThreshold
	eff.UpdatedAt = l.now()
	return copyEffectiveness(eff)
}

func (l *Learner) setLesson(kind models.ActionKind, lesson string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if eff, ok := l.history[kind]; ok {
		eff.LastLesson = lesson
	}
}

// Effectiveness returns the history for kind.
func (l *Learner) Effectiveness(kind models.ActionKind) (models.ActionEffectiveness, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	eff, ok := l.history[kind]
	if !ok {
		return models.ActionEffectiveness{Kind: kind}, false
	}
	return copyEffectiveness(eff), true
}

// All returns every tracked kind sorted by name.
func (l *Learner) All() []models.ActionEffectiveness {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.ActionEffectiveness, 0, len(l.history))
	for _, eff := range l.history {
		out = append(out, copyEffectiveness(eff))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Restore replaces the history with persisted records, trimming each to the
// configured bound and recomputing derived fields.
func (l *Learner) Restore(records []models.ActionEffectiveness) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range records {
		eff := copyEffectiveness(&rec)
		if over := len(eff.Rewards) - l.cfg.MaxHistoryPerAction; over > 0 {
			eff.Rewards = eff.Rewards[over:]
		}
		eff.AverageReward = mean(eff.Rewards)
		eff.Effective = len(eff.Rewards) > 0 && eff.AverageReward >= l.cfg.EffectiveRewardThreshold
		l.history[rec.Kind] = &eff
	}
}

// Score blends the pipe's confidence in a proposed action with the historical reward
// of its kind. Kinds without history contribute a neutral 0.5.
func (l *Learner) Score(kind models.ActionKind, confidence float64) float64 {
	historical := 0.5
	if eff, ok := l.Effectiveness(kind); ok && len(eff.Rewards) > 0 {
		historical = (eff.AverageReward + 1) / 2
	}
	w := l.cfg.HistoryWeight
	return (1-w)*confidence + w*historical
}

func lessonPrompt(rec models.ActionRecord, reward models.NormalizedReward, eff models.ActionEffectiveness) string {
	return heredoc.Docf(`
		An automated configuration change was applied to a reasoning server and measured.

		Action: %s on %s (%s -> %s)
		Rationale: %s
		Outcome: %s (rolled back: %t)
		Before: error_rate=%.4f latency_p95_ms=%.1f quality=%.3f fallback_rate=%.4f
		After:  error_rate=%.4f latency_p95_ms=%.1f quality=%.3f fallback_rate=%.4f
		Reward: %.3f (error %.2f, latency %.2f, quality %.2f, fallback %.2f)
		History for this kind: %d attempts, average reward %.3f

		Respond with a JSON object {"lesson": string, "recommendation": string, "confidence": number}.`,
		rec.Action.Kind, rec.Action.Scope, rec.Action.OldValue.Format(), rec.Action.NewValue.Format(),
		rec.Action.Rationale,
		rec.Outcome, rec.RolledBack,
		rec.Before.ErrorRate, rec.Before.LatencyP95Ms, rec.Before.QualityScore, rec.Before.FallbackRate,
		rec.After.ErrorRate, rec.After.LatencyP95Ms, rec.After.QualityScore, rec.After.FallbackRate,
		reward.Value, reward.Breakdown.ErrorRate, reward.Breakdown.Latency, reward.Breakdown.QualityScore, reward.Breakdown.FallbackRate,
		eff.Attempts, eff.AverageReward)
}

func copyEffectiveness(eff *models.ActionEffectiveness) models.ActionEffectiveness {
	out := *eff
	out.Rewards = append([]float64(nil), eff.Rewards...)
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
