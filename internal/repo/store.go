package repo

import (
	"context"
	"errors"
	"time"

	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

var (
	// ErrNotFound is returned by point lookups for unknown ids.
	ErrNotFound = errors.New("repo: not found")
	// ErrConflict is returned when an append-only entity is written twice.
	ErrConflict = errors.New("repo: already exists")
)

// BaselineRetention is how many baseline snapshots SaveBaselines keeps. Only the
// latest is read back; the rest cover a torn write during restore.
const BaselineRetention = 3

// ActionFilter narrows ListActionRecords. Zero fields do not filter.
type ActionFilter struct {
	Kind  models.ActionKind
	Since time.Time
	Limit int
}

// Store persists the control loop's state. Listings are ordered oldest first; a
// Limit keeps the most recent entries.
type Store interface {
	SaveBaselines(ctx context.Context, snapshot models.BaselineSnapshot) error
	LatestBaselines(ctx context.Context) (models.BaselineSnapshot, error)

	SaveDiagnosis(ctx context.Context, diagnosis models.SelfDiagnosis) error
	GetDiagnosis(ctx context.Context, id models.DiagnosisID) (models.SelfDiagnosis, error)
	ListDiagnoses(ctx context.Context, limit int) ([]models.SelfDiagnosis, error)

	SaveActionRecord(ctx context.Context, record models.ActionRecord) error
	GetActionRecord(ctx context.Context, id models.ActionID) (models.ActionRecord, error)
	ListActionRecords(ctx context.Context, filter ActionFilter) ([]models.ActionRecord, error)

	SaveEffectiveness(ctx context.Context, effectiveness models.ActionEffectiveness) error
	ListEffectiveness(ctx context.Context) ([]models.ActionEffectiveness, error)

	Ping(ctx context.Context) error
	Close() error
}
