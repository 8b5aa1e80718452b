package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

// MemoryStore keeps everything in process. It backs tests and storage.driver=memory.
type MemoryStore struct {
	mu            sync.RWMutex
	baselines     []models.BaselineSnapshot
	diagnoses     map[models.DiagnosisID]models.SelfDiagnosis
	records       []models.ActionRecord
	recordIndex   map[models.ActionID]int
	effectiveness map[models.ActionKind]models.ActionEffectiveness
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		diagnoses:     make(map[models.DiagnosisID]models.SelfDiagnosis),
		recordIndex:   make(map[models.ActionID]int),
		effectiveness: make(map[models.ActionKind]models.ActionEffectiveness),
	}
}

func (s *MemoryStore) SaveBaselines(_ context.Context, snapshot models.BaselineSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselines = append(s.baselines, cloneBaselines(snapshot))
	if len(s.baselines) > BaselineRetention {
		sort.SliceStable(s.baselines, func(i, j int) bool {
			return s.baselines[i].TakenAt.Before(s.baselines[j].TakenAt)
		})
		s.baselines = append(s.baselines[:0:0], s.baselines[len(s.baselines)-BaselineRetention:]...)
	}
	return nil
}

func (s *MemoryStore) LatestBaselines(_ context.Context) (models.BaselineSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.baselines) == 0 {
		return models.BaselineSnapshot{}, ErrNotFound
	}
	latest := s.baselines[0]
	for _, snap := range s.baselines[1:] {
		if !snap.TakenAt.Before(latest.TakenAt) {
			latest = snap
		}
	}
	return cloneBaselines(latest), nil
}

func (s *MemoryStore) SaveDiagnosis(_ context.Context, diagnosis models.SelfDiagnosis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diagnoses[diagnosis.ID] = cloneDiagnosis(diagnosis)
	return nil
}

func (s *MemoryStore) GetDiagnosis(_ context.Context, id models.DiagnosisID) (models.SelfDiagnosis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.diagnoses[id]
	if !ok {
		return models.SelfDiagnosis{}, fmt.Errorf("diagnosis %s: %w", id, ErrNotFound)
	}
	return cloneDiagnosis(d), nil
}

func (s *MemoryStore) ListDiagnoses(_ context.Context, limit int) ([]models.SelfDiagnosis, error) {
	s.mu.RLock()
	out := make([]models.SelfDiagnosis, 0, len(s.diagnoses))
	for _, d := range s.diagnoses {
		out = append(out, cloneDiagnosis(d))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return tail(out, limit), nil
}

func (s *MemoryStore) SaveActionRecord(_ context.Context, record models.ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.recordIndex[record.ID]; exists {
		return fmt.Errorf("action record %s: %w", record.ID, ErrConflict)
	}
	s.recordIndex[record.ID] = len(s.records)
	s.records = append(s.records, cloneRecord(record))
	return nil
}

func (s *MemoryStore) GetActionRecord(_ context.Context, id models.ActionID) (models.ActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.recordIndex[id]
	if !ok {
		return models.ActionRecord{}, fmt.Errorf("action record %s: %w", id, ErrNotFound)
	}
	return cloneRecord(s.records[idx]), nil
}

func (s *MemoryStore) ListActionRecords(_ context.Context, filter ActionFilter) ([]models.ActionRecord, error) {
	s.mu.RLock()
	var out []models.ActionRecord
	for _, rec := range s.records {
		if filter.Kind != "" && rec.Action.Kind != filter.Kind {
			continue
		}
		if !filter.Since.IsZero() && rec.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return tail(out, filter.Limit), nil
}

func (s *MemoryStore) SaveEffectiveness(_ context.Context, effectiveness models.ActionEffectiveness) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	effectiveness.Rewards = append([]float64(nil), effectiveness.Rewards...)
	s.effectiveness[effectiveness.Kind] = effectiveness
	return nil
}

func (s *MemoryStore) ListEffectiveness(_ context.Context) ([]models.ActionEffectiveness, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ActionEffectiveness, 0, len(s.effectiveness))
	for _, eff := range s.effectiveness {
		eff.Rewards = append([]float64(nil), eff.Rewards...)
		out = append(out, eff)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func tail[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[len(items)-limit:]
	}
	return items
}

func cloneBaselines(snap models.BaselineSnapshot) models.BaselineSnapshot {
	out := snap
	out.Baselines = make([]models.BaselineState, len(snap.Baselines))
	for i, b := range snap.Baselines {
		b.Window = append([]models.BaselineSample(nil), b.Window...)
		out.Baselines[i] = b
	}
	return out
}

func cloneDiagnosis(d models.SelfDiagnosis) models.SelfDiagnosis {
	if d.Action != nil {
		action := *d.Action
		d.Action = &action
	}
	d.Trigger.History = append([]float64(nil), d.Trigger.History...)
	return d
}

func cloneRecord(r models.ActionRecord) models.ActionRecord {
	r.Phases = append([]models.ExecutionPhase(nil), r.Phases...)
	return r
}
