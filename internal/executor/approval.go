package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/miradorstack/mirador-selfimprove/internal/cache"
	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

const approvalKeyPrefix = "approval:"

// Approval is the operator signal that lets a diagnosis' action run.
type Approval struct {
	DiagnosisID models.DiagnosisID `json:"diagnosis_id"`
	ApprovedBy  string             `json:"approved_by,omitempty"`
	ApprovedAt  time.Time          `json:"approved_at"`
}

// ApprovalStore keeps approval signals in a cache provider so they survive restarts
// when Redis is configured.
type ApprovalStore struct {
	provider cache.Provider
	ttl      time.Duration
	now      func() time.Time
}

// NewApprovalStore wraps provider. A zero ttl keeps approvals until consumed.
func NewApprovalStore(provider cache.Provider, ttl time.Duration) *ApprovalStore {
	if provider == nil {
		provider = cache.NewMemoryProvider()
	}
	return &ApprovalStore{provider: provider, ttl: ttl, now: time.Now}
}

// Approve records an approval. Approving twice keeps the first signal.
func (s *ApprovalStore) Approve(ctx context.Context, id models.DiagnosisID, by string) error {
	payload, err := json.Marshal(Approval{DiagnosisID: id, ApprovedBy: by, ApprovedAt: s.now()})
	if err != nil {
		return err
	}
	if _, err := s.provider.SetNX(ctx, approvalKeyPrefix+string(id), payload, s.ttl); err != nil {
		return fmt.Errorf("store approval %s: %w", id, err)
	}
	return nil
}

// Lookup returns the approval for id, if any.
func (s *ApprovalStore) Lookup(ctx context.Context, id models.DiagnosisID) (*Approval, error) {
	raw, err := s.provider.Get(ctx, approvalKeyPrefix+string(id))
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup approval %s: %w", id, err)
	}
	var approval Approval
	if err := json.Unmarshal(raw, &approval); err != nil {
		return nil, fmt.Errorf("decode approval %s: %w", id, err)
	}
	return &approval, nil
}

// Revoke removes the approval for id. It is called once an approved action has run.
func (s *ApprovalStore) Revoke(ctx context.Context, id models.DiagnosisID) error {
	if err := s.provider.Del(ctx, approvalKeyPrefix+string(id)); err != nil {
		return fmt.Errorf("revoke approval %s: %w", id, err)
	}
	return nil
}
