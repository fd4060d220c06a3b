// Package audit persists breakglass activation records. A record is
// written whenever a breakglass layer weakened enforcement during a
// run; it outlives the exception's expiry. Retention belongs to the
// hosting environment via Prune.
package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/failcore/failcore/pkg/policy"
)

// Record is one persisted breakglass activation.
type Record struct {
	ID         string                 `json:"id"`
	RunID      string                 `json:"run_id"`
	PolicyName string                 `json:"policy_name"`
	Activation policy.BreakglassAudit `json:"activation"`
	CreatedAt  time.Time              `json:"created_at"`
}

// NewRecord stamps an id and creation time onto an activation.
func NewRecord(runID, policyName string, activation policy.BreakglassAudit, now time.Time) Record {
	return Record{
		ID:         uuid.NewString(),
		RunID:      runID,
		PolicyName: policyName,
		Activation: activation,
		CreatedAt:  now,
	}
}

// Store persists breakglass records.
type Store interface {
	Save(ctx context.Context, rec Record) error
	ByRun(ctx context.Context, runID string) ([]Record, error)
	// Prune deletes records created before the cutoff and reports how
	// many were removed.
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// MemoryStore is the in-process default.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}}
}

func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryStore) ByRun(_ context.Context, runID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, r := range s.records {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.records {
		if r.CreatedAt.Before(before) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }
