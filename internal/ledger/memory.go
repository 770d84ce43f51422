package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process ledger guarded by a single mutex. It serves tests
// and single-process development setups.
type Memory struct {
	mu        sync.Mutex
	records   map[Key]*Record
	retention time.Duration
	now       func() time.Time
}

// NewMemory returns an empty in-memory ledger
func NewMemory(retention time.Duration) *Memory {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Memory{records: make(map[Key]*Record), retention: retention, now: time.Now}
}

// SetClock replaces the time source
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) TryClaim(_ context.Context, key Key, owner string, lease time.Duration) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	until := now.Add(lease)

	r, ok := m.records[key]
	if !ok {
		m.records[key] = &Record{
			Key:        key,
			Status:     StatusPending,
			Owner:      owner,
			LeaseUntil: &until,
			Claims:     1,
			CreatedAt:  now,
			UpdatedAt:  now,
			ExpiresAt:  now.Add(m.retention),
		}
		return Claimed, nil
	}
	if r.Status != StatusPending {
		return outcomeFor(r.Status), nil
	}
	expired := r.LeaseUntil == nil || r.LeaseUntil.Before(now)
	if r.Owner == "" || r.Owner == owner || expired {
		r.Owner = owner
		r.LeaseUntil = &until
		r.Claims++
		r.UpdatedAt = now
		return Claimed, nil
	}
	return AlreadyPending, nil
}

// owned returns the pending record held by owner, or ErrNotOwner
func (m *Memory) owned(key Key, owner string) (*Record, error) {
	r, ok := m.records[key]
	if !ok || r.Status != StatusPending || r.Owner != owner {
		return nil, ErrNotOwner
	}
	return r, nil
}

func (m *Memory) Complete(_ context.Context, key Key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.owned(key, owner)
	if err != nil {
		return err
	}
	now := m.now()
	r.Status = StatusCompleted
	r.LeaseUntil = nil
	r.LastError = ""
	r.CompletedAt = &now
	r.UpdatedAt = now
	return nil
}

func (m *Memory) Fail(_ context.Context, key Key, owner, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.owned(key, owner)
	if err != nil {
		return err
	}
	r.Status = StatusFailed
	r.LeaseUntil = nil
	r.LastError = reason
	r.UpdatedAt = m.now()
	return nil
}

func (m *Memory) Release(_ context.Context, key Key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.owned(key, owner)
	if err != nil {
		return err
	}
	r.Owner = ""
	r.LeaseUntil = nil
	r.UpdatedAt = m.now()
	return nil
}

func (m *Memory) Get(_ context.Context, key Key) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *r, nil
}

func (m *Memory) ListFailed(_ context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.Status == StatusFailed {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Reset(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok {
		return ErrNotFound
	}
	if r.Status == StatusCompleted {
		return ErrCompleted
	}
	r.Status = StatusPending
	r.Owner = ""
	r.LeaseUntil = nil
	r.LastError = ""
	r.UpdatedAt = m.now()
	return nil
}

func (m *Memory) Purge(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for k, r := range m.records {
		if r.ExpiresAt.Before(now) {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}
