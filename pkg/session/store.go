package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"rcs-ims-core/pkg/errors"
)

// State is the lifecycle step a record was written at
type State string

const (
	StateAccepting   State = "accepting"
	StateEstablished State = "established"
	StateAborted     State = "aborted"
	StateRejected    State = "rejected"
	StateFailed      State = "failed"
)

// IsTerminal reports whether no further update is expected
func (s State) IsTerminal() bool {
	return s == StateAborted || s == StateRejected || s == StateFailed
}

// Record is the stored snapshot of an IMS session
type Record struct {
	SessionID  string    `json:"session_id"`
	CallID     string    `json:"call_id"`
	Service    string    `json:"service"`
	Kind       string    `json:"kind"`
	Direction  string    `json:"direction"`
	Contact    string    `json:"contact"`
	State      State     `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	NodeID     string    `json:"node_id,omitempty"`
	StartTime  time.Time `json:"start_time"`
	LastUpdate time.Time `json:"last_update"`
}

// Store keeps session records. Records expire after the store's TTL.
type Store interface {
	Name() string
	Store(record *Record) error
	Get(sessionID string) (*Record, error)
	Delete(sessionID string) error
	List() ([]*Record, error)
	ListByCallID(callID string) ([]*Record, error)
	Health() error
	Close() error
}

// MemoryStore is a Store held in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	ttl     time.Duration
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store. A zero ttl keeps records forever.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *MemoryStore) Name() string { return "memory" }

// Store saves a copy of record
func (m *MemoryStore) Store(record *Record) error {
	if record == nil || record.SessionID == "" {
		return errors.Wrap(errors.ErrInvalidInput, "record without session id")
	}
	cp := *record
	cp.LastUpdate = m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[cp.SessionID] = &cp
	return nil
}

// Get returns a copy of the record of sessionID
func (m *MemoryStore) Get(sessionID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[sessionID]
	if !ok || m.expired(record) {
		return nil, errors.NewSessionNotFound(sessionID)
	}
	cp := *record
	return &cp, nil
}

// Delete removes the record of sessionID
func (m *MemoryStore) Delete(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, sessionID)
	return nil
}

// List returns the live records, oldest first
func (m *MemoryStore) List() ([]*Record, error) {
	return m.filter(func(*Record) bool { return true }), nil
}

// ListByCallID returns the live records of a dialog
func (m *MemoryStore) ListByCallID(callID string) ([]*Record, error) {
	return m.filter(func(r *Record) bool { return r.CallID == callID }), nil
}

// Cleanup drops expired records and returns how many were removed
func (m *MemoryStore) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, record := range m.records {
		if m.expired(record) {
			delete(m.records, id)
			removed++
		}
	}
	return removed
}

// RunCleanup calls Cleanup every interval until ctx is done
func (m *MemoryStore) RunCleanup(ctx context.Context, interval time.Duration) {
	if m.ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}

func (m *MemoryStore) Health() error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) filter(keep func(*Record) bool) []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for _, record := range m.records {
		if m.expired(record) || !keep(record) {
			continue
		}
		cp := *record
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

func (m *MemoryStore) expired(record *Record) bool {
	return m.ttl > 0 && m.now().Sub(record.LastUpdate) > m.ttl
}
