package ensemble

import (
	"sort"
	"sync"
	"time"
)

// StateStore persists per-instance durable state. Backends (Postgres, file
// system, ...) live outside this module; the orchestrator only requires
// these three operations, available wherever the owning region's runners
// execute.
type StateStore interface {
	Load(id InstanceID) ([]byte, bool, error)
	Save(id InstanceID, state []byte) error
	Delete(id InstanceID) error
}

// TimerStore persists scheduled timers. Records survive process restarts;
// delivery is at-least-once, so Delete and Advance act as claims: they
// report whether this process won the record.
type TimerStore interface {
	Put(rec TimerRecord) error
	// Delete removes a record, returning false if it was already claimed.
	Delete(id string) (bool, error)
	// Advance moves a recurring record to its next fire time, returning
	// false if another process advanced it first.
	Advance(id string, next time.Time) (bool, error)
	// Due returns up to limit records with fireAt <= now, earliest first.
	Due(now time.Time, limit int) ([]TimerRecord, error)
	// All returns every record. Used on startup and by the admin surface.
	All() ([]TimerRecord, error)
}

// BindingStore persists committed region bindings. Commit is write-once:
// committing a key that already holds a binding is a no-op that returns
// the existing region, keeping create idempotent.
type BindingStore interface {
	Get(key string) (string, bool, error)
	Commit(key, region string) (string, error)
	// All returns every committed binding. Used by the admin surface.
	All() (map[string]string, error)
}

// --- in-memory implementations ---
//
// These back the orchestrator's standalone mode and the test suite. They
// honor the same claim semantics as a shared backend would.

type MemoryStateStore struct {
	mu     sync.Mutex
	states map[InstanceID][]byte
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[InstanceID][]byte)}
}

func (s *MemoryStateStore) Load(id InstanceID) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.states[id]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, true, nil
}

func (s *MemoryStateStore) Save(id InstanceID, state []byte) error {
	b := make([]byte, len(state))
	copy(b, state)
	s.mu.Lock()
	s.states[id] = b
	s.mu.Unlock()
	return nil
}

func (s *MemoryStateStore) Delete(id InstanceID) error {
	s.mu.Lock()
	delete(s.states, id)
	s.mu.Unlock()
	return nil
}

type MemoryTimerStore struct {
	mu   sync.Mutex
	recs map[string]TimerRecord
}

func NewMemoryTimerStore() *MemoryTimerStore {
	return &MemoryTimerStore{recs: make(map[string]TimerRecord)}
}

func (s *MemoryTimerStore) Put(rec TimerRecord) error {
	s.mu.Lock()
	s.recs[rec.ID] = rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryTimerStore) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[id]; !ok {
		return false, nil
	}
	delete(s.recs, id)
	return true, nil
}

func (s *MemoryTimerStore) Advance(id string, next time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok || !rec.FireAt.Before(next) {
		return false, nil
	}
	rec.FireAt = next
	s.recs[id] = rec
	return true, nil
}

func (s *MemoryTimerStore) Due(now time.Time, limit int) ([]TimerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []TimerRecord
	for _, rec := range s.recs {
		if !rec.FireAt.After(now) {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryTimerStore) All() ([]TimerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TimerRecord, 0, len(s.recs))
	for _, rec := range s.recs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out, nil
}

type MemoryBindingStore struct {
	mu       sync.Mutex
	bindings map[string]string
}

func NewMemoryBindingStore() *MemoryBindingStore {
	return &MemoryBindingStore{bindings: make(map[string]string)}
}

func (s *MemoryBindingStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	region, ok := s.bindings[key]
	return region, ok, nil
}

func (s *MemoryBindingStore) Commit(key, region string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.bindings[key]; ok {
		return existing, nil
	}
	s.bindings[key] = region
	return region, nil
}

func (s *MemoryBindingStore) All() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.bindings))
	for k, v := range s.bindings {
		out[k] = v
	}
	return out, nil
}
