// Package progress holds the per-job progress records shared by every view.
//
// A Store is created once at the application root and handed to each
// consumer. It is mutated only through Upsert, Clear and ReplaceAll; every
// mutation is announced to watchers after the lock is released.
package progress

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"taqeem-console/internal/logger"
)

// ChangeKind tells watchers what happened to a record.
type ChangeKind int

const (
	ChangeCreated ChangeKind = iota
	ChangeUpdated
	ChangeCleared
	ChangeReplaced
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreated:
		return "created"
	case ChangeUpdated:
		return "updated"
	case ChangeCleared:
		return "cleared"
	case ChangeReplaced:
		return "replaced"
	}
	return fmt.Sprintf("ChangeKind(%d)", int(k))
}

// Change is delivered to watchers. Record is the zero value for clears.
type Change struct {
	Kind   ChangeKind
	JobID  string
	Record Record
}

// Store maps job ids to progress records.
type Store struct {
	mu       sync.RWMutex
	records  map[string]Record
	watchers map[int]func(Change)
	nextID   int
	now      func() time.Time
	log      *logger.Logger
}

// NewStore creates an empty store. A nil logger uses the default logger.
func NewStore(log *logger.Logger) *Store {
	return &Store{
		records:  make(map[string]Record),
		watchers: make(map[int]func(Change)),
		now:      time.Now,
		log:      logger.OrDefault(log).Component("progress"),
	}
}

// Upsert merges u into the record for jobID, creating it with defaults
// (INITIALIZING, progress 0) when absent. It returns the resulting record and
// whether it was created by this call.
//
// A record in a terminal state only accepts updates with Reset set; other
// updates are rejected with ErrTerminalState and logged.
func (s *Store) Upsert(jobID string, u Update) (Record, bool, error) {
	if jobID == "" {
		return Record{}, false, ErrEmptyJobID
	}

	s.mu.Lock()
	prev, exists := s.records[jobID]
	if exists && prev.Status.Terminal() && !u.Reset {
		s.mu.Unlock()
		next := prev.Status
		if u.Status != nil {
			next = *u.Status
		}
		s.log.WithField(logger.FieldJobID, jobID).
			Warnf("Ignoring update to terminal record: %s -> %s", prev.Status, next)
		return prev.Clone(), false, ErrTerminalState
	}

	base := prev
	if !exists || u.Reset {
		base = newRecord(jobID)
	}
	rec := base.apply(u)
	rec.UpdatedAt = s.now()
	s.records[jobID] = rec
	s.mu.Unlock()

	kind := ChangeUpdated
	if !exists {
		kind = ChangeCreated
	}
	out := rec.Clone()
	s.notify(Change{Kind: kind, JobID: jobID, Record: out})
	return out, !exists, nil
}

// Get returns a copy of the record for jobID.
func (s *Store) Get(jobID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[jobID]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// Clear removes the record for jobID. It reports whether a record existed.
func (s *Store) Clear(jobID string) bool {
	s.mu.Lock()
	_, ok := s.records[jobID]
	delete(s.records, jobID)
	s.mu.Unlock()

	if ok {
		s.notify(Change{Kind: ChangeCleared, JobID: jobID})
	}
	return ok
}

// ReplaceAll swaps the whole state, used for bulk rehydration. Records are
// re-keyed by the map key.
func (s *Store) ReplaceAll(state map[string]Record) {
	next := make(map[string]Record, len(state))
	for id, rec := range state {
		if id == "" {
			continue
		}
		rec = rec.Clone()
		rec.JobID = id
		next[id] = rec
	}

	s.mu.Lock()
	old := s.records
	s.records = next
	s.mu.Unlock()

	for id := range old {
		if _, ok := next[id]; !ok {
			s.notify(Change{Kind: ChangeCleared, JobID: id})
		}
	}
	for id, rec := range next {
		s.notify(Change{Kind: ChangeReplaced, JobID: id, Record: rec.Clone()})
	}
}

// Snapshot returns a copy of all records.
func (s *Store) Snapshot() map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Record, len(s.records))
	for id, rec := range s.records {
		out[id] = rec.Clone()
	}
	return out
}

// JobIDs returns the tracked job ids in sorted order.
func (s *Store) JobIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of tracked jobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Watch registers fn for every change. fn runs synchronously on the mutating
// goroutine and must not block; the returned func unregisters it.
func (s *Store) Watch(fn func(Change)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) notify(c Change) {
	s.mu.RLock()
	fns := make([]func(Change), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}
