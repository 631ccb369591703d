package events

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"taqeem-console/internal/logger"
	"taqeem-console/internal/progress"
)

// Source is an event stream the router can subscribe to.
type Source interface {
	On(event string, fn func(data json.RawMessage)) (off func())
	OnAny(fn func(event string, data json.RawMessage)) (off func())
}

// Upserter is the write side of the progress store.
type Upserter interface {
	Upsert(jobID string, u progress.Update) (progress.Record, bool, error)
}

// Router applies inbound events to a progress store.
type Router struct {
	store Upserter
	log   *logger.Logger

	mu   sync.Mutex
	seen map[string]int
}

// NewRouter returns a router writing into store.
func NewRouter(store Upserter, log *logger.Logger) *Router {
	return &Router{
		store: store,
		log:   logger.OrDefault(log).Component("events"),
		seen:  make(map[string]int),
	}
}

// Attach registers a handler for every known event plus a catch-all
// diagnostic listener on src. The returned func removes all of them.
func (r *Router) Attach(src Source) (detach func()) {
	offs := make([]func(), 0, len(Names)+1)
	offs = append(offs, src.OnAny(r.observe))
	for _, name := range Names {
		name := name
		offs = append(offs, src.On(name, func(data json.RawMessage) {
			r.Dispatch(name, data)
		}))
	}
	r.log.Debugf("Attached %d event handlers", len(Names))

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, off := range offs {
				off()
			}
			r.log.Debug("Detached event handlers")
		})
	}
}

// Dispatch decodes and applies one event. It reports whether the store was
// mutated. Malformed, unknown and unaddressed events are logged and dropped.
func (r *Router) Dispatch(name string, raw json.RawMessage) bool {
	log := r.log.WithField(logger.FieldEvent, name)

	ev, err := Decode(name, raw)
	if err != nil {
		log.WithError(err).Warn("Dropping event")
		return false
	}

	jobID, update, err := Normalize(ev)
	if err != nil {
		log.WithError(err).Error("No reportId or batchId in event, skipping")
		return false
	}

	rec, created, err := r.store.Upsert(jobID, update)
	if err != nil {
		if errors.Is(err, progress.ErrTerminalState) {
			log.WithField(logger.FieldJobID, jobID).Debug("Event arrived after terminal state")
		} else {
			log.WithError(err).WithField(logger.FieldJobID, jobID).Error("Failed to apply event")
		}
		return false
	}

	log.WithFields(logger.Fields{
		logger.FieldJobID:  jobID,
		logger.FieldStatus: rec.Status,
		"progress":         rec.Progress,
		"created":          created,
	}).Debug("Applied event")
	return true
}

func (r *Router) observe(name string, _ json.RawMessage) {
	r.mu.Lock()
	r.seen[name]++
	r.mu.Unlock()
	r.log.WithField(logger.FieldEvent, name).Debug("Event received")
}

// Seen returns how many times each event name was observed.
func (r *Router) Seen() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.seen))
	for k, v := range r.seen {
		out[k] = v
	}
	return out
}

// SeenNames returns the observed event names, sorted.
func (r *Router) SeenNames() []string {
	seen := r.Seen()
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
