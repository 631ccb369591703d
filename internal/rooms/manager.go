// Package rooms manages server-side progress room memberships so that only
// events for jobs currently on screen are delivered to this client.
package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"taqeem-console/internal/logger"
	"taqeem-console/internal/transport"
)

// Room protocol event names.
const (
	EventJoin   = "join_progress_room"
	EventLeave  = "leave_progress_room"
	EventJoined = "progress_room_joined"
	EventError  = "error"
)

var ErrEmptyJobID = errors.New("rooms: empty job id")

// Name returns the broadcast room for a job.
func Name(jobID string) string { return "progress_" + jobID }

// Channel is the part of the transport the manager needs.
type Channel interface {
	Emit(event string, payload interface{}) error
	On(event string, fn func(data json.RawMessage)) (off func())
	OnState(fn func(transport.State)) (off func())
}

type room struct {
	jobID string
	name  string
	refs  int
	// leaving is set while the leave of a released room is going out; a Join
	// in that window only takes a reference and release rejoins afterwards
	leaving   bool
	confirmed chan struct{}
	offs      []func()
	timer     *time.Timer
}

// Manager tracks memberships by job id. Joining the same job twice shares
// one membership; the room is left when the last holder releases it.
type Manager struct {
	ch        Channel
	log       *logger.Logger
	warnAfter time.Duration

	mu       sync.Mutex
	rooms    map[string]*room
	offState func()
	closed   bool
}

// NewManager returns a manager emitting on ch. Unconfirmed joins are logged
// after warnAfter; zero disables the warning.
func NewManager(ch Channel, log *logger.Logger, warnAfter time.Duration) *Manager {
	m := &Manager{
		ch:        ch,
		log:       logger.OrDefault(log).Component("rooms"),
		warnAfter: warnAfter,
		rooms:     make(map[string]*room),
	}
	m.offState = ch.OnState(m.onState)
	return m
}

// Membership is one holder's interest in a job's room.
type Membership struct {
	m    *Manager
	r    *room
	once sync.Once
}

// JobID returns the job the membership tracks.
func (ms *Membership) JobID() string { return ms.r.jobID }

// Room returns the room name.
func (ms *Membership) Room() string { return ms.r.name }

// Confirmed is closed once the server confirms the latest join. A rejoin
// after reconnect waits for a new confirmation.
func (ms *Membership) Confirmed() <-chan struct{} { return ms.m.confirmation(ms.r) }

// Wait blocks until the join is confirmed or ctx ends. The membership stays
// active either way.
func (ms *Membership) Wait(ctx context.Context) error {
	select {
	case <-ms.Confirmed():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release drops this holder's interest. It is safe to call more than once.
func (ms *Membership) Release() {
	ms.once.Do(func() { ms.m.release(ms.r) })
}

// Join registers interest in jobID and asks the server to add this client to
// its room. A join that cannot be sent now is sent after the next connect.
func (m *Manager) Join(jobID string) (*Membership, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, ErrEmptyJobID
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("rooms: manager closed")
	}
	if r, ok := m.rooms[jobID]; ok {
		r.refs++
		m.mu.Unlock()
		return &Membership{m: m, r: r}, nil
	}

	r := &room{
		jobID:     jobID,
		name:      Name(jobID),
		refs:      1,
		confirmed: make(chan struct{}),
	}
	m.rooms[jobID] = r
	m.mu.Unlock()

	m.listen(r)
	m.sendJoin(r)
	return &Membership{m: m, r: r}, nil
}

// Active returns the job ids with a live membership, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.rooms))
	for id, r := range m.rooms {
		if r.refs > 0 {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Close leaves every room and stops following reconnects.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	rooms := make([]*room, 0, len(m.rooms))
	for _, r := range m.rooms {
		// a leaving room is already sending its leave
		if !r.leaving {
			rooms = append(rooms, r)
		}
	}
	m.rooms = make(map[string]*room)
	m.mu.Unlock()

	m.offState()
	for _, r := range rooms {
		m.leave(r)
	}
}

// release drops one reference. The last one sends the leave while the room
// stays mapped as leaving, so joins that arrive meanwhile are sent after the
// leave and never overtaken by it.
func (m *Manager) release(r *room) {
	m.mu.Lock()
	r.refs--
	if r.refs > 0 || r.leaving || m.rooms[r.jobID] != r {
		m.mu.Unlock()
		return
	}
	r.leaving = true
	m.mu.Unlock()

	for {
		m.leave(r)

		m.mu.Lock()
		if m.rooms[r.jobID] != r {
			r.leaving = false
			m.mu.Unlock()
			return
		}
		if r.refs == 0 {
			delete(m.rooms, r.jobID)
			r.leaving = false
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		m.listen(r)
		m.sendJoin(r)

		m.mu.Lock()
		if m.rooms[r.jobID] != r {
			// Close skipped this room while it was leaving
			r.leaving = false
			m.mu.Unlock()
			m.leave(r)
			return
		}
		if r.refs > 0 {
			r.leaving = false
			m.mu.Unlock()
			return
		}
		// released again while the rejoin went out
		m.mu.Unlock()
	}
}

func (m *Manager) listen(r *room) {
	offs := []func(){
		m.ch.On(EventJoined, func(data json.RawMessage) { m.onJoined(r, data) }),
		m.ch.On(EventError, func(data json.RawMessage) { m.onError(r, data) }),
	}
	m.mu.Lock()
	r.offs = append(r.offs, offs...)
	m.mu.Unlock()
}

func (m *Manager) leave(r *room) {
	m.mu.Lock()
	offs := r.offs
	r.offs = nil
	if r.timer != nil {
		r.timer.Stop()
	}
	m.mu.Unlock()
	for _, off := range offs {
		off()
	}

	log := m.log.WithFields(logger.Fields{logger.FieldJobID: r.jobID, logger.FieldRoom: r.name})
	if err := m.ch.Emit(EventLeave, r.jobID); err != nil {
		log.WithError(err).Debug("Leave not sent")
		return
	}
	log.Info("Left progress room")
}

func (m *Manager) sendJoin(r *room) {
	log := m.log.WithFields(logger.Fields{logger.FieldJobID: r.jobID, logger.FieldRoom: r.name})

	// each join attempt waits for its own confirmation
	m.mu.Lock()
	select {
	case <-r.confirmed:
		r.confirmed = make(chan struct{})
	default:
	}
	m.mu.Unlock()

	if err := m.ch.Emit(EventJoin, r.jobID); err != nil {
		log.WithError(err).Warn("Join not sent, will retry after reconnect")
		return
	}
	log.Info("Joining progress room")

	if m.warnAfter <= 0 || m.isConfirmed(r) {
		return
	}
	m.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(m.warnAfter, func() {
		if !m.isConfirmed(r) {
			log.Warnf("No room confirmation after %v", m.warnAfter)
		}
	})
	m.mu.Unlock()
}

func (m *Manager) confirmation(r *room) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return r.confirmed
}

func (m *Manager) isConfirmed(r *room) bool {
	select {
	case <-m.confirmation(r):
		return true
	default:
		return false
	}
}

func (m *Manager) onState(s transport.State) {
	if s != transport.StateConnected {
		return
	}
	m.mu.Lock()
	rooms := make([]*room, 0, len(m.rooms))
	for _, r := range m.rooms {
		if !r.leaving {
			rooms = append(rooms, r)
		}
	}
	m.mu.Unlock()

	for _, r := range rooms {
		m.sendJoin(r)
	}
}

// joinInfo is the confirmation payload. Servers send either an object or the
// bare room name.
type joinInfo struct {
	Room     string `json:"room"`
	ReportID string `json:"reportId"`
	JobID    string `json:"jobId"`
}

func parseJoinInfo(data json.RawMessage) joinInfo {
	var info joinInfo
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		info.Room = name
		return info
	}
	_ = json.Unmarshal(data, &info)
	return info
}

func (m *Manager) onJoined(r *room, data json.RawMessage) {
	info := parseJoinInfo(data)
	switch {
	case info.Room == "" && info.ReportID == "" && info.JobID == "":
		// unaddressed confirmation applies to every pending join
	case info.Room == r.name || info.Room == r.jobID,
		info.ReportID == r.jobID,
		info.JobID == r.jobID:
	default:
		return
	}

	m.mu.Lock()
	select {
	case <-r.confirmed:
		m.mu.Unlock()
		return
	default:
		close(r.confirmed)
	}
	m.mu.Unlock()
	m.log.WithFields(logger.Fields{logger.FieldJobID: r.jobID, logger.FieldRoom: r.name}).
		Info("Progress room joined")
}

func (m *Manager) onError(r *room, data json.RawMessage) {
	m.log.WithFields(logger.Fields{logger.FieldJobID: r.jobID, logger.FieldRoom: r.name}).
		Errorf("Room join error: %s", string(data))
}
