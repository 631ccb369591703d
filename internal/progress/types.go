package progress

import (
	"errors"
	"strings"
	"time"
)

// Status is the advisory lifecycle state of a job.
type Status string

const (
	StatusInitializing Status = "INITIALIZING"
	StatusProcessing   Status = "PROCESSING"
	StatusPaused       Status = "PAUSED"
	StatusComplete     Status = "COMPLETE"
	StatusFailed       Status = "FAILED"
	StatusStopped      Status = "STOPPED"
)

// ParseStatus maps a backend status string onto a Status. Matching ignores
// case; ok is false for unknown values.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusInitializing, StatusProcessing, StatusPaused, StatusComplete, StatusFailed, StatusStopped:
		return st, true
	}
	return "", false
}

// Terminal reports whether no further progress is expected without a reset.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusStopped
}

// ActionType records which operator action produced the job.
type ActionType string

const (
	ActionSubmit ActionType = "submit"
	ActionRetry  ActionType = "retry"
	ActionCheck  ActionType = "check"
)

var (
	ErrEmptyJobID    = errors.New("progress: empty job id")
	ErrTerminalState = errors.New("progress: record is in a terminal state")
)

// Detail is the loosely structured progress payload reported by the backend.
type Detail struct {
	Current       int                    `json:"current"`
	Total         int                    `json:"total"`
	Percentage    *float64               `json:"percentage,omitempty"`
	MacroID       string                 `json:"macro_id,omitempty"`
	FailedRecords int                    `json:"failedRecords"`
	NumTabs       int                    `json:"numTabs"`
	Step          int                    `json:"step,omitempty"`
	TotalSteps    int                    `json:"total_steps,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
}

// Record is the progress of one job. Progress is stored exactly as written;
// views clamp it when rendering.
type Record struct {
	JobID      string     `json:"jobId"`
	Status     Status     `json:"status"`
	Message    string     `json:"message"`
	Progress   float64    `json:"progress"`
	Paused     bool       `json:"paused"`
	Stopped    bool       `json:"stopped"`
	ActionType ActionType `json:"actionType,omitempty"`
	Data       *Detail    `json:"data,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// DisplayStatus returns the status a view should show. Paused wins over the
// reported status.
func (r Record) DisplayStatus() Status {
	if r.Paused && !r.Status.Terminal() {
		return StatusPaused
	}
	return r.Status
}

// Update is a partial write. Nil fields keep their prior value. A non-nil
// Data replaces the stored detail wholesale.
type Update struct {
	Status     *Status
	Message    *string
	Progress   *float64
	Paused     *bool
	Stopped    *bool
	ActionType *ActionType
	Data       *Detail

	// Reset allows writing to a record that reached a terminal state.
	Reset bool
}

// Ptr returns a pointer to v, for building Updates.
func Ptr[T any](v T) *T { return &v }

func newRecord(jobID string) Record {
	return Record{
		JobID:    jobID,
		Status:   StatusInitializing,
		Progress: 0,
	}
}

func (r Record) apply(u Update) Record {
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.Message != nil {
		r.Message = *u.Message
	}
	if u.Progress != nil {
		r.Progress = *u.Progress
	}
	if u.Paused != nil {
		r.Paused = *u.Paused
	}
	if u.Stopped != nil {
		r.Stopped = *u.Stopped
	}
	if u.ActionType != nil {
		r.ActionType = *u.ActionType
	}
	if u.Data != nil {
		r.Data = u.Data.clone()
	}
	return r
}

func (d *Detail) clone() *Detail {
	if d == nil {
		return nil
	}
	c := *d
	if d.Percentage != nil {
		p := *d.Percentage
		c.Percentage = &p
	}
	if d.Extra != nil {
		c.Extra = make(map[string]interface{}, len(d.Extra))
		for k, v := range d.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// Clone returns a deep copy so callers cannot mutate store state.
func (r Record) Clone() Record {
	r.Data = r.Data.clone()
	return r
}
