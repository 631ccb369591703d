package events

import (
	"encoding/json"
	"strings"

	"taqeem-console/internal/progress"
)

// Event is one decoded inbound event. The set of implementations is closed.
type Event interface {
	Name() string
	JobID() string
	normalize() progress.Update
}

// Normalize returns the job key and store update for ev.
func Normalize(ev Event) (string, progress.Update, error) {
	id := ev.JobID()
	if id == "" {
		return "", progress.Update{}, ErrMissingJobKey
	}
	return id, ev.normalize(), nil
}

func statusOr(t Text, def progress.Status) progress.Status {
	if st, ok := progress.ParseStatus(string(t)); ok {
		return st
	}
	return def
}

func (e MacroEditProgressEvent) normalize() progress.Update {
	d := e.Data
	return progress.Update{
		Status:   progress.Ptr(statusOr(e.Status, progress.StatusProcessing)),
		Message:  progress.Ptr(e.Message.Or("Processing...")),
		Progress: progress.Ptr(d.Percentage.Or(0)),
		Paused:   progress.Ptr(false),
		Stopped:  progress.Ptr(false),
		Data: &progress.Detail{
			Current:       d.Current.Int(0),
			Total:         d.Total.Int(0),
			MacroID:       string(d.MacroID),
			FailedRecords: d.failed(),
			NumTabs:       d.NumTabs.Int(1),
			Error:         string(d.Error),
		},
	}
}

// Completion always reports 100, whatever percentage the payload carries.
func (e MacroEditCompleteEvent) normalize() progress.Update {
	d := e.Data
	return progress.Update{
		Status:   progress.Ptr(progress.StatusComplete),
		Message:  progress.Ptr(e.Message.Or("Completed successfully!")),
		Progress: progress.Ptr(100.0),
		Paused:   progress.Ptr(false),
		Stopped:  progress.Ptr(false),
		Data: &progress.Detail{
			Current:       d.Current.Int(d.Total.Int(0)),
			Total:         d.Total.Int(0),
			FailedRecords: d.failed(),
			NumTabs:       d.NumTabs.Int(1),
			Percentage:    progress.Ptr(100.0),
		},
	}
}

func (e MacroEditErrorEvent) normalize() progress.Update {
	reason := firstText(e.Error, e.Message)
	return progress.Update{
		Status:   progress.Ptr(progress.StatusFailed),
		Message:  progress.Ptr(reason.Or("An error occurred")),
		Progress: progress.Ptr(0.0),
		Paused:   progress.Ptr(false),
		Stopped:  progress.Ptr(false),
		Data: &progress.Detail{
			Error:   reason.Or("An error occurred"),
			MacroID: string(e.Data.MacroID),
		},
	}
}

// detail flattens a processing payload into a Detail. The original object is
// kept in Extra.
func (p ProcessingPayload) detail() *progress.Detail {
	d := &progress.Detail{
		Current:       p.Current.Int(0),
		Total:         p.Total.Int(0),
		MacroID:       string(p.MacroID),
		FailedRecords: p.FailedRecords.Int(0),
		NumTabs:       p.NumTabs.Int(0),
		Step:          p.Step.Int(0),
		TotalSteps:    p.TotalSteps.Int(0),
		Error:         string(p.Error),
		Extra:         p.Raw,
	}
	if p.Percentage.Valid {
		d.Percentage = progress.Ptr(p.Percentage.Value)
	}
	return d
}

// nested decodes the "data" object of a processing payload. It returns nil
// when the payload has none.
func (p ProcessingPayload) nested() *progress.Detail {
	raw := strings.TrimSpace(string(p.Data))
	if !strings.HasPrefix(raw, "{") {
		return nil
	}
	var inner ProcessingPayload
	if err := json.Unmarshal(p.Data, &inner); err != nil {
		return nil
	}
	if err := json.Unmarshal(p.Data, &inner.Raw); err != nil {
		return nil
	}
	return inner.detail()
}

func (e ProcessingProgressEvent) normalize() progress.Update {
	return progress.Update{
		Status:   progress.Ptr(statusOr(e.Status, progress.StatusProcessing)),
		Message:  progress.Ptr(e.Message.Or("Processing...")),
		Progress: progress.Ptr(e.Percentage.Or(0)),
		Data:     e.detail(),
	}
}

// Completion replaces the detail with the payload data, emptied when absent.
func (e ProcessingCompleteEvent) normalize() progress.Update {
	d := e.nested()
	if d == nil {
		d = &progress.Detail{}
	}
	return progress.Update{
		Status:   progress.Ptr(progress.StatusComplete),
		Message:  progress.Ptr(e.Message.Or("Processing complete")),
		Progress: progress.Ptr(100.0),
		Data:     d,
	}
}

func (e ProcessingErrorEvent) normalize() progress.Update {
	reason := firstText(e.Error, e.Message)
	d := e.detail()
	d.Error = reason.Or("Processing failed")
	return progress.Update{
		Status:   progress.Ptr(progress.StatusFailed),
		Message:  progress.Ptr(reason.Or("Processing failed")),
		Progress: progress.Ptr(0.0),
		Data:     d,
	}
}

func (e ProcessingStoppedEvent) normalize() progress.Update {
	return progress.Update{
		Status:  progress.Ptr(progress.StatusStopped),
		Message: progress.Ptr("Processing stopped"),
		Stopped: progress.Ptr(true),
		Data:    e.detail(),
	}
}

func (e ProcessingPausedEvent) normalize() progress.Update {
	return progress.Update{
		Status:  progress.Ptr(progress.StatusPaused),
		Message: progress.Ptr("Processing paused"),
		Paused:  progress.Ptr(true),
		Data:    e.detail(),
	}
}

func (e ProcessingResumedEvent) normalize() progress.Update {
	return progress.Update{
		Status:  progress.Ptr(progress.StatusProcessing),
		Message: progress.Ptr("Processing resumed"),
		Paused:  progress.Ptr(false),
		Data:    e.detail(),
	}
}
