// Package events turns inbound backend events into progress store updates.
//
// Two event families are understood. Macro edit events carry their detail
// nested under "data" and are keyed by reportId. Processing events are flatter
// and keyed by reportId or, failing that, batchId. Every event name decodes
// into its own variant type; unknown names and non-object payloads are
// rejected before any normalization happens.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Inbound event names.
const (
	MacroEditProgress  = "macro_edit_progress"
	MacroEditComplete  = "macro_edit_complete"
	MacroEditError     = "macro_edit_error"
	ProcessingProgress = "processing_progress"
	ProcessingComplete = "processing_complete"
	ProcessingError    = "processing_error"
	ProcessingStopped  = "processing_stopped"
	ProcessingPaused   = "processing_paused"
	ProcessingResumed  = "processing_resumed"
)

// Names lists every event the router handles.
var Names = []string{
	MacroEditProgress,
	MacroEditComplete,
	MacroEditError,
	ProcessingProgress,
	ProcessingComplete,
	ProcessingError,
	ProcessingStopped,
	ProcessingPaused,
	ProcessingResumed,
}

var (
	ErrUnknownEvent  = errors.New("events: unknown event")
	ErrMalformed     = errors.New("events: malformed payload")
	ErrMissingJobKey = errors.New("events: payload carries no job key")
)

// Number is a lenient numeric field. It accepts JSON numbers and numeric
// strings; anything else leaves it unset.
type Number struct {
	Value float64
	Valid bool
}

func (n *Number) UnmarshalJSON(b []byte) error {
	*n = Number{}
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		return nil
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return nil
		}
		s = strings.TrimSpace(str)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		*n = Number{Value: f, Valid: true}
	}
	return nil
}

// Or returns the value, or def when it is unset or zero.
func (n Number) Or(def float64) float64 {
	if !n.Valid || n.Value == 0 {
		return def
	}
	return n.Value
}

// Int returns the value truncated to an int, or def when unset or zero.
func (n Number) Int(def int) int {
	return int(n.Or(float64(def)))
}

// ID is a job or unit identifier that may arrive as a string or a number.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	*id = ""
	s := strings.TrimSpace(string(b))
	switch {
	case s == "" || s == "null":
	case s[0] == '"':
		var str string
		if err := json.Unmarshal(b, &str); err == nil {
			*id = ID(strings.TrimSpace(str))
		}
	case s[0] == '-' || (s[0] >= '0' && s[0] <= '9'):
		*id = ID(s)
	}
	return nil
}

// Text is a message field. Strings are kept as is; other JSON values are
// kept in their compact encoding so error objects still yield a message.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	*t = ""
	s := strings.TrimSpace(string(b))
	switch {
	case s == "" || s == "null" || s == "false":
	case s[0] == '"':
		var str string
		if err := json.Unmarshal(b, &str); err == nil {
			*t = Text(str)
		}
	case s[0] == '{':
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(b, &obj); err == nil && obj.Message != "" {
			*t = Text(obj.Message)
			return nil
		}
		*t = Text(s)
	default:
		*t = Text(s)
	}
	return nil
}

// Or returns the text, or def when empty.
func (t Text) Or(def string) string {
	if t == "" {
		return def
	}
	return string(t)
}

func firstText(vals ...Text) Text {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// MacroEditDetail is the nested "data" object of macro edit events.
type MacroEditDetail struct {
	Current       Number `json:"current"`
	Total         Number `json:"total"`
	Percentage    Number `json:"percentage"`
	MacroID       ID     `json:"macro_id"`
	FailedRecords Number `json:"failed_records"`
	FailedAlt     Number `json:"failedRecords"`
	NumTabs       Number `json:"numTabs"`
	Error         Text   `json:"error"`
}

func (d MacroEditDetail) failed() int {
	if d.FailedRecords.Valid {
		return d.FailedRecords.Int(0)
	}
	return d.FailedAlt.Int(0)
}

// MacroEditPayload is shared by the macro edit family.
type MacroEditPayload struct {
	ReportID ID              `json:"reportId"`
	Status   Text            `json:"status"`
	Message  Text            `json:"message"`
	Error    Text            `json:"error"`
	Data     MacroEditDetail `json:"data"`
}

func (p MacroEditPayload) JobID() string { return string(p.ReportID) }

// ProcessingPayload is shared by the processing family. Raw keeps every
// field of the original object.
type ProcessingPayload struct {
	ReportID      ID              `json:"reportId"`
	BatchID       ID              `json:"batchId"`
	Status        Text            `json:"status"`
	Message       Text            `json:"message"`
	Error         Text            `json:"error"`
	Percentage    Number          `json:"percentage"`
	Current       Number          `json:"current"`
	Total         Number          `json:"total"`
	MacroID       ID              `json:"macro_id"`
	FailedRecords Number          `json:"failedRecords"`
	NumTabs       Number          `json:"numTabs"`
	Step          Number          `json:"step"`
	TotalSteps    Number          `json:"total_steps"`
	Data          json.RawMessage `json:"data"`

	Raw map[string]interface{} `json:"-"`
}

// JobID prefers reportId and falls back to batchId.
func (p ProcessingPayload) JobID() string {
	if p.ReportID != "" {
		return string(p.ReportID)
	}
	return string(p.BatchID)
}

type (
	MacroEditProgressEvent struct{ MacroEditPayload }
	MacroEditCompleteEvent struct{ MacroEditPayload }
	MacroEditErrorEvent    struct{ MacroEditPayload }

	ProcessingProgressEvent struct{ ProcessingPayload }
	ProcessingCompleteEvent struct{ ProcessingPayload }
	ProcessingErrorEvent    struct{ ProcessingPayload }
	ProcessingStoppedEvent  struct{ ProcessingPayload }
	ProcessingPausedEvent   struct{ ProcessingPayload }
	ProcessingResumedEvent  struct{ ProcessingPayload }
)

func (MacroEditProgressEvent) Name() string  { return MacroEditProgress }
func (MacroEditCompleteEvent) Name() string  { return MacroEditComplete }
func (MacroEditErrorEvent) Name() string     { return MacroEditError }
func (ProcessingProgressEvent) Name() string { return ProcessingProgress }
func (ProcessingCompleteEvent) Name() string { return ProcessingComplete }
func (ProcessingErrorEvent) Name() string    { return ProcessingError }
func (ProcessingStoppedEvent) Name() string  { return ProcessingStopped }
func (ProcessingPausedEvent) Name() string   { return ProcessingPaused }
func (ProcessingResumedEvent) Name() string  { return ProcessingResumed }

// Decode parses raw into the variant registered for name.
func Decode(name string, raw json.RawMessage) (Event, error) {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") {
		return nil, fmt.Errorf("%w: %s payload is not an object", ErrMalformed, name)
	}

	switch name {
	case MacroEditProgress, MacroEditComplete, MacroEditError:
		var p MacroEditPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
		}
		switch name {
		case MacroEditProgress:
			return MacroEditProgressEvent{p}, nil
		case MacroEditComplete:
			return MacroEditCompleteEvent{p}, nil
		default:
			return MacroEditErrorEvent{p}, nil
		}

	case ProcessingProgress, ProcessingComplete, ProcessingError,
		ProcessingStopped, ProcessingPaused, ProcessingResumed:
		var p ProcessingPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
		}
		if err := json.Unmarshal(raw, &p.Raw); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
		}
		switch name {
		case ProcessingProgress:
			return ProcessingProgressEvent{p}, nil
		case ProcessingComplete:
			return ProcessingCompleteEvent{p}, nil
		case ProcessingError:
			return ProcessingErrorEvent{p}, nil
		case ProcessingStopped:
			return ProcessingStoppedEvent{p}, nil
		case ProcessingPaused:
			return ProcessingPausedEvent{p}, nil
		default:
			return ProcessingResumedEvent{p}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
}
