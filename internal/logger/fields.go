package logger

// Fields is a shorthand for structured log fields.
type Fields = map[string]interface{}

// Standard field keys.
const (
	FieldJobID      = "job_id"
	FieldComponent  = "component"
	FieldEvent      = "event"
	FieldSessionID  = "session_id"
	FieldRoom       = "room"
	FieldRequestID  = "request_id"
	FieldEndpoint   = "endpoint"
	FieldStatus     = "status"
	FieldAttempt    = "attempt"
	FieldDurationMs = "duration_ms"
)
