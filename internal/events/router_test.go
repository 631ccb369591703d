package events

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taqeem-console/internal/logger"
	"taqeem-console/internal/progress"
)

// fakeSource records handlers the way the transport channel does.
type fakeSource struct {
	mu       sync.Mutex
	handlers map[string][]func(json.RawMessage)
	anys     []func(string, json.RawMessage)
	offs     int
}

func newFakeSource() *fakeSource {
	return &fakeSource{handlers: make(map[string][]func(json.RawMessage))}
}

func (s *fakeSource) On(event string, fn func(json.RawMessage)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], fn)
	idx := len(s.handlers[event]) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.handlers[event][idx] = nil
		s.offs++
	}
}

func (s *fakeSource) OnAny(fn func(string, json.RawMessage)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anys = append(s.anys, fn)
	idx := len(s.anys) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.anys[idx] = nil
		s.offs++
	}
}

func (s *fakeSource) emit(event, payload string) {
	raw := json.RawMessage(payload)
	for _, fn := range s.anys {
		if fn != nil {
			fn(event, raw)
		}
	}
	for _, fn := range s.handlers[event] {
		if fn != nil {
			fn(raw)
		}
	}
}

func newTestRouter() (*Router, *progress.Store) {
	store := progress.NewStore(logger.Discard())
	return NewRouter(store, logger.Discard()), store
}

func TestMacroEditEvents(t *testing.T) {
	t.Run("Should normalize nested progress detail", func(t *testing.T) {
		r, store := newTestRouter()
		ok := r.Dispatch(MacroEditProgress, json.RawMessage(`{
			"reportId": "R1",
			"message": "Editing macro 3",
			"data": {"current": 3, "total": 10, "percentage": 30, "macro_id": 991, "failed_records": 1}
		}`))
		require.True(t, ok)

		rec, found := store.Get("R1")
		require.True(t, found)
		assert.Equal(t, progress.StatusProcessing, rec.Status)
		assert.Equal(t, "Editing macro 3", rec.Message)
		assert.Equal(t, 30.0, rec.Progress)
		assert.False(t, rec.Paused)
		assert.False(t, rec.Stopped)
		require.NotNil(t, rec.Data)
		assert.Equal(t, 3, rec.Data.Current)
		assert.Equal(t, 10, rec.Data.Total)
		assert.Equal(t, "991", rec.Data.MacroID)
		assert.Equal(t, 1, rec.Data.FailedRecords)
		assert.Equal(t, 1, rec.Data.NumTabs, "tabs default to one")
	})

	t.Run("Should default progress fields when absent", func(t *testing.T) {
		r, store := newTestRouter()
		require.True(t, r.Dispatch(MacroEditProgress, json.RawMessage(`{"reportId":"R1"}`)))

		rec, _ := store.Get("R1")
		assert.Equal(t, "Processing...", rec.Message)
		assert.Equal(t, 0.0, rec.Progress)
	})

	t.Run("Should force 100 on completion regardless of payload percentage", func(t *testing.T) {
		r, store := newTestRouter()
		require.True(t, r.Dispatch(MacroEditComplete, json.RawMessage(`{
			"reportId": "R1",
			"data": {"percentage": 50, "total": 12}
		}`)))

		rec, _ := store.Get("R1")
		assert.Equal(t, progress.StatusComplete, rec.Status)
		assert.Equal(t, 100.0, rec.Progress)
		assert.Equal(t, "Completed successfully!", rec.Message)
		require.NotNil(t, rec.Data)
		assert.Equal(t, 12, rec.Data.Current, "current falls back to total")
		require.NotNil(t, rec.Data.Percentage)
		assert.Equal(t, 100.0, *rec.Data.Percentage)
	})

	t.Run("Should zero progress and replace data on error", func(t *testing.T) {
		r, store := newTestRouter()
		require.True(t, r.Dispatch(MacroEditProgress, json.RawMessage(`{
			"reportId": "R1",
			"data": {"current": 7, "total": 10, "percentage": 70}
		}`)))
		require.True(t, r.Dispatch(MacroEditError, json.RawMessage(`{
			"reportId": "R1",
			"error": "Browser session expired",
			"message": "ignored"
		}`)))

		rec, _ := store.Get("R1")
		assert.Equal(t, progress.StatusFailed, rec.Status)
		assert.Equal(t, 0.0, rec.Progress)
		assert.Equal(t, "Browser session expired", rec.Message)
		require.NotNil(t, rec.Data)
		assert.Equal(t, "Browser session expired", rec.Data.Error)
		assert.Equal(t, 0, rec.Data.Current, "data is replaced, not merged")
	})

	t.Run("Should take the error text from message when error is absent", func(t *testing.T) {
		r, store := newTestRouter()
		require.True(t, r.Dispatch(MacroEditError, json.RawMessage(`{"reportId":"R1","message":"Timed out"}`)))

		rec, _ := store.Get("R1")
		assert.Equal(t, "Timed out", rec.Data.Error)
		assert.Equal(t, "Timed out", rec.Message)
	})
}

func TestProcessingEvents(t *testing.T) {
	t.Run("Should prefer reportId over batchId", func(t *testing.T) {
		r, store := newTestRouter()
		require.True(t, r.Dispatch(ProcessingProgress, json.RawMessage(`{"reportId":"R1","batchId":"B1","percentage":10}`)))

		_, ok := store.Get("R1")
		assert.True(t, ok)
		_, ok = store.Get("B1")
		assert.False(t, ok)
	})

	t.Run("Should fall back to batchId", func(t *testing.T) {
		r, store := newTestRouter()
		require.True(t, r.Dispatch(ProcessingProgress, json.RawMessage(`{"batchId":"B1","percentage":"42.5","current":4}`)))

		rec, ok := store.Get("B1")
		require.True(t, ok)
		assert.Equal(t, 42.5, rec.Progress)
		assert.Equal(t, 4, rec.Data.Current)
		assert.Equal(t, "B1", rec.Data.Extra["batchId"], "original payload is retained")
	})

	t.Run("Should produce no mutation without a job key", func(t *testing.T) {
		r, store := newTestRouter()
		calls := 0
		cancel := store.Watch(func(progress.Change) { calls++ })
		defer cancel()

		for _, name := range Names {
			assert.False(t, r.Dispatch(name, json.RawMessage(`{"percentage":10,"message":"orphan"}`)), name)
		}
		assert.Equal(t, 0, store.Len())
		assert.Equal(t, 0, calls)
	})

	t.Run("Should keep the payload data on completion", func(t *testing.T) {
		r, store := newTestRouter()
		require.True(t, r.Dispatch(ProcessingComplete, json.RawMessage(`{
			"batchId": "B1",
			"percentage": 20,
			"data": {"current": 9, "total": 9, "percentage": 20}
		}`)))

		rec, _ := store.Get("B1")
		assert.Equal(t, progress.StatusComplete, rec.Status)
		assert.Equal(t, 100.0, rec.Progress)
		assert.Equal(t, "Processing complete", rec.Message)
		require.NotNil(t, rec.Data)
		assert.Equal(t, 9, rec.Data.Current)
		require.NotNil(t, rec.Data.Percentage)
		assert.Equal(t, 20.0, *rec.Data.Percentage, "payload percentage survives inside data")
	})

	t.Run("Should clear the detail when completion carries no data", func(t *testing.T) {
		r, store := newTestRouter()
		require.True(t, r.Dispatch(ProcessingProgress, json.RawMessage(`{"batchId":"B1","percentage":70,"current":7,"total":10}`)))
		rec, _ := store.Get("B1")
		require.NotNil(t, rec.Data)
		require.Equal(t, 7, rec.Data.Current)

		require.True(t, r.Dispatch(ProcessingComplete, json.RawMessage(`{"batchId":"B1"}`)))

		rec, _ = store.Get("B1")
		assert.Equal(t, progress.StatusComplete, rec.Status)
		assert.Equal(t, 100.0, rec.Progress)
		require.NotNil(t, rec.Data)
		assert.Equal(t, progress.Detail{}, *rec.Data)
	})

	t.Run("Should record failures", func(t *testing.T) {
		r, store := newTestRouter()
		require.True(t, r.Dispatch(ProcessingProgress, json.RawMessage(`{"reportId":"R1","percentage":60}`)))
		require.True(t, r.Dispatch(ProcessingError, json.RawMessage(`{"reportId":"R1","message":"Queue unavailable"}`)))

		rec, _ := store.Get("R1")
		assert.Equal(t, progress.StatusFailed, rec.Status)
		assert.Equal(t, 0.0, rec.Progress)
		assert.Equal(t, "Queue unavailable", rec.Data.Error)
	})

	t.Run("Should track pause and resume", func(t *testing.T) {
		r, store := newTestRouter()
		require.True(t, r.Dispatch(ProcessingProgress, json.RawMessage(`{"reportId":"R1","percentage":30}`)))
		require.True(t, r.Dispatch(ProcessingPaused, json.RawMessage(`{"reportId":"R1"}`)))

		rec, _ := store.Get("R1")
		assert.Equal(t, progress.StatusPaused, rec.Status)
		assert.True(t, rec.Paused)
		assert.Equal(t, 30.0, rec.Progress, "pause keeps progress")
		assert.Equal(t, "Processing paused", rec.Message)

		require.True(t, r.Dispatch(ProcessingResumed, json.RawMessage(`{"reportId":"R1"}`)))
		rec, _ = store.Get("R1")
		assert.Equal(t, progress.StatusProcessing, rec.Status)
		assert.False(t, rec.Paused)
	})

	t.Run("Should stop and then ignore late progress", func(t *testing.T) {
		r, store := newTestRouter()
		require.True(t, r.Dispatch(ProcessingStopped, json.RawMessage(`{"reportId":"R1"}`)))
		assert.False(t, r.Dispatch(ProcessingProgress, json.RawMessage(`{"reportId":"R1","percentage":90}`)))

		rec, _ := store.Get("R1")
		assert.Equal(t, progress.StatusStopped, rec.Status)
		assert.True(t, rec.Stopped)
	})
}

func TestDispatchRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		event   string
		payload string
	}{
		{name: "Unknown event", event: "mystery_event", payload: `{"reportId":"R1"}`},
		{name: "Null payload", event: MacroEditProgress, payload: `null`},
		{name: "Array payload", event: ProcessingProgress, payload: `["R1"]`},
		{name: "String payload", event: MacroEditComplete, payload: `"R1"`},
		{name: "Data of the wrong shape", event: MacroEditProgress, payload: `{"reportId":"R1","data":"oops"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, store := newTestRouter()
			assert.NotPanics(t, func() {
				assert.False(t, r.Dispatch(tt.event, json.RawMessage(tt.payload)))
			})
			assert.Equal(t, 0, store.Len())
		})
	}
}

func TestDecode(t *testing.T) {
	t.Run("Should return the variant for each name", func(t *testing.T) {
		for _, name := range Names {
			ev, err := Decode(name, json.RawMessage(`{"reportId":"R1"}`))
			require.NoError(t, err)
			assert.Equal(t, name, ev.Name())
			assert.Equal(t, "R1", ev.JobID())
		}
	})

	t.Run("Should classify errors", func(t *testing.T) {
		_, err := Decode("nope", json.RawMessage(`{}`))
		assert.ErrorIs(t, err, ErrUnknownEvent)

		_, err = Decode(ProcessingPaused, json.RawMessage(`42`))
		assert.ErrorIs(t, err, ErrMalformed)

		ev, err := Decode(ProcessingPaused, json.RawMessage(`{}`))
		require.NoError(t, err)
		_, _, err = Normalize(ev)
		assert.ErrorIs(t, err, ErrMissingJobKey)
	})
}

func TestReplayIsIdempotent(t *testing.T) {
	r, store := newTestRouter()
	payload := json.RawMessage(`{"reportId":"R1","status":"PROCESSING","data":{"current":2,"total":4,"percentage":50}}`)

	require.True(t, r.Dispatch(MacroEditProgress, payload))
	first, _ := store.Get("R1")
	require.True(t, r.Dispatch(MacroEditProgress, payload))
	second, _ := store.Get("R1")

	first.UpdatedAt = second.UpdatedAt
	assert.Equal(t, first, second)
}

func TestSubmissionScenario(t *testing.T) {
	r, store := newTestRouter()
	src := newFakeSource()
	detach := r.Attach(src)
	defer detach()

	_, created, err := store.Upsert("R100", progress.Update{
		Status:  progress.Ptr(progress.StatusInitializing),
		Message: progress.Ptr("Initializing macro submission..."),
		Data:    &progress.Detail{NumTabs: 3},
	})
	require.NoError(t, err)
	require.True(t, created)

	var statuses []progress.Status
	cancel := store.Watch(func(c progress.Change) { statuses = append(statuses, c.Record.Status) })
	defer cancel()

	src.emit(ProcessingProgress, `{"reportId":"R100","percentage":5,"message":"Queued"}`)
	for _, cur := range []int{1, 4, 8} {
		payload, _ := json.Marshal(map[string]interface{}{
			"reportId": "R100",
			"data":     map[string]interface{}{"current": cur, "total": 10, "percentage": cur * 10, "numTabs": 3},
		})
		src.emit(MacroEditProgress, string(payload))
	}

	rec, _ := store.Get("R100")
	assert.Equal(t, progress.StatusProcessing, rec.Status)
	assert.Equal(t, 80.0, rec.Progress)
	assert.Equal(t, 8, rec.Data.Current)
	assert.Equal(t, 3, rec.Data.NumTabs)

	src.emit(MacroEditComplete, `{"reportId":"R100","data":{"current":10,"total":10}}`)

	rec, _ = store.Get("R100")
	assert.Equal(t, progress.StatusComplete, rec.Status)
	assert.Equal(t, 100.0, rec.Progress)
	assert.Equal(t, []progress.Status{
		progress.StatusProcessing,
		progress.StatusProcessing,
		progress.StatusProcessing,
		progress.StatusProcessing,
		progress.StatusComplete,
	}, statuses)
	assert.Equal(t, 1, r.Seen()[MacroEditComplete])
}

func TestKeyIsolationAcrossViews(t *testing.T) {
	r, store := newTestRouter()
	require.True(t, r.Dispatch(MacroEditProgress, json.RawMessage(`{"reportId":"R200","data":{"percentage":10}}`)))
	require.True(t, r.Dispatch(MacroEditProgress, json.RawMessage(`{"reportId":"R300","data":{"percentage":40,"current":4}}`)))
	before, _ := store.Get("R300")

	require.True(t, r.Dispatch(MacroEditError, json.RawMessage(`{"reportId":"R200","error":"boom"}`)))

	after, _ := store.Get("R300")
	assert.Equal(t, before, after)
}

func TestAttach(t *testing.T) {
	r, store := newTestRouter()
	src := newFakeSource()

	detach := r.Attach(src)
	src.emit("unrelated_event", `{}`)
	src.emit(ProcessingProgress, `{"reportId":"R1"}`)
	assert.Equal(t, []string{ProcessingProgress, "unrelated_event"}, r.SeenNames())
	assert.Equal(t, 1, store.Len())

	detach()
	detach()
	assert.Equal(t, len(Names)+1, src.offs, "every handler is removed exactly once")

	src.emit(ProcessingProgress, `{"reportId":"R2"}`)
	assert.Equal(t, 1, store.Len())
}
