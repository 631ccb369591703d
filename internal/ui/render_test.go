package ui

import (
	"context"
	"math"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taqeem-console/internal/logger"
	"taqeem-console/internal/progress"
)

func TestClampPercent(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{in: -5, want: 0},
		{in: 0, want: 0},
		{in: 42.25, want: 42.25},
		{in: 100, want: 100},
		{in: 140, want: 100},
		{in: math.NaN(), want: 0},
		{in: math.Inf(1), want: 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampPercent(tt.in), "input %v", tt.in)
	}
	assert.Equal(t, "100.0%", PercentText(140))
	assert.Equal(t, "33.3%", PercentText(33.333))
}

func TestStatusLabel(t *testing.T) {
	tests := []struct {
		name string
		rec  progress.Record
		want string
	}{
		{name: "Complete", rec: progress.Record{Status: progress.StatusComplete}, want: "Complete"},
		{name: "Failed even when paused", rec: progress.Record{Status: progress.StatusFailed, Paused: true}, want: "Failed"},
		{name: "Stopped", rec: progress.Record{Status: progress.StatusStopped}, want: "Stopped"},
		{name: "Paused overrides processing", rec: progress.Record{Status: progress.StatusProcessing, Paused: true}, want: "Paused"},
		{name: "Initializing", rec: progress.Record{Status: progress.StatusInitializing}, want: "Initializing"},
		{name: "Processing", rec: progress.Record{Status: progress.StatusProcessing}, want: "Processing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusLabel(tt.rec))
		})
	}
}

func TestPlainLine(t *testing.T) {
	rec := progress.Record{
		JobID:    "R100",
		Status:   progress.StatusProcessing,
		Message:  "Editing macro 5/10",
		Progress: 140,
		Data:     &progress.Detail{Current: 5, Total: 10, FailedRecords: 1, Error: "timeout on tab 2"},
	}
	line := PlainLine(rec)
	assert.Contains(t, line, "[R100]")
	assert.Contains(t, line, "Processing")
	assert.Contains(t, line, "100.0%")
	assert.Contains(t, line, "(5/10, 1 failed)")
	assert.Contains(t, line, "Editing macro 5/10")
	assert.Contains(t, line, "error: timeout on tab 2")

	bare := PlainLine(progress.Record{JobID: "R1", Status: progress.StatusInitializing})
	assert.NotContains(t, bare, "(")
}

func newTestModel(t *testing.T, opts Options) (Model, *progress.Store) {
	t.Helper()
	store := progress.NewStore(logger.Discard())
	return NewModel(context.Background(), store, opts), store
}

func TestModel(t *testing.T) {
	t.Run("Should render stored progress clamped", func(t *testing.T) {
		store := progress.NewStore(logger.Discard())
		_, _, err := store.Upsert("R1", progress.Update{
			Status:   progress.Ptr(progress.StatusProcessing),
			Paused:   progress.Ptr(true),
			Progress: progress.Ptr(140.0),
			Message:  progress.Ptr("Editing"),
		})
		require.NoError(t, err)

		m := NewModel(context.Background(), store, Options{})
		view := m.View()
		assert.Contains(t, view, "R1")
		assert.Contains(t, view, "Paused")
		assert.Contains(t, view, "100.0%")
		assert.Contains(t, view, "Editing")

		rec, _ := store.Get("R1")
		assert.Equal(t, 140.0, rec.Progress, "rendering never rewrites the store")
	})

	t.Run("Should follow new jobs when watching everything", func(t *testing.T) {
		m, _ := newTestModel(t, Options{})
		assert.Contains(t, m.View(), "No jobs yet")

		next, _ := m.Update(recordMsg{Change: progress.Change{
			Kind:   progress.ChangeCreated,
			JobID:  "R2",
			Record: progress.Record{JobID: "R2", Status: progress.StatusProcessing, Progress: 20},
		}})
		nm := next.(Model)
		assert.Equal(t, []string{"R2"}, nm.jobOrder)
		assert.Contains(t, nm.View(), "20.0%")
	})

	t.Run("Should ignore jobs outside the selection", func(t *testing.T) {
		m, _ := newTestModel(t, Options{JobIDs: []string{"R1"}})
		next, _ := m.Update(recordMsg{Change: progress.Change{Kind: progress.ChangeCreated, JobID: "R9", Record: progress.Record{JobID: "R9"}}})
		assert.Equal(t, []string{"R1"}, next.(Model).jobOrder)
		assert.Contains(t, next.(Model).View(), "waiting for progress")
	})

	t.Run("Should quit once every job finished", func(t *testing.T) {
		m, _ := newTestModel(t, Options{JobIDs: []string{"R1"}, ExitOnDone: true})
		_, cmd := m.Update(recordMsg{Change: progress.Change{
			Kind:   progress.ChangeUpdated,
			JobID:  "R1",
			Record: progress.Record{JobID: "R1", Status: progress.StatusComplete, Progress: 100},
		}})
		require.NotNil(t, cmd)
		assert.IsType(t, tea.QuitMsg{}, cmd())
	})

	t.Run("Should forget cleared records", func(t *testing.T) {
		m, _ := newTestModel(t, Options{JobIDs: []string{"R1"}})
		next, _ := m.Update(recordMsg{Change: progress.Change{Kind: progress.ChangeUpdated, JobID: "R1", Record: progress.Record{JobID: "R1", Status: progress.StatusFailed, Message: "Error: boom"}}})
		nm := next.(Model)
		assert.EqualError(t, failures(nm.Records()), "1 job(s) failed:\n- R1: Error: boom")

		next, _ = nm.Update(recordMsg{Change: progress.Change{Kind: progress.ChangeCleared, JobID: "R1"}})
		assert.Empty(t, next.(Model).Records())
	})

	t.Run("Should quit on q", func(t *testing.T) {
		m, _ := newTestModel(t, Options{})
		_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
		require.NotNil(t, cmd)
		assert.IsType(t, tea.QuitMsg{}, cmd())
	})
}
