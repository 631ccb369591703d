package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"taqeem-console/internal/progress"
	"taqeem-console/internal/transport"
)

// StateSource reports event channel state changes.
type StateSource interface {
	OnState(fn func(transport.State)) (off func())
}

// Run shows the watch view until the operator quits, ctx is cancelled, or
// (with ExitOnDone) every job finished. It returns an error listing failed
// jobs.
func Run(ctx context.Context, src Source, states StateSource, opts Options) error {
	m := NewModel(ctx, src, opts)
	defer m.cancel()

	cancelWatch := src.Watch(m.forward)
	defer cancelWatch()
	if states != nil {
		off := states.OnState(func(s transport.State) {
			m.send(connMsg{Connected: s == transport.StateConnected})
		})
		defer off()
	}

	prog := tea.NewProgram(m, tea.WithContext(ctx))
	final, err := prog.Run()
	if err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return err
	}
	if fm, ok := final.(Model); ok {
		return failures(fm.Records())
	}
	return nil
}

// forward feeds store changes to the program. Terminal changes and clears
// block so they are never dropped; intermediate progress may be.
func (m Model) forward(ch progress.Change) {
	important := ch.Kind == progress.ChangeCleared || ch.Record.Status.Terminal()
	if important {
		m.send(recordMsg{Change: ch})
		return
	}
	select {
	case m.eventCh <- recordMsg{Change: ch}:
	default:
	}
}

func (m Model) send(msg tea.Msg) {
	select {
	case m.eventCh <- msg:
	case <-m.ctx.Done():
	}
}

func failures(records []progress.Record) error {
	var failed []string
	for _, rec := range records {
		if rec.Status == progress.StatusFailed {
			failed = append(failed, fmt.Sprintf("- %s: %s", rec.JobID, rec.Message))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d job(s) failed:\n%s", len(failed), strings.Join(failed, "\n"))
	}
	return nil
}
