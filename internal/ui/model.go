package ui

import (
	"context"
	"sort"

	tea "github.com/charmbracelet/bubbletea"

	"taqeem-console/internal/progress"
)

// Source is the progress store as seen by the view.
type Source interface {
	Get(jobID string) (progress.Record, bool)
	JobIDs() []string
	Watch(fn func(progress.Change)) (cancel func())
}

// Options configure the watch view.
type Options struct {
	// JobIDs limits the view to these jobs. Empty follows every job,
	// including ones that appear later.
	JobIDs []string
	// ExitOnDone quits once every followed job reached a terminal state.
	ExitOnDone bool
	// Connected reports the initial state of the event channel.
	Connected bool
}

type Model struct {
	ctx    context.Context
	cancel context.CancelFunc

	jobOrder  []string
	jobs      map[string]*jobState
	followAll bool
	exitDone  bool
	connected bool

	width  int
	styles Styles

	eventCh chan tea.Msg
}

// NewModel builds the view from the current contents of src.
func NewModel(ctx context.Context, src Source, opts Options) Model {
	c, cancel := context.WithCancel(ctx)
	m := Model{
		ctx:       c,
		cancel:    cancel,
		jobs:      make(map[string]*jobState),
		followAll: len(opts.JobIDs) == 0,
		exitDone:  opts.ExitOnDone,
		connected: opts.Connected,
		styles:    defaultStyles(),
		eventCh:   make(chan tea.Msg, 256),
	}

	ids := opts.JobIDs
	if m.followAll {
		ids = src.JobIDs()
	}
	for _, id := range ids {
		js := m.addJob(id)
		if rec, ok := src.Get(id); ok {
			js.rec, js.known = rec, true
		}
	}
	return m
}

func (m *Model) addJob(id string) *jobState {
	if js, ok := m.jobs[id]; ok {
		return js
	}
	js := newJobState(id, m.styles)
	m.jobs[id] = js
	m.jobOrder = append(m.jobOrder, id)
	if m.followAll {
		sort.Strings(m.jobOrder)
	}
	return js
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.listenEventsCmd()}
	for _, id := range m.jobOrder {
		cmds = append(cmds, m.jobs[id].spinner.Tick)
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.cancel()
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		for _, js := range m.jobs {
			js.bar.Width = barWidth(msg.Width)
		}

	case recordMsg:
		ch := msg.Change
		js, ok := m.jobs[ch.JobID]
		if !ok {
			if !m.followAll || ch.Kind == progress.ChangeCleared {
				return m, m.listenEventsCmd()
			}
			js = m.addJob(ch.JobID)
			js.bar.Width = barWidth(m.width)
			return m, tea.Batch(m.apply(js, ch), js.spinner.Tick)
		}
		return m, m.apply(js, ch)

	case connMsg:
		m.connected = msg.Connected
		return m, m.listenEventsCmd()

	case doneMsg:
		return m, tea.Quit
	}

	var cmds []tea.Cmd
	for _, id := range m.jobOrder {
		js := m.jobs[id]
		var c tea.Cmd
		js.spinner, c = js.spinner.Update(msg)
		if c != nil {
			cmds = append(cmds, c)
		}
	}
	return m, tea.Batch(cmds...)
}

func (m Model) apply(js *jobState, ch progress.Change) tea.Cmd {
	if ch.Kind == progress.ChangeCleared {
		js.rec, js.known = progress.Record{JobID: js.id}, false
	} else {
		js.rec, js.known = ch.Record, true
	}
	if m.exitDone && m.allFinished() {
		return tea.Quit
	}
	return m.listenEventsCmd()
}

func (m Model) allFinished() bool {
	if len(m.jobOrder) == 0 {
		return false
	}
	for _, id := range m.jobOrder {
		if !m.jobs[id].finished() {
			return false
		}
	}
	return true
}

// Records returns the last known record of every followed job.
func (m Model) Records() []progress.Record {
	out := make([]progress.Record, 0, len(m.jobOrder))
	for _, id := range m.jobOrder {
		if js := m.jobs[id]; js.known {
			out = append(out, js.rec)
		}
	}
	return out
}

func (m Model) listenEventsCmd() tea.Cmd {
	return func() tea.Msg {
		select {
		case <-m.ctx.Done():
			return doneMsg{}
		case msg := <-m.eventCh:
			return msg
		}
	}
}

func barWidth(termWidth int) int {
	w := termWidth - 20
	switch {
	case w < 20:
		return 20
	case w > 60:
		return 60
	}
	return w
}
