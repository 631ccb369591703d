package ui

import (
	"fmt"
	"strings"
)

func (m Model) View() string {
	return m.viewHeader() + "\n\n" + m.viewJobs()
}

func (m Model) viewHeader() string {
	done := 0
	for _, id := range m.jobOrder {
		if m.jobs[id].finished() {
			done++
		}
	}
	conn := m.styles.Success.Render("● connected")
	if !m.connected {
		conn = m.styles.Warning.Render("○ disconnected")
	}
	title := m.styles.Title.Render("Taqeem progress")
	sub := m.styles.Subtitle.Render(fmt.Sprintf("Jobs: %d/%d finished • q: quit", done, len(m.jobOrder)))
	return title + "  " + conn + "\n" + sub
}

func (m Model) viewJobs() string {
	if len(m.jobOrder) == 0 {
		return m.styles.Faint.Render("No jobs yet. Waiting for progress…") + "\n"
	}
	var b strings.Builder
	for _, id := range m.jobOrder {
		b.WriteString(m.viewJob(m.jobs[id]))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) viewJob(js *jobState) string {
	title := m.styles.JobTitle.Render(truncate(js.id, 40))
	if !js.known {
		wait := m.styles.Spinner.Render(js.spinner.View()) + " " + m.styles.Faint.Render("waiting for progress")
		return m.styles.Box.Render(title + "\n" + wait)
	}

	rec := js.rec
	label := StatusLabel(rec)
	line1 := fmt.Sprintf("%s  %s", title, m.styles.forLabel(label).Render(label))

	pct := ClampPercent(rec.Progress)
	line2 := fmt.Sprintf("%s %6s", js.bar.ViewAs(pct/100.0), PercentText(rec.Progress))
	if !rec.Status.Terminal() && !rec.Paused {
		line2 = m.styles.Spinner.Render(js.spinner.View()) + " " + line2
	}

	info := rec.Message
	if c := Counts(rec); c != "" {
		info = strings.TrimSpace(info + "  " + m.styles.Faint.Render(c))
	}
	lines := []string{line1, line2, m.styles.JobInfo.Render(info)}
	if rec.Data != nil && rec.Data.Error != "" {
		lines = append(lines, m.styles.Error.Render("✗ "+rec.Data.Error))
	}
	return m.styles.Box.Render(strings.Join(lines, "\n"))
}
