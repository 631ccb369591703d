package ui

import "github.com/charmbracelet/lipgloss"

type Styles struct {
	Title    lipgloss.Style
	Subtitle lipgloss.Style
	JobTitle lipgloss.Style
	JobInfo  lipgloss.Style
	Success  lipgloss.Style
	Error    lipgloss.Style
	Warning  lipgloss.Style
	Active   lipgloss.Style
	Faint    lipgloss.Style
	Box      lipgloss.Style
	Spinner  lipgloss.Style
}

func defaultStyles() Styles {
	base := lipgloss.NewStyle()
	return Styles{
		Title:    base.Bold(true).Foreground(lipgloss.Color("#2563EB")),
		Subtitle: base.Faint(true),
		JobTitle: base.Bold(true).Foreground(lipgloss.Color("#A3A3A3")),
		JobInfo:  base.Foreground(lipgloss.Color("#D1D5DB")),
		Success:  base.Foreground(lipgloss.Color("#22C55E")),
		Error:    base.Foreground(lipgloss.Color("#EF4444")),
		Warning:  base.Foreground(lipgloss.Color("#F59E0B")),
		Active:   base.Foreground(lipgloss.Color("#3B82F6")),
		Faint:    base.Faint(true),
		Box:      base.Padding(0, 1),
		Spinner:  base.Foreground(lipgloss.Color("#22D3EE")),
	}
}

func (s Styles) forLabel(label string) lipgloss.Style {
	switch label {
	case "Complete":
		return s.Success
	case "Failed":
		return s.Error
	case "Paused", "Stopped":
		return s.Warning
	}
	return s.Active
}
