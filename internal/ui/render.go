package ui

import (
	"fmt"
	"math"
	"strings"

	"taqeem-console/internal/progress"
)

// ClampPercent bounds a stored progress value to [0, 100] for display.
// The store keeps whatever the backend reported.
func ClampPercent(p float64) float64 {
	switch {
	case math.IsNaN(p) || p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// PercentText formats a progress value with one decimal place.
func PercentText(p float64) string {
	return fmt.Sprintf("%.1f%%", ClampPercent(p))
}

// StatusLabel is the short status shown next to a bar. Terminal states win,
// then the paused flag.
func StatusLabel(rec progress.Record) string {
	switch rec.Status {
	case progress.StatusComplete:
		return "Complete"
	case progress.StatusFailed:
		return "Failed"
	case progress.StatusStopped:
		return "Stopped"
	}
	if rec.Paused {
		return "Paused"
	}
	if rec.Status == progress.StatusInitializing {
		return "Initializing"
	}
	return "Processing"
}

// Counts renders "current/total" when the backend reported a total.
func Counts(rec progress.Record) string {
	if rec.Data == nil || rec.Data.Total <= 0 {
		return ""
	}
	s := fmt.Sprintf("%d/%d", rec.Data.Current, rec.Data.Total)
	if rec.Data.FailedRecords > 0 {
		s += fmt.Sprintf(", %d failed", rec.Data.FailedRecords)
	}
	return s
}

// PlainLine renders one record for non-interactive output.
func PlainLine(rec progress.Record) string {
	parts := []string{
		"[" + rec.JobID + "]",
		fmt.Sprintf("%-12s", StatusLabel(rec)),
		fmt.Sprintf("%6s", PercentText(rec.Progress)),
	}
	if c := Counts(rec); c != "" {
		parts = append(parts, "("+c+")")
	}
	if rec.Message != "" {
		parts = append(parts, rec.Message)
	}
	if rec.Data != nil && rec.Data.Error != "" && !strings.Contains(rec.Message, rec.Data.Error) {
		parts = append(parts, "error: "+rec.Data.Error)
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if n <= 0 || len(rs) <= n {
		return s
	}
	return string(rs[:n-1]) + "…"
}
