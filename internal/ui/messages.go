package ui

import "taqeem-console/internal/progress"

type recordMsg struct {
	Change progress.Change
}

type connMsg struct {
	Connected bool
}

type doneMsg struct{}
