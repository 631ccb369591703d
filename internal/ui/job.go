package ui

import (
	bubblesprogress "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"

	"taqeem-console/internal/progress"
)

type jobState struct {
	id    string
	rec   progress.Record
	known bool // false until the first record arrives, and again after a clear

	spinner spinner.Model
	bar     bubblesprogress.Model
}

func newJobState(id string, styles Styles) *jobState {
	sp := spinner.New()
	sp.Style = styles.Spinner
	return &jobState{
		id:      id,
		spinner: sp,
		bar: bubblesprogress.New(
			bubblesprogress.WithDefaultGradient(),
			bubblesprogress.WithWidth(40),
		),
	}
}

func (js *jobState) finished() bool {
	return js.known && js.rec.Status.Terminal()
}
