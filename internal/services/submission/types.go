package submission

import (
	"context"
	"errors"

	"taqeem-console/internal/api"
	"taqeem-console/internal/progress"
)

// ErrInvalidInput marks operator input rejected before any request is sent.
var ErrInvalidInput = errors.New("submission: invalid input")

// InputError carries the operator-facing validation message.
type InputError struct {
	Message string
}

func (e *InputError) Error() string { return e.Message }

func (e *InputError) Is(target error) bool { return target == ErrInvalidInput }

const (
	msgMissingReportID = "Please enter a report ID"
	msgInvalidTabs     = "Please enter a valid number of tabs (minimum 1)"
	msgInvalidMacros   = "Please enter a valid number of macros (minimum 1)"

	msgInitializing  = "Initializing macro submission..."
	msgUnexpectedErr = "An unexpected error occurred while submitting macro"

	msgReportMissing   = "Report with this ID does not exist. Please check the ID and try again."
	msgUnexpectedReply = "Unexpected response from server. Please try again."
	msgNoMacrosAllowed = "Only works on reports with no macros. Please use a different report ID."
)

// Backend is the subset of the REST client the operator flows use.
type Backend interface {
	EditMacros(ctx context.Context, reportID string, tabsNum int) (*api.Envelope, error)
	CheckMacroStatus(ctx context.Context, reportID string, tabsNum int) (*api.Envelope, error)
	HalfCheckMacroStatus(ctx context.Context, reportID string, tabsNum int) (*api.Envelope, error)
	PauseProcessing(ctx context.Context, reportID string) (*api.Envelope, error)
	ResumeProcessing(ctx context.Context, reportID string) (*api.Envelope, error)
	GrabMacroIDs(ctx context.Context, reportID string, tabsNum int) (*api.Envelope, error)
	ValidateReport(ctx context.Context, reportID string, fileData interface{}) (*api.ValidateResult, error)
	CreateAssets(ctx context.Context, reportID string, macroCount, tabsNum int) (*api.Envelope, error)
	DeleteReport(ctx context.Context, reportID string) (*api.Envelope, error)
	DeleteAssets(ctx context.Context, reportID string) (*api.Envelope, error)
	ChangeReportStatus(ctx context.Context, reportID string) (*api.Envelope, error)
}

// ProgressWriter is the store surface the flows write to.
type ProgressWriter interface {
	Upsert(jobID string, u progress.Update) (progress.Record, bool, error)
	Get(jobID string) (progress.Record, bool)
	Clear(jobID string) bool
}

// Purpose selects the validation rules for a report id.
type Purpose int

const (
	// PurposeUpload accepts reports with existing macros.
	PurposeUpload Purpose = iota
	// PurposeCreateAssets requires a report without macros.
	PurposeCreateAssets
)

// Validation is the outcome of a validate-report call as the operator sees it.
type Validation struct {
	Status      api.ValidateStatus `json:"status"`
	OK          bool               `json:"ok"`
	Message     string             `json:"message,omitempty"`
	AssetsExact int                `json:"assetsExact,omitempty"`
}

// DeleteKind selects one of the delete endpoints.
type DeleteKind string

const (
	DeleteReport       DeleteKind = "report"
	DeleteAssets       DeleteKind = "assets"
	ChangeReportStatus DeleteKind = "status"
)

// CheckMode selects between the full and the half status check.
type CheckMode string

const (
	CheckFull CheckMode = "full"
	CheckHalf CheckMode = "half"
)
