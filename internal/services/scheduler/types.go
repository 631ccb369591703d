package scheduler

import (
	"context"

	"taqeem-console/internal/api"
	"taqeem-console/internal/services/submission"
)

// Checker runs a macro status check. submission.Service satisfies it.
type Checker interface {
	Check(ctx context.Context, reportID string, tabs int, mode submission.CheckMode) (*api.Envelope, error)
}

// CheckListResponse represents a scheduled check in list responses
type CheckListResponse struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	ReportID   string  `json:"report_id"`
	TabsNum    int     `json:"tabs_num"`
	Mode       string  `json:"mode"`
	Cron       string  `json:"cron"`
	Timezone   string  `json:"timezone"`
	Enabled    bool    `json:"enabled"`
	LastRunAt  *string `json:"last_run_at"` // ISO 8601 format
	NextRun    *string `json:"next_run"`    // ISO 8601 format
	LastResult string  `json:"last_result,omitempty"`
	LastError  string  `json:"last_error,omitempty"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
}

// UpsertCheckRequest creates or updates a scheduled check, keyed by name.
type UpsertCheckRequest struct {
	Name     string `json:"name"`
	ReportID string `json:"report_id"`
	TabsNum  int    `json:"tabs_num"`
	Mode     string `json:"mode"` // "full" or "half"
	Cron     string `json:"cron"`
	Timezone string `json:"timezone"`
	Enabled  bool   `json:"enabled"`
}
