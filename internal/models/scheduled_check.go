package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Check modes.
const (
	CheckModeFull = "full"
	CheckModeHalf = "half"
)

// ScheduledCheck is a recurring macro status check for one report.
type ScheduledCheck struct {
	ID         string     `gorm:"primaryKey" json:"id"`
	Name       string     `gorm:"unique;not null" json:"name"`
	ReportID   string     `gorm:"not null;column:report_id;index" json:"report_id"`
	TabsNum    int        `gorm:"not null;default:1;column:tabs_num" json:"tabs_num"`
	Mode       string     `gorm:"not null;default:full" json:"mode"` // full, half
	Cron       string     `gorm:"not null" json:"cron"`
	Timezone   string     `gorm:"default:UTC" json:"timezone"`
	Enabled    bool       `gorm:"not null" json:"enabled"`
	LastRunAt  *time.Time `gorm:"column:last_run_at" json:"last_run_at"`
	NextRunAt  *time.Time `gorm:"column:next_run_at" json:"next_run_at"`
	LastResult string     `gorm:"type:text;column:last_result" json:"last_result"`
	LastError  string     `gorm:"type:text;column:last_error" json:"last_error"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// BeforeCreate assigns an id to new checks.
func (sc *ScheduledCheck) BeforeCreate(tx *gorm.DB) error {
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}
	return nil
}

func (ScheduledCheck) TableName() string {
	return "scheduled_checks"
}
