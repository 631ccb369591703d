package models

import (
	"time"
)

// JobProgress is the persisted snapshot of one progress record.
type JobProgress struct {
	JobID      string    `gorm:"primaryKey;column:job_id" json:"job_id"`
	Status     string    `gorm:"not null;default:INITIALIZING" json:"status"`
	Message    string    `gorm:"type:text" json:"message"`
	Progress   float64   `gorm:"not null;default:0" json:"progress"`
	Paused     bool      `gorm:"not null;default:false" json:"paused"`
	Stopped    bool      `gorm:"not null;default:false" json:"stopped"`
	ActionType string    `gorm:"column:action_type" json:"action_type"`
	Data       string    `gorm:"type:text" json:"data"` // JSON detail payload
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (JobProgress) TableName() string {
	return "job_progress"
}
