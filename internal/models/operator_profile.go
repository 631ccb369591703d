package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OperatorProfile is a saved backend login. The password is stored encrypted.
type OperatorProfile struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"unique;not null" json:"name"`
	Email       string    `gorm:"not null" json:"email"`
	PasswordEnc string    `gorm:"not null;column:password_enc" json:"-"` // never exposed
	OTPMethod   string    `gorm:"column:otp_method" json:"otp_method"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BeforeCreate assigns an id to new profiles.
func (p *OperatorProfile) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

func (OperatorProfile) TableName() string {
	return "operator_profiles"
}
