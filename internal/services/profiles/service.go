// Package profiles stores operator logins with encrypted passwords.
package profiles

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"taqeem-console/internal/logger"
	"taqeem-console/internal/models"
)

var (
	ErrNotFound     = errors.New("profiles: profile not found")
	ErrInvalidInput = errors.New("profiles: name, email and password are required")
)

// Sealer encrypts and decrypts stored passwords.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(encoded string) (string, error)
}

// SaveRequest creates or updates a profile. An empty Password on update keeps
// the stored one.
type SaveRequest struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	OTPMethod string `json:"otp_method"`
}

// Credentials is a decrypted profile, ready for a login call.
type Credentials struct {
	Email     string
	Password  string
	OTPMethod string
}

// Service manages operator profiles.
type Service struct {
	db    *gorm.DB
	vault Sealer
	log   *logger.Logger
}

// NewService creates a profile service.
func NewService(db *gorm.DB, vault Sealer, log *logger.Logger) *Service {
	return &Service{db: db, vault: vault, log: logger.OrDefault(log).Component("profiles")}
}

// List returns all profiles ordered by name.
func (s *Service) List() ([]models.OperatorProfile, error) {
	var out []models.OperatorProfile
	if err := s.db.Order("name").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	return out, nil
}

// Get looks a profile up by name.
func (s *Service) Get(name string) (*models.OperatorProfile, error) {
	var p models.OperatorProfile
	err := s.db.Where("name = ?", strings.TrimSpace(name)).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", name, err)
	}
	return &p, nil
}

// Save creates the profile named in req, or updates it when it exists.
func (s *Service) Save(req SaveRequest) (*models.OperatorProfile, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	if req.Name == "" || req.Email == "" {
		return nil, ErrInvalidInput
	}

	existing, err := s.Get(req.Name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing == nil && req.Password == "" {
		return nil, ErrInvalidInput
	}

	p := existing
	if p == nil {
		p = &models.OperatorProfile{Name: req.Name}
	}
	p.Email = req.Email
	p.OTPMethod = req.OTPMethod

	if req.Password != "" {
		enc, err := s.vault.Seal(req.Password)
		if err != nil {
			return nil, fmt.Errorf("encrypt password: %w", err)
		}
		p.PasswordEnc = enc
	}

	if existing == nil {
		err = s.db.Create(p).Error
	} else {
		err = s.db.Save(p).Error
	}
	if err != nil {
		return nil, fmt.Errorf("save profile %s: %w", req.Name, err)
	}

	s.log.WithField("profile", p.Name).Info("Saved operator profile")
	return p, nil
}

// Delete removes a profile by name.
func (s *Service) Delete(name string) error {
	res := s.db.Where("name = ?", strings.TrimSpace(name)).Delete(&models.OperatorProfile{})
	if res.Error != nil {
		return fmt.Errorf("delete profile %s: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

// Credentials decrypts the login stored under name.
func (s *Service) Credentials(name string) (*Credentials, error) {
	p, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	password, err := s.vault.Open(p.PasswordEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt password for %s: %w", name, err)
	}
	return &Credentials{Email: p.Email, Password: password, OTPMethod: p.OTPMethod}, nil
}
