package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"taqeem-console/internal/logger"
	"taqeem-console/internal/models"
	"taqeem-console/internal/services/submission"
)

// ErrNotFound is returned for unknown check names or ids.
var ErrNotFound = errors.New("scheduler: check not found")

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Service schedules recurring macro status checks
type Service struct {
	db      *gorm.DB
	ctx     context.Context
	cron    *cron.Cron
	checker Checker
	log     *logger.Logger
	timeout time.Duration

	jobs   map[string]cron.EntryID // check ID -> cron entry ID
	jobsMu sync.RWMutex
}

// NewService creates a new scheduler service
func NewService(ctx context.Context, db *gorm.DB, checker Checker, log *logger.Logger) *Service {
	// Create cron scheduler with seconds support
	c := cron.New(cron.WithSeconds())

	return &Service{
		db:      db,
		ctx:     ctx,
		cron:    c,
		checker: checker,
		log:     logger.OrDefault(log).Component("scheduler"),
		timeout: 5 * time.Minute,
		jobs:    make(map[string]cron.EntryID),
	}
}

// Start starts the cron scheduler and loads enabled checks from the database
func (s *Service) Start() error {
	s.cron.Start()

	var checks []models.ScheduledCheck
	if err := s.db.Where("enabled = ?", true).Find(&checks).Error; err != nil {
		return fmt.Errorf("failed to load scheduled checks: %w", err)
	}

	for i := range checks {
		check := &checks[i]
		if err := s.schedule(check); err != nil {
			s.log.WithError(err).Warnf("Failed to schedule check %s (%s)", check.Name, check.ID)
		}
	}

	s.log.Infof("Scheduler started with %d enabled checks", len(checks))
	return nil
}

// Stop waits for running checks and stops the scheduler
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.log.Info("Scheduler stopped")
	}
}

// List retrieves all scheduled checks
func (s *Service) List() ([]CheckListResponse, error) {
	var checks []models.ScheduledCheck
	if err := s.db.Order("created_at DESC").Find(&checks).Error; err != nil {
		return nil, fmt.Errorf("failed to list checks: %w", err)
	}

	out := make([]CheckListResponse, len(checks))
	for i := range checks {
		out[i] = toCheckListResponse(&checks[i])
	}
	return out, nil
}

// Upsert creates or updates a scheduled check and returns its id
func (s *Service) Upsert(req UpsertCheckRequest) (string, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.ReportID = strings.TrimSpace(req.ReportID)
	if req.Name == "" || req.ReportID == "" || req.Cron == "" {
		return "", fmt.Errorf("name, report_id, and cron are required")
	}

	if req.TabsNum < 1 {
		req.TabsNum = 1
	}
	switch req.Mode {
	case "":
		req.Mode = models.CheckModeFull
	case models.CheckModeFull, models.CheckModeHalf:
	default:
		return "", fmt.Errorf("invalid mode %q: expected full or half", req.Mode)
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(req.Timezone); err != nil {
		return "", fmt.Errorf("invalid timezone %q: %w", req.Timezone, err)
	}

	normalized, err := normalizeCron(req.Cron)
	if err != nil {
		return "", err
	}

	var check models.ScheduledCheck
	err = s.db.Where("name = ?", req.Name).First(&check).Error
	isNew := errors.Is(err, gorm.ErrRecordNotFound)
	if err != nil && !isNew {
		return "", fmt.Errorf("failed to query check: %w", err)
	}

	check.Name = req.Name
	check.ReportID = req.ReportID
	check.TabsNum = req.TabsNum
	check.Mode = req.Mode
	check.Cron = normalized
	check.Timezone = req.Timezone
	check.Enabled = req.Enabled

	next, err := nextRun(&check, time.Now())
	if err != nil {
		return "", err
	}
	check.NextRunAt = &next

	if isNew {
		err = s.db.Create(&check).Error
	} else {
		err = s.db.Save(&check).Error
	}
	if err != nil {
		return "", fmt.Errorf("failed to save check: %w", err)
	}

	if err := s.reschedule(check.ID); err != nil {
		return "", fmt.Errorf("failed to reschedule check: %w", err)
	}
	return check.ID, nil
}

// Delete removes a scheduled check by id or name
func (s *Service) Delete(idOrName string) error {
	check, err := s.find(idOrName)
	if err != nil {
		return err
	}
	s.unschedule(check.ID)

	if err := s.db.Delete(&models.ScheduledCheck{}, "id = ?", check.ID).Error; err != nil {
		return fmt.Errorf("failed to delete check: %w", err)
	}
	return nil
}

// RunNow executes a check immediately and returns the stored outcome
func (s *Service) RunNow(idOrName string) (*CheckListResponse, error) {
	check, err := s.find(idOrName)
	if err != nil {
		return nil, err
	}
	s.execute(check.ID)

	check, err = s.find(check.ID)
	if err != nil {
		return nil, err
	}
	resp := toCheckListResponse(check)
	return &resp, nil
}

func (s *Service) find(idOrName string) (*models.ScheduledCheck, error) {
	var check models.ScheduledCheck
	err := s.db.Where("id = ? OR name = ?", idOrName, idOrName).First(&check).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, idOrName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load check: %w", err)
	}
	return &check, nil
}

// schedule adds a check to the cron scheduler
func (s *Service) schedule(check *models.ScheduledCheck) error {
	s.unschedule(check.ID)
	if !check.Enabled {
		return nil
	}

	id := check.ID
	entryID, err := s.cron.AddFunc(specFor(check), func() { s.execute(id) })
	if err != nil {
		return fmt.Errorf("failed to add cron entry: %w", err)
	}

	s.jobsMu.Lock()
	s.jobs[id] = entryID
	s.jobsMu.Unlock()
	return nil
}

func (s *Service) unschedule(id string) {
	s.jobsMu.Lock()
	if entryID, ok := s.jobs[id]; ok {
		s.cron.Remove(entryID)
		delete(s.jobs, id)
	}
	s.jobsMu.Unlock()
}

// reschedule reloads a check from the database and schedules it again
func (s *Service) reschedule(id string) error {
	var check models.ScheduledCheck
	if err := s.db.First(&check, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.unschedule(id)
			return nil
		}
		return fmt.Errorf("failed to load check: %w", err)
	}
	return s.schedule(&check)
}

// Scheduled reports whether a check currently has a cron entry.
func (s *Service) Scheduled(id string) bool {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	_, ok := s.jobs[id]
	return ok
}

// execute runs one check and records its outcome
func (s *Service) execute(id string) {
	var check models.ScheduledCheck
	if err := s.db.First(&check, "id = ?", id).Error; err != nil {
		s.log.WithError(err).Errorf("Failed to load check %s", id)
		return
	}

	log := s.log.With(logger.Fields{logger.FieldJobID: check.ReportID, "check": check.Name})
	log.Info("Running scheduled check")

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	env, err := s.checker.Check(ctx, check.ReportID, check.TabsNum, submission.CheckMode(check.Mode))
	cancel()

	now := time.Now()
	check.LastRunAt = &now
	if next, perr := nextRun(&check, now); perr == nil {
		check.NextRunAt = &next
	}

	check.LastError = ""
	check.LastResult = ""
	switch {
	case err != nil:
		check.LastError = err.Error()
		log.WithError(err).Warn("Scheduled check failed")
	case env != nil && !env.Success:
		check.LastError = firstNonEmpty(env.Error, env.Message, "Check rejected")
		log.WithField("error", check.LastError).Warn("Scheduled check rejected")
	default:
		if env != nil {
			b, merr := json.Marshal(env)
			if merr == nil {
				check.LastResult = string(b)
			}
		}
		log.Info("Scheduled check completed")
	}

	if err := s.db.Save(&check).Error; err != nil {
		log.WithError(err).Warn("Failed to record check outcome")
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// specFor prefixes the stored expression with its timezone.
func specFor(check *models.ScheduledCheck) string {
	if check.Timezone == "" || check.Timezone == "UTC" {
		return check.Cron
	}
	return "CRON_TZ=" + check.Timezone + " " + check.Cron
}

func nextRun(check *models.ScheduledCheck, from time.Time) (time.Time, error) {
	schedule, err := parser.Parse(specFor(check))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse cron for next run: %w", err)
	}
	return schedule.Next(from), nil
}

// normalizeCron converts 5-field cron to 6-field format by prepending seconds
// 5-field: "minute hour day month dow"
// 6-field: "second minute hour day month dow" (robfig/cron with WithSeconds)
func normalizeCron(cronExpr string) (string, error) {
	cronExpr = strings.TrimSpace(cronExpr)
	fields := strings.Fields(cronExpr)

	switch len(fields) {
	case 6:
		if _, err := parser.Parse(cronExpr); err != nil {
			return "", fmt.Errorf("invalid 6-field cron expression: %w", err)
		}
		return cronExpr, nil
	case 5:
		if _, err := cron.ParseStandard(cronExpr); err != nil {
			return "", fmt.Errorf("invalid 5-field cron expression: %w", err)
		}
		// run at second 0 of the minute
		return "0 " + cronExpr, nil
	}

	return "", fmt.Errorf("invalid cron expression: expected 5 or 6 fields, got %d", len(fields))
}

func toCheckListResponse(check *models.ScheduledCheck) CheckListResponse {
	resp := CheckListResponse{
		ID:         check.ID,
		Name:       check.Name,
		ReportID:   check.ReportID,
		TabsNum:    check.TabsNum,
		Mode:       check.Mode,
		Cron:       check.Cron,
		Timezone:   check.Timezone,
		Enabled:    check.Enabled,
		LastResult: check.LastResult,
		LastError:  check.LastError,
		CreatedAt:  check.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  check.UpdatedAt.Format(time.RFC3339),
	}

	if check.LastRunAt != nil {
		lastRun := check.LastRunAt.Format(time.RFC3339)
		resp.LastRunAt = &lastRun
	}
	if check.NextRunAt != nil {
		next := check.NextRunAt.Format(time.RFC3339)
		resp.NextRun = &next
	}
	return resp
}
