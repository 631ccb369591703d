// Package submission implements the operator actions that start, steer and
// inspect macro jobs on the backend. Actions that start a job write an
// optimistic record to the progress store; the rest of its lifecycle arrives
// as push events.
package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taqeem-console/internal/api"
	"taqeem-console/internal/logger"
	"taqeem-console/internal/progress"
)

// Service runs operator flows against the backend and the progress store.
type Service struct {
	backend  Backend
	store    ProgressWriter
	log      *logger.Logger
	attempts int
	sleep    func(time.Duration)
}

// Option tweaks a Service.
type Option func(*Service)

// WithControlAttempts sets how many times pause and resume are tried before
// giving up. Values below one are ignored.
func WithControlAttempts(n int) Option {
	return func(s *Service) {
		if n >= 1 {
			s.attempts = n
		}
	}
}

// NewService creates a submission service.
func NewService(backend Backend, store ProgressWriter, log *logger.Logger, opts ...Option) *Service {
	s := &Service{
		backend:  backend,
		store:    store,
		log:      logger.OrDefault(log).Component("submission"),
		attempts: 3,
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func checkReportID(reportID string) (string, error) {
	id := strings.TrimSpace(reportID)
	if id == "" {
		return "", &InputError{Message: msgMissingReportID}
	}
	return id, nil
}

func checkTabs(tabs int) error {
	if tabs < 1 {
		return &InputError{Message: msgInvalidTabs}
	}
	return nil
}

// SubmitMacro starts a macro edit job for reportID. The record is reset to
// INITIALIZING before the request goes out. A rejection or an error answer
// marks the record FAILED and is returned. A request that got no answer
// leaves the record PROCESSING with the error as message, since the job may
// be running. Otherwise the job's progress is left to inbound events.
func (s *Service) SubmitMacro(ctx context.Context, reportID string, tabs int) (*api.Envelope, error) {
	return s.start(ctx, reportID, tabs, progress.ActionSubmit)
}

// RetryMacro resubmits a job, typically after it failed or was stopped.
func (s *Service) RetryMacro(ctx context.Context, reportID string, tabs int) (*api.Envelope, error) {
	return s.start(ctx, reportID, tabs, progress.ActionRetry)
}

func (s *Service) start(ctx context.Context, reportID string, tabs int, action progress.ActionType) (*api.Envelope, error) {
	id, err := checkReportID(reportID)
	if err != nil {
		return nil, err
	}
	if err := checkTabs(tabs); err != nil {
		return nil, err
	}

	log := s.log.With(logger.Fields{logger.FieldJobID: id, "tabs": tabs, "action": string(action)})

	if _, _, err := s.store.Upsert(id, progress.Update{
		Status:     progress.Ptr(progress.StatusInitializing),
		Message:    progress.Ptr(msgInitializing),
		Progress:   progress.Ptr(0.0),
		Paused:     progress.Ptr(false),
		Stopped:    progress.Ptr(false),
		ActionType: progress.Ptr(action),
		Data:       &progress.Detail{Current: 0, Total: 0},
		Reset:      true,
	}); err != nil {
		return nil, fmt.Errorf("initialize progress for %s: %w", id, err)
	}

	log.Info("Submitting macro edit")
	env, err := s.backend.EditMacros(ctx, id, tabs)
	if err != nil {
		msg := err.Error()
		if msg == "" {
			msg = msgUnexpectedErr
		}
		if unanswered(err) {
			// the backend may have started the job; its events still apply
			s.markUnanswered(id, msg)
			log.WithError(err).Warn("Macro submission unanswered, waiting for events")
			return nil, err
		}
		s.markFailed(id, msg)
		log.WithError(err).Warn("Macro submission failed")
		return nil, err
	}
	if !env.Success && env.Error != "" {
		s.markFailed(id, env.Error)
		log.WithField("error", env.Error).Warn("Macro submission rejected")
		return env, fmt.Errorf("%w: %s", api.ErrRejected, env.Error)
	}
	return env, nil
}

func (s *Service) markFailed(jobID, reason string) {
	_, _, err := s.store.Upsert(jobID, progress.Update{
		Status:   progress.Ptr(progress.StatusFailed),
		Message:  progress.Ptr("Error: " + reason),
		Progress: progress.Ptr(0.0),
	})
	if err != nil {
		s.log.WithError(err).WithField(logger.FieldJobID, jobID).Warn("Could not record failure")
	}
}

// markUnanswered records a request that got no answer without ending the job.
func (s *Service) markUnanswered(jobID, reason string) {
	_, _, err := s.store.Upsert(jobID, progress.Update{
		Status:  progress.Ptr(progress.StatusProcessing),
		Message: progress.Ptr("Error: " + reason),
	})
	if err != nil {
		s.log.WithError(err).WithField(logger.FieldJobID, jobID).Warn("Could not record failure")
	}
}

// unanswered reports a request that failed on this side of the wire, so the
// backend outcome is unknown.
func unanswered(err error) bool {
	if errors.Is(err, api.ErrTimeout) {
		return true
	}
	var re *api.RequestError
	return errors.As(err, &re) && re.Status == 0
}

// Check asks the backend for the macro status of a report. It does not touch
// the progress store.
func (s *Service) Check(ctx context.Context, reportID string, tabs int, mode CheckMode) (*api.Envelope, error) {
	id, err := checkReportID(reportID)
	if err != nil {
		return nil, err
	}
	if err := checkTabs(tabs); err != nil {
		return nil, err
	}

	s.log.WithFields(logger.Fields{logger.FieldJobID: id, "mode": string(mode)}).Info("Checking macro status")
	if mode == CheckHalf {
		return s.backend.HalfCheckMacroStatus(ctx, id, tabs)
	}
	return s.backend.CheckMacroStatus(ctx, id, tabs)
}

// Pause asks the backend to pause a running job. The local record is
// flagged paused once the backend accepts.
func (s *Service) Pause(ctx context.Context, reportID string) (*api.Envelope, error) {
	return s.control(ctx, reportID, true)
}

// Resume asks the backend to resume a paused job.
func (s *Service) Resume(ctx context.Context, reportID string) (*api.Envelope, error) {
	return s.control(ctx, reportID, false)
}

func (s *Service) control(ctx context.Context, reportID string, pause bool) (*api.Envelope, error) {
	id, err := checkReportID(reportID)
	if err != nil {
		return nil, err
	}

	call, verb := s.backend.ResumeProcessing, "resume"
	if pause {
		call, verb = s.backend.PauseProcessing, "pause"
	}

	var env *api.Envelope
	err = s.retryWithBackoff(ctx, id, verb, func() error {
		var callErr error
		env, callErr = call(ctx, id)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return env, nil
	}

	if _, ok := s.store.Get(id); ok {
		_, _, err := s.store.Upsert(id, progress.Update{Paused: progress.Ptr(pause)})
		if err != nil && !errors.Is(err, progress.ErrTerminalState) {
			s.log.WithError(err).WithField(logger.FieldJobID, id).Warn("Could not record pause state")
		}
	}
	return env, nil
}

// retryWithBackoff retries op with a quadratic backoff (500ms, 2s, ...).
// Only failures without a definitive answer from the backend are retried.
func (s *Service) retryWithBackoff(ctx context.Context, jobID, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				s.log.WithField(logger.FieldJobID, jobID).Infof("%s succeeded on retry %d/%d", op, attempt, s.attempts)
			}
			return nil
		}
		lastErr = err
		if !retryable(err) || attempt == s.attempts || ctx.Err() != nil {
			break
		}

		backoff := time.Duration(500*attempt*attempt) * time.Millisecond
		s.log.WithFields(logger.Fields{
			logger.FieldJobID:   jobID,
			logger.FieldAttempt: attempt,
		}).WithError(err).Warnf("%s failed, retrying in %v", op, backoff)
		s.sleep(backoff)
	}
	return lastErr
}

func retryable(err error) bool {
	if errors.Is(err, api.ErrTimeout) {
		return true
	}
	var re *api.RequestError
	if errors.As(err, &re) {
		return re.Status == 0 || re.Status >= 500
	}
	return false
}

// Reset forgets the local record of a job. It reports whether one existed.
func (s *Service) Reset(reportID string) bool {
	id := strings.TrimSpace(reportID)
	if id == "" {
		return false
	}
	return s.store.Clear(id)
}

// Validate checks a report id before an upload or asset creation and turns
// the backend answer into an operator message.
func (s *Service) Validate(ctx context.Context, reportID string, fileData interface{}, purpose Purpose) (*Validation, error) {
	id, err := checkReportID(reportID)
	if err != nil {
		return nil, err
	}

	res, err := s.backend.ValidateReport(ctx, id, fileData)
	if err != nil {
		if errors.Is(err, api.ErrBadRequest) {
			return &Validation{Status: api.ValidateNotFound, Message: msgReportMissing}, nil
		}
		return nil, err
	}
	return validationOf(res, purpose), nil
}

func validationOf(res *api.ValidateResult, purpose Purpose) *Validation {
	v := &Validation{Status: res.Status, AssetsExact: res.AssetsExact}
	switch res.Status {
	case api.ValidateSuccess:
		v.OK = true
	case api.ValidateNotFound:
		v.Message = msgReportMissing
	case api.ValidateMacrosExist:
		if purpose == PurposeCreateAssets {
			v.Message = msgNoMacrosAllowed
		} else {
			v.Message = fmt.Sprintf("Report Exist with  %d macros. Please use a different report ID.", res.AssetsExact)
		}
	default:
		v.Message = msgUnexpectedReply
	}
	return v
}

// GrabMacroIDs asks the backend to collect the macro ids of a report.
func (s *Service) GrabMacroIDs(ctx context.Context, reportID string, tabs int) (*api.Envelope, error) {
	id, err := checkReportID(reportID)
	if err != nil {
		return nil, err
	}
	if err := checkTabs(tabs); err != nil {
		return nil, err
	}
	return s.backend.GrabMacroIDs(ctx, id, tabs)
}

// CreateAssets validates that the report has no macros and then asks the
// backend to create macroCount assets on it.
func (s *Service) CreateAssets(ctx context.Context, reportID string, macroCount, tabs int) (*api.Envelope, *Validation, error) {
	id, err := checkReportID(reportID)
	if err != nil {
		return nil, nil, err
	}
	if macroCount < 1 {
		return nil, nil, &InputError{Message: msgInvalidMacros}
	}
	if err := checkTabs(tabs); err != nil {
		return nil, nil, err
	}

	v, err := s.Validate(ctx, id, nil, PurposeCreateAssets)
	if err != nil {
		return nil, nil, err
	}
	if !v.OK {
		return nil, v, nil
	}

	s.log.WithFields(logger.Fields{logger.FieldJobID: id, "macros": macroCount}).Info("Creating assets")
	env, err := s.backend.CreateAssets(ctx, id, macroCount, tabs)
	return env, v, err
}

// Delete runs one of the delete flows. Deleting a report or its assets also
// drops the local progress record.
func (s *Service) Delete(ctx context.Context, reportID string, kind DeleteKind) (*api.Envelope, error) {
	id, err := checkReportID(reportID)
	if err != nil {
		return nil, err
	}

	var env *api.Envelope
	switch kind {
	case DeleteReport:
		env, err = s.backend.DeleteReport(ctx, id)
	case DeleteAssets:
		env, err = s.backend.DeleteAssets(ctx, id)
	case ChangeReportStatus:
		env, err = s.backend.ChangeReportStatus(ctx, id)
	default:
		return nil, &InputError{Message: fmt.Sprintf("Unknown delete action %q", kind)}
	}
	if err != nil {
		return nil, err
	}

	if env.Success && kind != ChangeReportStatus {
		s.store.Clear(id)
	}
	return env, nil
}
