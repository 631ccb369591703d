package main

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"taqeem-console/internal/api"
	"taqeem-console/internal/config"
	"taqeem-console/internal/console"
	"taqeem-console/internal/logger"
	"taqeem-console/internal/models"
	"taqeem-console/internal/progress"
	"taqeem-console/internal/rooms"
	"taqeem-console/internal/services/profiles"
	"taqeem-console/internal/services/scheduler"
	"taqeem-console/internal/services/submission"
	"taqeem-console/internal/transport"
)

// App struct - main application state
type App struct {
	ctx context.Context
	log *logger.Logger
	con *console.Console

	schedulerService *scheduler.Service
	stopEmit         func()
	stopState        func()

	// emit is runtime.EventsEmit outside tests
	emit func(ctx context.Context, name string, data ...interface{})

	followMu  sync.Mutex
	following map[string]*rooms.Membership
}

// NewApp creates a new App application struct
func NewApp() *App {
	return &App{
		emit:      runtime.EventsEmit,
		following: make(map[string]*rooms.Membership),
	}
}

// startup is called when the app starts. The context is saved
// so we can call the runtime methods
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	cfg, err := config.Load("")
	if err != nil {
		logger.GetDefault().WithError(err).Fatal("Failed to load configuration")
	}
	lc := logger.DefaultConfig()
	lc.Level = cfg.Log.Level
	lc.Format = cfg.Log.Format
	lc.File = cfg.Log.File
	a.log = logger.New(lc).Component("desktop")
	logger.SetDefault(a.log)
	a.log.Info("Application starting up...")

	a.con, err = console.New(cfg, a.log, console.Options{Persist: true, Live: true})
	if err != nil {
		a.log.WithError(err).Fatal("Failed to initialize console")
	}

	if err := a.attach(ctx); err != nil {
		a.log.WithError(err).Warn("Event channel unavailable, progress will not update live")
	}

	a.schedulerService, err = a.con.Scheduler(ctx)
	if err == nil {
		err = a.schedulerService.Start()
	}
	if err != nil {
		a.log.WithError(err).Warn("Failed to start scheduler")
	}

	a.log.Info("Startup complete")
}

// attach subscribes the frontend to store and connection changes, then
// starts the console so the first rehydrated record and the first
// connection state are not missed.
func (a *App) attach(ctx context.Context) error {
	a.stopEmit = a.con.Store.Watch(a.publish)
	if a.con.Channel != nil {
		a.stopState = a.con.Channel.OnState(func(transport.State) {
			a.emit(a.ctx, "connection", a.GetConnectionStatus())
		})
	}
	return a.con.Start(ctx)
}

// shutdown is called when the app is closing
func (a *App) shutdown(ctx context.Context) {
	a.log.Info("Application shutting down...")

	if a.schedulerService != nil {
		a.schedulerService.Stop()
	}
	if a.stopEmit != nil {
		a.stopEmit()
	}
	if a.stopState != nil {
		a.stopState()
	}

	a.followMu.Lock()
	for id, ms := range a.following {
		ms.Release()
		delete(a.following, id)
	}
	a.followMu.Unlock()

	if err := a.con.Close(); err != nil {
		a.log.WithError(err).Warn("Error closing console")
	}
	a.log.Info("Shutdown complete")
}

// publish forwards a store change to the frontend as "progress:<jobId>".
func (a *App) publish(ch progress.Change) {
	if a.ctx == nil {
		return
	}
	if ch.Kind == progress.ChangeCleared {
		a.emit(a.ctx, "progress:"+ch.JobID, map[string]interface{}{"jobId": ch.JobID, "removed": true})
		return
	}
	a.emit(a.ctx, "progress:"+ch.JobID, ch.Record)
}

// ====================================================================================
// WAILS-BOUND METHODS - Exposed to Frontend
// ====================================================================================

// Progress

// ListProgress returns every known progress record sorted by job id
func (a *App) ListProgress() []progress.Record {
	snap := a.con.Store.Snapshot()
	out := make([]progress.Record, 0, len(snap))
	for _, rec := range snap {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// GetProgress returns the record of one job, or nil
func (a *App) GetProgress(jobID string) *progress.Record {
	rec, ok := a.con.Store.Get(jobID)
	if !ok {
		return nil
	}
	return &rec
}

// FollowJob joins the progress room of a job. Following twice is a no-op.
func (a *App) FollowJob(jobID string) error {
	a.followMu.Lock()
	defer a.followMu.Unlock()
	if _, ok := a.following[jobID]; ok {
		return nil
	}
	ms, err := a.con.Follow(jobID)
	if err != nil {
		return err
	}
	a.following[jobID] = ms
	return nil
}

// UnfollowJob leaves the progress room of a job
func (a *App) UnfollowJob(jobID string) {
	a.followMu.Lock()
	ms, ok := a.following[jobID]
	delete(a.following, jobID)
	a.followMu.Unlock()
	if ok {
		ms.Release()
	}
}

// ConnectionStatus is the event channel state shown in the header.
type ConnectionStatus struct {
	Connected bool     `json:"isConnected"`
	SessionID string   `json:"sessionId"`
	SocketID  string   `json:"socketId,omitempty"`
	Rooms     []string `json:"rooms"`
}

// GetConnectionStatus reports the event channel state
func (a *App) GetConnectionStatus() ConnectionStatus {
	return ConnectionStatus{
		Connected: a.con.Channel.IsConnected(),
		SessionID: a.con.Channel.SessionID(),
		SocketID:  a.con.Channel.SocketID(),
		Rooms:     a.con.Rooms.Active(),
	}
}

// Macro jobs

// SubmitMacro follows the job and starts macro editing
func (a *App) SubmitMacro(reportID string, tabs int) (*api.Envelope, error) {
	if err := a.FollowJob(reportID); err != nil {
		a.log.WithError(err).Warn("Could not join progress room")
	}
	return a.con.Submission.SubmitMacro(a.ctx, reportID, tabs)
}

// RetryMacro follows the job and restarts macro editing
func (a *App) RetryMacro(reportID string, tabs int) (*api.Envelope, error) {
	if err := a.FollowJob(reportID); err != nil {
		a.log.WithError(err).Warn("Could not join progress room")
	}
	return a.con.Submission.RetryMacro(a.ctx, reportID, tabs)
}

// CheckMacroStatus runs a full or half status check
func (a *App) CheckMacroStatus(reportID string, tabs int, half bool) (*api.Envelope, error) {
	mode := submission.CheckFull
	if half {
		mode = submission.CheckHalf
	}
	return a.con.Submission.Check(a.ctx, reportID, tabs, mode)
}

// PauseProcessing pauses a running job
func (a *App) PauseProcessing(reportID string) (*api.Envelope, error) {
	return a.con.Submission.Pause(a.ctx, reportID)
}

// ResumeProcessing resumes a paused job
func (a *App) ResumeProcessing(reportID string) (*api.Envelope, error) {
	return a.con.Submission.Resume(a.ctx, reportID)
}

// ResetProgress forgets the local record of a job
func (a *App) ResetProgress(reportID string) bool {
	return a.con.Submission.Reset(reportID)
}

// ValidateReport checks a report id before upload, or before asset
// creation when forAssets is set
func (a *App) ValidateReport(reportID string, forAssets bool) (*submission.Validation, error) {
	purpose := submission.PurposeUpload
	if forAssets {
		purpose = submission.PurposeCreateAssets
	}
	return a.con.Submission.Validate(a.ctx, reportID, nil, purpose)
}

// CreateAssetsResponse pairs the validation with the backend answer.
type CreateAssetsResponse struct {
	Validation *submission.Validation `json:"validation"`
	Result     *api.Envelope          `json:"result,omitempty"`
}

// CreateAssets creates assets on a report without macros
func (a *App) CreateAssets(reportID string, macroCount, tabs int) (*CreateAssetsResponse, error) {
	env, v, err := a.con.Submission.CreateAssets(a.ctx, reportID, macroCount, tabs)
	if err != nil {
		return nil, err
	}
	return &CreateAssetsResponse{Validation: v, Result: env}, nil
}

// GrabMacroIDs collects the macro ids of a report
func (a *App) GrabMacroIDs(reportID string, tabs int) (*api.Envelope, error) {
	return a.con.Submission.GrabMacroIDs(a.ctx, reportID, tabs)
}

// DeleteReport runs a delete flow; kind is report, assets or status
func (a *App) DeleteReport(reportID, kind string) (*api.Envelope, error) {
	return a.con.Submission.Delete(a.ctx, reportID, submission.DeleteKind(kind))
}

// Session

// Login starts a backend browser session with explicit credentials
func (a *App) Login(email, password, method string) (*api.LoginResult, error) {
	return a.con.API.Login(a.ctx, email, password, method)
}

// LoginWithProfile starts a session with a saved profile
func (a *App) LoginWithProfile(name string) (*api.LoginResult, error) {
	svc, err := a.con.Profiles()
	if err != nil {
		return nil, err
	}
	creds, err := svc.Credentials(name)
	if err != nil {
		return nil, err
	}
	return a.con.API.Login(a.ctx, creds.Email, creds.Password, creds.OTPMethod)
}

// SubmitOTP completes a login that required a one-time password
func (a *App) SubmitOTP(otp string) (*api.Envelope, error) {
	return a.con.API.SubmitOTP(a.ctx, otp)
}

// ListCompanies lists the operator's companies
func (a *App) ListCompanies() ([]api.Company, error) {
	return a.con.API.Companies(a.ctx)
}

// NavigateCompany switches the backend browser to a company
func (a *App) NavigateCompany(url string) error {
	return a.con.API.NavigateCompany(a.ctx, url)
}

// Profile Management Methods

// ListProfiles returns all saved logins; passwords stay encrypted
func (a *App) ListProfiles() ([]models.OperatorProfile, error) {
	svc, err := a.con.Profiles()
	if err != nil {
		return nil, err
	}
	return svc.List()
}

// SaveProfile creates or updates a saved login
func (a *App) SaveProfile(req profiles.SaveRequest) error {
	svc, err := a.con.Profiles()
	if err != nil {
		return err
	}
	_, err = svc.Save(req)
	return err
}

// DeleteProfile removes a saved login
func (a *App) DeleteProfile(name string) error {
	svc, err := a.con.Profiles()
	if err != nil {
		return err
	}
	return svc.Delete(name)
}

// Scheduled checks

var errSchedulerUnavailable = errors.New("scheduler is not running")

// ListScheduledChecks retrieves all scheduled checks
func (a *App) ListScheduledChecks() ([]scheduler.CheckListResponse, error) {
	if a.schedulerService == nil {
		return nil, errSchedulerUnavailable
	}
	return a.schedulerService.List()
}

// UpsertScheduledCheck creates or updates a scheduled check
func (a *App) UpsertScheduledCheck(req scheduler.UpsertCheckRequest) (string, error) {
	if a.schedulerService == nil {
		return "", errSchedulerUnavailable
	}
	return a.schedulerService.Upsert(req)
}

// DeleteScheduledCheck removes a scheduled check
func (a *App) DeleteScheduledCheck(idOrName string) error {
	if a.schedulerService == nil {
		return errSchedulerUnavailable
	}
	return a.schedulerService.Delete(idOrName)
}

// RunScheduledCheck runs a scheduled check now
func (a *App) RunScheduledCheck(idOrName string) (*scheduler.CheckListResponse, error) {
	if a.schedulerService == nil {
		return nil, errSchedulerUnavailable
	}
	return a.schedulerService.RunNow(idOrName)
}
