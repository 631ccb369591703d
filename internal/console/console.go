// Package console assembles the progress pipeline: REST client, event
// channel, router, room memberships, progress store and its persistence.
package console

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"gorm.io/gorm"

	"taqeem-console/internal/api"
	"taqeem-console/internal/config"
	"taqeem-console/internal/crypto"
	"taqeem-console/internal/database"
	"taqeem-console/internal/events"
	"taqeem-console/internal/logger"
	"taqeem-console/internal/progress"
	"taqeem-console/internal/rooms"
	"taqeem-console/internal/services/profiles"
	"taqeem-console/internal/services/scheduler"
	"taqeem-console/internal/services/submission"
	"taqeem-console/internal/transport"
)

// Options selects which parts of the console are started.
type Options struct {
	// Persist opens the database, rehydrates the store and records changes.
	Persist bool
	// Live connects the event channel and routes inbound events.
	Live bool
}

// Console owns every long-lived component. All views share Store.
type Console struct {
	Config *config.Config
	Log    *logger.Logger

	API        *api.Client
	Store      *progress.Store
	Submission *submission.Service

	DB       *gorm.DB
	Recorder *progress.Recorder

	Channel *transport.Channel
	Router  *events.Router
	Rooms   *rooms.Manager

	stopRecorder func()
	detachRouter func()

	profilesOnce sync.Once
	profiles     *profiles.Service
	profilesErr  error
}

// New builds a console from cfg. Nothing connects until Start.
func New(cfg *config.Config, log *logger.Logger, opts Options) (*Console, error) {
	log = logger.OrDefault(log)
	c := &Console{Config: cfg, Log: log}

	c.API = api.NewClient(api.Options{
		BaseURL:    cfg.API.BaseURL,
		Timeout:    cfg.API.Timeout,
		RetryCount: cfg.API.RetryCount,
		Log:        log,
	})
	c.Store = progress.NewStore(log)
	c.Submission = submission.NewService(c.API, c.Store, log)

	if opts.Persist {
		db, err := database.Open(database.Options{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, log)
		if err != nil {
			return nil, err
		}
		c.DB = db
		c.Recorder = progress.NewRecorder(db, log)
	}

	if opts.Live {
		ch, err := transport.NewChannel(transport.Options{
			URL:         cfg.Transport.URL,
			Path:        cfg.Transport.Path,
			RetryDelay:  cfg.Transport.RetryDelay,
			MaxAttempts: cfg.Transport.MaxAttempts,
			MaxBackoff:  cfg.Transport.MaxBackoff,
		}, log)
		if err != nil {
			c.closeDB()
			return nil, err
		}
		c.Channel = ch
		c.Router = events.NewRouter(c.Store, log)
		c.Rooms = rooms.NewManager(ch, log, cfg.Rooms.ConfirmWarnAfter)
	}
	return c, nil
}

// Start rehydrates persisted progress, starts recording and connects the
// event channel. The channel connects in the background.
func (c *Console) Start(ctx context.Context) error {
	if c.Recorder != nil {
		if _, err := c.Recorder.Rehydrate(c.Store); err != nil {
			c.Log.WithError(err).Warn("Could not restore saved progress")
		}
		c.stopRecorder = c.Recorder.Start(c.Store)
	}
	if c.Channel != nil {
		c.detachRouter = c.Router.Attach(c.Channel)
		if err := c.Channel.Connect(ctx); err != nil {
			return fmt.Errorf("connect event channel: %w", err)
		}
	}
	return nil
}

// Follow joins the progress room of jobID. It fails when the console was
// built without a live channel.
func (c *Console) Follow(jobID string) (*rooms.Membership, error) {
	if c.Rooms == nil {
		return nil, errors.New("console: event channel not enabled")
	}
	return c.Rooms.Join(jobID)
}

// Profiles returns the saved-login service, opening the vault on first use.
func (c *Console) Profiles() (*profiles.Service, error) {
	c.profilesOnce.Do(func() {
		if c.DB == nil {
			c.profilesErr = errors.New("console: database not enabled")
			return
		}
		vault, err := crypto.OpenVault(os.Getenv(crypto.EnvKey), c.Log)
		if err != nil {
			c.profilesErr = err
			return
		}
		c.profiles = profiles.NewService(c.DB, vault, c.Log)
	})
	return c.profiles, c.profilesErr
}

// Scheduler returns a scheduler running checks through the submission
// service. The caller starts and stops it.
func (c *Console) Scheduler(ctx context.Context) (*scheduler.Service, error) {
	if c.DB == nil {
		return nil, errors.New("console: database not enabled")
	}
	return scheduler.NewService(ctx, c.DB, c.Submission, c.Log), nil
}

// Close shuts everything down in reverse order. Pending progress writes are
// flushed before the database closes.
func (c *Console) Close() error {
	if c.Rooms != nil {
		c.Rooms.Close()
	}
	if c.detachRouter != nil {
		c.detachRouter()
	}
	var errs []error
	if c.Channel != nil {
		errs = append(errs, c.Channel.Close())
	}
	if c.stopRecorder != nil {
		c.stopRecorder()
	}
	errs = append(errs, c.closeDB())
	return errors.Join(errs...)
}

func (c *Console) closeDB() error {
	if c.DB == nil {
		return nil
	}
	err := database.Close(c.DB)
	c.DB = nil
	return err
}
