package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"taqeem-console/internal/api"
	"taqeem-console/internal/config"
	"taqeem-console/internal/logger"
	"taqeem-console/internal/services/submission"
)

const (
	ExitOK         = 0
	ExitCLIError   = 1
	ExitJobFailed  = 2
	ExitBackend    = 3
	ExitNotFound   = 4
	ExitBadRequest = 5
)

// ExitError wraps an error with a process exit code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

type ctxKey string

const envKey ctxKey = "env"

// env is what every subcommand gets after the persistent pre-run.
type env struct {
	cfg *config.Config
	log *logger.Logger
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:               "taqeemctl",
		Short:             "Drive and watch Taqeem macro jobs",
		Long:              "taqeemctl submits macro jobs to the Taqeem automation backend and follows their progress live over the event channel.",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: loadEnv,
	}

	bindGlobalFlags(root.PersistentFlags())

	root.AddCommand(newWatchCmd())
	root.AddCommand(newSubmitCmd())
	root.AddCommand(newRetryCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newPauseCmd())
	root.AddCommand(newResumeCmd())
	root.AddCommand(newResetCmd())
	root.AddCommand(newDeleteCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newGrabCmd())
	root.AddCommand(newCreateAssetsCmd())
	root.AddCommand(newLoginCmd())
	root.AddCommand(newOTPCmd())
	root.AddCommand(newCompaniesCmd())
	root.AddCommand(newNavigateCmd())
	root.AddCommand(newProfileCmd())
	root.AddCommand(newScheduleCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newCompletionCmd())

	return root
}

func bindGlobalFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "Path to config file (default ./config.yaml)")
	fs.String("log-level", "", "Log level: debug, info, warn, error")
	fs.String("api-url", "", "Backend base URL")
	fs.Bool("no-ui", false, "Disable TUI; use plain textual output")
}

func loadEnv(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "completion" {
		return nil
	}
	cfg, err := config.Load(getPersistentString(cmd, "config", ""))
	if err != nil {
		return &ExitError{Code: ExitCLIError, Err: err}
	}
	if lvl := getPersistentString(cmd, "log-level", ""); lvl != "" {
		cfg.Log.Level = lvl
	}
	if u := getPersistentString(cmd, "api-url", ""); u != "" {
		cfg.API.BaseURL = u
		cfg.Transport.URL = u
	}

	lc := logger.DefaultConfig()
	lc.Level = cfg.Log.Level
	lc.Format = cfg.Log.Format
	lc.File = cfg.Log.File
	log := logger.New(lc)
	logger.SetDefault(log)

	ctx := context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, log: log})
	cmd.SetContext(log.WithContext(ctx))
	return nil
}

func envFrom(cmd *cobra.Command) *env {
	if e, ok := cmd.Context().Value(envKey).(*env); ok {
		return e
	}
	return &env{cfg: &config.Config{}, log: logger.GetDefault()}
}

// Execute runs the CLI with the provided context.
func Execute(ctx context.Context) error {
	root := newRootCmd()
	return root.ExecuteContext(ctx)
}

// exitFor maps a command error onto an exit code.
func exitFor(err error) error {
	if err == nil {
		return nil
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return err
	}
	code := ExitBackend
	switch {
	case errors.Is(err, submission.ErrInvalidInput), errors.Is(err, api.ErrBadRequest):
		code = ExitBadRequest
	case errors.Is(err, api.ErrNotFound):
		code = ExitNotFound
	}
	return &ExitError{Code: code, Err: err}
}

// Helpers
func getPersistentString(cmd *cobra.Command, name, def string) string {
	v, err := cmd.Flags().GetString(name)
	if err != nil || v == "" {
		return def
	}
	return v
}

func getPersistentBool(cmd *cobra.Command, name string, def bool) bool {
	v, err := cmd.Flags().GetBool(name)
	if err != nil {
		return def
	}
	return v
}
