package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"taqeem-console/internal/api"
	"taqeem-console/internal/console"
	"taqeem-console/internal/logger"
	"taqeem-console/internal/services/submission"
)

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <report-id>",
		Short: "Start macro editing for a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMacroJob(cmd, args[0], false)
		},
	}
	bindJobFlags(cmd)
	return cmd
}

func newRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <report-id>",
		Short: "Retry macro editing for a report, resetting its progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMacroJob(cmd, args[0], true)
		},
	}
	bindJobFlags(cmd)
	return cmd
}

func bindJobFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("tabs", "t", 1, "Number of browser tabs")
	cmd.Flags().BoolP("watch", "w", false, "Follow progress until the job finishes")
}

// runMacroJob starts a submit or retry. With --watch the room is joined
// before the request so no early event is missed, and the request runs
// while progress is shown.
func runMacroJob(cmd *cobra.Command, reportID string, retry bool) error {
	e := envFrom(cmd)
	tabs, _ := cmd.Flags().GetInt("tabs")
	watch, _ := cmd.Flags().GetBool("watch")
	ctx := logger.SetJobID(cmd.Context(), reportID)

	con, err := openConsole(ctx, e, console.Options{Persist: true, Live: watch})
	if err != nil {
		return err
	}
	defer con.Close()

	start := con.Submission.SubmitMacro
	if retry {
		start = con.Submission.RetryMacro
	}

	if !watch {
		env, err := start(ctx, reportID, tabs)
		if err != nil {
			return exitFor(err)
		}
		return printEnvelope(cmd.OutOrStdout(), env)
	}

	ms, err := con.Follow(reportID)
	if err != nil {
		return &ExitError{Code: ExitCLIError, Err: err}
	}
	defer ms.Release()

	// input errors never reach the store, so they stop the view directly
	viewCtx, stopView := context.WithCancel(ctx)
	defer stopView()
	reqErr := make(chan error, 1)
	go func() {
		_, err := start(ctx, reportID, tabs)
		if errors.Is(err, submission.ErrInvalidInput) {
			stopView()
		}
		reqErr <- err
	}()

	if err := follow(viewCtx, cmd, con, []string{reportID}, true); err != nil {
		return err
	}
	select {
	case err := <-reqErr:
		if errors.Is(err, submission.ErrInvalidInput) {
			return exitFor(err)
		}
	default:
	}
	return nil
}

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <report-id>",
		Short: "Check macro status of a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tabs, _ := cmd.Flags().GetInt("tabs")
			half, _ := cmd.Flags().GetBool("half")
			mode := submission.CheckFull
			if half {
				mode = submission.CheckHalf
			}
			return withService(cmd, func(ctx context.Context, svc *submission.Service) error {
				env, err := svc.Check(ctx, args[0], tabs, mode)
				if err != nil {
					return err
				}
				return printEnvelope(cmd.OutOrStdout(), env)
			})
		},
	}
	cmd.Flags().IntP("tabs", "t", 1, "Number of browser tabs")
	cmd.Flags().Bool("half", false, "Only check macros not yet confirmed")
	return cmd
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <report-id>",
		Short: "Pause a running macro job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *submission.Service) error {
				env, err := svc.Pause(ctx, args[0])
				if err != nil {
					return err
				}
				return printEnvelope(cmd.OutOrStdout(), env)
			})
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <report-id>",
		Short: "Resume a paused macro job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *submission.Service) error {
				env, err := svc.Resume(ctx, args[0])
				if err != nil {
					return err
				}
				return printEnvelope(cmd.OutOrStdout(), env)
			})
		},
	}
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <report-id>",
		Short: "Forget the local progress of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(_ context.Context, svc *submission.Service) error {
				if !svc.Reset(args[0]) {
					return &ExitError{Code: ExitNotFound, Err: fmt.Errorf("no progress recorded for %s", args[0])}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Progress for %s cleared\n", args[0])
				return nil
			})
		},
	}
}

func newDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <report-id>",
		Short: "Delete a report, its assets, or reset its status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("kind")
			return withService(cmd, func(ctx context.Context, svc *submission.Service) error {
				env, err := svc.Delete(ctx, args[0], submission.DeleteKind(kind))
				if err != nil {
					return err
				}
				return printEnvelope(cmd.OutOrStdout(), env)
			})
		},
	}
	cmd.Flags().String("kind", string(submission.DeleteReport), "What to delete: report, assets, status")
	return cmd
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <report-id>",
		Short: "Check that a report exists and has no macros",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			forAssets, _ := cmd.Flags().GetBool("for-assets")
			purpose := submission.PurposeUpload
			if forAssets {
				purpose = submission.PurposeCreateAssets
			}
			return withService(cmd, func(ctx context.Context, svc *submission.Service) error {
				v, err := svc.Validate(ctx, args[0], nil, purpose)
				if err != nil {
					return err
				}
				return reportValidation(cmd.OutOrStdout(), v)
			})
		},
	}
	cmd.Flags().Bool("for-assets", false, "Validate for asset creation instead of upload")
	return cmd
}

func newGrabCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grab <report-id>",
		Short: "Collect the macro ids of a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tabs, _ := cmd.Flags().GetInt("tabs")
			return withService(cmd, func(ctx context.Context, svc *submission.Service) error {
				env, err := svc.GrabMacroIDs(ctx, args[0], tabs)
				if err != nil {
					return err
				}
				return printEnvelope(cmd.OutOrStdout(), env)
			})
		},
	}
	cmd.Flags().IntP("tabs", "t", 1, "Number of browser tabs")
	return cmd
}

func newCreateAssetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-assets <report-id>",
		Short: "Create assets on a report without macros",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tabs, _ := cmd.Flags().GetInt("tabs")
			count, _ := cmd.Flags().GetInt("count")
			return withService(cmd, func(ctx context.Context, svc *submission.Service) error {
				env, v, err := svc.CreateAssets(ctx, args[0], count, tabs)
				if err != nil {
					return err
				}
				if env == nil {
					return reportValidation(cmd.OutOrStdout(), v)
				}
				return printEnvelope(cmd.OutOrStdout(), env)
			})
		},
	}
	cmd.Flags().IntP("tabs", "t", 3, "Number of browser tabs")
	cmd.Flags().IntP("count", "n", 1, "Number of assets to create")
	return cmd
}

// withService runs fn against a persisted console without a live channel.
func withService(cmd *cobra.Command, fn func(context.Context, *submission.Service) error) error {
	e := envFrom(cmd)
	ctx := cmd.Context()
	if len(cmd.Flags().Args()) > 0 {
		ctx = logger.SetJobID(ctx, cmd.Flags().Arg(0))
	}
	con, err := openConsole(ctx, e, console.Options{Persist: true})
	if err != nil {
		return err
	}
	defer con.Close()
	return exitFor(fn(ctx, con.Submission))
}

func reportValidation(w io.Writer, v *submission.Validation) error {
	if v.OK {
		fmt.Fprintf(w, "Report is valid (%s)\n", v.Status)
		return nil
	}
	code := ExitBadRequest
	if v.Status == api.ValidateNotFound {
		code = ExitNotFound
	}
	return &ExitError{Code: code, Err: errors.New(v.Message)}
}

// printEnvelope writes the message and data of a response. A rejected
// response becomes an error.
func printEnvelope(w io.Writer, env *api.Envelope) error {
	if env == nil {
		return nil
	}
	if !env.Success && env.Error != "" {
		return &ExitError{Code: ExitBackend, Err: errors.New(env.Error)}
	}
	if env.Message != "" {
		fmt.Fprintln(w, env.Message)
	}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		var buf bytes.Buffer
		if err := json.Indent(&buf, env.Data, "", "  "); err != nil {
			buf.Reset()
			buf.Write(env.Data)
		}
		fmt.Fprintln(w, buf.String())
	}
	if env.Message == "" && len(env.Data) == 0 {
		fmt.Fprintln(w, "OK")
	}
	return nil
}
