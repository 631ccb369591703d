package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"taqeem-console/internal/console"
	"taqeem-console/internal/services/scheduler"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage recurring macro status checks",
		Long:  "Scheduled checks run while 'taqeemctl serve' or the desktop app is running.",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List scheduled checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withScheduler(cmd, func(svc *scheduler.Service) error {
				checks, err := svc.List()
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tREPORT\tMODE\tCRON\tTZ\tENABLED\tNEXT RUN\tLAST ERROR")
				for _, c := range checks {
					next := "-"
					if c.NextRun != nil {
						next = *c.NextRun
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
						c.Name, c.ReportID, c.Mode, c.Cron, c.Timezone, c.Enabled, next, c.LastError)
				}
				return tw.Flush()
			})
		},
	}

	add := &cobra.Command{
		Use:   "add <name> <report-id> <cron>",
		Short: "Create or update a scheduled check",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			tabs, _ := cmd.Flags().GetInt("tabs")
			mode, _ := cmd.Flags().GetString("mode")
			tz, _ := cmd.Flags().GetString("timezone")
			disabled, _ := cmd.Flags().GetBool("disabled")
			return withScheduler(cmd, func(svc *scheduler.Service) error {
				id, err := svc.Upsert(scheduler.UpsertCheckRequest{
					Name:     args[0],
					ReportID: args[1],
					Cron:     args[2],
					TabsNum:  tabs,
					Mode:     mode,
					Timezone: tz,
					Enabled:  !disabled,
				})
				if err != nil {
					return &ExitError{Code: ExitBadRequest, Err: err}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved check %s (%s)\n", args[0], id)
				return nil
			})
		},
	}
	add.Flags().IntP("tabs", "t", 1, "Number of browser tabs")
	add.Flags().String("mode", "full", "Check mode: full or half")
	add.Flags().String("timezone", "UTC", "IANA timezone of the cron expression")
	add.Flags().Bool("disabled", false, "Save without scheduling")

	del := &cobra.Command{
		Use:   "delete <name-or-id>",
		Short: "Delete a scheduled check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScheduler(cmd, func(svc *scheduler.Service) error {
				return svc.Delete(args[0])
			})
		},
	}

	run := &cobra.Command{
		Use:   "run <name-or-id>",
		Short: "Run a scheduled check now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScheduler(cmd, func(svc *scheduler.Service) error {
				res, err := svc.RunNow(args[0])
				if err != nil {
					return err
				}
				if res.LastError != "" {
					return &ExitError{Code: ExitBackend, Err: errors.New(res.LastError)}
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.LastResult)
				return nil
			})
		},
	}

	cmd.AddCommand(list, add, del, run)
	return cmd
}

// withScheduler runs fn against a scheduler whose cron loop is not started;
// the command only edits or runs checks.
func withScheduler(cmd *cobra.Command, fn func(*scheduler.Service) error) error {
	e := envFrom(cmd)
	con, err := openConsole(cmd.Context(), e, console.Options{Persist: true})
	if err != nil {
		return err
	}
	defer con.Close()

	svc, err := con.Scheduler(cmd.Context())
	if err != nil {
		return &ExitError{Code: ExitCLIError, Err: err}
	}
	err = fn(svc)
	if errors.Is(err, scheduler.ErrNotFound) {
		return &ExitError{Code: ExitNotFound, Err: err}
	}
	return exitFor(err)
}
