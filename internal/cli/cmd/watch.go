package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"taqeem-console/internal/console"
	"taqeem-console/internal/progress"
	"taqeem-console/internal/ui"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [report-ids...]",
		Short: "Follow live progress of macro jobs",
		Long:  "Joins the progress room of each report and shows its progress until every job finishes. Without ids, every job known locally or seen on the channel is shown until you quit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e := envFrom(cmd)
			exitOnDone, _ := cmd.Flags().GetBool("exit-on-done")
			if !cmd.Flags().Changed("exit-on-done") {
				exitOnDone = len(args) > 0
			}

			con, err := openConsole(cmd.Context(), e, console.Options{Persist: true, Live: true})
			if err != nil {
				return err
			}
			defer con.Close()

			for _, id := range args {
				ms, err := con.Follow(id)
				if err != nil {
					return &ExitError{Code: ExitCLIError, Err: err}
				}
				defer ms.Release()
			}

			return follow(cmd.Context(), cmd, con, args, exitOnDone)
		},
	}
	cmd.Flags().Bool("exit-on-done", false, "Exit once every followed job finished (default when ids are given)")
	return cmd
}

// openConsole builds and starts a console for one command invocation.
func openConsole(ctx context.Context, e *env, opts console.Options) (*console.Console, error) {
	con, err := console.New(e.cfg, e.log, opts)
	if err != nil {
		return nil, &ExitError{Code: ExitCLIError, Err: err}
	}
	if err := con.Start(ctx); err != nil {
		con.Close()
		return nil, &ExitError{Code: ExitBackend, Err: err}
	}
	return con, nil
}

// follow renders progress with the TUI when stdout is a terminal, and as
// plain lines otherwise.
func follow(ctx context.Context, cmd *cobra.Command, con *console.Console, ids []string, exitOnDone bool) error {
	var err error
	if !getPersistentBool(cmd, "no-ui", false) && isTerminal() {
		var states ui.StateSource
		connected := false
		if con.Channel != nil {
			states = con.Channel
			connected = con.Channel.IsConnected()
		}
		err = ui.Run(ctx, con.Store, states, ui.Options{JobIDs: ids, ExitOnDone: exitOnDone, Connected: connected})
	} else {
		err = plainFollow(ctx, cmd.OutOrStdout(), con.Store, ids, exitOnDone)
	}
	if err != nil {
		return &ExitError{Code: ExitJobFailed, Err: err}
	}
	return nil
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// plainFollow prints one line per change of a followed job. It returns an
// error listing failed jobs once it stops.
func plainFollow(ctx context.Context, w io.Writer, src ui.Source, ids []string, exitOnDone bool) error {
	followed := make(map[string]bool, len(ids))
	for _, id := range ids {
		followed[id] = true
	}
	wanted := func(id string) bool { return len(followed) == 0 || followed[id] }

	changes := make(chan progress.Change, 256)
	cancel := src.Watch(func(ch progress.Change) {
		select {
		case changes <- ch:
		case <-ctx.Done():
		}
	})
	defer cancel()

	latest := make(map[string]progress.Record)
	for _, id := range src.JobIDs() {
		if !wanted(id) {
			continue
		}
		if rec, ok := src.Get(id); ok {
			latest[id] = rec
			fmt.Fprintln(w, ui.PlainLine(rec))
		}
	}

	done := func() bool {
		if !exitOnDone || len(followed) == 0 {
			return false
		}
		for id := range followed {
			rec, ok := latest[id]
			if !ok || !rec.Status.Terminal() {
				return false
			}
		}
		return true
	}

	for !done() {
		select {
		case <-ctx.Done():
			return jobFailures(latest)
		case ch := <-changes:
			if !wanted(ch.JobID) {
				continue
			}
			if ch.Kind == progress.ChangeCleared {
				delete(latest, ch.JobID)
				fmt.Fprintf(w, "[%s] cleared\n", ch.JobID)
				continue
			}
			latest[ch.JobID] = ch.Record
			fmt.Fprintln(w, ui.PlainLine(ch.Record))
		}
	}
	return jobFailures(latest)
}

func jobFailures(latest map[string]progress.Record) error {
	var failed []string
	for id, rec := range latest {
		if rec.Status == progress.StatusFailed {
			failed = append(failed, fmt.Sprintf("- %s: %s", id, rec.Message))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	sort.Strings(failed)
	return fmt.Errorf("%d job(s) failed:\n%s", len(failed), strings.Join(failed, "\n"))
}
