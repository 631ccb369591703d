package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"taqeem-console/internal/console"
	"taqeem-console/internal/httpapi"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [report-ids...]",
		Short: "Serve the local progress API and run scheduled checks",
		Long:  "Keeps the event channel open, follows the given reports, exposes progress over HTTP with a server-sent event stream per job, and runs enabled scheduled checks until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e := envFrom(cmd)
			ctx := cmd.Context()
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				e.cfg.Server.Addr = addr
			}

			con, err := openConsole(ctx, e, console.Options{Persist: true, Live: true})
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

			sched, err := con.Scheduler(ctx)
			if err != nil {
				return &ExitError{Code: ExitCLIError, Err: err}
			}
			if err := sched.Start(); err != nil {
				return &ExitError{Code: ExitCLIError, Err: err}
			}
			defer sched.Stop()

			router := httpapi.SetupRouter(httpapi.Deps{
				Store:   con.Store,
				Conn:    con.Channel,
				Rooms:   con.Rooms,
				Events:  con.Router,
				Log:     e.log,
				Origins: e.cfg.Server.AllowedOrigins,
			}, e.cfg.Server.Mode)

			srv := &http.Server{
				Addr:    e.cfg.Server.Addr,
				Handler: router,
			}

			serveErr := make(chan error, 1)
			go func() {
				e.log.WithField("addr", srv.Addr).Info("Starting progress API server")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case err := <-serveErr:
				if err != nil {
					return &ExitError{Code: ExitCLIError, Err: err}
				}
				return nil
			case <-ctx.Done():
			}

			e.log.Info("Shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return &ExitError{Code: ExitCLIError, Err: err}
			}
			e.log.Info("Server exited")
			return nil
		},
	}
	cmd.Flags().String("addr", "", "Listen address (default from config server.addr)")
	return cmd
}
