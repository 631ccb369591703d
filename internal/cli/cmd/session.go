package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"taqeem-console/internal/console"
	"taqeem-console/internal/services/profiles"
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log the backend browser into Taqeem",
		Long:  "Logs in with --email/--password, or with the credentials saved under --profile. When the backend asks for a one-time password it is prompted for on a terminal, or can be sent later with 'taqeemctl otp'.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e := envFrom(cmd)
			con, err := openConsole(cmd.Context(), e, console.Options{Persist: true})
			if err != nil {
				return err
			}
			defer con.Close()

			email, _ := cmd.Flags().GetString("email")
			password, _ := cmd.Flags().GetString("password")
			method, _ := cmd.Flags().GetString("method")
			if name, _ := cmd.Flags().GetString("profile"); name != "" {
				svc, err := con.Profiles()
				if err != nil {
					return &ExitError{Code: ExitCLIError, Err: err}
				}
				creds, err := svc.Credentials(name)
				if err != nil {
					return profileExit(err)
				}
				email, password = creds.Email, creds.Password
				if method == "" {
					method = creds.OTPMethod
				}
			}
			if email == "" || password == "" {
				return &ExitError{Code: ExitCLIError, Err: errors.New("email and password are required (or use --profile)")}
			}

			res, err := con.API.Login(cmd.Context(), email, password, method)
			if err != nil {
				return exitFor(err)
			}
			if !res.Success && !res.RequiresOTP {
				msg := res.Error
				if msg == "" {
					msg = "Login failed"
				}
				return &ExitError{Code: ExitBackend, Err: errors.New(msg)}
			}
			if !res.RequiresOTP {
				fmt.Fprintln(cmd.OutOrStdout(), "Logged in")
				return nil
			}

			if !isTerminal() {
				fmt.Fprintln(cmd.OutOrStdout(), "One-time password required; send it with 'taqeemctl otp <code>'")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), "One-time password: ")
			otp, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil {
				return &ExitError{Code: ExitCLIError, Err: err}
			}
			env, err := con.API.SubmitOTP(cmd.Context(), strings.TrimSpace(otp))
			if err != nil {
				return exitFor(err)
			}
			return printEnvelope(cmd.OutOrStdout(), env)
		},
	}
	cmd.Flags().String("email", "", "Login email")
	cmd.Flags().String("password", "", "Login password")
	cmd.Flags().String("method", "", "One-time password channel")
	cmd.Flags().StringP("profile", "p", "", "Use a saved profile")
	return cmd
}

func newOTPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "otp <code>",
		Short: "Send the one-time password of a pending login",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := envFrom(cmd)
			con, err := openConsole(cmd.Context(), e, console.Options{})
			if err != nil {
				return err
			}
			defer con.Close()
			env, err := con.API.SubmitOTP(cmd.Context(), args[0])
			if err != nil {
				return exitFor(err)
			}
			return printEnvelope(cmd.OutOrStdout(), env)
		},
	}
}

func newCompaniesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "companies",
		Short: "List the companies of the logged-in operator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e := envFrom(cmd)
			con, err := openConsole(cmd.Context(), e, console.Options{})
			if err != nil {
				return err
			}
			defer con.Close()

			list, err := con.API.Companies(cmd.Context())
			if err != nil {
				return exitFor(err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tURL")
			for _, c := range list {
				fmt.Fprintf(tw, "%s\t%s\n", c.Name, c.URL)
			}
			return tw.Flush()
		},
	}
}

func newNavigateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "navigate <company-url>",
		Short: "Switch the backend browser to a company",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := envFrom(cmd)
			con, err := openConsole(cmd.Context(), e, console.Options{})
			if err != nil {
				return err
			}
			defer con.Close()
			if err := con.API.NavigateCompany(cmd.Context(), args[0]); err != nil {
				return exitFor(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Navigated")
			return nil
		},
	}
}

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage saved logins",
	}

	save := &cobra.Command{
		Use:   "save <name>",
		Short: "Save or update a login",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			method, _ := cmd.Flags().GetString("method")
			password, _ := cmd.Flags().GetString("password")
			if password == "" && isTerminal() {
				fmt.Fprint(cmd.OutOrStdout(), "Password (empty keeps the saved one): ")
				b, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(cmd.OutOrStdout())
				if err != nil {
					return &ExitError{Code: ExitCLIError, Err: err}
				}
				password = string(b)
			}
			return withProfiles(cmd, func(svc *profiles.Service) error {
				p, err := svc.Save(profiles.SaveRequest{Name: args[0], Email: email, Password: password, OTPMethod: method})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved profile %s\n", p.Name)
				return nil
			})
		},
	}
	save.Flags().String("email", "", "Login email")
	save.Flags().String("password", "", "Login password (prompted when omitted)")
	save.Flags().String("method", "", "One-time password channel")

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved logins",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withProfiles(cmd, func(svc *profiles.Service) error {
				all, err := svc.List()
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tEMAIL\tOTP")
				for _, p := range all {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Name, p.Email, p.OTPMethod)
				}
				return tw.Flush()
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a saved login",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProfiles(cmd, func(svc *profiles.Service) error {
				return svc.Delete(args[0])
			})
		},
	}

	cmd.AddCommand(save, list, del)
	return cmd
}

func withProfiles(cmd *cobra.Command, fn func(*profiles.Service) error) error {
	e := envFrom(cmd)
	con, err := openConsole(cmd.Context(), e, console.Options{Persist: true})
	if err != nil {
		return err
	}
	defer con.Close()
	svc, err := con.Profiles()
	if err != nil {
		return &ExitError{Code: ExitCLIError, Err: err}
	}
	return profileExit(fn(svc))
}

func profileExit(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, profiles.ErrNotFound):
		return &ExitError{Code: ExitNotFound, Err: err}
	case errors.Is(err, profiles.ErrInvalidInput):
		return &ExitError{Code: ExitBadRequest, Err: err}
	}
	return &ExitError{Code: ExitCLIError, Err: err}
}
