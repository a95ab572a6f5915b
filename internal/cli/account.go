package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"cointracer/internal/core"
)

func readPassword(cmd *cobra.Command, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

type authFunc func(cmd *cobra.Command, email, password string) (core.Session, error)

func newAuthCommand(r *runner, use, short string, do authFunc) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   use + " <email>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readPassword(cmd, password)
			if err != nil {
				return err
			}
			s, err := do(cmd, args[0], pw)
			// A failed initial load still leaves the session established.
			if s.Token != "" {
				if serr := r.env.Session.Save(s.Token); serr != nil {
					return serr
				}
			}
			if err != nil {
				return err
			}
			return r.formatter(cmd).Success(newSessionView(s), func(w io.Writer) {
				fmt.Fprintf(w, "Logged in as %s\n", s.Email)
			})
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (read from stdin when omitted)")
	return cmd
}

func newRegisterCommand(r *runner) *cobra.Command {
	return newAuthCommand(r, "register", "Create an account and log in", func(cmd *cobra.Command, email, password string) (core.Session, error) {
		return r.env.App.Register(cmd.Context(), email, password)
	})
}

func newLoginCommand(r *runner) *cobra.Command {
	return newAuthCommand(r, "login", "Log in to an existing account", func(cmd *cobra.Command, email, password string) (core.Session, error) {
		return r.env.App.Login(cmd.Context(), email, password)
	})
}

func newLogoutCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r.env.App.Logout(cmd.Context())
			if err := r.env.Session.Clear(); err != nil {
				return err
			}
			return r.formatter(cmd).Success(map[string]bool{"logged_out": true}, func(w io.Writer) {
				fmt.Fprintln(w, "Logged out")
			})
		},
	}
}

func newWhoamiCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged in account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := r.session()
			if err != nil {
				return err
			}
			return r.formatter(cmd).Success(newSessionView(s), func(w io.Writer) {
				fmt.Fprintf(w, "%s\t(user %s)\n", s.Email, s.UserID)
				if !s.ExpiresAt.IsZero() {
					fmt.Fprintf(w, "expires\t%s\n", s.ExpiresAt.Local().Format("2006-01-02 15:04"))
				}
			})
		},
	}
}
