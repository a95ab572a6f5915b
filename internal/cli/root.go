package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"cointracer/internal/backend"
	"cointracer/internal/core"
	"cointracer/internal/log"
	"cointracer/internal/tracker"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string // "json" | "text"
}

// Env is what a command runs against: the application core and the file
// holding the session token between invocations.
type Env struct {
	App     *tracker.App
	Session SessionFile
	Logger  *log.Logger
	closers []func() error
}

// NewEnv bundles app with the cleanup functions of the resources behind it.
func NewEnv(app *tracker.App, session SessionFile, logger *log.Logger, closers ...func() error) *Env {
	if logger == nil {
		logger = log.Discard()
	}
	return &Env{App: app, Session: session, Logger: logger, closers: closers}
}

// Close detaches the app and releases the backend.
func (e *Env) Close() error {
	e.App.Close()
	var errs []error
	for _, c := range e.closers {
		if c == nil {
			continue
		}
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Opener builds the Env for one invocation.
type Opener func(ctx context.Context) (*Env, error)

// DefaultOpener builds the Env from the environment and .env file.
func DefaultOpener(ctx context.Context) (*Env, error) {
	LoadEnvFile()
	logger := SetupLogger(os.Getenv("LOG_LEVEL"), nil).With(log.FieldTraceID, log.TraceID(ctx))
	cfg, err := LoadAndValidateConfig(logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	factory := backend.NewFactory(logger)
	res, err := factory.CreateBackend(ctx, bcfg)
	if err != nil {
		return nil, err
	}
	fwd, err := factory.CreateForwarder(ctx, bcfg)
	if err != nil {
		_ = res.Cleanup()
		return nil, err
	}

	app := tracker.New(res.Service, tracker.Options{
		RemovalPolicy:     cfg.RemovalPolicy(),
		HistoryPageSize:   cfg.HistoryPageSize,
		MinPasswordLength: cfg.MinPasswordLength,
	}, logger)
	if fwd.Forwarder != nil {
		app.UseForwarder(fwd.Forwarder)
	}
	return NewEnv(app, SessionFile{Path: cfg.SessionFile}, logger, fwd.Cleanup, res.Cleanup), nil
}

// runner carries the state shared by the commands of one invocation.
type runner struct {
	opts *RootOptions
	open Opener
	env  *Env
}

func (r *runner) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: r.opts.Format, Writer: cmd.OutOrStdout()}
}

// setup opens the Env and resumes the stored session, if any.
func (r *runner) setup(cmd *cobra.Command) error {
	if r.env != nil {
		return nil
	}
	ctx := cmd.Context()
	env, err := r.open(ctx)
	if err != nil {
		return err
	}
	r.env = env

	token, err := env.Session.Load()
	if err != nil {
		return err
	}
	if token == "" {
		return nil
	}
	if _, err := env.App.Restore(ctx, token); err != nil {
		if core.NeedsReauth(err) {
			env.Logger.InfoContext(ctx, "Stored session is no longer valid", log.FieldError, err)
			return env.Session.Clear()
		}
		return fmt.Errorf("restore session: %w", err)
	}
	return nil
}

func (r *runner) close() {
	if r.env == nil {
		return
	}
	if err := r.env.Close(); err != nil {
		r.env.Logger.Warn("Cleanup failed", log.FieldError, err)
	}
	r.env = nil
}

// session returns the current session or ErrUnauthenticated.
func (r *runner) session() (core.Session, error) {
	s, ok := r.env.App.Current()
	if !ok {
		return core.Session{}, core.ErrUnauthenticated
	}
	return s, nil
}

// NewRootCommand creates the root command. Commands run against the Env
// returned by open.
func NewRootCommand(open Opener) *cobra.Command {
	cmd, _ := newRoot(open)
	return cmd
}

func newRoot(open Opener) (*cobra.Command, *runner) {
	r := &runner{opts: &RootOptions{}, open: open}

	cmd := &cobra.Command{
		Use:           "cointracer",
		Short:         "Coin Tracer - personal expenses against category budgets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, r.opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", r.opts.Format, ValidFormats))
			}
			return r.setup(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&r.opts.Format, "format", "text", "output format (json|text)")
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	})

	cmd.AddCommand(newRegisterCommand(r))
	cmd.AddCommand(newLoginCommand(r))
	cmd.AddCommand(newLogoutCommand(r))
	cmd.AddCommand(newWhoamiCommand(r))
	cmd.AddCommand(newCategoryCommand(r))
	cmd.AddCommand(newExpenseCommand(r))
	cmd.AddCommand(newSummaryCommand(r))

	return cmd, r
}

// Main runs the CLI with args and returns the process exit code.
func Main(ctx context.Context, args []string, open Opener, stdout, stderr io.Writer) int {
	ctx = log.WithTraceID(ctx, log.NewTraceID())
	cmd, r := newRoot(open)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	r.close()
	if err == nil {
		return ExitSuccess
	}
	f := &OutputFormatter{Format: r.opts.Format, Writer: stderr}
	if f.Format == "json" {
		f.Writer = stdout
	}
	_ = f.Error(err)
	return GetExitCode(err)
}
