// Package tracker wires the session manager, the stores and the aggregation
// view into the application core used by the front-ends.
package tracker

import (
	"context"
	"fmt"
	"iter"
	"time"

	"golang.org/x/sync/errgroup"

	"cointracer/internal/aggregate"
	"cointracer/internal/core"
	"cointracer/internal/events"
	"cointracer/internal/log"
	"cointracer/internal/remote"
	"cointracer/internal/session"
	"cointracer/internal/store"
)

type Options struct {
	RemovalPolicy     store.RemovalPolicy
	HistoryPageSize   int
	MinPasswordLength int
	Now               func() time.Time
}

// Forwarder ships applied changes to an external sink.
type Forwarder interface {
	Forward(ctx context.Context, e events.Event) error
}

type App struct {
	logger   *log.Logger
	sessions *session.Manager
	bus      *events.Bus
	catalog  *store.Catalog
	history  *store.History
	view     *aggregate.View

	closers []func()
}

func New(svc remote.Service, opts Options, logger *log.Logger) *App {
	if logger == nil {
		logger = log.Discard()
	}
	bus := events.NewBus(logger)
	sessions := session.NewManager(svc, session.Options{
		MinPasswordLength: opts.MinPasswordLength,
		Now:               opts.Now,
	}, logger)
	catalog := store.NewCatalog(svc, sessions, bus, opts.RemovalPolicy, logger)
	history := store.NewHistory(svc, sessions, bus, catalog, opts.HistoryPageSize, logger)
	catalog.UseGuard(history)

	a := &App{
		logger:   logger.WithComponent(log.ComponentApp),
		sessions: sessions,
		bus:      bus,
		catalog:  catalog,
		history:  history,
		view:     aggregate.New(bus, logger),
	}
	a.closers = append(a.closers,
		a.view.Close,
		bus.Subscribe("history", history.HandleEvent),
		sessions.Subscribe(a.onTransition),
	)
	return a
}

// Close detaches every subscription. The App must not be used afterwards.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) onTransition(ctx context.Context, t session.Transition) {
	switch t.Kind {
	case session.Established:
		a.catalog.Reset(t.Handle)
		a.history.Reset(t.Handle)
	case session.Cleared:
		a.catalog.Clear()
		a.history.Clear()
		a.bus.Publish(ctx, events.Event{Kind: events.StoresCleared, Epoch: t.Handle.Epoch, UserID: t.Handle.UserID()})
	}
}

// Register creates an account, establishes its session and loads its data.
// A load failure is returned alongside the established session.
func (a *App) Register(ctx context.Context, email, password string) (core.Session, error) {
	s, err := a.sessions.Register(ctx, email, password)
	if err != nil {
		return core.Session{}, err
	}
	return s, a.load(ctx, s)
}

func (a *App) Login(ctx context.Context, email, password string) (core.Session, error) {
	s, err := a.sessions.Login(ctx, email, password)
	if err != nil {
		return core.Session{}, err
	}
	return s, a.load(ctx, s)
}

// Restore resumes a persisted session after the remote confirms the token.
func (a *App) Restore(ctx context.Context, token string) (core.Session, error) {
	s, err := a.sessions.Restore(ctx, token)
	if err != nil {
		return core.Session{}, err
	}
	return s, a.load(ctx, s)
}

func (a *App) Logout(ctx context.Context) {
	a.sessions.Logout(ctx)
}

func (a *App) Current() (core.Session, bool) {
	return a.sessions.Current()
}

func (a *App) State() session.State {
	return a.sessions.State()
}

func (a *App) load(ctx context.Context, s core.Session) error {
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := a.catalog.LoadAll(gctx, s.UserID)
		return err
	})
	g.Go(func() error {
		_, err := a.history.LoadAll(gctx, s.UserID)
		return err
	})
	if err := g.Wait(); err != nil {
		a.logger.WarnContext(ctx, "Initial load failed",
			log.FieldUserID, s.UserID,
			log.FieldErrorKind, string(core.KindOf(err)),
			log.FieldError, err)
		return fmt.Errorf("load user data: %w", err)
	}
	a.logger.InfoContext(ctx, "User data loaded",
		log.FieldUserID, s.UserID,
		log.FieldDuration, time.Since(start).Milliseconds())
	return nil
}

// Refresh re-fetches categories and expenses of the current session.
func (a *App) Refresh(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := a.catalog.Refresh(gctx)
		return err
	})
	g.Go(func() error {
		_, err := a.history.Refresh(gctx)
		return err
	})
	return g.Wait()
}

func (a *App) Categories() []core.Category {
	return a.catalog.Snapshot()
}

func (a *App) Category(name string) (core.Category, bool) {
	return a.catalog.Lookup(name)
}

func (a *App) CreateCategory(ctx context.Context, name string, budget core.Money) (core.Category, error) {
	return a.catalog.Create(ctx, name, budget)
}

func (a *App) UpdateCategory(ctx context.Context, id string, patch core.CategoryPatch) (core.Category, error) {
	return a.catalog.Update(ctx, id, patch)
}

func (a *App) RemoveCategory(ctx context.Context, id string) error {
	return a.catalog.Remove(ctx, id)
}

func (a *App) RemovalPolicy() store.RemovalPolicy {
	return a.catalog.Policy()
}

func (a *App) AppendExpense(ctx context.Context, categoryID string, amount core.Money, note string) (core.ExpenseRecord, error) {
	return a.history.Append(ctx, categoryID, amount, note)
}

func (a *App) RemoveExpense(ctx context.Context, expenseID string) error {
	return a.history.Remove(ctx, expenseID)
}

// Expenses returns the log in timestamp order.
func (a *App) Expenses() []core.ExpenseRecord {
	return a.history.Records()
}

func (a *App) ExpensePages(size int) iter.Seq[[]core.ExpenseRecord] {
	return a.history.Pages(size)
}

func (a *App) SummaryFor(categoryID string) (core.SpendSummary, error) {
	return a.view.SummaryFor(categoryID)
}

// SummaryByName resolves name in the catalog and returns its summary.
func (a *App) SummaryByName(name string) (core.SpendSummary, error) {
	c, ok := a.catalog.Lookup(name)
	if !ok {
		return core.SpendSummary{}, core.ErrNotFound
	}
	return a.view.SummaryFor(c.ID)
}

func (a *App) AllSummaries() []core.SpendSummary {
	return a.view.AllSummaries()
}

// Listen is called after every summary recomputation.
func (a *App) Listen(fn aggregate.Listener) func() {
	return a.view.Listen(fn)
}

// UseForwarder subscribes f to every applied change.
func (a *App) UseForwarder(f Forwarder) func() {
	cancel := a.bus.Subscribe("forwarder", f.Forward)
	a.closers = append(a.closers, cancel)
	return cancel
}
