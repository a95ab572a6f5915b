package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"cointracer/internal/core"
	"cointracer/internal/events"
	"cointracer/internal/remote"
	"cointracer/internal/remote/memory"
	"cointracer/internal/session"
)

type StoreSuite struct {
	suite.Suite

	ctx     context.Context
	clock   *memory.Clock
	svc     *memory.Service
	lists   *stallingLists
	mgr     *session.Manager
	bus     *events.Bus
	catalog *Catalog
	history *History
	events  []events.Event
	cleared int
	evMu    sync.Mutex
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupTest() {
	s.build(RemovalBlock, 2)
}

func (s *StoreSuite) build(policy RemovalPolicy, pageSize int) {
	s.ctx = context.Background()
	s.clock = memory.NewClock(time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC))
	s.svc = memory.New(memory.WithClock(s.clock.Now), memory.WithTTL(time.Hour))
	s.mgr = session.NewManager(s.svc, session.Options{Now: s.clock.Now}, nil)
	s.bus = events.NewBus(nil)
	s.lists = &stallingLists{Service: s.svc}
	s.catalog = NewCatalog(s.lists, s.mgr, s.bus, policy, nil)
	s.history = NewHistory(s.lists, s.mgr, s.bus, s.catalog, pageSize, nil)
	s.catalog.UseGuard(s.history)
	s.events = nil
	s.cleared = 0

	s.bus.Subscribe("history", s.history.HandleEvent)
	s.bus.Subscribe("recorder", func(_ context.Context, e events.Event) error {
		s.evMu.Lock()
		defer s.evMu.Unlock()
		s.events = append(s.events, e)
		return nil
	})
	s.mgr.Subscribe(func(_ context.Context, t session.Transition) {
		switch t.Kind {
		case session.Established:
			s.catalog.Reset(t.Handle)
			s.history.Reset(t.Handle)
		case session.Cleared:
			s.cleared++
			s.catalog.Clear()
			s.history.Clear()
		}
	})
}

// stallingLists lets one armed list call read its data and then wait for
// release, so writes can race against a snapshot that is already taken.
type stallingLists struct {
	*memory.Service
	armed   atomic.Bool
	listed  chan struct{}
	release chan struct{}
}

func (l *stallingLists) arm() {
	l.listed = make(chan struct{})
	l.release = make(chan struct{})
	l.armed.Store(true)
}

func (l *stallingLists) stall() {
	if l.armed.CompareAndSwap(true, false) {
		close(l.listed)
		<-l.release
	}
}

func (l *stallingLists) ListCategories(ctx context.Context, token string) ([]core.Category, error) {
	cats, err := l.Service.ListCategories(ctx, token)
	l.stall()
	return cats, err
}

func (l *stallingLists) ListExpenses(ctx context.Context, token string, page remote.Page) ([]core.ExpenseRecord, error) {
	recs, err := l.Service.ListExpenses(ctx, token, page)
	l.stall()
	return recs, err
}

func (s *StoreSuite) login(email string) core.Session {
	sess, err := s.mgr.Register(s.ctx, email, "p12345")
	if errors.Is(err, core.ErrDuplicateEmail) {
		sess, err = s.mgr.Login(s.ctx, email, "p12345")
	}
	s.Require().NoError(err)
	_, err = s.catalog.LoadAll(s.ctx, sess.UserID)
	s.Require().NoError(err)
	_, err = s.history.LoadAll(s.ctx, sess.UserID)
	s.Require().NoError(err)
	return sess
}

func (s *StoreSuite) kinds() []events.Kind {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	out := make([]events.Kind, len(s.events))
	for i, e := range s.events {
		out[i] = e.Kind
	}
	return out
}

func (s *StoreSuite) TestCreateRejectsDuplicateNameWithoutMutation() {
	s.login("a@x.com")
	food, err := s.catalog.Create(s.ctx, "Food", core.MustCents("200"))
	s.Require().NoError(err)
	before := s.catalog.Snapshot()
	calls := s.svc.Calls(memory.OpCreateCategory)

	for _, name := range []string{"Food", "food", "  FOOD "} {
		_, err := s.catalog.Create(s.ctx, name, core.MustCents("10"))
		s.ErrorIs(err, core.ErrDuplicateName)
	}

	s.Equal(before, s.catalog.Snapshot())
	s.Equal(calls, s.svc.Calls(memory.OpCreateCategory), "duplicates never reach the remote")
	got, ok := s.catalog.Lookup("FOOD")
	s.True(ok)
	s.Equal(food.ID, got.ID)
}

func (s *StoreSuite) TestCreateValidatesLocally() {
	s.login("a@x.com")
	_, err := s.catalog.Create(s.ctx, "   ", core.Money{})
	s.ErrorIs(err, core.ErrEmptyName)
	_, err = s.catalog.Create(s.ctx, "Rent", core.Money{Cents: -1})
	s.ErrorIs(err, core.ErrNegativeBudget)
	s.Zero(s.svc.Calls(memory.OpCreateCategory))
	s.Empty(s.catalog.Snapshot())
}

func (s *StoreSuite) TestOperationsRequireSession() {
	_, err := s.catalog.Create(s.ctx, "Food", core.Money{})
	s.ErrorIs(err, core.ErrUnauthenticated)
	_, err = s.history.Append(s.ctx, "c1", core.MustCents("1"), "")
	s.ErrorIs(err, core.ErrUnauthenticated)
}

func (s *StoreSuite) TestLoadAllIsIdempotentUntilRefresh() {
	sess := s.login("a@x.com")
	s.Equal(1, s.svc.Calls(memory.OpListCategories))

	_, err := s.catalog.LoadAll(s.ctx, sess.UserID)
	s.Require().NoError(err)
	s.Equal(1, s.svc.Calls(memory.OpListCategories))

	_, err = s.catalog.Refresh(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, s.svc.Calls(memory.OpListCategories))

	_, err = s.catalog.LoadAll(s.ctx, "someone-else")
	s.ErrorIs(err, core.ErrUnauthenticated)
}

func (s *StoreSuite) TestConcurrentLoadsShareOneFetch() {
	sess, err := s.mgr.Register(s.ctx, "a@x.com", "p12345")
	s.Require().NoError(err)

	gate := s.svc.Hold(memory.OpListCategories)
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.catalog.LoadAll(s.ctx, sess.UserID)
			errs <- err
		}()
	}
	<-gate.Reached()
	gate.Release()
	wg.Wait()
	close(errs)
	for err := range errs {
		s.NoError(err)
	}
	s.Equal(1, s.svc.Calls(memory.OpListCategories))
}

func (s *StoreSuite) TestUpdate() {
	s.login("a@x.com")
	food, _ := s.catalog.Create(s.ctx, "Food", core.MustCents("200"))
	rent, _ := s.catalog.Create(s.ctx, "Rent", core.MustCents("900"))

	_, err := s.catalog.Update(s.ctx, "missing", core.CategoryPatch{})
	s.ErrorIs(err, core.ErrNotFound)

	name := "rent"
	_, err = s.catalog.Update(s.ctx, food.ID, core.CategoryPatch{Name: &name})
	s.ErrorIs(err, core.ErrDuplicateName)

	neg := core.Money{Cents: -5}
	_, err = s.catalog.Update(s.ctx, food.ID, core.CategoryPatch{Budget: &neg})
	s.ErrorIs(err, core.ErrNegativeBudget)

	same := "FOOD"
	budget := core.MustCents("250")
	got, err := s.catalog.Update(s.ctx, food.ID, core.CategoryPatch{Name: &same, Budget: &budget})
	s.Require().NoError(err)
	s.Equal("FOOD", got.Name)
	s.Equal(int64(25000), got.Budget.Cents)

	snap := s.catalog.Snapshot()
	s.Require().Len(snap, 2)
	s.Equal(food.ID, snap[0].ID, "updates keep creation order")
	s.Equal(rent.ID, snap[1].ID)
	s.Contains(s.kinds(), events.CategoryUpdated)
}

func (s *StoreSuite) TestUpdatesToSameCategoryAreSerialized() {
	s.login("a@x.com")
	food, _ := s.catalog.Create(s.ctx, "Food", core.MustCents("200"))

	gate := s.svc.Hold(memory.OpUpdateCategory)
	first := core.MustCents("300")
	second := core.MustCents("400")
	done := make(chan error, 2)
	go func() {
		_, err := s.catalog.Update(s.ctx, food.ID, core.CategoryPatch{Budget: &first})
		done <- err
	}()
	<-gate.Reached()
	go func() {
		_, err := s.catalog.Update(s.ctx, food.ID, core.CategoryPatch{Budget: &second})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Equal(1, s.svc.Calls(memory.OpUpdateCategory), "second update waits for the first")
	gate.Release()
	s.NoError(<-done)
	s.NoError(<-done)

	got, _ := s.catalog.Get(food.ID)
	s.Equal(int64(40000), got.Budget.Cents)
}

func (s *StoreSuite) TestRemoveBlockedWhileExpensesExist() {
	s.login("a@x.com")
	food, _ := s.catalog.Create(s.ctx, "Food", core.MustCents("200"))
	_, err := s.history.Append(s.ctx, food.ID, core.MustCents("45"), "")
	s.Require().NoError(err)

	err = s.catalog.Remove(s.ctx, food.ID)
	s.ErrorIs(err, core.ErrCategoryInUse)
	s.True(s.catalog.Contains(food.ID))
	s.Len(s.history.Records(), 1)
	s.Zero(s.svc.Calls(memory.OpDeleteCategory))

	s.ErrorIs(s.catalog.Remove(s.ctx, "missing"), core.ErrNotFound)

	empty, _ := s.catalog.Create(s.ctx, "Empty", core.Money{})
	s.NoError(s.catalog.Remove(s.ctx, empty.ID))
	s.False(s.catalog.Contains(empty.ID))
}

func (s *StoreSuite) TestRemoveCascadesToHistory() {
	s.build(RemovalCascade, 2)
	s.login("a@x.com")
	food, _ := s.catalog.Create(s.ctx, "Food", core.MustCents("200"))
	rent, _ := s.catalog.Create(s.ctx, "Rent", core.MustCents("900"))
	_, err := s.history.Append(s.ctx, food.ID, core.MustCents("45"), "")
	s.Require().NoError(err)
	kept, err := s.history.Append(s.ctx, rent.ID, core.MustCents("900"), "")
	s.Require().NoError(err)

	s.Require().NoError(s.catalog.Remove(s.ctx, food.ID))
	s.False(s.catalog.Contains(food.ID))
	s.False(s.history.HasRecords(food.ID))
	s.Equal([]core.ExpenseRecord{kept}, s.history.Records())

	_, err = s.history.Refresh(s.ctx)
	s.Require().NoError(err)
	s.Equal([]core.ExpenseRecord{kept}, s.history.Records(), "remote removed them too")
}

func (s *StoreSuite) TestRefreshKeepsAppendCommittedMeanwhile() {
	s.login("a@x.com")
	food, err := s.catalog.Create(s.ctx, "Food", core.MustCents("200"))
	s.Require().NoError(err)
	first, err := s.history.Append(s.ctx, food.ID, core.MustCents("45"), "")
	s.Require().NoError(err)

	s.lists.arm()
	refreshed := make(chan error, 1)
	go func() {
		_, err := s.history.Refresh(s.ctx)
		refreshed <- err
	}()
	<-s.lists.listed

	appended := make(chan error, 1)
	go func() {
		_, err := s.history.Append(s.ctx, food.ID, core.MustCents("60"), "")
		appended <- err
	}()
	s.Never(func() bool { return s.svc.Calls(memory.OpAppendExpense) > 1 },
		50*time.Millisecond, 5*time.Millisecond, "append waits for the snapshot to be applied")
	close(s.lists.release)

	s.Require().NoError(<-refreshed)
	s.Require().NoError(<-appended)
	recs := s.history.Records()
	s.Require().Len(recs, 2)
	s.Equal(first.ID, recs[0].ID)
	s.Equal(core.MustCents("60"), recs[1].Amount)
	kinds := s.kinds()
	s.Equal(events.ExpenseAppended, kinds[len(kinds)-1], "the append is published after the reload")
}

func (s *StoreSuite) TestRefreshKeepsCategoryCreatedMeanwhile() {
	s.login("a@x.com")

	s.lists.arm()
	refreshed := make(chan error, 1)
	go func() {
		_, err := s.catalog.Refresh(s.ctx)
		refreshed <- err
	}()
	<-s.lists.listed

	created := make(chan error, 1)
	go func() {
		_, err := s.catalog.Create(s.ctx, "Food", core.MustCents("200"))
		created <- err
	}()
	s.Never(func() bool { return s.svc.Calls(memory.OpCreateCategory) > 0 },
		50*time.Millisecond, 5*time.Millisecond, "create waits for the snapshot to be applied")
	close(s.lists.release)

	s.Require().NoError(<-refreshed)
	s.Require().NoError(<-created)
	food, ok := s.catalog.Lookup("Food")
	s.Require().True(ok)
	_, err := s.history.Append(s.ctx, food.ID, core.MustCents("10"), "")
	s.NoError(err)
	_, err = s.catalog.Create(s.ctx, "Food", core.Money{})
	s.ErrorIs(err, core.ErrDuplicateName)
}

func (s *StoreSuite) TestCascadeDuringRefreshIsNotUndone() {
	s.build(RemovalCascade, 2)
	s.login("a@x.com")
	food, _ := s.catalog.Create(s.ctx, "Food", core.MustCents("200"))
	rent, _ := s.catalog.Create(s.ctx, "Rent", core.MustCents("900"))
	_, err := s.history.Append(s.ctx, food.ID, core.MustCents("45"), "")
	s.Require().NoError(err)
	kept, err := s.history.Append(s.ctx, rent.ID, core.MustCents("900"), "")
	s.Require().NoError(err)

	s.lists.arm()
	refreshed := make(chan error, 1)
	go func() {
		_, err := s.history.Refresh(s.ctx)
		refreshed <- err
	}()
	<-s.lists.listed
	s.Require().NoError(s.catalog.Remove(s.ctx, food.ID))
	close(s.lists.release)

	s.Require().NoError(<-refreshed)
	s.Equal([]core.ExpenseRecord{kept}, s.history.Records())
}

func (s *StoreSuite) TestAppendValidatesAgainstCatalog() {
	s.login("a@x.com")
	food, _ := s.catalog.Create(s.ctx, "Food", core.MustCents("200"))

	_, err := s.history.Append(s.ctx, "missing", core.MustCents("1"), "")
	s.ErrorIs(err, core.ErrInvalidCategory)
	_, err = s.history.Append(s.ctx, food.ID, core.Money{}, "")
	s.ErrorIs(err, core.ErrNonPositiveAmount)
	_, err = s.history.Append(s.ctx, "", core.MustCents("1"), "")
	s.ErrorIs(err, core.ErrInvalidCategory)

	s.Empty(s.history.Records())
	s.Zero(s.svc.Calls(memory.OpAppendExpense))
}

func (s *StoreSuite) TestRecordsAreTimestampOrdered() {
	s.login("a@x.com")
	food, _ := s.catalog.Create(s.ctx, "Food", core.MustCents("200"))

	late, _ := s.history.Append(s.ctx, food.ID, core.MustCents("1"), "late")
	s.clock.Advance(-time.Minute)
	early1, _ := s.history.Append(s.ctx, food.ID, core.MustCents("2"), "early 1")
	early2, _ := s.history.Append(s.ctx, food.ID, core.MustCents("3"), "early 2")
	s.clock.Advance(time.Minute)

	want := []string{early1.ID, early2.ID, late.ID}
	s.Equal(want, ids(s.history.Records()))

	_, err := s.history.Refresh(s.ctx)
	s.Require().NoError(err)
	s.Equal(want, ids(s.history.Records()), "reload through pages keeps the same order")
	s.Equal(3, s.svc.Calls(memory.OpListExpenses), "one empty load, then three records in pages of two")
}

func (s *StoreSuite) TestPagesAreLazyAndRestartable() {
	s.login("a@x.com")
	food, _ := s.catalog.Create(s.ctx, "Food", core.MustCents("200"))
	for i := 1; i <= 5; i++ {
		_, err := s.history.Append(s.ctx, food.ID, core.Money{Cents: int64(i)}, "")
		s.Require().NoError(err)
	}

	var sizes []int
	for page := range s.history.Pages(2) {
		sizes = append(sizes, len(page))
	}
	s.Equal([]int{2, 2, 1}, sizes)

	first := 0
	for page := range s.history.Pages(2) {
		first = len(page)
		break
	}
	s.Equal(2, first)

	_, err := s.history.Append(s.ctx, food.ID, core.MustCents("6"), "")
	s.Require().NoError(err)
	total := 0
	for page := range s.history.Pages(4) {
		total += len(page)
	}
	s.Equal(6, total)
}

func (s *StoreSuite) TestRemoveExpense() {
	s.login("a@x.com")
	food, _ := s.catalog.Create(s.ctx, "Food", core.MustCents("200"))
	e, _ := s.history.Append(s.ctx, food.ID, core.MustCents("10"), "")

	s.ErrorIs(s.history.Remove(s.ctx, "missing"), core.ErrNotFound)
	s.Require().NoError(s.history.Remove(s.ctx, e.ID))
	s.Empty(s.history.Records())
	s.Contains(s.kinds(), events.ExpenseRemoved)
}

func (s *StoreSuite) TestLogoutDuringLoadDropsResult() {
	sess, err := s.mgr.Register(s.ctx, "a@x.com", "p12345")
	s.Require().NoError(err)
	_, err = s.svc.CreateCategory(s.ctx, sess.Token, core.NewCategory{Name: "Food"})
	s.Require().NoError(err)

	gate := s.svc.Hold(memory.OpListCategories)
	done := make(chan error, 1)
	go func() {
		_, err := s.catalog.LoadAll(s.ctx, sess.UserID)
		done <- err
	}()
	<-gate.Reached()
	s.mgr.Logout(s.ctx)
	gate.Release()

	s.ErrorIs(<-done, core.ErrSessionChanged)
	s.Empty(s.catalog.Snapshot())
	s.False(s.catalog.Loaded())
	s.NotContains(s.kinds(), events.CategoriesLoaded)
}

func (s *StoreSuite) TestRemoteAuthFailureInvalidatesOnce() {
	s.login("a@x.com")
	s.svc.FailNext(memory.OpCreateCategory, core.ErrSessionExpired)

	_, err := s.catalog.Create(s.ctx, "Food", core.Money{})
	s.ErrorIs(err, core.ErrSessionExpired)
	s.Equal(session.StateUnauthenticated, s.mgr.State())
	s.Equal(1, s.cleared)

	_, err = s.catalog.Create(s.ctx, "Food", core.Money{})
	s.ErrorIs(err, core.ErrUnauthenticated)
	s.Equal(1, s.cleared)
}

func (s *StoreSuite) TestNetworkFailureLeavesCacheUnchanged() {
	s.login("a@x.com")
	food, _ := s.catalog.Create(s.ctx, "Food", core.MustCents("200"))
	s.svc.FailNext(memory.OpAppendExpense, core.NetworkFailure("append expense", errors.New("timeout")))

	_, err := s.history.Append(s.ctx, food.ID, core.MustCents("45"), "")
	s.True(core.IsRetryable(err))
	s.Empty(s.history.Records())
	s.Equal(session.StateAuthenticated, s.mgr.State())
}

func ids(recs []core.ExpenseRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestParseRemovalPolicy(t *testing.T) {
	for in, want := range map[string]RemovalPolicy{"": RemovalBlock, "block": RemovalBlock, "cascade": RemovalCascade} {
		got, err := ParseRemovalPolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParseRemovalPolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseRemovalPolicy("reassign"); err == nil {
		t.Fatal("unknown policy should fail")
	}
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	var k keyedMutex
	unlock := k.Lock("a")

	other := make(chan struct{})
	go func() {
		u := k.Lock("b")
		u()
		close(other)
	}()
	<-other

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := lockCtx(ctx, &k, "a"); !core.IsRetryable(err) {
		t.Fatalf("expected timeout while key is held, got %v", err)
	}
	unlock()

	u, err := lockCtx(context.Background(), &k, "a")
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	u()
}
