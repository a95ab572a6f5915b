package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cointracer/internal/auth"
	"cointracer/internal/core"
	"cointracer/internal/remote"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openTest(t *testing.T, opts Options) (*Service, *testClock) {
	t.Helper()
	clk := &testClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	opts.Hasher = auth.FastArgon2()
	opts.Now = clk.Now
	if opts.SessionTTL == 0 {
		opts.SessionTTL = time.Hour
	}
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "db", "cointracer.db"), opts, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clk
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.db")
	v1, err := RunMigrations(DSN(path))
	require.NoError(t, err)
	v2, err := RunMigrations(DSN(path))
	require.NoError(t, err)
	assert.Equal(t, uint(1), v1)
	assert.Equal(t, v1, v2)
}

func TestRegisterLoginValidateRevoke(t *testing.T) {
	ctx := context.Background()
	s, _ := openTest(t, Options{})

	_, err := s.Register(ctx, "a@x.com", "short")
	assert.ErrorIs(t, err, core.ErrWeakCredential)

	creds, err := s.Register(ctx, " A@x.com ", "p12345")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", creds.Email)
	assert.NotEmpty(t, creds.Token)

	_, err = s.Register(ctx, "a@x.com", "p12345")
	assert.ErrorIs(t, err, core.ErrDuplicateEmail)

	_, err = s.Login(ctx, "a@x.com", "wrong-pass")
	assert.ErrorIs(t, err, core.ErrInvalidCredential)
	_, err = s.Login(ctx, "nobody@x.com", "p12345")
	assert.ErrorIs(t, err, core.ErrInvalidCredential)

	again, err := s.Login(ctx, "a@x.com", "p12345")
	require.NoError(t, err)
	assert.Equal(t, creds.UserID, again.UserID)
	assert.NotEqual(t, creds.Token, again.Token)

	got, err := s.Validate(ctx, again.Token)
	require.NoError(t, err)
	assert.Equal(t, creds.UserID, got.UserID)

	require.NoError(t, s.Revoke(ctx, again.Token))
	_, err = s.Validate(ctx, again.Token)
	assert.ErrorIs(t, err, core.ErrUnauthenticated)
	_, err = s.Validate(ctx, creds.Token)
	assert.NoError(t, err, "other sessions survive")
}

func TestMinPasswordLengthOption(t *testing.T) {
	ctx := context.Background()
	s, _ := openTest(t, Options{MinPasswordLength: 4})

	_, err := s.Register(ctx, "a@x.com", "abc")
	assert.ErrorIs(t, err, core.ErrWeakCredential)
	_, err = s.Register(ctx, "a@x.com", "abcd")
	assert.NoError(t, err)
}

func TestLoginIsThrottledPerEmail(t *testing.T) {
	ctx := context.Background()
	s, clk := openTest(t, Options{LoginAttempts: 2})
	_, err := s.Register(ctx, "a@x.com", "p12345")
	require.NoError(t, err)

	_, err = s.Login(ctx, "a@x.com", "wrong1")
	assert.ErrorIs(t, err, core.ErrInvalidCredential)
	_, err = s.Login(ctx, "A@x.com", "wrong2")
	assert.ErrorIs(t, err, core.ErrInvalidCredential)
	_, err = s.Login(ctx, "a@x.com", "p12345")
	assert.ErrorIs(t, err, core.ErrTooManyAttempts)

	clk.Advance(time.Minute)
	assert.Equal(t, 1, s.LoginLimiter().CleanExpired())
	_, err = s.Login(ctx, "a@x.com", "p12345")
	require.NoError(t, err)
}

func TestExpiredTokenIsRejectedEvenWhenCached(t *testing.T) {
	ctx := context.Background()
	s, clk := openTest(t, Options{SessionCacheTTL: 24 * time.Hour})
	creds, err := s.Register(ctx, "a@x.com", "p12345")
	require.NoError(t, err)

	_, err = s.ListCategories(ctx, creds.Token)
	require.NoError(t, err)

	clk.Advance(time.Hour)
	_, err = s.ListCategories(ctx, creds.Token)
	assert.ErrorIs(t, err, core.ErrSessionExpired)

	n, err := s.PurgeExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = s.Validate(ctx, creds.Token)
	assert.ErrorIs(t, err, core.ErrUnauthenticated)
}

func TestCategoryRules(t *testing.T) {
	ctx := context.Background()
	s, clk := openTest(t, Options{})
	creds, err := s.Register(ctx, "a@x.com", "p12345")
	require.NoError(t, err)
	tok := creds.Token

	food, err := s.CreateCategory(ctx, tok, core.NewCategory{Name: " Food ", Budget: core.MustCents("200")})
	require.NoError(t, err)
	assert.Equal(t, "Food", food.Name)

	_, err = s.CreateCategory(ctx, tok, core.NewCategory{Name: "FOOD"})
	assert.ErrorIs(t, err, core.ErrDuplicateName)
	_, err = s.CreateCategory(ctx, tok, core.NewCategory{Name: "Bad", Budget: core.Money{Cents: -1}})
	assert.ErrorIs(t, err, core.ErrNegativeBudget)

	clk.Advance(time.Second)
	rent, err := s.CreateCategory(ctx, tok, core.NewCategory{Name: "Rent"})
	require.NoError(t, err)

	name := "rent"
	_, err = s.UpdateCategory(ctx, tok, food.ID, core.CategoryPatch{Name: &name})
	assert.ErrorIs(t, err, core.ErrDuplicateName)

	budget := core.MustCents("950")
	updated, err := s.UpdateCategory(ctx, tok, rent.ID, core.CategoryPatch{Budget: &budget})
	require.NoError(t, err)
	assert.Equal(t, int64(95000), updated.Budget.Cents)

	_, err = s.UpdateCategory(ctx, tok, "missing", core.CategoryPatch{Budget: &budget})
	assert.ErrorIs(t, err, core.ErrNotFound)

	list, err := s.ListCategories(ctx, tok)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, []string{food.ID, rent.ID}, []string{list[0].ID, list[1].ID})
	assert.Equal(t, int64(95000), list[1].Budget.Cents)
}

func TestDeleteCategoryBlockAndCascade(t *testing.T) {
	ctx := context.Background()
	s, _ := openTest(t, Options{})
	creds, err := s.Register(ctx, "a@x.com", "p12345")
	require.NoError(t, err)
	tok := creds.Token

	food, err := s.CreateCategory(ctx, tok, core.NewCategory{Name: "Food"})
	require.NoError(t, err)
	_, err = s.AppendExpense(ctx, tok, core.NewExpense{CategoryID: food.ID, Amount: core.MustCents("4")})
	require.NoError(t, err)

	assert.ErrorIs(t, s.DeleteCategory(ctx, tok, food.ID, false), core.ErrCategoryInUse)
	require.NoError(t, s.DeleteCategory(ctx, tok, food.ID, true))
	assert.ErrorIs(t, s.DeleteCategory(ctx, tok, food.ID, true), core.ErrNotFound)

	recs, err := s.ListExpenses(ctx, tok, remote.Page{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestExpensesArePagedInInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s, clk := openTest(t, Options{})
	creds, err := s.Register(ctx, "a@x.com", "p12345")
	require.NoError(t, err)
	tok := creds.Token
	food, err := s.CreateCategory(ctx, tok, core.NewCategory{Name: "Food"})
	require.NoError(t, err)

	_, err = s.AppendExpense(ctx, tok, core.NewExpense{CategoryID: "nope", Amount: core.MustCents("1")})
	assert.ErrorIs(t, err, core.ErrInvalidCategory)

	var ids []string
	for i := 0; i < 5; i++ {
		clk.Advance(time.Minute)
		rec, err := s.AppendExpense(ctx, tok, core.NewExpense{CategoryID: food.ID, Amount: core.Money{Cents: int64(i + 1)}, Note: " n "})
		require.NoError(t, err)
		assert.Equal(t, "n", rec.Note)
		ids = append(ids, rec.ID)
	}

	first, err := s.ListExpenses(ctx, tok, remote.Page{Offset: 0, Limit: 2})
	require.NoError(t, err)
	rest, err := s.ListExpenses(ctx, tok, remote.Page{Offset: 2, Limit: 10})
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Len(t, rest, 3)

	var got []string
	for _, r := range append(first, rest...) {
		got = append(got, r.ID)
	}
	assert.Equal(t, ids, got)

	require.NoError(t, s.DeleteExpense(ctx, tok, ids[0]))
	assert.ErrorIs(t, s.DeleteExpense(ctx, tok, ids[0]), core.ErrNotFound)
}

func TestUsersAreIsolated(t *testing.T) {
	ctx := context.Background()
	s, _ := openTest(t, Options{})
	a, err := s.Register(ctx, "a@x.com", "p12345")
	require.NoError(t, err)
	b, err := s.Register(ctx, "b@x.com", "p12345")
	require.NoError(t, err)

	food, err := s.CreateCategory(ctx, a.Token, core.NewCategory{Name: "Food"})
	require.NoError(t, err)
	_, err = s.CreateCategory(ctx, b.Token, core.NewCategory{Name: "Food"})
	require.NoError(t, err, "names are unique per user")

	_, err = s.AppendExpense(ctx, b.Token, core.NewExpense{CategoryID: food.ID, Amount: core.MustCents("1")})
	assert.ErrorIs(t, err, core.ErrInvalidCategory)
	assert.ErrorIs(t, s.DeleteCategory(ctx, b.Token, food.ID, true), core.ErrNotFound)

	list, err := s.ListCategories(ctx, b.Token)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.NotEqual(t, food.ID, list[0].ID)
}

func TestSeedCategoriesOnRegister(t *testing.T) {
	ctx := context.Background()
	s, _ := openTest(t, Options{Seed: []string{"Food", "Rent", "food", " "}})
	creds, err := s.Register(ctx, "a@x.com", "p12345")
	require.NoError(t, err)

	list, err := s.ListCategories(ctx, creds.Token)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Food", list[0].Name)
	assert.Equal(t, "Rent", list[1].Name)
	assert.Zero(t, list[0].Budget.Cents)
}

func TestDatabaseErrorsAreNetworkFailures(t *testing.T) {
	ctx := context.Background()
	s, _ := openTest(t, Options{})
	creds, err := s.Register(ctx, "a@x.com", "p12345")
	require.NoError(t, err)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.CreateCategory(cctx, creds.Token, core.NewCategory{Name: "Food"})
	require.Error(t, err)
	assert.True(t, core.IsRetryable(err), "got %v", err)
}
