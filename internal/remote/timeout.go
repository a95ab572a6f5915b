package remote

import (
	"context"
	"time"

	"cointracer/internal/core"
)

// WithTimeout bounds every call to svc by d. A call that runs out of time
// fails with a network failure.
func WithTimeout(svc Service, d time.Duration) Service {
	if d <= 0 {
		return svc
	}
	return &timeoutService{svc: svc, d: d}
}

type timeoutService struct {
	svc Service
	d   time.Duration
}

func call[T any](ctx context.Context, d time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	v, err := fn(ctx)
	if err != nil && ctx.Err() != nil && core.KindOf(err) != core.KindNetwork {
		return v, core.NetworkFailure(op, ctx.Err())
	}
	return v, err
}

func (t *timeoutService) Register(ctx context.Context, email, password string) (Credentials, error) {
	return call(ctx, t.d, "register", func(ctx context.Context) (Credentials, error) {
		return t.svc.Register(ctx, email, password)
	})
}

func (t *timeoutService) Login(ctx context.Context, email, password string) (Credentials, error) {
	return call(ctx, t.d, "login", func(ctx context.Context) (Credentials, error) {
		return t.svc.Login(ctx, email, password)
	})
}

func (t *timeoutService) Validate(ctx context.Context, token string) (Credentials, error) {
	return call(ctx, t.d, "validate", func(ctx context.Context) (Credentials, error) {
		return t.svc.Validate(ctx, token)
	})
}

func (t *timeoutService) Revoke(ctx context.Context, token string) error {
	_, err := call(ctx, t.d, "revoke", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.svc.Revoke(ctx, token)
	})
	return err
}

func (t *timeoutService) ListCategories(ctx context.Context, token string) ([]core.Category, error) {
	return call(ctx, t.d, "list categories", func(ctx context.Context) ([]core.Category, error) {
		return t.svc.ListCategories(ctx, token)
	})
}

func (t *timeoutService) CreateCategory(ctx context.Context, token string, in core.NewCategory) (core.Category, error) {
	return call(ctx, t.d, "create category", func(ctx context.Context) (core.Category, error) {
		return t.svc.CreateCategory(ctx, token, in)
	})
}

func (t *timeoutService) UpdateCategory(ctx context.Context, token, id string, patch core.CategoryPatch) (core.Category, error) {
	return call(ctx, t.d, "update category", func(ctx context.Context) (core.Category, error) {
		return t.svc.UpdateCategory(ctx, token, id, patch)
	})
}

func (t *timeoutService) DeleteCategory(ctx context.Context, token, id string, cascade bool) error {
	_, err := call(ctx, t.d, "delete category", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.svc.DeleteCategory(ctx, token, id, cascade)
	})
	return err
}

func (t *timeoutService) ListExpenses(ctx context.Context, token string, page Page) ([]core.ExpenseRecord, error) {
	return call(ctx, t.d, "list expenses", func(ctx context.Context) ([]core.ExpenseRecord, error) {
		return t.svc.ListExpenses(ctx, token, page)
	})
}

func (t *timeoutService) AppendExpense(ctx context.Context, token string, in core.NewExpense) (core.ExpenseRecord, error) {
	return call(ctx, t.d, "append expense", func(ctx context.Context) (core.ExpenseRecord, error) {
		return t.svc.AppendExpense(ctx, token, in)
	})
}

func (t *timeoutService) DeleteExpense(ctx context.Context, token, id string) error {
	_, err := call(ctx, t.d, "delete expense", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.svc.DeleteExpense(ctx, token, id)
	})
	return err
}
