// Package remote declares the ports through which the core reaches the
// persistence service. Every data call is scoped by the session token.
package remote

import (
	"context"
	"time"

	"cointracer/internal/core"
)

// Credentials is what the auth endpoint returns on success.
type Credentials struct {
	UserID    string
	Email     string
	Token     string
	ExpiresAt time.Time
}

// Session converts the credentials into the core session value.
func (c Credentials) Session() core.Session {
	return core.Session{
		UserID:    c.UserID,
		Email:     c.Email,
		Token:     c.Token,
		ExpiresAt: c.ExpiresAt,
	}
}

// Page selects a window of the expense log in remote insertion order.
type Page struct {
	Offset int
	Limit  int
}

type (
	AuthService interface {
		Register(ctx context.Context, email, password string) (Credentials, error)
		Login(ctx context.Context, email, password string) (Credentials, error)
		// Validate returns the credentials bound to token, or ErrSessionExpired.
		Validate(ctx context.Context, token string) (Credentials, error)
		Revoke(ctx context.Context, token string) error
	}

	CategoryService interface {
		// ListCategories returns the user's categories in creation order.
		ListCategories(ctx context.Context, token string) ([]core.Category, error)
		CreateCategory(ctx context.Context, token string, in core.NewCategory) (core.Category, error)
		UpdateCategory(ctx context.Context, token, id string, patch core.CategoryPatch) (core.Category, error)
		// DeleteCategory removes the category. Without cascade it fails with
		// ErrCategoryInUse while expenses reference it.
		DeleteCategory(ctx context.Context, token, id string, cascade bool) error
	}

	ExpenseService interface {
		// ListExpenses returns one page of the user's expenses in insertion order.
		ListExpenses(ctx context.Context, token string, page Page) ([]core.ExpenseRecord, error)
		AppendExpense(ctx context.Context, token string, in core.NewExpense) (core.ExpenseRecord, error)
		DeleteExpense(ctx context.Context, token, id string) error
	}

	// Service is the whole persistence service.
	Service interface {
		AuthService
		CategoryService
		ExpenseService
	}
)
