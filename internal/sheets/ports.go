// Package sheets declares the export sink for applied changes. The worker
// mirrors expenses and budgets into a spreadsheet through these ports.
package sheets

import (
	"context"
	"time"

	"cointracer/internal/core"
)

type (
	// ExpenseRow is one exported expense.
	ExpenseRow struct {
		ID           string
		UserID       string
		CategoryID   string
		CategoryName string
		Amount       core.Money
		Note         string
		Timestamp    time.Time
	}

	// BudgetRow is the exported budget of one category.
	BudgetRow struct {
		CategoryID string
		UserID     string
		Name       string
		Budget     core.Money
	}
)

// Ports for outbound adapters.
type (
	ExpenseWriter interface {
		AppendExpense(ctx context.Context, row ExpenseRow) (rowRef string, err error)
	}

	ExpenseDeleter interface {
		// DeleteExpense removes the row of expense id. Missing rows are not an error.
		DeleteExpense(ctx context.Context, userID, id string) error
		// DeleteExpensesByCategory removes every row of the category and
		// returns how many were removed.
		DeleteExpensesByCategory(ctx context.Context, userID, categoryID string) (int, error)
	}

	BudgetWriter interface {
		UpsertBudget(ctx context.Context, row BudgetRow) error
		DeleteBudget(ctx context.Context, userID, categoryID string) error
	}

	// Exporter is the whole sink.
	Exporter interface {
		ExpenseWriter
		ExpenseDeleter
		BudgetWriter
	}
)
