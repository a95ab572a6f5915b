//go:build integration

package google

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"cointracer/internal/core"
	ports "cointracer/internal/sheets"
)

// Run with: go test -tags=integration ./internal/sheets/google
func TestIntegration_ExportRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	cfg := Config{
		SpreadsheetID:      os.Getenv("GOOGLE_SPREADSHEET_ID"),
		ExpensesSheet:      os.Getenv("GOOGLE_SHEET_NAME"),
		BudgetsSheet:       os.Getenv("GOOGLE_BUDGET_SHEET_NAME"),
		ServiceAccountJSON: os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON"),
		ServiceAccountFile: os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"),
	}
	if cfg.SpreadsheetID == "" || (cfg.ServiceAccountJSON == "" && cfg.ServiceAccountFile == "") {
		t.Skip("Google Sheets credentials not configured, skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	c, err := New(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	user := "it-" + uuid.NewString()
	row := ports.ExpenseRow{ID: uuid.NewString(), UserID: user, CategoryID: "c1", CategoryName: "Food", Amount: core.Money{Cents: 123}, Timestamp: time.Now()}
	if _, err := c.AppendExpense(ctx, row); err != nil {
		t.Fatalf("AppendExpense: %v", err)
	}
	if err := c.UpsertBudget(ctx, ports.BudgetRow{CategoryID: "c1", UserID: user, Name: "Food", Budget: core.Money{Cents: 1000}}); err != nil {
		t.Fatalf("UpsertBudget: %v", err)
	}
	if err := c.DeleteExpense(ctx, user, row.ID); err != nil {
		t.Fatalf("DeleteExpense: %v", err)
	}
	if err := c.DeleteBudget(ctx, user, "c1"); err != nil {
		t.Fatalf("DeleteBudget: %v", err)
	}
}
