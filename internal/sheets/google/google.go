package google

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"cointracer/internal/cache"
	"cointracer/internal/log"
	ports "cointracer/internal/sheets"
)

// Ensure interface conformance
var _ ports.Exporter = (*Client)(nil)

const (
	DefaultExpensesSheet = "Expenses"
	DefaultBudgetsSheet  = "Budgets"

	rowCacheTTL  = 10 * time.Minute
	rowCacheSize = 4096
	timeLayout   = "2006-01-02 15:04:05"
)

// Config selects the spreadsheet and the service account used to reach it.
type Config struct {
	SpreadsheetID      string
	ExpensesSheet      string
	BudgetsSheet       string
	ServiceAccountJSON string
	ServiceAccountFile string
}

type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	expensesSheet string
	budgetsSheet  string
	logger        *log.Logger

	// rows maps "<sheet>/<user>/<id>" to a 1-based row number.
	rows *cache.LRUCache[int]
}

// New creates a Sheets client from cfg. Base sheet names are prefixed with
// the current year unless they already start with one.
func New(ctx context.Context, cfg Config, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent(log.ComponentSheets)

	spreadsheetID := strings.TrimSpace(cfg.SpreadsheetID)
	if spreadsheetID == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}
	creds, err := credentials(cfg)
	if err != nil {
		return nil, err
	}

	svc, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(creds),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	logger.InfoContext(ctx, "Google Sheets service created", log.FieldSheetsRef, spreadsheetID)

	year := time.Now().Year()
	return &Client{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		expensesSheet: yearPrefixedName(defaultString(cfg.ExpensesSheet, DefaultExpensesSheet), year),
		budgetsSheet:  yearPrefixedName(defaultString(cfg.BudgetsSheet, DefaultBudgetsSheet), year),
		logger:        logger,
		rows:          cache.NewLRUCache[int](rowCacheSize, rowCacheTTL),
	}, nil
}

func credentials(cfg Config) ([]byte, error) {
	switch {
	case strings.TrimSpace(cfg.ServiceAccountJSON) != "":
		return []byte(cfg.ServiceAccountJSON), nil
	case strings.TrimSpace(cfg.ServiceAccountFile) != "":
		b, err := os.ReadFile(cfg.ServiceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		return b, nil
	}
	return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON or GOOGLE_SERVICE_ACCOUNT_FILE)")
}

// RowCache exposes the row lookup cache for periodic cleanup.
func (c *Client) RowCache() cache.Cleaner { return c.rows }

// AppendExpense writes one row: ID, user, time, category, amount, note, category ID.
func (c *Client) AppendExpense(ctx context.Context, row ports.ExpenseRow) (string, error) {
	if c.svc == nil {
		return "", errors.New("sheets service not initialized")
	}
	if row.ID == "" {
		return "", errors.New("expense row without id")
	}
	if n, err := c.findRow(ctx, c.expensesSheet, row.UserID, row.ID); err != nil {
		return "", err
	} else if n > 0 {
		return fmt.Sprintf("%s!A%d:G%d", c.expensesSheet, n, n), nil
	}

	vr := &gsheet.ValueRange{Values: [][]any{expenseValues(row)}}
	resp, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, c.expensesSheet+"!A:G", vr).
		ValueInputOption("USER_ENTERED").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("append to sheet %s: %w", c.expensesSheet, err)
	}
	ref := ""
	if resp.Updates != nil {
		ref = resp.Updates.UpdatedRange
		if n := rowFromRange(ref); n > 0 {
			c.rows.Set(rowKey(c.expensesSheet, row.UserID, row.ID), n)
		}
	}
	c.logger.DebugContext(ctx, "Expense exported", log.FieldExpenseID, row.ID, log.FieldSheetsRef, ref)
	return ref, nil
}

func (c *Client) DeleteExpense(ctx context.Context, userID, id string) error {
	if c.svc == nil {
		return errors.New("sheets service not initialized")
	}
	n, err := c.findRow(ctx, c.expensesSheet, userID, id)
	if err != nil || n == 0 {
		return err
	}
	return c.clearRow(ctx, c.expensesSheet, "G", n, rowKey(c.expensesSheet, userID, id))
}

func (c *Client) DeleteExpensesByCategory(ctx context.Context, userID, categoryID string) (int, error) {
	if c.svc == nil {
		return 0, errors.New("sheets service not initialized")
	}
	values, err := c.read(ctx, c.expensesSheet+"!A:G")
	if err != nil {
		return 0, err
	}
	removed := 0
	for i, r := range values {
		cols := toStrings(r)
		if safeGet(cols, 1) != userID || safeGet(cols, 6) != categoryID {
			continue
		}
		if err := c.clearRow(ctx, c.expensesSheet, "G", i+1, rowKey(c.expensesSheet, userID, safeGet(cols, 0))); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// UpsertBudget writes category ID, user, name and budget, in place when the
// category already has a row.
func (c *Client) UpsertBudget(ctx context.Context, row ports.BudgetRow) error {
	if c.svc == nil {
		return errors.New("sheets service not initialized")
	}
	vr := &gsheet.ValueRange{Values: [][]any{budgetValues(row)}}
	n, err := c.findRow(ctx, c.budgetsSheet, row.UserID, row.CategoryID)
	if err != nil {
		return err
	}
	if n > 0 {
		rng := fmt.Sprintf("%s!A%d:D%d", c.budgetsSheet, n, n)
		if _, err := c.svc.Spreadsheets.Values.Update(c.spreadsheetID, rng, vr).
			ValueInputOption("USER_ENTERED").Context(ctx).Do(); err != nil {
			return fmt.Errorf("update %s: %w", rng, err)
		}
		return nil
	}
	resp, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, c.budgetsSheet+"!A:D", vr).
		ValueInputOption("USER_ENTERED").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("append to sheet %s: %w", c.budgetsSheet, err)
	}
	if resp.Updates != nil {
		if n := rowFromRange(resp.Updates.UpdatedRange); n > 0 {
			c.rows.Set(rowKey(c.budgetsSheet, row.UserID, row.CategoryID), n)
		}
	}
	return nil
}

func (c *Client) DeleteBudget(ctx context.Context, userID, categoryID string) error {
	if c.svc == nil {
		return errors.New("sheets service not initialized")
	}
	n, err := c.findRow(ctx, c.budgetsSheet, userID, categoryID)
	if err != nil || n == 0 {
		return err
	}
	return c.clearRow(ctx, c.budgetsSheet, "D", n, rowKey(c.budgetsSheet, userID, categoryID))
}

// findRow returns the 1-based row whose columns A and B are id and userID,
// or 0 when there is none.
func (c *Client) findRow(ctx context.Context, sheet, userID, id string) (int, error) {
	key := rowKey(sheet, userID, id)
	if n, ok := c.rows.Get(key); ok {
		return n, nil
	}
	values, err := c.read(ctx, sheet+"!A:B")
	if err != nil {
		return 0, err
	}
	n := matchRow(values, userID, id)
	if n > 0 {
		c.rows.Set(key, n)
	}
	return n, nil
}

func (c *Client) read(ctx context.Context, rng string) ([][]any, error) {
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rng, err)
	}
	return resp.Values, nil
}

// clearRow blanks the row rather than deleting it so cached row numbers of
// other entries stay valid.
func (c *Client) clearRow(ctx context.Context, sheet, lastCol string, n int, key string) error {
	rng := fmt.Sprintf("%s!A%d:%s%d", sheet, n, lastCol, n)
	if _, err := c.svc.Spreadsheets.Values.Clear(c.spreadsheetID, rng, &gsheet.ClearValuesRequest{}).Context(ctx).Do(); err != nil {
		return fmt.Errorf("clear %s: %w", rng, err)
	}
	c.rows.Delete(key)
	return nil
}

func expenseValues(r ports.ExpenseRow) []any {
	return []any{
		r.ID,
		r.UserID,
		r.Timestamp.UTC().Format(timeLayout),
		r.CategoryName,
		r.Amount.String(),
		r.Note,
		r.CategoryID,
	}
}

func budgetValues(r ports.BudgetRow) []any {
	return []any{r.CategoryID, r.UserID, r.Name, r.Budget.String()}
}

func matchRow(values [][]any, userID, id string) int {
	for i, r := range values {
		cols := toStrings(r)
		if safeGet(cols, 0) == id && safeGet(cols, 1) == userID {
			return i + 1
		}
	}
	return 0
}

// rowFromRange extracts the first row number of an A1 range such as
// "2025 Expenses!A12:G12".
func rowFromRange(rng string) int {
	if i := strings.LastIndex(rng, "!"); i >= 0 {
		rng = rng[i+1:]
	}
	rng, _, _ = strings.Cut(rng, ":")
	digits := strings.TrimLeftFunc(rng, func(r rune) bool { return r < '0' || r > '9' })
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return n
}

func rowKey(sheet, userID, id string) string {
	return sheet + "/" + userID + "/" + id
}

func toStrings(in []any) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.TrimSpace(fmt.Sprint(v))
	}
	return out
}

func safeGet(arr []string, idx int) string {
	if idx < 0 || idx >= len(arr) {
		return ""
	}
	return arr[idx]
}

func defaultString(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}

// yearPrefixedName returns "<year> <base>" unless base already starts with a 4-digit year.
func yearPrefixedName(base string, year int) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return base
	}
	if len(base) >= 5 {
		if y, err := strconv.Atoi(base[0:4]); err == nil && base[4] == ' ' && y > 1900 && y < 3000 {
			return base
		}
	}
	return fmt.Sprintf("%d %s", year, base)
}
