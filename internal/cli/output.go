package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"cointracer/internal/core"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Rejected operation (validation, not found)
	ExitCommandError = 2 // Usage or configuration error
	ExitAuth         = 3 // Login required or credentials rejected
	ExitUnavailable  = 4 // Persistence service unreachable, safe to retry
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Domain errors map by kind.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch core.KindOf(err) {
	case core.KindAuth:
		return ExitAuth
	case core.KindNetwork:
		return ExitUnavailable
	default:
		return ExitFailure
	}
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// Response is the JSON envelope of every command.
type Response struct {
	Status string     `json:"status"`
	Data   any        `json:"data,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// Success writes data as JSON, or calls text with a tab-aligned writer.
func (f *OutputFormatter) Success(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(Response{Status: "ok", Data: data})
	}
	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	text(tw)
	return tw.Flush()
}

// Error writes err in the configured format.
func (f *OutputFormatter) Error(err error) error {
	body := &ErrorBody{Code: "error", Message: err.Error()}
	var de *core.Error
	if errors.As(err, &de) {
		body.Code = de.Code()
		body.Kind = string(de.Kind())
	} else if core.KindOf(err) == core.KindNetwork {
		body.Code = core.ErrNetworkFailure.Code()
		body.Kind = string(core.KindNetwork)
	}
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(Response{Status: "error", Error: body})
	}
	_, werr := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", body.Code, body.Message)
	return werr
}

type sessionView struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

func newSessionView(s core.Session) sessionView {
	return sessionView{UserID: s.UserID, Email: s.Email, ExpiresAt: s.ExpiresAt}
}

type categoryView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Budget      string    `json:"budget"`
	BudgetCents int64     `json:"budget_cents"`
	CreatedAt   time.Time `json:"created_at"`
}

func newCategoryView(c core.Category) categoryView {
	return categoryView{
		ID:          c.ID,
		Name:        c.Name,
		Budget:      c.Budget.String(),
		BudgetCents: c.Budget.Cents,
		CreatedAt:   c.CreatedAt,
	}
}

type expenseView struct {
	ID          string    `json:"id"`
	CategoryID  string    `json:"category_id"`
	Category    string    `json:"category,omitempty"`
	Amount      string    `json:"amount"`
	AmountCents int64     `json:"amount_cents"`
	Note        string    `json:"note,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func newExpenseView(r core.ExpenseRecord, names map[string]string) expenseView {
	return expenseView{
		ID:          r.ID,
		CategoryID:  r.CategoryID,
		Category:    names[r.CategoryID],
		Amount:      r.Amount.String(),
		AmountCents: r.Amount.Cents,
		Note:        r.Note,
		Timestamp:   r.Timestamp,
	}
}

type summaryView struct {
	CategoryID     string `json:"category_id"`
	Name           string `json:"name"`
	Spent          string `json:"spent"`
	Budget         string `json:"budget"`
	Remaining      string `json:"remaining"`
	RemainingCents int64  `json:"remaining_cents"`
	OverBudget     bool   `json:"over_budget"`
}

func newSummaryView(s core.SpendSummary) summaryView {
	return summaryView{
		CategoryID:     s.CategoryID,
		Name:           s.Name,
		Spent:          s.Spent.String(),
		Budget:         s.Budget.String(),
		Remaining:      s.Remaining.String(),
		RemainingCents: s.Remaining.Cents,
		OverBudget:     s.OverBudget(),
	}
}
