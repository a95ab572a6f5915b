package core

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxCategoryNameLength = 100
	MaxNoteLength         = 200
)

type (
	Money struct {
		Cents int64
	}

	// Session is the authenticated identity plus the validity window of its credential.
	Session struct {
		UserID    string
		Email     string
		Token     string
		ExpiresAt time.Time
	}

	Category struct {
		ID        string
		Name      string
		Budget    Money
		CreatedAt time.Time
	}

	// NewCategory is the input of a category creation.
	NewCategory struct {
		Name   string
		Budget Money
	}

	// CategoryPatch carries the optional fields of a category update.
	CategoryPatch struct {
		Name   *string
		Budget *Money
	}

	ExpenseRecord struct {
		ID         string
		CategoryID string
		Amount     Money
		Timestamp  time.Time
		Note       string
	}

	// NewExpense is the input of an expense append.
	NewExpense struct {
		CategoryID string
		Amount     Money
		Note       string
	}
)

// Expired reports whether the credential is no longer valid at now.
// A zero ExpiresAt never expires.
func (s Session) Expired(now time.Time) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// IsZero returns true when no user is attached to the session.
func (s Session) IsZero() bool {
	return s.UserID == ""
}

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrNonPositiveAmount
	}
	return nil
}

// Add returns m + o.
func (m Money) Add(o Money) Money {
	return Money{Cents: m.Cents + o.Cents}
}

// Sub returns m - o.
func (m Money) Sub(o Money) Money {
	return Money{Cents: m.Cents - o.Cents}
}

// NormalizeName trims surrounding spaces; category names are compared case-insensitively.
func NormalizeName(name string) string {
	return strings.TrimSpace(name)
}

// NameKey is the key used for category name uniqueness.
func NameKey(name string) string {
	return strings.ToLower(NormalizeName(name))
}

func validateName(name string) error {
	name = NormalizeName(name)
	if name == "" {
		return ErrEmptyName
	}
	if utf8.RuneCountInString(name) > MaxCategoryNameLength {
		return ErrNameTooLong
	}
	return nil
}

func validateBudget(b Money) error {
	if b.Cents < 0 {
		return ErrNegativeBudget
	}
	return nil
}

func (c NewCategory) Validate() error {
	if err := validateName(c.Name); err != nil {
		return err
	}
	return validateBudget(c.Budget)
}

// Validate checks the fields present in the patch.
func (p CategoryPatch) Validate() error {
	if p.Name != nil {
		if err := validateName(*p.Name); err != nil {
			return err
		}
	}
	if p.Budget != nil {
		if err := validateBudget(*p.Budget); err != nil {
			return err
		}
	}
	return nil
}

// Empty is true when the patch changes nothing.
func (p CategoryPatch) Empty() bool {
	return p.Name == nil && p.Budget == nil
}

// Apply returns c with the patch applied.
func (p CategoryPatch) Apply(c Category) Category {
	if p.Name != nil {
		c.Name = NormalizeName(*p.Name)
	}
	if p.Budget != nil {
		c.Budget = *p.Budget
	}
	return c
}

func (e NewExpense) Validate() error {
	if strings.TrimSpace(e.CategoryID) == "" {
		return ErrInvalidCategory
	}
	if err := e.Amount.Validate(); err != nil {
		return err
	}
	if utf8.RuneCountInString(e.Note) > MaxNoteLength {
		return ErrNoteTooLong
	}
	return nil
}
