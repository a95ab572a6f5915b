// Package memory is an in-process export sink used when no spreadsheet is
// configured and in tests.
package memory

import (
	"context"
	"errors"
	"sync"

	"cointracer/internal/sheets"
)

var _ sheets.Exporter = (*Store)(nil)

type Store struct {
	mu      sync.Mutex
	items   []sheets.ExpenseRow
	budgets map[string]sheets.BudgetRow
}

func New() *Store {
	return &Store{budgets: map[string]sheets.BudgetRow{}}
}

// AppendExpense stores the row and returns a synthetic row reference.
// Appending an ID that is already present replaces it.
func (s *Store) AppendExpense(_ context.Context, row sheets.ExpenseRow) (string, error) {
	if row.ID == "" {
		return "", errors.New("expense row without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.items {
		if r.ID == row.ID && r.UserID == row.UserID {
			s.items[i] = row
			return "mem:" + row.ID, nil
		}
	}
	s.items = append(s.items, row)
	return "mem:" + row.ID, nil
}

func (s *Store) DeleteExpense(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.items {
		if r.ID == id && r.UserID == userID {
			s.items = append(s.items[:i:i], s.items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Store) DeleteExpensesByCategory(_ context.Context, userID, categoryID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.items[:0:0]
	for _, r := range s.items {
		if r.UserID != userID || r.CategoryID != categoryID {
			kept = append(kept, r)
		}
	}
	n := len(s.items) - len(kept)
	s.items = kept
	return n, nil
}

func (s *Store) UpsertBudget(_ context.Context, row sheets.BudgetRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets[row.UserID+"/"+row.CategoryID] = row
	return nil
}

func (s *Store) DeleteBudget(_ context.Context, userID, categoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.budgets, userID+"/"+categoryID)
	return nil
}

// Expenses returns the exported rows in append order.
func (s *Store) Expenses() []sheets.ExpenseRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sheets.ExpenseRow(nil), s.items...)
}

// Budget returns the exported budget row of a category.
func (s *Store) Budget(userID, categoryID string) (sheets.BudgetRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[userID+"/"+categoryID]
	return b, ok
}
