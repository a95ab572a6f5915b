package storage

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"cointracer/internal/core"
	"cointracer/internal/remote"
)

func (s *Service) ListExpenses(ctx context.Context, tok string, page remote.Page) ([]core.ExpenseRecord, error) {
	creds, err := s.authorize(ctx, tok)
	if err != nil {
		return nil, err
	}
	limit := page.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, category_id, amount_cents, note, ts FROM expenses WHERE user_id = ? ORDER BY seq LIMIT ? OFFSET ?`,
		creds.UserID, limit, max(page.Offset, 0))
	if err != nil {
		return nil, dbFailure("list expenses", err)
	}
	defer rows.Close()

	var out []core.ExpenseRecord
	for rows.Next() {
		var r core.ExpenseRecord
		var ts int64
		if err := rows.Scan(&r.ID, &r.CategoryID, &r.Amount.Cents, &r.Note, &ts); err != nil {
			return nil, dbFailure("list expenses", err)
		}
		r.Timestamp = fromNanos(ts)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, dbFailure("list expenses", err)
	}
	return out, nil
}

func (s *Service) AppendExpense(ctx context.Context, tok string, in core.NewExpense) (core.ExpenseRecord, error) {
	if err := in.Validate(); err != nil {
		return core.ExpenseRecord{}, err
	}
	creds, err := s.authorize(ctx, tok)
	if err != nil {
		return core.ExpenseRecord{}, err
	}
	rec := core.ExpenseRecord{
		ID:         uuid.NewString(),
		CategoryID: in.CategoryID,
		Amount:     in.Amount,
		Timestamp:  fromNanos(nanos(s.opts.Now())),
		Note:       strings.TrimSpace(in.Note),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO expenses (id, user_id, category_id, amount_cents, note, ts)
		 SELECT ?, ?, id, ?, ?, ? FROM categories WHERE id = ? AND user_id = ?`,
		rec.ID, creds.UserID, rec.Amount.Cents, rec.Note, nanos(rec.Timestamp), in.CategoryID, creds.UserID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return core.ExpenseRecord{}, core.ErrInvalidCategory
		}
		return core.ExpenseRecord{}, dbFailure("append expense", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ExpenseRecord{}, core.ErrInvalidCategory
	}
	return rec, nil
}

func (s *Service) DeleteExpense(ctx context.Context, tok, id string) error {
	creds, err := s.authorize(ctx, tok)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM expenses WHERE id = ? AND user_id = ?`, id, creds.UserID)
	if err != nil {
		return dbFailure("delete expense", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	return nil
}
