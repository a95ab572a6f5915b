package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"cointracer/internal/core"
	"cointracer/internal/log"
)

const categoryColumns = `id, name, budget_cents, created_at`

func scanCategory(row interface{ Scan(...any) error }) (core.Category, error) {
	var c core.Category
	var created int64
	if err := row.Scan(&c.ID, &c.Name, &c.Budget.Cents, &created); err != nil {
		return core.Category{}, err
	}
	c.CreatedAt = fromNanos(created)
	return c, nil
}

func (s *Service) ListCategories(ctx context.Context, tok string) ([]core.Category, error) {
	creds, err := s.authorize(ctx, tok)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+categoryColumns+` FROM categories WHERE user_id = ? ORDER BY created_at, seq`, creds.UserID)
	if err != nil {
		return nil, dbFailure("list categories", err)
	}
	defer rows.Close()

	var out []core.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, dbFailure("list categories", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, dbFailure("list categories", err)
	}
	return out, nil
}

func (s *Service) CreateCategory(ctx context.Context, tok string, in core.NewCategory) (core.Category, error) {
	if err := in.Validate(); err != nil {
		return core.Category{}, err
	}
	creds, err := s.authorize(ctx, tok)
	if err != nil {
		return core.Category{}, err
	}
	c := core.Category{
		ID:        uuid.NewString(),
		Name:      core.NormalizeName(in.Name),
		Budget:    in.Budget,
		CreatedAt: fromNanos(nanos(s.opts.Now())),
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO categories (id, user_id, name, name_key, budget_cents, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, creds.UserID, c.Name, core.NameKey(c.Name), c.Budget.Cents, nanos(c.CreatedAt)); err != nil {
		if isUniqueViolation(err, "name_key") {
			return core.Category{}, core.ErrDuplicateName
		}
		return core.Category{}, dbFailure("create category", err)
	}
	s.logger.DebugContext(ctx, "Category stored", log.NewFields().WithUser(creds.UserID).WithCategory(c.ID, c.Name, c.Budget.Cents).ToSlice()...)
	return c, nil
}

func (s *Service) UpdateCategory(ctx context.Context, tok, id string, patch core.CategoryPatch) (core.Category, error) {
	if err := patch.Validate(); err != nil {
		return core.Category{}, err
	}
	creds, err := s.authorize(ctx, tok)
	if err != nil {
		return core.Category{}, err
	}

	var out core.Category
	err = s.withTx(ctx, "update category", func(tx *sql.Tx) error {
		c, err := scanCategory(tx.QueryRowContext(ctx,
			`SELECT `+categoryColumns+` FROM categories WHERE id = ? AND user_id = ?`, id, creds.UserID))
		if errors.Is(err, sql.ErrNoRows) {
			return core.ErrNotFound
		}
		if err != nil {
			return dbFailure("update category", err)
		}
		c = patch.Apply(c)
		if _, err := tx.ExecContext(ctx,
			`UPDATE categories SET name = ?, name_key = ?, budget_cents = ? WHERE id = ?`,
			c.Name, core.NameKey(c.Name), c.Budget.Cents, c.ID); err != nil {
			if isUniqueViolation(err, "name_key") {
				return core.ErrDuplicateName
			}
			return dbFailure("update category", err)
		}
		out = c
		return nil
	})
	return out, err
}

func (s *Service) DeleteCategory(ctx context.Context, tok, id string, cascade bool) error {
	creds, err := s.authorize(ctx, tok)
	if err != nil {
		return err
	}
	return s.withTx(ctx, "delete category", func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM categories WHERE id = ? AND user_id = ?`, id, creds.UserID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return core.ErrNotFound
		}
		if err != nil {
			return dbFailure("delete category", err)
		}
		if cascade {
			if _, err := tx.ExecContext(ctx, `DELETE FROM expenses WHERE category_id = ?`, id); err != nil {
				return dbFailure("delete category", err)
			}
		} else {
			var inUse bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM expenses WHERE category_id = ?)`, id).Scan(&inUse); err != nil {
				return dbFailure("delete category", err)
			}
			if inUse {
				return core.ErrCategoryInUse
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM categories WHERE id = ?`, id); err != nil {
			if isForeignKeyViolation(err) {
				return core.ErrCategoryInUse
			}
			return dbFailure("delete category", err)
		}
		return nil
	})
}
