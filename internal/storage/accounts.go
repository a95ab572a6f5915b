package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"cointracer/internal/auth"
	"cointracer/internal/core"
	"cointracer/internal/log"
	"cointracer/internal/remote"
)

func (s *Service) Register(ctx context.Context, email, password string) (remote.Credentials, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if len([]rune(password)) < s.opts.MinPasswordLength {
		return remote.Credentials{}, core.ErrWeakCredential
	}
	hash, err := s.opts.Hasher.Hash(password)
	if err != nil {
		return remote.Credentials{}, err
	}

	var creds remote.Credentials
	err = s.withTx(ctx, "register", func(tx *sql.Tx) error {
		now := s.opts.Now()
		userID := uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO users (id, email, pass_hash, created_at) VALUES (?, ?, ?, ?)`,
			userID, email, hash, nanos(now)); err != nil {
			if isUniqueViolation(err, "email") {
				return core.ErrDuplicateEmail
			}
			return dbFailure("register", err)
		}
		for i, name := range s.seed {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO categories (id, user_id, name, name_key, budget_cents, created_at) VALUES (?, ?, ?, ?, 0, ?)`,
				uuid.NewString(), userID, name, core.NameKey(name), nanos(now.Add(time.Duration(i)))); err != nil {
				return dbFailure("seed categories", err)
			}
		}
		var err error
		creds, err = s.issue(ctx, tx, userID, email)
		return err
	})
	if err != nil {
		return remote.Credentials{}, err
	}
	s.logger.InfoContext(ctx, "Account registered", log.NewFields().WithUser(creds.UserID).ToSlice()...)
	return creds, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (remote.Credentials, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !s.attempts.Allow(email) {
		s.logger.WarnContext(ctx, "Login throttled", log.FieldEmail, email)
		return remote.Credentials{}, core.ErrTooManyAttempts
	}

	var userID, hash string
	err := s.db.QueryRowContext(ctx, `SELECT id, pass_hash FROM users WHERE email = ?`, email).Scan(&userID, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return remote.Credentials{}, core.ErrInvalidCredential
	}
	if err != nil {
		return remote.Credentials{}, dbFailure("login", err)
	}
	match, err := s.opts.Hasher.Verify(password, hash)
	if err != nil || !match {
		return remote.Credentials{}, core.ErrInvalidCredential
	}

	var creds remote.Credentials
	err = s.withTx(ctx, "login", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sessions WHERE user_id = ? AND expires_at <= ?`, userID, nanos(s.opts.Now())); err != nil {
			return dbFailure("login", err)
		}
		var err error
		creds, err = s.issue(ctx, tx, userID, email)
		return err
	})
	if err == nil {
		s.attempts.Reset(email)
	}
	return creds, err
}

func (s *Service) issue(ctx context.Context, tx *sql.Tx, userID, email string) (remote.Credentials, error) {
	pair, err := auth.NewToken()
	if err != nil {
		return remote.Credentials{}, err
	}
	now := s.opts.Now()
	expires := now.Add(s.opts.SessionTTL)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (token_hash, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		pair.Hash, userID, nanos(expires), nanos(now)); err != nil {
		return remote.Credentials{}, dbFailure("issue session", err)
	}
	return remote.Credentials{UserID: userID, Email: email, Token: pair.Token, ExpiresAt: fromNanos(nanos(expires))}, nil
}

func (s *Service) Validate(ctx context.Context, tok string) (remote.Credentials, error) {
	creds, err := s.authorize(ctx, tok)
	if err != nil {
		return remote.Credentials{}, err
	}
	creds.Token = tok
	return creds, nil
}

func (s *Service) Revoke(ctx context.Context, tok string) error {
	h := auth.HashToken(tok)
	s.sessions.Delete(h)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = ?`, h); err != nil {
		return dbFailure("revoke", err)
	}
	return nil
}

// authorize resolves tok to its owner. Lookups are served from the session
// cache until the cache TTL or the token expiry, whichever comes first.
func (s *Service) authorize(ctx context.Context, tok string) (remote.Credentials, error) {
	if tok == "" {
		return remote.Credentials{}, core.ErrUnauthenticated
	}
	h := auth.HashToken(tok)
	now := s.opts.Now()
	if creds, ok := s.sessions.Get(h); ok && now.Before(creds.ExpiresAt) {
		return creds, nil
	}

	var creds remote.Credentials
	var expires int64
	err := s.db.QueryRowContext(ctx,
		`SELECT u.id, u.email, s.expires_at FROM sessions s JOIN users u ON u.id = s.user_id WHERE s.token_hash = ?`, h).
		Scan(&creds.UserID, &creds.Email, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return remote.Credentials{}, core.ErrUnauthenticated
	}
	if err != nil {
		return remote.Credentials{}, dbFailure("validate session", err)
	}
	creds.ExpiresAt = fromNanos(expires)
	if !now.Before(creds.ExpiresAt) {
		s.sessions.Delete(h)
		return remote.Credentials{}, core.ErrSessionExpired
	}
	s.sessions.SetUntil(h, creds, creds.ExpiresAt)
	return creds, nil
}
