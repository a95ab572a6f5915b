// Package store holds the session-scoped caches of the user's categories
// and expenses. Each store is bound to one session epoch; results issued
// under an older epoch are dropped with core.ErrSessionChanged.
package store

import (
	"context"
	"fmt"
	"sync"

	"cointracer/internal/core"
	"cointracer/internal/session"
)

// Sessions is the part of the session manager the stores depend on.
type Sessions interface {
	Require() (session.Handle, error)
	IsCurrent(h session.Handle) bool
	Invalidate(h session.Handle, reason string) bool
}

// RemovalPolicy decides what removing a category with expenses does.
type RemovalPolicy string

const (
	// RemovalBlock rejects the removal with core.ErrCategoryInUse.
	RemovalBlock RemovalPolicy = "block"
	// RemovalCascade removes the category together with its expenses.
	RemovalCascade RemovalPolicy = "cascade"
)

func ParseRemovalPolicy(s string) (RemovalPolicy, error) {
	switch p := RemovalPolicy(s); p {
	case RemovalBlock, RemovalCascade:
		return p, nil
	case "":
		return RemovalBlock, nil
	default:
		return "", fmt.Errorf("unknown category removal policy %q", s)
	}
}

// scope is the epoch binding shared by both stores. Callers hold the store lock.
type scope struct {
	epoch  uint64
	userID string
	loaded bool
}

// bind moves the scope to h when h is newer. It reports false for stale handles.
func (s *scope) bind(h session.Handle) (reset bool, ok bool) {
	switch {
	case h.Epoch == s.epoch:
		return false, true
	case h.Epoch > s.epoch:
		*s = scope{epoch: h.Epoch, userID: h.UserID()}
		return true, true
	default:
		return false, false
	}
}

// remoteFailed classifies a remote error. Failures of a session that already
// ended are stale; a rejected credential ends the current session.
func remoteFailed(sessions Sessions, h session.Handle, op string, err error) error {
	if !sessions.IsCurrent(h) {
		return fmt.Errorf("%s: %w", op, core.ErrSessionChanged)
	}
	if core.NeedsReauth(err) {
		sessions.Invalidate(h, op+": "+err.Error())
	}
	return fmt.Errorf("%s: %w", op, err)
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until key is free and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*keyedEntry{}
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func lockCtx(ctx context.Context, k *keyedMutex, key string) (func(), error) {
	acquired := make(chan func(), 1)
	go func() { acquired <- k.Lock(key) }()
	select {
	case unlock := <-acquired:
		return unlock, nil
	case <-ctx.Done():
		go func() { (<-acquired)() }()
		return nil, core.NetworkFailure("wait for "+key, ctx.Err())
	}
}
