// Package session owns the authenticated identity and its lifecycle.
//
// The manager moves through Unauthenticated, Authenticating and
// Authenticated. Every establishment gets a new epoch; dependents tag their
// in-flight work with the Handle they started under and drop results whose
// handle is no longer current.
package session

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"cointracer/internal/core"
	"cointracer/internal/log"
	"cointracer/internal/remote"
)

const DefaultMinPasswordLength = 6

type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

// Handle identifies one established session.
type Handle struct {
	Epoch   uint64
	Session core.Session
}

func (h Handle) UserID() string { return h.Session.UserID }
func (h Handle) Token() string  { return h.Session.Token }

type TransitionKind string

const (
	Established TransitionKind = "established"
	Cleared     TransitionKind = "cleared"
)

type Transition struct {
	Kind   TransitionKind
	Handle Handle
	Reason string
}

// Listener is called synchronously for each transition, in order.
// It must not call back into the manager's transitioning methods.
type Listener func(ctx context.Context, t Transition)

type Options struct {
	MinPasswordLength int
	Now               func() time.Time
}

type listener struct {
	id uint64
	fn Listener
}

type Manager struct {
	auth        remote.AuthService
	logger      *log.Logger
	audit       *log.StructuredLogger
	minPassword int
	now         func() time.Time

	// transition serializes state changes together with their delivery.
	transition sync.Mutex

	mu      sync.Mutex
	state   State
	current Handle
	epoch   uint64
	attempt uint64

	lmu       sync.Mutex
	listeners []listener
	nextID    uint64
}

func NewManager(auth remote.AuthService, opts Options, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Discard()
	}
	if opts.MinPasswordLength <= 0 {
		opts.MinPasswordLength = DefaultMinPasswordLength
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger = logger.WithComponent(log.ComponentSession)
	return &Manager{
		auth:        auth,
		logger:      logger,
		audit:       log.NewStructuredLogger(logger),
		minPassword: opts.MinPasswordLength,
		now:         opts.Now,
	}
}

// Register creates an account and establishes its session.
func (m *Manager) Register(ctx context.Context, email, password string) (core.Session, error) {
	email, err := m.checkCredentials(email, password)
	if err != nil {
		return core.Session{}, err
	}
	return m.authenticate(ctx, log.OpRegister, func(ctx context.Context) (remote.Credentials, error) {
		return m.auth.Register(ctx, email, password)
	})
}

func (m *Manager) Login(ctx context.Context, email, password string) (core.Session, error) {
	email, err := m.checkCredentials(email, password)
	if err != nil {
		return core.Session{}, err
	}
	return m.authenticate(ctx, log.OpLogin, func(ctx context.Context) (remote.Credentials, error) {
		return m.auth.Login(ctx, email, password)
	})
}

// Restore revalidates a persisted token before trusting it.
func (m *Manager) Restore(ctx context.Context, token string) (core.Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return core.Session{}, core.ErrUnauthenticated
	}
	return m.authenticate(ctx, log.OpRestore, func(ctx context.Context) (remote.Credentials, error) {
		creds, err := m.auth.Validate(ctx, token)
		if err != nil {
			return creds, err
		}
		if creds.Session().Expired(m.now()) {
			return remote.Credentials{}, core.ErrSessionExpired
		}
		return creds, nil
	})
}

// Logout always succeeds locally. The remote revoke is best effort.
func (m *Manager) Logout(ctx context.Context) {
	m.transition.Lock()
	m.mu.Lock()
	switch m.state {
	case StateAuthenticated:
		h := m.current
		m.state = StateUnauthenticated
		m.current = Handle{}
		m.mu.Unlock()
		m.notify(ctx, Transition{Kind: Cleared, Handle: h, Reason: log.OpLogout})
		m.transition.Unlock()
		m.revoke(ctx, h)
	case StateAuthenticating:
		// The pending attempt sees the bumped counter and discards its result.
		m.attempt++
		m.state = StateUnauthenticated
		m.mu.Unlock()
		m.transition.Unlock()
		m.logger.InfoContext(ctx, "Pending authentication abandoned by logout")
	default:
		m.mu.Unlock()
		m.transition.Unlock()
	}
}

// Current returns the cached session while authenticated and unexpired.
// It never transitions; expiry is acted upon by Require.
func (m *Manager) Current() (core.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAuthenticated || m.current.Session.Expired(m.now()) {
		return core.Session{}, false
	}
	return m.current.Session, true
}

// State reports the lifecycle state. An expired session already reads as
// unauthenticated, like Current; its teardown still happens in Require.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAuthenticated && m.current.Session.Expired(m.now()) {
		return StateUnauthenticated
	}
	return m.state
}

// Require returns the handle of the current session. An expired token
// invalidates the session and yields ErrSessionExpired.
func (m *Manager) Require() (Handle, error) {
	m.mu.Lock()
	if m.state != StateAuthenticated {
		m.mu.Unlock()
		return Handle{}, core.ErrUnauthenticated
	}
	h := m.current
	m.mu.Unlock()

	if h.Session.Expired(m.now()) {
		m.Invalidate(h, "token expired")
		return Handle{}, core.ErrSessionExpired
	}
	return h, nil
}

// IsCurrent reports whether h is still the established session.
func (m *Manager) IsCurrent(h Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateAuthenticated && m.current.Epoch == h.Epoch
}

// Invalidate ends the session identified by h. Only the first call for an
// epoch transitions; later calls return false.
func (m *Manager) Invalidate(h Handle, reason string) bool {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	if m.state != StateAuthenticated || m.current.Epoch != h.Epoch {
		m.mu.Unlock()
		return false
	}
	m.state = StateUnauthenticated
	m.current = Handle{}
	m.mu.Unlock()

	m.notify(context.Background(), Transition{Kind: Cleared, Handle: h, Reason: reason})
	return true
}

// Subscribe registers fn for every future transition.
func (m *Manager) Subscribe(fn Listener) func() {
	m.lmu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listener{id: id, fn: fn})
	m.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.lmu.Lock()
			defer m.lmu.Unlock()
			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (m *Manager) authenticate(ctx context.Context, op string, call func(context.Context) (remote.Credentials, error)) (core.Session, error) {
	m.transition.Lock()
	m.mu.Lock()
	if m.state == StateAuthenticating {
		m.mu.Unlock()
		m.transition.Unlock()
		return core.Session{}, core.ErrAuthInProgress
	}
	prev, hadPrev := m.current, m.state == StateAuthenticated
	m.state = StateAuthenticating
	m.current = Handle{}
	m.attempt++
	attempt := m.attempt
	m.mu.Unlock()
	if hadPrev {
		m.notify(ctx, Transition{Kind: Cleared, Handle: prev, Reason: "replaced by " + op})
	}
	m.transition.Unlock()

	if hadPrev {
		m.revoke(ctx, prev)
	}

	creds, err := call(ctx)

	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	if m.state != StateAuthenticating || m.attempt != attempt {
		m.mu.Unlock()
		if err == nil {
			m.revoke(ctx, Handle{Session: creds.Session()})
		}
		return core.Session{}, core.ErrSessionChanged
	}
	if err != nil {
		m.state = StateUnauthenticated
		m.mu.Unlock()
		m.logger.WarnContext(ctx, "Authentication failed",
			log.FieldOperation, op,
			log.FieldErrorKind, string(core.KindOf(err)),
			log.FieldError, err)
		return core.Session{}, fmt.Errorf("%s: %w", op, err)
	}
	m.epoch++
	h := Handle{Epoch: m.epoch, Session: creds.Session()}
	m.current = h
	m.state = StateAuthenticated
	m.mu.Unlock()

	m.notify(ctx, Transition{Kind: Established, Handle: h, Reason: op})
	return h.Session, nil
}

func (m *Manager) notify(ctx context.Context, t Transition) {
	m.audit.LogTransition(ctx, string(t.Kind), t.Handle.UserID(), t.Handle.Epoch, t.Reason)

	m.lmu.Lock()
	ls := append([]listener(nil), m.listeners...)
	m.lmu.Unlock()
	for _, l := range ls {
		l.fn(ctx, t)
	}
}

func (m *Manager) revoke(ctx context.Context, h Handle) {
	if h.Token() == "" {
		return
	}
	if err := m.auth.Revoke(context.WithoutCancel(ctx), h.Token()); err != nil {
		m.logger.WarnContext(ctx, "Remote revoke failed",
			log.FieldUserID, h.UserID(),
			log.FieldEpoch, h.Epoch,
			log.FieldError, err)
		return
	}
	m.logger.DebugContext(ctx, "Remote session revoked", log.FieldUserID, h.UserID(), log.FieldEpoch, h.Epoch)
}

func (m *Manager) checkCredentials(email, password string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@"):], ".") {
		return "", core.ErrInvalidEmail
	}
	if len([]rune(password)) < m.minPassword {
		return "", core.ErrWeakCredential
	}
	return email, nil
}
