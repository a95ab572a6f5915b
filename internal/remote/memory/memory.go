// Package memory is an in-process persistence service. It backs
// DATA_BACKEND=memory and the package tests, and can inject faults.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cointracer/internal/auth"
	"cointracer/internal/core"
	"cointracer/internal/remote"
)

// Operation names accepted by FailNext and Hold.
const (
	OpRegister       = "register"
	OpLogin          = "login"
	OpValidate       = "validate"
	OpRevoke         = "revoke"
	OpListCategories = "list_categories"
	OpCreateCategory = "create_category"
	OpUpdateCategory = "update_category"
	OpDeleteCategory = "delete_category"
	OpListExpenses   = "list_expenses"
	OpAppendExpense  = "append_expense"
	OpDeleteExpense  = "delete_expense"
)

const (
	DefaultTTL               = 24 * time.Hour
	DefaultMinPasswordLength = 6
)

var _ remote.Service = (*Service)(nil)

type account struct {
	id       string
	email    string
	passHash string
}

type token struct {
	userID    string
	expiresAt time.Time
}

type Service struct {
	mu         sync.Mutex
	now        func() time.Time
	ttl        time.Duration
	minPass    int
	hasher     auth.Hasher
	seed       []string
	accounts   map[string]*account // by email
	tokens     map[string]token    // by token hash
	categories map[string][]core.Category
	expenses   map[string][]core.ExpenseRecord

	faults *faults
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithSeed gives every new account these categories with a zero budget.
func WithSeed(names []string) Option {
	return func(s *Service) { s.seed = remote.UniqueNames(names) }
}

// WithMinPasswordLength sets the shortest password Register accepts.
func WithMinPasswordLength(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.minPass = n
		}
	}
}

func WithHasher(h auth.Hasher) Option {
	return func(s *Service) { s.hasher = h }
}

func New(opts ...Option) *Service {
	s := &Service{
		now:        time.Now,
		ttl:        DefaultTTL,
		minPass:    DefaultMinPasswordLength,
		hasher:     auth.FastArgon2(),
		accounts:   map[string]*account{},
		tokens:     map[string]token{},
		categories: map[string][]core.Category{},
		expenses:   map[string][]core.ExpenseRecord{},
		faults:     newFaults(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromFiles seeds new accounts from base/seed_categories.txt when present.
func NewFromFiles(base string, opts ...Option) *Service {
	if names := remote.LoadSeed(base); len(names) > 0 {
		opts = append([]Option{WithSeed(names)}, opts...)
	}
	return New(opts...)
}

func (s *Service) Register(ctx context.Context, email, password string) (remote.Credentials, error) {
	if err := s.faults.enter(ctx, OpRegister); err != nil {
		return remote.Credentials{}, err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if len([]rune(password)) < s.minPass {
		return remote.Credentials{}, core.ErrWeakCredential
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return remote.Credentials{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[email]; ok {
		return remote.Credentials{}, core.ErrDuplicateEmail
	}
	acc := &account{id: uuid.NewString(), email: email, passHash: hash}
	s.accounts[email] = acc

	now := s.now()
	for i, name := range s.seed {
		s.categories[acc.id] = append(s.categories[acc.id], core.Category{
			ID:        uuid.NewString(),
			Name:      name,
			CreatedAt: now.Add(time.Duration(i)),
		})
	}
	return s.issueLocked(acc)
}

func (s *Service) Login(ctx context.Context, email, password string) (remote.Credentials, error) {
	if err := s.faults.enter(ctx, OpLogin); err != nil {
		return remote.Credentials{}, err
	}
	email = strings.ToLower(strings.TrimSpace(email))

	s.mu.Lock()
	acc, ok := s.accounts[email]
	s.mu.Unlock()
	if !ok {
		return remote.Credentials{}, core.ErrInvalidCredential
	}
	match, err := s.hasher.Verify(password, acc.passHash)
	if err != nil || !match {
		return remote.Credentials{}, core.ErrInvalidCredential
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(acc)
}

func (s *Service) Validate(ctx context.Context, tok string) (remote.Credentials, error) {
	if err := s.faults.enter(ctx, OpValidate); err != nil {
		return remote.Credentials{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, err := s.authorizeLocked(tok)
	if err != nil {
		return remote.Credentials{}, err
	}
	t := s.tokens[auth.HashToken(tok)]
	for _, acc := range s.accounts {
		if acc.id == userID {
			return remote.Credentials{UserID: acc.id, Email: acc.email, Token: tok, ExpiresAt: t.expiresAt}, nil
		}
	}
	return remote.Credentials{}, core.ErrSessionExpired
}

func (s *Service) Revoke(ctx context.Context, tok string) error {
	if err := s.faults.enter(ctx, OpRevoke); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, auth.HashToken(tok))
	return nil
}

func (s *Service) ListCategories(ctx context.Context, tok string) ([]core.Category, error) {
	if err := s.faults.enter(ctx, OpListCategories); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, err := s.authorizeLocked(tok)
	if err != nil {
		return nil, err
	}
	return append([]core.Category(nil), s.categories[userID]...), nil
}

func (s *Service) CreateCategory(ctx context.Context, tok string, in core.NewCategory) (core.Category, error) {
	if err := s.faults.enter(ctx, OpCreateCategory); err != nil {
		return core.Category{}, err
	}
	if err := in.Validate(); err != nil {
		return core.Category{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, err := s.authorizeLocked(tok)
	if err != nil {
		return core.Category{}, err
	}
	if s.nameTakenLocked(userID, "", in.Name) {
		return core.Category{}, core.ErrDuplicateName
	}
	c := core.Category{
		ID:        uuid.NewString(),
		Name:      core.NormalizeName(in.Name),
		Budget:    in.Budget,
		CreatedAt: s.now(),
	}
	s.categories[userID] = append(s.categories[userID], c)
	return c, nil
}

func (s *Service) UpdateCategory(ctx context.Context, tok, id string, patch core.CategoryPatch) (core.Category, error) {
	if err := s.faults.enter(ctx, OpUpdateCategory); err != nil {
		return core.Category{}, err
	}
	if err := patch.Validate(); err != nil {
		return core.Category{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, err := s.authorizeLocked(tok)
	if err != nil {
		return core.Category{}, err
	}
	cats := s.categories[userID]
	for i, c := range cats {
		if c.ID != id {
			continue
		}
		if patch.Name != nil && s.nameTakenLocked(userID, id, *patch.Name) {
			return core.Category{}, core.ErrDuplicateName
		}
		cats[i] = patch.Apply(c)
		return cats[i], nil
	}
	return core.Category{}, core.ErrNotFound
}

func (s *Service) DeleteCategory(ctx context.Context, tok, id string, cascade bool) error {
	if err := s.faults.enter(ctx, OpDeleteCategory); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, err := s.authorizeLocked(tok)
	if err != nil {
		return err
	}
	cats := s.categories[userID]
	idx := -1
	for i, c := range cats {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return core.ErrNotFound
	}

	kept := s.expenses[userID][:0:0]
	for _, e := range s.expenses[userID] {
		if e.CategoryID != id {
			kept = append(kept, e)
		}
	}
	if len(kept) != len(s.expenses[userID]) {
		if !cascade {
			return core.ErrCategoryInUse
		}
		s.expenses[userID] = kept
	}
	s.categories[userID] = append(cats[:idx:idx], cats[idx+1:]...)
	return nil
}

func (s *Service) ListExpenses(ctx context.Context, tok string, page remote.Page) ([]core.ExpenseRecord, error) {
	if err := s.faults.enter(ctx, OpListExpenses); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, err := s.authorizeLocked(tok)
	if err != nil {
		return nil, err
	}
	all := s.expenses[userID]
	if page.Offset >= len(all) {
		return nil, nil
	}
	end := len(all)
	if page.Limit > 0 && page.Offset+page.Limit < end {
		end = page.Offset + page.Limit
	}
	return append([]core.ExpenseRecord(nil), all[page.Offset:end]...), nil
}

func (s *Service) AppendExpense(ctx context.Context, tok string, in core.NewExpense) (core.ExpenseRecord, error) {
	if err := s.faults.enter(ctx, OpAppendExpense); err != nil {
		return core.ExpenseRecord{}, err
	}
	if err := in.Validate(); err != nil {
		return core.ExpenseRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, err := s.authorizeLocked(tok)
	if err != nil {
		return core.ExpenseRecord{}, err
	}
	found := false
	for _, c := range s.categories[userID] {
		if c.ID == in.CategoryID {
			found = true
			break
		}
	}
	if !found {
		return core.ExpenseRecord{}, core.ErrInvalidCategory
	}
	e := core.ExpenseRecord{
		ID:         uuid.NewString(),
		CategoryID: in.CategoryID,
		Amount:     in.Amount,
		Timestamp:  s.now(),
		Note:       strings.TrimSpace(in.Note),
	}
	s.expenses[userID] = append(s.expenses[userID], e)
	return e, nil
}

func (s *Service) DeleteExpense(ctx context.Context, tok, id string) error {
	if err := s.faults.enter(ctx, OpDeleteExpense); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, err := s.authorizeLocked(tok)
	if err != nil {
		return err
	}
	all := s.expenses[userID]
	for i, e := range all {
		if e.ID == id {
			s.expenses[userID] = append(all[:i:i], all[i+1:]...)
			return nil
		}
	}
	return core.ErrNotFound
}

// FailNext makes the next call of op return err.
func (s *Service) FailNext(op string, err error) {
	s.faults.failNext(op, err)
}

// Hold blocks calls of op until the returned gate is released.
func (s *Service) Hold(op string) *Gate {
	return s.faults.hold(op)
}

// Calls returns how many times op was invoked.
func (s *Service) Calls(op string) int {
	return s.faults.count(op)
}

func (s *Service) issueLocked(acc *account) (remote.Credentials, error) {
	pair, err := auth.NewToken()
	if err != nil {
		return remote.Credentials{}, err
	}
	expires := s.now().Add(s.ttl)
	s.tokens[pair.Hash] = token{userID: acc.id, expiresAt: expires}
	return remote.Credentials{UserID: acc.id, Email: acc.email, Token: pair.Token, ExpiresAt: expires}, nil
}

func (s *Service) authorizeLocked(tok string) (string, error) {
	t, ok := s.tokens[auth.HashToken(tok)]
	if !ok {
		return "", core.ErrUnauthenticated
	}
	if !s.now().Before(t.expiresAt) {
		return "", core.ErrSessionExpired
	}
	return t.userID, nil
}

func (s *Service) nameTakenLocked(userID, exceptID, name string) bool {
	key := core.NameKey(name)
	for _, c := range s.categories[userID] {
		if c.ID != exceptID && core.NameKey(c.Name) == key {
			return true
		}
	}
	return false
}
