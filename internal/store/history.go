package store

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"cointracer/internal/core"
	"cointracer/internal/events"
	"cointracer/internal/log"
	"cointracer/internal/remote"
	"cointracer/internal/session"
)

const DefaultPageSize = 100

// CategoryIndex answers whether a category is live in the current catalog snapshot.
type CategoryIndex interface {
	Contains(categoryID string) bool
}

// History caches the user's expense log ordered by timestamp.
type History struct {
	remote     remote.ExpenseService
	sessions   Sessions
	bus        *events.Bus
	categories CategoryIndex
	pageSize   int
	logger     *log.Logger
	audit      *log.StructuredLogger

	keys  keyedMutex
	loads singleflight.Group
	// writes is held shared by Append and Remove and exclusively by fetch,
	// so a snapshot never overwrites a write that committed while it was taken.
	writes sync.RWMutex

	mu      sync.RWMutex
	scope   scope
	records []core.ExpenseRecord
	// purged collects categories cascaded away while a fetch is running.
	purged map[string]bool
}

func NewHistory(svc remote.ExpenseService, sessions Sessions, bus *events.Bus, categories CategoryIndex, pageSize int, logger *log.Logger) *History {
	if logger == nil {
		logger = log.Discard()
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	logger = logger.WithComponent(log.ComponentHistory)
	return &History{
		remote:     svc,
		sessions:   sessions,
		bus:        bus,
		categories: categories,
		pageSize:   pageSize,
		logger:     logger,
		audit:      log.NewStructuredLogger(logger),
	}
}

func (s *History) Reset(h session.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scope = scope{epoch: h.Epoch, userID: h.UserID()}
	s.records = nil
}

func (s *History) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scope = scope{epoch: s.scope.epoch}
	s.records = nil
}

// LoadAll pages through the user's expenses once per session and returns
// them in timestamp order.
func (s *History) LoadAll(ctx context.Context, userID string) ([]core.ExpenseRecord, error) {
	h, err := s.sessions.Require()
	if err != nil {
		return nil, err
	}
	if h.UserID() != userID {
		return nil, fmt.Errorf("load expenses of %s: %w", userID, core.ErrUnauthenticated)
	}
	if err := s.ensureLoaded(ctx, h); err != nil {
		return nil, err
	}
	return s.Records(), nil
}

func (s *History) Refresh(ctx context.Context) ([]core.ExpenseRecord, error) {
	h, err := s.sessions.Require()
	if err != nil {
		return nil, err
	}
	if err := s.fetch(ctx, h, true); err != nil {
		return nil, err
	}
	return s.Records(), nil
}

func (s *History) ensureLoaded(ctx context.Context, h session.Handle) error {
	if s.loadedFor(h) {
		return nil
	}
	return s.fetch(ctx, h, false)
}

func (s *History) loadedFor(h session.Handle) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scope.epoch == h.Epoch && s.scope.loaded
}

func (s *History) fetch(ctx context.Context, h session.Handle, force bool) error {
	_, err, _ := s.loads.Do(strconv.FormatUint(h.Epoch, 10), func() (any, error) {
		if !force && s.loadedFor(h) {
			return nil, nil
		}
		s.writes.Lock()
		defer s.writes.Unlock()
		s.trackPurges(true)
		defer s.trackPurges(false)

		var all []core.ExpenseRecord
		for offset := 0; ; offset += s.pageSize {
			page, err := s.remote.ListExpenses(ctx, h.Token(), remote.Page{Offset: offset, Limit: s.pageSize})
			if err != nil {
				return nil, remoteFailed(s.sessions, h, "list expenses", err)
			}
			all = append(all, page...)
			if len(page) < s.pageSize {
				break
			}
		}
		// Remote order breaks timestamp ties.
		sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })

		if err := s.apply(h, func() {
			if len(s.purged) > 0 {
				all = slices.DeleteFunc(all, func(r core.ExpenseRecord) bool { return s.purged[r.CategoryID] })
			}
			s.records = all
			s.scope.loaded = true
		}); err != nil {
			return nil, err
		}
		s.logger.DebugContext(ctx, "Expenses loaded", log.FieldUserID, h.UserID(), log.FieldEpoch, h.Epoch, log.FieldCount, len(all))
		s.bus.Publish(ctx, events.Event{Kind: events.HistoryLoaded, Epoch: h.Epoch, UserID: h.UserID(), Expenses: cloneRecords(all)})
		return nil, nil
	})
	return err
}

func (s *History) trackPurges(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.purged = map[string]bool{}
	} else {
		s.purged = nil
	}
}

func (s *History) apply(h session.Handle, mutate func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sessions.IsCurrent(h) {
		return core.ErrSessionChanged
	}
	if reset, ok := s.scope.bind(h); !ok {
		return core.ErrSessionChanged
	} else if reset {
		s.records = nil
	}
	mutate()
	return nil
}

// Append records an expense against a live category.
func (s *History) Append(ctx context.Context, categoryID string, amount core.Money, note string) (core.ExpenseRecord, error) {
	in := core.NewExpense{CategoryID: categoryID, Amount: amount, Note: note}
	if err := in.Validate(); err != nil {
		return core.ExpenseRecord{}, err
	}
	h, err := s.sessions.Require()
	if err != nil {
		return core.ExpenseRecord{}, err
	}
	if !s.categories.Contains(categoryID) {
		return core.ExpenseRecord{}, core.ErrInvalidCategory
	}
	if err := s.ensureLoaded(ctx, h); err != nil {
		return core.ExpenseRecord{}, err
	}
	s.writes.RLock()
	defer s.writes.RUnlock()

	rec, err := s.remote.AppendExpense(ctx, h.Token(), in)
	if err != nil {
		return core.ExpenseRecord{}, remoteFailed(s.sessions, h, "append expense", err)
	}
	if err := s.apply(h, func() {
		i := sort.Search(len(s.records), func(i int) bool { return s.records[i].Timestamp.After(rec.Timestamp) })
		s.records = append(s.records, core.ExpenseRecord{})
		copy(s.records[i+1:], s.records[i:])
		s.records[i] = rec
	}); err != nil {
		return core.ExpenseRecord{}, err
	}

	s.audit.LogExpenseAppended(ctx, h.UserID(), rec.ID, rec.CategoryID, rec.Amount.Cents)
	s.bus.Publish(ctx, events.Event{Kind: events.ExpenseAppended, Epoch: h.Epoch, UserID: h.UserID(), Expense: rec})
	return rec, nil
}

// Remove deletes one expense on explicit user request.
func (s *History) Remove(ctx context.Context, expenseID string) error {
	h, err := s.sessions.Require()
	if err != nil {
		return err
	}
	if err := s.ensureLoaded(ctx, h); err != nil {
		return err
	}
	unlock, err := lockCtx(ctx, &s.keys, "expense:"+expenseID)
	if err != nil {
		return err
	}
	defer unlock()
	s.writes.RLock()
	defer s.writes.RUnlock()
	rec, ok := s.Get(expenseID)
	if !ok {
		return core.ErrNotFound
	}

	if err := s.remote.DeleteExpense(ctx, h.Token(), expenseID); err != nil {
		return remoteFailed(s.sessions, h, "delete expense", err)
	}
	removed := false
	if err := s.apply(h, func() {
		for i, r := range s.records {
			if r.ID == expenseID {
				s.records = append(s.records[:i:i], s.records[i+1:]...)
				removed = true
				break
			}
		}
	}); err != nil {
		return err
	}
	if !removed {
		return core.ErrNotFound
	}

	s.logger.InfoContext(ctx, "Expense removed", log.NewFields().WithUser(h.UserID()).WithExpense(rec.ID, rec.CategoryID, rec.Amount.Cents).ToSlice()...)
	s.bus.Publish(ctx, events.Event{Kind: events.ExpenseRemoved, Epoch: h.Epoch, UserID: h.UserID(), Expense: rec})
	return nil
}

// HandleEvent purges a cascaded category's expenses.
func (s *History) HandleEvent(_ context.Context, e events.Event) error {
	if e.Kind != events.CategoryRemoved || !e.Cascade {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Epoch != s.scope.epoch {
		return nil
	}
	if s.purged != nil {
		s.purged[e.Category.ID] = true
	}
	kept := s.records[:0:0]
	for _, r := range s.records {
		if r.CategoryID != e.Category.ID {
			kept = append(kept, r)
		}
	}
	s.records = kept
	return nil
}

// Records returns a copy of the log in timestamp order.
func (s *History) Records() []core.ExpenseRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRecords(s.records)
}

func (s *History) Get(expenseID string) (core.ExpenseRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.ID == expenseID {
			return r, true
		}
	}
	return core.ExpenseRecord{}, false
}

func (s *History) HasRecords(categoryID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.CategoryID == categoryID {
			return true
		}
	}
	return false
}

// Pages yields the log in chunks of size. Each iteration starts from a
// fresh snapshot, so the sequence can be consumed again after changes.
func (s *History) Pages(size int) iter.Seq[[]core.ExpenseRecord] {
	if size <= 0 {
		size = s.pageSize
	}
	return func(yield func([]core.ExpenseRecord) bool) {
		snap := s.Records()
		for start := 0; start < len(snap); start += size {
			end := min(start+size, len(snap))
			if !yield(snap[start:end:end]) {
				return
			}
		}
	}
}

func (s *History) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scope.loaded
}

func cloneRecords(in []core.ExpenseRecord) []core.ExpenseRecord {
	return append([]core.ExpenseRecord(nil), in...)
}
