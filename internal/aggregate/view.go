// Package aggregate derives spend-vs-budget summaries from store events.
// Nothing here is persisted; the view is rebuilt from load events and kept
// current by applying each change incrementally.
package aggregate

import (
	"context"
	"sort"
	"sync"

	"cointracer/internal/core"
	"cointracer/internal/events"
	"cointracer/internal/log"
)

// Listener is told which categories were recomputed. A nil slice means all.
type Listener func(categoryIDs []string)

type View struct {
	logger      *log.Logger
	unsubscribe func()

	mu         sync.RWMutex
	floor      uint64 // highest cleared epoch
	epoch      uint64
	categories []core.Category
	spent      map[string]core.Money

	lmu       sync.Mutex
	listeners map[int]Listener
	nextID    int
}

// New creates a view fed by bus.
func New(bus *events.Bus, logger *log.Logger) *View {
	if logger == nil {
		logger = log.Discard()
	}
	v := &View{
		logger:    logger.WithComponent(log.ComponentAggregate),
		spent:     map[string]core.Money{},
		listeners: map[int]Listener{},
	}
	v.unsubscribe = bus.Subscribe("aggregate", v.handle)
	return v
}

// Close detaches the view from its bus.
func (v *View) Close() {
	v.unsubscribe()
}

// Listen registers fn to run after every recomputation.
func (v *View) Listen(fn Listener) func() {
	v.lmu.Lock()
	defer v.lmu.Unlock()
	v.nextID++
	id := v.nextID
	v.listeners[id] = fn
	return func() {
		v.lmu.Lock()
		defer v.lmu.Unlock()
		delete(v.listeners, id)
	}
}

// SummaryFor returns the summary of a live category.
func (v *View) SummaryFor(categoryID string) (core.SpendSummary, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, c := range v.categories {
		if c.ID == categoryID {
			return core.NewSpendSummary(c, v.spent[c.ID]), nil
		}
	}
	return core.SpendSummary{}, core.ErrNotFound
}

// AllSummaries returns one summary per live category in creation order.
func (v *View) AllSummaries() []core.SpendSummary {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]core.SpendSummary, 0, len(v.categories))
	for _, c := range v.categories {
		out = append(out, core.NewSpendSummary(c, v.spent[c.ID]))
	}
	return out
}

func (v *View) handle(ctx context.Context, e events.Event) error {
	affected, changed := v.apply(e)
	if !changed {
		return nil
	}
	v.logger.DebugContext(ctx, "Summaries recomputed", log.FieldEvent, string(e.Kind), log.FieldEpoch, e.Epoch, log.FieldCount, len(affected))

	v.lmu.Lock()
	ls := make([]Listener, 0, len(v.listeners))
	ids := make([]int, 0, len(v.listeners))
	for id := range v.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		ls = append(ls, v.listeners[id])
	}
	v.lmu.Unlock()
	for _, fn := range ls {
		fn(affected)
	}
	return nil
}

func (v *View) apply(e events.Event) ([]string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if e.Kind == events.StoresCleared {
		if e.Epoch > v.floor {
			v.floor = e.Epoch
		}
		v.reset(v.epoch)
		return nil, true
	}
	switch {
	case e.Epoch <= v.floor, e.Epoch < v.epoch:
		return nil, false
	case e.Epoch > v.epoch:
		v.reset(e.Epoch)
	}

	switch e.Kind {
	case events.CategoriesLoaded:
		v.categories = append([]core.Category(nil), e.Categories...)
		sort.SliceStable(v.categories, func(i, j int) bool {
			return v.categories[i].CreatedAt.Before(v.categories[j].CreatedAt)
		})
		return nil, true

	case events.CategoryCreated:
		if v.indexOf(e.Category.ID) >= 0 {
			return nil, false
		}
		i := sort.Search(len(v.categories), func(i int) bool {
			return v.categories[i].CreatedAt.After(e.Category.CreatedAt)
		})
		v.categories = append(v.categories, core.Category{})
		copy(v.categories[i+1:], v.categories[i:])
		v.categories[i] = e.Category
		return []string{e.Category.ID}, true

	case events.CategoryUpdated:
		i := v.indexOf(e.Category.ID)
		if i < 0 {
			return nil, false
		}
		v.categories[i] = e.Category
		return []string{e.Category.ID}, true

	case events.CategoryRemoved:
		i := v.indexOf(e.Category.ID)
		delete(v.spent, e.Category.ID)
		if i < 0 {
			return nil, false
		}
		v.categories = append(v.categories[:i:i], v.categories[i+1:]...)
		return []string{e.Category.ID}, true

	case events.HistoryLoaded:
		v.spent = make(map[string]core.Money, len(v.categories))
		for _, r := range e.Expenses {
			v.spent[r.CategoryID] = v.spent[r.CategoryID].Add(r.Amount)
		}
		return nil, true

	case events.ExpenseAppended:
		id := e.Expense.CategoryID
		v.spent[id] = v.spent[id].Add(e.Expense.Amount)
		return []string{id}, true

	case events.ExpenseRemoved:
		id := e.Expense.CategoryID
		v.spent[id] = v.spent[id].Sub(e.Expense.Amount)
		return []string{id}, true
	}
	return nil, false
}

func (v *View) reset(epoch uint64) {
	v.epoch = epoch
	v.categories = nil
	v.spent = map[string]core.Money{}
}

func (v *View) indexOf(id string) int {
	for i, c := range v.categories {
		if c.ID == id {
			return i
		}
	}
	return -1
}
