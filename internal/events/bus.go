// Package events carries store change notifications to their observers.
//
// Delivery is synchronous: Publish returns after every subscriber has seen
// the event. Events are delivered one at a time in publish order and, for a
// single event, in subscription order. Handlers must not publish.
package events

import (
	"context"
	"sync"

	"cointracer/internal/core"
	"cointracer/internal/log"
)

type Kind string

const (
	CategoriesLoaded Kind = "categories.loaded"
	CategoryCreated  Kind = "category.created"
	CategoryUpdated  Kind = "category.updated"
	CategoryRemoved  Kind = "category.removed"
	HistoryLoaded    Kind = "history.loaded"
	ExpenseAppended  Kind = "expense.appended"
	ExpenseRemoved   Kind = "expense.removed"
	StoresCleared    Kind = "stores.cleared"
)

// Event describes one applied change. Only the fields relevant to Kind are set.
type Event struct {
	Kind   Kind
	Epoch  uint64
	UserID string

	Category   core.Category
	Categories []core.Category
	Expense    core.ExpenseRecord
	Expenses   []core.ExpenseRecord

	// Cascade is set on CategoryRemoved when the category's expenses went with it.
	Cascade bool
}

// Handler observes events. A returned error is logged and does not stop delivery.
type Handler func(ctx context.Context, e Event) error

type subscription struct {
	id      uint64
	name    string
	handler Handler
}

type Bus struct {
	logger *log.Logger

	deliver sync.Mutex

	mu     sync.Mutex
	nextID uint64
	subs   []subscription
}

func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Discard()
	}
	return &Bus{logger: logger.WithComponent(log.ComponentEvents)}
}

// Subscribe registers h under name and returns a function that removes it.
func (b *Bus) Subscribe(name string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, name: name, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers e to every current subscriber.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.deliver.Lock()
	defer b.deliver.Unlock()

	b.mu.Lock()
	subs := append([]subscription(nil), b.subs...)
	b.mu.Unlock()

	for _, s := range subs {
		if err := s.handler(ctx, e); err != nil {
			b.logger.WarnContext(ctx, "Event handler failed",
				"subscriber", s.name,
				log.FieldEvent, string(e.Kind),
				log.FieldEpoch, e.Epoch,
				log.FieldError, err)
		}
	}
}
