package amqp

import (
	"context"
	"sync"

	"cointracer/internal/core"
	"cointracer/internal/events"
	"cointracer/internal/log"
)

// Publisher is the outbound half of Client.
type Publisher interface {
	Publish(ctx context.Context, msg *ChangeMessage) error
}

// Forwarder turns applied change events into ChangeMessages. It tracks
// category names so expense messages carry them.
type Forwarder struct {
	pub    Publisher
	logger *log.Logger

	mu    sync.Mutex
	epoch uint64
	names map[string]string
}

func NewForwarder(pub Publisher, logger *log.Logger) *Forwarder {
	if logger == nil {
		logger = log.Discard()
	}
	return &Forwarder{
		pub:    pub,
		logger: logger.WithComponent(log.ComponentAMQP),
		names:  map[string]string{},
	}
}

// Forward publishes e when it is a user-visible change. Publish failures
// are logged and returned; the change itself stays applied.
func (f *Forwarder) Forward(ctx context.Context, e events.Event) error {
	msg := f.translate(e)
	if msg == nil {
		return nil
	}
	msg.TraceID = log.TraceID(ctx)
	if err := f.pub.Publish(ctx, msg); err != nil {
		f.logger.WarnContext(ctx, "Change not forwarded",
			log.FieldEvent, msg.Kind,
			log.FieldUserID, msg.UserID,
			log.FieldError, err)
		return err
	}
	return nil
}

func (f *Forwarder) translate(e events.Event) *ChangeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	if e.Epoch != f.epoch {
		f.epoch = e.Epoch
		f.names = map[string]string{}
	}

	switch e.Kind {
	case events.CategoriesLoaded:
		f.names = make(map[string]string, len(e.Categories))
		for _, c := range e.Categories {
			f.names[c.ID] = c.Name
		}
		return nil
	case events.StoresCleared:
		f.names = map[string]string{}
		return nil
	case events.CategoryCreated, events.CategoryUpdated:
		f.names[e.Category.ID] = e.Category.Name
		msg := NewChangeMessage(ChangeCategoryUpserted, e.UserID, e.Epoch)
		msg.Category = categoryPayload(e.Category)
		return msg
	case events.CategoryRemoved:
		delete(f.names, e.Category.ID)
		msg := NewChangeMessage(ChangeCategoryRemoved, e.UserID, e.Epoch)
		msg.Category = categoryPayload(e.Category)
		msg.Cascade = e.Cascade
		return msg
	case events.ExpenseAppended:
		msg := NewChangeMessage(ChangeExpenseAppended, e.UserID, e.Epoch)
		msg.Expense = f.expensePayload(e.Expense)
		return msg
	case events.ExpenseRemoved:
		msg := NewChangeMessage(ChangeExpenseRemoved, e.UserID, e.Epoch)
		msg.Expense = f.expensePayload(e.Expense)
		return msg
	}
	return nil
}

func categoryPayload(c core.Category) *CategoryPayload {
	return &CategoryPayload{ID: c.ID, Name: c.Name, BudgetCents: c.Budget.Cents}
}

func (f *Forwarder) expensePayload(r core.ExpenseRecord) *ExpensePayload {
	return &ExpensePayload{
		ID:           r.ID,
		CategoryID:   r.CategoryID,
		CategoryName: f.names[r.CategoryID],
		AmountCents:  r.Amount.Cents,
		Note:         r.Note,
		Timestamp:    r.Timestamp,
	}
}
