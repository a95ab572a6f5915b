package amqp

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Change kinds carried by ChangeMessage.
const (
	ChangeCategoryUpserted = "category.upserted"
	ChangeCategoryRemoved  = "category.removed"
	ChangeExpenseAppended  = "expense.appended"
	ChangeExpenseRemoved   = "expense.removed"
)

// CategoryPayload is the category state after the change.
type CategoryPayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	BudgetCents int64  `json:"budget_cents"`
}

// ExpensePayload is the expense affected by the change.
type ExpensePayload struct {
	ID           string    `json:"id"`
	CategoryID   string    `json:"category_id"`
	CategoryName string    `json:"category_name,omitempty"`
	AmountCents  int64     `json:"amount_cents"`
	Note         string    `json:"note,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// ChangeMessage is one applied change of a user's data, published after the
// core accepted it.
type ChangeMessage struct {
	ID        string           `json:"id"`
	Kind      string           `json:"kind"`
	UserID    string           `json:"user_id"`
	Epoch     uint64           `json:"epoch"`
	Category  *CategoryPayload `json:"category,omitempty"`
	Expense   *ExpensePayload  `json:"expense,omitempty"`
	Cascade   bool             `json:"cascade,omitempty"`
	TraceID   string           `json:"trace_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewChangeMessage creates a message with a fresh ID.
func NewChangeMessage(kind, userID string, epoch uint64) *ChangeMessage {
	return &ChangeMessage{
		ID:        uuid.NewString(),
		Kind:      kind,
		UserID:    userID,
		Epoch:     epoch,
		Timestamp: time.Now(),
	}
}

// Validate checks that the payload matches the kind.
func (m *ChangeMessage) Validate() error {
	if m.ID == "" || m.UserID == "" {
		return errors.New("message id and user id are required")
	}
	switch m.Kind {
	case ChangeCategoryUpserted, ChangeCategoryRemoved:
		if m.Category == nil || m.Category.ID == "" {
			return errors.New("category payload required")
		}
	case ChangeExpenseAppended, ChangeExpenseRemoved:
		if m.Expense == nil || m.Expense.ID == "" {
			return errors.New("expense payload required")
		}
	default:
		return errors.New("unknown change kind " + m.Kind)
	}
	return nil
}

// ToJSON converts the message to JSON bytes
func (m *ChangeMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ChangeMessageFromJSON decodes and validates a message.
func ChangeMessageFromJSON(data []byte) (*ChangeMessage, error) {
	var msg ChangeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}
