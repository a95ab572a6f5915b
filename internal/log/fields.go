package log

// Common field names for structured logging
const (
	FieldComponent   = "component"
	FieldSuccess     = "success"
	FieldError       = "error"
	FieldErrorKind   = "error_kind"
	FieldOperation   = "operation"
	FieldUserID      = "user_id"
	FieldEmail       = "email"
	FieldEpoch       = "epoch"
	FieldTransition  = "transition"
	FieldReason      = "reason"
	FieldCategoryID  = "category_id"
	FieldCategory    = "category_name"
	FieldExpenseID   = "expense_id"
	FieldAmountCents = "amount_cents"
	FieldBudgetCents = "budget_cents"
	FieldCount       = "count"
	FieldEvent       = "event"
	FieldSheetsRef   = "sheets_ref"
	FieldDuration    = "duration_ms"
	FieldTraceID     = "trace_id"
	FieldMessageID   = "message_id"
)

// Components defines standard component names
const (
	ComponentApp       = "app"
	ComponentSession   = "session"
	ComponentCatalog   = "catalog"
	ComponentHistory   = "history"
	ComponentAggregate = "aggregate"
	ComponentEvents    = "events"
	ComponentRemote    = "remote"
	ComponentStorage   = "storage"
	ComponentAMQP      = "amqp"
	ComponentWorker    = "worker"
	ComponentSheets    = "sheets"
	ComponentCache     = "cache"
	ComponentBackend   = "backend"
	ComponentCLI       = "cli"
)

// Operations defines standard operation names
const (
	OpRegister = "register"
	OpLogin    = "login"
	OpLogout   = "logout"
	OpRestore  = "restore"
	OpLoad     = "load"
	OpCreate   = "create"
	OpUpdate   = "update"
	OpDelete   = "delete"
	OpList     = "list"
	OpAppend   = "append"
	OpPublish  = "publish"
	OpSync     = "sync"
	OpValidate = "validate"
	OpShutdown = "shutdown"
	OpStartup  = "startup"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

// WithComponent adds component field
func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

// WithError adds error field
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

// WithOperation adds operation field
func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithUser adds the user id field
func (f LogFields) WithUser(userID string) LogFields {
	if userID != "" {
		f[FieldUserID] = userID
	}
	return f
}

// WithEpoch adds the session epoch field
func (f LogFields) WithEpoch(epoch uint64) LogFields {
	f[FieldEpoch] = epoch
	return f
}

// WithExpense adds expense-related fields
func (f LogFields) WithExpense(expenseID, categoryID string, amountCents int64) LogFields {
	f[FieldExpenseID] = expenseID
	f[FieldCategoryID] = categoryID
	f[FieldAmountCents] = amountCents
	return f
}

// WithCategory adds category-related fields
func (f LogFields) WithCategory(categoryID, name string, budgetCents int64) LogFields {
	f[FieldCategoryID] = categoryID
	f[FieldCategory] = name
	f[FieldBudgetCents] = budgetCents
	return f
}

// ToSlice converts LogFields to a slice for slog.
// The component key is left out when the logger already carries it.
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		if k == FieldComponent {
			continue
		}
		slice = append(slice, k, v)
	}
	return slice
}
