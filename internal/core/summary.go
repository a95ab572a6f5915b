package core

// SpendSummary is the derived spend-vs-budget view of one category.
// It is never persisted.
type SpendSummary struct {
	CategoryID string
	Name       string
	Spent      Money
	Budget     Money
	Remaining  Money
}

// NewSpendSummary derives the summary of c given the total spent.
func NewSpendSummary(c Category, spent Money) SpendSummary {
	return SpendSummary{
		CategoryID: c.ID,
		Name:       c.Name,
		Spent:      spent,
		Budget:     c.Budget,
		Remaining:  c.Budget.Sub(spent),
	}
}

// OverBudget reports whether spending exceeded the budget.
func (s SpendSummary) OverBudget() bool {
	return s.Remaining.Cents < 0
}
