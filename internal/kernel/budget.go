package kernel

import (
	"errors"
	"fmt"
)

// Budget counts units of work against a fixed limit.
//
// The kernel uses one for its overall cycle limit and a fresh one for every
// policy evaluation, so a runaway policy or program terminates with a
// *BudgetExceededError instead of spinning forever.
type Budget struct {
	what  string
	limit uint64 // 0 means unlimited
	used  uint64
}

// NewBudget creates a budget named what. A zero limit never runs out.
func NewBudget(what string, limit uint64) *Budget {
	return &Budget{what: what, limit: limit}
}

// Charge consumes n units. It returns a *BudgetExceededError once the total
// goes past the limit.
func (b *Budget) Charge(n uint64) error {
	b.used += n
	if b.limit > 0 && b.used > b.limit {
		return &BudgetExceededError{What: b.what, Used: b.used, Limit: b.limit}
	}
	return nil
}

// Exhausted reports whether the budget has no units left.
func (b *Budget) Exhausted() bool {
	return b.limit > 0 && b.used >= b.limit
}

// Used returns the units consumed so far.
func (b *Budget) Used() uint64 {
	return b.used
}

// Limit returns the configured limit.
func (b *Budget) Limit() uint64 {
	return b.limit
}

// BudgetExceededError is returned when a budget runs out.
type BudgetExceededError struct {
	What  string // budget name, e.g. "cycles" or "policy steps"
	Used  uint64
	Limit uint64
}

// Error implements the error interface.
func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("%s budget exceeded: %d > %d limit", e.What, e.Used, e.Limit)
}

// IsBudgetExceeded returns true if err is a BudgetExceededError.
// Uses errors.As to handle wrapped errors.
func IsBudgetExceeded(err error) bool {
	var be *BudgetExceededError
	return errors.As(err, &be)
}
