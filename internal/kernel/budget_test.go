package kernel

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudget_WithinLimit(t *testing.T) {
	b := NewBudget("steps", 10)

	for i := 0; i < 10; i++ {
		assert.NoError(t, b.Charge(1), "unit %d should be allowed", i+1)
	}

	assert.Equal(t, uint64(10), b.Used())
	assert.Equal(t, uint64(10), b.Limit())
	assert.True(t, b.Exhausted())
}

func TestBudget_ExceedsLimit(t *testing.T) {
	b := NewBudget("steps", 5)
	require.NoError(t, b.Charge(5))

	err := b.Charge(2)
	require.Error(t, err)

	var be *BudgetExceededError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "steps", be.What)
	assert.Equal(t, uint64(7), be.Used)
	assert.Equal(t, uint64(5), be.Limit)
	assert.Equal(t, "steps budget exceeded: 7 > 5 limit", be.Error())
}

func TestBudget_ZeroIsUnlimited(t *testing.T) {
	b := NewBudget("cycles", 0)
	for i := 0; i < 1000; i++ {
		require.NoError(t, b.Charge(1000))
	}
	assert.False(t, b.Exhausted())
}

func TestIsBudgetExceeded_Wrapped(t *testing.T) {
	err := fmt.Errorf("run: %w", &BudgetExceededError{What: "cycles", Used: 2, Limit: 1})
	assert.True(t, IsBudgetExceeded(err))
	assert.False(t, IsBudgetExceeded(fmt.Errorf("other")))
}

func TestMismatchError(t *testing.T) {
	err := fmt.Errorf("replay: %w", mismatch(42, 1, "syscall", 7, 1))

	assert.True(t, IsReplayMismatch(err))
	var me *MismatchError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, uint64(42), me.Cycle)
	assert.Equal(t, "7", me.Expected)
	assert.Equal(t, "1", me.Actual)
	assert.Contains(t, err.Error(), "replay mismatch at cycle 42 (task 1): syscall: expected 7, got 1")

	kernelWide := mismatch(3, -1, "state_hash", "aa", "bb")
	assert.Equal(t, "replay mismatch at cycle 3: state_hash: expected aa, got bb", kernelWide.Error())
}
