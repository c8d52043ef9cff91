package ratelimit

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBudgetDefaultsToUnlimited(t *testing.T) {
	b := NewBudget()
	require.Equal(t, uint64(NoLimit), b.Quota())

	b.RecordUsage(1 << 40)
	if b.Remaining() == 0 {
		t.Fatalf("unlimited budget reported exhaustion")
	}
}

func TestBudgetAccounting(t *testing.T) {
	b := NewBudget()
	b.SetQuota(1000)

	require.Equal(t, uint64(1000), b.Remaining())
	b.RecordUsage(500)
	require.Equal(t, uint64(500), b.Remaining())
	require.Equal(t, uint64(500), b.Used())

	// Overshoot clamps at zero instead of wrapping.
	b.RecordUsage(600)
	require.Equal(t, uint64(0), b.Remaining())

	b.OnTick()
	require.Equal(t, uint64(1000), b.Remaining())
	require.Equal(t, uint64(0), b.Used())
}

func TestBudgetZeroQuotaAlwaysExhausted(t *testing.T) {
	b := NewBudget()
	b.SetQuota(0)
	require.Equal(t, uint64(0), b.Remaining())
	b.OnTick()
	require.Equal(t, uint64(0), b.Remaining(), "tick must not revive a zero quota")
}

func TestBudgetQuotaLoweredBelowUsage(t *testing.T) {
	b := NewBudget()
	b.SetQuota(1000)
	b.RecordUsage(800)
	b.SetQuota(500)
	require.Equal(t, uint64(0), b.Remaining())
}

// The control plane rewrites quotas while the I/O loop reads them; the
// setter must be race-free against concurrent Remaining calls.
func TestBudgetConcurrentSetQuota(t *testing.T) {
	b := NewBudget()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 10000; i++ {
			b.SetQuota(uint64(i))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10000; i++ {
			_ = b.Remaining()
			_ = b.Quota()
		}
	}()
	wg.Wait()
}
