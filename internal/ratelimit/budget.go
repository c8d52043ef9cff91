package ratelimit

import (
	"math"
	"sync/atomic"
)

// NoLimit is the quota value of a budget that never exhausts.
const NoLimit = math.MaxUint64

// Budget tracks bytes consumed against a bytes-per-period quota. Usage is
// recorded and queried from a session's I/O loop only; the quota itself may
// be rewritten at any time from the control plane, so it is atomic. A fresh
// Budget is unlimited until SetQuota is called.
type Budget struct {
	quota atomic.Uint64
	used  uint64
}

// NewBudget returns an unlimited budget.
func NewBudget() *Budget {
	b := &Budget{}
	b.quota.Store(NoLimit)
	return b
}

// SetQuota replaces the per-period quota. Safe to call concurrently with
// RecordUsage and Remaining on the I/O loop. A quota of zero means the
// budget is exhausted in every period.
func (b *Budget) SetQuota(bytesPerPeriod uint64) {
	b.quota.Store(bytesPerPeriod)
}

// Quota returns the configured per-period quota.
func (b *Budget) Quota() uint64 {
	return b.quota.Load()
}

// RecordUsage charges n bytes against the current period.
func (b *Budget) RecordUsage(n uint64) {
	b.used += n
}

// Used returns the bytes charged in the current period.
func (b *Budget) Used() uint64 {
	return b.used
}

// Remaining returns the unconsumed quota for the current period, zero when
// exhausted.
func (b *Budget) Remaining() uint64 {
	quota := b.quota.Load()
	if b.used >= quota {
		return 0
	}
	return quota - b.used
}

// OnTick opens a new accounting period, forgetting the usage of the old one.
func (b *Budget) OnTick() {
	b.used = 0
}
