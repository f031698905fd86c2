package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chimera/internal/keyspace"
	"chimera/internal/store"
)

// ErrBudgetExceeded is returned when a charge would push an agent past its
// daily cap.
var ErrBudgetExceeded = errors.New("daily budget exceeded")

// ErrPerTxCap is returned when a single charge exceeds the per-transaction cap.
var ErrPerTxCap = errors.New("per-transaction cap exceeded")

const casRetries = 5

// ErrContention is returned after repeated version conflicts on the same
// budget counter.
var ErrContention = errors.New("budget counter contention")

// entry is the persisted shape of one agent-day spend counter.
type entry struct {
	SpentUSDC float64 `json:"spent_usdc"`
	TxCount   int     `json:"tx_count"`
}

// Ledger tracks per-agent daily spend in the shared store. Counters live
// under a (tenant, agent, day) key and expire at the next UTC midnight, so
// the day boundary is enforced by the store rather than by bookkeeping.
type Ledger struct {
	store store.Store
	keys  keyspace.Keyspace

	MaxDailyUSDC float64
	MaxPerTxUSDC float64

	// Now is injectable for tests.
	Now func() time.Time
}

// New builds a Ledger over the given store for one tenant keyspace.
func New(s store.Store, keys keyspace.Keyspace, maxDaily, maxPerTx float64) *Ledger {
	return &Ledger{
		store:        s,
		keys:         keys,
		MaxDailyUSDC: maxDaily,
		MaxPerTxUSDC: maxPerTx,
		Now:          time.Now,
	}
}

// untilMidnight returns the TTL that expires a counter at the next UTC
// midnight.
func untilMidnight(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return next.Sub(now)
}

// Spent reports the amount an agent has spent so far today.
func (l *Ledger) Spent(ctx context.Context, agentID string) (float64, error) {
	key := l.keys.Budget(agentID, l.Now())
	v, err := l.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var e entry
	if err := json.Unmarshal(v.Value, &e); err != nil {
		return 0, fmt.Errorf("decode budget entry %s: %w", key, err)
	}
	return e.SpentUSDC, nil
}

// Check reports whether a prospective charge would be admissible right now.
// It is advisory only; Charge re-validates under CAS, so a passing Check can
// still be rejected at commit time.
func (l *Ledger) Check(ctx context.Context, agentID string, amountUSDC float64) error {
	if amountUSDC > l.MaxPerTxUSDC {
		return ErrPerTxCap
	}
	spent, err := l.Spent(ctx, agentID)
	if err != nil {
		return err
	}
	if spent+amountUSDC > l.MaxDailyUSDC {
		return ErrBudgetExceeded
	}
	return nil
}

// Charge records a spend against the agent's daily counter. The read,
// cap check, and write run under compare-and-swap so concurrent chargers
// cannot jointly overshoot the cap. Zero-amount charges are a no-op.
func (l *Ledger) Charge(ctx context.Context, agentID string, amountUSDC float64) error {
	if amountUSDC == 0 {
		return nil
	}
	if amountUSDC < 0 {
		return fmt.Errorf("charge amount must be non-negative, got %v", amountUSDC)
	}
	if amountUSDC > l.MaxPerTxUSDC {
		return ErrPerTxCap
	}
	for attempt := 0; attempt < casRetries; attempt++ {
		now := l.Now()
		key := l.keys.Budget(agentID, now)
		ttl := untilMidnight(now)

		var e entry
		var version uint64
		v, err := l.store.Get(ctx, key)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(v.Value, &e); err != nil {
				return fmt.Errorf("decode budget entry %s: %w", key, err)
			}
			version = v.Version
		}
		if e.SpentUSDC+amountUSDC > l.MaxDailyUSDC {
			return ErrBudgetExceeded
		}
		e.SpentUSDC += amountUSDC
		e.TxCount++
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		err = l.store.CompareAndSwap(ctx, key, data, version, ttl)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
	}
	return ErrContention
}
