package traffic

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gianick/domain-topology/internal/protocol"
)

// BalanceStore persists balance updates. The postgres topology store
// implements it; the memory backend runs without one.
type BalanceStore interface {
	InsertBalanceUpdate(ctx context.Context, member protocol.Member, serial, totalBalance uint64, sequenced time.Time) error
}

// BalanceManager owns the per-member traffic balance ledger. Updates apply
// in increasing serial order per member; stale serials are replayed
// dispatch and are ignored.
type BalanceManager struct {
	logger *slog.Logger
	store  BalanceStore // optional

	mu         sync.RWMutex
	updates    map[protocol.Member][]BalanceUpdate // sorted by Sequenced
	prunedUpTo time.Time
	maxTs      time.Time
}

func NewBalanceManager(logger *slog.Logger, store BalanceStore) *BalanceManager {
	return &BalanceManager{
		logger:  logger,
		store:   store,
		updates: make(map[protocol.Member][]BalanceUpdate),
	}
}

// AddBalanceUpdate applies one sequenced top-up. Serial replay is a no-op;
// a serial that advances but moves sequencing time backwards is refused.
func (m *BalanceManager) AddBalanceUpdate(ctx context.Context, update BalanceUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.updates[update.Member]
	if len(existing) > 0 {
		last := existing[len(existing)-1]
		if update.Serial <= last.Serial {
			return nil
		}
		if update.Sequenced.Before(last.Sequenced) {
			return fmt.Errorf("balance update for %s serial %d moves sequencing time backwards (%s before %s)",
				update.Member, update.Serial, update.Sequenced.Format(time.RFC3339Nano), last.Sequenced.Format(time.RFC3339Nano))
		}
	}
	if m.store != nil {
		if err := m.store.InsertBalanceUpdate(ctx, update.Member, update.Serial, update.TotalBalance, update.Sequenced); err != nil {
			return err
		}
	}
	m.updates[update.Member] = append(existing, update)
	if update.Sequenced.After(m.maxTs) {
		m.maxTs = update.Sequenced
	}
	return nil
}

// BalanceAt returns the balance in effect at ts: the most recent update
// with sequencing timestamp at or before ts. The boolean approximate flag
// is set when the manager cannot prove no later-but-applicable update
// exists; callers must treat an approximate result as a lower bound.
func (m *BalanceManager) BalanceAt(member protocol.Member, ts time.Time, lastSeen *time.Time, warnIfApproximate bool) (*BalanceUpdate, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	updates := m.updates[member]
	idx := sort.Search(len(updates), func(i int) bool {
		return updates[i].Sequenced.After(ts)
	})

	if idx == 0 {
		// No applicable update survived. If history below ts was pruned we
		// cannot distinguish "never had a balance" from "balance pruned".
		if !m.prunedUpTo.IsZero() && !ts.After(m.prunedUpTo) {
			return nil, false, &AlreadyPrunedError{Member: member, Timestamp: ts}
		}
	}

	approximate := m.isApproximate(ts, lastSeen)
	if approximate && warnIfApproximate {
		m.logger.Warn("traffic balance is approximate",
			slog.String("member", string(member)),
			slog.Time("timestamp", ts),
			slog.Time("max_known", m.maxTs),
		)
	}

	if idx == 0 {
		return nil, approximate, nil
	}
	update := updates[idx-1]
	return &update, approximate, nil
}

// isApproximate assumes m.mu held. The answer is provably exact when the
// manager has already observed balance traffic up to ts, or when the caller
// vouches (via lastSeen) that no update past our cursor can apply.
func (m *BalanceManager) isApproximate(ts time.Time, lastSeen *time.Time) bool {
	if !m.maxTs.Before(ts) {
		return false
	}
	if lastSeen != nil && !lastSeen.After(m.maxTs) {
		return false
	}
	return true
}

// MaxTimestamp returns the latest timestamp at which balance state is
// authoritative.
func (m *BalanceManager) MaxTimestamp() (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxTs, !m.maxTs.IsZero()
}

// Members lists every member with a known balance.
func (m *BalanceManager) Members() []protocol.Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.Member, 0, len(m.updates))
	for member := range m.updates {
		out = append(out, member)
	}
	return out
}

// Prune drops balance history strictly below upTo, always retaining the
// last applicable update per member so queries at or above the horizon
// stay answerable.
func (m *BalanceManager) Prune(upTo time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for member, updates := range m.updates {
		idx := sort.Search(len(updates), func(i int) bool {
			return updates[i].Sequenced.After(upTo)
		})
		// keep the newest update at or before the horizon
		if idx > 0 {
			idx--
		}
		if idx > 0 {
			m.updates[member] = append([]BalanceUpdate(nil), updates[idx:]...)
		}
	}
	if upTo.After(m.prunedUpTo) {
		m.prunedUpTo = upTo
	}
}
