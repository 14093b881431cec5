package traffic

import (
	"log/slog"
	"math"
	"time"

	"github.com/gianick/domain-topology/internal/protocol"
)

// RateLimiter charges traffic cost per submission against a member's state,
// draining the replenishing base allowance before the balance-backed extra
// traffic.
type RateLimiter struct {
	balances *BalanceManager
	logger   *slog.Logger
}

func NewRateLimiter(balances *BalanceManager, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{balances: balances, logger: logger}
}

// NewStateAt initializes a member's traffic state with a full base
// allowance and nothing consumed.
func NewStateAt(member protocol.Member, ts time.Time, params Params) State {
	return State{
		Member:               member,
		Timestamp:            ts,
		BaseTrafficRemainder: params.MaxBaseTrafficAmount,
	}
}

// replenishedBase accrues base traffic linearly since the prior state,
// capped at the burst window.
func replenishedBase(prior State, ts time.Time, params Params) uint64 {
	elapsed := ts.Sub(prior.Timestamp)
	if elapsed <= 0 {
		return prior.BaseTrafficRemainder
	}
	rate := params.BaseRateBytesPerSecond
	seconds := uint64(elapsed.Nanoseconds()) / 1e9
	frac := uint64(elapsed.Nanoseconds() % 1e9)
	// clamp before multiplying so extreme rates or long gaps cannot wrap
	if rate > 0 && (seconds > params.MaxBaseTrafficAmount/rate || frac > math.MaxUint64/rate) {
		return params.MaxBaseTrafficAmount
	}
	accrued := seconds*rate + frac*rate/1e9
	base := prior.BaseTrafficRemainder + accrued
	if base > params.MaxBaseTrafficAmount || base < prior.BaseTrafficRemainder {
		base = params.MaxBaseTrafficAmount
	}
	return base
}

// Consume charges the cost of a submission at ts against the sender's prior
// state. Calls MUST arrive in non-decreasing sequencing-timestamp order per
// sender; an out-of-order call is refused as a programming error since the
// replenishment calculation would be corrupted irrecoverably.
func (r *RateLimiter) Consume(sender protocol.Member, cost uint64, ts time.Time, prior State, params Params, lastBalanceUpdate *time.Time, warnIfApproximate bool) (State, error) {
	if ts.Before(prior.Timestamp) {
		return prior, &OutOfOrderError{Member: sender, Timestamp: ts, PriorTime: prior.Timestamp}
	}

	base := replenishedBase(prior, ts, params)

	update, _, err := r.balances.BalanceAt(sender, ts, lastBalanceUpdate, warnIfApproximate)
	if err != nil {
		if IsAlreadyPruned(err) {
			return prior, &UnknownBalanceError{Member: sender, Timestamp: ts}
		}
		return prior, err
	}
	var totalBalance uint64
	if update != nil {
		totalBalance = update.TotalBalance
	}
	var extraRemainder uint64
	if totalBalance > prior.ExtraTrafficConsumed {
		extraRemainder = totalBalance - prior.ExtraTrafficConsumed
	}

	next := State{
		Member:                sender,
		Timestamp:             ts,
		BaseTrafficRemainder:  base,
		ExtraTrafficConsumed:  prior.ExtraTrafficConsumed,
		ExtraTrafficRemainder: extraRemainder,
	}

	if cost <= base {
		next.BaseTrafficRemainder = base - cost
		return next, nil
	}
	need := cost - base
	if need > extraRemainder {
		next.BaseTrafficRemainder = base
		r.logger.Debug("submission above traffic limit",
			slog.String("member", string(sender)),
			slog.Uint64("cost", cost),
			slog.Uint64("base_remainder", base),
			slog.Uint64("extra_remainder", extraRemainder),
		)
		return prior, &AboveTrafficLimitError{Member: sender, Cost: cost, State: next}
	}
	next.BaseTrafficRemainder = 0
	next.ExtraTrafficConsumed += need
	next.ExtraTrafficRemainder = extraRemainder - need
	return next, nil
}

// UpdateStates recomputes remainders for a batch of members as of target
// (or the latest known balance timestamp when target is nil) without
// charging consumption. A state already newer than the target is returned
// unchanged; status reporting never regresses a member's state.
func (r *RateLimiter) UpdateStates(states map[protocol.Member]State, target *time.Time, params Params, lastBalanceUpdate *time.Time, warnIfApproximate bool) (map[protocol.Member]State, error) {
	ts := time.Time{}
	if target != nil {
		ts = *target
	} else if maxTs, ok := r.balances.MaxTimestamp(); ok {
		ts = maxTs
	}

	out := make(map[protocol.Member]State, len(states))
	for member, prior := range states {
		if ts.IsZero() || !prior.Timestamp.Before(ts) {
			out[member] = prior
			continue
		}
		update, _, err := r.balances.BalanceAt(member, ts, lastBalanceUpdate, warnIfApproximate)
		if err != nil {
			if IsAlreadyPruned(err) {
				// leave the stale state in place rather than invent one
				out[member] = prior
				continue
			}
			return nil, err
		}
		var totalBalance uint64
		if update != nil {
			totalBalance = update.TotalBalance
		}
		next := prior
		next.Timestamp = ts
		next.BaseTrafficRemainder = replenishedBase(prior, ts, params)
		if totalBalance > prior.ExtraTrafficConsumed {
			next.ExtraTrafficRemainder = totalBalance - prior.ExtraTrafficConsumed
		} else {
			next.ExtraTrafficRemainder = 0
		}
		out[member] = next
	}
	return out, nil
}
