package traffic

import (
	"errors"
	"fmt"
	"time"

	"github.com/gianick/domain-topology/internal/protocol"
)

// AlreadyPrunedError reports that the balance history needed to answer a
// query accurately has been pruned. Callers must decide between retry
// elsewhere and hard failure; the manager never substitutes a default.
type AlreadyPrunedError struct {
	Member    protocol.Member
	Timestamp time.Time
}

func (e *AlreadyPrunedError) Error() string {
	return fmt.Sprintf("balance history for %s at %s already pruned", e.Member, e.Timestamp.Format(time.RFC3339Nano))
}

func IsAlreadyPruned(err error) bool {
	var pruned *AlreadyPrunedError
	return errors.As(err, &pruned)
}

// AboveTrafficLimitError is the expected, frequent rejection when base and
// extra traffic together cannot cover a submission's cost. It carries
// enough to build a precise rejection message.
type AboveTrafficLimitError struct {
	Member protocol.Member
	Cost   uint64
	State  State
}

func (e *AboveTrafficLimitError) Error() string {
	return fmt.Sprintf("member %s above traffic limit: cost %d, base remainder %d, extra remainder %d",
		e.Member, e.Cost, e.State.BaseTrafficRemainder, e.State.ExtraTrafficRemainder)
}

func IsAboveTrafficLimit(err error) bool {
	var above *AboveTrafficLimitError
	return errors.As(err, &above)
}

// UnknownBalanceError reports that the balance snapshot needed for a
// consumption decision could not be resolved.
type UnknownBalanceError struct {
	Member    protocol.Member
	Timestamp time.Time
}

func (e *UnknownBalanceError) Error() string {
	return fmt.Sprintf("balance for %s at %s cannot be resolved", e.Member, e.Timestamp.Format(time.RFC3339Nano))
}

func IsUnknownBalance(err error) bool {
	var unknown *UnknownBalanceError
	return errors.As(err, &unknown)
}

// OutOfOrderError reports a consume call with a sequencing timestamp behind
// the member's prior state. This is a programming error upstream: the
// replenishment calculation is not commutative across reordering, so the
// call is refused rather than tolerated.
type OutOfOrderError struct {
	Member    protocol.Member
	Timestamp time.Time
	PriorTime time.Time
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("out-of-order consume for %s: %s is before prior state at %s",
		e.Member, e.Timestamp.Format(time.RFC3339Nano), e.PriorTime.Format(time.RFC3339Nano))
}

func IsOutOfOrder(err error) bool {
	var ooo *OutOfOrderError
	return errors.As(err, &ooo)
}
