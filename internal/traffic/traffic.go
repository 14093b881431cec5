// Package traffic implements the balance manager and the sequencer rate
// limit manager. Traffic is the rate-limiting currency consumed per
// submission, replenished via a linearly accruing base allowance and
// purchased balance top-ups.
package traffic

import (
	"time"

	"github.com/gianick/domain-topology/internal/protocol"
)

// Params configures traffic control for a domain.
type Params struct {
	// MaxBaseTrafficAmount is the burst window: the cap on the free,
	// linearly replenishing base allowance, in bytes.
	MaxBaseTrafficAmount uint64
	// BaseRateBytesPerSecond is the base allowance accrual rate.
	BaseRateBytesPerSecond uint64
	Enabled                bool
}

// WriteCost is the traffic cost of a submission of the given payload size.
func (p Params) WriteCost(payloadBytes int) uint64 {
	if payloadBytes <= 0 {
		return 0
	}
	return uint64(payloadBytes)
}

// State is the traffic accounting state of one member at one sequencing
// timestamp. It only ever evolves forward in time.
type State struct {
	Member                protocol.Member
	Timestamp             time.Time
	ExtraTrafficRemainder uint64
	ExtraTrafficConsumed  uint64
	BaseTrafficRemainder  uint64
}

// Body converts the state to its wire form.
func (s State) Body() protocol.TrafficStateBody {
	return protocol.TrafficStateBody{
		Member:                s.Member,
		ExtraTrafficRemainder: s.ExtraTrafficRemainder,
		ExtraTrafficConsumed:  s.ExtraTrafficConsumed,
		BaseTrafficRemainder:  s.BaseTrafficRemainder,
		Timestamp:             s.Timestamp,
	}
}

// BalanceUpdate is one sequenced balance top-up for a member. Serial orders
// updates per member; the update becomes consumable only once its
// sequencing timestamp is itself sequenced.
type BalanceUpdate struct {
	Member       protocol.Member
	Serial       uint64
	TotalBalance uint64
	Sequenced    time.Time
}
