package store

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gianick/domain-topology/internal/protocol"
)

// StoredTransaction is one entry of the bitemporal ledger. ValidFrom/
// ValidUntil bound the effective-time validity interval [from, until);
// Sequenced records physical delivery order. Entries are created by Update
// and mutated only by closing ValidUntil on supersession.
type StoredTransaction struct {
	Transaction     protocol.SignedTopologyTransaction
	Sequenced       time.Time
	ValidFrom       time.Time
	ValidUntil      *time.Time
	RejectionReason string
}

// Rejected reports whether the entry was stored with a rejection reason.
// Rejected entries are excluded from all positive query results but kept
// for audit.
func (s StoredTransaction) Rejected() bool { return s.RejectionReason != "" }

// ActiveAt implements the store's effective-time window check. Exclusive
// mode: from < t && (until == nil || t <= until). Inclusive mode:
// from <= t && (until == nil || t < until). A transaction becomes effective
// strictly after ValidFrom and stays valid through ValidUntil inclusive.
func (s StoredTransaction) ActiveAt(t time.Time, inclusive bool) bool {
	if inclusive {
		if s.ValidFrom.After(t) {
			return false
		}
		return s.ValidUntil == nil || t.Before(*s.ValidUntil)
	}
	if !s.ValidFrom.Before(t) {
		return false
	}
	return s.ValidUntil == nil || !s.ValidUntil.Before(t)
}

// ValidatedTransaction is one addition of an Update batch, carrying the
// outcome of upstream authorization validation.
type ValidatedTransaction struct {
	Transaction     protocol.SignedTopologyTransaction
	RejectionReason string
	// ExpireImmediately closes the entry at its own effective time, so it
	// is visible for exactly its sequenced instant.
	ExpireImmediately bool
}

// TimeQueryMode selects how inspect resolves "when".
type TimeQueryMode int

const (
	// TimeQueryHeadState selects genuinely current entries (open ValidUntil),
	// or entries active at RecentTimestamp when one is supplied.
	TimeQueryHeadState TimeQueryMode = iota
	TimeQuerySnapshot
	TimeQueryRange
)

type TimeQuery struct {
	Mode     TimeQueryMode
	Snapshot time.Time
	From     *time.Time
	Until    *time.Time
}

func HeadStateQuery() TimeQuery            { return TimeQuery{Mode: TimeQueryHeadState} }
func SnapshotQuery(ts time.Time) TimeQuery { return TimeQuery{Mode: TimeQuerySnapshot, Snapshot: ts} }
func RangeQuery(from, until *time.Time) TimeQuery {
	return TimeQuery{Mode: TimeQueryRange, From: from, Until: until}
}

// InspectFilter narrows inspect results.
type InspectFilter struct {
	Proposals bool
	TimeQuery TimeQuery
	// RecentTimestamp turns a head-state query into "active as of this
	// just-observed instant", avoiding the race between an accepted write
	// and a dependent cache refresh.
	RecentTimestamp *time.Time
	Operation       *protocol.TopologyOperation
	MappingCode     *protocol.MappingCode
	IDFilter        string
	NamespaceOnly   bool
}

// TopologyStore is the bitemporal append-only ledger of signed topology
// transactions. Read operations return empty results for not-found, never
// an error; duplicate insertion under the uniqueness key is absorbed as a
// no-op.
type TopologyStore interface {
	Close()

	// Update atomically supersedes open entries matching the removal sets
	// (setting ValidUntil = effective where ValidFrom < effective) and
	// appends the additions with ValidFrom = effective. The batch has no
	// partial visibility under concurrent readers.
	Update(ctx context.Context, sequenced, effective time.Time, removeMappings map[protocol.MappingHash]struct{}, removeTxHashes map[protocol.TxHash]struct{}, additions []ValidatedTransaction) error

	// FindPositiveTransactions returns Replace transactions active at asOf.
	FindPositiveTransactions(ctx context.Context, asOf time.Time, asOfInclusive, isProposal bool, codes []protocol.MappingCode, filterUID *protocol.UniqueIdentifier, filterNamespace *protocol.Namespace) ([]protocol.SignedTopologyTransaction, error)

	Inspect(ctx context.Context, filter InspectFilter) ([]StoredTransaction, error)

	FindTransactionsByTxHash(ctx context.Context, asOfExclusive time.Time, hashes []protocol.TxHash) ([]protocol.SignedTopologyTransaction, error)
	FindProposalsByTxHash(ctx context.Context, asOfExclusive time.Time, hashes []protocol.TxHash) ([]protocol.SignedTopologyTransaction, error)
	FindTransactionsForMapping(ctx context.Context, asOfExclusive time.Time, hashes []protocol.MappingHash) ([]protocol.SignedTopologyTransaction, error)

	// FindStored returns the last entry (highest ValidFrom, insertion order
	// breaking ties) whose content hash matches and whose ValidFrom lies
	// before asOfExclusive.
	FindStored(ctx context.Context, asOfExclusive time.Time, tx protocol.TopologyTransaction, includeRejected bool) (StoredTransaction, bool, error)

	// Bootstrap bulk-loads a consistent snapshot preserving original
	// sequenced/from/until timestamps.
	Bootstrap(ctx context.Context, snapshot []StoredTransaction) error

	FindUpcomingEffectiveChanges(ctx context.Context, asOfInclusive time.Time) ([]StoredTransaction, error)

	// FindEssentialStateForMember returns every entry sequenced at or before
	// the member's onboarding effective time, with validity windows frozen
	// as they stood at the snapshot's maximum effective time.
	FindEssentialStateForMember(ctx context.Context, member protocol.Member, asOfInclusive time.Time) ([]StoredTransaction, error)

	// InspectKnownParties collects distinct parties from active
	// party-to-participant and domain-trust-certificate mappings,
	// short-circuiting at limit.
	InspectKnownParties(ctx context.Context, asOf time.Time, filterParty, filterParticipant string, limit int) ([]protocol.PartyID, error)

	// FindDispatchingTransactionsAfter returns entries with ValidFrom after
	// the cutoff that are either non-proposals or still open, not rejected.
	FindDispatchingTransactionsAfter(ctx context.Context, asOfExclusive time.Time, limit int) ([]StoredTransaction, error)

	// DumpStoreContent returns every entry including rejected ones (audit).
	DumpStoreContent(ctx context.Context) ([]StoredTransaction, error)

	// MaxTimestamp returns the latest (sequenced, effective) pair seen.
	MaxTimestamp(ctx context.Context) (sequenced, effective time.Time, ok bool, err error)
}

// UniquenessKey builds the store's dedup key for an entry. At most one entry
// may exist per key; retried dispatch of an already-accepted transaction
// hits this key and is absorbed.
func UniquenessKey(tx protocol.SignedTopologyTransaction, validFrom time.Time) string {
	mappingKey := tx.Transaction.Mapping.UniqueKey()
	parts := []string{
		string(mappingKey),
		strconv.FormatUint(uint64(tx.Transaction.Serial), 10),
		validFrom.UTC().Format(time.RFC3339Nano),
		string(tx.Transaction.Operation),
		strconv.Itoa(tx.ProtocolVersion),
		tx.HashOfSignatures(),
	}
	return strings.Join(parts, "|")
}

// NormalizeSnapshot freezes validity windows as observed at the maximum
// effective time represented in the snapshot: a ValidUntil beyond that
// reference point had not been observed yet and is cleared back to open.
// Without this a bootstrapping member would receive validity intervals that
// never formed a coherent point-in-time state.
func NormalizeSnapshot(entries []StoredTransaction) []StoredTransaction {
	var ref time.Time
	for _, e := range entries {
		if e.ValidFrom.After(ref) {
			ref = e.ValidFrom
		}
	}
	out := make([]StoredTransaction, len(entries))
	for i, e := range entries {
		out[i] = e
		if e.ValidUntil != nil && e.ValidUntil.After(ref) {
			out[i].ValidUntil = nil
		} else if e.ValidUntil != nil {
			until := *e.ValidUntil
			out[i].ValidUntil = &until
		}
	}
	return out
}

// MatchIDFilter matches a mapping's unique identifier against the inspect
// id filter. Plain filters prefix-match the identifier. A filter containing
// "::" splits into identifier prefix and namespace prefix, both of which
// must match; with more than two segments the first is the identifier and
// the re-joined remainder is the namespace prefix. NamespaceOnly matches
// the filter against the namespace alone.
func MatchIDFilter(uid protocol.UniqueIdentifier, hasUID bool, ns protocol.Namespace, filter string, namespaceOnly bool) bool {
	if filter == "" {
		return true
	}
	if namespaceOnly {
		return strings.HasPrefix(string(ns), filter)
	}
	if !hasUID {
		return false
	}
	parts := strings.SplitN(filter, "::", 2)
	if len(parts) == 2 {
		return strings.HasPrefix(uid.Identifier, parts[0]) &&
			strings.HasPrefix(string(uid.Namespace), parts[1])
	}
	return strings.HasPrefix(uid.Identifier, filter)
}
