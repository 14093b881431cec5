// Package memory implements the topology store contract on an in-memory
// append-only arena. Mutations run under an exclusive lock; reads take a
// shared lock over entries that are never rewritten except for the
// ValidUntil close inside the writer's critical section.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gianick/domain-topology/internal/protocol"
	"github.com/gianick/domain-topology/internal/store"
)

type entry struct {
	store.StoredTransaction
	txHash     protocol.TxHash
	mappingKey protocol.MappingHash
	uniqueKey  string
}

type Store struct {
	mu      sync.RWMutex
	entries []*entry
	unique  map[string]struct{}
	// secondary indexes into entries, append-only like the arena itself
	byTxHash  map[protocol.TxHash][]int
	byMapping map[protocol.MappingHash][]int
}

func New() *Store {
	return &Store{
		unique:    make(map[string]struct{}),
		byTxHash:  make(map[protocol.TxHash][]int),
		byMapping: make(map[protocol.MappingHash][]int),
	}
}

func (s *Store) Close() {}

func newEntry(st store.StoredTransaction) (*entry, error) {
	txHash, err := st.Transaction.Transaction.Hash()
	if err != nil {
		return nil, fmt.Errorf("hash stored transaction: %w", err)
	}
	return &entry{
		StoredTransaction: st,
		txHash:            txHash,
		mappingKey:        st.Transaction.Transaction.Mapping.UniqueKey(),
		uniqueKey:         store.UniquenessKey(st.Transaction, st.ValidFrom),
	}, nil
}

// append assumes s.mu is held exclusively. Duplicate uniqueness keys are
// absorbed: retried dispatch of an accepted transaction is steady state,
// not an error.
func (s *Store) append(e *entry) {
	if _, dup := s.unique[e.uniqueKey]; dup {
		return
	}
	idx := len(s.entries)
	s.entries = append(s.entries, e)
	s.unique[e.uniqueKey] = struct{}{}
	s.byTxHash[e.txHash] = append(s.byTxHash[e.txHash], idx)
	s.byMapping[e.mappingKey] = append(s.byMapping[e.mappingKey], idx)
}

func (s *Store) Update(ctx context.Context, sequenced, effective time.Time, removeMappings map[protocol.MappingHash]struct{}, removeTxHashes map[protocol.TxHash]struct{}, additions []store.ValidatedTransaction) error {
	// Build additions outside the critical section; hashing can fail and
	// the batch must be all-or-nothing.
	prepared := make([]*entry, 0, len(additions))
	for _, add := range additions {
		st := store.StoredTransaction{
			Transaction:     add.Transaction,
			Sequenced:       sequenced,
			ValidFrom:       effective,
			RejectionReason: add.RejectionReason,
		}
		if add.RejectionReason != "" || add.ExpireImmediately {
			until := effective
			st.ValidUntil = &until
		}
		e, err := newEntry(st)
		if err != nil {
			return err
		}
		prepared = append(prepared, e)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.ValidUntil != nil || !e.ValidFrom.Before(effective) {
			continue
		}
		_, byMapping := removeMappings[e.mappingKey]
		_, byTx := removeTxHashes[e.txHash]
		if byMapping || byTx {
			until := effective
			e.ValidUntil = &until
		}
	}
	for _, e := range prepared {
		s.append(e)
	}
	return nil
}

func (s *Store) Bootstrap(ctx context.Context, snapshot []store.StoredTransaction) error {
	prepared := make([]*entry, 0, len(snapshot))
	for _, st := range snapshot {
		e, err := newEntry(st)
		if err != nil {
			return err
		}
		prepared = append(prepared, e)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range prepared {
		s.append(e)
	}
	return nil
}

func (s *Store) FindPositiveTransactions(ctx context.Context, asOf time.Time, asOfInclusive, isProposal bool, codes []protocol.MappingCode, filterUID *protocol.UniqueIdentifier, filterNamespace *protocol.Namespace) ([]protocol.SignedTopologyTransaction, error) {
	wantCode := make(map[protocol.MappingCode]struct{}, len(codes))
	for _, c := range codes {
		wantCode[c] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []protocol.SignedTopologyTransaction
	for _, e := range s.entries {
		if e.Rejected() || e.Transaction.Transaction.Operation != protocol.OpReplace {
			continue
		}
		if e.Transaction.Proposal != isProposal {
			continue
		}
		if !e.ActiveAt(asOf, asOfInclusive) {
			continue
		}
		if len(wantCode) > 0 {
			if _, ok := wantCode[e.Transaction.Transaction.Mapping.Code()]; !ok {
				continue
			}
		}
		if filterUID != nil {
			uid, ok := e.Transaction.Transaction.Mapping.MaybeUID()
			if !ok || uid != *filterUID {
				continue
			}
		}
		if filterNamespace != nil && e.Transaction.Transaction.Mapping.MappingNamespace() != *filterNamespace {
			continue
		}
		out = append(out, e.Transaction)
	}
	return out, nil
}

func (s *Store) Inspect(ctx context.Context, filter store.InspectFilter) ([]store.StoredTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.StoredTransaction
	for _, e := range s.entries {
		if e.Rejected() {
			continue
		}
		if e.Transaction.Proposal != filter.Proposals {
			continue
		}
		if !matchTimeQuery(e, filter.TimeQuery, filter.RecentTimestamp) {
			continue
		}
		if filter.Operation != nil && e.Transaction.Transaction.Operation != *filter.Operation {
			continue
		}
		if filter.MappingCode != nil && e.Transaction.Transaction.Mapping.Code() != *filter.MappingCode {
			continue
		}
		uid, hasUID := e.Transaction.Transaction.Mapping.MaybeUID()
		if !store.MatchIDFilter(uid, hasUID, e.Transaction.Transaction.Mapping.MappingNamespace(), filter.IDFilter, filter.NamespaceOnly) {
			continue
		}
		out = append(out, e.StoredTransaction)
	}
	return out, nil
}

func matchTimeQuery(e *entry, q store.TimeQuery, recent *time.Time) bool {
	switch q.Mode {
	case store.TimeQueryHeadState:
		if recent != nil {
			return e.ActiveAt(*recent, true)
		}
		return e.ValidUntil == nil
	case store.TimeQuerySnapshot:
		return e.ActiveAt(q.Snapshot, false)
	case store.TimeQueryRange:
		if q.From != nil && e.ValidFrom.Before(*q.From) {
			return false
		}
		if q.Until != nil && e.ValidFrom.After(*q.Until) {
			return false
		}
		return true
	default:
		return false
	}
}

func (s *Store) FindTransactionsByTxHash(ctx context.Context, asOfExclusive time.Time, hashes []protocol.TxHash) ([]protocol.SignedTopologyTransaction, error) {
	return s.findByTxHash(asOfExclusive, hashes, false)
}

func (s *Store) FindProposalsByTxHash(ctx context.Context, asOfExclusive time.Time, hashes []protocol.TxHash) ([]protocol.SignedTopologyTransaction, error) {
	return s.findByTxHash(asOfExclusive, hashes, true)
}

func (s *Store) findByTxHash(asOfExclusive time.Time, hashes []protocol.TxHash, proposals bool) ([]protocol.SignedTopologyTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []protocol.SignedTopologyTransaction
	for _, h := range hashes {
		for _, idx := range s.byTxHash[h] {
			e := s.entries[idx]
			if e.Rejected() || e.Transaction.Proposal != proposals {
				continue
			}
			if !e.ActiveAt(asOfExclusive, false) {
				continue
			}
			out = append(out, e.Transaction)
		}
	}
	return out, nil
}

func (s *Store) FindTransactionsForMapping(ctx context.Context, asOfExclusive time.Time, hashes []protocol.MappingHash) ([]protocol.SignedTopologyTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []protocol.SignedTopologyTransaction
	for _, h := range hashes {
		for _, idx := range s.byMapping[h] {
			e := s.entries[idx]
			if e.Rejected() || e.Transaction.Proposal {
				continue
			}
			if !e.ActiveAt(asOfExclusive, false) {
				continue
			}
			out = append(out, e.Transaction)
		}
	}
	return out, nil
}

func (s *Store) FindStored(ctx context.Context, asOfExclusive time.Time, tx protocol.TopologyTransaction, includeRejected bool) (store.StoredTransaction, bool, error) {
	hash, err := tx.Hash()
	if err != nil {
		return store.StoredTransaction{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Last match wins: highest ValidFrom, ties broken by insertion order.
	var best *entry
	for _, idx := range s.byTxHash[hash] {
		e := s.entries[idx]
		if !e.ValidFrom.Before(asOfExclusive) {
			continue
		}
		if e.Rejected() && !includeRejected {
			continue
		}
		if best == nil || !e.ValidFrom.Before(best.ValidFrom) {
			best = e
		}
	}
	if best == nil {
		return store.StoredTransaction{}, false, nil
	}
	return best.StoredTransaction, true, nil
}

func (s *Store) FindUpcomingEffectiveChanges(ctx context.Context, asOfInclusive time.Time) ([]store.StoredTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.StoredTransaction
	for _, e := range s.entries {
		if e.Rejected() {
			continue
		}
		if !e.ValidFrom.Before(asOfInclusive) {
			out = append(out, e.StoredTransaction)
		}
	}
	return out, nil
}

func (s *Store) FindEssentialStateForMember(ctx context.Context, member protocol.Member, asOfInclusive time.Time) ([]store.StoredTransaction, error) {
	s.mu.RLock()
	var snapshot []store.StoredTransaction
	for _, e := range s.entries {
		if e.Rejected() || e.Transaction.Proposal {
			continue
		}
		if e.Sequenced.After(asOfInclusive) {
			continue
		}
		snapshot = append(snapshot, e.StoredTransaction)
	}
	s.mu.RUnlock()

	return store.NormalizeSnapshot(snapshot), nil
}

func (s *Store) InspectKnownParties(ctx context.Context, asOf time.Time, filterParty, filterParticipant string, limit int) ([]protocol.PartyID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []protocol.PartyID
	add := func(p protocol.PartyID) bool {
		key := p.String()
		if _, dup := seen[key]; dup {
			return len(out) < limit
		}
		seen[key] = struct{}{}
		out = append(out, p)
		return len(out) < limit
	}

	for _, e := range s.entries {
		if e.Rejected() || e.Transaction.Proposal {
			continue
		}
		if e.Transaction.Transaction.Operation != protocol.OpReplace {
			continue
		}
		if !e.ActiveAt(asOf, false) {
			continue
		}
		switch m := e.Transaction.Transaction.Mapping.(type) {
		case protocol.PartyToParticipant:
			if !matchPartyFilters(protocol.UniqueIdentifier(m.Party), protocol.UniqueIdentifier(m.Participant), filterParty, filterParticipant) {
				continue
			}
			if !add(m.Party) {
				return out, nil
			}
		case protocol.DomainTrustCertificate:
			// An admitted participant acts as a party of its own.
			if !matchPartyFilters(protocol.UniqueIdentifier(m.Participant), protocol.UniqueIdentifier(m.Participant), filterParty, filterParticipant) {
				continue
			}
			if !add(protocol.PartyID(m.Participant)) {
				return out, nil
			}
		}
	}
	return out, nil
}

func matchPartyFilters(party, participant protocol.UniqueIdentifier, filterParty, filterParticipant string) bool {
	return store.MatchIDFilter(party, true, party.Namespace, filterParty, false) &&
		store.MatchIDFilter(participant, true, participant.Namespace, filterParticipant, false)
}

func (s *Store) FindDispatchingTransactionsAfter(ctx context.Context, asOfExclusive time.Time, limit int) ([]store.StoredTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.StoredTransaction
	for _, e := range s.entries {
		if e.Rejected() {
			continue
		}
		if !e.ValidFrom.After(asOfExclusive) {
			continue
		}
		if e.Transaction.Proposal && e.ValidUntil != nil {
			continue
		}
		out = append(out, e.StoredTransaction)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) DumpStoreContent(ctx context.Context) ([]store.StoredTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.StoredTransaction, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.StoredTransaction)
	}
	return out, nil
}

func (s *Store) MaxTimestamp(ctx context.Context) (time.Time, time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return time.Time{}, time.Time{}, false, nil
	}
	var sequenced, effective time.Time
	for _, e := range s.entries {
		if e.Sequenced.After(sequenced) {
			sequenced = e.Sequenced
		}
		if e.ValidFrom.After(effective) {
			effective = e.ValidFrom
		}
	}
	return sequenced, effective, true, nil
}

var _ store.TopologyStore = (*Store)(nil)
