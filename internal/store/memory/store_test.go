package memory

import (
	"context"
	"testing"
	"time"

	"github.com/gianick/domain-topology/internal/protocol"
	"github.com/gianick/domain-topology/internal/store"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return epoch.Add(time.Duration(sec) * time.Second) }

type stubSigner struct{}

func (stubSigner) SignPayload(keyID string, payload []byte) (string, error) {
	return "sig-" + keyID, nil
}

func signedTx(t *testing.T, op protocol.TopologyOperation, serial uint32, mapping protocol.Mapping) protocol.SignedTopologyTransaction {
	t.Helper()
	tx := protocol.TopologyTransaction{Operation: op, Serial: serial, Mapping: mapping}
	signed, err := protocol.NewSignedTransaction(tx, stubSigner{}, []string{"ed25519:test"}, false, 5)
	if err != nil {
		t.Fatalf("NewSignedTransaction error: %v", err)
	}
	return signed
}

func partyMapping(party, participant string) protocol.PartyToParticipant {
	return protocol.PartyToParticipant{
		Party:       protocol.PartyID{Identifier: party, Namespace: "ns1"},
		Participant: protocol.ParticipantID{Identifier: participant, Namespace: "ns1"},
		Permission:  "submission",
	}
}

func apply(t *testing.T, s *Store, sequenced, effective time.Time, removeMappings []protocol.MappingHash, additions ...store.ValidatedTransaction) {
	t.Helper()
	rm := make(map[protocol.MappingHash]struct{}, len(removeMappings))
	for _, h := range removeMappings {
		rm[h] = struct{}{}
	}
	if err := s.Update(context.Background(), sequenced, effective, rm, nil, additions); err != nil {
		t.Fatalf("Update error: %v", err)
	}
}

func TestUpdateSupersedesAndAppends(t *testing.T) {
	s := New()
	ctx := context.Background()
	mapping := partyMapping("alice", "p1")

	v1 := signedTx(t, protocol.OpReplace, 1, mapping)
	apply(t, s, at(1), at(10), nil, store.ValidatedTransaction{Transaction: v1})

	v2 := signedTx(t, protocol.OpReplace, 2, mapping)
	apply(t, s, at(2), at(20), []protocol.MappingHash{mapping.UniqueKey()}, store.ValidatedTransaction{Transaction: v2})

	// head state carries only serial 2
	head, err := s.FindPositiveTransactions(ctx, at(30), false, false, nil, nil, nil)
	if err != nil {
		t.Fatalf("FindPositiveTransactions error: %v", err)
	}
	if len(head) != 1 || head[0].Transaction.Serial != 2 {
		t.Fatalf("expected head serial 2, got %+v", head)
	}

	// a snapshot between the two effective times still sees serial 1
	past, err := s.FindPositiveTransactions(ctx, at(15), false, false, nil, nil, nil)
	if err != nil {
		t.Fatalf("FindPositiveTransactions error: %v", err)
	}
	if len(past) != 1 || past[0].Transaction.Serial != 1 {
		t.Fatalf("expected serial 1 at t=15, got %+v", past)
	}

	// the superseded entry is closed exactly at the new effective time
	dump, err := s.DumpStoreContent(ctx)
	if err != nil {
		t.Fatalf("DumpStoreContent error: %v", err)
	}
	if len(dump) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(dump))
	}
	if dump[0].ValidUntil == nil || !dump[0].ValidUntil.Equal(at(20)) {
		t.Fatalf("expected first entry closed at t=20, got %+v", dump[0].ValidUntil)
	}
	if dump[1].ValidUntil != nil {
		t.Fatalf("expected second entry open")
	}
}

func TestUpdateIsIdempotentUnderRedelivery(t *testing.T) {
	s := New()
	ctx := context.Background()
	mapping := partyMapping("alice", "p1")
	v1 := signedTx(t, protocol.OpReplace, 1, mapping)

	apply(t, s, at(1), at(10), nil, store.ValidatedTransaction{Transaction: v1})
	apply(t, s, at(1), at(10), nil, store.ValidatedTransaction{Transaction: v1})

	dump, err := s.DumpStoreContent(ctx)
	if err != nil {
		t.Fatalf("DumpStoreContent error: %v", err)
	}
	if len(dump) != 1 {
		t.Fatalf("redelivered batch must be absorbed, got %d entries", len(dump))
	}

	// the same transaction with a different signature set is a new entry
	cosigned := v1.AddSignatures(protocol.Signature{SignedBy: "ed25519:other", Sig: "sig2"})
	apply(t, s, at(2), at(10), nil, store.ValidatedTransaction{Transaction: cosigned})
	dump, _ = s.DumpStoreContent(ctx)
	if len(dump) != 2 {
		t.Fatalf("a new signature set must be stored, got %d entries", len(dump))
	}
}

func TestActiveWindowBoundaries(t *testing.T) {
	s := New()
	ctx := context.Background()
	mapping := partyMapping("alice", "p1")
	v1 := signedTx(t, protocol.OpReplace, 1, mapping)
	apply(t, s, at(1), at(10), nil, store.ValidatedTransaction{Transaction: v1})
	v2 := signedTx(t, protocol.OpReplace, 2, mapping)
	apply(t, s, at(2), at(20), []protocol.MappingHash{mapping.UniqueKey()}, store.ValidatedTransaction{Transaction: v2})

	serialsAt := func(ts time.Time, inclusive bool) []uint32 {
		txs, err := s.FindPositiveTransactions(ctx, ts, inclusive, false, nil, nil, nil)
		if err != nil {
			t.Fatalf("FindPositiveTransactions error: %v", err)
		}
		out := make([]uint32, 0, len(txs))
		for _, tx := range txs {
			out = append(out, tx.Transaction.Serial)
		}
		return out
	}

	// exclusive at the transition point: the outgoing entry is still valid
	// (t <= until) and the incoming one is not yet (from < t fails)
	got := serialsAt(at(20), false)
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("exclusive at t=20: got %v, want [1]", got)
	}
	// inclusive at the transition point: the incoming entry is already
	// valid (from <= t) and the outgoing one is not anymore (t < until fails)
	got = serialsAt(at(20), true)
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("inclusive at t=20: got %v, want [2]", got)
	}
}

func TestRejectedEntriesKeptForAuditOnly(t *testing.T) {
	s := New()
	ctx := context.Background()
	mapping := partyMapping("alice", "p1")
	v1 := signedTx(t, protocol.OpReplace, 1, mapping)

	apply(t, s, at(1), at(10), nil, store.ValidatedTransaction{Transaction: v1, RejectionReason: "unauthorized"})

	head, err := s.FindPositiveTransactions(ctx, at(30), false, false, nil, nil, nil)
	if err != nil {
		t.Fatalf("FindPositiveTransactions error: %v", err)
	}
	if len(head) != 0 {
		t.Fatalf("rejected entries must not appear in positive results")
	}

	results, err := s.Inspect(ctx, store.InspectFilter{TimeQuery: store.RangeQuery(nil, nil)})
	if err != nil {
		t.Fatalf("Inspect error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("rejected entries must not appear in inspect results")
	}

	dump, _ := s.DumpStoreContent(ctx)
	if len(dump) != 1 || dump[0].RejectionReason != "unauthorized" {
		t.Fatalf("rejected entry must survive in the dump, got %+v", dump)
	}
	if dump[0].ValidUntil == nil || !dump[0].ValidUntil.Equal(at(10)) {
		t.Fatalf("rejected entry must be closed at its own effective time")
	}

	// FindStored only surfaces it on request
	if _, ok, err := s.FindStored(ctx, at(30), v1.Transaction, false); err != nil || ok {
		t.Fatalf("FindStored without rejected: ok=%v err=%v", ok, err)
	}
	got, ok, err := s.FindStored(ctx, at(30), v1.Transaction, true)
	if err != nil || !ok {
		t.Fatalf("FindStored with rejected: ok=%v err=%v", ok, err)
	}
	if got.RejectionReason != "unauthorized" {
		t.Fatalf("unexpected entry: %+v", got)
	}
}

func TestExpireImmediately(t *testing.T) {
	s := New()
	ctx := context.Background()
	mapping := partyMapping("alice", "p1")
	v1 := signedTx(t, protocol.OpReplace, 1, mapping)

	apply(t, s, at(1), at(10), nil, store.ValidatedTransaction{Transaction: v1, ExpireImmediately: true})

	head, _ := s.FindPositiveTransactions(ctx, at(30), false, false, nil, nil, nil)
	if len(head) != 0 {
		t.Fatalf("immediately expired entry must not be active later")
	}
	// visible exactly at its effective instant under the exclusive window
	// ... from < t fails at t=10, so not even there
	atTen, _ := s.FindPositiveTransactions(ctx, at(10), false, false, nil, nil, nil)
	if len(atTen) != 0 {
		t.Fatalf("exclusive window at the effective instant must be empty")
	}
	dump, _ := s.DumpStoreContent(ctx)
	if dump[0].ValidUntil == nil || !dump[0].ValidUntil.Equal(at(10)) {
		t.Fatalf("expected ValidUntil = effective, got %+v", dump[0].ValidUntil)
	}
}

func TestFindStoredPrefersLatestValidFrom(t *testing.T) {
	s := New()
	ctx := context.Background()
	mapping := partyMapping("alice", "p1")
	v1 := signedTx(t, protocol.OpReplace, 1, mapping)

	apply(t, s, at(1), at(10), nil, store.ValidatedTransaction{Transaction: v1})
	// same content re-admitted later with a different signature set
	cosigned := v1.AddSignatures(protocol.Signature{SignedBy: "ed25519:other", Sig: "sig2"})
	apply(t, s, at(2), at(20), nil, store.ValidatedTransaction{Transaction: cosigned})

	got, ok, err := s.FindStored(ctx, at(30), v1.Transaction, false)
	if err != nil || !ok {
		t.Fatalf("FindStored: ok=%v err=%v", ok, err)
	}
	if !got.ValidFrom.Equal(at(20)) {
		t.Fatalf("expected the later entry, got ValidFrom %s", got.ValidFrom)
	}

	// the cutoff is exclusive on ValidFrom
	got, ok, err = s.FindStored(ctx, at(20), v1.Transaction, false)
	if err != nil || !ok {
		t.Fatalf("FindStored: ok=%v err=%v", ok, err)
	}
	if !got.ValidFrom.Equal(at(10)) {
		t.Fatalf("expected the earlier entry below the cutoff, got ValidFrom %s", got.ValidFrom)
	}

	if _, ok, _ := s.FindStored(ctx, at(10), v1.Transaction, false); ok {
		t.Fatalf("nothing stored strictly before t=10")
	}
}

func TestInspectTimeQueries(t *testing.T) {
	s := New()
	ctx := context.Background()
	mapping := partyMapping("alice", "p1")
	v1 := signedTx(t, protocol.OpReplace, 1, mapping)
	apply(t, s, at(1), at(10), nil, store.ValidatedTransaction{Transaction: v1})
	v2 := signedTx(t, protocol.OpReplace, 2, mapping)
	apply(t, s, at(2), at(20), []protocol.MappingHash{mapping.UniqueKey()}, store.ValidatedTransaction{Transaction: v2})

	serials := func(filter store.InspectFilter) []uint32 {
		results, err := s.Inspect(ctx, filter)
		if err != nil {
			t.Fatalf("Inspect error: %v", err)
		}
		out := make([]uint32, 0, len(results))
		for _, r := range results {
			out = append(out, r.Transaction.Transaction.Serial)
		}
		return out
	}

	if got := serials(store.InspectFilter{TimeQuery: store.HeadStateQuery()}); len(got) != 1 || got[0] != 2 {
		t.Fatalf("head state: got %v", got)
	}

	recent := at(15)
	if got := serials(store.InspectFilter{TimeQuery: store.HeadStateQuery(), RecentTimestamp: &recent}); len(got) != 1 || got[0] != 1 {
		t.Fatalf("head state with recent timestamp: got %v", got)
	}

	if got := serials(store.InspectFilter{TimeQuery: store.SnapshotQuery(at(15))}); len(got) != 1 || got[0] != 1 {
		t.Fatalf("snapshot: got %v", got)
	}

	from, until := at(15), at(25)
	if got := serials(store.InspectFilter{TimeQuery: store.RangeQuery(&from, &until)}); len(got) != 1 || got[0] != 2 {
		t.Fatalf("range on ValidFrom: got %v", got)
	}
	if got := serials(store.InspectFilter{TimeQuery: store.RangeQuery(nil, nil)}); len(got) != 2 {
		t.Fatalf("unbounded range: got %v", got)
	}
}

func TestInspectFilters(t *testing.T) {
	s := New()
	ctx := context.Background()
	alice := partyMapping("alice", "p1")
	bob := protocol.PartyToParticipant{
		Party:       protocol.PartyID{Identifier: "bob", Namespace: "ns2"},
		Participant: protocol.ParticipantID{Identifier: "p2", Namespace: "ns2"},
		Permission:  "submission",
	}
	delegation := protocol.NamespaceDelegation{Namespace: "ns1", TargetKeyID: "ed25519:root"}

	apply(t, s, at(1), at(10), nil,
		store.ValidatedTransaction{Transaction: signedTx(t, protocol.OpReplace, 1, alice)},
		store.ValidatedTransaction{Transaction: signedTx(t, protocol.OpReplace, 1, bob)},
		store.ValidatedTransaction{Transaction: signedTx(t, protocol.OpReplace, 1, delegation)},
	)

	code := protocol.CodePartyToParticipant
	results, err := s.Inspect(ctx, store.InspectFilter{TimeQuery: store.HeadStateQuery(), MappingCode: &code})
	if err != nil {
		t.Fatalf("Inspect error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("mapping code filter: got %d results", len(results))
	}

	results, _ = s.Inspect(ctx, store.InspectFilter{TimeQuery: store.HeadStateQuery(), IDFilter: "ali"})
	if len(results) != 1 {
		t.Fatalf("id filter: got %d results", len(results))
	}

	// namespace-only matches by mapping namespace, including mappings with
	// no unique identifier of their own
	results, _ = s.Inspect(ctx, store.InspectFilter{TimeQuery: store.HeadStateQuery(), IDFilter: "ns1", NamespaceOnly: true})
	if len(results) != 2 {
		t.Fatalf("namespace filter: got %d results", len(results))
	}
}

func TestProposalLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	mapping := partyMapping("alice", "p1")

	tx := protocol.TopologyTransaction{Operation: protocol.OpReplace, Serial: 1, Mapping: mapping}
	proposal, err := protocol.NewSignedTransaction(tx, stubSigner{}, []string{"ed25519:test"}, true, 5)
	if err != nil {
		t.Fatalf("NewSignedTransaction error: %v", err)
	}
	apply(t, s, at(1), at(10), nil, store.ValidatedTransaction{Transaction: proposal})

	hash, err := tx.Hash()
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	found, err := s.FindProposalsByTxHash(ctx, at(20), []protocol.TxHash{hash})
	if err != nil {
		t.Fatalf("FindProposalsByTxHash error: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected 1 proposal, got %d", len(found))
	}
	if full, _ := s.FindTransactionsByTxHash(ctx, at(20), []protocol.TxHash{hash}); len(full) != 0 {
		t.Fatalf("proposal must not match the non-proposal lookup")
	}
	if head, _ := s.FindPositiveTransactions(ctx, at(20), false, false, nil, nil, nil); len(head) != 0 {
		t.Fatalf("proposal must not appear in fully-authorized state")
	}
	if props, _ := s.FindPositiveTransactions(ctx, at(20), false, true, nil, nil, nil); len(props) != 1 {
		t.Fatalf("expected the proposal under isProposal=true")
	}
}

func TestFindTransactionsForMapping(t *testing.T) {
	s := New()
	ctx := context.Background()
	alice := partyMapping("alice", "p1")
	bob := partyMapping("bob", "p1")
	apply(t, s, at(1), at(10), nil,
		store.ValidatedTransaction{Transaction: signedTx(t, protocol.OpReplace, 1, alice)},
		store.ValidatedTransaction{Transaction: signedTx(t, protocol.OpReplace, 1, bob)},
	)

	found, err := s.FindTransactionsForMapping(ctx, at(20), []protocol.MappingHash{alice.UniqueKey()})
	if err != nil {
		t.Fatalf("FindTransactionsForMapping error: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(found))
	}
	m, ok := found[0].Transaction.Mapping.(protocol.PartyToParticipant)
	if !ok || m.Party.Identifier != "alice" {
		t.Fatalf("unexpected mapping: %+v", found[0].Transaction.Mapping)
	}
}

func TestFindUpcomingEffectiveChanges(t *testing.T) {
	s := New()
	ctx := context.Background()
	apply(t, s, at(1), at(10), nil, store.ValidatedTransaction{Transaction: signedTx(t, protocol.OpReplace, 1, partyMapping("alice", "p1"))})
	apply(t, s, at(2), at(20), nil, store.ValidatedTransaction{Transaction: signedTx(t, protocol.OpReplace, 1, partyMapping("bob", "p1"))})
	apply(t, s, at(3), at(30), nil, store.ValidatedTransaction{Transaction: signedTx(t, protocol.OpReplace, 1, partyMapping("carol", "p1"))})

	upcoming, err := s.FindUpcomingEffectiveChanges(ctx, at(20))
	if err != nil {
		t.Fatalf("FindUpcomingEffectiveChanges error: %v", err)
	}
	if len(upcoming) != 2 {
		t.Fatalf("expected 2 upcoming changes (inclusive cutoff), got %d", len(upcoming))
	}
}

func TestFindDispatchingTransactionsAfter(t *testing.T) {
	s := New()
	ctx := context.Background()
	mapping := partyMapping("alice", "p1")

	apply(t, s, at(1), at(10), nil, store.ValidatedTransaction{Transaction: signedTx(t, protocol.OpReplace, 1, mapping)})
	apply(t, s, at(2), at(20), nil, store.ValidatedTransaction{Transaction: signedTx(t, protocol.OpReplace, 1, partyMapping("bob", "p1"))})

	// an expired proposal does not dispatch
	tx := protocol.TopologyTransaction{Operation: protocol.OpReplace, Serial: 1, Mapping: partyMapping("carol", "p1")}
	proposal, _ := protocol.NewSignedTransaction(tx, stubSigner{}, []string{"ed25519:test"}, true, 5)
	apply(t, s, at(3), at(30), nil, store.ValidatedTransaction{Transaction: proposal, ExpireImmediately: true})

	out, err := s.FindDispatchingTransactionsAfter(ctx, at(10), 0)
	if err != nil {
		t.Fatalf("FindDispatchingTransactionsAfter error: %v", err)
	}
	if len(out) != 1 || !out[0].ValidFrom.Equal(at(20)) {
		t.Fatalf("expected only the t=20 entry, got %+v", out)
	}

	out, _ = s.FindDispatchingTransactionsAfter(ctx, at(5), 1)
	if len(out) != 1 {
		t.Fatalf("expected limit to cap results, got %d", len(out))
	}
}

func TestBootstrapRoundTrip(t *testing.T) {
	src := New()
	ctx := context.Background()
	mapping := partyMapping("alice", "p1")
	apply(t, src, at(1), at(10), nil, store.ValidatedTransaction{Transaction: signedTx(t, protocol.OpReplace, 1, mapping)})
	apply(t, src, at(2), at(20), []protocol.MappingHash{mapping.UniqueKey()}, store.ValidatedTransaction{Transaction: signedTx(t, protocol.OpReplace, 2, mapping)})

	dump, err := src.DumpStoreContent(ctx)
	if err != nil {
		t.Fatalf("DumpStoreContent error: %v", err)
	}

	dst := New()
	if err := dst.Bootstrap(ctx, dump); err != nil {
		t.Fatalf("Bootstrap error: %v", err)
	}

	redump, _ := dst.DumpStoreContent(ctx)
	if len(redump) != len(dump) {
		t.Fatalf("entry count changed: %d vs %d", len(redump), len(dump))
	}
	for i := range dump {
		if !redump[i].Sequenced.Equal(dump[i].Sequenced) || !redump[i].ValidFrom.Equal(dump[i].ValidFrom) {
			t.Fatalf("timestamps not preserved at %d", i)
		}
	}

	// the restored store answers historical queries identically
	past, _ := dst.FindPositiveTransactions(ctx, at(15), false, false, nil, nil, nil)
	if len(past) != 1 || past[0].Transaction.Serial != 1 {
		t.Fatalf("restored store: expected serial 1 at t=15, got %+v", past)
	}
}

func TestFindEssentialStateForMember(t *testing.T) {
	s := New()
	ctx := context.Background()
	mapping := partyMapping("alice", "p1")

	apply(t, s, at(1), at(10), nil, store.ValidatedTransaction{Transaction: signedTx(t, protocol.OpReplace, 1, mapping)})
	// supersession sequenced after the onboarding cutoff
	apply(t, s, at(50), at(60), []protocol.MappingHash{mapping.UniqueKey()}, store.ValidatedTransaction{Transaction: signedTx(t, protocol.OpReplace, 2, mapping)})

	member := protocol.ParticipantMember(protocol.ParticipantID{Identifier: "p2", Namespace: "ns1"})
	snapshot, err := s.FindEssentialStateForMember(ctx, member, at(20))
	if err != nil {
		t.Fatalf("FindEssentialStateForMember error: %v", err)
	}
	if len(snapshot) != 1 {
		t.Fatalf("expected only the pre-cutoff entry, got %d", len(snapshot))
	}
	// the supersession had not happened at the snapshot's reference time,
	// so the window is reopened
	if snapshot[0].ValidUntil != nil {
		t.Fatalf("expected the validity window to be normalized open, got %+v", snapshot[0].ValidUntil)
	}
}

func TestInspectKnownParties(t *testing.T) {
	s := New()
	ctx := context.Background()

	trust := protocol.DomainTrustCertificate{
		Participant: protocol.ParticipantID{Identifier: "p1", Namespace: "ns1"},
		DomainID:    "domain-a",
	}
	apply(t, s, at(1), at(10), nil,
		store.ValidatedTransaction{Transaction: signedTx(t, protocol.OpReplace, 1, partyMapping("alice", "p1"))},
		store.ValidatedTransaction{Transaction: signedTx(t, protocol.OpReplace, 1, partyMapping("bob", "p2"))},
		store.ValidatedTransaction{Transaction: signedTx(t, protocol.OpReplace, 1, trust)},
	)

	parties, err := s.InspectKnownParties(ctx, at(20), "", "", 10)
	if err != nil {
		t.Fatalf("InspectKnownParties error: %v", err)
	}
	if len(parties) != 3 {
		t.Fatalf("expected alice, bob and the admitted participant, got %v", parties)
	}

	parties, _ = s.InspectKnownParties(ctx, at(20), "ali", "", 10)
	if len(parties) != 1 || parties[0].Identifier != "alice" {
		t.Fatalf("party filter: got %v", parties)
	}

	parties, _ = s.InspectKnownParties(ctx, at(20), "", "p1", 10)
	if len(parties) != 2 {
		t.Fatalf("participant filter: got %v", parties)
	}

	parties, _ = s.InspectKnownParties(ctx, at(20), "", "", 1)
	if len(parties) != 1 {
		t.Fatalf("limit must cap the result, got %v", parties)
	}
}

func TestMaxTimestamp(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, _, ok, err := s.MaxTimestamp(ctx); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}

	apply(t, s, at(5), at(10), nil, store.ValidatedTransaction{Transaction: signedTx(t, protocol.OpReplace, 1, partyMapping("alice", "p1"))})
	apply(t, s, at(7), at(9), nil, store.ValidatedTransaction{Transaction: signedTx(t, protocol.OpReplace, 1, partyMapping("bob", "p1"))})

	sequenced, effective, ok, err := s.MaxTimestamp(ctx)
	if err != nil || !ok {
		t.Fatalf("MaxTimestamp: ok=%v err=%v", ok, err)
	}
	if !sequenced.Equal(at(7)) || !effective.Equal(at(10)) {
		t.Fatalf("unexpected max timestamps: %s / %s", sequenced, effective)
	}
}
