package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

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

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "topology",
			"POSTGRES_PASSWORD": "topology",
			"POSTGRES_DB":       "topology",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	host, err := ctr.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := ctr.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://topology:topology@%s:%s/topology?sslmode=disable", host, port.Port())

	s, err := Open(ctx, dsn, 4, 0)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestPostgresStoreIntegration(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mapping := protocol.PartyToParticipant{
		Party:       protocol.PartyID{Identifier: "alice", Namespace: "ns1"},
		Participant: protocol.ParticipantID{Identifier: "p1", Namespace: "ns1"},
		Permission:  "submission",
	}
	v1 := signedTx(t, protocol.OpReplace, 1, mapping)
	v2 := signedTx(t, protocol.OpReplace, 2, mapping)

	apply := func(sequenced, effective time.Time, supersede bool, additions ...store.ValidatedTransaction) {
		t.Helper()
		rm := map[protocol.MappingHash]struct{}{}
		if supersede {
			rm[mapping.UniqueKey()] = struct{}{}
		}
		if err := s.Update(ctx, sequenced, effective, rm, nil, additions); err != nil {
			t.Fatalf("Update error: %v", err)
		}
	}

	apply(at(1), at(10), false, store.ValidatedTransaction{Transaction: v1})
	// redelivery is absorbed by the uniqueness index
	apply(at(1), at(10), false, store.ValidatedTransaction{Transaction: v1})
	apply(at(2), at(20), true, store.ValidatedTransaction{Transaction: v2})

	dump, err := s.DumpStoreContent(ctx)
	if err != nil {
		t.Fatalf("DumpStoreContent error: %v", err)
	}
	if len(dump) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(dump))
	}
	if dump[0].ValidUntil == nil || !dump[0].ValidUntil.Equal(at(20)) {
		t.Fatalf("expected the first entry closed at t=20, got %+v", dump[0].ValidUntil)
	}

	head, err := s.FindPositiveTransactions(ctx, at(30), false, false, nil, nil, nil)
	if err != nil {
		t.Fatalf("FindPositiveTransactions error: %v", err)
	}
	if len(head) != 1 || head[0].Transaction.Serial != 2 {
		t.Fatalf("expected head serial 2, got %+v", head)
	}

	past, err := s.FindPositiveTransactions(ctx, at(15), false, false, nil, nil, nil)
	if err != nil {
		t.Fatalf("FindPositiveTransactions error: %v", err)
	}
	if len(past) != 1 || past[0].Transaction.Serial != 1 {
		t.Fatalf("expected serial 1 at t=15, got %+v", past)
	}

	got, ok, err := s.FindStored(ctx, at(30), v1.Transaction, false)
	if err != nil || !ok {
		t.Fatalf("FindStored: ok=%v err=%v", ok, err)
	}
	if !got.ValidFrom.Equal(at(10)) {
		t.Fatalf("unexpected FindStored entry: %+v", got)
	}

	sequenced, effective, ok, err := s.MaxTimestamp(ctx)
	if err != nil || !ok {
		t.Fatalf("MaxTimestamp: ok=%v err=%v", ok, err)
	}
	if !sequenced.Equal(at(2)) || !effective.Equal(at(20)) {
		t.Fatalf("unexpected max timestamps: %s / %s", sequenced, effective)
	}

	parties, err := s.InspectKnownParties(ctx, at(30), "", "", 10)
	if err != nil {
		t.Fatalf("InspectKnownParties error: %v", err)
	}
	if len(parties) != 1 || parties[0].Identifier != "alice" {
		t.Fatalf("unexpected parties: %v", parties)
	}

	bob := signedTx(t, protocol.OpReplace, 1, protocol.PartyToParticipant{
		Party:       protocol.PartyID{Identifier: "bob", Namespace: "ns1"},
		Participant: protocol.ParticipantID{Identifier: "p1", Namespace: "ns1"},
		Permission:  "submission",
	})
	trust := signedTx(t, protocol.OpReplace, 1, protocol.DomainTrustCertificate{
		Participant: protocol.ParticipantID{Identifier: "p2", Namespace: "ns1"},
		DomainID:    "domain-a",
	})
	apply(at(3), at(25), false, store.ValidatedTransaction{Transaction: bob})
	apply(at(4), at(26), false, store.ValidatedTransaction{Transaction: trust})

	// the limit caps the result set even when more parties are active
	capped, err := s.InspectKnownParties(ctx, at(30), "", "", 2)
	if err != nil {
		t.Fatalf("InspectKnownParties error: %v", err)
	}
	if len(capped) != 2 {
		t.Fatalf("expected exactly 2 parties with limit 2, got %v", capped)
	}

	all, err := s.InspectKnownParties(ctx, at(30), "", "", 10)
	if err != nil {
		t.Fatalf("InspectKnownParties error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 parties, got %v", all)
	}
}

func TestPostgresBalanceUpdatesIntegration(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	member := protocol.Member("PAR::p1::ns1")
	if err := s.InsertBalanceUpdate(ctx, member, 1, 100, at(10)); err != nil {
		t.Fatalf("InsertBalanceUpdate error: %v", err)
	}
	// replayed dispatch of the same serial is a no-op
	if err := s.InsertBalanceUpdate(ctx, member, 1, 100, at(10)); err != nil {
		t.Fatalf("InsertBalanceUpdate error: %v", err)
	}
	if err := s.InsertBalanceUpdate(ctx, member, 2, 250, at(20)); err != nil {
		t.Fatalf("InsertBalanceUpdate error: %v", err)
	}

	rows, err := s.ListBalanceUpdates(ctx)
	if err != nil {
		t.Fatalf("ListBalanceUpdates error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[1].Serial != 2 || rows[1].TotalBalance != 250 || !rows[1].Sequenced.Equal(at(20)) {
		t.Fatalf("unexpected row: %+v", rows[1])
	}
}
