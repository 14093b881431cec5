// Package postgres implements the topology store contract on postgres via
// pgx. The uniqueness index absorbs retried insertions; supersession and
// insertion of one batch run inside a single database transaction.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gianick/domain-topology/internal/protocol"
	"github.com/gianick/domain-topology/internal/store"
)

//go:embed migrations/001_init.sql
var migration001 string

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string, maxConns, minConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns >= 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.applyMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) applyMigrations(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, migration001); err != nil {
		return fmt.Errorf("apply migration 001: %w", err)
	}
	return nil
}

type row struct {
	mappingKey      string
	mappingCode     string
	serial          int64
	operation       string
	protocolVersion int
	txHash          string
	signatureHash   string
	identifier      string
	namespace       string
	isProposal      bool
	sequenced       time.Time
	validFrom       time.Time
	validUntil      *time.Time
	rejectionReason string
	txJSON          []byte
}

func rowFromEntry(e store.StoredTransaction) (row, error) {
	txHash, err := e.Transaction.Transaction.Hash()
	if err != nil {
		return row{}, fmt.Errorf("hash stored transaction: %w", err)
	}
	env, err := e.Transaction.Encode()
	if err != nil {
		return row{}, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return row{}, fmt.Errorf("encode stored transaction: %w", err)
	}
	mapping := e.Transaction.Transaction.Mapping
	var identifier, namespace string
	if uid, ok := mapping.MaybeUID(); ok {
		identifier = uid.Identifier
	}
	namespace = string(mapping.MappingNamespace())
	return row{
		mappingKey:      string(mapping.UniqueKey()),
		mappingCode:     string(mapping.Code()),
		serial:          int64(e.Transaction.Transaction.Serial),
		operation:       string(e.Transaction.Transaction.Operation),
		protocolVersion: e.Transaction.ProtocolVersion,
		txHash:          string(txHash),
		signatureHash:   e.Transaction.HashOfSignatures(),
		identifier:      identifier,
		namespace:       namespace,
		isProposal:      e.Transaction.Proposal,
		sequenced:       e.Sequenced.UTC(),
		validFrom:       e.ValidFrom.UTC(),
		validUntil:      e.ValidUntil,
		rejectionReason: e.RejectionReason,
		txJSON:          raw,
	}, nil
}

const entryColumns = `sequenced, valid_from, valid_until, rejection_reason, tx_json`

func scanEntry(r pgx.Row) (store.StoredTransaction, error) {
	var (
		sequenced  time.Time
		validFrom  time.Time
		validUntil *time.Time
		rejection  string
		raw        []byte
	)
	if err := r.Scan(&sequenced, &validFrom, &validUntil, &rejection, &raw); err != nil {
		return store.StoredTransaction{}, err
	}
	var env protocol.SignedTransactionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return store.StoredTransaction{}, fmt.Errorf("decode stored transaction: %w", err)
	}
	tx, err := protocol.DecodeSignedTransaction(env)
	if err != nil {
		return store.StoredTransaction{}, err
	}
	return store.StoredTransaction{
		Transaction:     tx,
		Sequenced:       sequenced,
		ValidFrom:       validFrom,
		ValidUntil:      validUntil,
		RejectionReason: rejection,
	}, nil
}

func (s *Store) queryEntries(ctx context.Context, sql string, args ...any) ([]store.StoredTransaction, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.StoredTransaction
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Update(ctx context.Context, sequenced, effective time.Time, removeMappings map[protocol.MappingHash]struct{}, removeTxHashes map[protocol.TxHash]struct{}, additions []store.ValidatedTransaction) error {
	mappingKeys := make([]string, 0, len(removeMappings))
	for k := range removeMappings {
		mappingKeys = append(mappingKeys, string(k))
	}
	txHashes := make([]string, 0, len(removeTxHashes))
	for h := range removeTxHashes {
		txHashes = append(txHashes, string(h))
	}

	prepared := make([]row, 0, len(additions))
	for _, add := range additions {
		e := store.StoredTransaction{
			Transaction:     add.Transaction,
			Sequenced:       sequenced,
			ValidFrom:       effective,
			RejectionReason: add.RejectionReason,
		}
		if add.RejectionReason != "" || add.ExpireImmediately {
			until := effective
			e.ValidUntil = &until
		}
		r, err := rowFromEntry(e)
		if err != nil {
			return err
		}
		prepared = append(prepared, r)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update batch: %w", err)
	}
	defer tx.Rollback(ctx)

	if len(mappingKeys) > 0 || len(txHashes) > 0 {
		_, err = tx.Exec(ctx, `
UPDATE topology_transactions
SET valid_until = $1
WHERE valid_until IS NULL
  AND valid_from < $1
  AND (mapping_key = ANY($2) OR tx_hash = ANY($3))
`, effective.UTC(), mappingKeys, txHashes)
		if err != nil {
			return fmt.Errorf("supersede entries: %w", err)
		}
	}

	for _, r := range prepared {
		if err := insertRow(ctx, tx, r); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func insertRow(ctx context.Context, tx pgx.Tx, r row) error {
	// ON CONFLICT DO NOTHING absorbs duplicate uniqueness keys.
	_, err := tx.Exec(ctx, `
INSERT INTO topology_transactions
  (mapping_key, mapping_code, serial, operation, protocol_version, tx_hash, signature_hash,
   identifier, namespace, is_proposal, sequenced, valid_from, valid_until, rejection_reason, tx_json)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15::jsonb)
ON CONFLICT (mapping_key, serial, valid_from, operation, protocol_version, signature_hash) DO NOTHING
`, r.mappingKey, r.mappingCode, r.serial, r.operation, r.protocolVersion, r.txHash, r.signatureHash,
		r.identifier, r.namespace, r.isProposal, r.sequenced, r.validFrom, r.validUntil, r.rejectionReason, r.txJSON)
	if err != nil {
		return fmt.Errorf("insert topology transaction: %w", err)
	}
	return nil
}

func (s *Store) Bootstrap(ctx context.Context, snapshot []store.StoredTransaction) error {
	prepared := make([]row, 0, len(snapshot))
	for _, e := range snapshot {
		r, err := rowFromEntry(e)
		if err != nil {
			return err
		}
		prepared = append(prepared, r)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin bootstrap: %w", err)
	}
	defer tx.Rollback(ctx)
	for _, r := range prepared {
		if err := insertRow(ctx, tx, r); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// activeClause builds the effective-time window predicate. Exclusive:
// valid_from < t && (valid_until IS NULL || t <= valid_until). Inclusive:
// valid_from <= t && (valid_until IS NULL || t < valid_until).
func activeClause(inclusive bool, param string) string {
	if inclusive {
		return fmt.Sprintf("valid_from <= %s AND (valid_until IS NULL OR %s < valid_until)", param, param)
	}
	return fmt.Sprintf("valid_from < %s AND (valid_until IS NULL OR %s <= valid_until)", param, param)
}

func (s *Store) FindPositiveTransactions(ctx context.Context, asOf time.Time, asOfInclusive, isProposal bool, codes []protocol.MappingCode, filterUID *protocol.UniqueIdentifier, filterNamespace *protocol.Namespace) ([]protocol.SignedTopologyTransaction, error) {
	codeStrings := make([]string, 0, len(codes))
	for _, c := range codes {
		codeStrings = append(codeStrings, string(c))
	}
	sql := `
SELECT ` + entryColumns + `
FROM topology_transactions
WHERE rejection_reason = ''
  AND operation = $1
  AND is_proposal = $2
  AND ` + activeClause(asOfInclusive, "$3") + `
  AND (cardinality($4::text[]) = 0 OR mapping_code = ANY($4))
ORDER BY id`
	entries, err := s.queryEntries(ctx, sql, string(protocol.OpReplace), isProposal, asOf.UTC(), codeStrings)
	if err != nil {
		return nil, err
	}
	var out []protocol.SignedTopologyTransaction
	for _, e := range entries {
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
	sql := `
SELECT ` + entryColumns + `
FROM topology_transactions
WHERE rejection_reason = ''
  AND is_proposal = $1
ORDER BY id`
	entries, err := s.queryEntries(ctx, sql, filter.Proposals)
	if err != nil {
		return nil, err
	}
	var out []store.StoredTransaction
	for _, e := range entries {
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
		out = append(out, e)
	}
	return out, nil
}

func matchTimeQuery(e store.StoredTransaction, q store.TimeQuery, recent *time.Time) bool {
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
	return s.findByTxHash(ctx, asOfExclusive, hashes, false)
}

func (s *Store) FindProposalsByTxHash(ctx context.Context, asOfExclusive time.Time, hashes []protocol.TxHash) ([]protocol.SignedTopologyTransaction, error) {
	return s.findByTxHash(ctx, asOfExclusive, hashes, true)
}

func (s *Store) findByTxHash(ctx context.Context, asOfExclusive time.Time, hashes []protocol.TxHash, proposals bool) ([]protocol.SignedTopologyTransaction, error) {
	hashStrings := make([]string, 0, len(hashes))
	for _, h := range hashes {
		hashStrings = append(hashStrings, string(h))
	}
	sql := `
SELECT ` + entryColumns + `
FROM topology_transactions
WHERE rejection_reason = ''
  AND is_proposal = $1
  AND tx_hash = ANY($2)
  AND ` + activeClause(false, "$3") + `
ORDER BY id`
	entries, err := s.queryEntries(ctx, sql, proposals, hashStrings, asOfExclusive.UTC())
	if err != nil {
		return nil, err
	}
	out := make([]protocol.SignedTopologyTransaction, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Transaction)
	}
	return out, nil
}

func (s *Store) FindTransactionsForMapping(ctx context.Context, asOfExclusive time.Time, hashes []protocol.MappingHash) ([]protocol.SignedTopologyTransaction, error) {
	hashStrings := make([]string, 0, len(hashes))
	for _, h := range hashes {
		hashStrings = append(hashStrings, string(h))
	}
	sql := `
SELECT ` + entryColumns + `
FROM topology_transactions
WHERE rejection_reason = ''
  AND NOT is_proposal
  AND mapping_key = ANY($1)
  AND ` + activeClause(false, "$2") + `
ORDER BY id`
	entries, err := s.queryEntries(ctx, sql, hashStrings, asOfExclusive.UTC())
	if err != nil {
		return nil, err
	}
	out := make([]protocol.SignedTopologyTransaction, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Transaction)
	}
	return out, nil
}

func (s *Store) FindStored(ctx context.Context, asOfExclusive time.Time, tx protocol.TopologyTransaction, includeRejected bool) (store.StoredTransaction, bool, error) {
	hash, err := tx.Hash()
	if err != nil {
		return store.StoredTransaction{}, false, err
	}
	sql := `
SELECT ` + entryColumns + `
FROM topology_transactions
WHERE tx_hash = $1
  AND valid_from < $2
  AND ($3 OR rejection_reason = '')
ORDER BY valid_from DESC, id DESC
LIMIT 1`
	e, err := scanEntry(s.pool.QueryRow(ctx, sql, string(hash), asOfExclusive.UTC(), includeRejected))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.StoredTransaction{}, false, nil
	}
	if err != nil {
		return store.StoredTransaction{}, false, err
	}
	return e, true, nil
}

func (s *Store) FindUpcomingEffectiveChanges(ctx context.Context, asOfInclusive time.Time) ([]store.StoredTransaction, error) {
	sql := `
SELECT ` + entryColumns + `
FROM topology_transactions
WHERE rejection_reason = ''
  AND valid_from >= $1
ORDER BY valid_from, id`
	return s.queryEntries(ctx, sql, asOfInclusive.UTC())
}

func (s *Store) FindEssentialStateForMember(ctx context.Context, member protocol.Member, asOfInclusive time.Time) ([]store.StoredTransaction, error) {
	sql := `
SELECT ` + entryColumns + `
FROM topology_transactions
WHERE rejection_reason = ''
  AND NOT is_proposal
  AND sequenced <= $1
ORDER BY id`
	entries, err := s.queryEntries(ctx, sql, asOfInclusive.UTC())
	if err != nil {
		return nil, err
	}
	return store.NormalizeSnapshot(entries), nil
}

func (s *Store) InspectKnownParties(ctx context.Context, asOf time.Time, filterParty, filterParticipant string, limit int) ([]protocol.PartyID, error) {
	sql := `
SELECT ` + entryColumns + `
FROM topology_transactions
WHERE rejection_reason = ''
  AND NOT is_proposal
  AND operation = $1
  AND mapping_code = ANY($2)
  AND ` + activeClause(false, "$3") + `
ORDER BY id`
	rows, err := s.pool.Query(ctx, sql, string(protocol.OpReplace),
		[]string{string(protocol.CodePartyToParticipant), string(protocol.CodeDomainTrustCertificate)}, asOf.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	// streamed: the scan stops as soon as limit distinct parties are collected
	seen := make(map[string]struct{})
	var out []protocol.PartyID
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		var party, participant protocol.UniqueIdentifier
		switch m := e.Transaction.Transaction.Mapping.(type) {
		case protocol.PartyToParticipant:
			party = protocol.UniqueIdentifier(m.Party)
			participant = protocol.UniqueIdentifier(m.Participant)
		case protocol.DomainTrustCertificate:
			party = protocol.UniqueIdentifier(m.Participant)
			participant = protocol.UniqueIdentifier(m.Participant)
		default:
			continue
		}
		if !store.MatchIDFilter(party, true, party.Namespace, filterParty, false) {
			continue
		}
		if !store.MatchIDFilter(participant, true, participant.Namespace, filterParticipant, false) {
			continue
		}
		key := party.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, protocol.PartyID(party))
		if len(out) >= limit {
			rows.Close()
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) FindDispatchingTransactionsAfter(ctx context.Context, asOfExclusive time.Time, limit int) ([]store.StoredTransaction, error) {
	sql := `
SELECT ` + entryColumns + `
FROM topology_transactions
WHERE rejection_reason = ''
  AND valid_from > $1
  AND (NOT is_proposal OR valid_until IS NULL)
ORDER BY valid_from, id`
	if limit > 0 {
		sql += fmt.Sprintf("\nLIMIT %d", limit)
	}
	return s.queryEntries(ctx, sql, asOfExclusive.UTC())
}

func (s *Store) DumpStoreContent(ctx context.Context) ([]store.StoredTransaction, error) {
	return s.queryEntries(ctx, `SELECT `+entryColumns+` FROM topology_transactions ORDER BY id`)
}

func (s *Store) MaxTimestamp(ctx context.Context) (time.Time, time.Time, bool, error) {
	var sequenced, effective *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MAX(sequenced), MAX(valid_from) FROM topology_transactions`).Scan(&sequenced, &effective)
	if err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	if sequenced == nil || effective == nil {
		return time.Time{}, time.Time{}, false, nil
	}
	return *sequenced, *effective, true, nil
}

// InsertBalanceUpdate persists one traffic balance top-up. Duplicate
// (member, serial) pairs are absorbed, matching the balance manager's
// replay semantics.
func (s *Store) InsertBalanceUpdate(ctx context.Context, member protocol.Member, serial, totalBalance uint64, sequenced time.Time) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO traffic_balance_updates (member, serial, total_balance, sequenced)
VALUES ($1, $2, $3, $4)
ON CONFLICT (member, serial) DO NOTHING
`, string(member), int64(serial), int64(totalBalance), sequenced.UTC())
	if err != nil {
		return fmt.Errorf("insert balance update: %w", err)
	}
	return nil
}

// BalanceUpdateRow mirrors one persisted balance top-up.
type BalanceUpdateRow struct {
	Member       protocol.Member
	Serial       uint64
	TotalBalance uint64
	Sequenced    time.Time
}

// ListBalanceUpdates returns every persisted top-up in (member, serial)
// order, used to rebuild the balance manager at startup.
func (s *Store) ListBalanceUpdates(ctx context.Context) ([]BalanceUpdateRow, error) {
	rows, err := s.pool.Query(ctx, `
SELECT member, serial, total_balance, sequenced
FROM traffic_balance_updates
ORDER BY member, serial`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BalanceUpdateRow
	for rows.Next() {
		var r BalanceUpdateRow
		var member string
		var serial, balance int64
		if err := rows.Scan(&member, &serial, &balance, &r.Sequenced); err != nil {
			return nil, err
		}
		r.Member = protocol.Member(member)
		r.Serial = uint64(serial)
		r.TotalBalance = uint64(balance)
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ store.TopologyStore = (*Store)(nil)
