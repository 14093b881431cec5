package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gianick/domain-topology/internal/crypto"
	"github.com/gianick/domain-topology/internal/protocol"
	"github.com/gianick/domain-topology/internal/store"
	"github.com/gianick/domain-topology/internal/traffic"
)

type Params struct {
	Store           store.TopologyStore
	Balances        *traffic.BalanceManager
	Limiter         *traffic.RateLimiter
	Keyring         *crypto.Keyring
	Traffic         traffic.Params
	DomainID        string
	NodeID          string
	ProtocolVersion int
	StorageBackend  string
	ServiceName     string
	Version         string
	Logger          *slog.Logger
}

// TopologyService admits sequenced topology batches into the store, gated
// by per-sender traffic consumption, and serves the query surface.
type TopologyService struct {
	store           store.TopologyStore
	balances        *traffic.BalanceManager
	limiter         *traffic.RateLimiter
	keyring         *crypto.Keyring
	traffic         traffic.Params
	domainID        string
	nodeID          string
	protocolVersion int
	storageBackend  string
	serviceName     string
	version         string
	logger          *slog.Logger

	// per-sender traffic state; guarded because submissions for different
	// senders may arrive concurrently while each sender's stream is ordered
	mu     sync.Mutex
	states map[protocol.Member]traffic.State
}

func New(p Params) (*TopologyService, error) {
	if p.Store == nil {
		return nil, fmt.Errorf("build topology service: store is required")
	}
	if p.Balances == nil || p.Limiter == nil {
		return nil, fmt.Errorf("build topology service: traffic managers are required")
	}
	return &TopologyService{
		store:           p.Store,
		balances:        p.Balances,
		limiter:         p.Limiter,
		keyring:         p.Keyring,
		traffic:         p.Traffic,
		domainID:        p.DomainID,
		nodeID:          p.NodeID,
		protocolVersion: p.ProtocolVersion,
		storageBackend:  p.StorageBackend,
		serviceName:     p.ServiceName,
		version:         p.Version,
		logger:          p.Logger,
		states:          make(map[protocol.Member]traffic.State),
	}, nil
}

// Submit admits one sequenced batch. The sender is charged the batch's
// traffic cost before the store mutation; an insufficient balance rejects
// the whole batch without touching the store.
func (s *TopologyService) Submit(ctx context.Context, req protocol.SubmitRequest) (protocol.SubmitResponse, error) {
	if req.Sender == "" {
		return protocol.SubmitResponse{}, NewAppError(http.StatusBadRequest, "BAD_REQUEST", "sender is required", false, nil)
	}
	if req.Sequenced.IsZero() || req.Effective.IsZero() {
		return protocol.SubmitResponse{}, NewAppError(http.StatusBadRequest, "BAD_REQUEST", "sequenced and effective timestamps are required", false, nil)
	}

	additions := make([]store.ValidatedTransaction, 0, len(req.Additions))
	var payloadBytes int
	for _, add := range req.Additions {
		tx, err := protocol.DecodeSignedTransaction(add.Transaction)
		if err != nil {
			return protocol.SubmitResponse{}, NewAppError(http.StatusBadRequest, "MALFORMED_TRANSACTION", err.Error(), false, err)
		}
		raw, err := protocol.CanonicalJSON(add.Transaction)
		if err != nil {
			return protocol.SubmitResponse{}, Internal("measure transaction payload", err)
		}
		payloadBytes += len(raw)
		additions = append(additions, store.ValidatedTransaction{
			Transaction:       tx,
			RejectionReason:   add.RejectionReason,
			ExpireImmediately: add.ExpireImmediately,
		})
	}

	var stateBody *protocol.TrafficStateBody
	if s.traffic.Enabled {
		state, err := s.consume(req.Sender, payloadBytes, req.Sequenced)
		if err != nil {
			return protocol.SubmitResponse{}, err
		}
		body := state.Body()
		stateBody = &body
	}

	removeMappings := make(map[protocol.MappingHash]struct{}, len(req.RemoveMappings))
	for _, h := range req.RemoveMappings {
		removeMappings[protocol.MappingHash(h)] = struct{}{}
	}
	removeTxHashes := make(map[protocol.TxHash]struct{}, len(req.RemoveTxHashes))
	for _, h := range req.RemoveTxHashes {
		removeTxHashes[protocol.TxHash(h)] = struct{}{}
	}

	if err := s.store.Update(ctx, req.Sequenced, req.Effective, removeMappings, removeTxHashes, additions); err != nil {
		return protocol.SubmitResponse{}, Internal("apply topology batch", err)
	}

	accepted := 0
	for _, add := range additions {
		if add.RejectionReason == "" {
			accepted++
		}
	}
	s.logger.Info("topology batch applied",
		slog.String("sender", string(req.Sender)),
		slog.Time("sequenced", req.Sequenced),
		slog.Time("effective", req.Effective),
		slog.Int("additions", len(additions)),
		slog.Int("accepted", accepted),
		slog.Int("superseded_mappings", len(removeMappings)),
		slog.Int("superseded_tx_hashes", len(removeTxHashes)),
	)
	return protocol.SubmitResponse{
		Status:       "ok",
		Accepted:     accepted,
		Sequenced:    req.Sequenced,
		Effective:    req.Effective,
		TrafficState: stateBody,
	}, nil
}

func (s *TopologyService) consume(sender protocol.Member, payloadBytes int, ts time.Time) (traffic.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior, ok := s.states[sender]
	if !ok {
		prior = traffic.NewStateAt(sender, ts, s.traffic)
	}
	cost := s.traffic.WriteCost(payloadBytes)
	lastBalance, _ := s.balances.MaxTimestamp()
	var lastSeen *time.Time
	if !lastBalance.IsZero() {
		lastSeen = &lastBalance
	}
	next, err := s.limiter.Consume(sender, cost, ts, prior, s.traffic, lastSeen, true)
	if err != nil {
		switch {
		case traffic.IsAboveTrafficLimit(err):
			return prior, NewAppError(http.StatusTooManyRequests, "ABOVE_TRAFFIC_LIMIT", err.Error(), true, err)
		case traffic.IsUnknownBalance(err):
			return prior, NewAppError(http.StatusServiceUnavailable, "UNKNOWN_BALANCE", err.Error(), true, err)
		case traffic.IsOutOfOrder(err):
			return prior, NewAppError(http.StatusConflict, "SUBMISSION_OUT_OF_ORDER", err.Error(), false, err)
		default:
			return prior, Internal("consume traffic", err)
		}
	}
	s.states[sender] = next
	return next, nil
}

func (s *TopologyService) Inspect(ctx context.Context, req protocol.InspectRequest) (protocol.InspectResponse, error) {
	filter, err := inspectFilter(req)
	if err != nil {
		return protocol.InspectResponse{}, NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err)
	}
	entries, err := s.store.Inspect(ctx, filter)
	if err != nil {
		return protocol.InspectResponse{}, Internal("inspect topology store", err)
	}
	results := make([]protocol.StoredTransactionBody, 0, len(entries))
	for _, e := range entries {
		body, err := store.EncodeStored(e)
		if err != nil {
			return protocol.InspectResponse{}, Internal("encode stored transaction", err)
		}
		results = append(results, body)
	}
	return protocol.InspectResponse{Results: results}, nil
}

func inspectFilter(req protocol.InspectRequest) (store.InspectFilter, error) {
	filter := store.InspectFilter{
		Proposals:       req.Proposals,
		RecentTimestamp: req.RecentTimestamp,
		IDFilter:        req.IDFilter,
		NamespaceOnly:   req.NamespaceOnly,
	}
	switch req.TimeQuery {
	case "", "head-state":
		filter.TimeQuery = store.HeadStateQuery()
	case "snapshot":
		if req.Snapshot == nil {
			return store.InspectFilter{}, fmt.Errorf("snapshot time query requires a snapshot timestamp")
		}
		filter.TimeQuery = store.SnapshotQuery(*req.Snapshot)
	case "range":
		filter.TimeQuery = store.RangeQuery(req.RangeFrom, req.RangeUntil)
	default:
		return store.InspectFilter{}, fmt.Errorf("unknown time query %q", req.TimeQuery)
	}
	if req.Operation != "" {
		op, err := protocol.ParseOperation(req.Operation)
		if err != nil {
			return store.InspectFilter{}, err
		}
		filter.Operation = &op
	}
	if req.MappingCode != "" {
		code := protocol.MappingCode(req.MappingCode)
		known := false
		for _, c := range protocol.AllMappingCodes {
			if c == code {
				known = true
				break
			}
		}
		if !known {
			return store.InspectFilter{}, fmt.Errorf("unknown mapping code %q", req.MappingCode)
		}
		filter.MappingCode = &code
	}
	return filter, nil
}

// SignTransaction signs a transaction (or its reverse tombstone) with the
// node's own keys.
func (s *TopologyService) SignTransaction(ctx context.Context, req protocol.SignRequest) (protocol.SignResponse, error) {
	if s.keyring == nil {
		return protocol.SignResponse{}, NewAppError(http.StatusServiceUnavailable, "SIGNING_UNAVAILABLE", "node has no signing keys", false, nil)
	}
	tx, err := protocol.DecodeTransaction(req.Transaction)
	if err != nil {
		return protocol.SignResponse{}, NewAppError(http.StatusBadRequest, "MALFORMED_TRANSACTION", err.Error(), false, err)
	}
	if req.Reverse {
		tx = tx.Reverse()
	}
	signed, err := protocol.NewSignedTransaction(tx, s.keyring, s.keyring.KeyIDs(), req.Proposal, s.protocolVersion)
	if err != nil {
		return protocol.SignResponse{}, Internal("sign transaction", err)
	}
	env, err := signed.Encode()
	if err != nil {
		return protocol.SignResponse{}, Internal("encode signed transaction", err)
	}
	hash, err := tx.Hash()
	if err != nil {
		return protocol.SignResponse{}, Internal("hash transaction", err)
	}
	return protocol.SignResponse{Transaction: env, TxHash: string(hash)}, nil
}

func (s *TopologyService) KnownParties(ctx context.Context, asOf time.Time, filterParty, filterParticipant string, limit int) (protocol.KnownPartiesResponse, error) {
	if limit <= 0 {
		limit = 100
	}
	parties, err := s.store.InspectKnownParties(ctx, asOf, filterParty, filterParticipant, limit)
	if err != nil {
		return protocol.KnownPartiesResponse{}, Internal("inspect known parties", err)
	}
	out := make([]string, 0, len(parties))
	for _, p := range parties {
		out = append(out, p.String())
	}
	return protocol.KnownPartiesResponse{Parties: out}, nil
}

func (s *TopologyService) EssentialState(ctx context.Context, member protocol.Member, asOf time.Time) (protocol.EssentialStateResponse, error) {
	if member == "" {
		return protocol.EssentialStateResponse{}, NewAppError(http.StatusBadRequest, "BAD_REQUEST", "member is required", false, nil)
	}
	entries, err := s.store.FindEssentialStateForMember(ctx, member, asOf)
	if err != nil {
		return protocol.EssentialStateResponse{}, Internal("collect essential state", err)
	}
	snapshot := make([]protocol.StoredTransactionBody, 0, len(entries))
	for _, e := range entries {
		body, err := store.EncodeStored(e)
		if err != nil {
			return protocol.EssentialStateResponse{}, Internal("encode stored transaction", err)
		}
		snapshot = append(snapshot, body)
	}
	return protocol.EssentialStateResponse{Member: member, AsOf: asOf, Snapshot: snapshot}, nil
}

func (s *TopologyService) Bootstrap(ctx context.Context, req protocol.BootstrapRequest) (protocol.BootstrapResponse, error) {
	snapshot := make([]store.StoredTransaction, 0, len(req.Snapshot))
	for _, body := range req.Snapshot {
		e, err := store.DecodeStored(body)
		if err != nil {
			return protocol.BootstrapResponse{}, NewAppError(http.StatusBadRequest, "MALFORMED_TRANSACTION", err.Error(), false, err)
		}
		snapshot = append(snapshot, e)
	}
	if err := s.store.Bootstrap(ctx, snapshot); err != nil {
		return protocol.BootstrapResponse{}, Internal("bootstrap topology store", err)
	}
	return protocol.BootstrapResponse{Status: "ok", Imported: len(snapshot)}, nil
}

func (s *TopologyService) TopUpBalance(ctx context.Context, req protocol.BalanceUpdateRequest) (protocol.BalanceUpdateResponse, error) {
	if req.Member == "" {
		return protocol.BalanceUpdateResponse{}, NewAppError(http.StatusBadRequest, "BAD_REQUEST", "member is required", false, nil)
	}
	if req.Sequenced.IsZero() {
		return protocol.BalanceUpdateResponse{}, NewAppError(http.StatusBadRequest, "BAD_REQUEST", "sequenced timestamp is required", false, nil)
	}
	err := s.balances.AddBalanceUpdate(ctx, traffic.BalanceUpdate{
		Member:       req.Member,
		Serial:       req.Serial,
		TotalBalance: req.TotalTrafficBalance,
		Sequenced:    req.Sequenced,
	})
	if err != nil {
		return protocol.BalanceUpdateResponse{}, NewAppError(http.StatusConflict, "BALANCE_UPDATE_REJECTED", err.Error(), false, err)
	}
	return protocol.BalanceUpdateResponse{Status: "ok", Member: req.Member, Serial: req.Serial}, nil
}

// TrafficStatus reports the current traffic state of every known sender,
// recomputed as of the latest balance timestamp without charging.
func (s *TopologyService) TrafficStatus(ctx context.Context) (protocol.TrafficStatusResponse, error) {
	s.mu.Lock()
	states := make(map[protocol.Member]traffic.State, len(s.states))
	for member, st := range s.states {
		states[member] = st
	}
	s.mu.Unlock()

	updated, err := s.limiter.UpdateStates(states, nil, s.traffic, nil, false)
	if err != nil {
		return protocol.TrafficStatusResponse{}, Internal("update traffic states", err)
	}
	out := make([]protocol.TrafficStateBody, 0, len(updated))
	for _, st := range updated {
		out = append(out, st.Body())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Member < out[j].Member })
	return protocol.TrafficStatusResponse{States: out}, nil
}

func (s *TopologyService) Health(ctx context.Context) (protocol.HealthResponse, error) {
	resp := protocol.HealthResponse{
		Service:          s.serviceName,
		Version:          s.version,
		DomainID:         s.domainID,
		NodeID:           s.nodeID,
		StorageBackend:   s.storageBackend,
		TrafficControlOn: s.traffic.Enabled,
	}
	entries, err := s.store.DumpStoreContent(ctx)
	if err != nil {
		return protocol.HealthResponse{}, Internal("dump store content", err)
	}
	resp.StoredEntries = len(entries)
	sequenced, effective, ok, err := s.store.MaxTimestamp(ctx)
	if err != nil {
		return protocol.HealthResponse{}, Internal("read store max timestamp", err)
	}
	if ok {
		resp.LatestSequenced = &sequenced
		resp.LatestEffective = &effective
	}
	return resp, nil
}
