package protocol

import "time"

// SubmitRequest carries one sequenced batch of topology changes. The caller
// (the ordering layer) guarantees batches arrive in increasing sequenced /
// effective time per domain.
type SubmitRequest struct {
	Sender         Member           `json:"sender"`
	Sequenced      time.Time        `json:"sequenced"`
	Effective      time.Time        `json:"effective"`
	RemoveMappings []string         `json:"remove_mappings,omitempty"`
	RemoveTxHashes []string         `json:"remove_tx_hashes,omitempty"`
	Additions      []SubmitAddition `json:"additions"`
}

type SubmitAddition struct {
	Transaction       SignedTransactionEnvelope `json:"transaction"`
	RejectionReason   string                    `json:"rejection_reason,omitempty"`
	ExpireImmediately bool                      `json:"expire_immediately,omitempty"`
}

type SubmitResponse struct {
	Status       string            `json:"status"`
	Accepted     int               `json:"accepted"`
	Sequenced    time.Time         `json:"sequenced"`
	Effective    time.Time         `json:"effective"`
	TrafficState *TrafficStateBody `json:"traffic_state,omitempty"`
}

// InspectRequest mirrors the store's inspect operation. TimeQuery is one of
// "head-state", "snapshot" or "range".
type InspectRequest struct {
	Proposals       bool       `json:"proposals"`
	TimeQuery       string     `json:"time_query"`
	Snapshot        *time.Time `json:"snapshot,omitempty"`
	RangeFrom       *time.Time `json:"range_from,omitempty"`
	RangeUntil      *time.Time `json:"range_until,omitempty"`
	RecentTimestamp *time.Time `json:"recent_timestamp,omitempty"`
	Operation       string     `json:"operation,omitempty"`
	MappingCode     string     `json:"mapping_code,omitempty"`
	IDFilter        string     `json:"id_filter,omitempty"`
	NamespaceOnly   bool       `json:"namespace_only,omitempty"`
}

type InspectResponse struct {
	Results []StoredTransactionBody `json:"results"`
}

// StoredTransactionBody is the wire form of one store entry, also used as
// the bootstrap import/export tuple. Original timestamps are preserved.
type StoredTransactionBody struct {
	Sequenced       time.Time                 `json:"sequenced"`
	ValidFrom       time.Time                 `json:"valid_from"`
	ValidUntil      *time.Time                `json:"valid_until,omitempty"`
	RejectionReason string                    `json:"rejection_reason,omitempty"`
	Transaction     SignedTransactionEnvelope `json:"transaction"`
}

type KnownPartiesResponse struct {
	Parties []string `json:"parties"`
}

type BootstrapRequest struct {
	Snapshot []StoredTransactionBody `json:"snapshot"`
}

type BootstrapResponse struct {
	Status   string `json:"status"`
	Imported int    `json:"imported"`
}

type EssentialStateResponse struct {
	Member   Member                  `json:"member"`
	AsOf     time.Time               `json:"as_of"`
	Snapshot []StoredTransactionBody `json:"snapshot"`
}

// SignRequest asks the node to sign a transaction with its own keys, e.g.
// when authoring a compensating tombstone. Reverse signs the logical
// inverse of the given transaction instead.
type SignRequest struct {
	Transaction TransactionEnvelope `json:"transaction"`
	Proposal    bool                `json:"proposal"`
	Reverse     bool                `json:"reverse,omitempty"`
}

type SignResponse struct {
	Transaction SignedTransactionEnvelope `json:"transaction"`
	TxHash      string                    `json:"tx_hash"`
}

// BalanceUpdateRequest is a sequenced traffic balance top-up for a member.
type BalanceUpdateRequest struct {
	Member              Member    `json:"member"`
	Serial              uint64    `json:"serial"`
	TotalTrafficBalance uint64    `json:"total_traffic_balance"`
	Sequenced           time.Time `json:"sequenced"`
}

type BalanceUpdateResponse struct {
	Status string `json:"status"`
	Member Member `json:"member"`
	Serial uint64 `json:"serial"`
}

type TrafficStateBody struct {
	Member                Member    `json:"member"`
	ExtraTrafficRemainder uint64    `json:"extra_traffic_remainder"`
	ExtraTrafficConsumed  uint64    `json:"extra_traffic_consumed"`
	BaseTrafficRemainder  uint64    `json:"base_traffic_remainder"`
	Timestamp             time.Time `json:"timestamp"`
}

type TrafficStatusResponse struct {
	States []TrafficStateBody `json:"states"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type HealthResponse struct {
	Service          string     `json:"service"`
	Version          string     `json:"version"`
	DomainID         string     `json:"domain_id"`
	NodeID           string     `json:"node_id"`
	StorageBackend   string     `json:"storage_backend"`
	StoredEntries    int        `json:"stored_entries"`
	LatestSequenced  *time.Time `json:"latest_sequenced,omitempty"`
	LatestEffective  *time.Time `json:"latest_effective,omitempty"`
	TrafficControlOn bool       `json:"traffic_control_enabled"`
}
