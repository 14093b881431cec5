package protocol

import (
	"encoding/json"
	"fmt"
)

// TxHash is the content hash of a topology transaction.
type TxHash string

// TopologyOperation is Replace or Remove.
type TopologyOperation string

const (
	OpReplace TopologyOperation = "replace"
	OpRemove  TopologyOperation = "remove"
)

func ParseOperation(s string) (TopologyOperation, error) {
	switch TopologyOperation(s) {
	case OpReplace:
		return OpReplace, nil
	case OpRemove:
		return OpRemove, nil
	default:
		return "", fmt.Errorf("unknown topology operation %q", s)
	}
}

// TopologyTransaction is an immutable state-change record for one mapping.
// Serial monotonicity per mapping key is guaranteed by the authorization
// layer upstream; the store only enforces uniqueness.
type TopologyTransaction struct {
	Operation TopologyOperation
	Serial    uint32
	Mapping   Mapping
}

const txHashPrefix = "topology:tx:v1:"

// Hash computes the content hash over the canonical serialized form. Stable
// across re-serialization of logically identical content.
func (t TopologyTransaction) Hash() (TxHash, error) {
	env, err := t.Encode()
	if err != nil {
		return "", err
	}
	h, err := HashCanonical(txHashPrefix, env)
	if err != nil {
		return "", fmt.Errorf("hash topology transaction: %w", err)
	}
	return TxHash(h), nil
}

// Reverse produces the compensating tombstone: the operation flips and the
// serial advances, identity stays.
func (t TopologyTransaction) Reverse() TopologyTransaction {
	op := OpReplace
	if t.Operation == OpReplace {
		op = OpRemove
	}
	return TopologyTransaction{Operation: op, Serial: t.Serial + 1, Mapping: t.Mapping}
}

// TransactionEnvelope is the wire form of a topology transaction.
type TransactionEnvelope struct {
	Operation TopologyOperation `json:"operation"`
	Serial    uint32            `json:"serial"`
	Mapping   MappingEnvelope   `json:"mapping"`
}

func (t TopologyTransaction) Encode() (TransactionEnvelope, error) {
	if t.Mapping == nil {
		return TransactionEnvelope{}, fmt.Errorf("encode topology transaction: nil mapping")
	}
	mapping, err := EncodeMapping(t.Mapping)
	if err != nil {
		return TransactionEnvelope{}, err
	}
	return TransactionEnvelope{Operation: t.Operation, Serial: t.Serial, Mapping: mapping}, nil
}

func DecodeTransaction(env TransactionEnvelope) (TopologyTransaction, error) {
	if _, err := ParseOperation(string(env.Operation)); err != nil {
		return TopologyTransaction{}, err
	}
	if env.Serial == 0 {
		return TopologyTransaction{}, fmt.Errorf("decode topology transaction: serial must be positive")
	}
	mapping, err := DecodeMapping(env.Mapping)
	if err != nil {
		return TopologyTransaction{}, err
	}
	return TopologyTransaction{Operation: env.Operation, Serial: env.Serial, Mapping: mapping}, nil
}

// MarshalJSON/UnmarshalJSON route through the envelope so the mapping
// interface survives serialization.
func (t TopologyTransaction) MarshalJSON() ([]byte, error) {
	env, err := t.Encode()
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (t *TopologyTransaction) UnmarshalJSON(data []byte) error {
	var env TransactionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	decoded, err := DecodeTransaction(env)
	if err != nil {
		return err
	}
	*t = decoded
	return nil
}
