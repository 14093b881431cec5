package protocol

import (
	"crypto/ed25519"
	"fmt"
	"sort"
	"strings"
)

// Signature is one authorizing signature over a transaction hash.
type Signature struct {
	SignedBy string `json:"signed_by"`
	Sig      string `json:"sig"`
}

// TransactionSigner signs a payload with a named key. Implemented by the
// crypto keyring.
type TransactionSigner interface {
	SignPayload(keyID string, payload []byte) (string, error)
}

// SignedTopologyTransaction wraps a transaction with a non-empty,
// signer-sorted signature set and a proposal flag. Values are immutable;
// every change produces a new value.
type SignedTopologyTransaction struct {
	Transaction     TopologyTransaction
	Signatures      []Signature
	Proposal        bool
	ProtocolVersion int
}

// NewSignedTransaction signs the transaction hash with every given key. A
// single failing key fails the whole construction; there is no
// partial-signature intermediate state.
func NewSignedTransaction(tx TopologyTransaction, signer TransactionSigner, keyIDs []string, proposal bool, protocolVersion int) (SignedTopologyTransaction, error) {
	if len(keyIDs) == 0 {
		return SignedTopologyTransaction{}, fmt.Errorf("sign topology transaction: no signing keys")
	}
	hash, err := tx.Hash()
	if err != nil {
		return SignedTopologyTransaction{}, err
	}
	sigs := make([]Signature, 0, len(keyIDs))
	for _, keyID := range keyIDs {
		sig, err := signer.SignPayload(keyID, []byte(hash))
		if err != nil {
			return SignedTopologyTransaction{}, fmt.Errorf("sign topology transaction with %s: %w", keyID, err)
		}
		sigs = append(sigs, Signature{SignedBy: keyID, Sig: sig})
	}
	return SignedTopologyTransaction{
		Transaction:     tx,
		Signatures:      normalizeSignatures(sigs),
		Proposal:        proposal,
		ProtocolVersion: protocolVersion,
	}, nil
}

// AddSignatures returns a new value with the extra signatures merged in.
// Later signatures win per signer.
func (s SignedTopologyTransaction) AddSignatures(sigs ...Signature) SignedTopologyTransaction {
	merged := append(append([]Signature(nil), s.Signatures...), sigs...)
	out := s
	out.Signatures = normalizeSignatures(merged)
	return out
}

// RemoveSignatures returns a new value without the given signers. Returns
// ok=false when removal would leave an empty signature set; a signed
// transaction can never exist without signatures.
func (s SignedTopologyTransaction) RemoveSignatures(signers ...string) (SignedTopologyTransaction, bool) {
	drop := make(map[string]struct{}, len(signers))
	for _, id := range signers {
		drop[id] = struct{}{}
	}
	kept := make([]Signature, 0, len(s.Signatures))
	for _, sig := range s.Signatures {
		if _, gone := drop[sig.SignedBy]; !gone {
			kept = append(kept, sig)
		}
	}
	if len(kept) == 0 {
		return SignedTopologyTransaction{}, false
	}
	out := s
	out.Signatures = kept
	return out, true
}

// HashOfSignatures digests the sorted signer set plus signature bytes. Part
// of the store uniqueness key: the same logical transaction re-submitted
// with a different signature set is a distinct accepted entry, which is how
// progressive co-signing accumulates.
func (s SignedTopologyTransaction) HashOfSignatures() string {
	parts := make([]string, 0, len(s.Signatures))
	for _, sig := range s.Signatures {
		parts = append(parts, sig.SignedBy+"="+sig.Sig)
	}
	sort.Strings(parts)
	return SHA256B64u([]byte("topology:sigs:v1:" + strings.Join(parts, "\x00")))
}

// AsVersion re-signs the transaction for a different protocol version.
// Refused for multi-signature values: re-signing re-derives the hash and
// would invalidate the co-signatures.
func (s SignedTopologyTransaction) AsVersion(protocolVersion int, signer TransactionSigner) (SignedTopologyTransaction, error) {
	if protocolVersion == s.ProtocolVersion {
		return s, nil
	}
	if len(s.Signatures) != 1 {
		return SignedTopologyTransaction{}, fmt.Errorf("convert to protocol version %d: transaction carries %d signatures, only single-signature transactions can be re-signed", protocolVersion, len(s.Signatures))
	}
	return NewSignedTransaction(s.Transaction, signer, []string{s.Signatures[0].SignedBy}, s.Proposal, protocolVersion)
}

// VerifySignatures checks every signature against the transaction hash.
// resolve maps a signer key id to its public key.
func (s SignedTopologyTransaction) VerifySignatures(resolve func(keyID string) (ed25519.PublicKey, bool), verify func(pub ed25519.PublicKey, payload []byte, sig string) bool) error {
	hash, err := s.Transaction.Hash()
	if err != nil {
		return err
	}
	for _, sig := range s.Signatures {
		pub, ok := resolve(sig.SignedBy)
		if !ok {
			return fmt.Errorf("verify signature: unknown signer %s", sig.SignedBy)
		}
		if !verify(pub, []byte(hash), sig.Sig) {
			return fmt.Errorf("verify signature: invalid signature by %s", sig.SignedBy)
		}
	}
	return nil
}

// SignedTransactionEnvelope is the wire form of a signed transaction.
type SignedTransactionEnvelope struct {
	Transaction     TransactionEnvelope `json:"transaction"`
	Signatures      []Signature         `json:"signatures"`
	Proposal        bool                `json:"proposal"`
	ProtocolVersion int                 `json:"protocol_version"`
}

func (s SignedTopologyTransaction) Encode() (SignedTransactionEnvelope, error) {
	tx, err := s.Transaction.Encode()
	if err != nil {
		return SignedTransactionEnvelope{}, err
	}
	return SignedTransactionEnvelope{
		Transaction:     tx,
		Signatures:      append([]Signature(nil), s.Signatures...),
		Proposal:        s.Proposal,
		ProtocolVersion: s.ProtocolVersion,
	}, nil
}

func DecodeSignedTransaction(env SignedTransactionEnvelope) (SignedTopologyTransaction, error) {
	tx, err := DecodeTransaction(env.Transaction)
	if err != nil {
		return SignedTopologyTransaction{}, err
	}
	if len(env.Signatures) == 0 {
		return SignedTopologyTransaction{}, fmt.Errorf("decode signed transaction: empty signature set")
	}
	return SignedTopologyTransaction{
		Transaction:     tx,
		Signatures:      normalizeSignatures(env.Signatures),
		Proposal:        env.Proposal,
		ProtocolVersion: env.ProtocolVersion,
	}, nil
}

// normalizeSignatures sorts by signer and keeps the last signature per
// signer.
func normalizeSignatures(sigs []Signature) []Signature {
	bySigner := make(map[string]Signature, len(sigs))
	for _, sig := range sigs {
		bySigner[sig.SignedBy] = sig
	}
	out := make([]Signature, 0, len(bySigner))
	for _, sig := range bySigner {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignedBy < out[j].SignedBy })
	return out
}
