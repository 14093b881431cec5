package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MappingHash identifies the logical entity a mapping mutates. Successive
// serials of the same entity share the same hash.
type MappingHash string

// MappingCode tags the closed set of known mapping kinds.
type MappingCode string

const (
	CodeNamespaceDelegation    MappingCode = "namespace-delegation"
	CodeOwnerToKeyMapping      MappingCode = "owner-to-key"
	CodePartyToParticipant     MappingCode = "party-to-participant"
	CodeDomainTrustCertificate MappingCode = "domain-trust-certificate"
	CodeMediatorDomainState    MappingCode = "mediator-domain-state"
)

// AllMappingCodes lists every known mapping kind.
var AllMappingCodes = []MappingCode{
	CodeNamespaceDelegation,
	CodeOwnerToKeyMapping,
	CodePartyToParticipant,
	CodeDomainTrustCertificate,
	CodeMediatorDomainState,
}

// Mapping is the logical entity declared or changed by a topology
// transaction.
type Mapping interface {
	Code() MappingCode
	// UniqueKey hashes the identity fields of the mapping, not its mutable
	// content, so that Replace/Remove cycles on the same entity collide.
	UniqueKey() MappingHash
	MappingNamespace() Namespace
	// MaybeUID returns the unique identifier owning this mapping, when the
	// mapping is scoped to one.
	MaybeUID() (UniqueIdentifier, bool)
}

func mappingKey(code MappingCode, identity ...string) MappingHash {
	payload := string(code) + ":" + strings.Join(identity, "\x00")
	return MappingHash(SHA256B64u([]byte("topology:mapping:v1:" + payload)))
}

// NamespaceDelegation delegates signing authority for a namespace to a key.
type NamespaceDelegation struct {
	Namespace        Namespace `json:"namespace"`
	TargetKeyID      string    `json:"target_key_id"`
	IsRootDelegation bool      `json:"is_root_delegation"`
}

func (n NamespaceDelegation) Code() MappingCode { return CodeNamespaceDelegation }
func (n NamespaceDelegation) UniqueKey() MappingHash {
	return mappingKey(CodeNamespaceDelegation, string(n.Namespace), n.TargetKeyID)
}
func (n NamespaceDelegation) MappingNamespace() Namespace { return n.Namespace }
func (n NamespaceDelegation) MaybeUID() (UniqueIdentifier, bool) {
	return UniqueIdentifier{}, false
}

// OwnerToKeyMapping assigns signing/encryption keys to a member.
type OwnerToKeyMapping struct {
	Owner  Member   `json:"owner"`
	KeyIDs []string `json:"key_ids"`
}

func (o OwnerToKeyMapping) Code() MappingCode { return CodeOwnerToKeyMapping }
func (o OwnerToKeyMapping) UniqueKey() MappingHash {
	return mappingKey(CodeOwnerToKeyMapping, string(o.Owner))
}
func (o OwnerToKeyMapping) MappingNamespace() Namespace {
	if uid, ok := o.Owner.UID(); ok {
		return uid.Namespace
	}
	return ""
}
func (o OwnerToKeyMapping) MaybeUID() (UniqueIdentifier, bool) {
	return o.Owner.UID()
}

// PartyToParticipant hosts a party on a participant with a permission level.
type PartyToParticipant struct {
	Party       PartyID       `json:"party"`
	Participant ParticipantID `json:"participant"`
	Permission  string        `json:"permission"`
}

func (p PartyToParticipant) Code() MappingCode { return CodePartyToParticipant }
func (p PartyToParticipant) UniqueKey() MappingHash {
	return mappingKey(CodePartyToParticipant, p.Party.String(), p.Participant.String())
}
func (p PartyToParticipant) MappingNamespace() Namespace { return p.Party.Namespace }
func (p PartyToParticipant) MaybeUID() (UniqueIdentifier, bool) {
	return UniqueIdentifier(p.Party), true
}

// DomainTrustCertificate admits a participant to a domain.
type DomainTrustCertificate struct {
	Participant ParticipantID `json:"participant"`
	DomainID    string        `json:"domain_id"`
}

func (d DomainTrustCertificate) Code() MappingCode { return CodeDomainTrustCertificate }
func (d DomainTrustCertificate) UniqueKey() MappingHash {
	return mappingKey(CodeDomainTrustCertificate, d.Participant.String(), d.DomainID)
}
func (d DomainTrustCertificate) MappingNamespace() Namespace { return d.Participant.Namespace }
func (d DomainTrustCertificate) MaybeUID() (UniqueIdentifier, bool) {
	return UniqueIdentifier(d.Participant), true
}

// MediatorDomainState declares a mediator's membership in a mediator group.
type MediatorDomainState struct {
	DomainID string     `json:"domain_id"`
	Mediator MediatorID `json:"mediator"`
	Group    uint32     `json:"group"`
}

func (m MediatorDomainState) Code() MappingCode { return CodeMediatorDomainState }
func (m MediatorDomainState) UniqueKey() MappingHash {
	return mappingKey(CodeMediatorDomainState, m.DomainID, m.Mediator.String())
}
func (m MediatorDomainState) MappingNamespace() Namespace { return m.Mediator.Namespace }
func (m MediatorDomainState) MaybeUID() (UniqueIdentifier, bool) {
	return UniqueIdentifier(m.Mediator), true
}

// MappingEnvelope is the wire form of a mapping.
type MappingEnvelope struct {
	Code MappingCode     `json:"code"`
	Body json.RawMessage `json:"body"`
}

func EncodeMapping(m Mapping) (MappingEnvelope, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return MappingEnvelope{}, fmt.Errorf("encode %s mapping: %w", m.Code(), err)
	}
	return MappingEnvelope{Code: m.Code(), Body: body}, nil
}

// DecodeMapping rejects unknown mapping codes outright; the set of kinds is
// closed.
func DecodeMapping(env MappingEnvelope) (Mapping, error) {
	var target Mapping
	switch env.Code {
	case CodeNamespaceDelegation:
		var m NamespaceDelegation
		if err := json.Unmarshal(env.Body, &m); err != nil {
			return nil, fmt.Errorf("decode %s mapping: %w", env.Code, err)
		}
		target = m
	case CodeOwnerToKeyMapping:
		var m OwnerToKeyMapping
		if err := json.Unmarshal(env.Body, &m); err != nil {
			return nil, fmt.Errorf("decode %s mapping: %w", env.Code, err)
		}
		target = m
	case CodePartyToParticipant:
		var m PartyToParticipant
		if err := json.Unmarshal(env.Body, &m); err != nil {
			return nil, fmt.Errorf("decode %s mapping: %w", env.Code, err)
		}
		target = m
	case CodeDomainTrustCertificate:
		var m DomainTrustCertificate
		if err := json.Unmarshal(env.Body, &m); err != nil {
			return nil, fmt.Errorf("decode %s mapping: %w", env.Code, err)
		}
		target = m
	case CodeMediatorDomainState:
		var m MediatorDomainState
		if err := json.Unmarshal(env.Body, &m); err != nil {
			return nil, fmt.Errorf("decode %s mapping: %w", env.Code, err)
		}
		target = m
	default:
		return nil, fmt.Errorf("unknown mapping code %q", env.Code)
	}
	return target, nil
}
