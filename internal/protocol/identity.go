package protocol

import (
	"fmt"
	"strings"
)

// Namespace is the fingerprint of the root key that owns an identity subtree.
type Namespace string

// UniqueIdentifier names one entity within a namespace, printed as
// "identifier::namespace".
type UniqueIdentifier struct {
	Identifier string    `json:"id"`
	Namespace  Namespace `json:"ns"`
}

const uidDelimiter = "::"

func NewUniqueIdentifier(identifier string, ns Namespace) (UniqueIdentifier, error) {
	if identifier == "" {
		return UniqueIdentifier{}, fmt.Errorf("unique identifier: empty identifier")
	}
	if ns == "" {
		return UniqueIdentifier{}, fmt.Errorf("unique identifier: empty namespace")
	}
	if strings.Contains(identifier, uidDelimiter) {
		return UniqueIdentifier{}, fmt.Errorf("unique identifier: identifier %q contains delimiter", identifier)
	}
	return UniqueIdentifier{Identifier: identifier, Namespace: ns}, nil
}

func ParseUniqueIdentifier(s string) (UniqueIdentifier, error) {
	parts := strings.SplitN(s, uidDelimiter, 2)
	if len(parts) != 2 {
		return UniqueIdentifier{}, fmt.Errorf("unique identifier %q: expected identifier%snamespace", s, uidDelimiter)
	}
	return NewUniqueIdentifier(parts[0], Namespace(parts[1]))
}

func (u UniqueIdentifier) String() string {
	return u.Identifier + uidDelimiter + string(u.Namespace)
}

func (u UniqueIdentifier) IsZero() bool {
	return u.Identifier == "" && u.Namespace == ""
}

// PartyID identifies a party hosted on one or more participants.
type PartyID UniqueIdentifier

func (p PartyID) String() string { return UniqueIdentifier(p).String() }

// ParticipantID identifies a participant node.
type ParticipantID UniqueIdentifier

func (p ParticipantID) String() string { return UniqueIdentifier(p).String() }

// MediatorID identifies a mediator node.
type MediatorID UniqueIdentifier

func (m MediatorID) String() string { return UniqueIdentifier(m).String() }

// Member is the sequencer-facing identity of a node, prefixed with its role
// code: "PAR::id::ns", "MED::id::ns" or "SEQ::id::ns".
type Member string

const (
	ParticipantCode = "PAR"
	MediatorCode    = "MED"
	SequencerCode   = "SEQ"
)

func ParticipantMember(p ParticipantID) Member {
	return Member(ParticipantCode + uidDelimiter + p.String())
}

func MediatorMember(m MediatorID) Member {
	return Member(MediatorCode + uidDelimiter + m.String())
}

// UID returns the unique identifier embedded in the member, if well formed.
func (m Member) UID() (UniqueIdentifier, bool) {
	parts := strings.SplitN(string(m), uidDelimiter, 2)
	if len(parts) != 2 {
		return UniqueIdentifier{}, false
	}
	uid, err := ParseUniqueIdentifier(parts[1])
	if err != nil {
		return UniqueIdentifier{}, false
	}
	return uid, true
}

func (m Member) Code() string {
	parts := strings.SplitN(string(m), uidDelimiter, 2)
	return parts[0]
}
