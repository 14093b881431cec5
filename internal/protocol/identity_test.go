package protocol

import "testing"

func TestParseUniqueIdentifier(t *testing.T) {
	uid, err := ParseUniqueIdentifier("alice::ns1")
	if err != nil {
		t.Fatalf("ParseUniqueIdentifier error: %v", err)
	}
	if uid.Identifier != "alice" || uid.Namespace != "ns1" {
		t.Fatalf("unexpected uid: %+v", uid)
	}
	if uid.String() != "alice::ns1" {
		t.Fatalf("unexpected String: %q", uid.String())
	}

	// the namespace keeps any further delimiters
	uid, err = ParseUniqueIdentifier("alice::ns::extra")
	if err != nil {
		t.Fatalf("ParseUniqueIdentifier error: %v", err)
	}
	if uid.Identifier != "alice" || uid.Namespace != "ns::extra" {
		t.Fatalf("unexpected uid: %+v", uid)
	}

	for _, bad := range []string{"", "alice", "::ns1", "alice::"} {
		if _, err := ParseUniqueIdentifier(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestMemberUID(t *testing.T) {
	pid := ParticipantID{Identifier: "p1", Namespace: "ns1"}
	member := ParticipantMember(pid)
	if member != "PAR::p1::ns1" {
		t.Fatalf("unexpected member: %q", member)
	}
	if member.Code() != ParticipantCode {
		t.Fatalf("unexpected code: %q", member.Code())
	}
	uid, ok := member.UID()
	if !ok {
		t.Fatalf("expected well formed member")
	}
	if uid.Identifier != "p1" || uid.Namespace != "ns1" {
		t.Fatalf("unexpected uid: %+v", uid)
	}

	if _, ok := Member("garbage").UID(); ok {
		t.Fatalf("expected malformed member to have no uid")
	}
}
