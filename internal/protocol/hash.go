package protocol

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
)

var b64u = base64.RawURLEncoding

// CanonicalJSON produces the canonical serialized form used for hashing.
// Struct fields serialize in declaration order and map keys sorted, so
// logically identical values always produce identical bytes.
func CanonicalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func SHA256B64u(in []byte) string {
	h := sha256.Sum256(in)
	return b64u.EncodeToString(h[:])
}

// HashCanonical hashes the canonical form of v under a domain separation
// prefix.
func HashCanonical(prefix string, v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	body := append([]byte(prefix), b...)
	return SHA256B64u(body), nil
}
