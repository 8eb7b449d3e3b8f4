package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hash domains. Bump the suffix if the key derivation ever changes.
const (
	DomainValue = "replicore/value/v1"
	DomainModel = "replicore/model/v1"
)

// domainHash is hex(SHA-256(domain || 0x00 || data)).
func domainHash(domain string, data []byte) string {
	buf := make([]byte, 0, len(domain)+1+len(data))
	buf = append(buf, domain...)
	buf = append(buf, 0)
	sum := sha256.Sum256(append(buf, data...))
	return hex.EncodeToString(sum[:])
}

// ValueKey derives the key every replica computes for v. Equal values
// always get equal keys.
func ValueKey(v IRValue) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("ValueKey: %w", err)
	}
	return domainHash(DomainValue, canonical), nil
}

// MustValueKey panics where ValueKey would fail. Test helper.
func MustValueKey(v IRValue) string {
	key, err := ValueKey(v)
	if err != nil {
		panic(err)
	}
	return key
}

// Digest hashes serialized model bytes for driver tokens and trace
// output. It never identifies a single value.
func Digest(data []byte) string {
	return domainHash(DomainModel, data)
}
