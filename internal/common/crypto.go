package common

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

const fingerprintLength = 8

// CredentialKey is the digest a credential is stored under, so that raw credentials are never
// kept in memory longer than a connection needs them
func CredentialKey(secret string) [32]byte {
	return blake2b.Sum256([]byte(secret))
}

// Fingerprint identifies a secret in logs without revealing it
func Fingerprint(secret string) string {
	if secret == "" {
		return "<none>"
	}
	sum := CredentialKey(secret)
	return hex.EncodeToString(sum[:fingerprintLength])
}
