package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// ProviderReplyIO is the outreach platform with a dedicated, tightened quota.
const ProviderReplyIO = "reply.io"

// Identity is the (provider, credential) pair that owns a rate-limit bucket.
type Identity struct {
	Provider   string `json:"provider"`
	Credential string `json:"credential"`
}

// Key returns the bucket key for the identity.
func (id Identity) Key() string {
	return id.Provider + ":" + id.Credential
}

// Fingerprint returns a short, stable digest of the credential so it can be
// used in cache keys and logs without leaking the secret.
func (id Identity) Fingerprint() string {
	sum := sha256.Sum256([]byte(id.Credential))
	return hex.EncodeToString(sum[:6])
}
