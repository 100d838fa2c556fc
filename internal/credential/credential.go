package credential

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// IDLength is the byte length of a raw credential identifier before hex encoding.
const IDLength = 8

// NewID returns a random opaque credential identifier as a fixed-width hex string.
// The identifier carries 64 bits of entropy and is never derived from record data.
// Entropy-source failure is unrecoverable; there is no weaker fallback.
func NewID() string {
	var b [IDLength]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("credential: system entropy source failed: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// Signer computes and checks keyed signatures binding a credential identifier
// to the deployment's shared secret. The secret is injected at construction so
// tests can exercise multiple secrets without process-wide state.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer for the given shared secret. An empty secret
// yields a signer that fails closed: Sign returns "" and Verify returns false.
func NewSigner(secret string) Signer {
	if secret == "" {
		return Signer{}
	}
	return Signer{secret: []byte(secret)}
}

// Sign returns the hex-encoded HMAC-SHA256 of the identifier under the shared
// secret. Deterministic: the same identifier and secret always produce the
// same signature.
func (s Signer) Sign(id string) string {
	if id == "" || len(s.secret) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the expected signature and compares it against the
// provided one in constant time. It returns false for any malformed input
// (missing identifier, missing signature, missing secret, non-hex signature,
// length mismatch) and never errors. Pure function; safe to call before any
// store access.
func (s Signer) Verify(id, sig string) bool {
	if id == "" || sig == "" || len(s.secret) == 0 {
		return false
	}
	provided, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(id))
	return hmac.Equal(mac.Sum(nil), provided)
}
