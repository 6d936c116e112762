// Package cryptoprim provides the crypto primitives (C1) every signing
// component in the core builds on: HMAC-SHA256 signing, canonical JSON
// encoding, constant-time comparison, and high-entropy secret generation.
// Grounded in the teacher pack's HMAC idioms (Generativebots'
// internal/security/token_broker.go sign/verify pair, the teacher's
// auth.HashAPIKey), generalized into one reusable primitive set instead of
// being duplicated per signer. Crypto never throws: verification failures
// return false, never an error.
package cryptoprim

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Sign returns the hex-encoded HMAC-SHA256 of payload under secret.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is the correct hex HMAC-SHA256 of payload
// under secret, in constant time. Malformed hex is treated as a mismatch,
// never an error.
func Verify(secret, payload []byte, sig string) bool {
	want, err := hex.DecodeString(Sign(secret, payload))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return constantTimeEqualBytes(want, got)
}

// Hash returns the hex HMAC-SHA256 of plaintext under secret — the form
// persisted for AgentCredential.credential_hash (§3): never the plaintext
// secret itself.
func Hash(secret []byte, plaintext string) string {
	return Sign(secret, []byte(plaintext))
}

// ConstantTimeEqual reports whether a and b are equal, in constant time
// with respect to the contents (not the length) of the shorter input.
func ConstantTimeEqual(a, b string) bool {
	return constantTimeEqualBytes([]byte(a), []byte(b))
}

func constantTimeEqualBytes(a, b []byte) bool {
	if len(a) != len(b) {
		// Still perform a constant-time compare against a same-length
		// buffer so the branch above leaks only the (already-public)
		// length, not byte content.
		subtle.ConstantTimeCompare(a, a)
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Canonical returns the canonical JSON encoding of obj: sorted object keys,
// no insignificant whitespace, UTF-8. Signatures are always computed over
// this form so the same logical payload always produces the same bytes.
func Canonical(obj any) ([]byte, error) {
	// encoding/json already sorts map keys; struct field order is the
	// declaration order, which every signed envelope type in this codebase
	// fixes explicitly via the json tags in declaration order. Round-trip
	// through a generic value normalizes both cases to a single spelling.
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("marshaling canonical payload: %w", err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("normalizing canonical payload: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("encoding canonical payload: %w", err)
	}

	// json.Encoder.Encode appends a trailing newline; canonical form has none.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// RandomSecret returns n bytes of crypto/rand entropy, base64url-encoded
// (no padding) for use as a high-entropy bearer secret.
func RandomSecret(n int) (string, error) {
	if n <= 0 {
		n = 32
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating random secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
