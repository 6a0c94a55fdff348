// Package pkce implements the PKCE (Proof Key for Code Exchange) primitives
// used by the OAuth 2.0 flows in this tool, following RFC 7636. It also
// generates the anti-CSRF state nonces that accompany authorization requests.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// Challenge holds a PKCE code verifier and its derived code challenge.
// The verifier must never be transmitted until the token exchange step.
type Challenge struct {
	// Verifier is the cryptographically random string used to correlate
	// the authorization request to the token request.
	Verifier string `json:"code_verifier"`
	// CodeChallenge is the SHA-256 hash of the verifier, base64url-encoded without padding.
	CodeChallenge string `json:"code_challenge"`
}

// GenerateVerifier creates a cryptographically random PKCE code verifier.
// It produces 32 random bytes encoded as URL-safe base64 without padding,
// which yields a 43 character string.
func GenerateVerifier() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// GenerateChallenge derives the S256 code challenge for a verifier:
// base64url(SHA-256(verifier)) without padding. It is a pure function of
// the verifier.
func GenerateChallenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// GeneratePair creates a new code verifier and its corresponding code challenge.
func GeneratePair() (*Challenge, error) {
	verifier, err := GenerateVerifier()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}
	return &Challenge{
		Verifier:      verifier,
		CodeChallenge: GenerateChallenge(verifier),
	}, nil
}

// GenerateState returns a UUID v4 string used as the anti-replay state nonce
// for a single authorization-code attempt.
func GenerateState() string {
	return uuid.NewString()
}
