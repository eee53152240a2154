// Package pkce implements Proof Key for Code Exchange verification (RFC 7636).
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

// Code verifier constraints per RFC 7636 Section 4.1.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128

	MethodS256  = "S256"
	MethodPlain = "plain"
)

// ErrInvalidParameters is returned when a code verifier fails structural
// validation. The check runs before any cryptographic comparison so malformed
// input short-circuits cheaply.
var ErrInvalidParameters = errors.New("invalid PKCE parameters")

// ValidateVerifier checks the code verifier's length and character set.
// RFC 7636: 43-128 characters from the unreserved set
// [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~".
func ValidateVerifier(verifier string) error {
	if len(verifier) < MinVerifierLength {
		return fmt.Errorf("%w: code_verifier must be at least %d characters", ErrInvalidParameters, MinVerifierLength)
	}
	if len(verifier) > MaxVerifierLength {
		return fmt.Errorf("%w: code_verifier must be at most %d characters", ErrInvalidParameters, MaxVerifierLength)
	}
	for _, ch := range verifier {
		if !isUnreserved(ch) {
			return fmt.Errorf("%w: code_verifier contains characters outside [A-Za-z0-9-._~]", ErrInvalidParameters)
		}
	}
	return nil
}

// Verify checks a code verifier against a previously stored challenge.
// Callers must run ValidateVerifier first; Verify assumes a structurally
// valid verifier. Unknown methods always fail.
func Verify(verifier, challenge, method string) bool {
	switch method {
	case MethodS256:
		computed := Challenge(verifier)
		return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
	case MethodPlain:
		// Supported for compatibility only; treated as a lower security
		// posture by callers.
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	default:
		return false
	}
}

// Challenge computes the S256 challenge for a verifier:
// base64url(sha256(verifier)) without padding.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// GenerateVerifier produces a random RFC 7636 compliant code verifier for
// flows this service initiates.
func GenerateVerifier() (string, error) {
	// 48 random bytes encode to 64 base64url characters, inside the 43-128
	// window.
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func isUnreserved(ch rune) bool {
	switch {
	case ch >= 'A' && ch <= 'Z':
		return true
	case ch >= 'a' && ch <= 'z':
		return true
	case ch >= '0' && ch <= '9':
		return true
	case ch == '-' || ch == '.' || ch == '_' || ch == '~':
		return true
	}
	return false
}
