// Package state implements the signed, time-boxed state parameter that
// correlates an outbound authorization redirect with its inbound callback.
//
// The state value is the only storage the flow context ever gets: it rides
// through the external provider's redirect as an opaque string and is never
// persisted server-side. That keeps the unauthenticated callback endpoint
// free of any lookup surface an attacker could probe.
package state

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TTL is the maximum age of a state value. A callback arriving later than
// this after the redirect was issued is rejected. Policy constant, defined
// once.
const TTL = 10 * time.Minute

// minKeyLength is the minimum signing key length. Shorter keys make the HMAC
// trivially brute-forceable.
const minKeyLength = 32

var (
	// ErrInvalidState is returned for values that are malformed, carry a bad
	// signature, or are missing required fields.
	ErrInvalidState = errors.New("invalid state parameter")

	// ErrStateExpired is returned for structurally valid values older than TTL.
	ErrStateExpired = errors.New("state parameter has expired")
)

// Context is the ephemeral flow context carried inside the state parameter.
// It is never persisted; its only round trip is through the provider redirect.
type Context struct {
	IntegrationID string `json:"iid"`
	TenantID      string `json:"tid"`
	UserID        string `json:"uid"`
	Nonce         string `json:"n"`
	IssuedAt      int64  `json:"iat"` // unix seconds
}

// NewContext builds a Context for a fresh authorization redirect with a
// random nonce and the current timestamp.
func NewContext(integrationID, tenantID, userID string) *Context {
	return &Context{
		IntegrationID: integrationID,
		TenantID:      tenantID,
		UserID:        userID,
		Nonce:         uuid.NewString(),
		IssuedAt:      time.Now().Unix(),
	}
}

// Codec signs and verifies state values. Encode/Decode are pure with respect
// to external state; freshness is the only time-dependent check.
type Codec struct {
	key []byte
}

// NewCodec creates a codec with the given HMAC-SHA256 signing key.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) < minKeyLength {
		return nil, fmt.Errorf("state signing key must be at least %d bytes, got %d", minKeyLength, len(key))
	}
	return &Codec{key: key}, nil
}

// Encode packs ctx into a URL-safe, self-describing string:
// base64url(payload) "." base64url(hmac-sha256(payload)).
func (c *Codec) Encode(ctx *Context) (string, error) {
	if ctx == nil {
		return "", fmt.Errorf("nil state context")
	}
	if ctx.IntegrationID == "" || ctx.TenantID == "" || ctx.UserID == "" || ctx.Nonce == "" {
		return "", fmt.Errorf("state context is missing required fields")
	}
	payload, err := json.Marshal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state context: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + c.sign(payload), nil
}

// Decode verifies and unpacks a state value. It fails closed: any structural
// problem maps to ErrInvalidState, and a valid-but-stale value maps to
// ErrStateExpired. Nonce uniqueness is deliberately not checked here; that is
// the replay guard's job.
func (c *Codec) Decode(value string) (*Context, error) {
	payloadPart, sigPart, ok := strings.Cut(value, ".")
	if !ok || payloadPart == "" || sigPart == "" {
		return nil, ErrInvalidState
	}

	payload, err := base64.RawURLEncoding.DecodeString(payloadPart)
	if err != nil {
		return nil, ErrInvalidState
	}

	// Verify the signature before trusting any field of the payload.
	expected, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return nil, ErrInvalidState
	}
	mac := hmac.New(sha256.New, c.key)
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), expected) {
		return nil, ErrInvalidState
	}

	var ctx Context
	if err := json.Unmarshal(payload, &ctx); err != nil {
		return nil, ErrInvalidState
	}
	if ctx.IntegrationID == "" || ctx.TenantID == "" || ctx.UserID == "" || ctx.Nonce == "" || ctx.IssuedAt <= 0 {
		return nil, ErrInvalidState
	}

	if time.Since(time.Unix(ctx.IssuedAt, 0)) > TTL {
		return nil, ErrStateExpired
	}

	return &ctx, nil
}

func (c *Codec) sign(payload []byte) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
