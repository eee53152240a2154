// Package storage defines the persistence interfaces for integrations and
// provider configurations, with in-memory and Redis implementations.
//
// The subsystem only needs get/put-by-id semantics plus one conditional
// primitive: CompareAndSwapIntegration, the optimistic-concurrency update
// that makes concurrent token refreshes safe across processes.
package storage

import (
	"context"
	"errors"
	"time"
)

// Integration status values. An integration may only be Active when both
// tokens are present and TokenExpiresAt is in the future at write time.
type IntegrationStatus string

const (
	StatusPending IntegrationStatus = "pending"
	StatusActive  IntegrationStatus = "active"
	StatusExpired IntegrationStatus = "expired"
	StatusRevoked IntegrationStatus = "revoked"
	StatusError   IntegrationStatus = "error"
)

// Metadata keys for transient PKCE parameters carried on a pending
// integration during an in-flight flow. Cleared once the flow resolves.
const (
	MetaCodeVerifier        = "code_verifier"
	MetaCodeChallenge       = "code_challenge"
	MetaCodeChallengeMethod = "code_challenge_method"
)

var (
	// ErrIntegrationNotFound is returned for unknown integration ids. Callers
	// translating this for external responses must not distinguish it from an
	// ownership mismatch.
	ErrIntegrationNotFound = errors.New("integration not found")

	// ErrProviderNotFound is returned for unknown provider ids.
	ErrProviderNotFound = errors.New("provider not found")

	// ErrVersionConflict is returned by CompareAndSwapIntegration when the
	// stored version no longer matches; the caller lost a concurrent update
	// race and should observe the winner's record instead of retrying
	// blindly.
	ErrVersionConflict = errors.New("integration version conflict")
)

// Integration is one tenant's connection to one external provider. Token
// fields hold ciphertext only; plaintext token material never reaches
// storage or logs.
type Integration struct {
	ID         string
	TenantID   string
	ProviderID string
	Status     IntegrationStatus

	EncryptedAccessToken  string
	EncryptedRefreshToken string
	TokenExpiresAt        time.Time
	ScopesGranted         []string
	ConnectedAt           time.Time

	// Metadata carries transient flow state (PKCE parameters) while a
	// connection attempt is in flight. Not long-term state.
	Metadata map[string]string

	// Version is the optimistic-concurrency counter, incremented by every
	// successful CompareAndSwapIntegration.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so callers can mutate without aliasing stored
// state.
func (i *Integration) Clone() *Integration {
	if i == nil {
		return nil
	}
	out := *i
	if i.Metadata != nil {
		out.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			out.Metadata[k] = v
		}
	}
	out.ScopesGranted = append([]string(nil), i.ScopesGranted...)
	return &out
}

// HasPKCE reports whether the integration carries in-flight PKCE parameters.
// Absence means the flow is traditional, which is a valid branch.
func (i *Integration) HasPKCE() bool {
	return i.Metadata[MetaCodeVerifier] != "" || i.Metadata[MetaCodeChallenge] != ""
}

// ClearFlowMetadata removes the transient PKCE parameters after a flow
// resolves, successfully or terminally.
func (i *Integration) ClearFlowMetadata() {
	delete(i.Metadata, MetaCodeVerifier)
	delete(i.Metadata, MetaCodeChallenge)
	delete(i.Metadata, MetaCodeChallengeMethod)
}

// Provider is the static configuration for one external identity provider.
// Owned by platform administrators; read-only during the flow.
type Provider struct {
	ID                    string
	Name                  string
	AuthURL               string
	TokenURL              string
	RevokeURL             string
	ClientID              string
	EncryptedClientSecret string
	Scopes                []string
	GrantType             string

	// AuthStyle selects how client credentials travel to the token endpoint:
	// "header" (HTTP basic) or "body" (form parameters). Providers disagree
	// on this, so it is configuration, not code.
	AuthStyle string

	// RequirePKCE makes PKCE mandatory for this provider rather than
	// presence-detected from integration metadata.
	RequirePKCE bool
}

// IntegrationStore persists integrations.
type IntegrationStore interface {
	// SaveIntegration creates or replaces an integration unconditionally.
	// New records get Version 1.
	SaveIntegration(ctx context.Context, integ *Integration) error

	// GetIntegration returns the integration or ErrIntegrationNotFound.
	GetIntegration(ctx context.Context, id string) (*Integration, error)

	// CompareAndSwapIntegration applies integ only if the stored record still
	// has integ.Version. On success it increments the version, stamps
	// UpdatedAt, and returns the stored result. On a conflict it returns the
	// current stored record together with ErrVersionConflict so the loser can
	// observe the winner's outcome.
	CompareAndSwapIntegration(ctx context.Context, integ *Integration) (*Integration, error)

	// DeleteIntegration removes an integration. Disconnect leaves a revoked
	// tombstone instead; deletion is for administrative purging.
	DeleteIntegration(ctx context.Context, id string) error
}

// ProviderStore persists provider configurations.
type ProviderStore interface {
	SaveProvider(ctx context.Context, p *Provider) error
	GetProvider(ctx context.Context, id string) (*Provider, error)
	ListProviders(ctx context.Context) ([]*Provider, error)
}
