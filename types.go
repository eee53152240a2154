package oauth

import (
	"time"

	"github.com/sequentops/integration-oauth/security"
	"github.com/sequentops/integration-oauth/storage"
)

// IntegrationView is the external representation of an integration. Secrets
// are redacted to presence flags; ciphertext never leaves the service.
type IntegrationView struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenantId"`
	ProviderID      string    `json:"providerId"`
	Status          string    `json:"status"`
	HasAccessToken  bool      `json:"hasAccessToken"`
	HasRefreshToken bool      `json:"hasRefreshToken"`
	TokenExpiresAt  time.Time `json:"tokenExpiresAt,omitempty"`
	ScopesGranted   []string  `json:"scopesGranted,omitempty"`
	ConnectedAt     time.Time `json:"connectedAt,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// NewIntegrationView redacts an integration for external callers. A reader
// observing a passed TokenExpiresAt surfaces the integration as expired,
// regardless of the stored status.
func NewIntegrationView(integ *storage.Integration) *IntegrationView {
	status := integ.Status
	if status == storage.StatusActive && security.IsTokenExpired(integ.TokenExpiresAt) {
		status = storage.StatusExpired
	}
	return &IntegrationView{
		ID:              integ.ID,
		TenantID:        integ.TenantID,
		ProviderID:      integ.ProviderID,
		Status:          string(status),
		HasAccessToken:  integ.EncryptedAccessToken != "",
		HasRefreshToken: integ.EncryptedRefreshToken != "",
		TokenExpiresAt:  integ.TokenExpiresAt,
		ScopesGranted:   integ.ScopesGranted,
		ConnectedAt:     integ.ConnectedAt,
		UpdatedAt:       integ.UpdatedAt,
	}
}

// ConnectionStart is the result of initiating a connection attempt: the URL
// to send the user's browser to, and the integration the callback will
// resolve against.
type ConnectionStart struct {
	IntegrationID    string `json:"integrationId"`
	AuthorizationURL string `json:"authorizationUrl"`
}

// CallbackRequest carries the inbound provider callback parameters plus the
// request attribution the audit trail needs.
type CallbackRequest struct {
	Code             string
	State            string
	ProviderError    string
	ProviderErrorDsc string
	ClientIP         string
	UserAgent        string
}

// CallbackResult is the terminal outcome of a callback: where to send the
// browser, and the internal classification for metrics. The redirect target
// is always a success or error page, never a JSON body.
type CallbackResult struct {
	Success       bool
	RedirectURL   string
	ErrorCode     string // internal taxonomy; empty on success
	TenantID      string
	IntegrationID string
}
