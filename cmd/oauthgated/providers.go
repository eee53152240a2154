package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/sequentops/integration-oauth/security"
	"github.com/sequentops/integration-oauth/storage"
)

// providerFile is the on-disk shape of a provider entry. Client secrets sit
// in the file in plaintext and are encrypted before they reach the store, so
// the file itself is the only place the plaintext lives.
type providerFile struct {
	Providers []providerEntry `json:"providers"`
}

type providerEntry struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	AuthURL      string   `json:"authUrl"`
	TokenURL     string   `json:"tokenUrl"`
	RevokeURL    string   `json:"revokeUrl,omitempty"`
	ClientID     string   `json:"clientId"`
	ClientSecret string   `json:"clientSecret"`
	Scopes       []string `json:"scopes,omitempty"`
	AuthStyle    string   `json:"authStyle,omitempty"`
	RequirePKCE  bool     `json:"requirePkce,omitempty"`
}

func seedProviders(ctx context.Context, path string, store storage.ProviderStore, encryptor *security.Encryptor, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading providers file: %w", err)
	}

	var file providerFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing providers file: %w", err)
	}

	for _, entry := range file.Providers {
		if entry.ID == "" || entry.AuthURL == "" || entry.TokenURL == "" || entry.ClientID == "" {
			return fmt.Errorf("provider %q: id, authUrl, tokenUrl and clientId are required", entry.ID)
		}

		secret, err := encryptor.Encrypt(entry.ClientSecret)
		if err != nil {
			return fmt.Errorf("provider %q: encrypting client secret: %w", entry.ID, err)
		}

		p := &storage.Provider{
			ID:                    entry.ID,
			Name:                  entry.Name,
			AuthURL:               entry.AuthURL,
			TokenURL:              entry.TokenURL,
			RevokeURL:             entry.RevokeURL,
			ClientID:              entry.ClientID,
			EncryptedClientSecret: secret,
			Scopes:                entry.Scopes,
			AuthStyle:             entry.AuthStyle,
			RequirePKCE:           entry.RequirePKCE,
		}
		if err := store.SaveProvider(ctx, p); err != nil {
			return fmt.Errorf("provider %q: saving: %w", entry.ID, err)
		}
		logger.Info("provider loaded", "provider_id", p.ID, "require_pkce", p.RequirePKCE)
	}

	logger.Info("providers seeded", "count", len(file.Providers))
	return nil
}
