package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sequentops/integration-oauth/security"
	"github.com/sequentops/integration-oauth/storage"
)

// testStore connects to a local Redis. Tests are skipped when no instance is
// reachable; set REDIS_TEST_ADDR to point elsewhere. Each test gets a unique
// key prefix for isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	store, err := New(ctx, Config{
		Address:   addr,
		KeyPrefix: fmt.Sprintf("oauthtest:%s:%d:", t.Name(), time.Now().UnixNano()),
	})
	if err != nil {
		t.Skipf("skipping: no redis at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_IntegrationRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	integ := &storage.Integration{
		ID:         "int-redis-1",
		TenantID:   "tenant-1",
		ProviderID: "prov-1",
		Status:     storage.StatusPending,
		Metadata:   map[string]string{storage.MetaCodeVerifier: "v"},
	}
	require.NoError(t, s.SaveIntegration(ctx, integ))

	got, err := s.GetIntegration(ctx, "int-redis-1")
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", got.TenantID)
	assert.Equal(t, int64(1), got.Version)

	_, err = s.GetIntegration(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrIntegrationNotFound)
}

func TestStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	require.NoError(t, s.SaveIntegration(ctx, &storage.Integration{
		ID:       "int-cas",
		TenantID: "tenant-1",
		Status:   storage.StatusPending,
	}))

	current, err := s.GetIntegration(ctx, "int-cas")
	require.NoError(t, err)

	current.Status = storage.StatusActive
	current.EncryptedAccessToken = "ct"
	updated, err := s.CompareAndSwapIntegration(ctx, current)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	// Stale version loses and observes the winner.
	winner, err := s.CompareAndSwapIntegration(ctx, current)
	require.ErrorIs(t, err, storage.ErrVersionConflict)
	assert.Equal(t, int64(2), winner.Version)
	assert.Equal(t, "ct", winner.EncryptedAccessToken)
}

func TestStore_AttemptWindow(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordAttempt(ctx, security.Attempt{
			ClientIP:      "203.0.113.9",
			IntegrationID: "int-1",
			Success:       i%2 == 0,
		}))
	}

	attempts, err := s.AttemptsSince(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, attempts, 5)

	attempts, err = s.AttemptsSince(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestStore_Providers(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	require.NoError(t, s.SaveProvider(ctx, &storage.Provider{
		ID:       "prov-redis",
		Name:     "salesforce",
		TokenURL: "https://login.salesforce.com/services/oauth2/token",
	}))

	p, err := s.GetProvider(ctx, "prov-redis")
	require.NoError(t, err)
	assert.Equal(t, "salesforce", p.Name)

	all, err := s.ListProviders(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
