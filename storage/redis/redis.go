// Package redis provides Redis-backed implementations of the storage
// interfaces and of the replay guard's attempt store, for multi-process
// deployments where per-process counters and records are not enough.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sequentops/integration-oauth/security"
	"github.com/sequentops/integration-oauth/storage"
)

const (
	// attemptRetention is how long raw attempts stay in the sorted set. It
	// must cover the largest guard window anyone evaluates.
	attemptRetention = 30 * time.Minute

	// casRetries is how many times a WATCH transaction is retried when an
	// unrelated writer touches the key between read and exec. A genuine
	// version conflict is never retried.
	casRetries = 3
)

// Config holds Redis connection settings.
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	Logger    *slog.Logger
}

// Store is a Redis-backed IntegrationStore, ProviderStore, and
// security.AttemptStore.
type Store struct {
	client *goredis.Client
	prefix string
	logger *slog.Logger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}

	return &Store{client: client, prefix: cfg.KeyPrefix, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) integrationKey(id string) string {
	return s.prefix + "integration:" + id
}

func (s *Store) providerKey(id string) string {
	return s.prefix + "provider:" + id
}

func (s *Store) providerIndexKey() string {
	return s.prefix + "providers"
}

func (s *Store) attemptsKey() string {
	return s.prefix + "attempts"
}

// SaveIntegration creates or replaces an integration unconditionally.
func (s *Store) SaveIntegration(ctx context.Context, integ *storage.Integration) error {
	if integ == nil || integ.ID == "" {
		return fmt.Errorf("invalid integration")
	}

	stored := integ.Clone()
	now := time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.Version == 0 {
		stored.Version = 1
	}
	stored.UpdatedAt = now

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal integration: %w", err)
	}
	if err := s.client.Set(ctx, s.integrationKey(integ.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save integration: %w", err)
	}
	return nil
}

// GetIntegration returns the integration or storage.ErrIntegrationNotFound.
func (s *Store) GetIntegration(ctx context.Context, id string) (*storage.Integration, error) {
	data, err := s.client.Get(ctx, s.integrationKey(id)).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, storage.ErrIntegrationNotFound
		}
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}

	var integ storage.Integration
	if err := json.Unmarshal(data, &integ); err != nil {
		return nil, fmt.Errorf("failed to unmarshal integration: %w", err)
	}
	return &integ, nil
}

// CompareAndSwapIntegration performs the optimistic update inside a WATCH
// transaction, Redis's native conditional-update primitive. A version
// mismatch returns the stored record with storage.ErrVersionConflict so the
// losing caller observes the winner's result.
func (s *Store) CompareAndSwapIntegration(ctx context.Context, integ *storage.Integration) (*storage.Integration, error) {
	if integ == nil || integ.ID == "" {
		return nil, fmt.Errorf("invalid integration")
	}
	key := s.integrationKey(integ.ID)

	var result *storage.Integration
	var conflict *storage.Integration

	txn := func(tx *goredis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == goredis.Nil {
				return storage.ErrIntegrationNotFound
			}
			return err
		}

		var current storage.Integration
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("failed to unmarshal integration: %w", err)
		}
		if current.Version != integ.Version {
			conflict = &current
			return storage.ErrVersionConflict
		}

		stored := integ.Clone()
		stored.Version = current.Version + 1
		stored.CreatedAt = current.CreatedAt
		stored.UpdatedAt = time.Now()

		updated, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("failed to marshal integration: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		if err == nil {
			result = stored
		}
		return err
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		switch {
		case err == nil:
			return result, nil
		case err == storage.ErrVersionConflict:
			return conflict, storage.ErrVersionConflict
		case err == storage.ErrIntegrationNotFound:
			return nil, storage.ErrIntegrationNotFound
		case err == goredis.TxFailedErr:
			// Another writer touched the key mid-transaction; re-read and
			// re-check the version.
			continue
		default:
			return nil, fmt.Errorf("integration CAS failed: %w", err)
		}
	}
	return nil, fmt.Errorf("integration CAS contention exceeded %d retries", casRetries)
}

// DeleteIntegration removes an integration.
func (s *Store) DeleteIntegration(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.integrationKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete integration: %w", err)
	}
	if n == 0 {
		return storage.ErrIntegrationNotFound
	}
	return nil
}

// SaveProvider creates or replaces a provider configuration.
func (s *Store) SaveProvider(ctx context.Context, p *storage.Provider) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("invalid provider")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal provider: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.providerKey(p.ID), data, 0)
	pipe.SAdd(ctx, s.providerIndexKey(), p.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save provider: %w", err)
	}
	return nil
}

// GetProvider returns the provider or storage.ErrProviderNotFound.
func (s *Store) GetProvider(ctx context.Context, id string) (*storage.Provider, error) {
	data, err := s.client.Get(ctx, s.providerKey(id)).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, storage.ErrProviderNotFound
		}
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	var p storage.Provider
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal provider: %w", err)
	}
	return &p, nil
}

// ListProviders returns every provider in the index.
func (s *Store) ListProviders(ctx context.Context) ([]*storage.Provider, error) {
	ids, err := s.client.SMembers(ctx, s.providerIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	out := make([]*storage.Provider, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetProvider(ctx, id)
		if err == storage.ErrProviderNotFound {
			continue // index entry for a deleted provider
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// RecordAttempt appends an attempt to the shared sorted set, scored by unix
// nanos, and prunes entries past retention. ZADD keeps increments atomic
// across processes.
func (s *Store) RecordAttempt(ctx context.Context, a security.Attempt) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	member, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal attempt: %w", err)
	}

	cutoff := time.Now().Add(-attemptRetention).UnixNano()
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.attemptsKey(), goredis.Z{
		Score:  float64(a.Timestamp.UnixNano()),
		Member: string(member),
	})
	pipe.ZRemRangeByScore(ctx, s.attemptsKey(), "-inf", strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, s.attemptsKey(), attemptRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// AttemptsSince returns attempts newer than since, shared across all
// processes writing to the same key prefix.
func (s *Store) AttemptsSince(ctx context.Context, since time.Time) ([]security.Attempt, error) {
	members, err := s.client.ZRangeByScore(ctx, s.attemptsKey(), &goredis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since.UnixNano(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read attempt window: %w", err)
	}

	out := make([]security.Attempt, 0, len(members))
	for _, m := range members {
		var a security.Attempt
		if err := json.Unmarshal([]byte(m), &a); err != nil {
			s.logger.Warn("skipping unparseable attempt entry", "error", err)
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
