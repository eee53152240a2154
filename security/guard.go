package security

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Guard default thresholds. Externally configurable; these mirror the values
// the monitoring runbooks alert on.
const (
	DefaultGuardWindow          = 5 * time.Minute
	DefaultMaxPerIntegration    = 10
	DefaultMaxPerIP             = 20
	DefaultFailureRateThreshold = 0.5

	// minFailureSample is the minimum number of attempts in the window before
	// the failure-rate finding can fire. Below this the rate is noise.
	minFailureSample = 5
)

// Attempt is one observed callback or refresh attempt.
type Attempt struct {
	Timestamp     time.Time
	ClientIP      string
	IntegrationID string
	TenantID      string
	Success       bool
}

// AttemptStore records attempts and returns those inside a sliding window.
// The in-memory implementation is process-local; multi-process deployments
// must back this with a shared store (see storage/redis) or accept per-process
// counts.
type AttemptStore interface {
	RecordAttempt(ctx context.Context, a Attempt) error
	AttemptsSince(ctx context.Context, since time.Time) ([]Attempt, error)
}

// FindingType classifies an abuse finding.
type FindingType string

const (
	FindingHighFailureRate     FindingType = "high_failure_rate"
	FindingIntegrationFlooding FindingType = "integration_flooding"
	FindingIPAbuse             FindingType = "ip_abuse"
)

// Severity grades a finding for downstream alerting.
type Severity string

const (
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Finding is an advisory abuse signal with the evidence that triggered it.
// Findings never block requests themselves; they feed the audit service and
// whatever edge control consumes it.
type Finding struct {
	Type      FindingType
	Severity  Severity
	Key       string // offending IP or integration id; empty for global findings
	Count     int
	Threshold int
	Window    time.Duration
	RaisedAt  time.Time
}

func (f Finding) String() string {
	return fmt.Sprintf("%s key=%q count=%d threshold=%d window=%s", f.Type, f.Key, f.Count, f.Threshold, f.Window)
}

// GuardConfig holds the replay guard's window and thresholds.
type GuardConfig struct {
	// Window is the sliding evaluation window.
	Window time.Duration

	// MaxPerIntegration is the attempt count per integration id above which a
	// finding is raised.
	MaxPerIntegration int

	// MaxPerIP is the attempt count per client IP above which a finding is
	// raised.
	MaxPerIP int

	// FailureRateThreshold is the global failure ratio (0..1) above which a
	// finding is raised.
	FailureRateThreshold float64
}

// SetDefaults fills zero values with the default thresholds.
func (c *GuardConfig) SetDefaults() {
	if c.Window <= 0 {
		c.Window = DefaultGuardWindow
	}
	if c.MaxPerIntegration <= 0 {
		c.MaxPerIntegration = DefaultMaxPerIntegration
	}
	if c.MaxPerIP <= 0 {
		c.MaxPerIP = DefaultMaxPerIP
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = DefaultFailureRateThreshold
	}
}

// Guard tracks recent attempts and raises findings when patterns exceed the
// configured thresholds.
type Guard struct {
	store  AttemptStore
	config GuardConfig
	logger *slog.Logger
}

// NewGuard creates a guard over the given attempt store.
func NewGuard(store AttemptStore, config GuardConfig, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	config.SetDefaults()
	return &Guard{store: store, config: config, logger: logger}
}

// Record stores one attempt. Errors are returned so callers can count them,
// but a failed record must not fail the caller's request.
func (g *Guard) Record(ctx context.Context, a Attempt) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	return g.store.RecordAttempt(ctx, a)
}

// Evaluate computes counts over the sliding window and returns all findings
// whose thresholds are exceeded.
func (g *Guard) Evaluate(ctx context.Context) ([]Finding, error) {
	now := time.Now()
	attempts, err := g.store.AttemptsSince(ctx, now.Add(-g.config.Window))
	if err != nil {
		return nil, fmt.Errorf("failed to load attempt window: %w", err)
	}

	byIP := make(map[string]int)
	byIntegration := make(map[string]int)
	failures := 0
	for _, a := range attempts {
		if a.ClientIP != "" {
			byIP[a.ClientIP]++
		}
		if a.IntegrationID != "" {
			byIntegration[a.IntegrationID]++
		}
		if !a.Success {
			failures++
		}
	}

	var findings []Finding

	if total := len(attempts); total >= minFailureSample {
		rate := float64(failures) / float64(total)
		if rate > g.config.FailureRateThreshold {
			findings = append(findings, Finding{
				Type:      FindingHighFailureRate,
				Severity:  SeverityHigh,
				Count:     failures,
				Threshold: int(g.config.FailureRateThreshold * float64(total)),
				Window:    g.config.Window,
				RaisedAt:  now,
			})
		}
	}

	for id, count := range byIntegration {
		if count > g.config.MaxPerIntegration {
			findings = append(findings, Finding{
				Type:      FindingIntegrationFlooding,
				Severity:  SeverityMedium,
				Key:       id,
				Count:     count,
				Threshold: g.config.MaxPerIntegration,
				Window:    g.config.Window,
				RaisedAt:  now,
			})
		}
	}

	for ip, count := range byIP {
		if count > g.config.MaxPerIP {
			findings = append(findings, Finding{
				Type:      FindingIPAbuse,
				Severity:  SeverityHigh,
				Key:       ip,
				Count:     count,
				Threshold: g.config.MaxPerIP,
				Window:    g.config.Window,
				RaisedAt:  now,
			})
		}
	}

	for _, f := range findings {
		g.logger.Warn("abuse finding raised",
			"type", string(f.Type),
			"severity", string(f.Severity),
			"key", hashForLogging(f.Key),
			"count", f.Count,
			"threshold", f.Threshold,
			"window", f.Window.String())
	}

	return findings, nil
}

// MemoryAttemptStore is the process-local attempt store. Appends and window
// reads are mutex-guarded; pruning happens opportunistically on record.
type MemoryAttemptStore struct {
	mu       sync.Mutex
	attempts []Attempt
	maxAge   time.Duration
}

// NewMemoryAttemptStore creates an in-memory attempt store that retains
// attempts for maxAge (window callers ask for should not exceed it).
func NewMemoryAttemptStore(maxAge time.Duration) *MemoryAttemptStore {
	if maxAge <= 0 {
		maxAge = 2 * DefaultGuardWindow
	}
	return &MemoryAttemptStore{maxAge: maxAge}
}

// RecordAttempt appends an attempt and prunes entries older than maxAge.
func (s *MemoryAttemptStore) RecordAttempt(_ context.Context, a Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.maxAge)
	kept := s.attempts[:0]
	for _, existing := range s.attempts {
		if existing.Timestamp.After(cutoff) {
			kept = append(kept, existing)
		}
	}
	s.attempts = append(kept, a)
	return nil
}

// AttemptsSince returns attempts newer than since.
func (s *MemoryAttemptStore) AttemptsSince(_ context.Context, since time.Time) ([]Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Attempt
	for _, a := range s.attempts {
		if a.Timestamp.After(since) {
			out = append(out, a)
		}
	}
	return out, nil
}
