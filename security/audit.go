package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal result of one flow attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// FlowType distinguishes PKCE-bound callbacks from traditional ones and from
// server-initiated refreshes. A callback with no PKCE metadata is a valid
// traditional flow, not a degraded one.
type FlowType string

const (
	FlowPKCE        FlowType = "pkce"
	FlowTraditional FlowType = "traditional"
	FlowRefresh     FlowType = "refresh"
)

// AuditRecord is the append-only record of one callback or refresh attempt.
// Written once, never mutated. Token material never appears here.
type AuditRecord struct {
	ID            string
	Timestamp     time.Time
	ClientIP      string
	UserAgent     string
	Outcome       Outcome
	ErrorCode     string // internal taxonomy code; empty on success
	FlowType      FlowType
	TenantID      string
	IntegrationID string
	ProviderName  string
	Duration      time.Duration
}

// AuditSink persists audit records and serves windowed reads for metrics.
type AuditSink interface {
	Append(ctx context.Context, rec *AuditRecord) error
	RecordsSince(ctx context.Context, since time.Time) ([]AuditRecord, error)
}

// AuditMetrics is the windowed aggregate view over audit records.
type AuditMetrics struct {
	Window           time.Duration
	TotalAttempts    int
	SuccessCount     int
	FailureCount     int
	SuccessRate      float64
	AverageDuration  time.Duration
	FailuresByCode   map[string]int
	FailedSinkWrites int64
}

// Auditor persists a structured record of every flow attempt and exposes
// aggregate metrics and active abuse findings.
type Auditor struct {
	sink   AuditSink
	guard  *Guard
	logger *slog.Logger

	// failedWrites counts sink failures. Audit writes are best-effort on the
	// request path, but their absence must itself be observable.
	failedWrites atomic.Int64
}

// NewAuditor creates an auditor over the given sink and guard.
func NewAuditor(sink AuditSink, guard *Guard, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{sink: sink, guard: guard, logger: logger}
}

// LogAttempt records one attempt. It never fails or blocks the caller's
// request path: sink errors are counted and logged, nothing propagates.
func (a *Auditor) LogAttempt(ctx context.Context, rec *AuditRecord) {
	if rec == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	a.logger.Info("security_audit",
		"audit_id", rec.ID,
		"outcome", string(rec.Outcome),
		"error_code", rec.ErrorCode,
		"flow_type", string(rec.FlowType),
		"tenant_id_hash", hashForLogging(rec.TenantID),
		"integration_id", rec.IntegrationID,
		"provider", rec.ProviderName,
		"ip_address", rec.ClientIP,
		"duration_ms", rec.Duration.Milliseconds(),
	)

	if err := a.sink.Append(ctx, rec); err != nil {
		a.failedWrites.Add(1)
		a.logger.Warn("audit sink write failed",
			"audit_id", rec.ID,
			"failed_writes", a.failedWrites.Load(),
			"error", err)
	}
}

// Metrics aggregates audit records over the given window.
func (a *Auditor) Metrics(ctx context.Context, window time.Duration) (*AuditMetrics, error) {
	records, err := a.sink.RecordsSince(ctx, time.Now().Add(-window))
	if err != nil {
		return nil, err
	}

	m := &AuditMetrics{
		Window:           window,
		TotalAttempts:    len(records),
		FailuresByCode:   make(map[string]int),
		FailedSinkWrites: a.failedWrites.Load(),
	}
	var total time.Duration
	for _, rec := range records {
		total += rec.Duration
		if rec.Outcome == OutcomeSuccess {
			m.SuccessCount++
		} else {
			m.FailureCount++
			if rec.ErrorCode != "" {
				m.FailuresByCode[rec.ErrorCode]++
			}
		}
	}
	if m.TotalAttempts > 0 {
		m.SuccessRate = float64(m.SuccessCount) / float64(m.TotalAttempts)
		m.AverageDuration = total / time.Duration(m.TotalAttempts)
	}
	return m, nil
}

// ActiveFindings returns the guard's current abuse findings.
func (a *Auditor) ActiveFindings(ctx context.Context) ([]Finding, error) {
	if a.guard == nil {
		return nil, nil
	}
	return a.guard.Evaluate(ctx)
}

// FailedWrites returns the count of audit sink write failures.
func (a *Auditor) FailedWrites() int64 {
	return a.failedWrites.Load()
}

// MemoryAuditSink is the process-local audit sink. Records older than maxAge
// are pruned on append; ordering is append order.
type MemoryAuditSink struct {
	mu      sync.Mutex
	records []AuditRecord
	maxAge  time.Duration
}

// NewMemoryAuditSink creates an in-memory sink retaining records for maxAge.
func NewMemoryAuditSink(maxAge time.Duration) *MemoryAuditSink {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &MemoryAuditSink{maxAge: maxAge}
}

// Append stores a copy of rec.
func (s *MemoryAuditSink) Append(_ context.Context, rec *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.maxAge)
	kept := s.records[:0]
	for _, existing := range s.records {
		if existing.Timestamp.After(cutoff) {
			kept = append(kept, existing)
		}
	}
	s.records = append(kept, *rec)
	return nil
}

// RecordsSince returns records newer than since.
func (s *MemoryAuditSink) RecordsSince(_ context.Context, since time.Time) ([]AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []AuditRecord
	for _, rec := range s.records {
		if rec.Timestamp.After(since) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// hashForLogging creates a short SHA-256 digest of a sensitive value so log
// lines stay correlatable without disclosing the value itself.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	sum := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(sum[:])[:16]
}
