// Package security provides the security primitives for the callback engine:
// redirect URI policy validation, the replay and abuse guard, audit logging,
// token encryption at rest, per-IP rate limiting, and client IP extraction.
//
// # Replay & Abuse Guard
//
// The guard keeps sliding-window attempt counts keyed by client IP, by
// integration id, and globally. Findings raised by Evaluate are advisory
// signals for monitoring; blocking is an edge concern (reverse proxy, WAF),
// not this package's. The attempt store is an interface so single-process
// deployments use the in-memory store while multi-process deployments back it
// with Redis (storage/redis).
//
// # Audit
//
// Every callback or refresh attempt produces exactly one AuditRecord. Writes
// are best-effort from the request path's perspective: a failing sink never
// fails the flow, but failed writes are counted and exposed.
package security
