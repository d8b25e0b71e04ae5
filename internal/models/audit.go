package models

import "time"

const (
	ActionAuthenticate   = "authenticate"
	ActionPublish        = "publish"
	ActionRateLimitDefer = "rate_limit_defer"
	ActionCredentialSet  = "credential_set"
	ActionKeyRotate      = "key_rotate"
)

const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeDeferred = "deferred"
)

// AuditEntry is one row of the audit trail.
type AuditEntry struct {
	ID        string
	UserID    string
	Action    string
	Platform  Platform
	Timestamp time.Time
	Outcome   string
	Detail    string
}

// AnalyticsSnapshot aggregates engagement for a user and platform over one
// day starting at PeriodStart (UTC midnight).
type AnalyticsSnapshot struct {
	UserID        string
	Platform      Platform
	PeriodStart   time.Time
	PostsMirrored int64
	Likes         int64
	Reposts       int64
	Replies       int64
	UpdatedAt     time.Time
}
