package auth

import (
	"sync"
	"time"
)

// Audit event types recorded by the gate.
const (
	AuditLoginSuccess       = "login_success"
	AuditLoginFailure       = "login_failure"
	AuditDisabledUserAccess = "disabled_user_access"
	AuditTokenIssued        = "token_issued"
	AuditTokenExpired       = "token_expired"
	AuditTokenInvalid       = "token_invalid"
	AuditTokenRevoked       = "token_revoked"
	AuditTokenContextDrift  = "token_context_drift"
	AuditAPIKeyRejected     = "api_key_rejected"
	AuditRateLimitExceeded  = "rate_limit_exceeded"
)

// AuditEvent is one entry in the security audit trail.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// AuditLog is an append-only bounded buffer of audit events. When full,
// the oldest events are dropped.
type AuditLog struct {
	mu     sync.Mutex
	events []AuditEvent
	max    int
}

// NewAuditLog constructs an audit log holding at most max events.
func NewAuditLog(max int) *AuditLog {
	if max <= 0 {
		max = 10000
	}
	return &AuditLog{max: max}
}

// Append adds an event.
func (a *AuditLog) Append(ev AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	if len(a.events) > a.max {
		a.events = a.events[len(a.events)-a.max:]
	}
}

// Events returns up to limit of the most recent events, oldest first.
// limit <= 0 returns everything retained.
func (a *AuditLog) Events(limit int) []AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]AuditEvent, n)
	copy(out, a.events[len(a.events)-n:])
	return out
}

// Len reports how many events are retained.
func (a *AuditLog) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}
