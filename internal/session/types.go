package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/artemis/web-migrate/internal/config"
)

// SessionStatus represents the lifecycle state of a migration session
type SessionStatus string

const (
	SessionStatusPending    SessionStatus = "pending"
	SessionStatusValidating SessionStatus = "validating"
	SessionStatusRunning    SessionStatus = "running"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusFailed     SessionStatus = "failed"
	SessionStatusCancelled  SessionStatus = "cancelled"
	SessionStatusRolledBack SessionStatus = "rolled_back"
)

// Terminal reports whether no further transitions are allowed from s,
// except the failed/cancelled to rolled_back edge.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled, SessionStatusRolledBack:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine allows s -> t
func (s SessionStatus) CanTransitionTo(t SessionStatus) bool {
	switch s {
	case SessionStatusPending:
		return t == SessionStatusValidating || t == SessionStatusRunning || t == SessionStatusCancelled
	case SessionStatusValidating:
		return t == SessionStatusRunning || t == SessionStatusFailed || t == SessionStatusCancelled
	case SessionStatusRunning:
		return t == SessionStatusCompleted || t == SessionStatusFailed || t == SessionStatusCancelled
	case SessionStatusFailed, SessionStatusCancelled:
		return t == SessionStatusRolledBack
	}
	return false
}

// StepStatus represents the lifecycle state of a single step
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusCancelled StepStatus = "cancelled"
)

// Terminal reports whether the step has finished
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine allows s -> t
func (s StepStatus) CanTransitionTo(t StepStatus) bool {
	switch s {
	case StepStatusPending:
		return t == StepStatusRunning || t == StepStatusSkipped || t == StepStatusCancelled
	case StepStatusRunning:
		return t == StepStatusCompleted || t == StepStatusFailed || t == StepStatusCancelled
	}
	return false
}

// ProgressUnit labels what a progress counter counts
type ProgressUnit string

const (
	UnitItems      ProgressUnit = "items"
	UnitBytes      ProgressUnit = "bytes"
	UnitFiles      ProgressUnit = "files"
	UnitRecords    ProgressUnit = "records"
	UnitPercent    ProgressUnit = "percent"
	UnitOperations ProgressUnit = "operations"
)

// ProgressInfo is a point-in-time progress snapshot
type ProgressInfo struct {
	Current    int64        `json:"current"`
	Total      int64        `json:"total"`
	Unit       ProgressUnit `json:"unit"`
	Percentage float64      `json:"percentage"`
	Message    string       `json:"message,omitempty"`
}

// LogEntry is one line of a session's append-only log
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	StepID    string    `json:"step_id,omitempty"`
}

// BackupType categorizes what a backup covers
type BackupType string

const (
	BackupFiles    BackupType = "files"
	BackupDatabase BackupType = "database"
	BackupConfig   BackupType = "config"
	BackupFull     BackupType = "full"
)

// BackupRecord describes one backup artifact created during a session
type BackupRecord struct {
	ID        string     `json:"id"`
	Type      BackupType `json:"type"`
	SizeBytes int64      `json:"size_bytes"`
	Location  string     `json:"location"`
	CreatedAt time.Time  `json:"created_at"`
	Verified  bool       `json:"verified"`
}

// Severity grades an error or issue
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ErrorInfo captures a failure in a form the API and reports can render
type ErrorInfo struct {
	Code               string   `json:"code"`
	Message            string   `json:"message"`
	Severity           Severity `json:"severity"`
	Component          string   `json:"component"`
	StepID             string   `json:"step_id,omitempty"`
	RetryPossible      bool     `json:"retry_possible"`
	RollbackRequired   bool     `json:"rollback_required"`
	RemediationSteps   []string `json:"remediation_steps,omitempty"`
	DocumentationLinks []string `json:"documentation_links,omitempty"`
}

// Issue is a single finding from the validation stage
type Issue struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	Component   string   `json:"component,omitempty"`
	Remediation string   `json:"remediation,omitempty"`
}

// ValidationSummary is the validation stage's verdict on a config
type ValidationSummary struct {
	CanProceed           bool      `json:"can_proceed"`
	TotalChecks          int       `json:"total_checks"`
	Passed               int       `json:"passed"`
	Failed               int       `json:"failed"`
	Warnings             int       `json:"warnings"`
	WarningIssues        []Issue   `json:"warning_issues,omitempty"`
	CriticalIssues       []Issue   `json:"critical_issues,omitempty"`
	EstimatedFixTimeText string    `json:"estimated_fix_time_text,omitempty"`
	Phase                string    `json:"phase,omitempty"`
	CheckedAt            time.Time `json:"checked_at"`
}

// MigrationStep is one node of a session's step graph
type MigrationStep struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Dependencies []string     `json:"dependencies,omitempty"`
	Status       StepStatus   `json:"status"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	EndedAt      *time.Time   `json:"ended_at,omitempty"`
	Progress     ProgressInfo `json:"progress"`
	Error        *ErrorInfo   `json:"error,omitempty"`
}

// MigrationSession is the unit of work the orchestrator drives. It is
// mutated only through Store.Mutate; readers work on Snapshot copies.
type MigrationSession struct {
	ID          string                  `json:"id"`
	Config      *config.MigrationConfig `json:"config"`
	Status      SessionStatus           `json:"status"`
	CreatedAt   time.Time               `json:"created_at"`
	StartedAt   *time.Time              `json:"started_at,omitempty"`
	EndedAt     *time.Time              `json:"ended_at,omitempty"`
	Steps       []*MigrationStep        `json:"steps"`
	CurrentStep string                  `json:"current_step,omitempty"`
	Log         []LogEntry              `json:"log,omitempty"`
	Backups     []BackupRecord          `json:"backups,omitempty"`
	Validation  *ValidationSummary      `json:"validation,omitempty"`
	Error       *ErrorInfo              `json:"error,omitempty"`
}

// maxLogEntries bounds the per-session log ring
const maxLogEntries = 1000

// NewSession creates a pending session for cfg with steps synthesized
// from the fixed template. Step cycles are a ConfigurationError.
func NewSession(cfg *config.MigrationConfig) (*MigrationSession, error) {
	steps, err := SortSteps(SynthesizeSteps(cfg))
	if err != nil {
		return nil, err
	}
	return newSession(cfg, steps), nil
}

// NewSessionWithSteps creates a pending session with a caller-supplied
// step list, re-sorted topologically.
func NewSessionWithSteps(cfg *config.MigrationConfig, steps []*MigrationStep) (*MigrationSession, error) {
	sorted, err := SortSteps(steps)
	if err != nil {
		return nil, err
	}
	return newSession(cfg, sorted), nil
}

func newSession(cfg *config.MigrationConfig, steps []*MigrationStep) *MigrationSession {
	return &MigrationSession{
		ID:        uuid.New().String(),
		Config:    cfg,
		Status:    SessionStatusPending,
		CreatedAt: time.Now().UTC(),
		Steps:     steps,
	}
}

// Step returns the step with the given id, or nil
func (s *MigrationSession) Step(id string) *MigrationStep {
	for _, step := range s.Steps {
		if step.ID == id {
			return step
		}
	}
	return nil
}

// AppendLog appends a log entry, keeping only the newest maxLogEntries
func (s *MigrationSession) AppendLog(level, message, stepID string) {
	s.Log = append(s.Log, LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		StepID:    stepID,
	})
	if len(s.Log) > maxLogEntries {
		s.Log = s.Log[len(s.Log)-maxLogEntries:]
	}
}

// Snapshot returns a deep copy safe to hand to readers. The config is
// shared because it is immutable after creation.
func (s *MigrationSession) Snapshot() *MigrationSession {
	out := *s
	out.Steps = make([]*MigrationStep, len(s.Steps))
	for i, step := range s.Steps {
		st := *step
		if step.Dependencies != nil {
			st.Dependencies = append([]string(nil), step.Dependencies...)
		}
		if step.StartedAt != nil {
			t := *step.StartedAt
			st.StartedAt = &t
		}
		if step.EndedAt != nil {
			t := *step.EndedAt
			st.EndedAt = &t
		}
		if step.Error != nil {
			e := *step.Error
			st.Error = &e
		}
		out.Steps[i] = &st
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	if s.Log != nil {
		out.Log = append([]LogEntry(nil), s.Log...)
	}
	if s.Backups != nil {
		out.Backups = append([]BackupRecord(nil), s.Backups...)
	}
	if s.Validation != nil {
		v := *s.Validation
		out.Validation = &v
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	return &out
}
