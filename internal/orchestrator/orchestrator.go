// Package orchestrator drives migration sessions through their step
// graph. Exactly one driver goroutine runs per live session; it is the
// only writer of that session's state, and every collaborator it calls
// honors context cancellation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/artemis/web-migrate/internal/config"
	"github.com/artemis/web-migrate/internal/observability"
	"github.com/artemis/web-migrate/internal/perfmon"
	"github.com/artemis/web-migrate/internal/progress"
	"github.com/artemis/web-migrate/internal/session"
)

// ValidationPhase selects which side of the migration a validation run
// inspects.
type ValidationPhase string

const (
	PhasePre  ValidationPhase = "pre"
	PhasePost ValidationPhase = "post"
)

// ValidationEngine checks a migration config against the live systems.
type ValidationEngine interface {
	Validate(ctx context.Context, cfg *config.MigrationConfig, phase ValidationPhase) (*session.ValidationSummary, error)
}

// BackupOptions selects what a full system backup covers.
type BackupOptions struct {
	SessionID       string
	BackupFiles     bool
	BackupDatabase  bool
	BackupConfig    bool
	Compression     bool
	ExcludePatterns []string
}

// BackupManager snapshots the source system before it is touched.
type BackupManager interface {
	CreateFullSystemBackup(ctx context.Context, cfg *config.MigrationConfig, opts BackupOptions) ([]session.BackupRecord, error)
}

// RollbackManager restores one backup record. Restore must be
// idempotent: restoring an already-restored record succeeds.
type RollbackManager interface {
	Restore(ctx context.Context, record session.BackupRecord, cfg *config.MigrationConfig) error
}

// TransferOptions carries per-session context into a transfer method.
type TransferOptions struct {
	SessionID string
	Options   config.MigrationOptions
}

// TransferResult summarizes a completed file transfer.
type TransferResult struct {
	FilesTransferred int64                 `json:"files_transferred"`
	BytesTransferred int64                 `json:"bytes_transferred"`
	FilesFailed      int64                 `json:"files_failed,omitempty"`
	DurationMs       float64               `json:"duration_ms"`
	AvgRateMBps      float64               `json:"avg_rate_mbps,omitempty"`
	Method           config.TransferMethod `json:"method"`
	Backend          string                `json:"backend,omitempty"`
}

// TransferMethod moves application files between two systems.
type TransferMethod interface {
	TransferFiles(ctx context.Context, src, dst config.SystemConfig, opts TransferOptions) (TransferResult, error)
}

// TransferMethodFactory builds the transfer method named by the config.
type TransferMethodFactory interface {
	Create(method config.TransferMethod, tc config.TransferConfig) (TransferMethod, error)
}

// MigrateOptions carries per-session context into a database migrator.
type MigrateOptions struct {
	SessionID string
	DryRun    bool
}

// DatabaseResult summarizes a completed database migration.
type DatabaseResult struct {
	Status          string                `json:"status"`
	RecordsMigrated int64                 `json:"records_migrated"`
	TablesMigrated  int64                 `json:"tables_migrated,omitempty"`
	DurationMs      float64               `json:"duration_ms"`
	Engine          config.DatabaseEngine `json:"engine,omitempty"`
}

// DatabaseMigrator moves one database to the destination.
type DatabaseMigrator interface {
	Migrate(ctx context.Context) (DatabaseResult, error)
}

// DatabaseMigrationFactory builds a migrator for an engine pair.
type DatabaseMigrationFactory interface {
	Create(src, dst *config.DatabaseConfig, opts MigrateOptions) (DatabaseMigrator, error)
}

// ExecuteOptions tunes one Execute invocation.
type ExecuteOptions struct {
	// ShowProgress mirrors progress events for the session into the
	// server log.
	ShowProgress bool

	// AutoRollback restores backups when the run ends failed or
	// cancelled. The config's rollback_on_failure switch must also be
	// set.
	AutoRollback bool
}

// Deps bundles the collaborators an Orchestrator drives.
type Deps struct {
	Store     *session.Store
	Tracker   *progress.Tracker
	Monitor   *perfmon.Monitor
	Validator ValidationEngine
	Backups   BackupManager
	Rollback  RollbackManager
	Transfers TransferMethodFactory
	Databases DatabaseMigrationFactory
	Log       *observability.Logger
	Metrics   *observability.Metrics
}

// Orchestrator executes migration sessions step by step and owns their
// state transitions. All collaborators are optional except the store;
// a step whose collaborator is missing fails with a configuration
// message rather than panicking.
type Orchestrator struct {
	store     *session.Store
	tracker   *progress.Tracker
	monitor   *perfmon.Monitor
	validator ValidationEngine
	backups   BackupManager
	rollback  RollbackManager
	transfers TransferMethodFactory
	databases DatabaseMigrationFactory
	log       *observability.Logger
	metrics   *observability.Metrics

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	wg    sync.WaitGroup
	nowFn func() time.Time
}

// New creates an orchestrator from its dependency bundle.
func New(deps Deps) *Orchestrator {
	log := deps.Log
	if log == nil {
		log = observability.NewNopLogger()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	tracker := deps.Tracker
	if tracker == nil {
		tracker = progress.NewTracker(log, metrics)
	}
	monitor := deps.Monitor
	if monitor == nil {
		monitor = perfmon.NewMonitor(perfmon.Config{}, log, metrics)
	}
	return &Orchestrator{
		store:     deps.Store,
		tracker:   tracker,
		monitor:   monitor,
		validator: deps.Validator,
		backups:   deps.Backups,
		rollback:  deps.Rollback,
		transfers: deps.Transfers,
		databases: deps.Databases,
		log:       log,
		metrics:   metrics,
		cancels:   make(map[string]context.CancelFunc),
		nowFn:     time.Now,
	}
}

func (o *Orchestrator) now() time.Time { return o.nowFn() }

// Execute runs the session's steps in order and blocks until the
// session reaches a terminal status. Only pending sessions may start.
// The returned session is the final snapshot; the error reports the
// first step failure, or nil when the migration completed.
func (o *Orchestrator) Execute(ctx context.Context, sessionID string, opts ExecuteOptions) (*session.MigrationSession, error) {
	dctx, cancel := context.WithCancel(ctx)

	// Claim the session. The status check and the transition happen
	// under one store lock so two drivers can never share a session.
	err := o.store.Mutate(sessionID, func(s *session.MigrationSession) error {
		if s.Status != session.SessionStatusPending {
			return fmt.Errorf("%w: session %s is %s, only pending sessions can start", session.ErrInvalidState, s.ID, s.Status)
		}
		now := o.now()
		s.StartedAt = &now
		setStatusLocked(s, session.SessionStatusValidating, "info")
		setStatusLocked(s, session.SessionStatusRunning, "info")
		s.AppendLog("info", fmt.Sprintf("migration %q started", s.Config.Name), "")
		return nil
	})
	if err != nil {
		cancel()
		return nil, err
	}

	o.registerCancel(sessionID, cancel)
	defer o.unregisterCancel(sessionID)

	log := o.log.WithSession(sessionID)
	log.Info("migration started")

	if opts.ShowProgress {
		unsub := o.tracker.Subscribe(func(ev progress.Event) {
			if ev.SessionID != sessionID {
				return
			}
			log.Info("progress",
				zap.String("step_id", ev.StepID),
				zap.String("event", string(ev.Type)),
				zap.Float64("percentage", ev.Percentage),
				zap.String("message", ev.Message))
		})
		defer unsub()
	}

	snap, err := o.store.Snapshot(sessionID)
	if err != nil {
		return nil, err
	}
	cfg := snap.Config

	skey := progress.SessionKey(sessionID)
	o.tracker.Start(skey, int64(len(snap.Steps)), session.UnitOperations, fmt.Sprintf("migration %q", cfg.Name))

	var execErr error
	for i, step := range snap.Steps {
		if dctx.Err() != nil {
			execErr = dctx.Err()
			break
		}
		if execErr = o.executeStep(dctx, log, sessionID, step.ID, cfg); execErr != nil {
			break
		}
		o.tracker.Update(skey, int64(i+1), fmt.Sprintf("completed %s", step.ID), nil)
	}

	final := o.finalize(sessionID, execErr)

	switch final {
	case session.SessionStatusCompleted:
		o.tracker.Complete(skey, "migration completed")
		log.Info("migration completed")
	case session.SessionStatusCancelled:
		o.tracker.Cancel(skey, "migration cancelled")
		log.Warn("migration cancelled")
	default:
		o.tracker.Fail(skey, "migration failed", execErr)
		log.Error("migration failed", zap.Error(execErr))
	}
	o.metrics.RecordSession(string(final))

	if final == session.SessionStatusFailed || final == session.SessionStatusCancelled {
		// Rollback survives the cancelled driver context on purpose.
		o.maybeRollback(context.Background(), log, sessionID, opts)
	}

	out, serr := o.store.Snapshot(sessionID)
	if serr != nil {
		return nil, serr
	}
	return out, execErr
}

// StartAsync spawns Execute in a background goroutine after verifying
// the session exists and is pending, so API callers get their 404/409
// synchronously.
func (o *Orchestrator) StartAsync(sessionID string, opts ExecuteOptions) error {
	snap, err := o.store.Snapshot(sessionID)
	if err != nil {
		return err
	}
	if snap.Status != session.SessionStatusPending {
		return fmt.Errorf("%w: session %s is %s, only pending sessions can start", session.ErrInvalidState, sessionID, snap.Status)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.Execute(context.Background(), sessionID, opts); err != nil && !errors.Is(err, context.Canceled) {
			o.log.Warn("migration ended with error",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}()
	return nil
}

// Cancel requests cancellation of a pending, validating or running
// session. Live drivers are interrupted through their context; a
// pending session is finalized immediately since no driver will run.
func (o *Orchestrator) Cancel(sessionID string) error {
	var recordOutcome bool
	err := o.store.Mutate(sessionID, func(s *session.MigrationSession) error {
		switch s.Status {
		case session.SessionStatusPending, session.SessionStatusValidating, session.SessionStatusRunning:
		default:
			return fmt.Errorf("%w: cannot cancel session in status %s", session.ErrInvalidState, s.Status)
		}
		wasPending := s.Status == session.SessionStatusPending
		setStatusLocked(s, session.SessionStatusCancelled, "warning")
		s.AppendLog("warning", "cancellation requested", "")
		if wasPending {
			now := o.now()
			finalizeStepsLocked(s, session.StepStatusCancelled, now)
			s.EndedAt = &now
			recordOutcome = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	o.signalCancel(sessionID)
	if recordOutcome {
		o.metrics.RecordSession(string(session.SessionStatusCancelled))
		o.log.Info("pending migration cancelled", zap.String("session_id", sessionID))
	}
	return nil
}

// Rollback restores the session's backups in reverse creation order.
// Valid for failed or cancelled sessions; calling it again after a
// successful rollback is a no-op. On any restore failure the session
// keeps its status and the error is returned.
func (o *Orchestrator) Rollback(ctx context.Context, sessionID string) (*session.MigrationSession, error) {
	snap, err := o.store.Snapshot(sessionID)
	if err != nil {
		return nil, err
	}
	if snap.Status == session.SessionStatusRolledBack {
		return snap, nil
	}
	if snap.Status != session.SessionStatusFailed && snap.Status != session.SessionStatusCancelled {
		return nil, fmt.Errorf("%w: cannot roll back session in status %s", session.ErrInvalidState, snap.Status)
	}
	if o.rollback == nil {
		return nil, fmt.Errorf("no rollback manager configured")
	}
	if len(snap.Backups) == 0 {
		return nil, fmt.Errorf("%w: session %s has no backup records to restore", session.ErrInvalidState, sessionID)
	}

	log := o.log.WithSession(sessionID)
	log.Info("rollback started", zap.Int("backups", len(snap.Backups)))
	o.appendLog(sessionID, "info", fmt.Sprintf("rollback started: restoring %d backups", len(snap.Backups)), "")

	for i := len(snap.Backups) - 1; i >= 0; i-- {
		rec := snap.Backups[i]
		if err := o.rollback.Restore(ctx, rec, snap.Config); err != nil {
			o.metrics.RecordRollback("failure")
			o.appendLog(sessionID, "error", fmt.Sprintf("rollback failed restoring backup %s (%s): %v", rec.ID, rec.Type, err), "")
			log.Error("rollback failed",
				zap.String("backup_id", rec.ID),
				zap.String("backup_type", string(rec.Type)),
				zap.Error(err))
			return nil, fmt.Errorf("restore backup %s: %w", rec.ID, err)
		}
		o.appendLog(sessionID, "info", fmt.Sprintf("restored backup %s (%s)", rec.ID, rec.Type), "")
	}

	err = o.store.Mutate(sessionID, func(s *session.MigrationSession) error {
		if s.Status == session.SessionStatusRolledBack {
			return nil
		}
		setStatusLocked(s, session.SessionStatusRolledBack, "info")
		s.AppendLog("info", "rollback completed", "")
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.metrics.RecordRollback("success")
	log.Info("rollback completed")
	return o.store.Snapshot(sessionID)
}

// Wait blocks until every background driver started by StartAsync has
// returned. Used during server shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// finalize moves the session to its terminal status once the step loop
// has stopped, and settles any step the loop never reached.
func (o *Orchestrator) finalize(sessionID string, execErr error) session.SessionStatus {
	var final session.SessionStatus
	_ = o.store.Mutate(sessionID, func(s *session.MigrationSession) error {
		now := o.now()
		switch {
		case s.Status == session.SessionStatusCancelled:
			// Cancel already moved the session; settle the rest.
			finalizeStepsLocked(s, session.StepStatusCancelled, now)
			if s.EndedAt == nil {
				s.EndedAt = &now
			}
			s.AppendLog("warning", "migration cancelled", "")
		case execErr == nil:
			setStatusLocked(s, session.SessionStatusCompleted, "info")
			s.EndedAt = &now
			s.CurrentStep = ""
			s.AppendLog("info", "migration completed", "")
		case errors.Is(execErr, context.Canceled):
			setStatusLocked(s, session.SessionStatusCancelled, "warning")
			finalizeStepsLocked(s, session.StepStatusCancelled, now)
			s.EndedAt = &now
			s.AppendLog("warning", "migration cancelled", "")
		default:
			setStatusLocked(s, session.SessionStatusFailed, "error")
			finalizeStepsLocked(s, session.StepStatusSkipped, now)
			s.EndedAt = &now
			s.AppendLog("error", fmt.Sprintf("migration failed: %v", execErr), "")
		}
		final = s.Status
		return nil
	})
	return final
}

// maybeRollback applies the automatic rollback policy after a failed or
// cancelled run.
func (o *Orchestrator) maybeRollback(ctx context.Context, log *observability.Logger, sessionID string, opts ExecuteOptions) {
	if !opts.AutoRollback || o.rollback == nil {
		return
	}
	snap, err := o.store.Snapshot(sessionID)
	if err != nil {
		return
	}
	if !snap.Config.Options.RollbackOnFailure || len(snap.Backups) == 0 {
		return
	}
	if _, err := o.Rollback(ctx, sessionID); err != nil {
		log.Error("automatic rollback failed", zap.Error(err))
	}
}

// appendLog adds one entry to the session log, ignoring unknown ids.
func (o *Orchestrator) appendLog(sessionID, level, message, stepID string) {
	_ = o.store.Mutate(sessionID, func(s *session.MigrationSession) error {
		s.AppendLog(level, message, stepID)
		return nil
	})
}

func (o *Orchestrator) registerCancel(sessionID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.cancels[sessionID] = cancel
	n := len(o.cancels)
	o.mu.Unlock()
	o.metrics.SetActiveSessions(float64(n))
}

func (o *Orchestrator) unregisterCancel(sessionID string) {
	o.mu.Lock()
	if cancel, ok := o.cancels[sessionID]; ok {
		cancel()
		delete(o.cancels, sessionID)
	}
	n := len(o.cancels)
	o.mu.Unlock()
	o.metrics.SetActiveSessions(float64(n))
}

func (o *Orchestrator) signalCancel(sessionID string) {
	o.mu.Lock()
	cancel, ok := o.cancels[sessionID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// setStatusLocked transitions the session status and logs the edge.
// Callers hold the store lock via Mutate.
func setStatusLocked(s *session.MigrationSession, to session.SessionStatus, level string) {
	s.AppendLog(level, fmt.Sprintf("session status: %s -> %s", s.Status, to), "")
	s.Status = to
}

// finalizeStepsLocked drives every non-terminal step to the given
// status so a terminal session never leaves a step dangling. Steps
// that never started keep a nil EndedAt.
func finalizeStepsLocked(s *session.MigrationSession, to session.StepStatus, now time.Time) {
	for _, st := range s.Steps {
		if st.Status.Terminal() || !st.Status.CanTransitionTo(to) {
			continue
		}
		st.Status = to
		if st.StartedAt != nil {
			st.EndedAt = &now
		}
	}
}
