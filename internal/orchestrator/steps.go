package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/artemis/web-migrate/internal/config"
	"github.com/artemis/web-migrate/internal/observability"
	"github.com/artemis/web-migrate/internal/progress"
	"github.com/artemis/web-migrate/internal/session"
)

// executeStep runs one step to a terminal status. A context.Canceled
// from the collaborator marks the step cancelled; every other error
// marks it failed and attaches the session-level ErrorInfo.
func (o *Orchestrator) executeStep(ctx context.Context, log *observability.Logger, sessionID, stepID string, cfg *config.MigrationConfig) error {
	var stepName string
	err := o.store.Mutate(sessionID, func(s *session.MigrationSession) error {
		if s.Status == session.SessionStatusCancelled {
			return context.Canceled
		}
		st := s.Step(stepID)
		if st == nil {
			return fmt.Errorf("%w: step %s", session.ErrNotFound, stepID)
		}
		if !st.Status.CanTransitionTo(session.StepStatusRunning) {
			return fmt.Errorf("%w: step %s is %s", session.ErrInvalidState, stepID, st.Status)
		}
		now := o.now()
		st.Status = session.StepStatusRunning
		st.StartedAt = &now
		s.CurrentStep = stepID
		s.AppendLog("info", fmt.Sprintf("step %s started", stepID), stepID)
		stepName = st.Name
		return nil
	})
	if err != nil {
		return err
	}

	key := progress.StepKey(sessionID, stepID)
	o.tracker.Start(key, 1, session.UnitOperations, stepName)
	log.Info("step started", zap.String("step_id", stepID))

	started := o.now()
	dispatchErr := o.dispatch(ctx, sessionID, stepID, cfg)
	elapsed := o.now().Sub(started)

	if dispatchErr != nil {
		cancelled := errors.Is(dispatchErr, context.Canceled)
		_ = o.store.Mutate(sessionID, func(s *session.MigrationSession) error {
			st := s.Step(stepID)
			now := o.now()
			st.EndedAt = &now
			if cancelled {
				st.Status = session.StepStatusCancelled
				s.AppendLog("warning", fmt.Sprintf("step %s cancelled", stepID), stepID)
				return nil
			}
			st.Status = session.StepStatusFailed
			info := &session.ErrorInfo{
				Code:             "STEP_FAILED_" + strings.ToUpper(stepID),
				Message:          dispatchErr.Error(),
				Severity:         session.SeverityCritical,
				Component:        "Orchestrator",
				StepID:           stepID,
				RollbackRequired: s.Config.Options.RollbackOnFailure,
			}
			st.Error = info
			s.Error = info
			s.AppendLog("error", fmt.Sprintf("step %s failed: %v", stepID, dispatchErr), stepID)
			return nil
		})
		if cancelled {
			o.metrics.RecordStep(stepID, string(session.StepStatusCancelled), elapsed.Seconds())
			o.tracker.Cancel(key, "cancelled")
			log.Warn("step cancelled", zap.String("step_id", stepID))
		} else {
			o.metrics.RecordStep(stepID, string(session.StepStatusFailed), elapsed.Seconds())
			o.tracker.Fail(key, "step failed", dispatchErr)
			log.Error("step failed", zap.String("step_id", stepID), zap.Error(dispatchErr))
		}
		return dispatchErr
	}

	_ = o.store.Mutate(sessionID, func(s *session.MigrationSession) error {
		st := s.Step(stepID)
		now := o.now()
		st.Status = session.StepStatusCompleted
		st.EndedAt = &now
		s.AppendLog("info", fmt.Sprintf("step %s completed in %s", stepID, elapsed.Round(time.Millisecond)), stepID)
		return nil
	})
	o.metrics.RecordStep(stepID, string(session.StepStatusCompleted), elapsed.Seconds())
	o.tracker.Complete(key, "completed")
	log.Info("step completed", zap.String("step_id", stepID), zap.Duration("elapsed", elapsed))
	return nil
}

// dispatch routes a step id to its collaborator.
func (o *Orchestrator) dispatch(ctx context.Context, sessionID, stepID string, cfg *config.MigrationConfig) error {
	switch stepID {
	case session.StepInitialize:
		return o.stepInitialize(sessionID, cfg)
	case session.StepValidatePre:
		return o.stepValidate(ctx, sessionID, cfg, PhasePre)
	case session.StepCreateBackups:
		return o.stepCreateBackups(ctx, sessionID, cfg)
	case session.StepEnableMaintenance:
		return o.stepMaintenance(sessionID, true)
	case session.StepTransferFiles:
		return o.stepTransferFiles(ctx, sessionID, cfg)
	case session.StepMigrateDatabase:
		return o.stepMigrateDatabase(ctx, sessionID, cfg)
	case session.StepValidatePost:
		return o.stepValidate(ctx, sessionID, cfg, PhasePost)
	case session.StepDisableMaintenance:
		return o.stepMaintenance(sessionID, false)
	case session.StepCleanup:
		return o.stepCleanup(sessionID)
	default:
		return fmt.Errorf("unknown step %q", stepID)
	}
}

func (o *Orchestrator) stepInitialize(sessionID string, cfg *config.MigrationConfig) error {
	o.appendLog(sessionID, "info",
		fmt.Sprintf("initializing migration %q: %s (%s) -> %s (%s)",
			cfg.Name, cfg.Source.Host, cfg.Source.Kind, cfg.Destination.Host, cfg.Destination.Kind),
		session.StepInitialize)
	if cfg.Options.DryRun {
		o.appendLog(sessionID, "info", "dry run enabled: collaborators will skip side effects", session.StepInitialize)
	}
	return nil
}

func (o *Orchestrator) stepValidate(ctx context.Context, sessionID string, cfg *config.MigrationConfig, phase ValidationPhase) error {
	if o.validator == nil {
		return fmt.Errorf("no validation engine configured")
	}
	summary, err := o.validator.Validate(ctx, cfg, phase)
	if err != nil {
		return fmt.Errorf("%s-migration validation: %w", phase, err)
	}

	stepID := session.StepValidatePre
	if phase == PhasePost {
		stepID = session.StepValidatePost
	}
	_ = o.store.Mutate(sessionID, func(s *session.MigrationSession) error {
		s.Validation = summary
		level := "info"
		if summary.Warnings > 0 {
			level = "warning"
		}
		s.AppendLog(level, fmt.Sprintf("%s-migration validation: %d/%d checks passed, %d warnings",
			phase, summary.Passed, summary.TotalChecks, summary.Warnings), stepID)
		return nil
	})

	if !summary.CanProceed {
		return fmt.Errorf("%s-migration validation blocked the migration: %d critical issues", phase, len(summary.CriticalIssues))
	}
	return nil
}

func (o *Orchestrator) stepCreateBackups(ctx context.Context, sessionID string, cfg *config.MigrationConfig) error {
	if o.backups == nil {
		return fmt.Errorf("no backup manager configured")
	}
	opts := BackupOptions{
		SessionID:       sessionID,
		BackupFiles:     cfg.Source.Paths.RootPath != "",
		BackupDatabase:  cfg.Source.Database != nil,
		BackupConfig:    true,
		Compression:     cfg.Transfer.CompressionEnabled,
		ExcludePatterns: cfg.Source.Paths.ExcludePaths,
	}
	records, err := o.backups.CreateFullSystemBackup(ctx, cfg, opts)
	if err != nil {
		return fmt.Errorf("create backups: %w", err)
	}

	var total int64
	for _, rec := range records {
		total += rec.SizeBytes
	}
	_ = o.store.Mutate(sessionID, func(s *session.MigrationSession) error {
		s.Backups = append(s.Backups, records...)
		s.AppendLog("info", fmt.Sprintf("created %d backups (%d bytes)", len(records), total), session.StepCreateBackups)
		return nil
	})
	return nil
}

// stepMaintenance is a bookkeeping no-op in the core engine; platform
// adapters flip the actual maintenance page.
func (o *Orchestrator) stepMaintenance(sessionID string, enable bool) error {
	stepID := session.StepDisableMaintenance
	msg := "maintenance mode disabled"
	if enable {
		stepID = session.StepEnableMaintenance
		msg = "maintenance mode enabled"
	}
	o.appendLog(sessionID, "info", msg, stepID)
	return nil
}

func (o *Orchestrator) stepTransferFiles(ctx context.Context, sessionID string, cfg *config.MigrationConfig) error {
	if o.transfers == nil {
		return fmt.Errorf("no transfer method factory configured")
	}
	method, err := o.transfers.Create(cfg.Transfer.Method, cfg.Transfer)
	if err != nil {
		return fmt.Errorf("create transfer method %q: %w", cfg.Transfer.Method, err)
	}

	if cfg.Transfer.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Transfer.Timeout)
		defer cancel()
	}

	o.monitor.StartTransfer(sessionID)
	defer o.monitor.FinishTransfer(sessionID)

	res, err := method.TransferFiles(ctx, cfg.Source, cfg.Destination, TransferOptions{
		SessionID: sessionID,
		Options:   cfg.Options,
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			o.monitor.RecordTransferError(sessionID)
		}
		return fmt.Errorf("transfer files: %w", err)
	}

	o.metrics.RecordTransfer(string(cfg.Transfer.Method), float64(res.BytesTransferred))
	o.appendLog(sessionID, "info",
		fmt.Sprintf("transferred %d files (%d bytes) via %s", res.FilesTransferred, res.BytesTransferred, res.Method),
		session.StepTransferFiles)
	return nil
}

func (o *Orchestrator) stepMigrateDatabase(ctx context.Context, sessionID string, cfg *config.MigrationConfig) error {
	if o.databases == nil {
		return fmt.Errorf("no database migration factory configured")
	}
	if cfg.Source.Database == nil || cfg.Destination.Database == nil {
		return fmt.Errorf("both systems need a database config to migrate a database")
	}
	migrator, err := o.databases.Create(cfg.Source.Database, cfg.Destination.Database, MigrateOptions{
		SessionID: sessionID,
		DryRun:    cfg.Options.DryRun,
	})
	if err != nil {
		return fmt.Errorf("create database migrator: %w", err)
	}

	o.monitor.StartDatabase(sessionID)
	defer o.monitor.FinishDatabase(sessionID)

	res, err := migrator.Migrate(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			o.monitor.RecordDatabaseError(sessionID)
		}
		return fmt.Errorf("migrate database: %w", err)
	}

	o.metrics.RecordDatabaseRecords(string(cfg.Source.Database.Engine), float64(res.RecordsMigrated))
	o.appendLog(sessionID, "info",
		fmt.Sprintf("database migration %s: %d records migrated", res.Status, res.RecordsMigrated),
		session.StepMigrateDatabase)
	return nil
}

func (o *Orchestrator) stepCleanup(sessionID string) error {
	o.appendLog(sessionID, "info", "temporary migration state removed", session.StepCleanup)
	return nil
}
