package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/artemis/web-migrate/internal/config"
	"github.com/artemis/web-migrate/internal/hybrid"
	"github.com/artemis/web-migrate/internal/observability"
	"github.com/artemis/web-migrate/internal/session"
)

// DatabaseRestorer loads a logical dump back into a database.
type DatabaseRestorer interface {
	Restore(ctx context.Context, db *config.DatabaseConfig, r io.Reader) error
}

// Restorer implements orchestrator.RollbackManager against artifacts
// produced by Manager. It remembers which records it has already
// restored, so replaying a rollback is safe.
type Restorer struct {
	engine *hybrid.Engine
	db     DatabaseRestorer
	log    *observability.Logger

	mu   sync.Mutex
	done map[string]bool
}

// NewRestorer builds a Restorer. db may be nil when no database
// restore support is wired; restoring a database record then fails.
func NewRestorer(engine *hybrid.Engine, db DatabaseRestorer, log *observability.Logger) *Restorer {
	return &Restorer{
		engine: engine,
		db:     db,
		log:    log,
		done:   make(map[string]bool),
	}
}

// Restore puts one backup record's content back where it came from.
// Restoring a record that already succeeded is a no-op.
func (r *Restorer) Restore(ctx context.Context, rec session.BackupRecord, cfg *config.MigrationConfig) error {
	r.mu.Lock()
	if r.done[rec.ID] {
		r.mu.Unlock()
		r.log.Info("backup already restored, skipping",
			zap.String("backup_id", rec.ID), zap.String("type", string(rec.Type)))
		return nil
	}
	r.mu.Unlock()

	if _, err := os.Stat(rec.Location); err != nil {
		return fmt.Errorf("backup artifact missing: %w", err)
	}

	var err error
	switch rec.Type {
	case session.BackupFiles:
		err = r.restoreFiles(ctx, rec, cfg)
	case session.BackupDatabase:
		err = r.restoreDatabase(ctx, rec, cfg)
	case session.BackupConfig:
		err = r.restoreConfig(rec)
	default:
		err = fmt.Errorf("unknown backup type %q", rec.Type)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.done[rec.ID] = true
	r.mu.Unlock()
	r.log.Info("backup restored",
		zap.String("backup_id", rec.ID), zap.String("type", string(rec.Type)),
		zap.String("location", rec.Location))
	return nil
}

func (r *Restorer) restoreFiles(ctx context.Context, rec session.BackupRecord, cfg *config.MigrationConfig) error {
	root := cfg.Source.Paths.RootPath
	if root == "" {
		return fmt.Errorf("source root path is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	format := hybrid.DetectFormat(rec.Location)
	if !format.Archive() {
		return fmt.Errorf("files backup %q is not an archive", rec.Location)
	}
	if _, err := r.engine.DecompressFile(ctx, rec.Location, root, format); err != nil {
		return fmt.Errorf("extract %s: %w", rec.Location, err)
	}
	return nil
}

func (r *Restorer) restoreDatabase(ctx context.Context, rec session.BackupRecord, cfg *config.MigrationConfig) error {
	if r.db == nil {
		return fmt.Errorf("no database restorer configured")
	}
	if cfg.Source.Database == nil {
		return fmt.Errorf("source has no database config")
	}

	path := rec.Location
	if strings.HasSuffix(path, ".gz") {
		tmpDir, err := os.MkdirTemp("", "web-migrate-restore-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmpDir)
		plain := filepath.Join(tmpDir, strings.TrimSuffix(filepath.Base(path), ".gz"))
		if _, err := r.engine.DecompressFile(ctx, path, plain, hybrid.FormatGzip); err != nil {
			return fmt.Errorf("decompress dump: %w", err)
		}
		path = plain
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := r.db.Restore(ctx, cfg.Source.Database, f); err != nil {
		return fmt.Errorf("restore %s database %q: %w", cfg.Source.Database.Engine, cfg.Source.Database.Name, err)
	}
	return nil
}

// restoreConfig only verifies the snapshot still parses. The config a
// session runs with lives in the session store; the snapshot exists
// for audit and operator reference.
func (r *Restorer) restoreConfig(rec session.BackupRecord) error {
	data, err := os.ReadFile(rec.Location)
	if err != nil {
		return err
	}
	var cfg config.MigrationConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("config snapshot corrupt: %w", err)
	}
	return nil
}
