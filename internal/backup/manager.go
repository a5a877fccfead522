// Package backup creates and restores pre-migration snapshots of the
// source system: a tar archive of the application tree, a dump of the
// source database, and a JSON snapshot of the migration config.
package backup

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/artemis/web-migrate/internal/config"
	"github.com/artemis/web-migrate/internal/hybrid"
	"github.com/artemis/web-migrate/internal/observability"
	"github.com/artemis/web-migrate/internal/orchestrator"
	"github.com/artemis/web-migrate/internal/session"
)

// DatabaseDumper streams a logical dump of one database. The dbmigrate
// dialers satisfy this, so the backup manager reuses whatever engine
// support the migration side already has.
type DatabaseDumper interface {
	Dump(ctx context.Context, db *config.DatabaseConfig, w io.Writer) error
}

// Options configure a Manager.
type Options struct {
	// Dir is the default destination for backup artifacts. A non-empty
	// config.Options.BackupDestination overrides it per migration.
	Dir string

	// Engine verifies finished artifacts and compresses database dumps.
	Engine *hybrid.Engine

	// Dumper handles database backups. Leaving it nil makes a
	// database-inclusive backup request fail.
	Dumper DatabaseDumper

	// Level is the compression level for archives and dumps (default 6).
	Level int

	Now func() time.Time
}

// Manager implements orchestrator.BackupManager on the local
// filesystem. Artifacts land under <dir>/<session-id>/ with
// timestamped names so repeated runs never collide.
type Manager struct {
	dir    string
	engine *hybrid.Engine
	dumper DatabaseDumper
	level  int
	now    func() time.Time
	log    *observability.Logger
}

// NewManager builds a Manager. A nil log falls back to the no-op
// logger.
func NewManager(opts Options, log *observability.Logger) *Manager {
	if opts.Level <= 0 {
		opts.Level = 6
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &Manager{
		dir:    opts.Dir,
		engine: opts.Engine,
		dumper: opts.Dumper,
		level:  opts.Level,
		now:    opts.Now,
		log:    log,
	}
}

// CreateFullSystemBackup produces one artifact per requested backup
// type and returns a record for each. The first failure aborts the
// whole backup: a migration must not proceed on a partial snapshot.
func (m *Manager) CreateFullSystemBackup(ctx context.Context, cfg *config.MigrationConfig, opts orchestrator.BackupOptions) ([]session.BackupRecord, error) {
	dir := m.dir
	if cfg.Options.BackupDestination != "" {
		dir = cfg.Options.BackupDestination
	}
	if dir == "" {
		return nil, fmt.Errorf("no backup destination configured")
	}
	sessionDir := filepath.Join(dir, opts.SessionID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}

	stamp := m.now().UTC().Format("20060102_150405")
	var records []session.BackupRecord

	if opts.BackupFiles {
		rec, err := m.backupFiles(ctx, cfg, opts, sessionDir, stamp)
		if err != nil {
			return nil, fmt.Errorf("backup files: %w", err)
		}
		records = append(records, rec)
	}

	if opts.BackupDatabase {
		rec, err := m.backupDatabase(ctx, cfg, opts, sessionDir, stamp)
		if err != nil {
			return nil, fmt.Errorf("backup database: %w", err)
		}
		records = append(records, rec)
	}

	if opts.BackupConfig {
		rec, err := m.backupConfig(ctx, cfg, sessionDir, stamp)
		if err != nil {
			return nil, fmt.Errorf("backup config: %w", err)
		}
		records = append(records, rec)
	}

	return records, nil
}

func (m *Manager) backupFiles(ctx context.Context, cfg *config.MigrationConfig, opts orchestrator.BackupOptions, dir, stamp string) (session.BackupRecord, error) {
	root := cfg.Source.Paths.RootPath
	if root == "" {
		return session.BackupRecord{}, fmt.Errorf("source root path is empty")
	}

	name := "files_" + stamp + ".tar"
	if opts.Compression {
		name += ".gz"
	}
	path := filepath.Join(dir, name)
	if err := archiveTree(ctx, root, path, opts.ExcludePatterns, opts.Compression, m.level); err != nil {
		return session.BackupRecord{}, err
	}

	rec, err := m.finishRecord(ctx, session.BackupFiles, path)
	if err != nil {
		return session.BackupRecord{}, err
	}
	m.log.Info("files backup created",
		zap.String("session_id", opts.SessionID),
		zap.String("location", path),
		zap.Int64("bytes", rec.SizeBytes),
		zap.Int("excludes", len(opts.ExcludePatterns)))
	return rec, nil
}

func (m *Manager) backupDatabase(ctx context.Context, cfg *config.MigrationConfig, opts orchestrator.BackupOptions, dir, stamp string) (session.BackupRecord, error) {
	if cfg.Source.Database == nil {
		return session.BackupRecord{}, fmt.Errorf("source has no database config")
	}
	if m.dumper == nil {
		return session.BackupRecord{}, fmt.Errorf("no database dumper configured for engine %s", cfg.Source.Database.Engine)
	}

	path := filepath.Join(dir, "database_"+stamp+".sql")
	f, err := os.Create(path)
	if err != nil {
		return session.BackupRecord{}, err
	}
	if err := m.dumper.Dump(ctx, cfg.Source.Database, f); err != nil {
		f.Close()
		os.Remove(path)
		return session.BackupRecord{}, fmt.Errorf("dump %s database %q: %w", cfg.Source.Database.Engine, cfg.Source.Database.Name, err)
	}
	if err := f.Close(); err != nil {
		return session.BackupRecord{}, err
	}

	if opts.Compression && m.engine != nil {
		gzPath := path + ".gz"
		if _, err := m.engine.CompressFile(ctx, path, gzPath, hybrid.FormatGzip, m.level); err != nil {
			return session.BackupRecord{}, fmt.Errorf("compress dump: %w", err)
		}
		os.Remove(path)
		path = gzPath
	}

	rec, err := m.finishRecord(ctx, session.BackupDatabase, path)
	if err != nil {
		return session.BackupRecord{}, err
	}
	m.log.Info("database backup created",
		zap.String("session_id", opts.SessionID),
		zap.String("engine", string(cfg.Source.Database.Engine)),
		zap.String("location", path),
		zap.Int64("bytes", rec.SizeBytes))
	return rec, nil
}

// backupConfig snapshots the migration config with secrets redacted.
// The snapshot documents what ran; credentials stay out of artifacts
// at rest.
func (m *Manager) backupConfig(ctx context.Context, cfg *config.MigrationConfig, dir, stamp string) (session.BackupRecord, error) {
	data, err := json.MarshalIndent(cfg.Redacted(), "", "  ")
	if err != nil {
		return session.BackupRecord{}, err
	}
	path := filepath.Join(dir, "config_"+stamp+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return session.BackupRecord{}, err
	}
	return m.finishRecord(ctx, session.BackupConfig, path)
}

// finishRecord stats the artifact and marks it verified when a
// checksum pass succeeds.
func (m *Manager) finishRecord(ctx context.Context, typ session.BackupType, path string) (session.BackupRecord, error) {
	info, err := os.Stat(path)
	if err != nil {
		return session.BackupRecord{}, err
	}
	rec := session.BackupRecord{
		ID:        uuid.NewString(),
		Type:      typ,
		SizeBytes: info.Size(),
		Location:  path,
		CreatedAt: m.now().UTC(),
	}
	if m.engine != nil {
		if results, err := m.engine.CalculateChecksums(ctx, []string{path}); err == nil &&
			len(results) == 1 && results[0].Error == "" && results[0].SHA256 != "" {
			rec.Verified = true
		}
	}
	return rec, nil
}

// archiveTree writes root into a tar (optionally gzip) archive at dst,
// skipping entries matched by excludes. Patterns match the entry's
// root-relative path, its base name, or any parent directory already
// matched (the whole subtree is skipped).
func archiveTree(ctx context.Context, root, dst string, excludes []string, compress bool, level int) (err error) {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("source root %q is not a directory", root)
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dst)
		}
	}()

	var w io.Writer = out
	if compress {
		gz, gerr := gzip.NewWriterLevel(out, level)
		if gerr != nil {
			return gerr
		}
		defer func() {
			if cerr := gz.Close(); err == nil {
				err = cerr
			}
		}()
		w = gz
	}

	tw := tar.NewWriter(w)
	defer func() {
		if cerr := tw.Close(); err == nil {
			err = cerr
		}
	}()

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return rerr
		}
		if rel == "." {
			return nil
		}
		if excluded(rel, excludes) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		fi, ierr := d.Info()
		if ierr != nil {
			return ierr
		}
		// Sockets, devices and other irregular entries have no place
		// in an application backup.
		if !fi.Mode().IsRegular() && !fi.IsDir() && fi.Mode()&fs.ModeSymlink == 0 {
			return nil
		}

		link := ""
		if fi.Mode()&fs.ModeSymlink != 0 {
			if link, ierr = os.Readlink(path); ierr != nil {
				return ierr
			}
		}
		hdr, herr := tar.FileInfoHeader(fi, link)
		if herr != nil {
			return herr
		}
		hdr.Name = filepath.ToSlash(rel)
		if fi.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}

		src, oerr := os.Open(path)
		if oerr != nil {
			return oerr
		}
		_, cerr := io.Copy(tw, src)
		src.Close()
		return cerr
	})
}

// excluded reports whether a root-relative path matches any pattern.
func excluded(rel string, patterns []string) bool {
	rel = filepath.ToSlash(rel)
	base := filepath.Base(rel)
	for _, p := range patterns {
		p = strings.TrimSuffix(filepath.ToSlash(p), "/")
		if p == "" {
			continue
		}
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
		if strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	return false
}
