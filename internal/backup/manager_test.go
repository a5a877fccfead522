package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artemis/web-migrate/internal/config"
	"github.com/artemis/web-migrate/internal/hybrid"
	"github.com/artemis/web-migrate/internal/observability"
	"github.com/artemis/web-migrate/internal/orchestrator"
	"github.com/artemis/web-migrate/internal/session"
)

type fakeDumper struct {
	payload string
	err     error
	calls   int
}

func (f *fakeDumper) Dump(ctx context.Context, db *config.DatabaseConfig, w io.Writer) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	_, err := io.WriteString(w, f.payload)
	return err
}

func testEngine(t *testing.T) *hybrid.Engine {
	t.Helper()
	return hybrid.NewEngine(context.Background(), hybrid.Config{},
		observability.NewNopLogger(), observability.NewMetrics())
}

// sourceTree builds a small site layout and returns its root.
func sourceTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "wp-content", "uploads"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "cache"), 0o755))
	files := map[string]string{
		"index.php":                   "<?php echo 'hello';",
		"wp-config.php":               "<?php define('DB_NAME', 'blog');",
		"wp-content/uploads/img.png":  "not-actually-a-png",
		"wp-content/uploads/site.log": "old log lines",
		"cache/page1.html":            "cached page",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))
	}
	return root
}

func backupConfig(t *testing.T, root string) *config.MigrationConfig {
	t.Helper()
	cfg := &config.MigrationConfig{
		Name: "blog-to-new-host",
		Source: config.SystemConfig{
			Kind: config.SystemWebCMS,
			Host: "old.example.com",
			Auth: config.AuthConfig{Method: config.AuthPassword, Username: "deploy", Password: "s3cret"},
			Paths: config.PathConfig{
				RootPath: root,
			},
			Database: &config.DatabaseConfig{
				Engine:   config.DatabaseMySQL,
				Host:     "localhost",
				Port:     3306,
				Name:     "blog",
				Username: "blog",
				Password: "db-pass",
			},
		},
		Destination: config.SystemConfig{
			Kind:  config.SystemWebFramework,
			Host:  "new.example.com",
			Auth:  config.AuthConfig{Method: config.AuthPassword, Username: "deploy", Password: "s3cret"},
			Paths: config.PathConfig{RootPath: "/srv/blog"},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func fullOpts(sessionID string) orchestrator.BackupOptions {
	return orchestrator.BackupOptions{
		SessionID:      sessionID,
		BackupFiles:    true,
		BackupDatabase: true,
		BackupConfig:   true,
		Compression:    true,
	}
}

func newTestManager(t *testing.T, dir string, dumper DatabaseDumper) *Manager {
	t.Helper()
	return NewManager(Options{
		Dir:    dir,
		Engine: testEngine(t),
		Dumper: dumper,
		Now:    func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	}, observability.NewNopLogger())
}

func TestCreateFullSystemBackup(t *testing.T) {
	root := sourceTree(t)
	dir := t.TempDir()
	dumper := &fakeDumper{payload: "-- dump\nINSERT INTO posts VALUES (1);\n"}
	m := newTestManager(t, dir, dumper)

	records, err := m.CreateFullSystemBackup(context.Background(), backupConfig(t, root), fullOpts("sess-1"))
	require.NoError(t, err)
	require.Len(t, records, 3)

	byType := map[session.BackupType]session.BackupRecord{}
	for _, rec := range records {
		byType[rec.Type] = rec
		assert.NotEmpty(t, rec.ID)
		assert.Positive(t, rec.SizeBytes)
		assert.True(t, rec.Verified, "record %s should verify", rec.Type)
		assert.Equal(t, filepath.Join(dir, "sess-1"), filepath.Dir(rec.Location))
		_, statErr := os.Stat(rec.Location)
		assert.NoError(t, statErr)
	}

	assert.True(t, strings.HasSuffix(byType[session.BackupFiles].Location, ".tar.gz"))
	assert.True(t, strings.HasSuffix(byType[session.BackupDatabase].Location, ".sql.gz"))
	assert.True(t, strings.HasSuffix(byType[session.BackupConfig].Location, ".json"))
	assert.Equal(t, 1, dumper.calls)
}

func TestConfigSnapshotRedactsSecrets(t *testing.T) {
	root := sourceTree(t)
	m := newTestManager(t, t.TempDir(), nil)

	records, err := m.CreateFullSystemBackup(context.Background(), backupConfig(t, root),
		orchestrator.BackupOptions{SessionID: "sess-1", BackupConfig: true})
	require.NoError(t, err)
	require.Len(t, records, 1)

	data, err := os.ReadFile(records[0].Location)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "s3cret")
	assert.NotContains(t, string(data), "db-pass")

	var snap config.MigrationConfig
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, "blog-to-new-host", snap.Name)
	assert.Equal(t, "***REDACTED***", snap.Source.Auth.Password)
}

func TestFilesBackupHonorsExcludes(t *testing.T) {
	root := sourceTree(t)
	m := newTestManager(t, t.TempDir(), nil)

	opts := orchestrator.BackupOptions{
		SessionID:       "sess-1",
		BackupFiles:     true,
		Compression:     true,
		ExcludePatterns: []string{"cache", "*.log"},
	}
	records, err := m.CreateFullSystemBackup(context.Background(), backupConfig(t, root), opts)
	require.NoError(t, err)
	require.Len(t, records, 1)

	extracted := t.TempDir()
	_, err = testEngine(t).DecompressFile(context.Background(), records[0].Location, extracted, hybrid.FormatTarGz)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(extracted, "index.php"))
	assert.FileExists(t, filepath.Join(extracted, "wp-content", "uploads", "img.png"))
	assert.NoFileExists(t, filepath.Join(extracted, "cache", "page1.html"))
	assert.NoDirExists(t, filepath.Join(extracted, "cache"))
	assert.NoFileExists(t, filepath.Join(extracted, "wp-content", "uploads", "site.log"))
}

func TestUncompressedBackupKeepsPlainNames(t *testing.T) {
	root := sourceTree(t)
	dumper := &fakeDumper{payload: "-- dump\n"}
	m := newTestManager(t, t.TempDir(), dumper)

	opts := fullOpts("sess-1")
	opts.Compression = false
	records, err := m.CreateFullSystemBackup(context.Background(), backupConfig(t, root), opts)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.True(t, strings.HasSuffix(records[0].Location, ".tar"))
	assert.False(t, strings.HasSuffix(records[0].Location, ".tar.gz"))
	assert.True(t, strings.HasSuffix(records[1].Location, ".sql"))

	data, err := os.ReadFile(records[1].Location)
	require.NoError(t, err)
	assert.Equal(t, "-- dump\n", string(data))
}

func TestDatabaseBackupWithoutDumperFails(t *testing.T) {
	root := sourceTree(t)
	m := newTestManager(t, t.TempDir(), nil)

	_, err := m.CreateFullSystemBackup(context.Background(), backupConfig(t, root), fullOpts("sess-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no database dumper configured")
}

func TestDumperFailureRemovesPartialDump(t *testing.T) {
	root := sourceTree(t)
	dir := t.TempDir()
	dumper := &fakeDumper{err: fmt.Errorf("connection refused")}
	m := newTestManager(t, dir, dumper)

	_, err := m.CreateFullSystemBackup(context.Background(), backupConfig(t, root), fullOpts("sess-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	entries, readErr := os.ReadDir(filepath.Join(dir, "sess-1"))
	require.NoError(t, readErr)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "database_"), "partial dump %s left behind", e.Name())
	}
}

func TestBackupDestinationOverride(t *testing.T) {
	root := sourceTree(t)
	override := t.TempDir()
	cfg := backupConfig(t, root)
	cfg.Options.BackupDestination = override
	m := newTestManager(t, t.TempDir(), nil)

	records, err := m.CreateFullSystemBackup(context.Background(), cfg,
		orchestrator.BackupOptions{SessionID: "sess-9", BackupConfig: true})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, filepath.Join(override, "sess-9"), filepath.Dir(records[0].Location))
}

func TestBackupWithoutDestinationFails(t *testing.T) {
	root := sourceTree(t)
	m := NewManager(Options{Engine: testEngine(t)}, observability.NewNopLogger())

	_, err := m.CreateFullSystemBackup(context.Background(), backupConfig(t, root),
		orchestrator.BackupOptions{SessionID: "sess-1", BackupConfig: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no backup destination")
}

func TestBackupCancellation(t *testing.T) {
	root := sourceTree(t)
	m := newTestManager(t, t.TempDir(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.CreateFullSystemBackup(ctx, backupConfig(t, root),
		orchestrator.BackupOptions{SessionID: "sess-1", BackupFiles: true, Compression: true})
	require.ErrorIs(t, err, context.Canceled)
}

func TestExcluded(t *testing.T) {
	cases := []struct {
		rel      string
		patterns []string
		want     bool
	}{
		{"cache/page.html", []string{"cache"}, true},
		{"cache", []string{"cache"}, true},
		{"app/cache/x", []string{"cache"}, false},
		{"logs/app.log", []string{"*.log"}, true},
		{"notes.txt", []string{"*.log"}, false},
		{"tmp/sess/a", []string{"tmp/"}, true},
		{"wp-content/uploads/big.iso", []string{"wp-content/uploads"}, true},
		{"index.php", nil, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, excluded(tc.rel, tc.patterns), "rel=%s patterns=%v", tc.rel, tc.patterns)
	}
}
