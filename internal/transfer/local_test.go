package transfer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artemis/web-migrate/internal/config"
	"github.com/artemis/web-migrate/internal/hybrid"
	"github.com/artemis/web-migrate/internal/observability"
	"github.com/artemis/web-migrate/internal/orchestrator"
	"github.com/artemis/web-migrate/internal/perfmon"
)

type fixture struct {
	factory *Factory
	monitor *perfmon.Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine := hybrid.NewEngine(context.Background(), hybrid.Config{},
		observability.NewNopLogger(), observability.NewMetrics())
	monitor := perfmon.NewMonitor(perfmon.Config{}, observability.NewNopLogger(), observability.NewMetrics())
	factory, err := NewFactory(context.Background(), engine, monitor,
		FactoryOptions{WorkerPoolSize: 4}, observability.NewNopLogger(), observability.NewMetrics())
	require.NoError(t, err)
	t.Cleanup(factory.Close)
	return &fixture{factory: factory, monitor: monitor}
}

func (f *fixture) local(t *testing.T, tc config.TransferConfig) orchestrator.TransferMethod {
	t.Helper()
	if tc.ParallelTransfers == 0 {
		tc.ParallelTransfers = 4
	}
	if tc.RetryBackoff == 0 {
		tc.RetryBackoff = time.Millisecond
	}
	method, err := f.factory.Create(config.TransferLocal, tc)
	require.NoError(t, err)
	return method
}

func siteTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "assets", "css"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "cache"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))
	files := map[string]string{
		"index.php":           "<?php echo 'home';",
		"assets/css/main.css": "body { margin: 0 }",
		"assets/logo.svg":     "<svg/>",
		"cache/rendered.html": "stale",
		"notes.log":           "line one",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))
	}
	return root
}

func endpoints(srcRoot, dstRoot string) (config.SystemConfig, config.SystemConfig) {
	src := config.SystemConfig{
		Kind:  config.SystemStaticSite,
		Host:  "localhost",
		Paths: config.PathConfig{RootPath: srcRoot},
	}
	dst := config.SystemConfig{
		Kind:  config.SystemStaticSite,
		Host:  "localhost",
		Paths: config.PathConfig{RootPath: dstRoot},
	}
	return src, dst
}

func transferOpts(sessionID string) orchestrator.TransferOptions {
	return orchestrator.TransferOptions{SessionID: sessionID}
}

func TestFactoryUnsupportedMethods(t *testing.T) {
	f := newFixture(t)
	for _, method := range []config.TransferMethod{
		config.TransferSSH, config.TransferRsync, config.TransferFTP, config.TransferS3, "carrier-pigeon",
	} {
		_, err := f.factory.Create(method, config.TransferConfig{})
		assert.ErrorIs(t, err, ErrUnsupportedMethod, "method %s", method)
	}
}

func TestLocalTransferCopiesTree(t *testing.T) {
	f := newFixture(t)
	srcRoot := siteTree(t)
	dstRoot := t.TempDir()
	src, dst := endpoints(srcRoot, dstRoot)

	method := f.local(t, config.TransferConfig{})
	res, err := method.TransferFiles(context.Background(), src, dst, transferOpts("sess-1"))
	require.NoError(t, err)

	assert.Equal(t, int64(5), res.FilesTransferred)
	assert.Zero(t, res.FilesFailed)
	assert.Positive(t, res.BytesTransferred)
	assert.Equal(t, config.TransferLocal, res.Method)
	assert.Equal(t, "inprocess", res.Backend)

	data, err := os.ReadFile(filepath.Join(dstRoot, "assets", "css", "main.css"))
	require.NoError(t, err)
	assert.Equal(t, "body { margin: 0 }", string(data))
	assert.DirExists(t, filepath.Join(dstRoot, "empty"))

	tm, ok := f.monitor.TransferSnapshot("sess-1")
	require.True(t, ok)
	assert.Equal(t, int64(5), tm.FilesTransferred)
	assert.Equal(t, res.BytesTransferred, tm.BytesTransferred)
}

func TestLocalTransferHonorsExcludes(t *testing.T) {
	f := newFixture(t)
	srcRoot := siteTree(t)
	dstRoot := t.TempDir()
	src, dst := endpoints(srcRoot, dstRoot)
	src.Paths.ExcludePaths = []string{"cache", "*.log"}

	method := f.local(t, config.TransferConfig{})
	res, err := method.TransferFiles(context.Background(), src, dst, transferOpts("sess-1"))
	require.NoError(t, err)

	assert.Equal(t, int64(3), res.FilesTransferred)
	assert.NoDirExists(t, filepath.Join(dstRoot, "cache"))
	assert.NoFileExists(t, filepath.Join(dstRoot, "notes.log"))
	assert.FileExists(t, filepath.Join(dstRoot, "index.php"))
}

func TestLocalTransferDryRun(t *testing.T) {
	f := newFixture(t)
	srcRoot := siteTree(t)
	dstRoot := t.TempDir()
	src, dst := endpoints(srcRoot, dstRoot)

	opts := transferOpts("sess-1")
	opts.Options.DryRun = true
	method := f.local(t, config.TransferConfig{})
	res, err := method.TransferFiles(context.Background(), src, dst, opts)
	require.NoError(t, err)

	assert.Equal(t, int64(5), res.FilesTransferred)
	assert.Positive(t, res.BytesTransferred)
	assert.Equal(t, "dry_run", res.Backend)

	entries, err := os.ReadDir(dstRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "dry run must not write to the destination")
}

func TestLocalTransferVerifiesChecksums(t *testing.T) {
	f := newFixture(t)
	srcRoot := siteTree(t)
	dstRoot := t.TempDir()
	src, dst := endpoints(srcRoot, dstRoot)

	method := f.local(t, config.TransferConfig{VerifyChecksums: true})
	res, err := method.TransferFiles(context.Background(), src, dst, transferOpts("sess-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.FilesTransferred)
}

func TestLocalTransferMissingSource(t *testing.T) {
	f := newFixture(t)
	src, dst := endpoints(filepath.Join(t.TempDir(), "nope"), t.TempDir())

	method := f.local(t, config.TransferConfig{})
	_, err := method.TransferFiles(context.Background(), src, dst, transferOpts("sess-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source root")
}

func TestLocalTransferRequiresRoots(t *testing.T) {
	f := newFixture(t)
	method := f.local(t, config.TransferConfig{})
	_, err := method.TransferFiles(context.Background(), config.SystemConfig{}, config.SystemConfig{}, transferOpts("sess-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "root paths are required")
}

func TestLocalTransferRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	srcRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "index.php"), []byte("x"), 0o644))
	dstRoot := t.TempDir()
	// A directory squatting on the destination file name makes every
	// copy attempt fail.
	require.NoError(t, os.MkdirAll(filepath.Join(dstRoot, "index.php"), 0o755))
	src, dst := endpoints(srcRoot, dstRoot)

	f.monitor.StartTransfer("sess-1")
	method := f.local(t, config.TransferConfig{MaxRetries: 2, RetryBackoff: time.Millisecond})
	res, err := method.TransferFiles(context.Background(), src, dst, transferOpts("sess-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copy index.php")
	assert.Equal(t, int64(1), res.FilesFailed)

	tm, ok := f.monitor.TransferSnapshot("sess-1")
	require.True(t, ok)
	assert.Equal(t, int64(2), tm.Retries)
	assert.Equal(t, int64(1), tm.Errors)
}

func TestLocalTransferPreservesMetadata(t *testing.T) {
	f := newFixture(t)
	srcRoot := t.TempDir()
	path := filepath.Join(srcRoot, "run.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o644))
	require.NoError(t, os.Chmod(path, 0o751))
	past := time.Date(2024, 3, 10, 8, 30, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(path, past, past))

	dstRoot := t.TempDir()
	src, dst := endpoints(srcRoot, dstRoot)
	opts := transferOpts("sess-1")
	opts.Options.PreservePermissions = true
	opts.Options.PreserveTimestamps = true

	method := f.local(t, config.TransferConfig{})
	_, err := method.TransferFiles(context.Background(), src, dst, opts)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dstRoot, "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o751), info.Mode().Perm())
	assert.WithinDuration(t, past, info.ModTime(), time.Second)
}

func TestLocalTransferCancelled(t *testing.T) {
	f := newFixture(t)
	srcRoot := siteTree(t)
	src, dst := endpoints(srcRoot, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	method := f.local(t, config.TransferConfig{})
	_, err := method.TransferFiles(ctx, src, dst, transferOpts("sess-1"))
	require.Error(t, err)
}

func TestWorkerVerify(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	c := filepath.Join(dir, "c")
	require.NoError(t, os.WriteFile(a, []byte("same content"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("same content"), 0o644))
	require.NoError(t, os.WriteFile(c, []byte("different"), 0o644))

	w := &Worker{buf: make([]byte, 64)}
	assert.NoError(t, w.verify(a, b))
	assert.ErrorIs(t, w.verify(a, c), ErrChecksumMismatch)
}

func TestPathExcluded(t *testing.T) {
	cases := []struct {
		rel      string
		patterns []string
		want     bool
	}{
		{"cache/x.html", []string{"cache"}, true},
		{"deep/cache/x", []string{"cache"}, false},
		{"a.log", []string{"*.log"}, true},
		{"logs/b.log", []string{"*.log"}, true},
		{"index.php", []string{"cache", "*.log"}, false},
		{"tmp/a/b", []string{"tmp/"}, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, pathExcluded(tc.rel, tc.patterns), "rel=%s", tc.rel)
	}
}
