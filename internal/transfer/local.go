package transfer

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/artemis/web-migrate/internal/config"
	"github.com/artemis/web-migrate/internal/hybrid"
	"github.com/artemis/web-migrate/internal/observability"
	"github.com/artemis/web-migrate/internal/orchestrator"
	"github.com/artemis/web-migrate/internal/perfmon"
	"github.com/artemis/web-migrate/internal/pool"
)

// Worker is a pooled transfer worker. Its scratch buffer is reused
// across checksum verifications so verification does not allocate per
// file.
type Worker struct {
	buf []byte
}

func (w *Worker) checksum(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	h := xxhash.New()
	if _, err := io.CopyBuffer(h, f, w.buf); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

func (w *Worker) verify(src, dst string) error {
	want, err := w.checksum(src)
	if err != nil {
		return err
	}
	got, err := w.checksum(dst)
	if err != nil {
		return err
	}
	if want != got {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, dst)
	}
	return nil
}

type manifestEntry struct {
	rel   string
	size  int64
	mode  fs.FileMode
	mtime time.Time
}

// localMethod copies between two paths on the local filesystem. It is
// the method behind same-host moves and anything mounted locally
// (NFS, bind mounts, synced volumes).
type localMethod struct {
	engine  *hybrid.Engine
	monitor *perfmon.Monitor
	workers *pool.Pool[*Worker]
	tc      config.TransferConfig
	log     *observability.Logger
}

// TransferFiles mirrors the source root under the destination root.
// Directories are created first, then files are copied with bounded
// fan-out, each with per-file retries and optional digest
// verification. The first file to exhaust its retries aborts the
// whole transfer.
func (m *localMethod) TransferFiles(ctx context.Context, src, dst config.SystemConfig, opts orchestrator.TransferOptions) (orchestrator.TransferResult, error) {
	result := orchestrator.TransferResult{Method: config.TransferLocal}

	srcRoot := src.Paths.RootPath
	dstRoot := dst.Paths.RootPath
	if srcRoot == "" || dstRoot == "" {
		return result, fmt.Errorf("source and destination root paths are required")
	}
	if _, err := os.Stat(srcRoot); err != nil {
		return result, fmt.Errorf("source root: %w", err)
	}

	if m.tc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.tc.Timeout)
		defer cancel()
	}

	start := time.Now()
	files, dirs, err := m.buildManifest(srcRoot, src.Paths.ExcludePaths)
	if err != nil {
		return result, fmt.Errorf("scan source tree: %w", err)
	}

	if opts.Options.DryRun {
		for _, e := range files {
			result.FilesTransferred++
			result.BytesTransferred += e.size
		}
		result.DurationMs = float64(time.Since(start).Microseconds()) / 1000
		result.Backend = "dry_run"
		m.log.Info("dry run: transfer skipped",
			zap.String("session_id", opts.SessionID),
			zap.Int64("files", result.FilesTransferred),
			zap.Int64("bytes", result.BytesTransferred))
		return result, nil
	}

	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(dstRoot, d.rel), d.mode.Perm()); err != nil {
			return result, fmt.Errorf("create directory: %w", err)
		}
	}

	var (
		filesCopied atomic.Int64
		bytesCopied atomic.Int64
		filesFailed atomic.Int64

		backendMu sync.Mutex
		backend   string
	)

	parallel := m.tc.ParallelTransfers
	if parallel < 1 {
		parallel = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for _, entry := range files {
		g.Go(func() error {
			lease, err := m.workers.Acquire(gctx)
			if err != nil {
				return fmt.Errorf("acquire transfer worker: %w", err)
			}
			defer lease.Release()

			res, err := m.copyOne(gctx, lease.Resource(), srcRoot, dstRoot, entry, opts)
			if err != nil {
				filesFailed.Add(1)
				m.monitor.RecordTransferError(opts.SessionID)
				return fmt.Errorf("copy %s: %w", entry.rel, err)
			}

			filesCopied.Add(1)
			bytesCopied.Add(res.Bytes)
			m.monitor.RecordTransfer(opts.SessionID, res.Bytes, 1)
			backendMu.Lock()
			if backend == "" {
				backend = string(res.Backend)
			}
			backendMu.Unlock()
			return nil
		})
	}

	err = g.Wait()

	result.FilesTransferred = filesCopied.Load()
	result.BytesTransferred = bytesCopied.Load()
	result.FilesFailed = filesFailed.Load()
	result.DurationMs = float64(time.Since(start).Microseconds()) / 1000
	if secs := time.Since(start).Seconds(); secs > 0 {
		result.AvgRateMBps = float64(result.BytesTransferred) / (1 << 20) / secs
	}
	result.Backend = backend

	if err != nil {
		return result, err
	}

	m.log.Info("transfer complete",
		zap.String("session_id", opts.SessionID),
		zap.Int64("files", result.FilesTransferred),
		zap.Int64("bytes", result.BytesTransferred),
		zap.Float64("rate_mbps", result.AvgRateMBps))
	return result, nil
}

// copyOne copies a single file with retries. Verification failures
// count as copy failures and are retried the same way.
func (m *localMethod) copyOne(ctx context.Context, w *Worker, srcRoot, dstRoot string, entry manifestEntry, opts orchestrator.TransferOptions) (hybrid.CopyResult, error) {
	srcPath := filepath.Join(srcRoot, entry.rel)
	dstPath := filepath.Join(dstRoot, entry.rel)

	var res hybrid.CopyResult
	op := func() error {
		var err error
		res, err = m.engine.CopyFile(ctx, srcPath, dstPath)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if m.tc.VerifyChecksums {
			if err := w.verify(srcPath, dstPath); err != nil {
				return err
			}
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		m.monitor.RecordTransferRetry(opts.SessionID)
		m.log.Warn("retrying file copy",
			zap.String("session_id", opts.SessionID),
			zap.String("file", entry.rel),
			zap.Duration("backoff", next),
			zap.Error(err))
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.tc.RetryBackoff), uint64(m.tc.MaxRetries)), ctx)
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		return res, err
	}

	if opts.Options.PreservePermissions {
		if err := os.Chmod(dstPath, entry.mode.Perm()); err != nil {
			return res, fmt.Errorf("preserve permissions: %w", err)
		}
	}
	if opts.Options.PreserveTimestamps {
		if err := os.Chtimes(dstPath, entry.mtime, entry.mtime); err != nil {
			return res, fmt.Errorf("preserve timestamps: %w", err)
		}
	}
	return res, nil
}

// buildManifest walks the source tree once, splitting entries into
// directories and regular files. Non-regular entries are skipped, as
// in the hybrid engine's tree copy.
func (m *localMethod) buildManifest(root string, excludes []string) (files, dirs []manifestEntry, err error) {
	skipped := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return rerr
		}
		if rel == "." {
			return nil
		}
		if pathExcluded(rel, excludes) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, ierr := d.Info()
		if ierr != nil {
			return ierr
		}
		entry := manifestEntry{rel: rel, size: info.Size(), mode: info.Mode(), mtime: info.ModTime()}
		switch {
		case d.IsDir():
			dirs = append(dirs, entry)
		case d.Type().IsRegular():
			files = append(files, entry)
		default:
			skipped++
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if skipped > 0 {
		m.log.Debug("skipped non-regular entries", zap.Int("count", skipped), zap.String("root", root))
	}
	return files, dirs, nil
}

// pathExcluded reports whether a root-relative path matches an
// exclude pattern, directly or through an excluded parent.
func pathExcluded(rel string, patterns []string) bool {
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
