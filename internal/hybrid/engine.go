package hybrid

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/artemis/web-migrate/internal/observability"
)

// Config tunes engine backend selection
type Config struct {
	HelperPath      string
	HelperTimeout   time.Duration
	PreferNative    bool
	FallbackOnError bool
}

// Engine dispatches hot-path operations to the native helper or the
// in-process implementation. Selection: when prefer_native is set and
// the helper was discovered and answered the version probe, native is
// tried first; on a native failure with fallback_on_error the
// operation is retried in process, exactly once. Every result records
// the backend that answered.
type Engine struct {
	helper        *Helper
	helperVersion string
	prefer        bool
	fallback      bool
	log           *observability.Logger
	metrics       *observability.Metrics
}

// NewEngine discovers and probes the native helper. A missing or
// unresponsive helper leaves the engine fully functional on the
// in-process backend.
func NewEngine(ctx context.Context, cfg Config, log *observability.Logger, metrics *observability.Metrics) *Engine {
	e := &Engine{
		prefer:   cfg.PreferNative,
		fallback: cfg.FallbackOnError,
		log:      log,
		metrics:  metrics,
	}

	path := DiscoverHelper(cfg.HelperPath)
	if path == "" {
		log.Info("native helper not found, using in-process operations")
		return e
	}

	helper := NewHelper(path, cfg.HelperTimeout)
	version, err := helper.Version(ctx)
	if err != nil {
		log.Warn("native helper failed version probe",
			zap.String("path", path), zap.Error(err))
		return e
	}

	e.helper = helper
	e.helperVersion = version
	log.Info("native helper discovered",
		zap.String("path", path), zap.String("version", version))
	return e
}

// NativeAvailable reports whether the native helper passed discovery
func (e *Engine) NativeAvailable() bool { return e.helper != nil }

// HelperVersion returns the probed helper version, empty without one
func (e *Engine) HelperVersion() string { return e.helperVersion }

func (e *Engine) useNative() bool { return e.prefer && e.helper != nil }

func (e *Engine) record(op string, backend Backend, err error) {
	if e.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	e.metrics.RecordHybridOp(op, string(backend), status)
}

// CopyFile copies one file on the selected backend
func (e *Engine) CopyFile(ctx context.Context, src, dst string) (CopyResult, error) {
	if e.useNative() {
		res, err := e.helper.Copy(ctx, src, dst)
		e.record("copy", BackendNative, err)
		if err == nil {
			res.Backend = BackendNative
			return res, nil
		}
		if !e.fallback {
			return CopyResult{}, err
		}
		e.log.Warn("native copy failed, falling back", zap.String("src", src), zap.Error(err))
	}

	res, err := CopyFile(ctx, src, dst)
	e.record("copy", BackendInProcess, err)
	if err != nil {
		return CopyResult{}, err
	}
	res.Backend = BackendInProcess
	return res, nil
}

// CalculateChecksums digests paths on the selected backend
func (e *Engine) CalculateChecksums(ctx context.Context, paths []string) ([]ChecksumResult, error) {
	if e.useNative() {
		results, err := e.helper.Checksum(ctx, paths)
		e.record("checksum", BackendNative, err)
		if err == nil {
			return results, nil
		}
		if !e.fallback {
			return nil, err
		}
		e.log.Warn("native checksum failed, falling back", zap.Error(err))
	}

	results := CalculateChecksums(ctx, paths)
	e.record("checksum", BackendInProcess, nil)
	return results, nil
}

// CompressFile compresses src into dst on the selected backend
func (e *Engine) CompressFile(ctx context.Context, src, dst string, format Format, level int) (CompressResult, error) {
	if e.useNative() {
		res, err := e.helper.Compress(ctx, src, dst, format, level)
		e.record("compress", BackendNative, err)
		if err == nil {
			res.Method = string(BackendNative)
			return res, nil
		}
		if !e.fallback {
			return CompressResult{}, err
		}
		e.log.Warn("native compress failed, falling back", zap.String("src", src), zap.Error(err))
	}

	res, err := CompressFile(ctx, src, dst, format, level)
	e.record("compress", BackendInProcess, err)
	return res, err
}

// DecompressFile decompresses src on the selected backend
func (e *Engine) DecompressFile(ctx context.Context, src, dst string, format Format) (DecompressResult, error) {
	if e.useNative() {
		res, err := e.helper.Decompress(ctx, src, dst, format)
		e.record("decompress", BackendNative, err)
		if err == nil {
			res.Method = string(BackendNative)
			return res, nil
		}
		if !e.fallback {
			return DecompressResult{}, err
		}
		e.log.Warn("native decompress failed, falling back", zap.String("src", src), zap.Error(err))
	}

	res, err := DecompressFile(ctx, src, dst, format)
	e.record("decompress", BackendInProcess, err)
	return res, err
}

// SystemStats reads a host snapshot on the selected backend
func (e *Engine) SystemStats(ctx context.Context) (SystemStats, error) {
	if e.useNative() {
		stats, err := e.helper.Monitor(ctx)
		e.record("monitor", BackendNative, err)
		if err == nil {
			return stats, nil
		}
		if !e.fallback {
			return SystemStats{}, err
		}
		e.log.Warn("native monitor failed, falling back", zap.Error(err))
	}

	stats, err := CollectSystemStats(ctx)
	e.record("monitor", BackendInProcess, err)
	return stats, err
}

// Transfer copies a directory tree on the selected backend
func (e *Engine) Transfer(ctx context.Context, src, dst string, parallel int) (TransferBatchResult, error) {
	if e.useNative() {
		res, err := e.helper.Transfer(ctx, src, dst, parallel)
		e.record("transfer", BackendNative, err)
		if err == nil {
			res.Backend = BackendNative
			return res, nil
		}
		if !e.fallback {
			return TransferBatchResult{}, err
		}
		e.log.Warn("native transfer failed, falling back", zap.String("src", src), zap.Error(err))
	}

	res, err := CopyTree(ctx, src, dst, parallel)
	e.record("transfer", BackendInProcess, err)
	if err != nil {
		return TransferBatchResult{}, err
	}
	res.Backend = BackendInProcess
	return res, nil
}

// Benchmark times op on the currently selected backend
func (e *Engine) Benchmark(ctx context.Context, op string, args map[string]string, iterations int) (BenchmarkResult, error) {
	if iterations < 1 {
		iterations = 1
	}
	backend := BackendInProcess
	if e.useNative() {
		backend = BackendNative
	}

	run, err := e.benchmarkOp(op, args, backend)
	if err != nil {
		return BenchmarkResult{}, err
	}
	avg, min, max, err := measure(ctx, run, iterations)
	if err != nil {
		return BenchmarkResult{}, fmt.Errorf("benchmark %s: %w", op, err)
	}
	return BenchmarkResult{
		Operation:  op,
		Backend:    backend,
		Iterations: iterations,
		AvgMs:      avg,
		MinMs:      min,
		MaxMs:      max,
	}, nil
}

// Compare times op on both backends. It requires the native helper.
func (e *Engine) Compare(ctx context.Context, op string, args map[string]string, iterations int) (CompareResult, error) {
	if e.helper == nil {
		return CompareResult{}, ErrHelperUnavailable
	}
	if iterations < 1 {
		iterations = 1
	}

	nativeRun, err := e.benchmarkOp(op, args, BackendNative)
	if err != nil {
		return CompareResult{}, err
	}
	inprocRun, err := e.benchmarkOp(op, args, BackendInProcess)
	if err != nil {
		return CompareResult{}, err
	}

	nativeAvg, _, _, err := measure(ctx, nativeRun, iterations)
	if err != nil {
		return CompareResult{}, fmt.Errorf("compare %s (native): %w", op, err)
	}
	inprocAvg, _, _, err := measure(ctx, inprocRun, iterations)
	if err != nil {
		return CompareResult{}, fmt.Errorf("compare %s (inprocess): %w", op, err)
	}

	var speedup float64
	if nativeAvg > 0 {
		speedup = inprocAvg / nativeAvg
	}
	return CompareResult{
		Operation:    op,
		Iterations:   iterations,
		NativeAvgMs:  nativeAvg,
		InprocAvgMs:  inprocAvg,
		Speedup:      speedup,
		NativeFaster: nativeAvg < inprocAvg,
	}, nil
}

// benchmarkOp builds a closure running op once on the given backend
func (e *Engine) benchmarkOp(op string, args map[string]string, backend Backend) (func(context.Context) error, error) {
	src, dst := args["src"], args["dst"]

	switch op {
	case "copy":
		if src == "" || dst == "" {
			return nil, fmt.Errorf("%w: copy benchmark needs src and dst", ErrInvalidArgument)
		}
		if backend == BackendNative {
			return func(ctx context.Context) error {
				_, err := e.helper.Copy(ctx, src, dst)
				return err
			}, nil
		}
		return func(ctx context.Context) error {
			_, err := CopyFile(ctx, src, dst)
			return err
		}, nil

	case "checksum":
		if src == "" {
			return nil, fmt.Errorf("%w: checksum benchmark needs src", ErrInvalidArgument)
		}
		if backend == BackendNative {
			return func(ctx context.Context) error {
				_, err := e.helper.Checksum(ctx, []string{src})
				return err
			}, nil
		}
		return func(ctx context.Context) error {
			res := CalculateChecksums(ctx, []string{src})
			if len(res) == 1 && res[0].Error != "" {
				return fmt.Errorf("checksum %s: %s", src, res[0].Error)
			}
			return nil
		}, nil

	case "compress":
		if src == "" || dst == "" {
			return nil, fmt.Errorf("%w: compress benchmark needs src and dst", ErrInvalidArgument)
		}
		format := Format(args["format"])
		if format == "" {
			format = FormatGzip
		}
		if backend == BackendNative {
			return func(ctx context.Context) error {
				_, err := e.helper.Compress(ctx, src, dst, format, defaultCompressionLevel)
				return err
			}, nil
		}
		return func(ctx context.Context) error {
			_, err := CompressFile(ctx, src, dst, format, defaultCompressionLevel)
			return err
		}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported benchmark operation %q", ErrInvalidArgument, op)
	}
}

func measure(ctx context.Context, run func(context.Context) error, iterations int) (avg, min, max float64, err error) {
	var total float64
	for i := 0; i < iterations; i++ {
		start := time.Now()
		if err := run(ctx); err != nil {
			return 0, 0, 0, fmt.Errorf("iteration %d: %w", i+1, err)
		}
		ms := durationMs(time.Since(start))
		total += ms
		if i == 0 || ms < min {
			min = ms
		}
		if ms > max {
			max = ms
		}
	}
	return total / float64(iterations), min, max, nil
}
