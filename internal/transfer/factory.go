// Package transfer moves application trees between systems. The
// factory hands out the method named by the migration config; only
// the local filesystem method ships in-process, the network variants
// are provided by external adapters.
package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/artemis/web-migrate/internal/config"
	"github.com/artemis/web-migrate/internal/hybrid"
	"github.com/artemis/web-migrate/internal/observability"
	"github.com/artemis/web-migrate/internal/orchestrator"
	"github.com/artemis/web-migrate/internal/perfmon"
	"github.com/artemis/web-migrate/internal/pool"
)

// ErrUnsupportedMethod marks transfer methods with no registered
// implementation.
var ErrUnsupportedMethod = errors.New("unsupported transfer method")

// ErrChecksumMismatch marks a copy whose destination digest does not
// match the source. The copy is retried like any other failure.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// FactoryOptions tune the shared transfer worker pool.
type FactoryOptions struct {
	// WorkerPoolSize caps copy concurrency across all sessions
	// (default 8). Per-session fan-out is additionally bounded by the
	// config's parallel_transfers.
	WorkerPoolSize int

	// VerifyBufferSize is the scratch buffer each worker reuses for
	// checksum verification (default 256 KiB).
	VerifyBufferSize int
}

// Factory implements orchestrator.TransferMethodFactory. All methods
// it creates share one worker pool, so the host's copy concurrency
// stays bounded no matter how many sessions run.
type Factory struct {
	engine  *hybrid.Engine
	monitor *perfmon.Monitor
	workers *pool.Pool[*Worker]
	log     *observability.Logger
	metrics *observability.Metrics
}

// NewFactory builds the factory and warms its worker pool.
func NewFactory(ctx context.Context, engine *hybrid.Engine, monitor *perfmon.Monitor, opts FactoryOptions, log *observability.Logger, metrics *observability.Metrics) (*Factory, error) {
	if log == nil {
		log = observability.NewNopLogger()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	size := opts.WorkerPoolSize
	if size <= 0 {
		size = 8
	}
	bufSize := opts.VerifyBufferSize
	if bufSize <= 0 {
		bufSize = 256 << 10
	}

	workers := pool.New(pool.Config[*Worker]{
		Name:    "transfer-workers",
		MinSize: size,
		MaxSize: size,
		Factory: func(ctx context.Context) (*Worker, error) {
			return &Worker{buf: make([]byte, bufSize)}, nil
		},
	}, log, metrics)
	if err := workers.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize transfer worker pool: %w", err)
	}

	return &Factory{
		engine:  engine,
		monitor: monitor,
		workers: workers,
		log:     log,
		metrics: metrics,
	}, nil
}

// Create returns the implementation for method, configured by tc.
func (f *Factory) Create(method config.TransferMethod, tc config.TransferConfig) (orchestrator.TransferMethod, error) {
	switch method {
	case config.TransferLocal:
		return &localMethod{
			engine:  f.engine,
			monitor: f.monitor,
			workers: f.workers,
			tc:      tc,
			log:     f.log,
		}, nil
	case config.TransferSSH, config.TransferRsync, config.TransferFTP, config.TransferS3:
		return nil, fmt.Errorf("%w: %s requires an external adapter", ErrUnsupportedMethod, method)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
}

// PoolStats exposes worker pool occupancy for the status API.
func (f *Factory) PoolStats() pool.Stats {
	return f.workers.Stats()
}

// Close drains the worker pool.
func (f *Factory) Close() {
	f.workers.Close()
}
