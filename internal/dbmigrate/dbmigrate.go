// Package dbmigrate moves databases between hosts. Engine-specific
// wire formats and SQL live behind the Dialer/Conn contracts; the
// migrator only walks the table manifest and streams opaque record
// batches from source to destination through a connection pool.
package dbmigrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/artemis/web-migrate/internal/config"
	"github.com/artemis/web-migrate/internal/observability"
	"github.com/artemis/web-migrate/internal/orchestrator"
	"github.com/artemis/web-migrate/internal/perfmon"
	"github.com/artemis/web-migrate/internal/pool"
)

// ErrUnsupportedEngine marks engines with no registered dialer.
var ErrUnsupportedEngine = errors.New("unsupported database engine")

// ErrEngineMismatch marks source/destination engine pairs the built-in
// migrator does not translate between.
var ErrEngineMismatch = errors.New("source and destination engines differ")

// TableInfo is one entry in a database's table manifest. Rows is the
// engine's estimate and is only used for dry-run reporting.
type TableInfo struct {
	Name string `json:"name"`
	Rows int64  `json:"rows"`
}

// Batch is an opaque chunk of records from one table, encoded however
// the engine dialect encodes them.
type Batch struct {
	Table   string
	Records int64
	Data    []byte
}

// Conn is one open engine-specific database connection. A Conn is not
// safe for concurrent use; the migrator leases one per worker.
type Conn interface {
	Ping(ctx context.Context) error
	Tables(ctx context.Context) ([]TableInfo, error)

	// ReadBatch returns up to limit records from table starting at
	// cursor ("" for the first batch) plus the next cursor, "" when the
	// table is exhausted.
	ReadBatch(ctx context.Context, table, cursor string, limit int) (Batch, string, error)

	WriteBatch(ctx context.Context, batch Batch) error

	// Dump and Restore stream a logical dump of the whole database,
	// for backups and rollback.
	Dump(ctx context.Context, w io.Writer) error
	Restore(ctx context.Context, r io.Reader) error

	Close() error
}

// Dialer opens connections for one database engine.
type Dialer interface {
	Engine() config.DatabaseEngine
	Dial(ctx context.Context, db *config.DatabaseConfig) (Conn, error)
}

// FactoryOptions tune every migrator the factory creates.
type FactoryOptions struct {
	// BatchSize is the record count per read (default 500).
	BatchSize int

	// PoolSize caps destination connections and table-level fan-out
	// per migration (default 4).
	PoolSize int
}

// Factory implements orchestrator.DatabaseMigrationFactory over a
// registry of engine dialers.
type Factory struct {
	mu      sync.RWMutex
	dialers map[config.DatabaseEngine]Dialer

	opts    FactoryOptions
	monitor *perfmon.Monitor
	log     *observability.Logger
	metrics *observability.Metrics
}

// NewFactory builds an empty factory; engines are added via Register.
func NewFactory(opts FactoryOptions, monitor *perfmon.Monitor, log *observability.Logger, metrics *observability.Metrics) *Factory {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 4
	}
	if log == nil {
		log = observability.NewNopLogger()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &Factory{
		dialers: make(map[config.DatabaseEngine]Dialer),
		opts:    opts,
		monitor: monitor,
		log:     log,
		metrics: metrics,
	}
}

// Register adds or replaces the dialer for its engine.
func (f *Factory) Register(d Dialer) {
	f.mu.Lock()
	f.dialers[d.Engine()] = d
	f.mu.Unlock()
}

// Engines lists the registered engines, sorted.
func (f *Factory) Engines() []config.DatabaseEngine {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]config.DatabaseEngine, 0, len(f.dialers))
	for e := range f.dialers {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (f *Factory) dialer(engine config.DatabaseEngine) (Dialer, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	d, ok := f.dialers[engine]
	if !ok {
		return nil, fmt.Errorf("%w: no dialer registered for %s", ErrUnsupportedEngine, engine)
	}
	return d, nil
}

// Create returns a migrator for the engine pair. The built-in
// migrator moves data between identical engines only; cross-engine
// translation needs an external adapter.
func (f *Factory) Create(src, dst *config.DatabaseConfig, opts orchestrator.MigrateOptions) (orchestrator.DatabaseMigrator, error) {
	if src == nil || dst == nil {
		return nil, fmt.Errorf("source and destination database configs are required")
	}
	if src.Engine != dst.Engine {
		return nil, fmt.Errorf("%w: %s -> %s", ErrEngineMismatch, src.Engine, dst.Engine)
	}
	d, err := f.dialer(src.Engine)
	if err != nil {
		return nil, err
	}
	return &migrator{
		src:      src,
		dst:      dst,
		dialer:   d,
		opts:     opts,
		batch:    f.opts.BatchSize,
		poolSize: f.opts.PoolSize,
		monitor:  f.monitor,
		log:      f.log,
		metrics:  f.metrics,
	}, nil
}

// DumpAdapter bridges the dialer registry to the backup manager: it
// dials by the config's engine and streams the connection's
// Dump/Restore.
type DumpAdapter struct {
	factory *Factory
}

// DumpAdapter returns the factory's dump/restore bridge.
func (f *Factory) DumpAdapter() *DumpAdapter {
	return &DumpAdapter{factory: f}
}

// Dump streams a logical dump of db to w.
func (a *DumpAdapter) Dump(ctx context.Context, db *config.DatabaseConfig, w io.Writer) error {
	d, err := a.factory.dialer(db.Engine)
	if err != nil {
		return err
	}
	conn, err := d.Dial(ctx, db)
	if err != nil {
		return fmt.Errorf("dial %s: %w", db.Engine, err)
	}
	defer conn.Close()
	return conn.Dump(ctx, w)
}

// Restore loads a logical dump from r into db.
func (a *DumpAdapter) Restore(ctx context.Context, db *config.DatabaseConfig, r io.Reader) error {
	d, err := a.factory.dialer(db.Engine)
	if err != nil {
		return err
	}
	conn, err := d.Dial(ctx, db)
	if err != nil {
		return fmt.Errorf("dial %s: %w", db.Engine, err)
	}
	defer conn.Close()
	return conn.Restore(ctx, r)
}

type migrator struct {
	src, dst *config.DatabaseConfig
	dialer   Dialer
	opts     orchestrator.MigrateOptions
	batch    int
	poolSize int
	monitor  *perfmon.Monitor
	log      *observability.Logger
	metrics  *observability.Metrics
}

// Migrate walks the source's table manifest and copies every table to
// the destination. Tables are migrated concurrently, each worker with
// its own source connection; destination connections are leased from
// a pool per batch. In dry-run mode nothing is dialed on the
// destination side and the result reports the manifest's row counts.
func (m *migrator) Migrate(ctx context.Context) (orchestrator.DatabaseResult, error) {
	result := orchestrator.DatabaseResult{Status: "failed", Engine: m.src.Engine}
	start := time.Now()

	manifestConn, err := m.dialer.Dial(ctx, m.src)
	if err != nil {
		return result, fmt.Errorf("dial source %s: %w", m.src.Engine, err)
	}
	tables, err := manifestConn.Tables(ctx)
	manifestConn.Close()
	if err != nil {
		return result, fmt.Errorf("list tables: %w", err)
	}

	if m.opts.DryRun {
		var rows int64
		for _, t := range tables {
			rows += t.Rows
		}
		result.Status = "dry_run"
		result.TablesMigrated = int64(len(tables))
		result.RecordsMigrated = rows
		result.DurationMs = float64(time.Since(start).Microseconds()) / 1000
		m.log.Info("dry run: database migration skipped",
			zap.String("session_id", m.opts.SessionID),
			zap.String("engine", string(m.src.Engine)),
			zap.Int("tables", len(tables)),
			zap.Int64("rows", rows))
		return result, nil
	}

	conns := pool.New(pool.Config[Conn]{
		Name:    "database-connections",
		MinSize: 1,
		MaxSize: m.poolSize,
		Factory: func(ctx context.Context) (Conn, error) {
			return m.dialer.Dial(ctx, m.dst)
		},
		HealthCheck: func(c Conn) bool {
			return c.Ping(context.Background()) == nil
		},
		Cleanup: func(c Conn) { c.Close() },
	}, m.log, m.metrics)
	if err := conns.Initialize(ctx); err != nil {
		return result, fmt.Errorf("connect destination %s: %w", m.dst.Engine, err)
	}
	defer conns.Close()
	m.monitor.SetDatabaseConnections(m.opts.SessionID, m.poolSize)

	var records, tablesDone atomic.Int64

	workers := m.poolSize
	if workers > len(tables) {
		workers = len(tables)
	}
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, tbl := range tables {
		g.Go(func() error {
			moved, err := m.migrateTable(gctx, conns, tbl)
			records.Add(moved)
			if err != nil {
				return err
			}
			tablesDone.Add(1)
			return nil
		})
	}
	err = g.Wait()

	result.RecordsMigrated = records.Load()
	result.TablesMigrated = tablesDone.Load()
	result.DurationMs = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		return result, err
	}

	result.Status = "completed"
	m.log.Info("database migration complete",
		zap.String("session_id", m.opts.SessionID),
		zap.String("engine", string(m.src.Engine)),
		zap.Int64("tables", result.TablesMigrated),
		zap.Int64("records", result.RecordsMigrated))
	return result, nil
}

// migrateTable streams one table. The worker owns its source
// connection; destination connections are leased per batch.
func (m *migrator) migrateTable(ctx context.Context, conns *pool.Pool[Conn], tbl TableInfo) (int64, error) {
	src, err := m.dialer.Dial(ctx, m.src)
	if err != nil {
		return 0, fmt.Errorf("dial source %s: %w", m.src.Engine, err)
	}
	defer src.Close()

	var moved int64
	cursor := ""
	for {
		if ctx.Err() != nil {
			return moved, ctx.Err()
		}
		batch, next, err := src.ReadBatch(ctx, tbl.Name, cursor, m.batch)
		if err != nil {
			m.monitor.RecordDatabaseError(m.opts.SessionID)
			return moved, fmt.Errorf("read %s: %w", tbl.Name, err)
		}
		if batch.Records > 0 {
			wstart := time.Now()
			if err := m.writeBatch(ctx, conns, batch); err != nil {
				m.monitor.RecordDatabaseError(m.opts.SessionID)
				return moved, fmt.Errorf("write %s: %w", tbl.Name, err)
			}
			moved += batch.Records
			m.monitor.RecordDatabase(m.opts.SessionID, batch.Records,
				float64(time.Since(wstart).Microseconds())/1000)
		}
		if next == "" {
			return moved, nil
		}
		cursor = next
	}
}

// writeBatch leases a destination connection for one batch. A failed
// write poisons the connection: it is destroyed and the batch retried
// once on a fresh one.
func (m *migrator) writeBatch(ctx context.Context, conns *pool.Pool[Conn], batch Batch) error {
	lease, err := conns.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire destination connection: %w", err)
	}
	werr := lease.Resource().WriteBatch(ctx, batch)
	if werr == nil {
		lease.Release()
		return nil
	}
	lease.Destroy()
	if ctx.Err() != nil {
		return werr
	}

	m.log.Warn("batch write failed, retrying on a fresh connection",
		zap.String("session_id", m.opts.SessionID),
		zap.String("table", batch.Table),
		zap.Error(werr))
	retry, err := conns.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire retry connection: %w", err)
	}
	if rerr := retry.Resource().WriteBatch(ctx, batch); rerr != nil {
		retry.Destroy()
		return rerr
	}
	retry.Release()
	return nil
}
