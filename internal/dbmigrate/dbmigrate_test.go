package dbmigrate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artemis/web-migrate/internal/config"
	"github.com/artemis/web-migrate/internal/observability"
	"github.com/artemis/web-migrate/internal/orchestrator"
	"github.com/artemis/web-migrate/internal/perfmon"
)

// fakeDB is an in-memory database holding ordered string records per
// table. It stands in for both ends of a migration.
type fakeDB struct {
	mu       sync.Mutex
	manifest []TableInfo
	rows     map[string][]string
	writes   map[string][]string
	restored string

	failWrites int
	readErr    error
	dialErr    error
	dials      int
	closes     int
}

func newFakeDB() *fakeDB {
	return &fakeDB{rows: map[string][]string{}, writes: map[string][]string{}}
}

func (db *fakeDB) addTable(name string, rows, estimate int) {
	db.manifest = append(db.manifest, TableInfo{Name: name, Rows: int64(estimate)})
	for i := 0; i < rows; i++ {
		db.rows[name] = append(db.rows[name], fmt.Sprintf("%s-%d", name, i))
	}
}

func (db *fakeDB) written(table string) []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]string, len(db.writes[table]))
	copy(out, db.writes[table])
	return out
}

type fakeConn struct {
	db *fakeDB
}

func (c *fakeConn) Ping(context.Context) error { return nil }

func (c *fakeConn) Tables(context.Context) ([]TableInfo, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	out := make([]TableInfo, len(c.db.manifest))
	copy(out, c.db.manifest)
	return out, nil
}

func (c *fakeConn) ReadBatch(_ context.Context, table, cursor string, limit int) (Batch, string, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if c.db.readErr != nil {
		return Batch{}, "", c.db.readErr
	}
	offset := 0
	if cursor != "" {
		offset, _ = strconv.Atoi(cursor)
	}
	rows := c.db.rows[table]
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	chunk := rows[offset:end]
	batch := Batch{Table: table, Records: int64(len(chunk)), Data: []byte(strings.Join(chunk, "\n"))}
	next := ""
	if end < len(rows) {
		next = strconv.Itoa(end)
	}
	return batch, next, nil
}

func (c *fakeConn) WriteBatch(_ context.Context, batch Batch) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if c.db.failWrites > 0 {
		c.db.failWrites--
		return errors.New("write refused")
	}
	if batch.Records > 0 {
		c.db.writes[batch.Table] = append(c.db.writes[batch.Table], strings.Split(string(batch.Data), "\n")...)
	}
	return nil
}

func (c *fakeConn) Dump(_ context.Context, w io.Writer) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	for _, t := range c.db.manifest {
		for _, row := range c.db.rows[t.Name] {
			if _, err := fmt.Fprintln(w, row); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *fakeConn) Restore(_ context.Context, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	c.db.mu.Lock()
	c.db.restored = string(data)
	c.db.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.db.mu.Lock()
	c.db.closes++
	c.db.mu.Unlock()
	return nil
}

// fakeDialer routes Dial calls to fake databases by host name.
type fakeDialer struct {
	engine config.DatabaseEngine
	dbs    map[string]*fakeDB
}

func (d *fakeDialer) Engine() config.DatabaseEngine { return d.engine }

func (d *fakeDialer) Dial(_ context.Context, cfg *config.DatabaseConfig) (Conn, error) {
	db, ok := d.dbs[cfg.Host]
	if !ok {
		return nil, fmt.Errorf("unknown host %q", cfg.Host)
	}
	db.mu.Lock()
	db.dials++
	err := db.dialErr
	db.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &fakeConn{db: db}, nil
}

func dbConfig(host string) *config.DatabaseConfig {
	return &config.DatabaseConfig{Engine: config.DatabaseMySQL, Host: host, Port: 3306, Name: "blog", Username: "blog"}
}

type harness struct {
	factory *Factory
	monitor *perfmon.Monitor
	src     *fakeDB
	dst     *fakeDB
}

func newHarness(t *testing.T, opts FactoryOptions) *harness {
	t.Helper()
	src := newFakeDB()
	dst := newFakeDB()
	monitor := perfmon.NewMonitor(perfmon.Config{}, observability.NewNopLogger(), observability.NewMetrics())
	factory := NewFactory(opts, monitor, observability.NewNopLogger(), observability.NewMetrics())
	factory.Register(&fakeDialer{engine: config.DatabaseMySQL, dbs: map[string]*fakeDB{"src": src, "dst": dst}})
	return &harness{factory: factory, monitor: monitor, src: src, dst: dst}
}

// migrate drives one migration the way the orchestrator does: the
// database aggregator is started before the migrator runs.
func (h *harness) migrate(t *testing.T, opts orchestrator.MigrateOptions) (orchestrator.DatabaseResult, error) {
	t.Helper()
	m, err := h.factory.Create(dbConfig("src"), dbConfig("dst"), opts)
	require.NoError(t, err)
	h.monitor.StartDatabase(opts.SessionID)
	defer h.monitor.FinishDatabase(opts.SessionID)
	return m.Migrate(context.Background())
}

func TestCreateRejectsBadPairs(t *testing.T) {
	h := newHarness(t, FactoryOptions{})

	_, err := h.factory.Create(nil, dbConfig("dst"), orchestrator.MigrateOptions{})
	assert.Error(t, err)

	pg := dbConfig("dst")
	pg.Engine = config.DatabasePostgreSQL
	_, err = h.factory.Create(dbConfig("src"), pg, orchestrator.MigrateOptions{})
	assert.ErrorIs(t, err, ErrEngineMismatch)

	sqlite := dbConfig("src")
	sqlite.Engine = config.DatabaseSQLite
	sqliteDst := dbConfig("dst")
	sqliteDst.Engine = config.DatabaseSQLite
	_, err = h.factory.Create(sqlite, sqliteDst, orchestrator.MigrateOptions{})
	assert.ErrorIs(t, err, ErrUnsupportedEngine)
}

func TestEnginesSorted(t *testing.T) {
	h := newHarness(t, FactoryOptions{})
	h.factory.Register(&fakeDialer{engine: config.DatabaseSQLite, dbs: map[string]*fakeDB{}})
	assert.Equal(t, []config.DatabaseEngine{config.DatabaseMySQL, config.DatabaseSQLite}, h.factory.Engines())
}

func TestMigrateMovesAllTables(t *testing.T) {
	h := newHarness(t, FactoryOptions{BatchSize: 4, PoolSize: 2})
	h.src.addTable("posts", 10, 10)
	h.src.addTable("users", 3, 3)
	h.src.addTable("tags", 0, 0)

	res, err := h.migrate(t, orchestrator.MigrateOptions{SessionID: "sess-1"})
	require.NoError(t, err)

	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, int64(13), res.RecordsMigrated)
	assert.Equal(t, int64(3), res.TablesMigrated)
	assert.Equal(t, config.DatabaseMySQL, res.Engine)

	assert.Equal(t, h.src.rows["posts"], h.dst.written("posts"))
	assert.Equal(t, h.src.rows["users"], h.dst.written("users"))
	assert.Empty(t, h.dst.written("tags"))

	dm, ok := h.monitor.DatabaseSnapshot("sess-1")
	require.True(t, ok)
	assert.Equal(t, int64(13), dm.RecordsProcessed)
	assert.Equal(t, 2, dm.ActiveConnections)
}

func TestMigrateDryRunTouchesNothing(t *testing.T) {
	h := newHarness(t, FactoryOptions{})
	h.src.addTable("posts", 10, 120)
	h.src.addTable("users", 3, 40)

	res, err := h.migrate(t, orchestrator.MigrateOptions{SessionID: "sess-1", DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, "dry_run", res.Status)
	assert.Equal(t, int64(160), res.RecordsMigrated, "dry run reports manifest estimates")
	assert.Equal(t, int64(2), res.TablesMigrated)

	assert.Zero(t, h.dst.dials, "dry run must not touch the destination")
	assert.Empty(t, h.dst.written("posts"))
}

func TestWriteRetryUsesFreshConnection(t *testing.T) {
	h := newHarness(t, FactoryOptions{BatchSize: 5, PoolSize: 1})
	h.src.addTable("posts", 8, 8)
	h.dst.failWrites = 1

	res, err := h.migrate(t, orchestrator.MigrateOptions{SessionID: "sess-1"})
	require.NoError(t, err)

	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, int64(8), res.RecordsMigrated)
	assert.Equal(t, h.src.rows["posts"], h.dst.written("posts"), "retried batch must not duplicate records")
}

func TestWriteFailureAbortsTable(t *testing.T) {
	h := newHarness(t, FactoryOptions{BatchSize: 5, PoolSize: 1})
	h.src.addTable("posts", 8, 8)
	h.dst.failWrites = 100

	_, err := h.migrate(t, orchestrator.MigrateOptions{SessionID: "sess-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write posts")

	dm, ok := h.monitor.DatabaseSnapshot("sess-1")
	require.True(t, ok)
	assert.Positive(t, dm.Errors)
}

func TestReadFailureAborts(t *testing.T) {
	h := newHarness(t, FactoryOptions{})
	h.src.addTable("posts", 8, 8)
	h.src.readErr = errors.New("table locked")

	_, err := h.migrate(t, orchestrator.MigrateOptions{SessionID: "sess-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read posts")
}

func TestSourceDialFailure(t *testing.T) {
	h := newHarness(t, FactoryOptions{})
	h.src.dialErr = errors.New("access denied")

	_, err := h.migrate(t, orchestrator.MigrateOptions{SessionID: "sess-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial source")
}

func TestDumpAdapterRoundTrip(t *testing.T) {
	h := newHarness(t, FactoryOptions{})
	h.src.addTable("posts", 3, 3)
	adapter := h.factory.DumpAdapter()

	var buf bytes.Buffer
	require.NoError(t, adapter.Dump(context.Background(), dbConfig("src"), &buf))
	assert.Equal(t, "posts-0\nposts-1\nposts-2\n", buf.String())

	require.NoError(t, adapter.Restore(context.Background(), dbConfig("dst"), strings.NewReader(buf.String())))
	h.dst.mu.Lock()
	restored := h.dst.restored
	h.dst.mu.Unlock()
	assert.Equal(t, buf.String(), restored)

	other := dbConfig("src")
	other.Engine = config.DatabaseMongoDB
	err := adapter.Dump(context.Background(), other, &buf)
	assert.ErrorIs(t, err, ErrUnsupportedEngine)
}

func TestMigrateCancelled(t *testing.T) {
	h := newHarness(t, FactoryOptions{})
	h.src.addTable("posts", 10, 10)

	m, err := h.factory.Create(dbConfig("src"), dbConfig("dst"), orchestrator.MigrateOptions{SessionID: "sess-1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Migrate(ctx)
	require.Error(t, err)
}
