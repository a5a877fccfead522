package perfmon

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/artemis/web-migrate/internal/events"
	"github.com/artemis/web-migrate/internal/observability"
)

// MetricType enumerates the metrics the monitor emits
type MetricType string

const (
	MetricTransferRate MetricType = "transfer_rate"
	MetricCPU          MetricType = "cpu"
	MetricMemory       MetricType = "memory"
	MetricDiskIO       MetricType = "disk_io"
	MetricNetworkIO    MetricType = "network_io"
	MetricDBOps        MetricType = "db_ops"
)

// Event is the payload delivered to performance subscribers
type Event struct {
	Timestamp  time.Time              `json:"timestamp"`
	MetricType MetricType             `json:"metric_type"`
	Value      float64                `json:"value"`
	Unit       string                 `json:"unit"`
	SessionID  string                 `json:"session_id,omitempty"`
	StepID     string                 `json:"step_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// HostSnapshot is one raw reading of host counters. Byte counts are
// cumulative since boot; rates are derived from successive snapshots.
type HostSnapshot struct {
	CPUPercent     float64
	MemoryPercent  float64
	DiskReadBytes  uint64
	DiskWriteBytes uint64
	NetSentBytes   uint64
	NetRecvBytes   uint64
	Connections    int
	Processes      int
}

// SampleFunc reads host counters. The default is GopsutilSample.
type SampleFunc func(ctx context.Context) (HostSnapshot, error)

// Sample is one processed entry of the host history ring
type Sample struct {
	Timestamp         time.Time `json:"timestamp"`
	CPUPercent        float64   `json:"cpu_percent"`
	MemoryPercent     float64   `json:"memory_percent"`
	DiskReadBps       float64   `json:"disk_read_bps"`
	DiskWriteBps      float64   `json:"disk_write_bps"`
	NetworkSentBps    float64   `json:"network_sent_bps"`
	NetworkRecvBps    float64   `json:"network_recv_bps"`
	ActiveConnections int       `json:"active_connections"`
	ProcessCount      int       `json:"process_count"`
}

// Summary bundles the monitor state relevant to one session, used by
// report generation.
type Summary struct {
	GeneratedAt time.Time        `json:"generated_at"`
	SessionID   string           `json:"session_id,omitempty"`
	Latest      *Sample          `json:"latest,omitempty"`
	Transfer    *TransferMetrics `json:"transfer,omitempty"`
	Database    *DatabaseMetrics `json:"database,omitempty"`
	Alerts      []Alert          `json:"alerts,omitempty"`
}

const (
	// defaultInterval is the sampler period when none is configured
	defaultInterval = time.Second
	// defaultHistorySize bounds the host sample ring
	defaultHistorySize = 300
	// defaultTheoreticalMaxMBps is the transfer efficiency baseline,
	// a saturated gigabit link
	defaultTheoreticalMaxMBps = 119.2
	// alertHistorySize bounds the recent alert ring
	alertHistorySize = 50
	// bytesPerMB converts byte counts to MB for rate reporting
	bytesPerMB = 1024 * 1024
)

// Config tunes a Monitor
type Config struct {
	CollectionInterval time.Duration
	HistorySize        int
	TheoreticalMaxMBps float64
	Thresholds         []Threshold
	Sample             SampleFunc
}

func (c *Config) applyDefaults() {
	if c.CollectionInterval <= 0 {
		c.CollectionInterval = defaultInterval
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	if c.TheoreticalMaxMBps <= 0 {
		c.TheoreticalMaxMBps = defaultTheoreticalMaxMBps
	}
	if c.Sample == nil {
		c.Sample = GopsutilSample
	}
}

// Monitor samples host metrics on an interval, aggregates per-session
// transfer and database rates, and fans events out to subscribers.
// One sampler goroutine runs between Start and Stop; the aggregators
// work whether or not the sampler is running.
type Monitor struct {
	mu        sync.Mutex
	cfg       Config
	log       *observability.Logger
	metrics   *observability.Metrics
	bus       *events.Bus[Event]
	alertBus  *events.Bus[Alert]
	history   []Sample
	transfers map[string]*TransferMetrics
	databases map[string]*DatabaseMetrics
	breaches  map[int]*breachState
	lastAlert map[string]time.Time
	alertLog  []Alert
	running   bool
	sessionID string
	prev      HostSnapshot
	prevAt    time.Time
	havePrev  bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	nowFn     func() time.Time
}

// NewMonitor creates a performance monitor
func NewMonitor(cfg Config, log *observability.Logger, metrics *observability.Metrics) *Monitor {
	cfg.applyDefaults()
	onDrop := func() {
		if metrics != nil {
			metrics.RecordDroppedEvent("perfmon")
		}
	}
	onPanic := func(r interface{}) {
		if log != nil {
			log.Warn("performance subscriber panicked", zap.Any("panic", r))
		}
	}
	return &Monitor{
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		bus:       events.NewBus[Event](events.DefaultBuffer, onDrop, onPanic),
		alertBus:  events.NewBus[Alert](events.DefaultBuffer, onDrop, onPanic),
		transfers: make(map[string]*TransferMetrics),
		databases: make(map[string]*DatabaseMetrics),
		breaches:  make(map[int]*breachState),
		lastAlert: make(map[string]time.Time),
		nowFn:     time.Now,
	}
}

// Subscribe registers fn to receive every performance event. The
// returned function unsubscribes. Delivery semantics match the
// progress tracker: bounded queues, oldest-dropped, panic isolation.
func (m *Monitor) Subscribe(fn func(Event)) func() {
	return m.bus.Subscribe(fn)
}

// SubscribeAlerts registers fn to receive threshold alerts
func (m *Monitor) SubscribeAlerts(fn func(Alert)) func() {
	return m.alertBus.Subscribe(fn)
}

// Start begins the sampler loop. The session id may be empty; when
// set it is attached to every host sample event. A baseline snapshot
// is taken immediately so the first tick can report rates.
func (m *Monitor) Start(sessionID string) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("performance monitor already running")
	}
	m.running = true
	m.sessionID = sessionID
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	if snap, err := m.cfg.Sample(ctx); err != nil {
		m.log.Warn("baseline host sample failed", zap.Error(err))
	} else {
		m.mu.Lock()
		m.prev, m.prevAt, m.havePrev = snap, m.nowFn(), true
		m.mu.Unlock()
	}

	m.log.Info("performance monitor started",
		zap.String("session_id", sessionID),
		zap.Duration("interval", m.cfg.CollectionInterval))

	m.wg.Add(1)
	go m.run(ctx)
	return nil
}

// Stop cancels the sampler loop and waits for it to exit. Aggregators
// and history remain readable after Stop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.havePrev = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.log.Info("performance monitor stopped")
}

// Running reports whether the sampler loop is active
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// History returns the host sample ring in chronological order
func (m *Monitor) History() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, len(m.history))
	copy(out, m.history)
	return out
}

// LatestSample returns the newest host sample, if any
func (m *Monitor) LatestSample() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return Sample{}, false
	}
	return m.history[len(m.history)-1], true
}

// Alerts returns the recent alert ring in chronological order
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alertLog))
	copy(out, m.alertLog)
	return out
}

// Summary snapshots everything known about sessionID for reporting
func (m *Monitor) Summary(sessionID string) Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{GeneratedAt: m.nowFn(), SessionID: sessionID}
	if len(m.history) > 0 {
		latest := m.history[len(m.history)-1]
		s.Latest = &latest
	}
	if tm, ok := m.transfers[sessionID]; ok {
		snap := *tm
		s.Transfer = &snap
	}
	if dm, ok := m.databases[sessionID]; ok {
		snap := *dm
		s.Database = &snap
	}
	if len(m.alertLog) > 0 {
		s.Alerts = make([]Alert, len(m.alertLog))
		copy(s.Alerts, m.alertLog)
	}
	return s
}

// CleanupSession removes the per-session aggregators
func (m *Monitor) CleanupSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.transfers, sessionID)
	delete(m.databases, sessionID)
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CollectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.collect(ctx)
		}
	}
}

// collect takes one host sample, derives rates against the previous
// snapshot, and emits events. Sample failures are logged, never
// surfaced.
func (m *Monitor) collect(ctx context.Context) {
	snap, err := m.cfg.Sample(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.log.Warn("host sample failed", zap.Error(err))
		}
		return
	}
	now := m.nowFn()

	m.mu.Lock()
	sample := Sample{
		Timestamp:         now,
		CPUPercent:        snap.CPUPercent,
		MemoryPercent:     snap.MemoryPercent,
		ActiveConnections: snap.Connections,
		ProcessCount:      snap.Processes,
	}
	if m.havePrev {
		if dt := now.Sub(m.prevAt).Seconds(); dt > 0 {
			sample.DiskReadBps = counterRate(m.prev.DiskReadBytes, snap.DiskReadBytes, dt)
			sample.DiskWriteBps = counterRate(m.prev.DiskWriteBytes, snap.DiskWriteBytes, dt)
			sample.NetworkSentBps = counterRate(m.prev.NetSentBytes, snap.NetSentBytes, dt)
			sample.NetworkRecvBps = counterRate(m.prev.NetRecvBytes, snap.NetRecvBytes, dt)
		}
	}
	m.prev, m.prevAt, m.havePrev = snap, now, true
	m.pushHistoryLocked(sample)

	evs := m.sampleEventsLocked(sample)
	var alerts []Alert
	alerts = append(alerts, m.evaluateLocked(MetricCPU, sample.CPUPercent, now)...)
	alerts = append(alerts, m.evaluateLocked(MetricMemory, sample.MemoryPercent, now)...)
	alerts = append(alerts, m.evaluateLocked(MetricDiskIO, sample.DiskReadBps+sample.DiskWriteBps, now)...)
	alerts = append(alerts, m.evaluateLocked(MetricNetworkIO, sample.NetworkSentBps+sample.NetworkRecvBps, now)...)
	m.mu.Unlock()

	for _, ev := range evs {
		m.bus.Publish(ev)
	}
	m.emitAlerts(alerts)
}

func (m *Monitor) pushHistoryLocked(s Sample) {
	if len(m.history) >= m.cfg.HistorySize {
		m.history = m.history[1:]
	}
	m.history = append(m.history, s)
}

func (m *Monitor) sampleEventsLocked(s Sample) []Event {
	return []Event{
		{
			Timestamp:  s.Timestamp,
			MetricType: MetricCPU,
			Value:      s.CPUPercent,
			Unit:       "percent",
			SessionID:  m.sessionID,
		},
		{
			Timestamp:  s.Timestamp,
			MetricType: MetricMemory,
			Value:      s.MemoryPercent,
			Unit:       "percent",
			SessionID:  m.sessionID,
		},
		{
			Timestamp:  s.Timestamp,
			MetricType: MetricDiskIO,
			Value:      s.DiskReadBps + s.DiskWriteBps,
			Unit:       "bytes/s",
			SessionID:  m.sessionID,
			Metadata: map[string]interface{}{
				"read_bps":  s.DiskReadBps,
				"write_bps": s.DiskWriteBps,
			},
		},
		{
			Timestamp:  s.Timestamp,
			MetricType: MetricNetworkIO,
			Value:      s.NetworkSentBps + s.NetworkRecvBps,
			Unit:       "bytes/s",
			SessionID:  m.sessionID,
			Metadata: map[string]interface{}{
				"sent_bps": s.NetworkSentBps,
				"recv_bps": s.NetworkRecvBps,
			},
		},
	}
}

// counterRate derives a per-second rate from two cumulative counter
// readings. A counter reset reads as zero.
func counterRate(prev, cur uint64, dt float64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur-prev) / dt
}
