package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/artemis/web-migrate/internal/observability"
)

var (
	// ErrPoolTimeout is returned when no resource became available
	// within the acquire timeout, or immediately when max_size is 0
	ErrPoolTimeout = errors.New("timed out waiting for a pooled resource")

	// ErrPoolClosed is returned when acquiring from a pool that is not
	// active
	ErrPoolClosed = errors.New("pool is not active")
)

// State is the pool lifecycle state, forward-only
type State string

const (
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StateDraining     State = "draining"
	StateClosed       State = "closed"
)

// Config parameterizes a Pool
type Config[T any] struct {
	Name                string
	MinSize             int
	MaxSize             int
	MaxIdleTime         time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	LeakWarningAfter    time.Duration

	// Factory creates a new resource
	Factory func(ctx context.Context) (T, error)
	// HealthCheck reports whether a resource is still usable. Optional.
	HealthCheck func(T) bool
	// Cleanup releases a resource's underlying state. Optional.
	Cleanup func(T)
}

func (c *Config[T]) applyDefaults() {
	if c.Name == "" {
		c.Name = "pool"
	}
	if c.MaxIdleTime == 0 {
		c.MaxIdleTime = 5 * time.Minute
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.LeakWarningAfter == 0 {
		c.LeakWarningAfter = 5 * time.Minute
	}
}

// Stats is a point-in-time view of pool occupancy and counters
type Stats struct {
	Name           string  `json:"name"`
	State          State   `json:"state"`
	Total          int     `json:"total"`
	Active         int     `json:"active"`
	Idle           int     `json:"idle"`
	PendingWaiters int     `json:"pending_waiters"`
	TotalCreated   int64   `json:"total_created"`
	TotalDestroyed int64   `json:"total_destroyed"`
	TotalRequests  int64   `json:"total_requests"`
	TotalErrors    int64   `json:"total_errors"`
	AvgWaitMs      float64 `json:"avg_wait_ms"`
	MaxWaitMs      float64 `json:"max_wait_ms"`
}

type conn[T any] struct {
	id         int64
	resource   T
	createdAt  time.Time
	lastUsed   time.Time
	inUseSince time.Time
	useCount   int64
	inUse      bool
	destroyed  bool
	warnedLeak bool
}

type waiter[T any] struct {
	ch chan *conn[T]
}

// Lease wraps an acquired resource. Exactly one of Release or Destroy
// must be called; both are safe to call more than once.
type Lease[T any] struct {
	pool *Pool[T]
	conn *conn[T]
	once sync.Once
}

// Resource returns the leased resource
func (l *Lease[T]) Resource() T {
	return l.conn.resource
}

// Release returns the resource to the pool. It is health-checked and
// either re-queued or destroyed and replaced.
func (l *Lease[T]) Release() {
	l.once.Do(func() { l.pool.release(l.conn, false) })
}

// Destroy returns the resource as broken; the pool destroys it and
// replenishes toward min_size.
func (l *Lease[T]) Destroy() {
	l.once.Do(func() { l.pool.release(l.conn, true) })
}

// Pool is a generic pool of expensive resources with FIFO acquire
// ordering, a health-check loop and an idle-cleanup loop.
type Pool[T any] struct {
	cfg     Config[T]
	log     *observability.Logger
	metrics *observability.Metrics

	mu             sync.Mutex
	state          State
	conns          map[int64]*conn[T]
	idle           []*conn[T]
	waiters        []*waiter[T]
	pendingCreates int
	nextID         int64

	totalCreated   int64
	totalDestroyed int64
	totalRequests  int64
	totalErrors    int64
	waitCount      int64
	waitTotal      time.Duration
	waitMax        time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pool in the initializing state. Call Initialize before
// acquiring.
func New[T any](cfg Config[T], log *observability.Logger, metrics *observability.Metrics) *Pool[T] {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool[T]{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		state:   StateInitializing,
		conns:   make(map[int64]*conn[T]),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Initialize prefills the pool toward min_size and starts the
// background loops. Prefill failures are counted, not fatal.
func (p *Pool[T]) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateInitializing {
		p.mu.Unlock()
		return fmt.Errorf("pool %s: initialize called in state %s", p.cfg.Name, p.state)
	}
	p.mu.Unlock()

	target := p.cfg.MinSize
	if target > p.cfg.MaxSize {
		target = p.cfg.MaxSize
	}
	for i := 0; i < target; i++ {
		c, err := p.create(ctx)
		if err != nil {
			p.mu.Lock()
			p.totalErrors++
			p.mu.Unlock()
			p.log.Warn("pool prefill failed",
				zap.String("pool", p.cfg.Name),
				zap.Error(err))
			continue
		}
		p.mu.Lock()
		p.conns[c.id] = c
		p.idle = append(p.idle, c)
		p.mu.Unlock()
	}

	p.mu.Lock()
	p.state = StateActive
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.wg.Add(2)
	go p.healthLoop()
	go p.cleanupLoop()

	return nil
}

// Acquire leases a resource, waiting up to the configured acquire
// timeout. Waiters are served in FIFO order.
func (p *Pool[T]) Acquire(ctx context.Context) (*Lease[T], error) {
	return p.acquire(ctx, p.cfg.AcquireTimeout)
}

// AcquireWithTimeout leases a resource with an explicit timeout
func (p *Pool[T]) AcquireWithTimeout(ctx context.Context, timeout time.Duration) (*Lease[T], error) {
	return p.acquire(ctx, timeout)
}

func (p *Pool[T]) acquire(ctx context.Context, timeout time.Duration) (*Lease[T], error) {
	start := time.Now()

	p.mu.Lock()
	if p.state != StateActive {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.totalRequests++

	// a pool that can never hold a resource cannot satisfy anyone
	if p.cfg.MaxSize == 0 {
		p.totalErrors++
		p.mu.Unlock()
		return nil, ErrPoolTimeout
	}

	if c := p.takeIdleLocked(); c != nil {
		p.recordWaitLocked(start)
		p.updateGaugesLocked()
		p.mu.Unlock()
		return &Lease[T]{pool: p, conn: c}, nil
	}

	if len(p.conns)+p.pendingCreates < p.cfg.MaxSize {
		p.pendingCreates++
		p.mu.Unlock()

		c, err := p.create(ctx)

		p.mu.Lock()
		p.pendingCreates--
		if err != nil {
			p.totalErrors++
			p.updateGaugesLocked()
			p.mu.Unlock()
			return nil, fmt.Errorf("pool %s: factory: %w", p.cfg.Name, err)
		}
		p.conns[c.id] = c
		c.inUse = true
		c.inUseSince = time.Now()
		c.useCount++
		p.recordWaitLocked(start)
		p.updateGaugesLocked()
		p.mu.Unlock()
		return &Lease[T]{pool: p, conn: c}, nil
	}

	w := &waiter[T]{ch: make(chan *conn[T], 1)}
	p.waiters = append(p.waiters, w)
	p.updateGaugesLocked()
	p.mu.Unlock()

	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case c, ok := <-w.ch:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.mu.Lock()
		p.recordWaitLocked(start)
		p.updateGaugesLocked()
		p.mu.Unlock()
		return &Lease[T]{pool: p, conn: c}, nil
	case <-timerC:
		p.abandonWaiter(w)
		p.mu.Lock()
		p.totalErrors++
		p.mu.Unlock()
		return nil, ErrPoolTimeout
	case <-ctx.Done():
		p.abandonWaiter(w)
		return nil, ctx.Err()
	}
}

// Stats returns a snapshot of the pool's counters
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := 0
	for _, c := range p.conns {
		if c.inUse {
			active++
		}
	}
	avgWait := 0.0
	if p.waitCount > 0 {
		avgWait = float64(p.waitTotal.Milliseconds()) / float64(p.waitCount)
	}
	return Stats{
		Name:           p.cfg.Name,
		State:          p.state,
		Total:          len(p.conns),
		Active:         active,
		Idle:           len(p.idle),
		PendingWaiters: len(p.waiters),
		TotalCreated:   p.totalCreated,
		TotalDestroyed: p.totalDestroyed,
		TotalRequests:  p.totalRequests,
		TotalErrors:    p.totalErrors,
		AvgWaitMs:      avgWait,
		MaxWaitMs:      float64(p.waitMax.Milliseconds()),
	}
}

// State returns the current lifecycle state
func (p *Pool[T]) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Close stops the background loops, fails all waiters and destroys
// idle resources. Leased resources are destroyed as they are released.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.state == StateDraining || p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.state = StateDraining
	waiters := p.waiters
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	for _, c := range idle {
		delete(p.conns, c.id)
	}
	remaining := len(p.conns)
	if remaining == 0 {
		p.state = StateClosed
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.cancel()
	for _, w := range waiters {
		close(w.ch)
	}
	for _, c := range idle {
		p.destroyResource(c)
	}
	p.wg.Wait()
}

// release returns c to the pool. With destroy set, or when the health
// check fails, the resource is destroyed and the pool replenished.
func (p *Pool[T]) release(c *conn[T], destroy bool) {
	healthy := !destroy
	if healthy && p.cfg.HealthCheck != nil {
		healthy = p.cfg.HealthCheck(c.resource)
	}

	p.mu.Lock()
	c.inUse = false
	c.lastUsed = time.Now()
	c.warnedLeak = false

	if p.state != StateActive {
		delete(p.conns, c.id)
		if p.state == StateDraining && len(p.conns) == 0 {
			p.state = StateClosed
		}
		p.updateGaugesLocked()
		p.mu.Unlock()
		p.destroyResource(c)
		return
	}

	if !healthy {
		delete(p.conns, c.id)
		p.updateGaugesLocked()
		p.mu.Unlock()
		p.destroyResource(c)
		go p.topUp()
		return
	}

	if w := p.popWaiterLocked(); w != nil {
		c.inUse = true
		c.inUseSince = time.Now()
		c.useCount++
		p.updateGaugesLocked()
		p.mu.Unlock()
		w.ch <- c
		return
	}

	p.idle = append(p.idle, c)
	p.updateGaugesLocked()
	p.mu.Unlock()
}

// abandonWaiter removes w from the queue; a resource that raced into
// the waiter's channel is rerouted.
func (p *Pool[T]) abandonWaiter(w *waiter[T]) {
	p.mu.Lock()
	for i, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	select {
	case c := <-w.ch:
		p.release(c, false)
	default:
	}
}

func (p *Pool[T]) create(ctx context.Context) (*conn[T], error) {
	resource, err := p.cfg.Factory(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	c := &conn[T]{
		id:        atomic.AddInt64(&p.nextID, 1),
		resource:  resource,
		createdAt: now,
		lastUsed:  now,
	}
	p.mu.Lock()
	p.totalCreated++
	p.mu.Unlock()
	return c, nil
}

func (p *Pool[T]) destroyResource(c *conn[T]) {
	p.mu.Lock()
	if c.destroyed {
		p.mu.Unlock()
		return
	}
	c.destroyed = true
	p.totalDestroyed++
	p.mu.Unlock()

	if p.cfg.Cleanup != nil {
		p.cfg.Cleanup(c.resource)
	}
}

// takeIdleLocked pops the oldest idle resource; caller holds p.mu
func (p *Pool[T]) takeIdleLocked() *conn[T] {
	if len(p.idle) == 0 {
		return nil
	}
	c := p.idle[0]
	p.idle = p.idle[1:]
	c.inUse = true
	c.inUseSince = time.Now()
	c.useCount++
	return c
}

// popWaiterLocked removes and returns the oldest waiter; caller holds p.mu
func (p *Pool[T]) popWaiterLocked() *waiter[T] {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	return w
}

func (p *Pool[T]) recordWaitLocked(start time.Time) {
	wait := time.Since(start)
	p.waitCount++
	p.waitTotal += wait
	if wait > p.waitMax {
		p.waitMax = wait
	}
	if p.metrics != nil {
		p.metrics.ObservePoolWait(p.cfg.Name, wait.Seconds())
	}
}

func (p *Pool[T]) updateGaugesLocked() {
	if p.metrics == nil {
		return
	}
	active := 0
	for _, c := range p.conns {
		if c.inUse {
			active++
		}
	}
	p.metrics.SetPoolGauge(p.cfg.Name, "active", float64(active))
	p.metrics.SetPoolGauge(p.cfg.Name, "idle", float64(len(p.idle)))
	p.metrics.SetPoolGauge(p.cfg.Name, "waiters", float64(len(p.waiters)))
}

// healthLoop probes idle resources, replaces failing ones and warns
// about suspiciously long leases.
func (p *Pool[T]) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.checkIdleHealth()
			p.topUp()
			p.warnLeaks()
		}
	}
}

// cleanupLoop evicts resources idle longer than max_idle_time while
// the pool stays at or above min_size.
func (p *Pool[T]) cleanupLoop() {
	defer p.wg.Done()

	interval := p.cfg.MaxIdleTime / 2
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

func (p *Pool[T]) checkIdleHealth() {
	if p.cfg.HealthCheck == nil {
		return
	}

	// reserve the idle set so nobody acquires a resource mid-probe
	p.mu.Lock()
	if p.state != StateActive {
		p.mu.Unlock()
		return
	}
	probing := p.idle
	p.idle = nil
	for _, c := range probing {
		c.inUse = true
	}
	p.mu.Unlock()

	for _, c := range probing {
		if p.cfg.HealthCheck(c.resource) {
			p.mu.Lock()
			c.inUse = false
			if w := p.popWaiterLocked(); w != nil {
				c.inUse = true
				c.inUseSince = time.Now()
				c.useCount++
				p.mu.Unlock()
				w.ch <- c
				continue
			}
			p.idle = append(p.idle, c)
			p.updateGaugesLocked()
			p.mu.Unlock()
			continue
		}

		p.mu.Lock()
		delete(p.conns, c.id)
		p.updateGaugesLocked()
		p.mu.Unlock()
		p.destroyResource(c)
		p.log.Info("pool destroyed unhealthy resource",
			zap.String("pool", p.cfg.Name),
			zap.Int64("resource_id", c.id))
	}
}

// topUp creates resources until the pool is back at min_size. Factory
// failures are retried with backoff and otherwise only logged.
func (p *Pool[T]) topUp() {
	for {
		p.mu.Lock()
		if p.state != StateActive || len(p.conns)+p.pendingCreates >= p.cfg.MinSize {
			p.mu.Unlock()
			return
		}
		p.pendingCreates++
		p.mu.Unlock()

		var c *conn[T]
		op := func() error {
			var err error
			c, err = p.create(p.ctx)
			return err
		}
		bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), p.ctx)
		err := backoff.Retry(op, bo)

		p.mu.Lock()
		p.pendingCreates--
		if err != nil {
			p.totalErrors++
			p.mu.Unlock()
			p.log.Warn("pool replenish failed",
				zap.String("pool", p.cfg.Name),
				zap.Error(err))
			return
		}
		if p.state != StateActive {
			p.mu.Unlock()
			p.destroyResource(c)
			return
		}
		p.conns[c.id] = c
		if w := p.popWaiterLocked(); w != nil {
			c.inUse = true
			c.inUseSince = time.Now()
			c.useCount++
			p.updateGaugesLocked()
			p.mu.Unlock()
			w.ch <- c
			continue
		}
		p.idle = append(p.idle, c)
		p.updateGaugesLocked()
		p.mu.Unlock()
	}
}

func (p *Pool[T]) warnLeaks() {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.conns {
		if c.inUse && !c.warnedLeak && now.Sub(c.inUseSince) > p.cfg.LeakWarningAfter {
			c.warnedLeak = true
			p.log.Warn("pool resource held longer than expected",
				zap.String("pool", p.cfg.Name),
				zap.Int64("resource_id", c.id),
				zap.Duration("held_for", now.Sub(c.inUseSince)))
		}
	}
}

func (p *Pool[T]) evictIdle() {
	now := time.Now()

	p.mu.Lock()
	if p.state != StateActive {
		p.mu.Unlock()
		return
	}
	var evicted []*conn[T]
	kept := p.idle[:0]
	for _, c := range p.idle {
		if len(p.conns)-len(evicted) > p.cfg.MinSize && now.Sub(c.lastUsed) > p.cfg.MaxIdleTime {
			evicted = append(evicted, c)
			continue
		}
		kept = append(kept, c)
	}
	p.idle = kept
	for _, c := range evicted {
		delete(p.conns, c.id)
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	for _, c := range evicted {
		p.destroyResource(c)
		p.log.Debug("pool evicted idle resource",
			zap.String("pool", p.cfg.Name),
			zap.Int64("resource_id", c.id))
	}
}
