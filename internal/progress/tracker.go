package progress

import (
	"sync"
	"time"

	"github.com/artemis/web-migrate/internal/events"
	"github.com/artemis/web-migrate/internal/observability"
	"github.com/artemis/web-migrate/internal/session"
)

// EventType enumerates tracker lifecycle events
type EventType string

const (
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventPaused    EventType = "paused"
	EventResumed   EventType = "resumed"
	EventCancelled EventType = "cancelled"
)

// SessionScope is the step id used for session-level tracking
const SessionScope = "session"

// Key identifies one tracked operation
type Key struct {
	SessionID string
	StepID    string
}

// SessionKey returns the session-level key for a session
func SessionKey(sessionID string) Key {
	return Key{SessionID: sessionID, StepID: SessionScope}
}

// StepKey returns the key for a step within a session
func StepKey(sessionID, stepID string) Key {
	return Key{SessionID: sessionID, StepID: stepID}
}

// Event is the payload delivered to subscribers
type Event struct {
	Type       EventType              `json:"event"`
	SessionID  string                 `json:"session_id"`
	StepID     string                 `json:"step_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Current    int64                  `json:"current"`
	Total      int64                  `json:"total"`
	Unit       session.ProgressUnit   `json:"unit"`
	Percentage float64                `json:"percentage"`
	Rate       float64                `json:"rate,omitempty"`
	ETASeconds *float64               `json:"eta_seconds,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Metrics is a point-in-time snapshot of one tracked operation
type Metrics struct {
	SessionID      string                 `json:"session_id"`
	StepID         string                 `json:"step_id,omitempty"`
	State          string                 `json:"state"`
	Current        int64                  `json:"current"`
	Total          int64                  `json:"total"`
	Unit           session.ProgressUnit   `json:"unit"`
	Percentage     float64                `json:"percentage"`
	Rate           float64                `json:"rate"`
	ETASeconds     *float64               `json:"eta_seconds,omitempty"`
	ElapsedSeconds float64                `json:"elapsed_seconds"`
	Message        string                 `json:"message,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	StartedAt      time.Time              `json:"started_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// Tracker states
const (
	stateActive    = "active"
	stateCompleted = "completed"
	stateFailed    = "failed"
	statePaused    = "paused"
	stateCancelled = "cancelled"
)

const (
	// rateWindow bounds the per-tracker rate sample ring
	rateWindow = 100
	// avgSamples is how many of the newest samples feed the average rate
	avgSamples = 10
)

type tracker struct {
	mu          sync.Mutex
	key         Key
	state       string
	current     int64
	total       int64
	unit        session.ProgressUnit
	message     string
	metadata    map[string]interface{}
	errText     string
	startedAt   time.Time
	updatedAt   time.Time
	endedAt     time.Time
	pausedAt    time.Time
	pausedTotal time.Duration
	rates       []float64
}

// Tracker tracks progress of named operations and fans events out to
// subscribers. Each tracked operation has its own lock; the Tracker's
// lock only guards the registry.
type Tracker struct {
	mu       sync.RWMutex
	trackers map[Key]*tracker
	bus      *events.Bus[Event]
	log      *observability.Logger
	metrics  *observability.Metrics
	nowFn    func() time.Time
}

// NewTracker creates a progress tracker
func NewTracker(log *observability.Logger, metrics *observability.Metrics) *Tracker {
	return &Tracker{
		trackers: make(map[Key]*tracker),
		bus:      newEventBus(log, metrics),
		log:      log,
		metrics:  metrics,
		nowFn:    time.Now,
	}
}

// Start begins tracking key. An existing tracker under the same key is
// replaced.
func (t *Tracker) Start(key Key, total int64, unit session.ProgressUnit, message string) {
	if total < 0 {
		total = 0
	}
	now := t.nowFn()

	tr := &tracker{
		key:       key,
		state:     stateActive,
		total:     total,
		unit:      unit,
		message:   message,
		startedAt: now,
		updatedAt: now,
	}

	t.mu.Lock()
	t.trackers[key] = tr
	t.mu.Unlock()

	t.publish(tr.event(EventStarted, now))
}

// Update advances the tracked operation to current. When current
// exceeds the known total, the total is raised so current <= total
// always holds. Updates on paused or finished trackers are ignored.
func (t *Tracker) Update(key Key, current int64, message string, metadata map[string]interface{}) {
	tr := t.get(key)
	if tr == nil {
		return
	}

	now := t.nowFn()

	tr.mu.Lock()
	if tr.state != stateActive {
		tr.mu.Unlock()
		return
	}
	if current < 0 {
		current = 0
	}
	if dt := now.Sub(tr.updatedAt).Seconds(); dt > 0 {
		tr.pushRate(float64(current-tr.current) / dt)
	}
	tr.current = current
	if current > tr.total {
		tr.total = current
	}
	if message != "" {
		tr.message = message
	}
	if metadata != nil {
		tr.metadata = metadata
	}
	tr.updatedAt = now
	ev := tr.event(EventProgress, now)
	tr.mu.Unlock()

	t.publish(ev)
}

// UpdateTotal raises or lowers the expected total. The total never
// drops below the current position.
func (t *Tracker) UpdateTotal(key Key, total int64) {
	tr := t.get(key)
	if tr == nil {
		return
	}

	now := t.nowFn()

	tr.mu.Lock()
	if tr.state != stateActive {
		tr.mu.Unlock()
		return
	}
	if total < tr.current {
		total = tr.current
	}
	tr.total = total
	tr.updatedAt = now
	ev := tr.event(EventProgress, now)
	tr.mu.Unlock()

	t.publish(ev)
}

// Complete marks the operation finished, forcing current to total
func (t *Tracker) Complete(key Key, message string) {
	t.finish(key, stateCompleted, EventCompleted, message, "")
}

// Fail marks the operation failed
func (t *Tracker) Fail(key Key, message string, err error) {
	errText := ""
	if err != nil {
		errText = err.Error()
	}
	t.finish(key, stateFailed, EventFailed, message, errText)
}

// Cancel marks the operation cancelled
func (t *Tracker) Cancel(key Key, message string) {
	t.finish(key, stateCancelled, EventCancelled, message, "")
}

// Pause suspends rate sampling and elapsed-time accumulation
func (t *Tracker) Pause(key Key) {
	tr := t.get(key)
	if tr == nil {
		return
	}

	now := t.nowFn()

	tr.mu.Lock()
	if tr.state != stateActive {
		tr.mu.Unlock()
		return
	}
	tr.state = statePaused
	tr.pausedAt = now
	ev := tr.event(EventPaused, now)
	tr.mu.Unlock()

	t.publish(ev)
}

// Resume reactivates a paused tracker. Time spent paused is excluded
// from elapsed time and from the next rate sample.
func (t *Tracker) Resume(key Key) {
	tr := t.get(key)
	if tr == nil {
		return
	}

	now := t.nowFn()

	tr.mu.Lock()
	if tr.state != statePaused {
		tr.mu.Unlock()
		return
	}
	tr.state = stateActive
	tr.pausedTotal += now.Sub(tr.pausedAt)
	tr.pausedAt = time.Time{}
	tr.updatedAt = now
	ev := tr.event(EventResumed, now)
	tr.mu.Unlock()

	t.publish(ev)
}

// GetMetrics returns a snapshot for key
func (t *Tracker) GetMetrics(key Key) (Metrics, bool) {
	tr := t.get(key)
	if tr == nil {
		return Metrics{}, false
	}

	now := t.nowFn()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.metricsLocked(now), true
}

// SessionMetrics returns snapshots for every tracker of a session
func (t *Tracker) SessionMetrics(sessionID string) []Metrics {
	t.mu.RLock()
	trs := make([]*tracker, 0, len(t.trackers))
	for key, tr := range t.trackers {
		if key.SessionID == sessionID {
			trs = append(trs, tr)
		}
	}
	t.mu.RUnlock()

	now := t.nowFn()
	out := make([]Metrics, 0, len(trs))
	for _, tr := range trs {
		tr.mu.Lock()
		out = append(out, tr.metricsLocked(now))
		tr.mu.Unlock()
	}
	return out
}

// CleanupSession drops all trackers belonging to a session
func (t *Tracker) CleanupSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.trackers {
		if key.SessionID == sessionID {
			delete(t.trackers, key)
		}
	}
}

func (t *Tracker) finish(key Key, state string, evType EventType, message, errText string) {
	tr := t.get(key)
	if tr == nil {
		return
	}

	now := t.nowFn()

	tr.mu.Lock()
	if tr.state == stateCompleted || tr.state == stateFailed || tr.state == stateCancelled {
		tr.mu.Unlock()
		return
	}
	if tr.state == statePaused {
		tr.pausedTotal += now.Sub(tr.pausedAt)
		tr.pausedAt = time.Time{}
	}
	tr.state = state
	if state == stateCompleted {
		tr.current = tr.total
	}
	if message != "" {
		tr.message = message
	}
	tr.errText = errText
	tr.endedAt = now
	tr.updatedAt = now
	ev := tr.event(evType, now)
	if errText != "" {
		if ev.Metadata == nil {
			ev.Metadata = map[string]interface{}{}
		}
		ev.Metadata["error"] = errText
	}
	tr.mu.Unlock()

	t.publish(ev)
}

func (t *Tracker) get(key Key) *tracker {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.trackers[key]
}

// pushRate appends a rate sample, keeping at most rateWindow samples
func (tr *tracker) pushRate(rate float64) {
	tr.rates = append(tr.rates, rate)
	if len(tr.rates) > rateWindow {
		tr.rates = tr.rates[len(tr.rates)-rateWindow:]
	}
}

// avgRate averages the newest avgSamples samples
func (tr *tracker) avgRate() float64 {
	if len(tr.rates) == 0 {
		return 0
	}
	start := len(tr.rates) - avgSamples
	if start < 0 {
		start = 0
	}
	sum := 0.0
	for _, r := range tr.rates[start:] {
		sum += r
	}
	return sum / float64(len(tr.rates)-start)
}

func (tr *tracker) etaSeconds() *float64 {
	avg := tr.avgRate()
	if avg <= 0 {
		return nil
	}
	eta := float64(tr.total-tr.current) / avg
	return &eta
}

func (tr *tracker) percentage() float64 {
	if tr.total > 0 {
		return 100 * float64(tr.current) / float64(tr.total)
	}
	if tr.state == stateCompleted {
		return 100
	}
	return 0
}

// elapsed returns wall time since start minus time spent paused
func (tr *tracker) elapsed(now time.Time) time.Duration {
	end := now
	if !tr.endedAt.IsZero() {
		end = tr.endedAt
	}
	paused := tr.pausedTotal
	if tr.state == statePaused {
		paused += now.Sub(tr.pausedAt)
	}
	return end.Sub(tr.startedAt) - paused
}

func (tr *tracker) event(evType EventType, now time.Time) Event {
	stepID := tr.key.StepID
	if stepID == SessionScope {
		stepID = ""
	}
	return Event{
		Type:       evType,
		SessionID:  tr.key.SessionID,
		StepID:     stepID,
		Timestamp:  now,
		Current:    tr.current,
		Total:      tr.total,
		Unit:       tr.unit,
		Percentage: tr.percentage(),
		Rate:       tr.avgRate(),
		ETASeconds: tr.etaSeconds(),
		Message:    tr.message,
		Metadata:   tr.metadata,
	}
}

func (tr *tracker) metricsLocked(now time.Time) Metrics {
	stepID := tr.key.StepID
	if stepID == SessionScope {
		stepID = ""
	}
	return Metrics{
		SessionID:      tr.key.SessionID,
		StepID:         stepID,
		State:          tr.state,
		Current:        tr.current,
		Total:          tr.total,
		Unit:           tr.unit,
		Percentage:     tr.percentage(),
		Rate:           tr.avgRate(),
		ETASeconds:     tr.etaSeconds(),
		ElapsedSeconds: tr.elapsed(now).Seconds(),
		Message:        tr.message,
		Metadata:       tr.metadata,
		StartedAt:      tr.startedAt,
		UpdatedAt:      tr.updatedAt,
	}
}
