package perfmon

import "time"

// TransferMetrics aggregates file transfer throughput for one session
type TransferMetrics struct {
	SessionID        string     `json:"session_id"`
	BytesTransferred int64      `json:"bytes_transferred"`
	FilesTransferred int64      `json:"files_transferred"`
	CurrentRateMBps  float64    `json:"current_rate_mbps"`
	AvgRateMBps      float64    `json:"avg_rate_mbps"`
	PeakRateMBps     float64    `json:"peak_rate_mbps"`
	EfficiencyPct    float64    `json:"efficiency_pct"`
	Errors           int64      `json:"errors"`
	Retries          int64      `json:"retries"`
	StartedAt        time.Time  `json:"started_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`

	lastRecord time.Time
}

// DatabaseMetrics aggregates database migration throughput for one
// session.
type DatabaseMetrics struct {
	SessionID         string     `json:"session_id"`
	RecordsProcessed  int64      `json:"records_processed"`
	RatePerSecond     float64    `json:"rate_per_second"`
	QueryTimeAvgMs    float64    `json:"query_time_avg_ms"`
	ActiveConnections int        `json:"active_connections"`
	Errors            int64      `json:"errors"`
	StartedAt         time.Time  `json:"started_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`

	queryCalls   int64
	queryTotalMs float64
}

// StartTransfer begins a fresh transfer aggregator for sessionID,
// replacing any previous one.
func (m *Monitor) StartTransfer(sessionID string) {
	now := m.nowFn()
	m.mu.Lock()
	m.transfers[sessionID] = &TransferMetrics{
		SessionID:  sessionID,
		StartedAt:  now,
		UpdatedAt:  now,
		lastRecord: now,
	}
	m.mu.Unlock()
}

// RecordTransfer adds bytes and files to the session's transfer
// aggregator and emits a transfer_rate event. The aggregator is
// created on first use if StartTransfer was not called.
func (m *Monitor) RecordTransfer(sessionID string, bytes, files int64) {
	now := m.nowFn()

	m.mu.Lock()
	tm := m.transfers[sessionID]
	if tm == nil {
		tm = &TransferMetrics{SessionID: sessionID, StartedAt: now, lastRecord: now}
		m.transfers[sessionID] = tm
	}
	tm.BytesTransferred += bytes
	tm.FilesTransferred += files
	if dt := now.Sub(tm.lastRecord).Seconds(); dt > 0 {
		tm.CurrentRateMBps = float64(bytes) / dt / bytesPerMB
	}
	if elapsed := now.Sub(tm.StartedAt).Seconds(); elapsed > 0 {
		tm.AvgRateMBps = float64(tm.BytesTransferred) / elapsed / bytesPerMB
	}
	if tm.CurrentRateMBps > tm.PeakRateMBps {
		tm.PeakRateMBps = tm.CurrentRateMBps
	}
	tm.EfficiencyPct = tm.AvgRateMBps / m.cfg.TheoreticalMaxMBps * 100
	tm.lastRecord = now
	tm.UpdatedAt = now
	rate := tm.CurrentRateMBps
	totalBytes := tm.BytesTransferred
	alerts := m.evaluateLocked(MetricTransferRate, rate, now)
	m.mu.Unlock()

	m.bus.Publish(Event{
		Timestamp:  now,
		MetricType: MetricTransferRate,
		Value:      rate,
		Unit:       "MB/s",
		SessionID:  sessionID,
		Metadata: map[string]interface{}{
			"bytes_total": totalBytes,
		},
	})
	m.emitAlerts(alerts)
}

// RecordTransferError counts one transfer error for the session
func (m *Monitor) RecordTransferError(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tm := m.transfers[sessionID]; tm != nil {
		tm.Errors++
		tm.UpdatedAt = m.nowFn()
	}
}

// RecordTransferRetry counts one transfer retry for the session
func (m *Monitor) RecordTransferRetry(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tm := m.transfers[sessionID]; tm != nil {
		tm.Retries++
		tm.UpdatedAt = m.nowFn()
	}
}

// FinishTransfer marks the session's transfer aggregator ended. The
// snapshot remains readable until CleanupSession.
func (m *Monitor) FinishTransfer(sessionID string) {
	now := m.nowFn()
	m.mu.Lock()
	defer m.mu.Unlock()
	if tm := m.transfers[sessionID]; tm != nil && tm.EndedAt == nil {
		tm.EndedAt = &now
		tm.UpdatedAt = now
	}
}

// TransferSnapshot returns a copy of the session's transfer aggregator
func (m *Monitor) TransferSnapshot(sessionID string) (TransferMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm, ok := m.transfers[sessionID]
	if !ok {
		return TransferMetrics{}, false
	}
	return *tm, true
}

// StartDatabase begins a fresh database aggregator for sessionID,
// replacing any previous one.
func (m *Monitor) StartDatabase(sessionID string) {
	now := m.nowFn()
	m.mu.Lock()
	m.databases[sessionID] = &DatabaseMetrics{
		SessionID: sessionID,
		StartedAt: now,
		UpdatedAt: now,
	}
	m.mu.Unlock()
}

// RecordDatabase adds processed records and a batch query time to the
// session's database aggregator and emits a db_ops event.
func (m *Monitor) RecordDatabase(sessionID string, records int64, queryTimeMs float64) {
	now := m.nowFn()

	m.mu.Lock()
	dm := m.databases[sessionID]
	if dm == nil {
		dm = &DatabaseMetrics{SessionID: sessionID, StartedAt: now}
		m.databases[sessionID] = dm
	}
	dm.RecordsProcessed += records
	if elapsed := now.Sub(dm.StartedAt).Seconds(); elapsed > 0 {
		dm.RatePerSecond = float64(dm.RecordsProcessed) / elapsed
	}
	dm.queryCalls++
	dm.queryTotalMs += queryTimeMs
	dm.QueryTimeAvgMs = dm.queryTotalMs / float64(dm.queryCalls)
	dm.UpdatedAt = now
	rate := dm.RatePerSecond
	total := dm.RecordsProcessed
	alerts := m.evaluateLocked(MetricDBOps, rate, now)
	m.mu.Unlock()

	m.bus.Publish(Event{
		Timestamp:  now,
		MetricType: MetricDBOps,
		Value:      rate,
		Unit:       "records/s",
		SessionID:  sessionID,
		Metadata: map[string]interface{}{
			"records_total": total,
		},
	})
	m.emitAlerts(alerts)
}

// RecordDatabaseError counts one database error for the session
func (m *Monitor) RecordDatabaseError(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dm := m.databases[sessionID]; dm != nil {
		dm.Errors++
		dm.UpdatedAt = m.nowFn()
	}
}

// SetDatabaseConnections records the migrator's open connection count
func (m *Monitor) SetDatabaseConnections(sessionID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dm := m.databases[sessionID]; dm != nil {
		dm.ActiveConnections = n
		dm.UpdatedAt = m.nowFn()
	}
}

// FinishDatabase marks the session's database aggregator ended
func (m *Monitor) FinishDatabase(sessionID string) {
	now := m.nowFn()
	m.mu.Lock()
	defer m.mu.Unlock()
	if dm := m.databases[sessionID]; dm != nil && dm.EndedAt == nil {
		dm.EndedAt = &now
		dm.UpdatedAt = now
	}
}

// DatabaseSnapshot returns a copy of the session's database aggregator
func (m *Monitor) DatabaseSnapshot(sessionID string) (DatabaseMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dm, ok := m.databases[sessionID]
	if !ok {
		return DatabaseMetrics{}, false
	}
	return *dm, true
}
