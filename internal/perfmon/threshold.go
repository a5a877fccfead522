package perfmon

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Comparison selects how a sampled value is tested against a bound
type Comparison string

const (
	ComparisonGreater Comparison = ">"
	ComparisonLess    Comparison = "<"
	ComparisonEqual   Comparison = "="
)

func (c Comparison) matches(value, bound float64) bool {
	switch c {
	case ComparisonGreater:
		return value > bound
	case ComparisonLess:
		return value < bound
	case ComparisonEqual:
		return value == bound
	default:
		return false
	}
}

// AlertLevel is the severity of a threshold alert
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Threshold raises alerts when a metric stays past a bound. The
// critical bound is checked before the warning bound. Duration is how
// long the condition must hold before the alert fires; zero fires on
// the first matching value.
type Threshold struct {
	Metric     MetricType    `json:"metric"`
	Warning    float64       `json:"warning"`
	Critical   float64       `json:"critical"`
	Comparison Comparison    `json:"comparison"`
	Duration   time.Duration `json:"duration"`
}

func (t Threshold) level(value float64) AlertLevel {
	if t.Comparison.matches(value, t.Critical) {
		return AlertCritical
	}
	if t.Comparison.matches(value, t.Warning) {
		return AlertWarning
	}
	return ""
}

// Alert reports one threshold breach
type Alert struct {
	Metric     MetricType `json:"metric"`
	Level      AlertLevel `json:"level"`
	Value      float64    `json:"value"`
	Threshold  float64    `json:"threshold"`
	Comparison Comparison `json:"comparison"`
	Timestamp  time.Time  `json:"timestamp"`
	Message    string     `json:"message"`
}

// alertDedupeWindow suppresses repeat alerts for the same metric and
// level.
const alertDedupeWindow = 5 * time.Minute

type breachState struct {
	level AlertLevel
	since time.Time
}

// evaluateLocked tests value against every threshold on metric and
// returns the alerts to emit. Callers hold m.mu and publish the
// returned alerts after unlocking.
func (m *Monitor) evaluateLocked(metric MetricType, value float64, now time.Time) []Alert {
	var out []Alert
	for i := range m.cfg.Thresholds {
		th := m.cfg.Thresholds[i]
		if th.Metric != metric {
			continue
		}

		level := th.level(value)
		if level == "" {
			delete(m.breaches, i)
			continue
		}
		st := m.breaches[i]
		if st == nil || st.level != level {
			st = &breachState{level: level, since: now}
			m.breaches[i] = st
		}
		if now.Sub(st.since) < th.Duration {
			continue
		}

		key := string(metric) + "/" + string(level)
		if last, ok := m.lastAlert[key]; ok && now.Sub(last) < alertDedupeWindow {
			continue
		}
		m.lastAlert[key] = now

		bound := th.Warning
		if level == AlertCritical {
			bound = th.Critical
		}
		a := Alert{
			Metric:     metric,
			Level:      level,
			Value:      value,
			Threshold:  bound,
			Comparison: th.Comparison,
			Timestamp:  now,
			Message:    fmt.Sprintf("%s %s %.2f held for %s (value %.2f)", metric, th.Comparison, bound, th.Duration, value),
		}
		out = append(out, a)
		m.pushAlertLocked(a)
	}
	return out
}

func (m *Monitor) pushAlertLocked(a Alert) {
	if len(m.alertLog) >= alertHistorySize {
		m.alertLog = m.alertLog[1:]
	}
	m.alertLog = append(m.alertLog, a)
}

func (m *Monitor) emitAlerts(alerts []Alert) {
	for _, a := range alerts {
		m.log.Warn("performance threshold breached",
			zap.String("metric", string(a.Metric)),
			zap.String("level", string(a.Level)),
			zap.Float64("value", a.Value),
			zap.Float64("threshold", a.Threshold))
		m.alertBus.Publish(a)
	}
}
