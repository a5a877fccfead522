package report

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/artemis/web-migrate/internal/perfmon"
	"github.com/artemis/web-migrate/internal/session"
)

// errorReportLogTail bounds how much of the session log the error
// report reproduces.
const errorReportLogTail = 100

func buildValidation(sess *session.MigrationSession) ([]Section, map[string]any) {
	v := sess.Validation

	verdict := SeverityInfo
	if !v.CanProceed {
		verdict = SeverityCritical
	}
	summary := Section{
		Title:    "Validation Summary",
		Severity: verdict,
		Content: map[string]any{
			"can_proceed":  v.CanProceed,
			"total_checks": v.TotalChecks,
			"passed":       v.Passed,
			"failed":       v.Failed,
			"warnings":     v.Warnings,
			"checked_at":   ts(v.CheckedAt),
		},
	}
	if v.Phase != "" {
		summary.Content["phase"] = v.Phase
	}

	issues := make([]session.Issue, 0, len(v.CriticalIssues)+len(v.WarningIssues))
	issues = append(issues, v.CriticalIssues...)
	issues = append(issues, v.WarningIssues...)

	details := Section{Title: "Check Details", Severity: SeverityInfo, Content: map[string]any{}}
	if len(issues) == 0 {
		details.Content["result"] = "all checks passed"
	} else {
		if len(v.WarningIssues) > 0 {
			details.Severity = SeverityWarning
		}
		if len(v.CriticalIssues) > 0 {
			details.Severity = SeverityError
		}
		rows := make([][]string, 0, len(issues))
		for _, is := range issues {
			rows = append(rows, []string{string(is.Severity), is.Code, is.Component, is.Message})
		}
		details.Content["issues"] = Table{
			Headers: []string{"Severity", "Code", "Component", "Message"},
			Rows:    rows,
		}
	}

	analysis := Section{Title: "Error Analysis", Severity: details.Severity, Content: map[string]any{}}
	if len(issues) == 0 {
		analysis.Content["groups"] = "none"
	} else {
		codes := map[session.Severity][]string{}
		for _, is := range issues {
			codes[is.Severity] = append(codes[is.Severity], is.Code)
		}
		for _, sev := range []session.Severity{session.SeverityCritical, session.SeverityHigh, session.SeverityWarning, session.SeverityInfo} {
			if group, ok := codes[sev]; ok {
				analysis.Content[string(sev)+"_count"] = len(group)
				analysis.Content[string(sev)+"_codes"] = group
			}
		}
	}

	remediation := Section{Title: "Remediation", Severity: SeverityInfo, Content: map[string]any{}}
	var steps []string
	seen := map[string]bool{}
	for _, is := range issues {
		if is.Remediation == "" || seen[is.Remediation] {
			continue
		}
		seen[is.Remediation] = true
		steps = append(steps, is.Remediation)
	}
	if len(steps) == 0 {
		remediation.Content["required"] = "none"
	} else {
		remediation.Content["steps"] = steps
	}
	if v.EstimatedFixTimeText != "" {
		remediation.Content["estimated_fix_time"] = v.EstimatedFixTimeText
	}

	return []Section{summary, details, analysis, remediation}, map[string]any{
		"can_proceed": v.CanProceed,
		"failed":      v.Failed,
		"warnings":    v.Warnings,
	}
}

func buildSummary(sess *session.MigrationSession) ([]Section, map[string]any) {
	completed := 0
	for _, st := range sess.Steps {
		if st.Status == session.StepStatusCompleted {
			completed++
		}
	}

	overviewSev := SeverityInfo
	switch sess.Status {
	case session.SessionStatusFailed:
		overviewSev = SeverityError
	case session.SessionStatusCancelled, session.SessionStatusRolledBack:
		overviewSev = SeverityWarning
	}
	overview := Section{
		Title:    "Migration Overview",
		Severity: overviewSev,
		Content: map[string]any{
			"status":          string(sess.Status),
			"created_at":      ts(sess.CreatedAt),
			"steps_total":     len(sess.Steps),
			"steps_completed": completed,
		},
	}
	if cfg := sess.Config; cfg != nil {
		overview.Content["name"] = cfg.Name
		overview.Content["source_host"] = cfg.Source.Host
		overview.Content["destination_host"] = cfg.Destination.Host
		overview.Content["transfer_method"] = string(cfg.Transfer.Method)
		if cfg.TenantID != "" {
			overview.Content["tenant"] = cfg.TenantID
		}
	}
	if s := tsp(sess.StartedAt); s != "" {
		overview.Content["started_at"] = s
	}
	if s := tsp(sess.EndedAt); s != "" {
		overview.Content["ended_at"] = s
	}
	if d := durationText(sess.StartedAt, sess.EndedAt); d != "" {
		overview.Content["duration"] = d
	}

	stepSev := SeverityInfo
	stepRows := make([][]string, 0, len(sess.Steps))
	for _, st := range sess.Steps {
		if st.Status == session.StepStatusFailed {
			stepSev = SeverityError
		}
		errText := ""
		if st.Error != nil {
			errText = st.Error.Code
		}
		stepRows = append(stepRows, []string{st.Name, string(st.Status), stepDuration(st), progressText(st.Progress), errText})
	}
	stepTable := Section{
		Title:    "Step Results",
		Severity: stepSev,
		Content: map[string]any{
			"steps": Table{
				Headers: []string{"Step", "Status", "Duration", "Progress", "Error"},
				Rows:    stepRows,
			},
		},
	}

	perf := Section{Title: "Performance", Severity: SeverityInfo, Content: map[string]any{}}
	if st := sess.Step("transfer_files"); st != nil {
		t := map[string]any{"status": string(st.Status)}
		if d := stepDuration(st); d != "" {
			t["duration"] = d
		}
		if st.Progress.Unit == session.UnitBytes && st.Progress.Current > 0 {
			t["bytes_transferred"] = humanize.IBytes(uint64(st.Progress.Current))
		}
		perf.Content["transfer_files"] = t
	}
	if st := sess.Step("migrate_database"); st != nil {
		d := map[string]any{"status": string(st.Status)}
		if dd := stepDuration(st); dd != "" {
			d["duration"] = dd
		}
		if st.Progress.Unit == session.UnitRecords && st.Progress.Current > 0 {
			d["records_migrated"] = humanize.Comma(st.Progress.Current)
		}
		perf.Content["migrate_database"] = d
	}
	if len(perf.Content) == 0 {
		perf.Content["collected"] = "no transfer or database steps in this session"
	}

	backups := Section{Title: "Backups", Severity: SeverityInfo, Content: map[string]any{}}
	if len(sess.Backups) == 0 {
		backups.Content["recorded"] = "none"
	} else {
		rows := make([][]string, 0, len(sess.Backups))
		for _, rec := range sess.Backups {
			verified := "no"
			if rec.Verified {
				verified = "yes"
			}
			rows = append(rows, []string{rec.ID, string(rec.Type), humanize.IBytes(uint64(rec.SizeBytes)), verified, rec.Location, ts(rec.CreatedAt)})
		}
		backups.Content["backups"] = Table{
			Headers: []string{"ID", "Type", "Size", "Verified", "Location", "Created"},
			Rows:    rows,
		}
	}

	sections := []Section{overview, stepTable, perf, backups}

	var issueRows [][]string
	issueSev := SeverityWarning
	for _, le := range sess.Log {
		switch le.Level {
		case "warning":
			issueRows = append(issueRows, []string{ts(le.Timestamp), le.Level, le.StepID, le.Message})
		case "error", "critical":
			issueRows = append(issueRows, []string{ts(le.Timestamp), le.Level, le.StepID, le.Message})
			issueSev = SeverityError
		}
	}
	if len(issueRows) > 0 || sess.Error != nil {
		issues := Section{Title: "Issues", Severity: issueSev, Content: map[string]any{}}
		if sess.Error != nil {
			issues.Severity = severityFor(sess.Error.Severity)
			issues.Content["error_code"] = sess.Error.Code
			issues.Content["error_message"] = sess.Error.Message
		}
		if len(issueRows) > 0 {
			issues.Content["log_entries"] = Table{
				Headers: []string{"Time", "Level", "Step", "Message"},
				Rows:    issueRows,
			}
		}
		sections = append(sections, issues)
	}

	return sections, map[string]any{
		"status":          string(sess.Status),
		"steps_completed": completed,
		"steps_total":     len(sess.Steps),
		"backups":         len(sess.Backups),
	}
}

func buildError(sess *session.MigrationSession) ([]Section, map[string]any) {
	summary := Section{Title: "Error Summary", Severity: SeverityInfo, Content: map[string]any{}}
	if e := sess.Error; e != nil {
		summary.Severity = severityFor(e.Severity)
		summary.Content["code"] = e.Code
		summary.Content["message"] = e.Message
		summary.Content["severity"] = string(e.Severity)
		summary.Content["component"] = e.Component
		if e.StepID != "" {
			summary.Content["step"] = e.StepID
		}
		summary.Content["retry_possible"] = e.RetryPossible
		summary.Content["rollback_required"] = e.RollbackRequired
	} else {
		summary.Content["recorded_errors"] = 0
		summary.Content["note"] = "no failure recorded on this session"
	}

	var eventRows [][]string
	for _, le := range sess.Log {
		if le.Level == "error" || le.Level == "critical" {
			eventRows = append(eventRows, []string{ts(le.Timestamp), le.Level, le.StepID, le.Message})
		}
	}
	timeline := Section{Title: "Error Timeline", Severity: SeverityInfo, Content: map[string]any{}}
	if len(eventRows) == 0 {
		timeline.Content["events"] = "none"
	} else {
		timeline.Severity = SeverityError
		timeline.Content["events"] = Table{
			Headers: []string{"Time", "Level", "Step", "Message"},
			Rows:    eventRows,
		}
	}

	recovery := Section{
		Title:    "Recovery Options",
		Severity: SeverityInfo,
		Content: map[string]any{
			"backups_available": len(sess.Backups),
			"rollback_possible": len(sess.Backups) > 0 && sess.Status.CanTransitionTo(session.SessionStatusRolledBack),
		},
	}
	if e := sess.Error; e != nil {
		if len(e.RemediationSteps) > 0 {
			recovery.Content["remediation_steps"] = e.RemediationSteps
		}
		if len(e.DocumentationLinks) > 0 {
			recovery.Content["documentation"] = e.DocumentationLinks
		}
		if e.RetryPossible {
			recovery.Content["retry"] = "the failed stage reported this error as retryable"
		}
	}

	sections := []Section{summary, timeline, recovery}

	if n := len(sess.Log); n > 0 {
		tail := sess.Log
		if n > errorReportLogTail {
			tail = sess.Log[n-errorReportLogTail:]
		}
		rows := make([][]string, 0, len(tail))
		for _, le := range tail {
			rows = append(rows, []string{ts(le.Timestamp), le.Level, le.StepID, le.Message})
		}
		sections = append(sections, Section{
			Title:    "Recent Log",
			Severity: SeverityInfo,
			Content: map[string]any{
				"entries": Table{
					Headers: []string{"Time", "Level", "Step", "Message"},
					Rows:    rows,
				},
			},
		})
	}

	out := map[string]any{"timeline_events": len(eventRows)}
	if sess.Error != nil {
		out["code"] = sess.Error.Code
	}
	return sections, out
}

func buildPerformance(perf perfmon.Summary) ([]Section, map[string]any) {
	host := Section{
		Title:    "Host Utilization",
		Severity: SeverityInfo,
		Content:  map[string]any{"collected_at": ts(perf.GeneratedAt)},
	}
	if s := perf.Latest; s != nil {
		host.Content["cpu"] = fmt.Sprintf("%.1f%%", s.CPUPercent)
		host.Content["memory"] = fmt.Sprintf("%.1f%%", s.MemoryPercent)
		host.Content["disk_read"] = rate(s.DiskReadBps)
		host.Content["disk_write"] = rate(s.DiskWriteBps)
		host.Content["network_sent"] = rate(s.NetworkSentBps)
		host.Content["network_received"] = rate(s.NetworkRecvBps)
		host.Content["sampled_at"] = ts(s.Timestamp)
	} else {
		host.Content["host_samples"] = "none collected"
	}

	transfer := Section{Title: "File Transfer", Severity: SeverityInfo, Content: map[string]any{}}
	if t := perf.Transfer; t != nil {
		if t.Errors > 0 {
			transfer.Severity = SeverityWarning
		}
		transfer.Content["bytes_transferred"] = humanize.IBytes(uint64(t.BytesTransferred))
		transfer.Content["files_transferred"] = humanize.Comma(t.FilesTransferred)
		transfer.Content["avg_rate"] = fmt.Sprintf("%.1f MB/s", t.AvgRateMBps)
		transfer.Content["peak_rate"] = fmt.Sprintf("%.1f MB/s", t.PeakRateMBps)
		transfer.Content["efficiency"] = fmt.Sprintf("%.1f%%", t.EfficiencyPct)
		transfer.Content["errors"] = t.Errors
		transfer.Content["retries"] = t.Retries
		transfer.Content["started_at"] = ts(t.StartedAt)
		if t.EndedAt != nil {
			transfer.Content["ended_at"] = ts(*t.EndedAt)
		}
	} else {
		transfer.Content["collected"] = "no transfer stage ran"
	}

	database := Section{Title: "Database", Severity: SeverityInfo, Content: map[string]any{}}
	if d := perf.Database; d != nil {
		if d.Errors > 0 {
			database.Severity = SeverityWarning
		}
		database.Content["records_processed"] = humanize.Comma(d.RecordsProcessed)
		database.Content["rate"] = fmt.Sprintf("%.1f records/s", d.RatePerSecond)
		database.Content["query_time_avg"] = fmt.Sprintf("%.1f ms", d.QueryTimeAvgMs)
		database.Content["active_connections"] = d.ActiveConnections
		database.Content["errors"] = d.Errors
		database.Content["started_at"] = ts(d.StartedAt)
		if d.EndedAt != nil {
			database.Content["ended_at"] = ts(*d.EndedAt)
		}
	} else {
		database.Content["collected"] = "no database stage ran"
	}

	alerts := Section{Title: "Alerts", Severity: SeverityInfo, Content: map[string]any{}}
	if len(perf.Alerts) == 0 {
		alerts.Content["raised"] = "none"
	} else {
		alerts.Severity = SeverityWarning
		rows := make([][]string, 0, len(perf.Alerts))
		for _, a := range perf.Alerts {
			if a.Level == perfmon.AlertCritical {
				alerts.Severity = SeverityCritical
			}
			rows = append(rows, []string{ts(a.Timestamp), string(a.Level), string(a.Metric), fmt.Sprintf("%.1f", a.Value), fmt.Sprintf("%.1f", a.Threshold), a.Message})
		}
		alerts.Content["alerts"] = Table{
			Headers: []string{"Time", "Level", "Metric", "Value", "Threshold", "Message"},
			Rows:    rows,
		}
	}

	out := map[string]any{"alerts": len(perf.Alerts)}
	if perf.Transfer != nil {
		out["bytes_transferred"] = perf.Transfer.BytesTransferred
	}
	if perf.Database != nil {
		out["records_processed"] = perf.Database.RecordsProcessed
	}
	return []Section{host, transfer, database, alerts}, out
}

func severityFor(s session.Severity) string {
	switch s {
	case session.SeverityCritical:
		return SeverityCritical
	case session.SeverityHigh:
		return SeverityError
	case session.SeverityWarning:
		return SeverityWarning
	}
	return SeverityInfo
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func tsp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return ts(*t)
}

func durationText(start, end *time.Time) string {
	if start == nil || end == nil {
		return ""
	}
	return end.Sub(*start).Round(time.Millisecond).String()
}

func stepDuration(st *session.MigrationStep) string {
	return durationText(st.StartedAt, st.EndedAt)
}

func progressText(p session.ProgressInfo) string {
	if p.Current == 0 && p.Total == 0 {
		return ""
	}
	switch p.Unit {
	case session.UnitBytes:
		return fmt.Sprintf("%s / %s", humanize.IBytes(uint64(p.Current)), humanize.IBytes(uint64(p.Total)))
	case session.UnitPercent:
		return fmt.Sprintf("%.0f%%", p.Percentage)
	}
	return fmt.Sprintf("%s / %s %s", humanize.Comma(p.Current), humanize.Comma(p.Total), string(p.Unit))
}

func rate(bps float64) string {
	return humanize.IBytes(uint64(bps)) + "/s"
}
