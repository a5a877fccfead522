// Package validate implements the built-in ValidationEngine: an ordered
// list of named checks over a migration config, producing a verdict the
// orchestrator gates on before and after the migration runs.
package validate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/artemis/web-migrate/internal/config"
	"github.com/artemis/web-migrate/internal/hybrid"
	"github.com/artemis/web-migrate/internal/observability"
	"github.com/artemis/web-migrate/internal/orchestrator"
	"github.com/artemis/web-migrate/internal/session"
)

// CheckStatus is the outcome of a single check.
type CheckStatus string

const (
	CheckPassed  CheckStatus = "passed"
	CheckWarning CheckStatus = "warning"
	CheckFailed  CheckStatus = "failed"
)

// Check is one validation finding with its timing.
type Check struct {
	Code        string      `json:"code"`
	Name        string      `json:"name"`
	Status      CheckStatus `json:"status"`
	Message     string      `json:"message"`
	Blocker     bool        `json:"is_blocker"`
	Remediation string      `json:"remediation,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	EndedAt     time.Time   `json:"ended_at"`
}

// StatsProvider supplies host statistics for the disk-space check. The
// hybrid engine satisfies it; tests substitute fixtures.
type StatsProvider interface {
	SystemStats(ctx context.Context) (hybrid.SystemStats, error)
}

// Options tunes the engine.
type Options struct {
	// Stats supplies host disk statistics. Nil downgrades the disk-space
	// check to a warning.
	Stats StatsProvider
	// MinFreeDiskBytes is the free-space floor on the destination mount.
	// Default 1 GiB.
	MinFreeDiskBytes uint64
	// OnCheck, when set, receives every check result as it completes.
	OnCheck func(Check)
}

// Engine runs the check list. It implements orchestrator.ValidationEngine.
type Engine struct {
	stats   StatsProvider
	minFree uint64
	onCheck func(Check)
	log     *observability.Logger
}

// NewEngine constructs a validation engine.
func NewEngine(opts Options, log *observability.Logger) *Engine {
	if opts.MinFreeDiskBytes == 0 {
		opts.MinFreeDiskBytes = 1 << 30
	}
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &Engine{
		stats:   opts.Stats,
		minFree: opts.MinFreeDiskBytes,
		onCheck: opts.OnCheck,
		log:     log,
	}
}

type namedCheck struct {
	name string
	fn   func(context.Context, *config.MigrationConfig) Check
}

// Validate runs every check applicable to the phase and folds the results
// into a ValidationSummary. A blocker failure clears CanProceed; the error
// return is reserved for cancellation and internal faults.
func (e *Engine) Validate(ctx context.Context, cfg *config.MigrationConfig, phase orchestrator.ValidationPhase) (*session.ValidationSummary, error) {
	checks := []namedCheck{
		{"Config Shape", e.checkConfigShape},
		{"Endpoints", e.checkEndpoints},
		{"Paths", e.checkPaths},
		{"Auth Material", e.checkAuthMaterial},
		{"Database Coherence", e.checkDatabase},
		{"Disk Space", e.checkDiskSpace},
	}
	if phase == orchestrator.PhasePre {
		checks = append(checks, namedCheck{"Transfer Tuning", e.checkTransferTuning})
	}

	summary := &session.ValidationSummary{
		CanProceed: true,
		Phase:      string(phase),
	}

	for _, c := range checks {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("validation cancelled: %w", ctx.Err())
		default:
		}

		result := c.fn(ctx, cfg)
		if e.onCheck != nil {
			e.onCheck(result)
		}

		summary.TotalChecks++
		switch result.Status {
		case CheckPassed:
			summary.Passed++
		case CheckWarning:
			summary.Warnings++
			summary.WarningIssues = append(summary.WarningIssues, issueFrom(result, session.SeverityWarning))
		case CheckFailed:
			summary.Failed++
			if result.Blocker {
				summary.CanProceed = false
				summary.CriticalIssues = append(summary.CriticalIssues, issueFrom(result, session.SeverityCritical))
			} else {
				summary.WarningIssues = append(summary.WarningIssues, issueFrom(result, session.SeverityHigh))
			}
		}
	}

	summary.EstimatedFixTimeText = estimateFixTime(summary)
	summary.CheckedAt = time.Now()

	e.log.Info("validation finished",
		zap.String("phase", string(phase)),
		zap.Bool("can_proceed", summary.CanProceed),
		zap.Int("passed", summary.Passed),
		zap.Int("failed", summary.Failed),
		zap.Int("warnings", summary.Warnings))

	return summary, nil
}

func issueFrom(c Check, severity session.Severity) session.Issue {
	return session.Issue{
		Code:        c.Code,
		Message:     c.Message,
		Severity:    severity,
		Component:   "ValidationEngine",
		Remediation: c.Remediation,
	}
}

// estimateFixTime turns the issue counts into a rough human estimate.
func estimateFixTime(s *session.ValidationSummary) string {
	minutes := 15*len(s.CriticalIssues) + 5*len(s.WarningIssues)
	switch {
	case minutes == 0:
		return ""
	case minutes >= 60:
		return "over an hour"
	default:
		return fmt.Sprintf("about %d minutes", minutes)
	}
}

func newCheck(code, name string, blocker bool) Check {
	return Check{Code: code, Name: name, Blocker: blocker, StartedAt: time.Now()}
}

func (c Check) pass(format string, args ...interface{}) Check {
	c.Status = CheckPassed
	c.Message = fmt.Sprintf(format, args...)
	c.EndedAt = time.Now()
	return c
}

func (c Check) warn(format string, args ...interface{}) Check {
	c.Status = CheckWarning
	c.Message = fmt.Sprintf(format, args...)
	c.EndedAt = time.Now()
	return c
}

func (c Check) fail(format string, args ...interface{}) Check {
	c.Status = CheckFailed
	c.Message = fmt.Sprintf(format, args...)
	c.EndedAt = time.Now()
	return c
}

func (c Check) remedy(text string) Check {
	c.Remediation = text
	return c
}

// checkConfigShape reruns the structural validation so API callers get a
// check-shaped result for it too.
func (e *Engine) checkConfigShape(_ context.Context, cfg *config.MigrationConfig) Check {
	check := newCheck("CONFIG_SHAPE", "Config Shape", true)
	if err := cfg.Validate(); err != nil {
		return check.fail("config rejected: %v", err).remedy("Fix the reported field and resubmit the config.")
	}
	return check.pass("config shape is valid")
}

// checkEndpoints verifies both systems are addressable and distinct.
func (e *Engine) checkEndpoints(_ context.Context, cfg *config.MigrationConfig) Check {
	check := newCheck("ENDPOINTS", "Endpoints", true)
	if cfg.Source.Host == "" {
		return check.fail("source host is empty").remedy("Set source.host to the machine holding the site.")
	}
	if cfg.Destination.Host == "" {
		return check.fail("destination host is empty").remedy("Set destination.host to the target machine.")
	}
	if cfg.Source.Host == cfg.Destination.Host &&
		cfg.Source.Paths.RootPath != "" &&
		cfg.Source.Paths.RootPath == cfg.Destination.Paths.RootPath {
		return check.fail("source and destination are the same location (%s:%s)",
			cfg.Source.Host, cfg.Source.Paths.RootPath).
			remedy("Point the destination at a different host or root path.")
	}
	return check.pass("endpoints %s -> %s", cfg.Source.Host, cfg.Destination.Host)
}

// checkPaths verifies the path layout needed by the transfer stage.
func (e *Engine) checkPaths(_ context.Context, cfg *config.MigrationConfig) Check {
	check := newCheck("PATHS", "Paths", true)
	if cfg.Source.Paths.RootPath == "" {
		// No file transfer planned; nothing to verify.
		return check.pass("no source root path; file transfer not planned")
	}
	if cfg.Destination.Paths.RootPath == "" {
		return check.fail("source has a root path but destination does not").
			remedy("Set destination.paths.root_path so transferred files have a target.")
	}
	var relative []string
	for _, p := range cfg.Source.Paths.ExcludePaths {
		if strings.HasPrefix(p, "/") {
			relative = append(relative, p)
		}
	}
	if len(relative) > 0 {
		return check.warn("absolute exclude paths %v are matched relative to the root and will likely exclude nothing", relative).
			remedy("Express exclude paths relative to root_path.")
	}
	return check.pass("paths configured (%d excludes)", len(cfg.Source.Paths.ExcludePaths))
}

// checkAuthMaterial verifies each endpoint carries the credentials its
// auth method needs. Presence only; no credential is dialed here.
func (e *Engine) checkAuthMaterial(_ context.Context, cfg *config.MigrationConfig) Check {
	check := newCheck("AUTH_MATERIAL", "Auth Material", true)
	for _, side := range []struct {
		label string
		sys   config.SystemConfig
	}{
		{"source", cfg.Source},
		{"destination", cfg.Destination},
	} {
		missing := missingAuthMaterial(side.sys.Auth)
		if missing != "" {
			return check.fail("%s auth method %q is missing %s", side.label, side.sys.Auth.Method, missing).
				remedy("Provide the credential or switch the auth method.")
		}
	}
	return check.pass("credentials present for both endpoints")
}

func missingAuthMaterial(a config.AuthConfig) string {
	switch a.Method {
	case config.AuthPassword:
		if a.Username == "" {
			return "a username"
		}
		if a.Password == "" {
			return "a password"
		}
	case config.AuthSSHKey:
		if a.Username == "" {
			return "a username"
		}
		if a.SSHKeyPath == "" {
			return "an ssh_key_path"
		}
	case config.AuthAPIKey:
		if a.APIKey == "" {
			return "an api_key"
		}
	case config.AuthOAuth2, config.AuthJWT:
		if a.Token == "" {
			return "a token"
		}
	case config.AuthCloudIAM:
		// Ambient credentials; nothing to carry.
	}
	return ""
}

// checkDatabase verifies engine compatibility between the two ends.
func (e *Engine) checkDatabase(_ context.Context, cfg *config.MigrationConfig) Check {
	check := newCheck("DATABASE", "Database Coherence", false)
	src, dst := cfg.Source.Database, cfg.Destination.Database
	if src == nil {
		return check.pass("no database migration planned")
	}
	if dst == nil {
		// Config shape already blocks this; belt and braces for direct calls.
		check.Blocker = true
		return check.fail("source has a database but destination does not").
			remedy("Add destination.database or drop source.database.")
	}
	if src.Name == "" || dst.Name == "" {
		check.Blocker = true
		return check.fail("database name missing on %s", pickEmpty(src.Name, dst.Name)).
			remedy("Set database.name on both endpoints.")
	}
	if src.Engine != dst.Engine {
		return check.warn("cross-engine migration %s -> %s requires schema conversion", src.Engine, dst.Engine).
			remedy("Verify the destination schema after migration or use matching engines.")
	}
	return check.pass("database engines match (%s)", src.Engine)
}

func pickEmpty(src, dst string) string {
	if src == "" {
		return "source"
	}
	_ = dst
	return "destination"
}

// checkDiskSpace verifies the destination mount has headroom. Without a
// stats provider the check degrades to a warning rather than guessing.
func (e *Engine) checkDiskSpace(ctx context.Context, cfg *config.MigrationConfig) Check {
	check := newCheck("DISK_SPACE", "Disk Space", true)
	if cfg.Source.Paths.RootPath == "" {
		return check.pass("no file transfer planned; disk space not checked")
	}
	if e.stats == nil {
		return check.warn("no stats provider configured; disk space not verified")
	}
	stats, err := e.stats.SystemStats(ctx)
	if err != nil {
		return check.warn("could not collect host statistics: %v", err)
	}
	mount := bestMount(stats.Disk, cfg.Destination.Paths.RootPath)
	if mount == nil {
		return check.warn("no mount found for destination path %s", cfg.Destination.Paths.RootPath)
	}
	if mount.Free < e.minFree {
		return check.fail("insufficient space on %s: %d bytes free, %d required",
			mount.Mount, mount.Free, e.minFree).
			remedy("Free disk space on the destination or lower the configured floor.")
	}
	return check.pass("%d bytes free on %s", mount.Free, mount.Mount)
}

// bestMount picks the mount with the longest prefix match on path,
// falling back to the mount with the most free space.
func bestMount(disks []hybrid.DiskStats, path string) *hybrid.DiskStats {
	var best *hybrid.DiskStats
	bestLen := -1
	for i := range disks {
		m := disks[i].Mount
		if m != "" && strings.HasPrefix(path, m) && len(m) > bestLen {
			best = &disks[i]
			bestLen = len(m)
		}
	}
	if best != nil {
		return best
	}
	for i := range disks {
		if best == nil || disks[i].Free > best.Free {
			best = &disks[i]
		}
	}
	return best
}

// checkTransferTuning sanity-checks the transfer knobs. Never a blocker.
func (e *Engine) checkTransferTuning(_ context.Context, cfg *config.MigrationConfig) Check {
	check := newCheck("TRANSFER_TUNING", "Transfer Tuning", false)
	if cfg.Transfer.ParallelTransfers > 32 {
		return check.warn("parallel_transfers=%d is likely to saturate the endpoint; 4-16 is typical",
			cfg.Transfer.ParallelTransfers).
			remedy("Lower transfer.parallel_transfers.")
	}
	if !cfg.Transfer.VerifyChecksums && !cfg.Options.DryRun {
		return check.warn("checksum verification is disabled; transfer corruption would go unnoticed").
			remedy("Enable transfer.verify_checksums.")
	}
	return check.pass("transfer tuning looks sane (parallel=%d)", cfg.Transfer.ParallelTransfers)
}
