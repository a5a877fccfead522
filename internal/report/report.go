// Package report renders migration session state into persisted report
// documents. Four kinds (validation, summary, error, performance) times
// four formats (json, html, md, txt), written under one output directory
// with deterministic names.
package report

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/artemis/web-migrate/internal/observability"
	"github.com/artemis/web-migrate/internal/perfmon"
	"github.com/artemis/web-migrate/internal/session"
)

// Kind selects what a report is about.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindSummary     Kind = "summary"
	KindError       Kind = "error"
	KindPerformance Kind = "performance"
)

// Valid reports whether the kind is a known variant
func (k Kind) Valid() bool {
	switch k {
	case KindValidation, KindSummary, KindError, KindPerformance:
		return true
	}
	return false
}

// Format selects the serialization. The value doubles as the file
// extension.
type Format string

const (
	FormatJSON     Format = "json"
	FormatHTML     Format = "html"
	FormatMarkdown Format = "md"
	FormatText     Format = "txt"
)

// Valid reports whether the format is a known variant
func (f Format) Valid() bool {
	switch f {
	case FormatJSON, FormatHTML, FormatMarkdown, FormatText:
		return true
	}
	return false
}

// Section severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Table is a rowset inside a section. The html, md and txt renderers
// draw it as a real table; json keeps the structure.
type Table struct {
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// Section is one titled block of a report.
type Section struct {
	Title    string         `json:"title"`
	Severity string         `json:"severity"`
	Content  map[string]any `json:"content"`
}

// Report is the format-independent document.
type Report struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Title       string    `json:"title"`
	SessionID   string    `json:"session_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Sections    []Section `json:"sections"`
}

// Info describes one persisted report file.
type Info struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	Title       string         `json:"title"`
	GeneratedAt time.Time      `json:"generated_at"`
	Format      Format         `json:"format"`
	Path        string         `json:"path"`
	Size        int64          `json:"size"`
	Summary     map[string]any `json:"summary,omitempty"`
}

// Options configures a Generator.
type Options struct {
	// Dir is the output directory, created 0755 on first use.
	Dir string
	// Now overrides the clock. Test use.
	Now func() time.Time
}

// Generator renders and persists reports and remembers their Info until
// retention forgets them. Safe for concurrent use.
type Generator struct {
	dir     string
	now     func() time.Time
	log     *observability.Logger
	metrics *observability.Metrics

	mu    sync.Mutex
	infos map[string]Info
}

// NewGenerator creates a Generator writing beneath opts.Dir.
func NewGenerator(opts Options, log *observability.Logger, metrics *observability.Metrics) *Generator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Generator{
		dir:     opts.Dir,
		now:     now,
		log:     log,
		metrics: metrics,
		infos:   make(map[string]Info),
	}
}

// Dir returns the output directory.
func (g *Generator) Dir() string {
	return g.dir
}

// Validation renders the validation stage's verdict on the session.
func (g *Generator) Validation(sess *session.MigrationSession, format Format) (Info, error) {
	if sess.Validation == nil {
		return Info{}, errors.New("session has no validation summary")
	}
	sections, summary := buildValidation(sess)
	return g.emit(KindValidation, "Migration Validation Report", sess, sections, summary, format)
}

// Summary renders the end-to-end session overview.
func (g *Generator) Summary(sess *session.MigrationSession, format Format) (Info, error) {
	sections, summary := buildSummary(sess)
	return g.emit(KindSummary, "Migration Summary Report", sess, sections, summary, format)
}

// Error renders the failure analysis for the session. Generating it for
// a session without a recorded error is allowed and says so.
func (g *Generator) Error(sess *session.MigrationSession, format Format) (Info, error) {
	sections, summary := buildError(sess)
	return g.emit(KindError, "Migration Error Report", sess, sections, summary, format)
}

// Performance renders the monitor summary collected for the session.
func (g *Generator) Performance(sess *session.MigrationSession, perf perfmon.Summary, format Format) (Info, error) {
	sections, summary := buildPerformance(perf)
	return g.emit(KindPerformance, "Migration Performance Report", sess, sections, summary, format)
}

// Generate dispatches by kind. The performance kind uses perf.
func (g *Generator) Generate(kind Kind, sess *session.MigrationSession, perf perfmon.Summary, format Format) (Info, error) {
	switch kind {
	case KindValidation:
		return g.Validation(sess, format)
	case KindSummary:
		return g.Summary(sess, format)
	case KindError:
		return g.Error(sess, format)
	case KindPerformance:
		return g.Performance(sess, perf, format)
	}
	return Info{}, fmt.Errorf("unknown report kind %q", kind)
}

// List returns the remembered report infos, newest first.
func (g *Generator) List() []Info {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Info, 0, len(g.infos))
	for _, info := range g.infos {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].GeneratedAt.Equal(out[j].GeneratedAt) {
			return out[i].GeneratedAt.After(out[j].GeneratedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (g *Generator) emit(kind Kind, title string, sess *session.MigrationSession, sections []Section, summary map[string]any, format Format) (Info, error) {
	if !format.Valid() {
		return Info{}, fmt.Errorf("unknown report format %q", format)
	}
	if sess.Config != nil && sess.Config.Name != "" {
		title = title + ": " + sess.Config.Name
	}
	rep := &Report{
		ID:          uuid.NewString(),
		Kind:        kind,
		Title:       title,
		SessionID:   sess.ID,
		GeneratedAt: g.now().UTC(),
		Sections:    sections,
	}
	data, err := render(rep, format)
	if err != nil {
		return Info{}, err
	}
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return Info{}, fmt.Errorf("create report directory: %w", err)
	}
	name := fmt.Sprintf("%s_%s_%s.%s", kind, sess.ID, rep.GeneratedAt.Format("20060102_150405"), format)
	path := filepath.Join(g.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Info{}, fmt.Errorf("write report: %w", err)
	}

	info := Info{
		ID:          rep.ID,
		Kind:        kind,
		Title:       title,
		GeneratedAt: rep.GeneratedAt,
		Format:      format,
		Path:        path,
		Size:        int64(len(data)),
		Summary:     summary,
	}
	g.mu.Lock()
	g.infos[info.ID] = info
	g.mu.Unlock()

	g.metrics.RecordReport(string(kind), string(format))
	g.log.Info("report generated",
		zap.String("kind", string(kind)),
		zap.String("format", string(format)),
		zap.String("session_id", sess.ID),
		zap.String("path", path))
	return info, nil
}

// reportFile matches files this generator owns; cleanup never touches
// anything else in the directory.
var reportFile = regexp.MustCompile(`^(validation|summary|error|performance)_.+_\d{8}_\d{6}\.(json|html|md|txt)$`)

// CleanupOldReports deletes report files whose modification time is more
// than days ago and forgets their Info. It returns how many files were
// removed.
func (g *Generator) CleanupOldReports(days int) (int, error) {
	cutoff := g.now().UTC().AddDate(0, 0, -days)
	entries, err := os.ReadDir(g.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read report directory: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !reportFile.MatchString(e.Name()) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if !fi.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(g.dir, e.Name())); err != nil {
			g.log.Warn("remove old report", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		removed++
	}

	g.mu.Lock()
	for id, info := range g.infos {
		if info.GeneratedAt.Before(cutoff) {
			delete(g.infos, id)
		}
	}
	g.mu.Unlock()

	if removed > 0 {
		g.log.Info("old reports removed", zap.Int("count", removed), zap.Int("days", days))
	}
	return removed, nil
}
