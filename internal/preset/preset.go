// Package preset loads named migration templates from YAML catalog files
// and materializes MigrationConfigs from them. A preset fixes everything
// about a recurring migration shape; callers override individual fields
// at creation time.
package preset

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/artemis/web-migrate/internal/config"
	"github.com/artemis/web-migrate/internal/observability"
)

// ErrNotFound reports a preset id absent from the catalog.
var ErrNotFound = errors.New("preset not found")

// Summary identifies a preset without exposing its template.
type Summary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// catalogFile is the on-disk schema. One preset per file; the id falls
// back to the file name without extension.
type catalogFile struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Config      map[string]any `yaml:"config"`
}

type entry struct {
	Summary
	file     string
	template map[string]any
}

// Catalog holds the presets loaded from a directory of YAML files. All
// methods are safe for concurrent use; Reload swaps the whole preset
// map at once so readers never observe a half-loaded catalog.
type Catalog struct {
	dir string
	log *observability.Logger

	mu      sync.RWMutex
	presets map[string]*entry

	watcher  *fsnotify.Watcher
	reload   chan struct{}
	done     chan struct{}
	debounce time.Duration
	once     sync.Once
}

// Load reads every *.yaml / *.yml file under dir. A single malformed
// file fails the whole load so catalog mistakes surface at startup.
func Load(dir string, log *observability.Logger) (*Catalog, error) {
	c := &Catalog{
		dir:      dir,
		log:      log,
		reload:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		debounce: 500 * time.Millisecond,
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the preset directory and atomically replaces the
// catalog. On error the previous catalog stays in effect.
func (c *Catalog) Reload() error {
	next, err := loadDir(c.dir)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.presets = next
	c.mu.Unlock()
	return nil
}

// Len returns the number of loaded presets.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.presets)
}

// List returns the preset summaries sorted by id.
func (c *Catalog) List() []Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Summary, 0, len(c.presets))
	for _, e := range c.presets {
		out = append(out, e.Summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateMigrationConfig materializes a config from the named preset.
// Overrides merge onto the template: nested maps merge key by key,
// scalars and lists replace. The template itself is never mutated, so
// materializing twice with empty overrides yields equal configs.
func (c *Catalog) CreateMigrationConfig(id string, overrides map[string]any) (*config.MigrationConfig, error) {
	c.mu.RLock()
	e, ok := c.presets[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return materialize(e.template, overrides)
}

func loadDir(dir string) (map[string]*entry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read preset directory: %w", err)
	}
	presets := make(map[string]*entry)
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(f.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		e, err := parseFile(filepath.Join(dir, f.Name()))
		if err != nil {
			return nil, err
		}
		if prev, dup := presets[e.ID]; dup {
			return nil, fmt.Errorf("duplicate preset id %q in %s and %s", e.ID, prev.file, f.Name())
		}
		e.file = f.Name()
		presets[e.ID] = e
	}
	return presets, nil
}

func parseFile(path string) (*entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read preset file: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if f.ID == "" {
		base := filepath.Base(path)
		f.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if f.Name == "" {
		f.Name = f.ID
	}
	if len(f.Config) == 0 {
		return nil, fmt.Errorf("preset %q has no config template", f.ID)
	}
	// Materialize once now so broken templates surface at load time
	// rather than on the first create-migration request.
	if _, err := materialize(f.Config, nil); err != nil {
		return nil, fmt.Errorf("preset %q: %w", f.ID, err)
	}
	return &entry{
		Summary:  Summary{ID: f.ID, Name: f.Name, Description: f.Description},
		template: f.Config,
	}, nil
}

// materialize merges overrides onto the template and decodes the result
// into a MigrationConfig via its JSON field names, so catalog files use
// the same spelling as the HTTP API. Unknown keys are rejected.
func materialize(template, overrides map[string]any) (*config.MigrationConfig, error) {
	merged := mergeMaps(template, overrides)
	if err := normalizeDurations(merged); err != nil {
		return nil, err
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode preset template: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var cfg config.MigrationConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("preset template does not describe a migration config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalizeDurations rewrites human-readable duration strings in the
// transfer section ("30s", "5m") to the nanosecond integers the config
// types carry.
func normalizeDurations(m map[string]any) error {
	tr, ok := m["transfer"].(map[string]any)
	if !ok {
		return nil
	}
	for _, key := range []string{"retry_backoff", "timeout"} {
		s, ok := tr[key].(string)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("transfer.%s: %w", key, err)
		}
		tr[key] = int64(d)
	}
	return nil
}

// mergeMaps deep-copies base and lays override on top.
func mergeMaps(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = copyValue(v)
	}
	for k, v := range override {
		if sub, ok := v.(map[string]any); ok {
			if cur, ok := out[k].(map[string]any); ok {
				out[k] = mergeMaps(cur, sub)
				continue
			}
		}
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return mergeMaps(t, nil)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
