package preset

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artemis/web-migrate/internal/config"
	"github.com/artemis/web-migrate/internal/observability"
)

const wordpressPreset = `id: wordpress-local
name: WordPress local copy
description: Copy a WordPress site between paths on this host
config:
  name: wordpress-local
  source:
    kind: web_cms
    host: src.internal
    paths:
      root_path: /var/www/wp
      exclude_paths:
        - wp-content/cache
    database:
      engine: mysql
      host: db.src.internal
      name: wp
  destination:
    kind: web_cms
    host: dst.internal
    paths:
      root_path: /var/www/new
    database:
      engine: mysql
      host: db.dst.internal
      name: wp
  transfer:
    method: local
    parallel_transfers: 2
    verify_checksums: true
    retry_backoff: 2s
  options:
    backup_before: true
    rollback_on_failure: true
`

const staticPreset = `id: static-site
name: Static site copy
config:
  name: static-site
  source:
    kind: static_site
    host: old.internal
    paths:
      root_path: /srv/site
  destination:
    kind: static_site
    host: new.internal
    paths:
      root_path: /srv/site-new
  transfer:
    method: local
`

func writePreset(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func loadCatalog(t *testing.T, dir string) *Catalog {
	t.Helper()
	c, err := Load(dir, observability.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLoadAndList(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "wordpress.yaml", wordpressPreset)
	writePreset(t, dir, "static.yml", staticPreset)
	writePreset(t, dir, "README.md", "not a preset")

	c := loadCatalog(t, dir)
	require.Equal(t, 2, c.Len())

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "static-site", list[0].ID)
	assert.Equal(t, "Static site copy", list[0].Name)
	assert.Equal(t, "wordpress-local", list[1].ID)
	assert.Equal(t, "Copy a WordPress site between paths on this host", list[1].Description)
}

func TestIDDefaultsToFileStem(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "blog-copy.yaml", `config:
  name: blog
  source:
    kind: static_site
    host: a
    paths: {root_path: /srv/a}
  destination:
    kind: static_site
    host: b
    paths: {root_path: /srv/b}
`)

	c := loadCatalog(t, dir)
	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, "blog-copy", list[0].ID)
	assert.Equal(t, "blog-copy", list[0].Name)
}

func TestCreateMigrationConfig(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "wordpress.yaml", wordpressPreset)
	c := loadCatalog(t, dir)

	cfg, err := c.CreateMigrationConfig("wordpress-local", nil)
	require.NoError(t, err)
	assert.Equal(t, "wordpress-local", cfg.Name)
	assert.Equal(t, config.SystemWebCMS, cfg.Source.Kind)
	assert.Equal(t, "/var/www/wp", cfg.Source.Paths.RootPath)
	assert.Equal(t, []string{"wp-content/cache"}, cfg.Source.Paths.ExcludePaths)
	require.NotNil(t, cfg.Source.Database)
	assert.Equal(t, config.DatabaseMySQL, cfg.Source.Database.Engine)
	assert.Equal(t, 2, cfg.Transfer.ParallelTransfers)
	assert.Equal(t, 2*time.Second, cfg.Transfer.RetryBackoff)
	assert.True(t, cfg.Options.BackupBefore)
	// Defaults applied during materialization.
	assert.Equal(t, config.AuthPassword, cfg.Source.Auth.Method)
}

func TestCreateTwiceWithEmptyOverridesIsEqual(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "wordpress.yaml", wordpressPreset)
	c := loadCatalog(t, dir)

	first, err := c.CreateMigrationConfig("wordpress-local", nil)
	require.NoError(t, err)
	second, err := c.CreateMigrationConfig("wordpress-local", map[string]any{})
	require.NoError(t, err)

	assert.Equal(t, *first, *second)
}

func TestOverridesApplied(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "wordpress.yaml", wordpressPreset)
	c := loadCatalog(t, dir)

	cfg, err := c.CreateMigrationConfig("wordpress-local", map[string]any{
		"name": "friday cutover",
		"transfer": map[string]any{
			"parallel_transfers": 8,
			"timeout":            "90s",
		},
		"options": map[string]any{
			"dry_run": true,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "friday cutover", cfg.Name)
	assert.Equal(t, 8, cfg.Transfer.ParallelTransfers)
	assert.Equal(t, 90*time.Second, cfg.Transfer.Timeout)
	assert.True(t, cfg.Options.DryRun)
	// Untouched template fields survive the merge.
	assert.True(t, cfg.Transfer.VerifyChecksums)
	assert.True(t, cfg.Options.BackupBefore)

	// The template itself must not have absorbed the overrides.
	clean, err := c.CreateMigrationConfig("wordpress-local", nil)
	require.NoError(t, err)
	assert.Equal(t, "wordpress-local", clean.Name)
	assert.Equal(t, 2, clean.Transfer.ParallelTransfers)
	assert.False(t, clean.Options.DryRun)
}

func TestUnknownPreset(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "wordpress.yaml", wordpressPreset)
	c := loadCatalog(t, dir)

	_, err := c.CreateMigrationConfig("no-such", nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUnknownOverrideFieldRejected(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "wordpress.yaml", wordpressPreset)
	c := loadCatalog(t, dir)

	_, err := c.CreateMigrationConfig("wordpress-local", map[string]any{"compress": true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")
}

func TestInvalidOverrideRejected(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "wordpress.yaml", wordpressPreset)
	c := loadCatalog(t, dir)

	_, err := c.CreateMigrationConfig("wordpress-local", map[string]any{
		"transfer": map[string]any{"method": "carrier-pigeon"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transfer method")
}

func TestBrokenFileFailsLoad(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "broken.yaml", "id: [unclosed")

	_, err := Load(dir, observability.NewNopLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yaml")
}

func TestInvalidTemplateFailsLoad(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "bad.yaml", `id: bad
config:
  name: bad
  source:
    kind: mainframe
    host: a
    paths: {root_path: /srv/a}
  destination:
    kind: static_site
    host: b
    paths: {root_path: /srv/b}
`)

	_, err := Load(dir, observability.NewNopLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "system kind")
}

func TestDuplicateIDsFailLoad(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "one.yaml", staticPreset)
	writePreset(t, dir, "two.yaml", staticPreset)

	_, err := Load(dir, observability.NewNopLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate preset id")
}

func TestMalformedDurationRejected(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "bad.yaml", `id: bad
config:
  name: bad
  source:
    kind: static_site
    host: a
    paths: {root_path: /srv/a}
  destination:
    kind: static_site
    host: b
    paths: {root_path: /srv/b}
  transfer:
    timeout: soonish
`)

	_, err := Load(dir, observability.NewNopLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transfer.timeout")
}

func TestReloadSwapsCatalog(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "wordpress.yaml", wordpressPreset)
	c := loadCatalog(t, dir)
	require.Equal(t, 1, c.Len())

	writePreset(t, dir, "static.yaml", staticPreset)
	require.NoError(t, c.Reload())
	assert.Equal(t, 2, c.Len())

	// A broken file fails the reload and keeps the previous catalog.
	writePreset(t, dir, "static.yaml", "id: [unclosed")
	require.Error(t, c.Reload())
	assert.Equal(t, 2, c.Len())
	_, err := c.CreateMigrationConfig("static-site", nil)
	assert.NoError(t, err)
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "wordpress.yaml", wordpressPreset)
	c := loadCatalog(t, dir)
	c.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Watch(ctx))

	writePreset(t, dir, "static.yaml", staticPreset)
	require.Eventually(t, func() bool { return c.Len() == 2 }, 5*time.Second, 25*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "static.yaml")))
	require.Eventually(t, func() bool { return c.Len() == 1 }, 5*time.Second, 25*time.Millisecond)
}
