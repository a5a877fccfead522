package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/artemis/web-migrate/internal/auth"
	"github.com/artemis/web-migrate/internal/config"
	"github.com/artemis/web-migrate/internal/observability"
	"github.com/artemis/web-migrate/internal/orchestrator"
	"github.com/artemis/web-migrate/internal/perfmon"
	"github.com/artemis/web-migrate/internal/preset"
	"github.com/artemis/web-migrate/internal/progress"
	"github.com/artemis/web-migrate/internal/report"
	"github.com/artemis/web-migrate/internal/session"
)

// fakeClock lets tests move the gate's time forward deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testHash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

// Stub migration engines. The API tests care about HTTP contracts, not
// step mechanics, so every engine succeeds instantly unless told not to.

type stubValidator struct {
	mu      sync.Mutex
	summary session.ValidationSummary
	err     error
}

func (f *stubValidator) Validate(ctx context.Context, cfg *config.MigrationConfig, phase orchestrator.ValidationPhase) (*session.ValidationSummary, error) {
	f.mu.Lock()
	sum := f.summary
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	sum.Phase = string(phase)
	sum.CheckedAt = time.Now()
	return &sum, nil
}

func (f *stubValidator) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type stubBackups struct {
	records []session.BackupRecord
}

func (f *stubBackups) CreateFullSystemBackup(ctx context.Context, cfg *config.MigrationConfig, opts orchestrator.BackupOptions) ([]session.BackupRecord, error) {
	return f.records, nil
}

type stubRollback struct {
	mu       sync.Mutex
	restored []string
}

func (f *stubRollback) Restore(ctx context.Context, rec session.BackupRecord, cfg *config.MigrationConfig) error {
	f.mu.Lock()
	f.restored = append(f.restored, rec.ID)
	f.mu.Unlock()
	return nil
}

func (f *stubRollback) restores() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.restored...)
}

type stubTransfer struct{}

func (f *stubTransfer) TransferFiles(ctx context.Context, src, dst config.SystemConfig, opts orchestrator.TransferOptions) (orchestrator.TransferResult, error) {
	return orchestrator.TransferResult{FilesTransferred: 10, BytesTransferred: 1 << 20, Method: config.TransferLocal}, nil
}

type stubTransferFactory struct{}

func (f *stubTransferFactory) Create(method config.TransferMethod, tc config.TransferConfig) (orchestrator.TransferMethod, error) {
	return &stubTransfer{}, nil
}

type stubMigrator struct{}

func (f *stubMigrator) Migrate(ctx context.Context) (orchestrator.DatabaseResult, error) {
	return orchestrator.DatabaseResult{Status: "completed", RecordsMigrated: 512}, nil
}

type stubDBFactory struct{}

func (f *stubDBFactory) Create(src, dst *config.DatabaseConfig, opts orchestrator.MigrateOptions) (orchestrator.DatabaseMigrator, error) {
	return &stubMigrator{}, nil
}

const presetYAML = `id: wordpress-standard
name: WordPress standard move
description: Copy a WordPress site and its MySQL database to a new host
config:
  name: wordpress migration
  source:
    kind: web_cms
    host: src.example.com
    auth:
      method: ssh_key
      username: deploy
    paths:
      root_path: /var/www/site
    database:
      engine: mysql
      host: db.src.example.com
      name: app
  destination:
    kind: web_framework
    host: dst.example.com
    auth:
      method: ssh_key
      username: deploy
    paths:
      root_path: /srv/site
    database:
      engine: mysql
      host: db.dst.example.com
      name: app
  transfer:
    method: local
  options:
    backup_before: true
    rollback_on_failure: true
`

type testEnv struct {
	clock     *fakeClock
	gate      *auth.Gate
	store     *session.Store
	orch      *orchestrator.Orchestrator
	validator *stubValidator
	rollback  *stubRollback
	srv       *Server
}

// newTestEnv wires a server over an in-memory store, stub migration
// engines, a one-preset catalog and a seeded gate. Zero-value overrides
// keep the gate defaults except the mandatory secret and the fake clock.
func newTestEnv(t *testing.T, opts auth.Options) *testEnv {
	t.Helper()

	log := observability.NewNopLogger()
	metrics := observability.NewMetrics()

	clock := newFakeClock()
	if opts.SecretKey == "" {
		opts.SecretKey = "server-test-secret"
	}
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	gate, err := auth.New(opts, log, metrics)
	require.NoError(t, err)

	gate.AddTenant(&auth.Tenant{ID: "acme", Name: "Acme Corp"})
	gate.AddTenant(&auth.Tenant{ID: "globex", Name: "Globex"})
	gate.AddUser(&auth.User{
		Username:     "root",
		PasswordHash: testHash(t, "r00t"),
		Role:         auth.RoleAdmin,
		Scopes:       auth.AllScopes,
	})
	gate.AddUser(&auth.User{
		Username:     "alice",
		PasswordHash: testHash(t, "s3cret"),
		Role:         auth.RoleUser,
		TenantID:     "acme",
		Scopes: []string{
			auth.ScopeMigrationsRead, auth.ScopeMigrationsWrite,
			auth.ScopePresetsRead, auth.ScopeReportsRead,
		},
	})
	gate.AddUser(&auth.User{
		Username:     "bob",
		PasswordHash: testHash(t, "hunter2"),
		Role:         auth.RoleUser,
		TenantID:     "globex",
		Scopes:       []string{auth.ScopeMigrationsRead, auth.ScopeMigrationsWrite},
	})
	gate.AddAPIKey(&auth.APIKey{Key: "key-ci", Name: "ci", TenantID: "acme", Scopes: []string{auth.ScopeMigrationsRead}})
	gate.AddAPIKey(&auth.APIKey{Key: "key-dead", Name: "retired", Disabled: true})

	store := session.NewStore()
	tracker := progress.NewTracker(log, metrics)
	monitor := perfmon.NewMonitor(perfmon.Config{}, log, metrics)
	validator := &stubValidator{summary: session.ValidationSummary{CanProceed: true, TotalChecks: 8, Passed: 8}}
	rollback := &stubRollback{}

	orch := orchestrator.New(orchestrator.Deps{
		Store:     store,
		Tracker:   tracker,
		Monitor:   monitor,
		Validator: validator,
		Backups: &stubBackups{records: []session.BackupRecord{
			{ID: "bk-files", Type: session.BackupFiles, SizeBytes: 2048, Location: "/backups/files.tar.gz"},
			{ID: "bk-db", Type: session.BackupDatabase, SizeBytes: 1024, Location: "/backups/db.sql.gz"},
		}},
		Rollback:  rollback,
		Transfers: &stubTransferFactory{},
		Databases: &stubDBFactory{},
		Log:       log,
		Metrics:   metrics,
	})

	presetDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(presetDir, "wordpress-standard.yaml"), []byte(presetYAML), 0o644))
	catalog, err := preset.Load(presetDir, log)
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })

	reports := report.NewGenerator(report.Options{Dir: t.TempDir()}, log, metrics)

	srv := NewServer(Deps{
		Config:       &config.Config{HTTPAddr: "127.0.0.1:0", LogLevel: "info"},
		Store:        store,
		Orchestrator: orch,
		Tracker:      tracker,
		Monitor:      monitor,
		Validator:    validator,
		Presets:      catalog,
		Reports:      reports,
		Gate:         gate,
		Log:          log,
		Metrics:      metrics,
	})
	t.Cleanup(func() { orch.Wait() })

	return &testEnv{
		clock:     clock,
		gate:      gate,
		store:     store,
		orch:      orch,
		validator: validator,
		rollback:  rollback,
		srv:       srv,
	}
}

func (e *testEnv) request(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.srv.GetRouter().ServeHTTP(w, req)
	return w
}

// token logs a user in and returns the raw JWT.
func (e *testEnv) token(t *testing.T, username, password string) string {
	t.Helper()
	w := e.request(t, http.MethodPost, "/auth/token", gin.H{"username": username, "password": password}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	return resp.AccessToken
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func apiKey(key string) map[string]string {
	return map[string]string{"X-API-Key": key}
}

// decodeError unwraps the error envelope every failure response carries.
func decodeError(t *testing.T, w *httptest.ResponseRecorder) apiError {
	t.Helper()
	var resp struct {
		Error apiError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp.Error
}

func migrationConfig(name, tenant string) *config.MigrationConfig {
	return &config.MigrationConfig{
		Name: name,
		Source: config.SystemConfig{
			Kind: config.SystemWebCMS,
			Host: "src.example.com",
			Auth: config.AuthConfig{Method: config.AuthSSHKey, Username: "deploy", Password: "topsecret"},
			Paths: config.PathConfig{
				RootPath:     "/var/www/site",
				ExcludePaths: []string{"cache/"},
			},
			Database: &config.DatabaseConfig{Engine: config.DatabaseMySQL, Host: "db.src.example.com", Name: "app", Password: "dbpw"},
		},
		Destination: config.SystemConfig{
			Kind:     config.SystemWebFramework,
			Host:     "dst.example.com",
			Auth:     config.AuthConfig{Method: config.AuthSSHKey, Username: "deploy"},
			Paths:    config.PathConfig{RootPath: "/srv/site"},
			Database: &config.DatabaseConfig{Engine: config.DatabaseMySQL, Host: "db.dst.example.com", Name: "app"},
		},
		Transfer: config.TransferConfig{Method: config.TransferLocal, ParallelTransfers: 2},
		Options: config.MigrationOptions{
			BackupBefore:      true,
			RollbackOnFailure: true,
		},
		TenantID: tenant,
	}
}

// createMigration registers a session through the API and returns its id.
func (e *testEnv) createMigration(t *testing.T, headers map[string]string, cfg *config.MigrationConfig) string {
	t.Helper()
	w := e.request(t, http.MethodPost, "/migrations", cfg, headers)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		ID     string                `json:"id"`
		Status session.SessionStatus `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	require.Equal(t, session.SessionStatusPending, resp.Status)
	return resp.ID
}

func TestProbesAreOpen(t *testing.T) {
	e := newTestEnv(t, auth.Options{})

	w := e.request(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	w = e.request(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.request(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateTokenFlow(t *testing.T) {
	e := newTestEnv(t, auth.Options{})

	w := e.request(t, http.MethodPost, "/auth/token", gin.H{"username": "alice", "password": "wrong"}, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	env := decodeError(t, w)
	assert.Equal(t, http.StatusUnauthorized, env.Code)
	assert.Equal(t, "Invalid username or password", env.Message)
	assert.Equal(t, "http_error", env.Type)

	w = e.request(t, http.MethodPost, "/auth/token", gin.H{"username": "alice", "password": "s3cret"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		AccessToken string   `json:"access_token"`
		TokenType   string   `json:"token_type"`
		ExpiresIn   int      `json:"expires_in"`
		Scopes      []string `json:"scopes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, "bearer", resp.TokenType)
	assert.Equal(t, int((30 * time.Minute).Seconds()), resp.ExpiresIn)
	assert.Contains(t, resp.Scopes, auth.ScopeMigrationsWrite)

	w = e.request(t, http.MethodGet, "/auth/me", nil, bearer(resp.AccessToken))
	require.Equal(t, http.StatusOK, w.Code)
	var me struct {
		Username string `json:"username"`
		TenantID string `json:"tenant_id"`
		AuthKind string `json:"auth_kind"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &me))
	assert.Equal(t, "alice", me.Username)
	assert.Equal(t, "acme", me.TenantID)
	assert.Equal(t, string(auth.CredentialToken), me.AuthKind)
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t, auth.Options{})

	w := e.request(t, http.MethodGet, "/migrations", nil, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	env := decodeError(t, w)
	assert.Equal(t, "Authentication required", env.Message)
	assert.Equal(t, "http_error", env.Type)
}

func TestExpiredTokenRejected(t *testing.T) {
	e := newTestEnv(t, auth.Options{TokenTTL: 30 * time.Minute})
	token := e.token(t, "alice", "s3cret")

	e.clock.Advance(31 * time.Minute)
	w := e.request(t, http.MethodGet, "/migrations", nil, bearer(token))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Token expired", decodeError(t, w).Message)
}

func TestAPIKeyAuth(t *testing.T) {
	e := newTestEnv(t, auth.Options{})

	w := e.request(t, http.MethodGet, "/migrations", nil, apiKey("key-ci"))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.request(t, http.MethodGet, "/migrations", nil, apiKey("key-dead"))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "API key disabled", decodeError(t, w).Message)

	w = e.request(t, http.MethodGet, "/migrations", nil, apiKey("key-bogus"))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid API key", decodeError(t, w).Message)
}

func TestBearerTokenWinsOverAPIKey(t *testing.T) {
	e := newTestEnv(t, auth.Options{})

	// A broken bearer token must not fall through to the valid API key.
	headers := map[string]string{
		"Authorization": "Bearer not-a-jwt",
		"X-API-Key":     "key-ci",
	}
	w := e.request(t, http.MethodGet, "/migrations", nil, headers)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid token", decodeError(t, w).Message)
}

func TestScopeEnforcement(t *testing.T) {
	e := newTestEnv(t, auth.Options{})

	// key-ci only holds migrations:read.
	w := e.request(t, http.MethodPost, "/migrations", migrationConfig("blocked", "acme"), apiKey("key-ci"))
	require.Equal(t, http.StatusForbidden, w.Code)
	env := decodeError(t, w)
	assert.Equal(t, "Insufficient permissions", env.Message)
	assert.Equal(t, auth.ScopeMigrationsWrite, env.Details["required_scope"])

	w = e.request(t, http.MethodGet, "/reports", nil, apiKey("key-ci"))
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, auth.ScopeReportsRead, decodeError(t, w).Details["required_scope"])
}

func TestCreateMigrationRejectsBadConfig(t *testing.T) {
	e := newTestEnv(t, auth.Options{})
	token := e.token(t, "alice", "s3cret")

	w := e.request(t, http.MethodPost, "/migrations", gin.H{"source": gin.H{"kind": "web_cms"}}, bearer(token))
	require.Equal(t, http.StatusBadRequest, w.Code)
	env := decodeError(t, w)
	assert.Contains(t, env.Message, "name is required")
	assert.Equal(t, "http_error", env.Type)
}

func TestTenantOwnershipForcedOnCreate(t *testing.T) {
	e := newTestEnv(t, auth.Options{})
	alice := e.token(t, "alice", "s3cret")

	// alice claims globex; the server pins the session to her tenant.
	id := e.createMigration(t, bearer(alice), migrationConfig("cross-tenant attempt", "globex"))

	snap, err := e.store.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, "acme", snap.Config.TenantID)
	assert.Equal(t, "alice", snap.Config.CreatedBy)
}

func TestAdminKeepsRequestedTenant(t *testing.T) {
	e := newTestEnv(t, auth.Options{})
	root := e.token(t, "root", "r00t")

	id := e.createMigration(t, bearer(root), migrationConfig("globex move", "globex"))

	snap, err := e.store.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, "globex", snap.Config.TenantID)
}

func TestTenantIsolation(t *testing.T) {
	e := newTestEnv(t, auth.Options{})
	alice := e.token(t, "alice", "s3cret")
	bob := e.token(t, "bob", "hunter2")
	root := e.token(t, "root", "r00t")

	id := e.createMigration(t, bearer(alice), migrationConfig("acme move", "acme"))

	// Cross-tenant reads look like a missing session, not a forbidden one.
	w := e.request(t, http.MethodGet, "/migrations/"+id+"/status", nil, bearer(bob))
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, session.ErrNotFound.Error(), decodeError(t, w).Message)

	w = e.request(t, http.MethodPost, "/migrations/"+id+"/start", nil, bearer(bob))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.request(t, http.MethodGet, "/migrations/"+id+"/status", nil, bearer(root))
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.request(t, http.MethodGet, "/migrations/"+id+"/status", nil, bearer(alice))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListMigrationsScopedByTenant(t *testing.T) {
	e := newTestEnv(t, auth.Options{})
	alice := e.token(t, "alice", "s3cret")
	bob := e.token(t, "bob", "hunter2")
	root := e.token(t, "root", "r00t")

	e.createMigration(t, bearer(alice), migrationConfig("acme one", "acme"))
	e.createMigration(t, bearer(alice), migrationConfig("acme two", "acme"))
	e.createMigration(t, bearer(bob), migrationConfig("globex one", "globex"))

	var list struct {
		Count      int `json:"count"`
		Migrations []struct {
			TenantID string `json:"tenant_id"`
		} `json:"migrations"`
	}

	w := e.request(t, http.MethodGet, "/migrations", nil, bearer(alice))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Count)
	for _, m := range list.Migrations {
		assert.Equal(t, "acme", m.TenantID)
	}

	w = e.request(t, http.MethodGet, "/migrations", nil, bearer(bob))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	w = e.request(t, http.MethodGet, "/migrations", nil, bearer(root))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 3, list.Count)
}

func TestStatusRedactsCredentials(t *testing.T) {
	e := newTestEnv(t, auth.Options{})
	alice := e.token(t, "alice", "s3cret")

	id := e.createMigration(t, bearer(alice), migrationConfig("secret move", "acme"))

	w := e.request(t, http.MethodGet, "/migrations/"+id+"/status", nil, bearer(alice))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.NotContains(t, body, "topsecret")
	assert.NotContains(t, body, "dbpw")
	assert.Contains(t, body, "***REDACTED***")

	// The stored session keeps the real credentials for the engines.
	snap, err := e.store.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, "topsecret", snap.Config.Source.Auth.Password)
}

func TestStartMigrationLifecycle(t *testing.T) {
	e := newTestEnv(t, auth.Options{})
	alice := e.token(t, "alice", "s3cret")

	id := e.createMigration(t, bearer(alice), migrationConfig("prod cutover", "acme"))

	w := e.request(t, http.MethodPost, "/migrations/"+id+"/start", nil, bearer(alice))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "scheduled")

	require.Eventually(t, func() bool {
		snap, err := e.store.Snapshot(id)
		return err == nil && snap.Status == session.SessionStatusCompleted
	}, 5*time.Second, 10*time.Millisecond, "migration never completed")

	// A finished session cannot start again.
	w = e.request(t, http.MethodPost, "/migrations/"+id+"/start", nil, bearer(alice))
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "http_error", decodeError(t, w).Type)

	w = e.request(t, http.MethodGet, "/migrations/"+id+"/status", nil, bearer(alice))
	require.Equal(t, http.StatusOK, w.Code)
	var status struct {
		Session struct {
			Status  session.SessionStatus    `json:"status"`
			Backups []session.BackupRecord   `json:"backups"`
			Steps   []*session.MigrationStep `json:"steps"`
		} `json:"session"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, session.SessionStatusCompleted, status.Session.Status)
	assert.Len(t, status.Session.Backups, 2)
	assert.NotEmpty(t, status.Session.Steps)
}

func TestCancelPendingThenDelete(t *testing.T) {
	e := newTestEnv(t, auth.Options{})
	alice := e.token(t, "alice", "s3cret")

	id := e.createMigration(t, bearer(alice), migrationConfig("to cancel", "acme"))

	w := e.request(t, http.MethodPost, "/migrations/"+id+"/cancel", nil, bearer(alice))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Status session.SessionStatus `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, session.SessionStatusCancelled, resp.Status)

	w = e.request(t, http.MethodDelete, "/migrations/"+id, nil, bearer(alice))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = e.request(t, http.MethodGet, "/migrations/"+id+"/status", nil, bearer(alice))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteLiveSessionConflicts(t *testing.T) {
	e := newTestEnv(t, auth.Options{})
	alice := e.token(t, "alice", "s3cret")

	id := e.createMigration(t, bearer(alice), migrationConfig("still pending", "acme"))

	w := e.request(t, http.MethodDelete, "/migrations/"+id, nil, bearer(alice))
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, session.ErrInvalidState.Error(), decodeError(t, w).Message)
}

func TestRollbackFlow(t *testing.T) {
	e := newTestEnv(t, auth.Options{})
	alice := e.token(t, "alice", "s3cret")

	id := e.createMigration(t, bearer(alice), migrationConfig("to roll back", "acme"))

	// Fail the session with backups on record, as a crashed run would.
	require.NoError(t, e.store.Mutate(id, func(s *session.MigrationSession) error {
		s.Status = session.SessionStatusFailed
		s.Backups = []session.BackupRecord{
			{ID: "bk-files", Type: session.BackupFiles, Location: "/backups/files.tar.gz"},
			{ID: "bk-db", Type: session.BackupDatabase, Location: "/backups/db.sql.gz"},
		}
		return nil
	}))

	w := e.request(t, http.MethodPost, "/migrations/"+id+"/rollback", nil, bearer(alice))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Status  session.SessionStatus `json:"status"`
		Backups int                   `json:"backups"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, session.SessionStatusRolledBack, resp.Status)
	assert.Equal(t, 2, resp.Backups)
	assert.Equal(t, []string{"bk-db", "bk-files"}, e.rollback.restores(), "backups restore newest first")

	// Rolling back twice is a no-op, not an error.
	w = e.request(t, http.MethodPost, "/migrations/"+id+"/rollback", nil, bearer(alice))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, e.rollback.restores(), 2)
}

func TestRollbackRequiresFailedOrCancelled(t *testing.T) {
	e := newTestEnv(t, auth.Options{})
	alice := e.token(t, "alice", "s3cret")

	id := e.createMigration(t, bearer(alice), migrationConfig("never ran", "acme"))

	w := e.request(t, http.MethodPost, "/migrations/"+id+"/rollback", nil, bearer(alice))
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, decodeError(t, w).Message, "cannot roll back")
}

func TestRateLimitExceeded(t *testing.T) {
	e := newTestEnv(t, auth.Options{RateLimit: 3, RateWindow: time.Minute})
	alice := e.token(t, "alice", "s3cret")

	for i := 0; i < 3; i++ {
		w := e.request(t, http.MethodGet, "/migrations", nil, bearer(alice))
		require.Equal(t, http.StatusOK, w.Code, "request %d should pass", i+1)
	}

	w := e.request(t, http.MethodGet, "/migrations", nil, bearer(alice))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	env := decodeError(t, w)
	assert.Equal(t, "Rate limit exceeded", env.Message)
	assert.Equal(t, "http_error", env.Type)

	events := e.gate.AuditEvents(1)
	require.Len(t, events, 1)
	assert.Equal(t, auth.AuditRateLimitExceeded, events[0].EventType)
	assert.Equal(t, "user:alice", events[0].Details["client_id"])
}

func TestValidateEndpoint(t *testing.T) {
	e := newTestEnv(t, auth.Options{})
	alice := e.token(t, "alice", "s3cret")

	w := e.request(t, http.MethodPost, "/validate", migrationConfig("dry check", "acme"), bearer(alice))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var summary session.ValidationSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.True(t, summary.CanProceed)
	assert.Equal(t, "pre", summary.Phase)
	assert.Equal(t, 8, summary.TotalChecks)

	// Engine failures surface as server errors, not silent passes.
	e.validator.fail(fmt.Errorf("source unreachable"))
	w = e.request(t, http.MethodPost, "/validate", migrationConfig("dry check", "acme"), bearer(alice))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	env := decodeError(t, w)
	assert.Equal(t, "server_error", env.Type)
	assert.Contains(t, env.Message, "source unreachable")
}

func TestPresetEndpoints(t *testing.T) {
	e := newTestEnv(t, auth.Options{})
	alice := e.token(t, "alice", "s3cret")

	w := e.request(t, http.MethodGet, "/presets", nil, bearer(alice))
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count   int              `json:"count"`
		Presets []preset.Summary `json:"presets"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "wordpress-standard", list.Presets[0].ID)

	w = e.request(t, http.MethodPost, "/presets/wordpress-standard/create-migration",
		gin.H{"overrides": gin.H{"name": "acme wp move"}}, bearer(alice))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	snap, err := e.store.Snapshot(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme wp move", snap.Config.Name)
	assert.Equal(t, "acme", snap.Config.TenantID, "preset sessions inherit the caller's tenant")

	w = e.request(t, http.MethodPost, "/presets/no-such/create-migration", nil, bearer(alice))
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, decodeError(t, w).Message, "preset not found")

	w = e.request(t, http.MethodPost, "/presets/wordpress-standard/create-migration",
		gin.H{"overrides": gin.H{"bogus_field": true}}, bearer(alice))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReportEndpoints(t *testing.T) {
	e := newTestEnv(t, auth.Options{})
	alice := e.token(t, "alice", "s3cret")

	id := e.createMigration(t, bearer(alice), migrationConfig("reported", "acme"))
	require.NoError(t, e.store.Mutate(id, func(s *session.MigrationSession) error {
		now := time.Now()
		s.Status = session.SessionStatusCompleted
		s.StartedAt = &now
		s.EndedAt = &now
		return nil
	}))

	w := e.request(t, http.MethodPost, "/migrations/"+id+"/reports",
		gin.H{"kind": "summary", "format": "json"}, bearer(alice))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var info report.Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, report.KindSummary, info.Kind)
	assert.Equal(t, report.FormatJSON, info.Format)
	assert.NotEmpty(t, info.Path)

	w = e.request(t, http.MethodGet, "/reports", nil, bearer(alice))
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	w = e.request(t, http.MethodPost, "/migrations/"+id+"/reports",
		gin.H{"kind": "horoscope"}, bearer(alice))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeError(t, w).Message, "unknown report kind")

	// No validation ran for this session, so a validation report is a 409.
	w = e.request(t, http.MethodPost, "/migrations/"+id+"/reports",
		gin.H{"kind": "validation"}, bearer(alice))
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestErrorEnvelopeShape(t *testing.T) {
	e := newTestEnv(t, auth.Options{})
	root := e.token(t, "root", "r00t")

	w := e.request(t, http.MethodGet, "/migrations/no-such-id/status", nil, bearer(root))
	require.Equal(t, http.StatusNotFound, w.Code)

	var resp map[string]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	env, ok := resp["error"]
	require.True(t, ok, "body must nest under error: %s", w.Body.String())
	assert.Equal(t, float64(http.StatusNotFound), env["code"])
	assert.Equal(t, "session not found", env["message"])
	assert.Equal(t, "http_error", env["type"])
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t, auth.Options{})

	req := httptest.NewRequest(http.MethodOptions, "/migrations", nil)
	req.Header.Set("Origin", "https://console.example.com")
	w := httptest.NewRecorder()
	e.srv.GetRouter().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")
}

// dialEvents connects to the event feed over a real listener using the
// query-parameter token fallback.
func dialEvents(t *testing.T, baseURL, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws/events?access_token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEvent reads one frame and decodes its first event.
func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	first := bytes.SplitN(frame, []byte{'\n'}, 2)[0]
	var ev map[string]any
	require.NoError(t, json.Unmarshal(first, &ev))
	return ev
}

func (e *testEnv) waitForClients(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		e.srv.hub.mu.RLock()
		defer e.srv.hub.mu.RUnlock()
		return len(e.srv.hub.clients) == n
	}, time.Second, 10*time.Millisecond, "event feed clients never reached %d", n)
}

func TestEventFeedFiltersByTenant(t *testing.T) {
	e := newTestEnv(t, auth.Options{})
	go e.srv.hub.Run()
	t.Cleanup(e.srv.hub.Stop)

	ts := httptest.NewServer(e.srv.GetRouter())
	t.Cleanup(ts.Close)

	acmeSess, err := e.store.Create(migrationConfig("acme move", "acme"))
	require.NoError(t, err)
	globexSess, err := e.store.Create(migrationConfig("globex move", "globex"))
	require.NoError(t, err)

	conn := dialEvents(t, ts.URL, e.token(t, "alice", "s3cret"))
	e.waitForClients(t, 1)

	// The globex event must never reach alice; the acme one must.
	e.srv.hub.BroadcastEvent("progress", globexSess.ID, gin.H{"session_id": globexSess.ID})
	e.srv.hub.BroadcastEvent("progress", acmeSess.ID, gin.H{"session_id": acmeSess.ID})

	ev := readEvent(t, conn)
	assert.Equal(t, "progress", ev["type"])
	data, ok := ev["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, acmeSess.ID, data["session_id"])

	// Global events (no session) reach every subscriber.
	e.srv.hub.BroadcastEvent("alert", "", gin.H{"metric": "cpu_percent"})
	ev = readEvent(t, conn)
	assert.Equal(t, "alert", ev["type"])
}

func TestEventFeedRequiresAuth(t *testing.T) {
	e := newTestEnv(t, auth.Options{})
	go e.srv.hub.Run()
	t.Cleanup(e.srv.hub.Stop)

	ts := httptest.NewServer(e.srv.GetRouter())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
