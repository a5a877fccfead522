// Package auth implements the control-plane security layer: password and
// API-key authentication, JWT issuance and validation, scope and tenant
// gating, request rate limiting and the security audit trail.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/artemis/web-migrate/internal/config"
	"github.com/artemis/web-migrate/internal/observability"
)

// Scopes understood by the API. An identity holding ScopeAdmin, or a user
// with RoleAdmin, implicitly satisfies every scope check.
const (
	ScopeMigrationsRead  = "migrations:read"
	ScopeMigrationsWrite = "migrations:write"
	ScopePresetsRead     = "presets:read"
	ScopeReportsRead     = "reports:read"
	ScopeAdmin           = "admin"
)

// AllScopes lists every scope, in the order they are granted to admins.
var AllScopes = []string{
	ScopeMigrationsRead,
	ScopeMigrationsWrite,
	ScopePresetsRead,
	ScopeReportsRead,
	ScopeAdmin,
}

// Role classifies a user account.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleUser   Role = "user"
	RoleViewer Role = "viewer"
)

// ReadScopes is the default grant for viewer accounts seeded without an
// explicit scope list.
var ReadScopes = []string{
	ScopeMigrationsRead,
	ScopePresetsRead,
	ScopeReportsRead,
}

// minBcryptCost is the floor for password hashing. Configured costs below
// it are raised, never lowered.
const minBcryptCost = 12

// Sentinel errors returned by authentication operations. The HTTP layer
// maps each to a 401 with a stable message.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserDisabled       = errors.New("user account disabled")
	ErrTokenInvalid       = errors.New("token invalid")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenRevoked       = errors.New("token revoked")
	ErrAPIKeyUnknown      = errors.New("api key not recognized")
	ErrAPIKeyDisabled     = errors.New("api key disabled")
	ErrAPIKeyExpired      = errors.New("api key expired")
)

// User is a password-authenticated account.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         Role
	TenantID     string
	Scopes       []string
	Disabled     bool
	CreatedAt    time.Time
}

// APIKey is a long-lived machine credential presented via X-API-Key.
type APIKey struct {
	Key       string
	Name      string
	TenantID  string
	Scopes    []string
	ExpiresAt *time.Time
	Disabled  bool
	CreatedAt time.Time
}

// Tenant is an isolation boundary for sessions and identities.
type Tenant struct {
	ID       string
	Name     string
	Settings map[string]string
	Disabled bool
}

// CredentialKind records how an identity authenticated.
type CredentialKind string

const (
	CredentialToken  CredentialKind = "token"
	CredentialAPIKey CredentialKind = "api_key"
)

// Identity is the resolved caller attached to a request after
// authentication. It is immutable once returned.
type Identity struct {
	Kind     CredentialKind
	UserID   string
	Username string
	Role     Role
	TenantID string
	Scopes   []string
	TokenID  string
}

// HasScope reports whether the identity satisfies the required scope.
// Admins and holders of the admin scope satisfy everything.
func (id *Identity) HasScope(scope string) bool {
	if id == nil {
		return false
	}
	if id.Role == RoleAdmin {
		return true
	}
	for _, s := range id.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}
	return false
}

// CanAccessTenant reports whether the identity may touch resources owned
// by tenantID. Admins transcend tenants; everyone else must match.
func (id *Identity) CanAccessTenant(tenantID string) bool {
	if id == nil {
		return false
	}
	if id.Role == RoleAdmin || id.HasScope(ScopeAdmin) {
		return true
	}
	return id.TenantID == tenantID
}

// RateKey is the rate-limiter client identifier for this identity.
func (id *Identity) RateKey() string {
	if id == nil || id.Username == "" {
		return ""
	}
	return "user:" + id.Username
}

// RequestContext carries the network facts of the request being
// authenticated. Used for token binding and the audit trail.
type RequestContext struct {
	IP        string
	UserAgent string
}

// Options configures a Gate.
type Options struct {
	// SecretKey signs and verifies JWTs. Required.
	SecretKey string
	// TokenTTL is the issued-token lifetime. Default 30 minutes.
	TokenTTL time.Duration
	// BcryptCost for password hashing. Raised to 12 when lower.
	BcryptCost int
	// RateLimit is the number of requests admitted per client per window.
	// Default 100.
	RateLimit int
	// RateWindow is the sliding-window width. Default 60s.
	RateWindow time.Duration
	// RateStore overrides the in-memory rate-limit backing store.
	RateStore RateLimitStore
	// AuditCapacity bounds the audit buffer. Default 10000 events.
	AuditCapacity int
	// Now overrides the clock. Test use only.
	Now func() time.Time
}

// Gate owns the identity stores, the token signer and the request-policy
// machinery. One Gate serves the whole process; tests construct fresh ones.
type Gate struct {
	secret []byte
	ttl    time.Duration
	cost   int
	now    func() time.Time

	mu      sync.RWMutex
	users   map[string]*User
	keys    map[string]*APIKey
	tenants map[string]*Tenant

	revokedMu sync.Mutex
	revoked   map[string]time.Time

	limiter *Limiter
	audit   *AuditLog

	log     *observability.Logger
	metrics *observability.Metrics
}

// New constructs a Gate. The secret key is mandatory; everything else
// falls back to production defaults.
func New(opts Options, log *observability.Logger, metrics *observability.Metrics) (*Gate, error) {
	if opts.SecretKey == "" {
		return nil, errors.New("auth: secret key is required")
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 30 * time.Minute
	}
	if opts.BcryptCost < minBcryptCost {
		opts.BcryptCost = minBcryptCost
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 100
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	if opts.AuditCapacity <= 0 {
		opts.AuditCapacity = 10000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	store := opts.RateStore
	if store == nil {
		store = NewMemoryRateLimitStore(opts.Now)
	}
	if log == nil {
		log = observability.NewNopLogger()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}

	return &Gate{
		secret:  []byte(opts.SecretKey),
		ttl:     opts.TokenTTL,
		cost:    opts.BcryptCost,
		now:     opts.Now,
		users:   make(map[string]*User),
		keys:    make(map[string]*APIKey),
		tenants: make(map[string]*Tenant),
		revoked: make(map[string]time.Time),
		limiter: NewLimiter(store, opts.RateLimit, opts.RateWindow),
		audit:   NewAuditLog(opts.AuditCapacity),
		log:     log,
		metrics: metrics,
	}, nil
}

// TokenTTL reports the configured token lifetime.
func (g *Gate) TokenTTL() time.Duration { return g.ttl }

// HashPassword hashes a password at the gate's configured cost.
func (g *Gate) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), g.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// AddUser registers a user, replacing any existing user with the same
// username.
func (g *Gate) AddUser(u *User) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = g.now()
	}
	g.mu.Lock()
	g.users[u.Username] = u
	g.mu.Unlock()
}

// AddAPIKey registers an API key.
func (g *Gate) AddAPIKey(k *APIKey) {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = g.now()
	}
	g.mu.Lock()
	g.keys[k.Key] = k
	g.mu.Unlock()
}

// AddTenant registers a tenant.
func (g *Gate) AddTenant(t *Tenant) {
	g.mu.Lock()
	g.tenants[t.ID] = t
	g.mu.Unlock()
}

// LookupUser returns the user with the given username.
func (g *Gate) LookupUser(username string) (*User, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	u, ok := g.users[username]
	return u, ok
}

// Tenant returns the tenant with the given id.
func (g *Gate) Tenant(id string) (*Tenant, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tenants[id]
	return t, ok
}

// UserCount reports how many users are registered.
func (g *Gate) UserCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.users)
}

// Seed loads declared identities from configuration. Plaintext seed
// passwords are hashed; pre-hashed entries are taken as-is.
func (g *Gate) Seed(users []config.UserSeed, keys []config.APIKeySeed, tenants []config.TenantSeed) error {
	for _, t := range tenants {
		if t.ID == "" {
			return errors.New("auth: tenant seed missing id")
		}
		g.AddTenant(&Tenant{ID: t.ID, Name: t.Name, Settings: t.Settings, Disabled: t.Disabled})
	}
	for _, s := range users {
		if s.Username == "" {
			return errors.New("auth: user seed missing username")
		}
		hash := s.PasswordHash
		if hash == "" {
			if s.Password == "" {
				return fmt.Errorf("auth: user %q has neither password nor password_hash", s.Username)
			}
			h, err := g.HashPassword(s.Password)
			if err != nil {
				return err
			}
			hash = h
		}
		role := RoleUser
		switch {
		case strings.EqualFold(s.Role, string(RoleAdmin)):
			role = RoleAdmin
		case strings.EqualFold(s.Role, string(RoleViewer)):
			role = RoleViewer
		}
		scopes := s.Scopes
		if len(scopes) == 0 {
			switch role {
			case RoleAdmin:
				scopes = append([]string(nil), AllScopes...)
			case RoleViewer:
				scopes = append([]string(nil), ReadScopes...)
			}
		}
		g.AddUser(&User{
			Username:     s.Username,
			PasswordHash: hash,
			Role:         role,
			TenantID:     s.TenantID,
			Scopes:       scopes,
		})
	}
	for _, k := range keys {
		if k.Key == "" {
			return errors.New("auth: api key seed missing key")
		}
		g.AddAPIKey(&APIKey{
			Key:       k.Key,
			Name:      k.Name,
			TenantID:  k.TenantID,
			Scopes:    k.Scopes,
			ExpiresAt: k.ExpiresAt,
			Disabled:  k.Disabled,
		})
	}
	return nil
}

// SeedDefaults creates a bootstrap admin account when no users are
// configured. It returns the generated password so the caller can surface
// it once at startup; the hash is all that is retained.
func (g *Gate) SeedDefaults() (string, error) {
	if g.UserCount() > 0 {
		return "", nil
	}
	raw := make([]byte, 18)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate admin password: %w", err)
	}
	password := hex.EncodeToString(raw)
	hash, err := g.HashPassword(password)
	if err != nil {
		return "", err
	}
	g.AddUser(&User{
		Username:     "admin",
		PasswordHash: hash,
		Role:         RoleAdmin,
		Scopes:       append([]string(nil), AllScopes...),
	})
	return password, nil
}

// Authenticate verifies a username/password pair. Failures and disabled
// accounts are audited; the caller only learns a sentinel error.
func (g *Gate) Authenticate(username, password string, rc RequestContext) (*User, error) {
	user, ok := g.LookupUser(username)
	if !ok {
		// Burn a comparison anyway so unknown and known usernames take
		// comparable time.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$12$invalidinvalidinvalidinvalidinvalidinval"), []byte(password))
		g.recordAudit(AuditLoginFailure, username, rc, map[string]string{"reason": "unknown user"})
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		g.recordAudit(AuditLoginFailure, username, rc, map[string]string{"reason": "bad password"})
		return nil, ErrInvalidCredentials
	}
	if user.Disabled {
		g.recordAudit(AuditDisabledUserAccess, username, rc, nil)
		return nil, ErrUserDisabled
	}
	if user.TenantID != "" {
		if t, ok := g.Tenant(user.TenantID); ok && t.Disabled {
			g.recordAudit(AuditDisabledUserAccess, username, rc, map[string]string{"reason": "tenant disabled"})
			return nil, ErrUserDisabled
		}
	}
	g.recordAudit(AuditLoginSuccess, username, rc, nil)
	return user, nil
}

// ResolveAPIKey authenticates an X-API-Key value into an Identity.
func (g *Gate) ResolveAPIKey(key string, rc RequestContext) (*Identity, error) {
	g.mu.RLock()
	k, ok := g.keys[key]
	g.mu.RUnlock()
	if !ok {
		g.recordAudit(AuditAPIKeyRejected, "", rc, map[string]string{"reason": "unknown key"})
		return nil, ErrAPIKeyUnknown
	}
	if k.Disabled {
		g.recordAudit(AuditAPIKeyRejected, k.Name, rc, map[string]string{"reason": "disabled"})
		return nil, ErrAPIKeyDisabled
	}
	if k.ExpiresAt != nil && g.now().After(*k.ExpiresAt) {
		g.recordAudit(AuditAPIKeyRejected, k.Name, rc, map[string]string{"reason": "expired"})
		return nil, ErrAPIKeyExpired
	}
	return &Identity{
		Kind:     CredentialAPIKey,
		Username: k.Name,
		TenantID: k.TenantID,
		Scopes:   append([]string(nil), k.Scopes...),
	}, nil
}

// CheckRateLimit admits or rejects a request for the given client
// identifier ("user:<name>" or "ip:<addr>"). Rejections are audited.
func (g *Gate) CheckRateLimit(clientID string, rc RequestContext) bool {
	if clientID == "" {
		clientID = "ip:" + rc.IP
	}
	if g.limiter.Allow(clientID) {
		return true
	}
	kind := "ip"
	if strings.HasPrefix(clientID, "user:") {
		kind = "user"
	}
	g.metrics.RecordRateLimitHit(kind)
	g.audit.Append(AuditEvent{
		Timestamp: g.now(),
		EventType: AuditRateLimitExceeded,
		IP:        rc.IP,
		UserAgent: rc.UserAgent,
		Details:   map[string]string{"client_id": clientID},
	})
	g.log.Warn("rate limit exceeded", zap.String("client_id", clientID))
	return false
}

// RateLimit reports the configured per-window request budget.
func (g *Gate) RateLimit() int { return g.limiter.Limit() }

// RateWindow reports the sliding-window width.
func (g *Gate) RateWindow() time.Duration { return g.limiter.Window() }

// AuditEvents returns the most recent audit events, oldest first.
func (g *Gate) AuditEvents(limit int) []AuditEvent {
	return g.audit.Events(limit)
}

// recordAudit appends an audit event and bumps the auth-outcome counter.
func (g *Gate) recordAudit(eventType, userID string, rc RequestContext, details map[string]string) {
	g.audit.Append(AuditEvent{
		Timestamp: g.now(),
		EventType: eventType,
		UserID:    userID,
		IP:        rc.IP,
		UserAgent: rc.UserAgent,
		Details:   details,
	})
	g.metrics.RecordAuthEvent(eventType)
	g.log.Debug("auth event",
		zap.String("event", eventType),
		zap.String("user", userID),
		zap.String("ip", rc.IP))
}

// intersectScopes returns requested ∩ owned, preserving owned order. An
// empty request means "everything the user has".
func intersectScopes(requested, owned []string) []string {
	if len(requested) == 0 {
		return append([]string(nil), owned...)
	}
	want := make(map[string]struct{}, len(requested))
	for _, s := range requested {
		want[s] = struct{}{}
	}
	var out []string
	for _, s := range owned {
		if _, ok := want[s]; ok {
			out = append(out, s)
		}
	}
	return out
}
