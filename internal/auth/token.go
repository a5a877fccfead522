package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Claims is the JWT payload issued by the gate. Tokens are bound to the
// issuing request's network context; drift is audited on validation but
// never rejected.
type Claims struct {
	TenantID      string   `json:"tenant_id,omitempty"`
	Scopes        []string `json:"scopes"`
	IPAddress     string   `json:"ip_address,omitempty"`
	UserAgentHash string   `json:"user_agent_hash,omitempty"`
	jwt.RegisteredClaims
}

// HashUserAgent derives the short fingerprint stored in token claims:
// the first 16 hex characters of SHA-256 over the User-Agent string.
func HashUserAgent(ua string) string {
	if ua == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ua))
	return hex.EncodeToString(sum[:])[:16]
}

// IssueToken signs a token for the user. The granted scopes are the
// intersection of the requested scopes with the user's; an empty request
// grants everything the user holds.
func (g *Gate) IssueToken(user *User, requested []string, rc RequestContext) (string, *Claims, error) {
	now := g.now()
	claims := &Claims{
		TenantID:      user.TenantID,
		Scopes:        intersectScopes(requested, user.Scopes),
		IPAddress:     rc.IP,
		UserAgentHash: HashUserAgent(rc.UserAgent),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}

	g.recordAudit(AuditTokenIssued, user.Username, rc, map[string]string{"jti": claims.ID})
	return signed, claims, nil
}

// ValidateToken verifies a bearer token and resolves it to an Identity.
// Expired, malformed, revoked tokens and disabled users are rejected.
// IP or User-Agent drift from the issuing request is a soft check: it
// emits a token_context_drift audit event and the request proceeds.
func (g *Gate) ValidateToken(raw string, rc RequestContext) (*Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(g.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			g.recordAudit(AuditTokenExpired, claims.Subject, rc, nil)
			return nil, ErrTokenExpired
		}
		g.recordAudit(AuditTokenInvalid, "", rc, map[string]string{"reason": err.Error()})
		return nil, ErrTokenInvalid
	}
	if !token.Valid {
		g.recordAudit(AuditTokenInvalid, claims.Subject, rc, nil)
		return nil, ErrTokenInvalid
	}

	if g.isRevoked(claims.ID) {
		g.recordAudit(AuditTokenRevoked, claims.Subject, rc, map[string]string{"jti": claims.ID})
		return nil, ErrTokenRevoked
	}

	user, ok := g.LookupUser(claims.Subject)
	if !ok || user.Disabled {
		g.recordAudit(AuditDisabledUserAccess, claims.Subject, rc, nil)
		return nil, ErrUserDisabled
	}

	if drift := contextDrift(claims, rc); len(drift) > 0 {
		g.recordAudit(AuditTokenContextDrift, claims.Subject, rc, drift)
		g.log.Warn("token context drift",
			zap.String("user", claims.Subject),
			zap.Any("drift", drift))
	}

	return &Identity{
		Kind:     CredentialToken,
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
		TenantID: claims.TenantID,
		Scopes:   append([]string(nil), claims.Scopes...),
		TokenID:  claims.ID,
	}, nil
}

// RevokeToken invalidates a token by its jti until the token would have
// expired anyway.
func (g *Gate) RevokeToken(jti string, expiresAt time.Time) {
	if jti == "" {
		return
	}
	now := g.now()
	g.revokedMu.Lock()
	defer g.revokedMu.Unlock()
	for id, exp := range g.revoked {
		if now.After(exp) {
			delete(g.revoked, id)
		}
	}
	g.revoked[jti] = expiresAt
}

func (g *Gate) isRevoked(jti string) bool {
	if jti == "" {
		return false
	}
	g.revokedMu.Lock()
	defer g.revokedMu.Unlock()
	exp, ok := g.revoked[jti]
	if !ok {
		return false
	}
	if g.now().After(exp) {
		delete(g.revoked, jti)
		return false
	}
	return true
}

// contextDrift compares the issuing request context in the claims with
// the current one. Empty result means no drift.
func contextDrift(claims *Claims, rc RequestContext) map[string]string {
	drift := map[string]string{}
	if claims.IPAddress != "" && rc.IP != "" && claims.IPAddress != rc.IP {
		drift["ip_issued"] = claims.IPAddress
		drift["ip_seen"] = rc.IP
	}
	if hash := HashUserAgent(rc.UserAgent); claims.UserAgentHash != "" && hash != "" && claims.UserAgentHash != hash {
		drift["ua_hash_issued"] = claims.UserAgentHash
		drift["ua_hash_seen"] = hash
	}
	if len(drift) == 0 {
		return nil
	}
	return drift
}
