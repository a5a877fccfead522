package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/artemis/web-migrate/internal/auth"
)

// identityKey is the gin context key the auth middleware stores the
// resolved identity under.
const identityKey = "identity"

// requestContext captures the caller's network facts for the gate.
func requestContext(c *gin.Context) auth.RequestContext {
	return auth.RequestContext{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

// bearerToken extracts the JWT from the Authorization header, falling
// back to the access_token query parameter for WebSocket clients that
// cannot set headers.
func bearerToken(c *gin.Context) string {
	if after, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return c.Query("access_token")
}

// identityFrom returns the identity set by authMiddleware, or nil.
func identityFrom(c *gin.Context) *auth.Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	id, _ := v.(*auth.Identity)
	return id
}

// authMiddleware resolves the caller to an Identity or ends the request
// with 401. A bearer token wins over an API key when both are present.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := requestContext(c)

		if token := bearerToken(c); token != "" {
			id, err := s.gate.ValidateToken(token, rc)
			if err != nil {
				respondError(c, http.StatusUnauthorized, authFailureMessage(err))
				return
			}
			c.Set(identityKey, id)
			c.Next()
			return
		}

		if key := c.GetHeader("X-API-Key"); key != "" {
			id, err := s.gate.ResolveAPIKey(key, rc)
			if err != nil {
				respondError(c, http.StatusUnauthorized, authFailureMessage(err))
				return
			}
			c.Set(identityKey, id)
			c.Next()
			return
		}

		respondError(c, http.StatusUnauthorized, "Authentication required")
	}
}

// rateLimitMiddleware enforces the sliding-window request budget.
// Authenticated callers are keyed by username, anonymous ones by IP.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := requestContext(c)
		if !s.gate.CheckRateLimit(identityFrom(c).RateKey(), rc) {
			c.Header("Retry-After", strconv.Itoa(int(s.gate.RateWindow()/time.Second)))
			respondError(c, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		c.Next()
	}
}

// requireScope gates a route on one scope. Admins pass every check.
func (s *Server) requireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !identityFrom(c).HasScope(scope) {
			respondErrorDetails(c, http.StatusForbidden, "Insufficient permissions",
				map[string]interface{}{"required_scope": scope})
			return
		}
		c.Next()
	}
}

// tokenRequest is the POST /auth/token body.
type tokenRequest struct {
	Username string   `json:"username" binding:"required"`
	Password string   `json:"password" binding:"required"`
	Scopes   []string `json:"scopes"`
}

// CreateToken authenticates a password and issues a JWT covering the
// intersection of the requested scopes with the user's.
func (s *Server) CreateToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	rc := requestContext(c)
	user, err := s.gate.Authenticate(req.Username, req.Password, rc)
	if err != nil {
		respondError(c, http.StatusUnauthorized, authFailureMessage(err))
		return
	}

	token, claims, err := s.gate.IssueToken(user, req.Scopes, rc)
	if err != nil {
		s.log.Error("token issue failed",
			zap.String("username", req.Username),
			zap.Error(err))
		respondError(c, http.StatusInternalServerError, "could not issue token")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   int(s.gate.TokenTTL().Seconds()),
		"scopes":       claims.Scopes,
	})
}

// GetMe echoes the resolved caller identity.
func (s *Server) GetMe(c *gin.Context) {
	id := identityFrom(c)
	c.JSON(http.StatusOK, gin.H{
		"username":  id.Username,
		"role":      id.Role,
		"tenant_id": id.TenantID,
		"scopes":    id.Scopes,
		"auth_kind": id.Kind,
	})
}
