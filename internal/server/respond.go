package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/artemis/web-migrate/internal/auth"
	"github.com/artemis/web-migrate/internal/config"
	"github.com/artemis/web-migrate/internal/preset"
	"github.com/artemis/web-migrate/internal/session"
)

// apiError is the body of every non-2xx response, wrapped under "error".
type apiError struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Type    string                 `json:"type"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// errorTypeOf classifies a status for the envelope: 4xx responses the
// handler chose deliberately are http_error, 5xx means the server gave up.
func errorTypeOf(status int) string {
	if status >= http.StatusInternalServerError {
		return "server_error"
	}
	return "http_error"
}

// respondError aborts the request with the error envelope.
func respondError(c *gin.Context, status int, message string) {
	respondErrorDetails(c, status, message, nil)
}

func respondErrorDetails(c *gin.Context, status int, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(status, gin.H{"error": apiError{
		Code:    status,
		Message: message,
		Type:    errorTypeOf(status),
		Details: details,
	}})
}

// respondDomainError translates collaborator errors into their HTTP
// shape: unknown ids are 404, illegal lifecycle moves are 409, malformed
// configs are 400, everything else is a 500.
func respondDomainError(c *gin.Context, err error) {
	var cfgErr *config.ConfigurationError
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, preset.ErrNotFound):
		respondError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrInvalidState):
		respondError(c, http.StatusConflict, err.Error())
	case errors.As(err, &cfgErr):
		respondError(c, http.StatusBadRequest, err.Error())
	default:
		respondError(c, http.StatusInternalServerError, err.Error())
	}
}

// authFailureMessage maps gate sentinels onto the stable messages the
// API promises callers. Anything unexpected collapses into a generic
// challenge rather than leaking internals.
func authFailureMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return "Invalid username or password"
	case errors.Is(err, auth.ErrUserDisabled):
		return "User account disabled"
	case errors.Is(err, auth.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, auth.ErrTokenRevoked):
		return "Token revoked"
	case errors.Is(err, auth.ErrTokenInvalid):
		return "Invalid token"
	case errors.Is(err, auth.ErrAPIKeyDisabled):
		return "API key disabled"
	case errors.Is(err, auth.ErrAPIKeyExpired):
		return "API key expired"
	case errors.Is(err, auth.ErrAPIKeyUnknown):
		return "Invalid API key"
	default:
		return "Authentication required"
	}
}
