// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file resolves the caller's session. The token travels either in the
// session cookie set at login or in an "Authorization: Bearer" header; the
// resolved user id is stored under the "userID" context key, which the rate
// limiter, idempotency validator and access logs read.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// SessionCookie is the cookie carrying the session token.
const SessionCookie = "session"

const ctxKeyUserID = "userID"

// Authenticator maps a session token to a user id.
type Authenticator interface {
	Authenticate(token string) (string, error)
}

// SessionToken extracts the raw token from the request, preferring the
// Authorization header over the cookie.
func SessionToken(c *gin.Context) string {
	if h := strings.TrimSpace(c.GetHeader("Authorization")); h != "" {
		const prefix = "bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
	}
	if v, err := c.Cookie(SessionCookie); err == nil {
		return v
	}
	return ""
}

// RequireSession aborts with 401 unless the request carries a valid session.
func RequireSession(a Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := SessionToken(c)
		if tok == "" {
			unauthorized(c)
			return
		}
		uid, err := a.Authenticate(tok)
		if err != nil || uid == "" {
			unauthorized(c)
			return
		}
		c.Set(ctxKeyUserID, uid)
		c.Next()
	}
}

// UserID returns the authenticated user id, or "" outside RequireSession.
func UserID(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyUserID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       "unauthorized",
		"message":    "unauthorized",
	})
}
