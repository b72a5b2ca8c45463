// Package identity provides anonymous participant identity primitives.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	ParticipantCookieName = "exp_participant"
	SessionHeaderName     = "X-Session-ID"
	DefaultSessionIDValue = "default"
	participantCookieAge  = 30 * 24 * time.Hour
)

type contextKey int

const (
	participantIDKey contextKey = iota
	sessionIDKey
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ParticipantIDFromContext extracts the participant ID from the request context.
func ParticipantIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(participantIDKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the tab session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return DefaultSessionIDValue
}

// SessionKey returns the registry key for the participant's current tab.
func SessionKey(ctx context.Context) string {
	return ParticipantIDFromContext(ctx) + ":" + SessionIDFromContext(ctx)
}

// WithIdentity returns a context carrying the given identity. It is used by
// the middleware and by tests.
func WithIdentity(ctx context.Context, participantID, sessionID string) context.Context {
	ctx = context.WithValue(ctx, participantIDKey, participantID)
	return context.WithValue(ctx, sessionIDKey, sanitizeSessionID(sessionID))
}

func isValidParticipantID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !sessionIDPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

func getOrCreateParticipantID(w http.ResponseWriter, r *http.Request, isDev bool) string {
	id := ""
	if c, err := r.Cookie(ParticipantCookieName); err == nil && isValidParticipantID(c.Value) {
		id = c.Value
	} else {
		id = uuid.NewString()
	}

	// Refresh on every request so active participants keep their identity.
	http.SetCookie(w, &http.Cookie{
		Name:     ParticipantCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(participantCookieAge.Seconds()),
		Expires:  time.Now().Add(participantCookieAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
	return id
}

func sessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get("session_id")
	}
	return sid
}

// Middleware injects anonymous participant identity and the per-tab session ID.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			participantID := getOrCreateParticipantID(w, r, isDev)
			ctx := WithIdentity(r.Context(), participantID, sessionIDFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
