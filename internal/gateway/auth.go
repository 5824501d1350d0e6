package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/dmmdekkd/yunkit/internal/audit"
	"github.com/dmmdekkd/yunkit/internal/bus"
	"github.com/dmmdekkd/yunkit/internal/shared"
	"github.com/dmmdekkd/yunkit/internal/tokens"
)

// authErrorText is the body of every token rejection, HTTP or push channel.
const authErrorText = "token 无效或已过期"

type userContextKey struct{}

// ExtractToken returns the bearer token of r. It checks, in order:
// Authorization: Bearer <token>, then the token query parameter.
func ExtractToken(r *http.Request) string {
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		scheme, tok, ok := strings.Cut(authz, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			if tok = strings.TrimSpace(tok); tok != "" {
				return tok
			}
		}
	}
	return r.URL.Query().Get("token")
}

// UserFromContext returns the username bound by requireToken.
func UserFromContext(ctx context.Context) string {
	if u, ok := ctx.Value(userContextKey{}).(string); ok {
		return u
	}
	return ""
}

// requireToken gates next on a valid token. Rejections get a 401 JSON body.
func (s *Server) requireToken(action string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, err := s.cfg.Tokens.Verify(ExtractToken(r))
		if err != nil {
			s.reject(r, action, err)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": authErrorText})
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey{}, username)
		ctx = shared.WithUsername(ctx, username)
		next(w, r.WithContext(ctx))
	}
}

// reject records a failed token check on every sink that tracks them.
func (s *Server) reject(r *http.Request, action string, err error) {
	reason := "invalid"
	if errors.Is(err, tokens.ErrExpired) {
		reason = "expired"
	}
	remote := clientIP(r)
	s.cfg.Metrics.RecordAuthFailure(r.Context(), reason)
	audit.Record(audit.Event{
		Decision: audit.Deny,
		Action:   action,
		Reason:   reason,
		Remote:   remote,
		TraceID:  shared.TraceID(r.Context()),
	})
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicAuthRejected, bus.AuthEvent{Via: action, Reason: reason, Remote: remote})
	}
	s.logger.Debug("token rejected", "action", action, "reason", reason, "remote", remote)
}

// clientIP returns the host part of r.RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
