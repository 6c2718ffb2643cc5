// Package auth trusts identity headers set by an authenticating gateway
// (Envoy, NGINX) in front of the service and enforces per-route scopes.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
)

type contextKey string

const (
	subjectKey contextKey = "subject"
	scopesKey  contextKey = "scopes"
)

// Default scopes for the model and forecast routes.
const (
	ScopeTrain = "profitcast:train"
	ScopeRead  = "profitcast:read"
)

// GatewayConfig holds gateway header settings
type GatewayConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	RequireVerified bool   `mapstructure:"require_verified"` // Require VerifiedHeader == "true"
	SubjectHeader   string `mapstructure:"subject_header"`
	ScopesHeader    string `mapstructure:"scopes_header"`
	VerifiedHeader  string `mapstructure:"verified_header"`
	TrainScope      string `mapstructure:"train_scope"`
	ReadScope       string `mapstructure:"read_scope"`
}

// DefaultGatewayConfig returns production defaults with auth disabled
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		RequireVerified: true,
		SubjectHeader:   "X-User-ID",
		ScopesHeader:    "X-Scopes",
		VerifiedHeader:  "X-Auth-Verified",
		TrainScope:      ScopeTrain,
		ReadScope:       ScopeRead,
	}
}

// Middleware authenticates requests from gateway headers and binds the
// subject and scopes to the request context. Disabled config admits all.
func Middleware(cfg GatewayConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.RequireVerified && r.Header.Get(cfg.VerifiedHeader) != "true" {
				sendError(w, http.StatusUnauthorized, "verification required at gateway")
				return
			}

			subject := r.Header.Get(cfg.SubjectHeader)
			if subject == "" {
				sendError(w, http.StatusUnauthorized, "missing subject")
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey, subject)
			if scopes := parseScopes(r.Header.Get(cfg.ScopesHeader)); len(scopes) > 0 {
				ctx = context.WithValue(ctx, scopesKey, scopes)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope rejects authenticated requests lacking scope with 403.
// With auth disabled it admits all.
func RequireScope(cfg GatewayConfig, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled || scope == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !HasScope(r.Context(), scope) {
				sendError(w, http.StatusForbidden, "missing scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// parseScopes accepts a JSON array or a comma-separated list.
func parseScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	var scopes []string
	if err := json.Unmarshal([]byte(raw), &scopes); err == nil {
		return scopes
	}
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

// Subject returns the authenticated caller, if any.
func Subject(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subjectKey).(string)
	return s, ok
}

// Scopes returns the caller's scopes, if any.
func Scopes(ctx context.Context) ([]string, bool) {
	s, ok := ctx.Value(scopesKey).([]string)
	return s, ok
}

// HasScope reports whether the caller holds scope.
func HasScope(ctx context.Context, scope string) bool {
	scopes, _ := Scopes(ctx)
	return slices.Contains(scopes, scope)
}

func sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "error",
		"code":    http.StatusText(statusCode),
		"message": message,
	})
}
