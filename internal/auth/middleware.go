package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// Middleware authenticates bearer tokens and enforces the route policy.
// RoleUser callers are admitted only on self-service association routes;
// handlers narrow them further with AuthorizeUser.
type Middleware struct {
	verifier *Verifier
	policy   Policy
	logger   *slog.Logger
}

// NewMiddleware constructs an auth middleware. A nil logger uses slog.Default.
func NewMiddleware(verifier *Verifier, policy Policy, logger *slog.Logger) (*Middleware, error) {
	if verifier == nil {
		return nil, errors.New("auth: nil verifier")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{verifier: verifier, policy: policy, logger: logger}, nil
}

// Wrap applies authentication and role checks to next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.policy.IsExempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		required, ok := m.policy.RequiredRole(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := m.verifier.Verify(bearerToken(r))
		if err != nil {
			m.logger.Debug("auth rejected", "path", r.URL.Path, "err", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="device-association"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		role := Role(claims.Role)
		if !m.allowed(r, role, required) {
			m.logger.Info("auth forbidden",
				"path", r.URL.Path,
				"method", r.Method,
				"subject", claims.Subject,
				"role", role,
				"required", required,
			)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), role, claims.Subject)))
	})
}

func (m *Middleware) allowed(r *http.Request, role, required Role) bool {
	if role == RoleUser {
		return m.policy.SelfService(r)
	}
	return RoleAtLeast(role, required)
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
