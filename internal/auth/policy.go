package auth

import (
	"net/http"
	"strings"
)

// Policy determines required roles by request.
type Policy struct {
	ExemptPaths    map[string]struct{}
	ExemptPrefixes []string
}

// NewDefaultPolicy builds a default policy with exemptions.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) Policy {
	set := make(map[string]struct{}, len(exemptPaths))
	for _, path := range exemptPaths {
		set[path] = struct{}{}
	}
	return Policy{ExemptPaths: set, ExemptPrefixes: exemptPrefixes}
}

// IsExempt returns true when a request should skip auth/RBAC.
func (p Policy) IsExempt(r *http.Request) bool {
	if r == nil {
		return true
	}
	if _, ok := p.ExemptPaths[r.URL.Path]; ok {
		return true
	}
	for _, prefix := range p.ExemptPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// RequiredRole resolves required role for the request.
func (p Policy) RequiredRole(r *http.Request) (Role, bool) {
	if r == nil {
		return "", false
	}
	path := r.URL.Path
	method := r.Method

	switch {
	case path == "/api/v1/provisioning/devices":
		return RoleAdmin, true
	case path == "/api/v1/associations/replace":
		return RoleAdmin, true
	case strings.HasPrefix(path, "/api/v1/devices/") && strings.HasSuffix(path, "/device-id"):
		return RoleAdmin, true
	case strings.HasPrefix(path, "/api/v1/devices/") && strings.HasSuffix(path, "/state"):
		if method == http.MethodGet {
			return RoleViewer, true
		}
		return RoleAdmin, true
	}

	if strings.HasPrefix(path, "/api/") {
		if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
			return RoleViewer, true
		}
		return RoleOperator, true
	}
	return "", false
}

// SelfService reports whether r is an association route a RoleUser caller
// may reach for their own user id: create, list, confirm and fail.
func (p Policy) SelfService(r *http.Request) bool {
	if r == nil {
		return false
	}
	const base = "/api/v1/associations"
	switch r.URL.Path {
	case base, base + "/":
		return r.Method == http.MethodPost || r.Method == http.MethodGet
	}
	rest, ok := strings.CutPrefix(r.URL.Path, base+"/")
	if !ok || r.Method != http.MethodPost {
		return false
	}
	id, action, ok := strings.Cut(strings.Trim(rest, "/"), "/")
	if !ok || id == "" || strings.Contains(action, "/") {
		return false
	}
	return action == "confirm" || action == "fail"
}
