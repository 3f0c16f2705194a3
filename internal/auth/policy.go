package auth

import (
	"net/http"
	"strings"
)

const protectionPrefix = "/api/v1/protection/"

// Rule binds a protection route to the minimum role it needs.
// An empty Method matches any method.
type Rule struct {
	Method string
	Path   string
	Role   Role
}

// Policy determines required roles by request.
type Policy struct {
	ExemptPaths    map[string]struct{}
	ExemptPrefixes []string
	Rules          []Rule
}

// NewDefaultPolicy builds the relay policy: reads for viewers, operator
// commands for operators, settings changes for admins.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) Policy {
	set := make(map[string]struct{}, len(exemptPaths))
	for _, path := range exemptPaths {
		set[path] = struct{}{}
	}
	return Policy{
		ExemptPaths:    set,
		ExemptPrefixes: exemptPrefixes,
		Rules: []Rule{
			{Method: http.MethodPut, Path: protectionPrefix + "settings", Role: RoleAdmin},
			{Method: http.MethodPost, Path: protectionPrefix + "reset", Role: RoleOperator},
			{Method: http.MethodPost, Path: protectionPrefix + "enable", Role: RoleOperator},
			{Method: http.MethodPost, Path: protectionPrefix + "disable", Role: RoleOperator},
		},
	}
}

// IsExempt reports whether the request skips authentication.
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

// RequiredRole resolves the role a request needs. Unmatched API calls fall
// back to viewer for safe methods and operator otherwise.
func (p Policy) RequiredRole(r *http.Request) (Role, bool) {
	if r == nil {
		return "", false
	}
	for _, rule := range p.Rules {
		if rule.Path != r.URL.Path {
			continue
		}
		if rule.Method == "" || rule.Method == r.Method {
			return rule.Role, true
		}
	}
	if !strings.HasPrefix(r.URL.Path, "/api/") {
		return "", false
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer, true
	default:
		return RoleOperator, true
	}
}
