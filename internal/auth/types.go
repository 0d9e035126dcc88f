package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the authentication subsystem.
var (
	ErrDisabled         = errors.New("authentication disabled")
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrMissingTenant    = errors.New("missing tenant")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSubjectRevoked   = errors.New("subject is disabled")
)

// Permissions checked by the REST API.
const (
	PermissionRead     = "workflows.read"
	PermissionWrite    = "workflows.write"
	PermissionRespond  = "otp.respond"
	PermissionSessions = "sessions.admin"
	PermissionAll      = "*"
)

// Subject is the authenticated caller. Tenant keys sessions and tasks.
type Subject struct {
	Name        string   `json:"name"`
	Tenant      string   `json:"tenant"`
	Permissions []string `json:"permissions,omitempty"`
	Disabled    bool     `json:"disabled,omitempty"`

	permissionsSet map[string]struct{}
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission reports whether the subject has the specified permission.
// A subject without explicit permissions, or holding "*", has all of them.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if len(s.permissionsSet) == 0 {
		return true
	}
	if _, ok := s.permissionsSet[PermissionAll]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Clone creates a copy of the subject.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		Name:        s.Name,
		Tenant:      s.Tenant,
		Permissions: append([]string(nil), s.Permissions...),
		Disabled:    s.Disabled,
	}
	clone.normalise()
	return clone
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeAPIKey   Mode = "api_key"
	ModeJWT      Mode = "jwt"
)

// Config configures the authentication service.
type Config struct {
	Mode Mode `json:"mode" yaml:"mode"`
	// TenantHeader names the header read in disabled mode.
	TenantHeader  string     `json:"tenant_header" yaml:"tenant_header"`
	DefaultTenant string     `json:"default_tenant" yaml:"default_tenant"`
	JWT           JWTOptions `json:"jwt" yaml:"jwt"`
	APIKeys       []APIKey   `json:"api_keys" yaml:"api_keys"`
}

// JWTOptions contains parameters for HS256 token verification.
type JWTOptions struct {
	Secret      string   `json:"secret" yaml:"secret"`
	Issuer      string   `json:"issuer" yaml:"issuer"`
	Audience    []string `json:"audience" yaml:"audience"`
	TenantClaim string   `json:"tenant_claim" yaml:"tenant_claim"`
	// AccessTTL is the lifetime in seconds of tokens issued by IssueToken.
	AccessTTL int64 `json:"access_ttl" yaml:"access_ttl"`
}

// APIKey binds a static key to a tenant.
type APIKey struct {
	Key         string   `json:"key" yaml:"key"`
	Name        string   `json:"name" yaml:"name"`
	Tenant      string   `json:"tenant" yaml:"tenant"`
	Permissions []string `json:"permissions" yaml:"permissions"`
	Disabled    bool     `json:"disabled" yaml:"disabled"`
}
