// Package policy resolves per-organization security policies.
package policy

import (
	"context"
	"fmt"
	"os"
	"sync"

	"authguard/internal/models"

	"gopkg.in/yaml.v3"
)

// Provider resolves the policy governing an organization. Implementations
// always return a complete policy, falling back to defaults.
type Provider interface {
	Resolve(ctx context.Context, organizationID string) models.SecurityPolicy
}

// File is the on-disk policy document.
//
//	default:
//	  max_failed_attempts: 5
//	organizations:
//	  acme:
//	    max_failed_attempts: 3
//	    require_2fa: true
type File struct {
	Default       models.SecurityPolicy            `yaml:"default"`
	Organizations map[string]models.SecurityPolicy `yaml:"organizations"`
}

// Static serves policies from memory.
type Static struct {
	mu       sync.RWMutex
	fallback models.SecurityPolicy
	orgs     map[string]models.SecurityPolicy
}

// NewStatic creates a provider that returns the documented defaults for
// every organization until policies are set.
func NewStatic() *Static {
	return &Static{
		fallback: models.DefaultSecurityPolicy(),
		orgs:     make(map[string]models.SecurityPolicy),
	}
}

// Load reads a YAML policy file.
func Load(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file '%s': %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse policy file '%s': %w", path, err)
	}
	s := NewStatic()
	s.fallback = f.Default.WithDefaults()
	for org, p := range f.Organizations {
		s.orgs[org] = p
	}
	return s, nil
}

// Set installs the policy for an organization.
func (s *Static) Set(organizationID string, p models.SecurityPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[organizationID] = p
}

// Resolve returns the organization's policy with unset fields taken from
// the file default, then from the documented defaults.
func (s *Static) Resolve(ctx context.Context, organizationID string) models.SecurityPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.orgs[organizationID]
	if !ok {
		return s.fallback
	}
	return merge(p, s.fallback)
}

func merge(p, fallback models.SecurityPolicy) models.SecurityPolicy {
	if p.PasswordMinLength <= 0 {
		p.PasswordMinLength = fallback.PasswordMinLength
	}
	if p.MaxFailedAttempts <= 0 {
		p.MaxFailedAttempts = fallback.MaxFailedAttempts
	}
	if p.LockoutDurationMinutes <= 0 {
		p.LockoutDurationMinutes = fallback.LockoutDurationMinutes
	}
	if p.MaxConcurrentSessions <= 0 {
		p.MaxConcurrentSessions = fallback.MaxConcurrentSessions
	}
	if p.IdleTimeoutMinutes <= 0 {
		p.IdleTimeoutMinutes = fallback.IdleTimeoutMinutes
	}
	return p.WithDefaults()
}
