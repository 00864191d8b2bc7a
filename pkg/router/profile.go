package router

import (
	"sync"
	"time"

	"github.com/harun/vigil/internal/observability"
	"github.com/harun/vigil/pkg/provider"
)

// Health of an auth profile.
type Health string

const (
	HealthHealthy     Health = "healthy"
	HealthCoolingDown Health = "cooling_down"
	HealthExhausted   Health = "exhausted"
)

func (h Health) level() int {
	switch h {
	case HealthCoolingDown:
		return 1
	case HealthExhausted:
		return 2
	default:
		return 0
	}
}

// ProfileConfig declares one credential in the pool.
type ProfileConfig struct {
	ID         string
	Provider   string
	Credential provider.Credential
	Priority   int
}

// Profile is one credential and its health. Every field is guarded by mu and
// only the router mutates it.
type Profile struct {
	id       string
	provider string
	priority int

	mu            sync.Mutex
	cred          provider.Credential
	health        Health
	cooldownUntil time.Time
	failures      int
	lastUsed      time.Time
	lastError     string
	client        provider.Provider
}

// ProfileStatus is a point-in-time copy of a profile's health.
type ProfileStatus struct {
	ID            string     `json:"id"`
	Provider      string     `json:"provider"`
	Priority      int        `json:"priority"`
	Health        Health     `json:"health"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	FailureCount  int        `json:"failure_count"`
	LastUsed      *time.Time `json:"last_used,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// profileState is the persisted form of a profile's health.
type profileState struct {
	Health        Health    `json:"health"`
	CooldownUntil time.Time `json:"cooldown_until"`
	Failures      int       `json:"failures"`
	LastUsed      time.Time `json:"last_used"`
	LastError     string    `json:"last_error,omitempty"`
}

// refreshLocked returns an expired cooldown to healthy. Caller holds mu.
func (p *Profile) refreshLocked(now time.Time) {
	if p.health != HealthHealthy && !now.Before(p.cooldownUntil) {
		p.health = HealthHealthy
		p.cooldownUntil = time.Time{}
		observability.SetProfileHealth(p.id, p.provider, HealthHealthy.level())
	}
}

// available reports whether the profile may be tried now.
func (p *Profile) available(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshLocked(now)
	return p.health == HealthHealthy
}

func (p *Profile) status(now time.Time) ProfileStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshLocked(now)

	st := ProfileStatus{
		ID:           p.id,
		Provider:     p.provider,
		Priority:     p.priority,
		Health:       p.health,
		FailureCount: p.failures,
		LastError:    p.lastError,
	}
	if !p.cooldownUntil.IsZero() {
		until := p.cooldownUntil
		st.CooldownUntil = &until
	}
	if !p.lastUsed.IsZero() {
		used := p.lastUsed
		st.LastUsed = &used
	}
	return st
}

func (p *Profile) snapshotLocked() profileState {
	return profileState{
		Health:        p.health,
		CooldownUntil: p.cooldownUntil,
		Failures:      p.failures,
		LastUsed:      p.lastUsed,
		LastError:     p.lastError,
	}
}

func (p *Profile) restore(st profileState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health = st.Health
	if p.health == "" {
		p.health = HealthHealthy
	}
	p.cooldownUntil = st.CooldownUntil
	p.failures = st.Failures
	p.lastUsed = st.LastUsed
	p.lastError = st.LastError
	observability.SetProfileHealth(p.id, p.provider, p.health.level())
}
