package config

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/robfig/cron/v3"
)

var clockPattern = regexp.MustCompile(`^(([01]\d|2[0-3]):[0-5]\d|24:00)$`)

// Validator validates configuration values
type Validator struct {
	parser cron.Parser
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ValidateGateway checks the listener address and the shared secret rule
func (v *Validator) ValidateGateway(g GatewayConfig) error {
	if g.Port < 1 || g.Port > 65535 {
		return fmt.Errorf("gateway: invalid port %d", g.Port)
	}
	if g.Host == "" {
		return errors.New("gateway: host is required")
	}
	if !g.IsLoopback() && g.SharedSecret == "" {
		return fmt.Errorf("gateway: shared_secret is required when binding non-loopback host %q", g.Host)
	}
	if g.SharedSecret != "" && len(g.SharedSecret) < 16 {
		return errors.New("gateway: shared_secret must be at least 16 characters")
	}
	return nil
}

// ValidateProfile validates one credential profile
func (v *Validator) ValidateProfile(p AIProfile) error {
	if p.ID == "" {
		return errors.New("ID is required")
	}
	switch p.Provider {
	case "anthropic", "openai":
	case "":
		return fmt.Errorf("%s: provider is required", p.ID)
	default:
		return fmt.Errorf("%s: invalid provider %s (must be: anthropic, openai)", p.ID, p.Provider)
	}
	if p.APIKey == "" {
		return fmt.Errorf("%s: api_key is required", p.ID)
	}
	return nil
}

// ValidateChain validates a model fallback chain against known profiles
func (v *Validator) ValidateChain(chain []ChainEntry, profiles map[string]AIProfile) error {
	if len(chain) == 0 {
		return errors.New("fallback chain must have at least one entry")
	}
	for i, entry := range chain {
		if entry.Model == "" {
			return fmt.Errorf("chain[%d]: model is required", i)
		}
		if entry.Provider != "anthropic" && entry.Provider != "openai" {
			return fmt.Errorf("chain[%d]: invalid provider %q", i, entry.Provider)
		}
		if entry.Profile == "" {
			continue
		}
		p, ok := profiles[entry.Profile]
		if !ok {
			return fmt.Errorf("chain[%d]: unknown profile %q", i, entry.Profile)
		}
		if p.Provider != entry.Provider {
			return fmt.Errorf("chain[%d]: profile %q belongs to %s, not %s", i, entry.Profile, p.Provider, entry.Provider)
		}
	}
	return nil
}

// ValidateSandbox validates an agent-level isolation policy
func (v *Validator) ValidateSandbox(s SandboxConfig) error {
	switch s.Isolation {
	case "none", "container":
	default:
		return fmt.Errorf("sandbox: invalid isolation %q", s.Isolation)
	}
	switch s.Filesystem {
	case "none", "ro", "rw":
	default:
		return fmt.Errorf("sandbox: invalid filesystem %q", s.Filesystem)
	}
	switch s.Network {
	case "none":
	case "allowlist":
		if len(s.AllowedHosts) == 0 {
			return errors.New("sandbox: allowlist network requires allowed_hosts")
		}
		if s.Isolation == "container" && s.EgressNetwork == "" {
			return errors.New("sandbox: allowlist network requires egress_network")
		}
	default:
		return fmt.Errorf("sandbox: invalid network %q", s.Network)
	}
	if s.Isolation == "container" && s.Image == "" {
		return errors.New("sandbox: image is required for container isolation")
	}
	if s.Timeout <= 0 {
		return errors.New("sandbox: timeout must be positive")
	}
	return nil
}

// ValidateContext validates context window budgets
func (v *Validator) ValidateContext(c ContextConfig) error {
	if c.PromptBudgetChars <= 0 {
		return errors.New("context: prompt_budget_chars must be positive")
	}
	if c.InputBudgetTokens <= c.ReserveTokens {
		return errors.New("context: input_budget_tokens must exceed reserve_tokens")
	}
	if c.KeepRecentTurns < 1 {
		return errors.New("context: keep_recent_turns must be at least 1")
	}
	if c.FlushTimeout <= 0 {
		return errors.New("context: flush_timeout must be positive")
	}
	return nil
}

// ValidateActiveHours validates an HH:MM window
func (v *Validator) ValidateActiveHours(a ActiveHoursConfig) error {
	if a.Start == "" && a.End == "" {
		return nil
	}
	if !clockPattern.MatchString(a.Start) || !clockPattern.MatchString(a.End) {
		return fmt.Errorf("active_hours: start and end must be HH:MM (got %q-%q)", a.Start, a.End)
	}
	if a.Start == a.End {
		return errors.New("active_hours: start and end must differ")
	}
	if a.TZ != "" {
		if _, err := time.LoadLocation(a.TZ); err != nil {
			return fmt.Errorf("active_hours: invalid tz %q: %w", a.TZ, err)
		}
	}
	return nil
}

// ValidateSchedule validates a cron rule
func (v *Validator) ValidateSchedule(expr, tz string) error {
	if expr == "" {
		return errors.New("schedule is required")
	}
	if _, err := v.parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("invalid tz %q: %w", tz, err)
		}
	}
	return nil
}

// ValidateTracing validates exporter settings
func (v *Validator) ValidateTracing(t TracingConfig) error {
	switch t.Exporter {
	case "", "file":
	case "otlp":
		if t.Endpoint == "" {
			return errors.New("tracing: otlp exporter requires an endpoint")
		}
	default:
		return fmt.Errorf("tracing: unknown exporter %q (must be file or otlp)", t.Exporter)
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		return fmt.Errorf("tracing: sample_ratio %v outside [0, 1]", t.SampleRatio)
	}
	return nil
}
