package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// Config represents the main vigil configuration
type Config struct {
	// Data directory for sessions, archives and state
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Workspace path holding the contract files
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Agents
	Agents []AgentConfig `json:"agents" mapstructure:"agents"`

	// AI credentials
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Scheduler (heartbeat and cron jobs)
	Scheduler SchedulerConfig `json:"scheduler" mapstructure:"scheduler"`

	// Approvals for host execution
	Approvals ApprovalsConfig `json:"approvals" mapstructure:"approvals"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// GatewayConfig holds control-plane listener configuration
type GatewayConfig struct {
	Host         string        `json:"host" mapstructure:"host"`
	Port         int           `json:"port" mapstructure:"port"`
	SharedSecret string        `json:"shared_secret" mapstructure:"shared_secret"`
	TickInterval time.Duration `json:"tick_interval" mapstructure:"tick_interval"`
	RateLimit    int           `json:"rate_limit" mapstructure:"rate_limit"` // requests per minute per client
}

// Addr returns host:port.
func (g GatewayConfig) Addr() string {
	return net.JoinHostPort(g.Host, fmt.Sprintf("%d", g.Port))
}

// IsLoopback reports whether the bind host only accepts local connections.
func (g GatewayConfig) IsLoopback() bool {
	if g.Host == "localhost" {
		return true
	}
	ip := net.ParseIP(g.Host)
	return ip != nil && ip.IsLoopback()
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`

	// RedactPatterns are extra regular expressions masked in logs and transcripts.
	RedactPatterns []string `json:"redact_patterns" mapstructure:"redact_patterns"`
}

// AgentConfig represents one agent identity
type AgentConfig struct {
	ID            string           `json:"id" mapstructure:"id"`
	Name          string           `json:"name" mapstructure:"name"`
	SystemPrompt  string           `json:"system_prompt" mapstructure:"system_prompt"`
	Chain         []ChainEntry     `json:"chain" mapstructure:"chain"`
	MaxModelCalls int              `json:"max_model_calls" mapstructure:"max_model_calls"`
	Temperature   float64          `json:"temperature" mapstructure:"temperature"`
	MaxTokens     int              `json:"max_tokens" mapstructure:"max_tokens"`
	RunTimeout    time.Duration    `json:"run_timeout" mapstructure:"run_timeout"`
	Tools         ToolPolicyConfig `json:"tools" mapstructure:"tools"`
	Sandbox       SandboxConfig    `json:"sandbox" mapstructure:"sandbox"`
	Context       ContextConfig    `json:"context" mapstructure:"context"`
}

// ChainEntry is one (model, preferred profile) pair in a fallback chain
type ChainEntry struct {
	Model    string `json:"model" mapstructure:"model"`
	Provider string `json:"provider" mapstructure:"provider"`
	Profile  string `json:"profile" mapstructure:"profile"`
}

// ToolPolicyConfig defines tool access policies
type ToolPolicyConfig struct {
	Allow          []string `json:"allow" mapstructure:"allow"`
	Deny           []string `json:"deny" mapstructure:"deny"`
	HostAuthorized bool     `json:"host_authorized" mapstructure:"host_authorized"`
}

// SandboxConfig defines the agent-level isolation policy
type SandboxConfig struct {
	Isolation     string        `json:"isolation" mapstructure:"isolation"`   // none, container
	Filesystem    string        `json:"filesystem" mapstructure:"filesystem"` // none, ro, rw
	Network       string        `json:"network" mapstructure:"network"`       // none, allowlist
	AllowedHosts  []string      `json:"allowed_hosts" mapstructure:"allowed_hosts"`
	EgressNetwork string        `json:"egress_network" mapstructure:"egress_network"` // docker network that filters allowed_hosts
	Image         string        `json:"image" mapstructure:"image"`
	MemoryMB      int64         `json:"memory_mb" mapstructure:"memory_mb"`
	Timeout       time.Duration `json:"timeout" mapstructure:"timeout"`
}

// ContextConfig bounds model input size
type ContextConfig struct {
	PromptBudgetChars int           `json:"prompt_budget_chars" mapstructure:"prompt_budget_chars"`
	InputBudgetTokens int           `json:"input_budget_tokens" mapstructure:"input_budget_tokens"`
	ReserveTokens     int           `json:"reserve_tokens" mapstructure:"reserve_tokens"`
	PruneIdleAfter    time.Duration `json:"prune_idle_after" mapstructure:"prune_idle_after"`
	PruneKeepRecent   int           `json:"prune_keep_recent" mapstructure:"prune_keep_recent"`
	KeepRecentTurns   int           `json:"keep_recent_turns" mapstructure:"keep_recent_turns"`
	FlushTimeout      time.Duration `json:"flush_timeout" mapstructure:"flush_timeout"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles         []AIProfile   `json:"profiles" mapstructure:"profiles"`
	Cooldown         time.Duration `json:"cooldown" mapstructure:"cooldown"`
	MaxCooldown      time.Duration `json:"max_cooldown" mapstructure:"max_cooldown"`
	ExhaustedBackoff time.Duration `json:"exhausted_backoff" mapstructure:"exhausted_backoff"`
}

// AIProfile represents an AI provider credential
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// SchedulerConfig holds heartbeat and cron job configuration
type SchedulerConfig struct {
	// MainSessionKey is the owner's session; heartbeats run there.
	MainSessionKey string          `json:"main_session_key" mapstructure:"main_session_key"`
	StateFile      string          `json:"state_file" mapstructure:"state_file"`
	Heartbeat      HeartbeatConfig `json:"heartbeat" mapstructure:"heartbeat"`
	Jobs           []JobConfig     `json:"jobs" mapstructure:"jobs"`
}

// HeartbeatConfig configures the ambient self-check
type HeartbeatConfig struct {
	Enabled     bool              `json:"enabled" mapstructure:"enabled"`
	AgentID     string            `json:"agent_id" mapstructure:"agent_id"`
	Interval    time.Duration     `json:"interval" mapstructure:"interval"`
	ActiveHours ActiveHoursConfig `json:"active_hours" mapstructure:"active_hours"`
	Prompt      string            `json:"prompt" mapstructure:"prompt"`
	Chain       []ChainEntry      `json:"chain" mapstructure:"chain"`
}

// ActiveHoursConfig is a daily window, "HH:MM" local to TZ. Empty means always.
type ActiveHoursConfig struct {
	Start string `json:"start" mapstructure:"start"`
	End   string `json:"end" mapstructure:"end"`
	TZ    string `json:"tz" mapstructure:"tz"`
}

// JobConfig configures a cron job
type JobConfig struct {
	ID       string       `json:"id" mapstructure:"id"`
	Name     string       `json:"name" mapstructure:"name"`
	Schedule string       `json:"schedule" mapstructure:"schedule"`
	TZ       string       `json:"tz" mapstructure:"tz"`
	AgentID  string       `json:"agent_id" mapstructure:"agent_id"`
	Prompt   string       `json:"prompt" mapstructure:"prompt"`
	Chain    []ChainEntry `json:"chain" mapstructure:"chain"`
	Delivery string       `json:"delivery" mapstructure:"delivery"` // announce, internal
	Target   string       `json:"target" mapstructure:"target"`     // isolated (default), main
	Enabled  bool         `json:"enabled" mapstructure:"enabled"`

	ActiveHours ActiveHoursConfig `json:"active_hours" mapstructure:"active_hours"`
}

// ApprovalsConfig holds the host-execution approval gate settings
type ApprovalsConfig struct {
	Enabled bool          `json:"enabled" mapstructure:"enabled"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
	// AllowlistFile persists allow-always decisions.
	AllowlistFile string `json:"allowlist_file" mapstructure:"allowlist_file"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
	// Exporter is "", "file" or "otlp".
	Exporter    string  `json:"exporter" mapstructure:"exporter"`
	Endpoint    string  `json:"endpoint" mapstructure:"endpoint"`
	Insecure    bool    `json:"insecure" mapstructure:"insecure"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultAgentConfig returns an agent with default limits
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		ID:            "default",
		Name:          "Default Agent",
		MaxModelCalls: 10,
		Temperature:   0.7,
		MaxTokens:     4096,
		RunTimeout:    10 * time.Minute,
		Chain: []ChainEntry{
			{Model: "claude-sonnet-4-5", Provider: "anthropic"},
			{Model: "gpt-4o", Provider: "openai"},
		},
		Tools: ToolPolicyConfig{
			Allow: []string{"*"},
			Deny:  []string{},
		},
		Sandbox: SandboxConfig{
			Isolation:  "container",
			Filesystem: "ro",
			Network:    "none",
			Image:      "alpine:3.20",
			MemoryMB:   512,
			Timeout:    2 * time.Minute,
		},
		Context: ContextConfig{
			PromptBudgetChars: 20000,
			InputBudgetTokens: 150000,
			ReserveTokens:     20000,
			PruneIdleAfter:    5 * time.Minute,
			PruneKeepRecent:   6,
			KeepRecentTurns:   8,
			FlushTimeout:      2 * time.Minute,
		},
	}
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         18790,
			TickInterval: 30 * time.Second,
			RateLimit:    120,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Agents: []AgentConfig{DefaultAgentConfig()},
		AI: AIConfig{
			Profiles:         []AIProfile{},
			Cooldown:         time.Minute,
			MaxCooldown:      30 * time.Minute,
			ExhaustedBackoff: time.Hour,
		},
		Scheduler: SchedulerConfig{
			MainSessionKey: "main",
			Heartbeat: HeartbeatConfig{
				Enabled:  false,
				AgentID:  "default",
				Interval: 30 * time.Minute,
			},
		},
		Approvals: ApprovalsConfig{
			Enabled: true,
			Timeout: 60 * time.Second,
		},
		Tracing: TracingConfig{
			ServiceName: "vigil",
			Exporter:    "file",
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Agent returns the agent config with the given id.
func (c *Config) Agent(id string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// Validate checks if the configuration is valid and reports every problem found
func (c *Config) Validate() error {
	v := NewValidator()
	var errs []error

	if err := v.ValidateGateway(c.Gateway); err != nil {
		errs = append(errs, err)
	}

	profiles := make(map[string]AIProfile, len(c.AI.Profiles))
	for i, profile := range c.AI.Profiles {
		if err := v.ValidateProfile(profile); err != nil {
			errs = append(errs, fmt.Errorf("AI profile %d: %w", i, err))
			continue
		}
		if _, dup := profiles[profile.ID]; dup {
			errs = append(errs, fmt.Errorf("AI profile %s: duplicate id", profile.ID))
		}
		profiles[profile.ID] = profile
	}
	if len(c.AI.Profiles) == 0 {
		errs = append(errs, errors.New("no AI credentials configured: at least one AI profile is required"))
	}

	if len(c.Agents) == 0 {
		errs = append(errs, errors.New("at least one agent must be configured"))
	}
	agents := make(map[string]bool, len(c.Agents))
	for i, agent := range c.Agents {
		if agent.ID == "" {
			errs = append(errs, fmt.Errorf("agent %d: ID is required", i))
			continue
		}
		if agents[agent.ID] {
			errs = append(errs, fmt.Errorf("agent %s: duplicate id", agent.ID))
		}
		agents[agent.ID] = true
		if agent.MaxModelCalls <= 0 {
			errs = append(errs, fmt.Errorf("agent %s: max_model_calls must be positive", agent.ID))
		}
		if err := v.ValidateChain(agent.Chain, profiles); err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", agent.ID, err))
		}
		if err := v.ValidateSandbox(agent.Sandbox); err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", agent.ID, err))
		}
		if err := v.ValidateContext(agent.Context); err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", agent.ID, err))
		}
	}

	hb := c.Scheduler.Heartbeat
	if hb.Enabled {
		if !agents[hb.AgentID] {
			errs = append(errs, fmt.Errorf("heartbeat: unknown agent %q", hb.AgentID))
		}
		if hb.Interval <= 0 {
			errs = append(errs, errors.New("heartbeat: interval must be positive"))
		}
		if err := v.ValidateActiveHours(hb.ActiveHours); err != nil {
			errs = append(errs, fmt.Errorf("heartbeat: %w", err))
		}
		if len(hb.Chain) > 0 {
			if err := v.ValidateChain(hb.Chain, profiles); err != nil {
				errs = append(errs, fmt.Errorf("heartbeat: %w", err))
			}
		}
	}
	if c.Scheduler.MainSessionKey == "" {
		errs = append(errs, errors.New("scheduler: main_session_key is required"))
	}

	jobs := make(map[string]bool, len(c.Scheduler.Jobs))
	for i, job := range c.Scheduler.Jobs {
		if job.ID == "" {
			errs = append(errs, fmt.Errorf("job %d: ID is required", i))
			continue
		}
		if jobs[job.ID] {
			errs = append(errs, fmt.Errorf("job %s: duplicate id", job.ID))
		}
		jobs[job.ID] = true
		if !agents[job.AgentID] {
			errs = append(errs, fmt.Errorf("job %s: unknown agent %q", job.ID, job.AgentID))
		}
		if err := v.ValidateSchedule(job.Schedule, job.TZ); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
		}
		if job.Delivery != "" && job.Delivery != "announce" && job.Delivery != "internal" {
			errs = append(errs, fmt.Errorf("job %s: invalid delivery %q (must be announce or internal)", job.ID, job.Delivery))
		}
		if job.Target != "" && job.Target != "main" && job.Target != "isolated" {
			errs = append(errs, fmt.Errorf("job %s: invalid target %q (must be main or isolated)", job.ID, job.Target))
		}
		if err := v.ValidateActiveHours(job.ActiveHours); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
		}
		if len(job.Chain) > 0 {
			if err := v.ValidateChain(job.Chain, profiles); err != nil {
				errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
			}
		}
	}

	if c.Approvals.Enabled && c.Approvals.Timeout <= 0 {
		errs = append(errs, errors.New("approvals: timeout must be positive"))
	}
	if c.Tracing.Enabled {
		if err := v.ValidateTracing(c.Tracing); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
