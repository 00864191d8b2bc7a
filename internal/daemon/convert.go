package daemon

import (
	"fmt"
	"path/filepath"

	"github.com/harun/vigil/internal/config"
	"github.com/harun/vigil/pkg/agent"
	"github.com/harun/vigil/pkg/assembler"
	"github.com/harun/vigil/pkg/cron"
	"github.com/harun/vigil/pkg/provider"
	"github.com/harun/vigil/pkg/router"
	"github.com/harun/vigil/pkg/sandbox"
	"github.com/harun/vigil/pkg/toolexecutor"
)

// heartbeatJobID names the synthesized heartbeat job.
const heartbeatJobID = "heartbeat"

// convertProfiles converts config credentials to router profiles
func convertProfiles(profiles []config.AIProfile) []router.ProfileConfig {
	result := make([]router.ProfileConfig, len(profiles))
	for i, p := range profiles {
		result[i] = router.ProfileConfig{
			ID:       p.ID,
			Provider: p.Provider,
			Priority: p.Priority,
			Credential: provider.Credential{
				APIKey:  p.APIKey,
				BaseURL: p.BaseURL,
			},
		}
	}
	return result
}

func convertChain(entries []config.ChainEntry) router.Chain {
	if len(entries) == 0 {
		return nil
	}
	chain := make(router.Chain, len(entries))
	for i, e := range entries {
		chain[i] = router.ChainEntry{Model: e.Model, Provider: e.Provider, Profile: e.Profile}
	}
	return chain
}

// convertPolicy resolves an agent's tool policy. Authorized host commands need
// approval whenever the gate is enabled.
func convertPolicy(a config.AgentConfig, workspacePath string, approvals bool) toolexecutor.Policy {
	return toolexecutor.Policy{
		Allow:           a.Tools.Allow,
		Deny:            a.Tools.Deny,
		HostExec:        a.Tools.HostAuthorized,
		RequireApproval: approvals && a.Tools.HostAuthorized,
		Sandbox: sandbox.Spec{
			Isolation:     sandbox.Isolation(a.Sandbox.Isolation),
			Filesystem:    sandbox.Filesystem(a.Sandbox.Filesystem),
			Network:       sandbox.Network(a.Sandbox.Network),
			AllowedHosts:  a.Sandbox.AllowedHosts,
			EgressNetwork: a.Sandbox.EgressNetwork,
			Image:         a.Sandbox.Image,
			MemoryMB:      int(a.Sandbox.MemoryMB),
			Timeout:       a.Sandbox.Timeout,
			Workspace:     workspacePath,
		},
	}
}

func convertAgent(a config.AgentConfig, workspacePath string, approvals bool) agent.AgentConfig {
	return agent.AgentConfig{
		ID:            a.ID,
		Chain:         convertChain(a.Chain),
		Policy:        convertPolicy(a, workspacePath, approvals),
		MaxModelCalls: a.MaxModelCalls,
		Temperature:   a.Temperature,
		MaxTokens:     a.MaxTokens,
	}
}

// convertContext fills unset budgets from the assembler defaults.
func convertContext(c config.ContextConfig) assembler.Config {
	out := assembler.DefaultConfig()
	if c.PromptBudgetChars > 0 {
		out.PromptBudgetChars = c.PromptBudgetChars
	}
	if c.InputBudgetTokens > 0 {
		out.InputBudgetTokens = c.InputBudgetTokens
	}
	if c.ReserveTokens > 0 {
		out.ReserveTokens = c.ReserveTokens
	}
	if c.PruneIdleAfter > 0 {
		out.PruneIdleAfter = c.PruneIdleAfter
	}
	if c.PruneKeepRecent > 0 {
		out.PruneKeepRecent = c.PruneKeepRecent
	}
	if c.KeepRecentTurns > 0 {
		out.KeepRecentTurns = c.KeepRecentTurns
	}
	if c.FlushTimeout > 0 {
		out.FlushTimeout = c.FlushTimeout
	}
	return out
}

func convertActiveHours(a config.ActiveHoursConfig) *cron.ActiveHours {
	if a.Start == "" && a.End == "" {
		return nil
	}
	return &cron.ActiveHours{Start: a.Start, End: a.End, TZ: a.TZ}
}

// convertJobs builds the scheduler's jobs, the heartbeat first, and maps each
// job to the agent that runs it.
func convertJobs(s config.SchedulerConfig) ([]cron.Job, map[string]string, error) {
	var jobs []cron.Job
	agents := make(map[string]string)

	if hb := s.Heartbeat; hb.Enabled {
		jobs = append(jobs, cron.Job{
			ID:          heartbeatJobID,
			Kind:        cron.KindHeartbeat,
			Name:        "Heartbeat",
			Enabled:     true,
			Schedule:    cron.Schedule{Every: hb.Interval, TZ: hb.ActiveHours.TZ},
			Target:      cron.SessionTargetMain,
			Prompt:      hb.Prompt,
			Chain:       convertChain(hb.Chain),
			Delivery:    cron.DeliveryAnnounce,
			ActiveHours: convertActiveHours(hb.ActiveHours),
		})
		agents[heartbeatJobID] = hb.AgentID
	}

	for _, j := range s.Jobs {
		if j.ID == heartbeatJobID {
			return nil, nil, fmt.Errorf("job id %q is reserved", heartbeatJobID)
		}
		jobs = append(jobs, cron.Job{
			ID:          j.ID,
			Kind:        cron.KindCron,
			Name:        j.Name,
			Enabled:     j.Enabled,
			Schedule:    cron.Schedule{Expr: j.Schedule, TZ: j.TZ},
			Target:      cron.SessionTarget(j.Target),
			Prompt:      j.Prompt,
			Chain:       convertChain(j.Chain),
			Delivery:    cron.Delivery(j.Delivery),
			ActiveHours: convertActiveHours(j.ActiveHours),
		})
		agents[j.ID] = j.AgentID
	}
	return jobs, agents, nil
}

func sessionsDir(dataDir string) string {
	return filepath.Join(dataDir, "sessions")
}
