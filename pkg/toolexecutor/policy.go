package toolexecutor

import (
	"errors"
	"fmt"
	"time"

	"github.com/harun/vigil/pkg/sandbox"
	"github.com/rs/zerolog/log"
)

const defaultToolTimeout = 30 * time.Second

// Policy is the agent-level tool policy applied to every call of a run.
type Policy struct {
	Allow []string `json:"allow"` // allowed tools, * for all
	Deny  []string `json:"deny"`  // denied tools, overrides allow

	// HostExec authorizes commands outside the sandbox.
	HostExec bool `json:"host_exec"`
	// RequireApproval suspends host commands until an operator answers.
	RequireApproval bool `json:"require_approval"`

	// Sandbox is the spec for sandboxed commands. Host commands reuse its
	// workspace and timeout with isolation none. A Sandbox whose isolation
	// is none makes every command a host command.
	Sandbox sandbox.Spec `json:"sandbox"`

	// Timeout bounds in-process tools.
	Timeout time.Duration `json:"timeout"`
}

// IsToolAllowed checks if a tool is allowed by the policy
func (p *Policy) IsToolAllowed(toolName string) bool {
	if p == nil {
		return false
	}

	for _, denied := range p.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}

	for _, allowed := range p.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}

	// If no explicit allow, deny by default
	return false
}

// Filter returns the names the policy allows, preserving order.
func (p *Policy) Filter(names []string) []string {
	filtered := make([]string, 0, len(names))
	for _, name := range names {
		if p.IsToolAllowed(name) {
			filtered = append(filtered, name)
		}
	}
	return filtered
}

// Validate checks the policy and its sandbox spec.
func (p *Policy) Validate() error {
	var errs []error

	hasAllowWildcard, hasDenyWildcard := false, false
	for _, a := range p.Allow {
		if a == "*" {
			hasAllowWildcard = true
		}
	}
	for _, d := range p.Deny {
		if d == "*" {
			hasDenyWildcard = true
		}
	}
	if hasAllowWildcard && hasDenyWildcard {
		log.Warn().Msg("Policy has both allow and deny wildcards - deny will override allow")
	}
	if len(p.Allow) == 0 {
		log.Warn().Msg("Policy has empty allow list - all tools will be denied by default")
	}

	if p.RequireApproval && !p.HostExec {
		errs = append(errs, fmt.Errorf("require_approval has no effect without host_exec"))
	}
	if err := p.Sandbox.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("sandbox: %w", err))
	}
	if p.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative"))
	}

	return errors.Join(errs...)
}

// resolveSpec returns the spec for one command. Host commands see the
// workspace read-write and no network restrictions beyond the host's own.
func (p *Policy) resolveSpec(host bool) sandbox.Spec {
	spec := p.Sandbox
	if !host {
		return spec
	}
	spec.Isolation = sandbox.IsolationNone
	spec.Image = ""
	spec.Network = sandbox.NetworkNone
	spec.AllowedHosts = nil
	if spec.Workspace != "" {
		spec.Filesystem = sandbox.FilesystemReadWrite
	} else {
		spec.Filesystem = sandbox.FilesystemNone
	}
	return spec
}

func (p *Policy) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return defaultToolTimeout
}
