// Package sandbox executes shell commands for the tool broker, either on the
// host or inside an ephemeral container that never outlives one invocation.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/vigil/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Isolation selects where a command runs.
type Isolation string

const (
	IsolationNone      Isolation = "none"
	IsolationContainer Isolation = "container"
)

// Filesystem is the workspace visibility inside the environment.
type Filesystem string

const (
	FilesystemNone      Filesystem = "none"
	FilesystemReadOnly  Filesystem = "ro"
	FilesystemReadWrite Filesystem = "rw"
)

// Network is the egress policy of the environment.
type Network string

const (
	NetworkNone      Network = "none"
	NetworkAllowlist Network = "allowlist"
)

// maxOutputBytes caps captured stdout and stderr each.
const maxOutputBytes = 1 << 20

// Spec is the isolation policy resolved for one tool call.
type Spec struct {
	Isolation    Isolation     `json:"isolation"`
	Filesystem   Filesystem    `json:"filesystem"`
	Network      Network       `json:"network"`
	AllowedHosts []string      `json:"allowed_hosts,omitempty"`
	Image        string        `json:"image,omitempty"`
	MemoryMB     int           `json:"memory_mb,omitempty"`
	Timeout      time.Duration `json:"timeout"`

	// Workspace is the host directory exposed according to Filesystem.
	Workspace string `json:"workspace,omitempty"`
	// EgressNetwork is the container network used for allowlisted egress.
	// Its filtering of AllowedHosts is owned by the operator.
	EgressNetwork string `json:"egress_network,omitempty"`
}

// Validate checks that the spec is complete.
func (s Spec) Validate() error {
	switch s.Isolation {
	case IsolationNone, IsolationContainer:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidIsolation, s.Isolation)
	}
	switch s.Filesystem {
	case FilesystemNone, FilesystemReadOnly, FilesystemReadWrite:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFilesystem, s.Filesystem)
	}
	switch s.Network {
	case NetworkNone:
	case NetworkAllowlist:
		if len(s.AllowedHosts) == 0 {
			return fmt.Errorf("%w: allowlist without hosts", ErrInvalidNetwork)
		}
		if s.Isolation == IsolationContainer && s.EgressNetwork == "" {
			return fmt.Errorf("%w: allowlist without an egress network", ErrInvalidNetwork)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidNetwork, s.Network)
	}
	if s.Filesystem != FilesystemNone && s.Workspace == "" {
		return fmt.Errorf("%w: workspace path required for filesystem %q", ErrInvalidFilesystem, s.Filesystem)
	}
	if s.Isolation == IsolationContainer && s.Image == "" {
		return ErrImageRequired
	}
	if s.Timeout <= 0 {
		return ErrInvalidTimeout
	}
	return nil
}

// Request is one shell command.
type Request struct {
	Command string
	Env     map[string]string
}

// Result is the captured outcome of a command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Runner executes a command under a spec.
type Runner interface {
	Run(ctx context.Context, spec Spec, req Request) (Result, error)
}

// Sandbox routes commands to the host or container runner. Container isolation
// never falls back to the host.
type Sandbox struct {
	host      Runner
	container Runner
}

// New returns a Sandbox. container may be nil when no engine is reachable;
// container specs then fail with ErrContainerUnavailable.
func New(host, container Runner) *Sandbox {
	return &Sandbox{host: host, container: container}
}

// Run validates spec and executes req under it.
func (s *Sandbox) Run(ctx context.Context, spec Spec, req Request) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "vigil.sandbox", "sandbox.run",
		attribute.String("isolation", string(spec.Isolation)),
		attribute.String("filesystem", string(spec.Filesystem)),
		attribute.String("network", string(spec.Network)),
	)

	res, err := s.run(ctx, spec, req)
	span.SetAttributes(attribute.Int("exit_code", res.ExitCode), attribute.Bool("timed_out", res.TimedOut))
	tracing.EndSpan(span, err)
	return res, err
}

func (s *Sandbox) run(ctx context.Context, spec Spec, req Request) (Result, error) {
	if err := spec.Validate(); err != nil {
		return Result{}, err
	}
	if req.Command == "" {
		return Result{}, ErrEmptyCommand
	}

	switch spec.Isolation {
	case IsolationContainer:
		if s.container == nil {
			return Result{}, ErrContainerUnavailable
		}
		return s.container.Run(ctx, spec, req)
	default:
		if s.host == nil {
			return Result{}, fmt.Errorf("host runner not configured")
		}
		return s.host.Run(ctx, spec, req)
	}
}

// cappedBuffer keeps at most limit bytes and drops the rest.
type cappedBuffer struct {
	buf     []byte
	limit   int
	dropped int
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - len(b.buf)
	if room > len(p) {
		room = len(p)
	}
	if room > 0 {
		b.buf = append(b.buf, p[:room]...)
	}
	b.dropped += len(p) - room
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	if b.dropped == 0 {
		return b.buf
	}
	return append(b.buf, fmt.Sprintf("\n[%d bytes dropped]", b.dropped)...)
}
