package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/harun/vigil/internal/tracing"
	"github.com/rs/zerolog/log"
)

const (
	containerWorkdir = "/workspace"
	removeTimeout    = 30 * time.Second
	defaultMemoryMB  = 512
	defaultPidsLimit = 128
)

// Engine is the slice of the container engine API the runner needs.
type Engine interface {
	Create(ctx context.Context, cfg *container.Config, host *container.HostConfig) (string, error)
	Start(ctx context.Context, id string) error
	Wait(ctx context.Context, id string) (<-chan container.WaitResponse, <-chan error)
	Kill(ctx context.Context, id string) error
	Logs(ctx context.Context, id string, stdout, stderr io.Writer) error
	Remove(ctx context.Context, id string) error
	Pull(ctx context.Context, ref string) error
	IsNotFound(err error) bool
}

// DockerEngine adapts the Docker Engine SDK client.
type DockerEngine struct {
	cli *client.Client
}

// NewDockerEngine connects using the standard DOCKER_* environment and checks
// the daemon answers.
func NewDockerEngine(ctx context.Context) (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}
	return &DockerEngine{cli: cli}, nil
}

func (d *DockerEngine) Create(ctx context.Context, cfg *container.Config, host *container.HostConfig) (string, error) {
	resp, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *DockerEngine) Start(ctx context.Context, id string) error {
	return d.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (d *DockerEngine) Wait(ctx context.Context, id string) (<-chan container.WaitResponse, <-chan error) {
	return d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
}

func (d *DockerEngine) Kill(ctx context.Context, id string) error {
	return d.cli.ContainerKill(ctx, id, "SIGKILL")
}

func (d *DockerEngine) Logs(ctx context.Context, id string, stdout, stderr io.Writer) error {
	out, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = stdcopy.StdCopy(stdout, stderr, out)
	return err
}

func (d *DockerEngine) Remove(ctx context.Context, id string) error {
	return d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

func (d *DockerEngine) Pull(ctx context.Context, ref string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (d *DockerEngine) IsNotFound(err error) bool {
	return client.IsErrNotFound(err)
}

// Close closes the client.
func (d *DockerEngine) Close() error {
	return d.cli.Close()
}

// ContainerRunner runs each command in a fresh container that is force
// removed when the call returns, whatever the outcome.
type ContainerRunner struct {
	engine Engine
}

// NewContainerRunner returns a runner over engine.
func NewContainerRunner(engine Engine) *ContainerRunner {
	return &ContainerRunner{engine: engine}
}

// Run implements Runner.
func (c *ContainerRunner) Run(ctx context.Context, spec Spec, req Request) (Result, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	execCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	cfg, host := containerConfig(spec, req)

	start := time.Now()
	id, err := c.create(execCtx, cfg, host)
	if err != nil {
		if ctx.Err() != nil {
			return Result{ExitCode: -1}, ctx.Err()
		}
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return Result{ExitCode: -1, TimedOut: true, Duration: time.Since(start)}, ErrExecutionTimeout
		}
		return Result{}, fmt.Errorf("create container: %w", err)
	}

	defer func() {
		rmCtx, rmCancel := context.WithTimeout(tracing.Detach(ctx), removeTimeout)
		defer rmCancel()
		if err := c.engine.Remove(rmCtx, id); err != nil {
			logger.Error().Str("container_id", shortID(id)).Err(err).Msg("Failed to remove sandbox container")
		}
	}()

	if err := c.engine.Start(execCtx, id); err != nil {
		return Result{}, fmt.Errorf("start container: %w", err)
	}

	result := Result{ExitCode: -1}
	statusCh, errCh := c.engine.Wait(execCtx, id)
	select {
	case st := <-statusCh:
		result.ExitCode = int(st.StatusCode)
	case err := <-errCh:
		if execCtx.Err() == nil {
			return Result{}, fmt.Errorf("wait container: %w", err)
		}
		c.kill(ctx, id)
	case <-execCtx.Done():
		c.kill(ctx, id)
	}
	result.Duration = time.Since(start)

	stdout := newCappedBuffer(maxOutputBytes)
	stderr := newCappedBuffer(maxOutputBytes)
	logCtx, logCancel := context.WithTimeout(tracing.Detach(ctx), 10*time.Second)
	if err := c.engine.Logs(logCtx, id, stdout, stderr); err != nil {
		logger.Warn().Str("container_id", shortID(id)).Err(err).Msg("Failed to read sandbox container logs")
	}
	logCancel()
	result.Stdout = stdout.Bytes()
	result.Stderr = stderr.Bytes()

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if result.ExitCode == -1 && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		return result, ErrExecutionTimeout
	}

	logger.Debug().
		Str("runner", "container").
		Str("image", spec.Image).
		Str("container_id", shortID(id)).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("Command executed in container")

	return result, nil
}

func (c *ContainerRunner) create(ctx context.Context, cfg *container.Config, host *container.HostConfig) (string, error) {
	id, err := c.engine.Create(ctx, cfg, host)
	if err == nil || !c.engine.IsNotFound(err) {
		return id, err
	}

	log.Info().Str("image", cfg.Image).Msg("Pulling sandbox image")
	if err := c.engine.Pull(ctx, cfg.Image); err != nil {
		return "", fmt.Errorf("pull image %s: %w", cfg.Image, err)
	}
	return c.engine.Create(ctx, cfg, host)
}

func (c *ContainerRunner) kill(ctx context.Context, id string) {
	killCtx, cancel := context.WithTimeout(tracing.Detach(ctx), 10*time.Second)
	defer cancel()
	if err := c.engine.Kill(killCtx, id); err != nil {
		log.Warn().Str("container_id", shortID(id)).Err(err).Msg("Failed to kill sandbox container")
	}
}

// containerConfig maps a spec onto container and host configuration. With no
// network the container gets no interface besides loopback. Allowlisted egress
// joins EgressNetwork and the allowed hosts are exported to the command. An
// allowlist without an egress network stays offline.
func containerConfig(spec Spec, req Request) (*container.Config, *container.HostConfig) {
	env := make([]string, 0, len(req.Env)+2)
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, req.Env[k]))
	}

	networkMode := "none"
	if spec.Network == NetworkAllowlist && spec.EgressNetwork != "" {
		networkMode = spec.EgressNetwork
		env = append(env, "VIGIL_ALLOWED_HOSTS="+strings.Join(spec.AllowedHosts, ","))
	}

	workdir := "/tmp"
	var binds []string
	switch spec.Filesystem {
	case FilesystemReadOnly:
		binds = []string{fmt.Sprintf("%s:%s:ro", spec.Workspace, containerWorkdir)}
		workdir = containerWorkdir
	case FilesystemReadWrite:
		binds = []string{fmt.Sprintf("%s:%s:rw", spec.Workspace, containerWorkdir)}
		workdir = containerWorkdir
	}

	memoryMB := spec.MemoryMB
	if memoryMB <= 0 {
		memoryMB = defaultMemoryMB
	}
	pids := int64(defaultPidsLimit)

	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             []string{"sh", "-c", req.Command},
		WorkingDir:      workdir,
		Env:             env,
		NetworkDisabled: networkMode == "none",
		Labels:          map[string]string{"vigil.sandbox": "1"},
	}
	host := &container.HostConfig{
		NetworkMode:    container.NetworkMode(networkMode),
		Binds:          binds,
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,size=64m"},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:    int64(memoryMB) * 1024 * 1024,
			PidsLimit: &pids,
		},
	}
	return cfg, host
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
