package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpec() Spec {
	return Spec{
		Isolation:  IsolationContainer,
		Filesystem: FilesystemReadOnly,
		Network:    NetworkNone,
		Image:      "alpine:3.20",
		Timeout:    5 * time.Second,
		Workspace:  "/srv/workspace",
	}
}

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Spec)
		wantErr error
	}{
		{name: "valid", mutate: func(*Spec) {}},
		{name: "bad isolation", mutate: func(s *Spec) { s.Isolation = "vm" }, wantErr: ErrInvalidIsolation},
		{name: "bad filesystem", mutate: func(s *Spec) { s.Filesystem = "rwx" }, wantErr: ErrInvalidFilesystem},
		{name: "workspace missing", mutate: func(s *Spec) { s.Workspace = "" }, wantErr: ErrInvalidFilesystem},
		{name: "no filesystem needs no workspace", mutate: func(s *Spec) { s.Filesystem = FilesystemNone; s.Workspace = "" }},
		{name: "allowlist without hosts", mutate: func(s *Spec) { s.Network = NetworkAllowlist }, wantErr: ErrInvalidNetwork},
		{name: "allowlist without egress network", mutate: func(s *Spec) { s.Network = NetworkAllowlist; s.AllowedHosts = []string{"api.github.com"} }, wantErr: ErrInvalidNetwork},
		{name: "allowlist with hosts", mutate: func(s *Spec) {
			s.Network = NetworkAllowlist
			s.AllowedHosts = []string{"api.github.com"}
			s.EgressNetwork = "vigil-egress"
		}},
		{name: "image required", mutate: func(s *Spec) { s.Image = "" }, wantErr: ErrImageRequired},
		{name: "host needs no image", mutate: func(s *Spec) { s.Image = ""; s.Isolation = IsolationNone }},
		{name: "timeout", mutate: func(s *Spec) { s.Timeout = 0 }, wantErr: ErrInvalidTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := testSpec()
			tt.mutate(&spec)
			err := spec.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

type recordingRunner struct {
	calls int
}

func (r *recordingRunner) Run(context.Context, Spec, Request) (Result, error) {
	r.calls++
	return Result{Stdout: []byte("ok")}, nil
}

func TestSandbox_Routing(t *testing.T) {
	host := &recordingRunner{}
	ctr := &recordingRunner{}
	sb := New(host, ctr)

	spec := testSpec()
	_, err := sb.Run(context.Background(), spec, Request{Command: "ls"})
	require.NoError(t, err)
	assert.Equal(t, 1, ctr.calls)
	assert.Equal(t, 0, host.calls)

	spec.Isolation = IsolationNone
	_, err = sb.Run(context.Background(), spec, Request{Command: "ls"})
	require.NoError(t, err)
	assert.Equal(t, 1, host.calls)
}

func TestSandbox_ContainerNeverFallsBackToHost(t *testing.T) {
	host := &recordingRunner{}
	sb := New(host, nil)

	_, err := sb.Run(context.Background(), testSpec(), Request{Command: "ls"})
	assert.ErrorIs(t, err, ErrContainerUnavailable)
	assert.Equal(t, 0, host.calls)
}

func TestSandbox_RejectsInvalidInput(t *testing.T) {
	sb := New(&recordingRunner{}, &recordingRunner{})

	_, err := sb.Run(context.Background(), testSpec(), Request{})
	assert.ErrorIs(t, err, ErrEmptyCommand)

	bad := testSpec()
	bad.Network = "open"
	_, err = sb.Run(context.Background(), bad, Request{Command: "ls"})
	assert.ErrorIs(t, err, ErrInvalidNetwork)
}

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(4)
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, _ = b.Write([]byte("gh"))
	assert.Equal(t, "abcd\n[4 bytes dropped]", string(b.Bytes()))
}
