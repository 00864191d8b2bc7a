package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/harun/vigil/internal/daemon"
	"github.com/harun/vigil/pkg/commandqueue"
	"github.com/harun/vigil/pkg/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand(t *testing.T) {
	out, err := execute(t, "status", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "provider profile health")
}

func TestPrintStatus(t *testing.T) {
	cooldown := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	report := daemon.StatusReport{
		Version:   "0.1.0",
		Listener:  "127.0.0.1:18790",
		UptimeSec: 3725,
		Clients:   2,
		Profiles: []router.ProfileStatus{
			{ID: "primary", Provider: "anthropic", Priority: 1, Health: router.HealthHealthy},
			{ID: "backup", Provider: "openai", Priority: 2, Health: router.HealthCoolingDown, CooldownUntil: &cooldown},
		},
		NextFires: map[string]time.Time{
			"heartbeat": time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC),
			"digest":    time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC),
		},
		Queue: map[string]commandqueue.LaneStats{
			"session:main": {Running: 1, Queued: 2},
		},
		Pending: 1,
	}

	var buf bytes.Buffer
	printStatus(&buf, report)
	out := buf.String()

	assert.Contains(t, out, "Status: running")
	assert.Contains(t, out, "Listener: 127.0.0.1:18790")
	assert.Contains(t, out, "Uptime: 1h2m5s")
	assert.Contains(t, out, "primary (anthropic, priority 1): healthy")
	assert.Contains(t, out, "until 2026-03-01T12:05:00Z")
	assert.Contains(t, out, "session:main: 1 running, 2 queued")
	assert.Contains(t, out, "Pending approvals: 1")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("digest:")), bytes.Index(buf.Bytes(), []byte("heartbeat:")))
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatDuration(tt.duration)
			assert.Equal(t, tt.expected, result)
		})
	}
}
