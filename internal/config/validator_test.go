package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateActiveHours(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateActiveHours(ActiveHoursConfig{}))
	assert.NoError(t, v.ValidateActiveHours(ActiveHoursConfig{Start: "08:00", End: "22:30"}))
	assert.NoError(t, v.ValidateActiveHours(ActiveHoursConfig{Start: "22:00", End: "06:00", TZ: "Europe/Berlin"}))
	assert.Error(t, v.ValidateActiveHours(ActiveHoursConfig{Start: "8am", End: "22:00"}))
	assert.Error(t, v.ValidateActiveHours(ActiveHoursConfig{Start: "08:00", End: "08:00"}))
	assert.Error(t, v.ValidateActiveHours(ActiveHoursConfig{Start: "08:00", End: "09:00", TZ: "Mars/Olympus"}))
}

func TestValidateSchedule(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateSchedule("*/5 * * * *", ""))
	assert.NoError(t, v.ValidateSchedule("@every 1h", ""))
	assert.NoError(t, v.ValidateSchedule("@daily", "UTC"))
	assert.Error(t, v.ValidateSchedule("", ""))
	assert.Error(t, v.ValidateSchedule("* * *", ""))
}

func TestValidateSandbox(t *testing.T) {
	v := NewValidator()
	base := DefaultAgentConfig().Sandbox

	assert.NoError(t, v.ValidateSandbox(base))

	s := base
	s.Network = "allowlist"
	assert.Error(t, v.ValidateSandbox(s))
	s.AllowedHosts = []string{"api.github.com"}
	assert.Error(t, v.ValidateSandbox(s))
	s.EgressNetwork = "vigil-egress"
	assert.NoError(t, v.ValidateSandbox(s))

	s = base
	s.Image = ""
	assert.Error(t, v.ValidateSandbox(s))
	s.Isolation = "none"
	assert.NoError(t, v.ValidateSandbox(s))
}

func TestValidateProfile(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateProfile(AIProfile{ID: "p", Provider: "openai", APIKey: "k"}))
	assert.Error(t, v.ValidateProfile(AIProfile{Provider: "openai", APIKey: "k"}))
	assert.Error(t, v.ValidateProfile(AIProfile{ID: "p", Provider: "gemini", APIKey: "k"}))
	assert.Error(t, v.ValidateProfile(AIProfile{ID: "p", Provider: "openai"}))
}

func TestValidateTracing(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateTracing(TracingConfig{Exporter: "file", SampleRatio: 1}))
	assert.NoError(t, v.ValidateTracing(TracingConfig{Exporter: "otlp", Endpoint: "localhost:4318"}))
	assert.Error(t, v.ValidateTracing(TracingConfig{Exporter: "otlp"}))
	assert.Error(t, v.ValidateTracing(TracingConfig{Exporter: "jaeger"}))
	assert.Error(t, v.ValidateTracing(TracingConfig{SampleRatio: 1.5}))
}
