// Package provider adapts model vendor SDKs to one request/response shape.
// Only the router addresses providers directly.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
)

// Role of a message sent to a model.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the compiled context.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall // assistant messages only
	ToolCallID string     // tool messages only
	IsError    bool       // tool messages only
}

// ToolCall is a structured tool request returned by a model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolSpec describes a callable tool. Schema is a JSON Schema object.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// Request is a provider-agnostic model call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSpec
	Temperature float64
	MaxTokens   int

	// OnDelta, when set, receives text as it streams in.
	OnDelta func(text string)
}

// Usage reports token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is a completed model turn.
type Response struct {
	Content    string
	ToolCalls  []ToolCall
	Usage      Usage
	StopReason string
}

// Provider performs model calls with one credential.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Credential is the secret material of one auth profile.
type Credential struct {
	APIKey  string
	BaseURL string
}

// Factory builds a Provider for a vendor name and credential.
type Factory func(name string, cred Credential) (Provider, error)

// New is the default Factory.
func New(name string, cred Credential) (Provider, error) {
	switch name {
	case "anthropic":
		return NewAnthropic(cred), nil
	case "openai":
		return NewOpenAI(cred), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
}

func toolInput(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}
