package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFactory(t *testing.T) {
	p, err := New("anthropic", Credential{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())

	p, err = New("openai", Credential{APIKey: "k", BaseURL: "http://127.0.0.1:1/v1"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())

	_, err = New("gemini", Credential{})
	assert.Error(t, err)
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		msg    string
		want   Class
	}{
		{401, "", ClassAuth},
		{403, "", ClassAuth},
		{402, "", ClassQuota},
		{429, "rate_limit_error", ClassRateLimit},
		{429, `"code":"insufficient_quota"`, ClassQuota},
		{400, "your credit balance is too low", ClassQuota},
		{400, "invalid_request_error", ClassFatal},
		{404, "", ClassFatal},
		{500, "", ClassTransient},
		{529, "overloaded_error", ClassTransient},
		{408, "", ClassTransient},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d %s", tt.status, tt.msg), func(t *testing.T) {
			assert.Equal(t, tt.want, classifyStatus(tt.status, tt.msg))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassCanceled, Classify(context.Canceled))
	assert.Equal(t, ClassTransient, Classify(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	assert.Equal(t, ClassRateLimit, Classify(errors.New("rate limit exceeded")))
	assert.Equal(t, ClassFatal, Classify(errors.New("model not found")))

	wrapped := Wrap("openai", errors.New("unauthorized"))
	var pe *Error
	require.ErrorAs(t, wrapped, &pe)
	assert.Equal(t, "openai", pe.Provider)
	assert.Equal(t, ClassAuth, pe.Class)
	assert.Equal(t, ClassAuth, Classify(fmt.Errorf("router: %w", wrapped)))
	assert.Same(t, wrapped, Wrap("anthropic", wrapped))
	assert.Nil(t, Wrap("openai", nil))
}

func TestAnthropicMessagesGroupToolResults(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: "list files and show the date"},
		{Role: RoleAssistant, Content: "Running both.", ToolCalls: []ToolCall{
			{ID: "t1", Name: "exec", Arguments: json.RawMessage(`{"command":"ls"}`)},
			{ID: "t2", Name: "exec", Arguments: json.RawMessage(`{"command":"date"}`)},
		}},
		{Role: RoleTool, ToolCallID: "t1", Content: "a.txt"},
		{Role: RoleTool, ToolCallID: "t2", Content: "boom", IsError: true},
		{Role: RoleAssistant, Content: "Done."},
	}

	out := anthropicMessages(msgs)
	require.Len(t, out, 4)
	assert.Equal(t, anthropic.MessageParamRoleUser, out[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, out[1].Role)
	assert.Len(t, out[1].Content, 3)
	assert.Equal(t, anthropic.MessageParamRoleUser, out[2].Role)
	assert.Len(t, out[2].Content, 2)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, out[3].Role)
}

func TestOpenAIMessages(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "exec"}}},
		{Role: RoleTool, ToolCallID: "c1", Content: "ok"},
	}
	out := openaiMessages("be brief", msgs)
	require.Len(t, out, 4)
	assert.NotNil(t, out[0].OfSystem)
	assert.NotNil(t, out[1].OfUser)
	require.NotNil(t, out[2].OfAssistant)
	require.Len(t, out[2].OfAssistant.ToolCalls, 1)
	assert.Equal(t, "{}", out[2].OfAssistant.ToolCalls[0].Function.Arguments)
	require.NotNil(t, out[3].OfTool)
	assert.Equal(t, "c1", out[3].OfTool.ToolCallID)
}
