package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/vigil/pkg/sandbox"
)

// Workspace is the slice of the workspace contract tools may touch.
type Workspace interface {
	ReadField(name string) (string, error)
	WriteField(name, content string) error
}

// StateStore is the per-session state map.
type StateStore interface {
	State(ctx context.Context, key string) (map[string]any, error)
	SetState(ctx context.Context, key, name string, value any) error
}

// RegisterBuiltins registers exec, workspace_read, workspace_write,
// state_get and state_set. ws and state may be nil to skip their tools.
func RegisterBuiltins(r *Registry, runner CommandRunner, ws Workspace, state StateStore) error {
	defs := []ToolDefinition{ExecTool(runner)}
	if ws != nil {
		defs = append(defs, WorkspaceReadTool(ws), WorkspaceWriteTool(ws))
	}
	if state != nil {
		defs = append(defs, StateGetTool(state), StateSetTool(state))
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// ExecTool runs a shell command in the resolved sandbox.
func ExecTool(runner CommandRunner) ToolDefinition {
	return ToolDefinition{
		Name:        "exec",
		Description: "Run a shell command. Runs in an isolated container unless elevated host execution is requested and authorized.",
		Command:     true,
		Parameters: []ToolParameter{
			{Name: "command", Type: "string", Description: "Shell command to run", Required: true},
			{Name: "elevated", Type: "boolean", Description: "Run on the host instead of the sandbox", Default: false},
		},
		Handler: func(ctx context.Context, inv Invocation) (string, error) {
			command, _ := inv.Params["command"].(string)
			if strings.TrimSpace(command) == "" {
				return "", fmt.Errorf("%w: command is empty", ErrInvalidArguments)
			}

			res, err := runner.Run(ctx, inv.Spec, sandbox.Request{Command: command})
			output := formatExec(res)
			if err != nil {
				return output, err
			}
			if res.ExitCode != 0 {
				return output, fmt.Errorf("%w: exit code %d", ErrNonZeroExit, res.ExitCode)
			}
			return output, nil
		},
	}
}

func formatExec(res sandbox.Result) string {
	var b strings.Builder
	b.Write(res.Stdout)
	if len(res.Stderr) > 0 {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
		b.WriteString("[stderr]\n")
		b.Write(res.Stderr)
	}
	if res.ExitCode != 0 {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[exit code %d]", res.ExitCode)
	}
	return b.String()
}

// WorkspaceReadTool reads one workspace field.
func WorkspaceReadTool(ws Workspace) ToolDefinition {
	return ToolDefinition{
		Name:        "workspace_read",
		Description: "Read a workspace field such as memory, identity or heartbeat.",
		Parameters: []ToolParameter{
			{Name: "field", Type: "string", Description: "Field name", Required: true},
		},
		Handler: func(_ context.Context, inv Invocation) (string, error) {
			field, _ := inv.Params["field"].(string)
			return ws.ReadField(field)
		},
	}
}

// WorkspaceWriteTool replaces or appends to an agent-writable field.
func WorkspaceWriteTool(ws Workspace) ToolDefinition {
	return ToolDefinition{
		Name:        "workspace_write",
		Description: "Write durable facts to an agent-writable workspace field (memory or identity).",
		Parameters: []ToolParameter{
			{Name: "field", Type: "string", Description: "Field name", Required: true},
			{Name: "content", Type: "string", Description: "Text to write", Required: true},
			{Name: "mode", Type: "string", Description: "replace or append", Enum: []string{"replace", "append"}, Default: "append"},
		},
		Handler: func(_ context.Context, inv Invocation) (string, error) {
			field, _ := inv.Params["field"].(string)
			content, _ := inv.Params["content"].(string)
			mode, _ := inv.Params["mode"].(string)

			if mode != "replace" {
				current, err := ws.ReadField(field)
				if err != nil {
					return "", err
				}
				if current != "" && !strings.HasSuffix(current, "\n") {
					current += "\n"
				}
				content = current + content
			}
			if err := ws.WriteField(field, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(content), field), nil
		},
	}
}

// StateGetTool reads the session state map.
func StateGetTool(state StateStore) ToolDefinition {
	return ToolDefinition{
		Name:        "state_get",
		Description: "Read a value from this session's state, or all values when key is omitted.",
		Parameters: []ToolParameter{
			{Name: "key", Type: "string", Description: "State key"},
		},
		Handler: func(ctx context.Context, inv Invocation) (string, error) {
			if inv.SessionKey == "" {
				return "", ErrSessionKeyRequired
			}
			values, err := state.State(ctx, inv.SessionKey)
			if err != nil {
				return "", err
			}

			if key, ok := inv.Params["key"].(string); ok && key != "" {
				v, found := values[key]
				if !found {
					return "null", nil
				}
				return marshalValue(v)
			}
			return marshalValue(values)
		},
	}
}

// StateSetTool writes one key of the session state map.
func StateSetTool(state StateStore) ToolDefinition {
	return ToolDefinition{
		Name:        "state_set",
		Description: "Store a JSON value under key in this session's state.",
		Parameters: []ToolParameter{
			{Name: "key", Type: "string", Description: "State key", Required: true},
			{Name: "value", Type: "any", Description: "Any JSON value; null removes the key", Required: true},
		},
		Handler: func(ctx context.Context, inv Invocation) (string, error) {
			if inv.SessionKey == "" {
				return "", ErrSessionKeyRequired
			}
			key, _ := inv.Params["key"].(string)
			if err := state.SetState(ctx, inv.SessionKey, key, inv.Params["value"]); err != nil {
				return "", err
			}
			return "ok", nil
		},
	}
}

func marshalValue(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
