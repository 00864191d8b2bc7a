package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harun/vigil/internal/config"
	"github.com/harun/vigil/pkg/agent"
	"github.com/harun/vigil/pkg/gateway"
	"github.com/spf13/cobra"
)

var chatTimeout time.Duration

var chatCmd = &cobra.Command{
	Use:   "chat <session-key> <message>",
	Short: "Send a message and stream the agent's reply",
	Long: `Send a message to a session over the websocket control plane and stream
the agent's reply until the run ends.`,
	Args: cobra.ExactArgs(2),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().DurationVar(&chatTimeout, "timeout", 10*time.Minute, "maximum time to wait for the run to end")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), chatTimeout)
	defer cancel()

	conn, err := dialGateway(ctx, cfg.Gateway)
	if err != nil {
		return err
	}
	defer conn.Close()

	return streamChat(ctx, conn, args[0], args[1], cmd.OutOrStdout())
}

// dialGateway opens a websocket and completes the challenge handshake when a
// shared secret is configured.
func dialGateway(ctx context.Context, gw config.GatewayConfig) (*websocket.Conn, error) {
	host := gw.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, strconv.Itoa(gw.Port)), Path: "/ws"}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", u.Host, err)
	}
	if gw.SharedSecret == "" {
		return conn, nil
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var challenge gateway.AuthChallenge
	if err := conn.ReadJSON(&challenge); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read auth challenge: %w", err)
	}
	if challenge.Event != "auth.challenge" {
		conn.Close()
		return nil, fmt.Errorf("unexpected first frame %q", challenge.Event)
	}
	if err := conn.WriteJSON(gateway.AuthResponse{
		Method:    "auth.response",
		Signature: gateway.Sign(gw.SharedSecret, challenge.Challenge),
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send auth response: %w", err)
	}
	var result gateway.AuthResult
	if err := conn.ReadJSON(&result); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read auth result: %w", err)
	}
	if !result.Success {
		conn.Close()
		return nil, fmt.Errorf("authentication failed: %s", result.Message)
	}
	_ = conn.SetReadDeadline(time.Time{})
	return conn, nil
}

// streamChat submits message on sessionKey and copies streamed text to w
// until the run on that session ends.
func streamChat(ctx context.Context, conn *websocket.Conn, sessionKey, message string, w io.Writer) error {
	reqID := uuid.NewString()
	if err := conn.WriteJSON(gateway.RPCRequest{
		ID:     reqID,
		Method: "chat.send",
		Params: map[string]interface{}{"sessionKey": sessionKey, "message": message},
	}); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	streamed := false
	for {
		var raw map[string]json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			return fmt.Errorf("connection closed before the run ended: %w", err)
		}

		if _, isEvent := raw["event"]; !isEvent {
			var resp gateway.RPCResponse
			if err := remarshal(raw, &resp); err != nil {
				return err
			}
			if resp.ID == reqID && resp.Error != nil {
				return resp.Error
			}
			continue
		}

		var ev struct {
			Event   string                 `json:"event"`
			Session string                 `json:"session_key"`
			Data    map[string]interface{} `json:"data"`
		}
		if err := remarshal(raw, &ev); err != nil {
			return err
		}
		if ev.Session != sessionKey {
			continue
		}

		switch ev.Event {
		case agent.EventDelta:
			if reset, _ := ev.Data["reset"].(bool); reset && streamed {
				fmt.Fprintln(w, "\n[retrying on another model]")
				continue
			}
			if text, _ := ev.Data["text"].(string); text != "" {
				streamed = true
				fmt.Fprint(w, text)
			}
		case agent.EventMessage:
			content, _ := ev.Data["content"].(string)
			if isErr, _ := ev.Data["error"].(bool); isErr || !streamed {
				fmt.Fprint(w, content)
			}
		case agent.EventToolCall:
			name, _ := ev.Data["name"].(string)
			fmt.Fprintf(w, "\n[tool %s]\n", name)
		case agent.EventRunEnd:
			outcome, _ := ev.Data["outcome"].(string)
			fmt.Fprintln(w)
			switch agent.Outcome(outcome) {
			case agent.OutcomeFailed, agent.OutcomeAborted:
				return fmt.Errorf("run ended: %s", outcome)
			}
			return nil
		}
	}
}

func remarshal(in interface{}, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
