package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// RPCRequest is a control-plane request frame.
type RPCRequest struct {
	ID             string                 `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	JSONRPC        string                 `json:"jsonrpc,omitempty"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

// RPCResponse answers an RPCRequest.
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// EventMessage is a server-initiated event frame.
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Seq       int64       `json:"seq"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
	RunID     string      `json:"run_id,omitempty"`
	Session   string      `json:"session_key,omitempty"`
}

// AuthChallenge is sent to every client on connect when a secret is set.
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse carries the client's HMAC of the challenge.
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

// AuthResult represents the result of authentication
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClientInfo is the status view of one connection.
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	IPAddress     string    `json:"ipAddress"`
	Idle          bool      `json:"idle"`
}

// RequestHandler handles one RPC method.
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// RPC error codes
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	NotFound               = -32004
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
	Conflict               = -32009
)

// Client is a connected websocket client. The handshake fields belong to
// the connection's read loop; authentication and activity are read from
// other goroutines and are atomic.
type Client struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	IPAddress   string
	RateLimiter *ClientRateLimiter

	challenge    string
	authAttempts int

	authenticated atomic.Bool
	lastActivity  atomic.Int64

	writeMu sync.Mutex
}

func newClient(id string, conn *websocket.Conn, ip string, limiter *ClientRateLimiter, now time.Time) *Client {
	c := &Client{
		ID:          id,
		Conn:        conn,
		ConnectedAt: now,
		IPAddress:   ip,
		RateLimiter: limiter,
	}
	c.touch(now)
	return c
}

// Authenticated reports whether the client may issue RPCs and receive events.
func (c *Client) Authenticated() bool { return c.authenticated.Load() }

// LastActivity is the time of the last frame read from the client.
func (c *Client) LastActivity() time.Time { return time.Unix(0, c.lastActivity.Load()) }

func (c *Client) touch(t time.Time) { c.lastActivity.Store(t.UnixNano()) }

func (c *Client) markAuthenticated() {
	c.challenge = ""
	c.authAttempts = 0
	c.authenticated.Store(true)
}

// Send writes one JSON frame. Safe for concurrent use.
func (c *Client) Send(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.Conn.WriteJSON(v)
}

// sendRaw writes an already-encoded frame.
func (c *Client) sendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}

const writeTimeout = 10 * time.Second
