package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/vigil/internal/observability"
	"github.com/harun/vigil/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// maxFrame bounds a single inbound websocket message.
const maxFrame = 1 << 20

func (s *Server) refuse(r *http.Request, reason string) {
	observability.RecordConnection("rejected_" + reason)
	s.logger.Warn().Str("ip", r.RemoteAddr).Str("reason", reason).Msg("Connection rejected")
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		s.refuse(r, "shutting_down")
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.refuse(r, "upgrade_failed")
		return
	}
	id, err := gonanoid.New()
	if err != nil {
		_ = conn.Close()
		s.refuse(r, "internal")
		return
	}
	conn.SetReadLimit(maxFrame)

	c := newClient(id, conn, r.RemoteAddr,
		NewClientRateLimiterWithLimits(s.cfg.RequestsPerMinute, s.cfg.MaxConcurrent), time.Now())
	observability.SetGatewayClients(s.clients.Add(c))
	observability.RecordConnection("accepted")
	s.logger.Info().Str("clientId", id).Str("ip", r.RemoteAddr).Msg("Client connected")

	go s.serveConn(c)
}

// serveConn runs the handshake, when a secret is configured, then the
// request loop. It owns the connection and unregisters it on return.
func (s *Server) serveConn(c *Client) {
	defer func() {
		_ = c.Conn.Close()
		observability.SetGatewayClients(s.clients.Remove(c.ID))
		s.logger.Info().Str("clientId", c.ID).Msg("Client disconnected")
	}()

	if !s.auth.Enabled() {
		c.markAuthenticated()
	} else if err := s.challenge(c); err != nil {
		s.logger.Error().Err(err).Str("clientId", c.ID).Msg("Failed to send auth challenge")
		return
	}

	for {
		_, frame, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", c.ID).Msg("Websocket read failed")
			}
			return
		}
		c.touch(time.Now())
		if !s.dispatchFrame(c, frame) {
			return
		}
	}
}

func (s *Server) challenge(c *Client) error {
	nonce, err := s.auth.GenerateChallenge()
	if err != nil {
		return err
	}
	c.challenge = nonce
	return c.Send(AuthChallenge{Event: "auth.challenge", Challenge: nonce})
}

// dispatchFrame handles one inbound frame and reports whether the
// connection stays open.
func (s *Server) dispatchFrame(c *Client, frame []byte) bool {
	var probe struct {
		Method    string `json:"method"`
		Signature string `json:"signature"`
	}
	if json.Unmarshal(frame, &probe) == nil && probe.Method == "auth.response" {
		return s.answerChallenge(c, probe.Signature)
	}
	if !c.Authenticated() {
		s.reply(c, RPCResponse{JSONRPC: "2.0", Error: &RPCError{Code: AuthenticationRequired, Message: "Authentication required"}})
		return true
	}

	req, err := s.rpc.ParseRequest(frame)
	if err != nil {
		s.reply(c, RPCResponse{JSONRPC: "2.0", Error: toRPCError(err)})
		return true
	}
	if s.draining.Load() {
		s.reply(c, RPCResponse{ID: req.ID, JSONRPC: "2.0", Error: &RPCError{Code: InternalError, Message: "Server is shutting down"}})
		return true
	}
	release, refused := c.RateLimiter.Acquire()
	if refused != nil {
		s.reply(c, RPCResponse{ID: req.ID, JSONRPC: "2.0", Error: refused})
		return true
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer release()
		ctx := withClientID(tracing.WithTraceID(context.Background(), tracing.NewTraceID()), c.ID)
		s.reply(c, *s.rpc.RouteRequest(ctx, req))
	}()
	return true
}

func (s *Server) answerChallenge(c *Client, signature string) bool {
	result := s.auth.Respond(c, signature)
	if err := c.Send(result); err != nil {
		return false
	}
	if result.Success {
		s.logger.Info().Str("clientId", c.ID).Msg("Client authenticated")
		return true
	}

	observability.RecordConnection("rejected_auth")
	s.logger.Warn().
		Str("clientId", c.ID).
		Str("ip", c.IPAddress).
		Int("attempts", c.authAttempts).
		Msg(result.Message)
	observability.RecordSecurityAudit(context.Background(), "gateway.auth", c.IPAddress, "failed", map[string]interface{}{
		"client_id": c.ID,
		"attempts":  c.authAttempts,
	})
	return c.authAttempts < maxAuthAttempts
}

func (s *Server) reply(c *Client, resp RPCResponse) {
	if err := c.Send(resp); err != nil {
		s.logger.Debug().Err(err).Str("clientId", c.ID).Str("requestId", resp.ID).Msg("Failed to write response")
	}
}
