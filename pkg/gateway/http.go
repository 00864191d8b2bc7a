package gateway

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/harun/vigil/internal/tracing"
)

// SecretHeader carries the shared secret on one-shot HTTP RPCs.
const SecretHeader = "X-Vigil-Secret"

// TraceHeader lets a caller pin the trace id of an HTTP RPC.
const TraceHeader = "X-Trace-Id"

func writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// checkOrigin admits any origin when a shared secret guards the gateway.
// Without one, browser requests must come from a loopback origin; requests
// without an Origin header are not from a browser page.
func (s *Server) checkOrigin(r *http.Request) bool {
	if s.auth.Enabled() {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if s.draining.Load() {
		status = "draining"
	}
	_ = writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// handleRPC serves one request per POST, authenticated by SecretHeader.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method != http.MethodPost:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	case s.draining.Load():
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	case !s.checkOrigin(r):
		s.refuse(r, "origin_denied")
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	case !s.auth.VerifySecret(r.Header.Get(SecretHeader)):
		s.refuse(r, "rpc_unauthorized")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxFrame))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	req, err := s.rpc.ParseRequest(body)
	if err != nil {
		_ = writeJSON(w, http.StatusBadRequest, RPCResponse{JSONRPC: "2.0", Error: toRPCError(err)})
		return
	}

	traceID := r.Header.Get(TraceHeader)
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithTraceID(r.Context(), traceID)
	lg := tracing.LoggerFromContext(ctx, s.logger)
	lg.Info().Str("request_id", req.ID).Str("method", req.Method).Msg("HTTP RPC")

	s.inflight.Add(1)
	resp := s.rpc.RouteRequest(ctx, req)
	s.inflight.Done()

	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		lg.Error().Err(err).Msg("Failed to write RPC response")
	}
}
