package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/vigil/internal/observability"
	"github.com/harun/vigil/pkg/cron"
	"github.com/harun/vigil/pkg/session"
)

// ChatRequest is an inbound chat.send.
type ChatRequest struct {
	SessionKey string
	Message    string
	// Wait blocks the RPC until the run ends and returns its result.
	Wait     bool
	ClientID string
}

// Runtime is the daemon side of the control plane.
type Runtime interface {
	Send(ctx context.Context, req ChatRequest) (interface{}, error)
	Abort(sessionKey string) bool
	IsRunning(sessionKey string) bool
	Status(ctx context.Context) (interface{}, error)
	Shutdown()
}

// SessionStore is the read/delete view of the session store.
type SessionStore interface {
	List(ctx context.Context) ([]session.Info, error)
	Load(ctx context.Context, key string) (*session.Session, error)
	Delete(ctx context.Context, key string) error
}

// Scheduler is the operator view of the job scheduler.
type Scheduler interface {
	Jobs() []cron.JobStatus
	RunJob(id string) (cron.Fire, error)
}

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("chat.send", s.handleChatSend)
	_ = s.RegisterMethod("chat.abort", s.handleChatAbort)
	_ = s.RegisterMethod("status", s.handleStatus)
	_ = s.RegisterMethod("daemon.stop", s.handleStop)

	if s.sessions != nil {
		_ = s.RegisterMethod("sessions.list", s.handleSessionsList)
		_ = s.RegisterMethod("sessions.get", s.handleSessionsGet)
		_ = s.RegisterMethod("sessions.delete", s.handleSessionsDelete)
	}
	if s.scheduler != nil {
		_ = s.RegisterMethod("cron.list", s.handleCronList)
		_ = s.RegisterMethod("cron.run", s.handleCronRun)
	}
	if s.approvals != nil {
		s.registerApprovalMethods(s.approvals)
	}
}

func stringParam(params map[string]interface{}, name string) (string, error) {
	v, ok := params[name].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("%s parameter is required and must be a string", name)}
	}
	return v, nil
}

func sessionKeyParam(params map[string]interface{}) (string, error) {
	key, err := stringParam(params, "sessionKey")
	if err != nil {
		return "", err
	}
	if err := session.ValidateKey(key); err != nil {
		return "", &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	return key, nil
}

// handleChatSend dispatches a message onto its session lane.
func (s *Server) handleChatSend(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionKey, err := sessionKeyParam(params)
	if err != nil {
		return nil, err
	}
	message, err := stringParam(params, "message")
	if err != nil {
		return nil, err
	}
	wait, _ := params["wait"].(bool)

	return s.runtime.Send(ctx, ChatRequest{
		SessionKey: sessionKey,
		Message:    message,
		Wait:       wait,
		ClientID:   ClientIDFromContext(ctx),
	})
}

func (s *Server) handleChatAbort(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionKey, err := sessionKeyParam(params)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"sessionKey": sessionKey,
		"aborted":    s.runtime.Abort(sessionKey),
	}, nil
}

func (s *Server) handleStatus(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	return s.runtime.Status(ctx)
}

// handleStop answers first and shuts the daemon down afterwards.
func (s *Server) handleStop(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	observability.RecordSecurityAudit(ctx, "daemon.stop", actorFromContext(ctx), "accepted", nil)
	go s.runtime.Shutdown()
	return map[string]interface{}{"stopping": true}, nil
}

func (s *Server) handleSessionsList(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	sessions, err := s.sessions.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return map[string]interface{}{
		"sessions": sessions,
	}, nil
}

func (s *Server) handleSessionsGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionKey, err := sessionKeyParam(params)
	if err != nil {
		return nil, err
	}

	sess, err := s.sessions.Load(ctx, sessionKey)
	if errors.Is(err, session.ErrNotFound) {
		return nil, &RPCError{Code: NotFound, Message: err.Error()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	return map[string]interface{}{
		"sessionKey":   sess.Key,
		"marker":       sess.Marker,
		"summary":      sess.Summary,
		"turns":        sess.Turns,
		"state":        sess.State,
		"createdAt":    sess.CreatedAt,
		"lastActivity": sess.LastActivity,
	}, nil
}

func (s *Server) handleSessionsDelete(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionKey, err := sessionKeyParam(params)
	if err != nil {
		return nil, err
	}
	if s.runtime.IsRunning(sessionKey) {
		return nil, &RPCError{Code: Conflict, Message: "session has a running agent, abort it first"}
	}

	err = s.sessions.Delete(ctx, sessionKey)
	if errors.Is(err, session.ErrNotFound) {
		return nil, &RPCError{Code: NotFound, Message: err.Error()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete session: %w", err)
	}

	observability.RecordSessionAudit(ctx, "session.delete", actorFromContext(ctx), map[string]interface{}{
		"session_key": sessionKey,
	})
	return map[string]interface{}{
		"success": true,
	}, nil
}

func (s *Server) handleCronList(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"jobs": s.scheduler.Jobs(),
	}, nil
}

func (s *Server) handleCronRun(_ context.Context, params map[string]interface{}) (interface{}, error) {
	jobID, err := stringParam(params, "jobId")
	if err != nil {
		return nil, err
	}

	fire, err := s.scheduler.RunJob(jobID)
	switch {
	case errors.Is(err, cron.ErrJobNotFound):
		return nil, &RPCError{Code: NotFound, Message: err.Error()}
	case errors.Is(err, cron.ErrJobRunning):
		return nil, &RPCError{Code: Conflict, Message: err.Error()}
	case err != nil:
		return nil, err
	}
	return map[string]interface{}{
		"jobId":      jobID,
		"runId":      fire.RunID,
		"sessionKey": fire.SessionKey,
	}, nil
}
