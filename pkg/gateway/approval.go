package gateway

import (
	"context"
	"errors"

	"github.com/harun/vigil/pkg/toolexecutor"
)

// Approvals resolves suspended host commands.
type Approvals interface {
	Resolve(id string, decision toolexecutor.Decision, actor string) error
	Pending() []toolexecutor.ApprovalRequest
}

// registerApprovalMethods wires tools.approve and tools.pending. Approval
// requests themselves reach clients as tool.approval_request events through
// Emit.
func (s *Server) registerApprovalMethods(gate Approvals) {
	_ = s.rpc.RegisterMethod("tools.approve", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		id, err := stringParam(params, "approval_id")
		if err != nil {
			return nil, err
		}

		decisionStr, _ := params["decision"].(string)
		if decisionStr == "" {
			decisionStr, _ = params["action"].(string)
		}
		decision, err := toolexecutor.ParseDecision(decisionStr)
		if err != nil {
			return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
		}

		err = gate.Resolve(id, decision, actorFromContext(ctx))
		if errors.Is(err, toolexecutor.ErrApprovalNotFound) {
			return nil, &RPCError{Code: NotFound, Message: err.Error()}
		}
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "decision": string(decision)}, nil
	})

	_ = s.rpc.RegisterMethod("tools.pending", func(context.Context, map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"pending": gate.Pending()}, nil
	})
}
