package toolexecutor

import "errors"

var (
	ErrToolNotFound       = errors.New("tool not found")
	ErrDuplicateTool      = errors.New("tool already registered")
	ErrInvalidDefinition  = errors.New("invalid tool definition")
	ErrInvalidArguments   = errors.New("invalid arguments")
	ErrApprovalNotFound   = errors.New("approval request not found")
	ErrInvalidDecision    = errors.New("invalid approval decision")
	ErrApprovalsDisabled  = errors.New("approvals are not configured")
	ErrNonZeroExit        = errors.New("command exited with non-zero status")
	ErrSessionKeyRequired = errors.New("session key required")
)

// Result codes carried on failed tool results.
const (
	CodePolicyDenied     = "policy_denied"
	CodeApprovalDenied   = "approval_denied"
	CodeApprovalTimeout  = "approval_timeout"
	CodeNotFound         = "not_found"
	CodeInvalidArguments = "invalid_arguments"
	CodeExecutionError   = "execution_error"
	CodeTimeout          = "timeout"
	CodeCanceled         = "canceled"
)
