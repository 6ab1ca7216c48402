package nickname

import (
	"errors"
	"fmt"

	"github.com/kshannoninnes/overseer/telemetry"
)

var (
	// ErrAlreadyEnforced is returned by Enforce when the user is already tracked.
	ErrAlreadyEnforced = errors.New("nickname already enforced for user")
	// ErrNotEnforced is returned by Release when the user is not tracked.
	ErrNotEnforced = errors.New("nickname not enforced for user")
	// ErrPermissionDenied is returned when the bot is not allowed to rename the target.
	ErrPermissionDenied = errors.New("insufficient permission to change nickname")
	// ErrOperationInProgress is returned when a bulk pass is requested while another runs.
	ErrOperationInProgress = errors.New("a bulk nickname operation is already in progress")
)

// GatewayError wraps a failed call to the platform.
type GatewayError struct {
	Op  string // self, member, roster, set_nickname
	ID  string // target user, empty for guild-wide calls
	Err error
}

func (e *GatewayError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gateway %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

func gatewayErr(op, id string, err error) error {
	telemetry.CountGatewayError(op)
	return &GatewayError{Op: op, ID: id, Err: err}
}

// resultLabel maps an operation outcome onto a metric label.
func resultLabel(err error) string {
	var gwErr *GatewayError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyEnforced):
		return "already_enforced"
	case errors.Is(err, ErrNotEnforced):
		return "not_enforced"
	case errors.Is(err, ErrPermissionDenied):
		return "denied"
	case errors.Is(err, ErrOperationInProgress):
		return "busy"
	case errors.As(err, &gwErr):
		return "gateway_error"
	default:
		return "error"
	}
}
