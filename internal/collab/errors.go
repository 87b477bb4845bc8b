package collab

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentworkforce/relaycollab/internal/conflict"
	"github.com/agentworkforce/relaycollab/internal/wire"
)

var (
	ErrConflictRejected     = errors.New("operation rejected by conflict resolution")
	ErrTargetNotFound       = errors.New("target not found")
	ErrUnsupportedForFormat = errors.New("operation not supported for document format")
	ErrUnknownAction        = errors.New("unknown action")
	ErrPersistenceFailure   = errors.New("persistence failure")
	ErrInvalidRequest       = errors.New("invalid request")
)

// ConflictError reports that the request's operation lost conflict
// resolution. It matches ErrConflictRejected.
type ConflictError struct {
	OperationID string
	Case        conflict.Case
	Resolution  conflict.Resolution
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: operation %s lost %s case %s to %s (%s)", ErrConflictRejected, e.OperationID,
		e.Case.Kind, e.Case.ID, e.Resolution.WinningOperationID, e.Resolution.Strategy)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflictRejected
}

// ErrorCode maps an orchestrator error to its wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConflictRejected):
		return wire.CodeConflictRejected
	case errors.Is(err, ErrTargetNotFound):
		return wire.CodeTargetNotFound
	case errors.Is(err, ErrUnsupportedForFormat):
		return wire.CodeUnsupportedForFormat
	case errors.Is(err, ErrUnknownAction):
		return wire.CodeUnknownAction
	case errors.Is(err, ErrPersistenceFailure):
		return wire.CodePersistenceFailure
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, conflict.ErrInvalidOperation):
		return wire.CodeInvalidRequest
	case errors.Is(err, context.DeadlineExceeded):
		return wire.CodeTimeout
	default:
		return wire.CodeInternal
	}
}
