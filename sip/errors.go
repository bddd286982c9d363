package sip

import "github.com/ghettovoice/sipcore/internal/errorutil"

// Common errors.
const (
	ErrInvalidArgument        = errorutil.ErrInvalidArgument
	ErrActionNotAllowed Error = "action not allowed"
)

// Transaction errors.
const (
	// ErrMalformedMatch is returned when a message lacks the fields required for
	// transaction matching or contradicts the transaction it matched.
	ErrMalformedMatch Error = "malformed transaction match"
	// ErrTransactionTimeout is the reason of a transaction terminated by Timer B, F or H.
	ErrTransactionTimeout     Error = "transaction timed out"
	// ErrTransactionStale is the reason of a transaction terminated by the stale transaction timeout.
	ErrTransactionStale       Error = "stale transaction"
	ErrTransactionExists      Error = "transaction already exists"
	ErrTransactionNotFound    Error = "transaction not found"
	ErrTransactionTerminated  Error = "transaction terminated"
	ErrTransactionLayerClosed Error = "transaction layer closed"
	ErrUnexpectedMessage      Error = "unexpected message"
)

// Flow errors.
const (
	// ErrFlowIdleTimeout is the reason of a flow evicted after the idle timeout.
	ErrFlowIdleTimeout Error = "flow idle timeout"
	// ErrFlowClosed is the reason of a flow terminated by its transport.
	ErrFlowClosed          Error = "flow closed"
	ErrInvalidFlowIdentity Error = "invalid flow identity"
)

// Application errors.
const (
	// ErrApplicationHandlerFailure wraps errors returned or panics raised by application code.
	ErrApplicationHandlerFailure Error = "application handler failure"
	ErrInvalidHandler            Error = "invalid handler"
	ErrStackClosed               Error = "stack closed"
)

// Error represents a SIP error.
// See [errorutil.Error].
type Error = errorutil.Error

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}

func newMalformedMatchError(args ...any) error {
	return errorutil.NewWrapperError(ErrMalformedMatch, args...) //errtrace:skip
}

func newFlowIdentityError(args ...any) error {
	return errorutil.NewWrapperError(ErrInvalidFlowIdentity, args...) //errtrace:skip
}

func newHandlerFailure(args ...any) error {
	return errorutil.NewWrapperError(ErrApplicationHandlerFailure, args...) //errtrace:skip
}
