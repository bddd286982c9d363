package sip

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"
)

// Event is an application-visible occurrence produced by the transaction layer.
//
// Events are immutable values. They reference the transaction and the flow
// they belong to but do not own them.
type Event interface {
	// Message returns the message the event is about.
	// For transaction events without a message of their own it is the transaction request.
	Message() Message
	// Flow returns the flow the event is bound to.
	Flow() *Flow

	isEvent()
}

// RequestEvent is an inbound request passed to the application.
type RequestEvent struct {
	Request Request
	// Transaction is the server transaction of the request.
	// It is nil for an ACK that matched no transaction.
	Transaction ServerTransaction
	// Cancelled is the INVITE server transaction a CANCEL request refers to, if any.
	Cancelled ServerTransaction

	flow *Flow
}

func (ev *RequestEvent) Message() Message { return ev.Request }
func (ev *RequestEvent) Flow() *Flow      { return ev.flow }
func (*RequestEvent) isEvent()            {}

// Respond builds a response with the given status and sends it through the event transaction.
func (ev *RequestEvent) Respond(ctx context.Context, code int, reason string) error {
	if ev.Transaction == nil {
		return errtrace.Wrap(NewInvalidArgumentError("request has no server transaction"))
	}
	res, err := ev.Request.NewResponse(code, reason)
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(ev.Transaction.Respond(ctx, res))
}

// LogValue implements [slog.LogValuer].
func (ev *RequestEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", "request"),
		slog.Any("request", ev.Request),
		slog.Any("transaction", ev.Transaction),
	)
}

// ResponseEvent is an inbound response passed to the application.
type ResponseEvent struct {
	Response    Response
	Transaction ClientTransaction

	flow *Flow
}

func (ev *ResponseEvent) Message() Message { return ev.Response }
func (ev *ResponseEvent) Flow() *Flow      { return ev.flow }
func (*ResponseEvent) isEvent()            {}

// LogValue implements [slog.LogValuer].
func (ev *ResponseEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", "response"),
		slog.Any("response", ev.Response),
		slog.Any("transaction", ev.Transaction),
	)
}

// TimeoutEvent reports a transaction terminated by Timer B, F or H.
// It is emitted at most once per transaction.
type TimeoutEvent struct {
	Transaction Transaction
	// Timer is the expired timer name.
	Timer string
}

func (ev *TimeoutEvent) Message() Message { return ev.Transaction.Request() }
func (ev *TimeoutEvent) Flow() *Flow      { return ev.Transaction.Flow() }
func (*TimeoutEvent) isEvent()            {}

// Err returns [ErrTransactionTimeout].
func (*TimeoutEvent) Err() error { return ErrTransactionTimeout }

// LogValue implements [slog.LogValuer].
func (ev *TimeoutEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", "timeout"),
		slog.String("timer", ev.Timer),
		slog.Any("transaction", ev.Transaction),
	)
}

// TransportErrorEvent reports a transaction terminated because a message could not be sent.
type TransportErrorEvent struct {
	Transaction Transaction
	Err         error
}

func (ev *TransportErrorEvent) Message() Message { return ev.Transaction.Request() }
func (ev *TransportErrorEvent) Flow() *Flow      { return ev.Transaction.Flow() }
func (*TransportErrorEvent) isEvent()            {}

// LogValue implements [slog.LogValuer].
func (ev *TransportErrorEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", "transport_error"),
		slog.Any("transaction", ev.Transaction),
		slog.Any("error", ev.Err),
	)
}

// TransactionTerminatedEvent reports a transaction entering the Terminated state.
// It is emitted exactly once per transaction, after any timeout or transport error event.
type TransactionTerminatedEvent struct {
	Transaction Transaction
	// Err is the termination reason, nil for a normal termination.
	Err error
}

func (ev *TransactionTerminatedEvent) Message() Message { return ev.Transaction.Request() }
func (ev *TransactionTerminatedEvent) Flow() *Flow      { return ev.Transaction.Flow() }
func (*TransactionTerminatedEvent) isEvent()            {}

// LogValue implements [slog.LogValuer].
func (ev *TransactionTerminatedEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", "transaction_terminated"),
		slog.Any("transaction", ev.Transaction),
		slog.Any("error", ev.Err),
	)
}

// EventSink receives events produced by the transaction layer.
type EventSink = func(ctx context.Context, ev Event)
