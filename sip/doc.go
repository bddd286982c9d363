// Package sip implements the SIP (RFC 3261) protocol engine core:
// the transaction layer, the flow layer and the application dispatch model.
//
// Inbound messages enter through [Stack.Recv]. The [FlowManager] resolves the
// logical connection the message arrived on, the [TransactionLayer] matches it
// to a transaction and drives the RFC 3261 section 17 state machines, and the
// [Dispatcher] delivers the resulting events to the per-key [Application]
// instance, never running two handlers of the same instance concurrently.
//
// Message grammar is not handled here: messages are consumed through the
// [Request] and [Response] interfaces implemented by an external codec.
package sip

//go:generate go tool errtrace -w .
//go:generate go tool mockgen -destination=mocks/mocks.go -package=mocks . Application,EventHandler,FlowWriter,InstanceCreator
