package sip

import (
	"context"
	"log/slog"
	"strings"

	"braces.dev/errtrace"
)

// ClientTransaction represents a SIP client transaction.
type ClientTransaction interface {
	Transaction
	// Key returns the transaction key.
	Key() ClientTransactionKey
	// RecvResponse is called on each inbound response matched to the transaction.
	RecvResponse(ctx context.Context, res Response) error
}

// ClientTransactionKey identifies a client transaction (RFC 3261 section 17.1.3).
type ClientTransactionKey struct {
	// Branch is the branch parameter of the top Via header.
	Branch string `json:"branch"`
	// Method is the CSeq method.
	Method string `json:"method"`
}

// ClientTransactionKeyOf builds the client transaction key of the message.
func ClientTransactionKeyOf(msg Message) (ClientTransactionKey, error) {
	if err := validateMessage(msg); err != nil {
		return ClientTransactionKey{}, errtrace.Wrap(err)
	}
	return ClientTransactionKey{
		Branch: msg.Branch(),
		Method: strings.ToUpper(msg.CSeqMethod()),
	}, nil
}

// IsValid reports whether the key is filled.
func (k ClientTransactionKey) IsValid() bool {
	return k.Branch != "" && k.Method != ""
}

func (k ClientTransactionKey) String() string {
	return k.Branch + "/" + k.Method
}

// LogValue implements [slog.LogValuer].
func (k ClientTransactionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("branch", k.Branch),
		slog.String("method", k.Method),
	)
}

type clientTransact struct {
	*baseTransact
	key ClientTransactionKey
}

func newClientTransact(
	typ TransactionType,
	impl transactImpl,
	req Request,
	flow *Flow,
	w FlowWriter,
	opts *TransactionOptions,
) (*clientTransact, error) {
	base, err := newBaseTransact(typ, impl, req, flow, w, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	key, err := ClientTransactionKeyOf(req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &clientTransact{baseTransact: base, key: key}, nil
}

// Key returns the transaction key.
func (tx *clientTransact) Key() ClientTransactionKey {
	if tx == nil {
		return ClientTransactionKey{}
	}
	return tx.key
}

// LogValue implements [slog.LogValuer].
func (tx *clientTransact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("key", tx.key),
		slog.Any("type", tx.typ),
		slog.Any("state", tx.State()),
	)
}

const (
	txEvtRecv1xx = "recv_1xx"
	txEvtRecv2xx = "recv_2xx"
	txEvtRecv3xx = "recv_300-699"
)

// RecvResponse feeds an inbound response to the transaction state machine.
// Responses whose key differs from the transaction key are rejected with [ErrMalformedMatch].
func (tx *clientTransact) RecvResponse(ctx context.Context, res Response) error {
	if res == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}
	key, err := ClientTransactionKeyOf(res)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if key != tx.key {
		return errtrace.Wrap(newMalformedMatchError("response %v does not match transaction %v", key, tx.key))
	}
	if tx.State() == TransactionStateTerminated {
		return errtrace.Wrap(ErrTransactionTerminated)
	}

	code := res.StatusCode()
	var trig string
	switch {
	case code < 100 || code > 699:
		return errtrace.Wrap(NewInvalidArgumentError("invalid status code %d", code))
	case IsProvisional(code):
		trig = txEvtRecv1xx
	case IsSuccessful(code):
		trig = txEvtRecv2xx
	default:
		trig = txEvtRecv3xx
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "response received",
		slog.Any("transaction", tx.impl),
		slog.Int("status", code),
	)
	return errtrace.Wrap(tx.fire(ctx, trig, res))
}

func (tx *clientTransact) sendReq(ctx context.Context, req Request) error {
	return errtrace.Wrap(tx.write(ctx, req))
}

func (tx *clientTransact) actResendReq(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "retransmitting request", slog.Any("transaction", tx.impl))
	//nolint:errcheck
	tx.sendReq(ctx, tx.req)
	return nil
}

// actPassRes stores the response and passes it to the application.
func (tx *clientTransact) actPassRes(ctx context.Context, args ...any) error {
	res := args[0].(Response) //nolint:forcetypeassert
	tx.lastRes.Store(&res)
	tx.emit(ctx, &ResponseEvent{
		Response:    res,
		Transaction: tx.impl.(ClientTransaction), //nolint:forcetypeassert
		flow:        tx.flow,
	})
	return nil
}
