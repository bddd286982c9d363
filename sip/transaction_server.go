package sip

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/errorutil"
)

// ServerTransaction represents a SIP server transaction.
type ServerTransaction interface {
	Transaction
	// Key returns the transaction key.
	Key() ServerTransactionKey
	// RecvRequest is called on each inbound request matched to the transaction.
	RecvRequest(ctx context.Context, req Request) error
	// Respond sends the response through the transaction.
	// It fails with [ErrActionNotAllowed] if the transaction state does not permit the response
	// and with [ErrTransactionTerminated] once the transaction is terminated.
	Respond(ctx context.Context, res Response) error
}

// ServerTransactionKey identifies a server transaction (RFC 3261 section 17.2.3).
type ServerTransactionKey struct {
	// Branch is the branch parameter of the top Via header.
	Branch string `json:"branch"`
	// SentBy is the sent-by value of the top Via header.
	SentBy string `json:"sent_by"`
	// Method is the request method, INVITE for ACK requests.
	Method string `json:"method"`
}

// ServerTransactionKeyOf builds the server transaction key of the request.
// ACK requests map to the key of the INVITE transaction they acknowledge.
func ServerTransactionKeyOf(req Request) (ServerTransactionKey, error) {
	if err := validateMessage(req); err != nil {
		return ServerTransactionKey{}, errtrace.Wrap(err)
	}

	method := strings.ToUpper(req.Method())
	if method == MethodAck {
		method = MethodInvite
	}
	return ServerTransactionKey{
		Branch: req.Branch(),
		SentBy: strings.ToLower(req.SentBy()),
		Method: method,
	}, nil
}

// IsValid reports whether the key is filled.
func (k ServerTransactionKey) IsValid() bool {
	return k.Branch != "" && k.Method != ""
}

func (k ServerTransactionKey) String() string {
	return k.Branch + "/" + k.SentBy + "/" + k.Method
}

// LogValue implements [slog.LogValuer].
func (k ServerTransactionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("branch", k.Branch),
		slog.String("sent_by", k.SentBy),
		slog.String("method", k.Method),
	)
}

type serverTransact struct {
	*baseTransact
	key ServerTransactionKey
	// cancelled is the INVITE transaction a CANCEL refers to.
	cancelled ServerTransaction
}

func newServerTransact(
	typ TransactionType,
	impl transactImpl,
	req Request,
	flow *Flow,
	w FlowWriter,
	opts *TransactionOptions,
) (*serverTransact, error) {
	base, err := newBaseTransact(typ, impl, req, flow, w, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	key, err := ServerTransactionKeyOf(req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &serverTransact{baseTransact: base, key: key}, nil
}

// Key returns the transaction key.
func (tx *serverTransact) Key() ServerTransactionKey {
	if tx == nil {
		return ServerTransactionKey{}
	}
	return tx.key
}

// LogValue implements [slog.LogValuer].
func (tx *serverTransact) LogValue() slog.Value {
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
	txEvtRecvReq  = "recv_req"
	txEvtRecvAck  = "recv_ack"
	txEvtSend1xx  = "send_1xx"
	txEvtSend2xx  = "send_2xx"
	txEvtSend3xx  = "send_300-699"
	txEvtConfirm  = "confirm"
	txEvtTimer100 = "timer_100"
)

// RecvRequest feeds a retransmitted request or an ACK to the transaction state machine.
func (tx *serverTransact) RecvRequest(ctx context.Context, req Request) error {
	key, err := ServerTransactionKeyOf(req)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if key != tx.key {
		return errtrace.Wrap(newMalformedMatchError("request %v does not match transaction %v", key, tx.key))
	}
	if tx.State() == TransactionStateTerminated {
		return errtrace.Wrap(ErrTransactionTerminated)
	}

	trig := txEvtRecvReq
	if IsAck(req) {
		trig = txEvtRecvAck
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "request received",
		slog.Any("transaction", tx.impl),
		slog.String("method", req.Method()),
	)
	return errtrace.Wrap(tx.fire(ctx, trig, req))
}

// Respond sends the response through the transaction.
func (tx *serverTransact) Respond(ctx context.Context, res Response) error {
	if res == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}
	if res.Branch() != tx.key.Branch || !isMethod(res.CSeqMethod(), tx.req.CSeqMethod()) {
		return errtrace.Wrap(NewInvalidArgumentError("response does not belong to the transaction"))
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
		trig = txEvtSend1xx
	case IsSuccessful(code):
		trig = txEvtSend2xx
	default:
		trig = txEvtSend3xx
	}

	if err := tx.fire(ctx, trig, res); err != nil {
		if errors.Is(err, ErrUnexpectedMessage) {
			return errtrace.Wrap(errorutil.NewWrapperError(ErrActionNotAllowed,
				"cannot send %d response in state %s", code, tx.State()))
		}
		return errtrace.Wrap(err)
	}
	if kind, _, reason := tx.termInfo(); kind == termTransport {
		return errtrace.Wrap(reason)
	}
	return nil
}

// actPassReq passes the request that created the transaction to the application.
func (tx *serverTransact) actPassReq(ctx context.Context, _ ...any) error {
	tx.emit(ctx, &RequestEvent{
		Request:     tx.req,
		Transaction: tx.impl.(ServerTransaction), //nolint:forcetypeassert
		Cancelled:   tx.cancelled,
		flow:        tx.flow,
	})
	return nil
}

func (tx *serverTransact) actSendRes(ctx context.Context, args ...any) error {
	res := args[0].(Response) //nolint:forcetypeassert
	tx.lastRes.Store(&res)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "sending response",
		slog.Any("transaction", tx.impl),
		slog.Int("status", res.StatusCode()),
	)
	tx.write(ctx, res) //nolint:errcheck
	return nil
}

// actResendRes re-sends the last response, if any.
func (tx *serverTransact) actResendRes(ctx context.Context, _ ...any) error {
	res := tx.LastResponse()
	if res == nil {
		return nil
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "retransmitting response",
		slog.Any("transaction", tx.impl),
		slog.Int("status", res.StatusCode()),
	)
	tx.write(ctx, res) //nolint:errcheck
	return nil
}
