package sip

import (
	"context"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/timeutil"
)

// InviteClientTransaction is the INVITE client transaction (RFC 3261 section 17.1.1).
//
// A 2xx response moves the transaction to Completed with Timer M running
// and further 2xx responses are passed to the application (RFC 6026).
// A non-2xx final response is acknowledged by the transaction itself and
// retransmissions of it are acknowledged again until Timer D fires.
type InviteClientTransaction struct {
	*clientTransact

	tmrA atomic.Pointer[timeutil.Timer]
	tmrB atomic.Pointer[timeutil.Timer]
	tmrD atomic.Pointer[timeutil.Timer]
	tmrM atomic.Pointer[timeutil.Timer]

	accepted atomic.Bool
	ack      Request
}

func newInviteClientTransaction(
	req Request,
	flow *Flow,
	w FlowWriter,
	opts *TransactionOptions,
) (*InviteClientTransaction, error) {
	if !IsInvite(req) {
		return nil, errtrace.Wrap(NewInvalidArgumentError("not an INVITE request"))
	}

	tx := new(InviteClientTransaction)
	clnTx, err := newClientTransact(TransactionTypeClientInvite, tx, req, flow, w, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx
	tx.initFSM(TransactionStateCalling)
	return tx, nil
}

const (
	txEvtTimerA = "timer_a"
	txEvtTimerB = "timer_b"
	txEvtTimerD = "timer_d"
	txEvtTimerM = "timer_m"
)

func (tx *InviteClientTransaction) initFSM(start TransactionState) {
	tx.clientTransact.initFSM(start)

	tx.fsm.Configure(TransactionStateCalling).
		InternalTransition(txEvtTimerA, tx.actTimerA).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv3xx, TransactionStateCompleted).
		Permit(txEvtTimerB, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv3xx, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv2xx, tx.actAccepted).
		OnEntryFrom(txEvtRecv3xx, tx.actRejected).
		InternalTransition(txEvtRecv1xx, tx.actNoop).
		InternalTransition(txEvtRecv2xx, tx.actRecv2xx).
		InternalTransition(txEvtRecv3xx, tx.actRecvFinal).
		Permit(txEvtTimerD, TransactionStateTerminated).
		Permit(txEvtTimerM, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.ignoreTerminated(txEvtRecv1xx, txEvtRecv2xx, txEvtRecv3xx, txEvtTimerA, txEvtTimerB, txEvtTimerD, txEvtTimerM)
}

func (tx *InviteClientTransaction) start(ctx context.Context) error {
	return errtrace.Wrap(tx.begin(ctx, tx.actCalling))
}

func (tx *InviteClientTransaction) actCalling(ctx context.Context, _ ...any) error {
	if err := tx.sendReq(ctx, tx.req); err != nil {
		return errtrace.Wrap(err)
	}

	if !tx.flow.IsReliable() {
		tx.tmrA.Store(tx.startTimer(ctx, "A", tx.timings.TimeA(), tx.onTimerA))
	}
	tx.tmrB.Store(tx.startTimer(ctx, "B", tx.timings.TimeB(), tx.onTimerB))
	return nil
}

func (tx *InviteClientTransaction) onTimerA() {
	tx.fireTimer("A", txEvtTimerA, TransactionStateCalling)
}

func (tx *InviteClientTransaction) actTimerA(ctx context.Context, args ...any) error {
	tx.actResendReq(ctx, args...) //nolint:errcheck

	if tmr := tx.tmrA.Load(); tmr != nil {
		tmr.Reset(2 * tmr.Duration())

		tx.log.LogAttrs(ctx, slog.LevelDebug,
			"timer A reset",
			slog.Any("transaction", tx),
			slog.Duration("duration", tmr.Duration()),
		)
	}
	return nil
}

func (tx *InviteClientTransaction) onTimerB() {
	tx.fireTimeout("B", txEvtTimerB, TransactionStateCalling)
}

func (tx *InviteClientTransaction) actProceeding(ctx context.Context, _ ...any) error {
	tx.stopTimer(ctx, "A", &tx.tmrA)
	tx.stopTimer(ctx, "B", &tx.tmrB)
	return nil
}

func (tx *InviteClientTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.stopTimer(ctx, "A", &tx.tmrA)
	tx.stopTimer(ctx, "B", &tx.tmrB)
	return nil
}

// actAccepted handles the first 2xx response.
func (tx *InviteClientTransaction) actAccepted(ctx context.Context, args ...any) error {
	tx.accepted.Store(true)
	tx.actPassRes(ctx, args...) //nolint:errcheck

	tx.tmrM.Store(tx.startTimer(ctx, "M", tx.timings.TimeM(), tx.onTimerM))
	return nil
}

func (tx *InviteClientTransaction) onTimerM() {
	tx.fireTimer("M", txEvtTimerM, TransactionStateCompleted)
}

// actRejected handles the first non-2xx final response.
func (tx *InviteClientTransaction) actRejected(ctx context.Context, args ...any) error {
	tx.actPassRes(ctx, args...) //nolint:errcheck
	tx.sendAck(ctx)

	if d := tx.waitDuration(tx.timings.TimeD()); d > 0 {
		tx.tmrD.Store(tx.startTimer(ctx, "D", d, tx.onTimerD))
		return nil
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtTimerD))
}

func (tx *InviteClientTransaction) onTimerD() {
	tx.fireTimer("D", txEvtTimerD, TransactionStateCompleted)
}

func (tx *InviteClientTransaction) actRecv2xx(ctx context.Context, args ...any) error {
	if !tx.accepted.Load() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "2xx response after rejection ignored", slog.Any("transaction", tx))
		return nil
	}
	return errtrace.Wrap(tx.actPassRes(ctx, args...))
}

func (tx *InviteClientTransaction) actRecvFinal(ctx context.Context, _ ...any) error {
	if tx.accepted.Load() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "final response after 2xx ignored", slog.Any("transaction", tx))
		return nil
	}
	tx.sendAck(ctx)
	return nil
}

// sendAck sends the ACK for the non-2xx final response.
// The ACK is built once and re-sent for each retransmitted final response.
func (tx *InviteClientTransaction) sendAck(ctx context.Context) {
	if tx.ack == nil {
		ack, err := tx.req.NewAck(tx.LastResponse())
		if err != nil {
			tx.log.LogAttrs(ctx, slog.LevelWarn, "failed to build ACK request",
				slog.Any("transaction", tx),
				slog.Any("error", err),
			)
			return
		}
		tx.ack = ack
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "sending ACK request", slog.Any("transaction", tx))
	tx.sendReq(ctx, tx.ack) //nolint:errcheck
}

func (tx *InviteClientTransaction) stopTimers(ctx context.Context) {
	tx.stopTimer(ctx, "A", &tx.tmrA)
	tx.stopTimer(ctx, "B", &tx.tmrB)
	tx.stopTimer(ctx, "D", &tx.tmrD)
	tx.stopTimer(ctx, "M", &tx.tmrM)
}
