package sip

import (
	"context"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/timeutil"
)

// InviteServerTransaction is the INVITE server transaction (RFC 3261 section 17.2.1).
//
// If the application has not sent a provisional response within [TimingConfig.Time100],
// the transaction sends 100 Trying on its own.
// A 2xx response moves the transaction to Completed with Timer L running:
// the application may retransmit the 2xx and the ACKs are passed to it (RFC 6026).
// A non-2xx final response is retransmitted by Timer G until an ACK arrives or Timer H fires.
type InviteServerTransaction struct {
	*serverTransact

	tmr100 atomic.Pointer[timeutil.Timer]
	tmrG   atomic.Pointer[timeutil.Timer]
	tmrH   atomic.Pointer[timeutil.Timer]
	tmrI   atomic.Pointer[timeutil.Timer]
	tmrL   atomic.Pointer[timeutil.Timer]

	accepted atomic.Bool
}

func newInviteServerTransaction(
	req Request,
	flow *Flow,
	w FlowWriter,
	opts *TransactionOptions,
) (*InviteServerTransaction, error) {
	if !IsInvite(req) {
		return nil, errtrace.Wrap(NewInvalidArgumentError("not an INVITE request"))
	}

	tx := new(InviteServerTransaction)
	srvTx, err := newServerTransact(TransactionTypeServerInvite, tx, req, flow, w, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = srvTx
	tx.initFSM(TransactionStateProceeding)
	return tx, nil
}

const (
	txEvtTimerG = "timer_g"
	txEvtTimerH = "timer_h"
	txEvtTimerI = "timer_i"
	txEvtTimerL = "timer_l"
)

func (tx *InviteServerTransaction) initFSM(start TransactionState) {
	tx.serverTransact.initFSM(start)

	tx.fsm.Configure(TransactionStateProceeding).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtRecvAck, tx.actNoop).
		InternalTransition(txEvtSend1xx, tx.actSend1xx).
		InternalTransition(txEvtTimer100, tx.actSend100).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend3xx, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtSend2xx, tx.actAccepted).
		OnEntryFrom(txEvtSend3xx, tx.actRejected).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtRecvAck, tx.actRecvAck).
		InternalTransition(txEvtSend1xx, tx.actNotAllowed).
		InternalTransition(txEvtSend2xx, tx.actResend2xx).
		InternalTransition(txEvtSend3xx, tx.actNotAllowed).
		InternalTransition(txEvtTimerG, tx.actTimerG).
		Permit(txEvtConfirm, TransactionStateConfirmed).
		Permit(txEvtTimerH, TransactionStateTerminated).
		Permit(txEvtTimerL, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateConfirmed).
		OnEntry(tx.actConfirmed).
		InternalTransition(txEvtRecvReq, tx.actNoop).
		InternalTransition(txEvtRecvAck, tx.actNoop).
		Permit(txEvtTimerI, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.ignoreTerminated(
		txEvtRecvReq, txEvtRecvAck, txEvtConfirm, txEvtTimer100,
		txEvtTimerG, txEvtTimerH, txEvtTimerI, txEvtTimerL,
	)
}

func (tx *InviteServerTransaction) start(ctx context.Context) error {
	return errtrace.Wrap(tx.begin(ctx, tx.actProceeding))
}

func (tx *InviteServerTransaction) actProceeding(ctx context.Context, args ...any) error {
	tx.actPassReq(ctx, args...) //nolint:errcheck

	if d := tx.timings.Time100(); d > 0 {
		tx.tmr100.Store(tx.startTimer(ctx, "100", d, tx.onTimer100))
	}
	return nil
}

func (tx *InviteServerTransaction) onTimer100() {
	tx.fireTimer("100", txEvtTimer100, TransactionStateProceeding)
}

// actSend100 sends 100 Trying unless the application has already responded.
func (tx *InviteServerTransaction) actSend100(ctx context.Context, _ ...any) error {
	if tx.LastResponse() != nil {
		return nil
	}

	res, err := tx.req.NewResponse(StatusTrying, "Trying")
	if err != nil {
		tx.log.LogAttrs(ctx, slog.LevelWarn, "failed to build 100 response",
			slog.Any("transaction", tx),
			slog.Any("error", err),
		)
		return nil
	}
	return errtrace.Wrap(tx.actSendRes(ctx, res))
}

func (tx *InviteServerTransaction) actSend1xx(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, "100", &tx.tmr100)
	return errtrace.Wrap(tx.actSendRes(ctx, args...))
}

func (tx *InviteServerTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.stopTimer(ctx, "100", &tx.tmr100)
	return nil
}

// actAccepted sends the first 2xx response.
func (tx *InviteServerTransaction) actAccepted(ctx context.Context, args ...any) error {
	tx.accepted.Store(true)
	tx.actSendRes(ctx, args...) //nolint:errcheck

	tx.tmrL.Store(tx.startTimer(ctx, "L", tx.timings.TimeL(), tx.onTimerL))
	return nil
}

func (tx *InviteServerTransaction) onTimerL() {
	tx.fireTimer("L", txEvtTimerL, TransactionStateCompleted)
}

// actRejected sends the first non-2xx final response.
func (tx *InviteServerTransaction) actRejected(ctx context.Context, args ...any) error {
	tx.actSendRes(ctx, args...) //nolint:errcheck

	if !tx.flow.IsReliable() {
		tx.tmrG.Store(tx.startTimer(ctx, "G", tx.timings.TimeG(), tx.onTimerG))
	}
	tx.tmrH.Store(tx.startTimer(ctx, "H", tx.timings.TimeH(), tx.onTimerH))
	return nil
}

func (tx *InviteServerTransaction) onTimerG() {
	tx.fireTimer("G", txEvtTimerG, TransactionStateCompleted)
}

func (tx *InviteServerTransaction) actTimerG(ctx context.Context, args ...any) error {
	tx.actResendRes(ctx, args...) //nolint:errcheck

	if tmr := tx.tmrG.Load(); tmr != nil {
		d := min(2*tmr.Duration(), tx.timings.T2())
		tmr.Reset(d)

		tx.log.LogAttrs(ctx, slog.LevelDebug,
			"timer G reset",
			slog.Any("transaction", tx),
			slog.Duration("duration", d),
		)
	}
	return nil
}

func (tx *InviteServerTransaction) onTimerH() {
	tx.fireTimeout("H", txEvtTimerH, TransactionStateCompleted)
}

func (tx *InviteServerTransaction) actResend2xx(ctx context.Context, args ...any) error {
	if !tx.accepted.Load() {
		return errtrace.Wrap(tx.actNotAllowed(ctx, args...))
	}
	return errtrace.Wrap(tx.actSendRes(ctx, args...))
}

func (tx *InviteServerTransaction) actNotAllowed(_ context.Context, args ...any) error {
	code := 0
	if res, ok := args[0].(Response); ok {
		code = res.StatusCode()
	}
	return errtrace.Wrap(errorutil.NewWrapperError(ErrActionNotAllowed,
		"cannot send %d response after final response", code))
}

// actRecvAck passes ACKs for 2xx responses to the application and
// confirms the transaction on ACK for a non-2xx response.
func (tx *InviteServerTransaction) actRecvAck(ctx context.Context, args ...any) error {
	if !tx.accepted.Load() {
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtConfirm))
	}

	ack := args[0].(Request) //nolint:forcetypeassert
	tx.log.LogAttrs(ctx, slog.LevelDebug, "passing ACK", slog.Any("transaction", tx))
	tx.emit(ctx, &RequestEvent{
		Request:     ack,
		Transaction: tx,
		flow:        tx.flow,
	})
	return nil
}

func (tx *InviteServerTransaction) actConfirmed(ctx context.Context, _ ...any) error {
	tx.stopTimer(ctx, "G", &tx.tmrG)
	tx.stopTimer(ctx, "H", &tx.tmrH)

	if d := tx.waitDuration(tx.timings.TimeI()); d > 0 {
		tx.tmrI.Store(tx.startTimer(ctx, "I", d, tx.onTimerI))
		return nil
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtTimerI))
}

func (tx *InviteServerTransaction) onTimerI() {
	tx.fireTimer("I", txEvtTimerI, TransactionStateConfirmed)
}

func (tx *InviteServerTransaction) stopTimers(ctx context.Context) {
	tx.stopTimer(ctx, "100", &tx.tmr100)
	tx.stopTimer(ctx, "G", &tx.tmrG)
	tx.stopTimer(ctx, "H", &tx.tmrH)
	tx.stopTimer(ctx, "I", &tx.tmrI)
	tx.stopTimer(ctx, "L", &tx.tmrL)
}
