package sip

import (
	"context"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/timeutil"
)

// NonInviteClientTransaction is the non-INVITE client transaction (RFC 3261 section 17.1.2).
type NonInviteClientTransaction struct {
	*clientTransact

	tmrE atomic.Pointer[timeutil.Timer]
	tmrF atomic.Pointer[timeutil.Timer]
	tmrK atomic.Pointer[timeutil.Timer]
}

func newNonInviteClientTransaction(
	req Request,
	flow *Flow,
	w FlowWriter,
	opts *TransactionOptions,
) (*NonInviteClientTransaction, error) {
	if IsInvite(req) || IsAck(req) {
		return nil, errtrace.Wrap(NewInvalidArgumentError("%s request cannot start a non-INVITE transaction", req.Method()))
	}

	tx := new(NonInviteClientTransaction)
	clnTx, err := newClientTransact(TransactionTypeClientNonInvite, tx, req, flow, w, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx
	tx.initFSM(TransactionStateTrying)
	return tx, nil
}

const (
	txEvtTimerE = "timer_e"
	txEvtTimerF = "timer_f"
	txEvtTimerK = "timer_k"
)

func (tx *NonInviteClientTransaction) initFSM(start TransactionState) {
	tx.clientTransact.initFSM(start)

	tx.fsm.Configure(TransactionStateTrying).
		InternalTransition(txEvtTimerE, tx.actTimerE).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv3xx, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtTimerE, tx.actTimerE).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv3xx, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtRecv2xx, tx.actCompleted).
		OnEntryFrom(txEvtRecv3xx, tx.actCompleted).
		InternalTransition(txEvtRecv1xx, tx.actNoop).
		InternalTransition(txEvtRecv2xx, tx.actNoop).
		InternalTransition(txEvtRecv3xx, tx.actNoop).
		Permit(txEvtTimerK, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.ignoreTerminated(txEvtRecv1xx, txEvtRecv2xx, txEvtRecv3xx, txEvtTimerE, txEvtTimerF, txEvtTimerK)
}

func (tx *NonInviteClientTransaction) start(ctx context.Context) error {
	return errtrace.Wrap(tx.begin(ctx, tx.actTrying))
}

func (tx *NonInviteClientTransaction) actTrying(ctx context.Context, _ ...any) error {
	if err := tx.sendReq(ctx, tx.req); err != nil {
		return errtrace.Wrap(err)
	}

	if !tx.flow.IsReliable() {
		tx.tmrE.Store(tx.startTimer(ctx, "E", tx.timings.TimeE(), tx.onTimerE))
	}
	tx.tmrF.Store(tx.startTimer(ctx, "F", tx.timings.TimeF(), tx.onTimerF))
	return nil
}

func (tx *NonInviteClientTransaction) onTimerE() {
	tx.fireTimer("E", txEvtTimerE, TransactionStateTrying, TransactionStateProceeding)
}

// actTimerE retransmits the request. The interval doubles up to T2 in Trying
// and stays at T2 in Proceeding.
func (tx *NonInviteClientTransaction) actTimerE(ctx context.Context, args ...any) error {
	tx.actResendReq(ctx, args...) //nolint:errcheck

	tmr := tx.tmrE.Load()
	if tmr == nil {
		return nil
	}
	d := tx.timings.T2()
	if tx.State() == TransactionStateTrying {
		d = min(2*tmr.Duration(), tx.timings.T2())
	}
	tmr.Reset(d)

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"timer E reset",
		slog.Any("transaction", tx),
		slog.Duration("duration", d),
	)
	return nil
}

func (tx *NonInviteClientTransaction) onTimerF() {
	tx.fireTimeout("F", txEvtTimerF, TransactionStateTrying, TransactionStateProceeding)
}

func (tx *NonInviteClientTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, "E", &tx.tmrE)
	tx.stopTimer(ctx, "F", &tx.tmrF)
	tx.actPassRes(ctx, args...) //nolint:errcheck

	if d := tx.waitDuration(tx.timings.TimeK()); d > 0 {
		tx.tmrK.Store(tx.startTimer(ctx, "K", d, tx.onTimerK))
		return nil
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtTimerK))
}

func (tx *NonInviteClientTransaction) onTimerK() {
	tx.fireTimer("K", txEvtTimerK, TransactionStateCompleted)
}

func (tx *NonInviteClientTransaction) stopTimers(ctx context.Context) {
	tx.stopTimer(ctx, "E", &tx.tmrE)
	tx.stopTimer(ctx, "F", &tx.tmrF)
	tx.stopTimer(ctx, "K", &tx.tmrK)
}
