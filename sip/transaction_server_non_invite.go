package sip

import (
	"context"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/timeutil"
)

// NonInviteServerTransaction is the non-INVITE server transaction (RFC 3261 section 17.2.2).
type NonInviteServerTransaction struct {
	*serverTransact

	tmrJ atomic.Pointer[timeutil.Timer]
}

func newNonInviteServerTransaction(
	req Request,
	flow *Flow,
	w FlowWriter,
	opts *TransactionOptions,
) (*NonInviteServerTransaction, error) {
	if IsInvite(req) || IsAck(req) {
		return nil, errtrace.Wrap(NewInvalidArgumentError("%s request cannot start a non-INVITE transaction", req.Method()))
	}

	tx := new(NonInviteServerTransaction)
	srvTx, err := newServerTransact(TransactionTypeServerNonInvite, tx, req, flow, w, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = srvTx
	tx.initFSM(TransactionStateTrying)
	return tx, nil
}

const txEvtTimerJ = "timer_j"

func (tx *NonInviteServerTransaction) initFSM(start TransactionState) {
	tx.serverTransact.initFSM(start)

	tx.fsm.Configure(TransactionStateTrying).
		InternalTransition(txEvtRecvReq, tx.actNoop).
		Permit(txEvtSend1xx, TransactionStateProceeding).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend3xx, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend3xx, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtSend2xx, tx.actCompleted).
		OnEntryFrom(txEvtSend3xx, tx.actCompleted).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Permit(txEvtTimerJ, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.ignoreTerminated(txEvtRecvReq, txEvtRecvAck, txEvtTimerJ)
}

func (tx *NonInviteServerTransaction) start(ctx context.Context) error {
	return errtrace.Wrap(tx.begin(ctx, tx.actPassReq))
}

func (tx *NonInviteServerTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.actSendRes(ctx, args...) //nolint:errcheck

	if d := tx.waitDuration(tx.timings.TimeJ()); d > 0 {
		tx.tmrJ.Store(tx.startTimer(ctx, "J", d, tx.onTimerJ))
		return nil
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtTimerJ))
}

func (tx *NonInviteServerTransaction) onTimerJ() {
	tx.fireTimer("J", txEvtTimerJ, TransactionStateCompleted)
}

func (tx *NonInviteServerTransaction) stopTimers(ctx context.Context) {
	tx.stopTimer(ctx, "J", &tx.tmrJ)
}
