package sip_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ghettovoice/sipcore/internal/testutils"
	"github.com/ghettovoice/sipcore/sip"
)

func TestInviteClientTransaction_ProvisionalThenSuccess(t *testing.T) {
	t.Parallel()

	env := newLayerEnv(t, sip.TimingConfig{})
	f := env.flow(t, udpIdent(5060))
	req := testutils.NewRequest(sip.MethodInvite, "call-1", "z9hG4bK.ict1")

	tx, err := env.txl.NewClientTransaction(t.Context(), req, f)
	if err != nil {
		t.Fatalf("txl.NewClientTransaction(ctx, req, f) error = %v, want nil", err)
	}
	if got, want := tx.Type(), sip.TransactionTypeClientInvite; got != want {
		t.Fatalf("tx.Type() = %q, want %q", got, want)
	}
	rec := recordStates(tx)
	assertCount(t, "sent INVITE count", len(env.w.Requests(sip.MethodInvite)), 1)

	// Timer A retransmits once before the 180 arrives.
	env.clk.Advance(time.Second)
	assertCount(t, "sent INVITE count", len(env.w.Requests(sip.MethodInvite)), 2)

	env.recvResponse(t, testutils.NewResponse(req, 180), f)
	assertState(t, tx, sip.TransactionStateProceeding)

	env.clk.Advance(time.Second)
	assertCount(t, "sent INVITE count", len(env.w.Requests(sip.MethodInvite)), 2)

	env.recvResponse(t, testutils.NewResponse(req, 200), f)
	assertState(t, tx, sip.TransactionStateCompleted)
	if got, want := tx.LastResponse().StatusCode(), 200; got != want {
		t.Fatalf("tx.LastResponse().StatusCode() = %v, want %v", got, want)
	}

	env.clk.Advance(sip.TimingConfig{}.TimeM())
	assertState(t, tx, sip.TransactionStateTerminated)

	want := []sip.TransactionState{
		sip.TransactionStateCalling,
		sip.TransactionStateProceeding,
		sip.TransactionStateCompleted,
		sip.TransactionStateTerminated,
	}
	if diff := cmp.Diff(rec.states, want); diff != "" {
		t.Fatalf("states = %v, want %v\ndiff (-got +want):\n%v", rec.states, want, diff)
	}

	var codes []int
	for _, ev := range testutils.EventsOf[*sip.ResponseEvent](env.evs) {
		codes = append(codes, ev.Response.StatusCode())
	}
	if diff := cmp.Diff(codes, []int{180, 200}); diff != "" {
		t.Fatalf("response events = %v, want [180 200]\ndiff (-got +want):\n%v", codes, diff)
	}

	terms := testutils.EventsOf[*sip.TransactionTerminatedEvent](env.evs)
	assertCount(t, "terminated events", len(terms), 1)
	if terms[0].Err != nil {
		t.Fatalf("terminated event error = %v, want nil", terms[0].Err)
	}
	assertCount(t, "ACK count", len(env.w.Requests(sip.MethodAck)), 0)
}

func TestInviteClientTransaction_Timeout(t *testing.T) {
	t.Parallel()

	env := newLayerEnv(t, sip.TimingConfig{})
	f := env.flow(t, udpIdent(5060))
	req := testutils.NewRequest(sip.MethodInvite, "call-1", "z9hG4bK.ict2")

	tx, err := env.txl.NewClientTransaction(t.Context(), req, f)
	if err != nil {
		t.Fatalf("txl.NewClientTransaction(ctx, req, f) error = %v, want nil", err)
	}

	env.clk.Advance(sip.TimingConfig{}.TimeB())
	assertState(t, tx, sip.TransactionStateTerminated)

	// sent at 0, then retransmitted at 0.5s, 1.5s, 3.5s, 7.5s, 15.5s and 31.5s
	assertCount(t, "sent INVITE count", len(env.w.Requests(sip.MethodInvite)), 7)

	env.clk.Advance(time.Minute)
	assertCount(t, "sent INVITE count", len(env.w.Requests(sip.MethodInvite)), 7)

	timeouts := testutils.EventsOf[*sip.TimeoutEvent](env.evs)
	assertCount(t, "timeout events", len(timeouts), 1)
	if got, want := timeouts[0].Timer, "B"; got != want {
		t.Fatalf("timeout event timer = %q, want %q", got, want)
	}
	assertCount(t, "terminated events", len(testutils.EventsOf[*sip.TransactionTerminatedEvent](env.evs)), 1)

	if diff := cmp.Diff(tx.Err(), sip.ErrTransactionTimeout, cmpopts.EquateErrors()); diff != "" {
		t.Fatalf("tx.Err() = %v, want %v\ndiff (-got +want):\n%v", tx.Err(), sip.ErrTransactionTimeout, diff)
	}
	select {
	case <-tx.Done():
	default:
		t.Fatal("tx.Done() not closed, want closed")
	}

	// timeout event precedes the terminated event
	evs := env.evs.All()
	last := evs[len(evs)-1]
	if _, ok := last.(*sip.TransactionTerminatedEvent); !ok {
		t.Fatalf("last event = %T, want *sip.TransactionTerminatedEvent", last)
	}
	if _, ok := evs[len(evs)-2].(*sip.TimeoutEvent); !ok {
		t.Fatalf("event before last = %T, want *sip.TimeoutEvent", evs[len(evs)-2])
	}
}

func TestInviteClientTransaction_RejectedUnreliable(t *testing.T) {
	t.Parallel()

	env := newLayerEnv(t, sip.TimingConfig{})
	f := env.flow(t, udpIdent(5060))
	req := testutils.NewRequest(sip.MethodInvite, "call-1", "z9hG4bK.ict3")

	tx, err := env.txl.NewClientTransaction(t.Context(), req, f)
	if err != nil {
		t.Fatalf("txl.NewClientTransaction(ctx, req, f) error = %v, want nil", err)
	}

	env.recvResponse(t, testutils.NewResponse(req, 486), f)
	assertState(t, tx, sip.TransactionStateCompleted)
	assertCount(t, "ACK count", len(env.w.Requests(sip.MethodAck)), 1)

	// a retransmitted final response is acknowledged again but not passed up
	env.recvResponse(t, testutils.NewResponse(req, 486), f)
	assertCount(t, "ACK count", len(env.w.Requests(sip.MethodAck)), 2)
	assertCount(t, "response events", len(testutils.EventsOf[*sip.ResponseEvent](env.evs)), 1)

	env.clk.Advance(sip.TimingConfig{}.TimeD() - time.Millisecond)
	assertState(t, tx, sip.TransactionStateCompleted)
	env.clk.Advance(time.Millisecond)
	assertState(t, tx, sip.TransactionStateTerminated)

	if tx.Err() != nil {
		t.Fatalf("tx.Err() = %v, want nil", tx.Err())
	}
}

func TestInviteClientTransaction_RejectedReliable(t *testing.T) {
	t.Parallel()

	env := newLayerEnv(t, sip.TimingConfig{})
	f := env.flow(t, tcpIdent("conn-1"))
	req := testutils.NewRequest(sip.MethodInvite, "call-1", "z9hG4bK.ict4")

	tx, err := env.txl.NewClientTransaction(t.Context(), req, f)
	if err != nil {
		t.Fatalf("txl.NewClientTransaction(ctx, req, f) error = %v, want nil", err)
	}

	// no Timer A over reliable flows
	env.clk.Advance(5 * time.Second)
	assertCount(t, "sent INVITE count", len(env.w.Requests(sip.MethodInvite)), 1)

	env.recvResponse(t, testutils.NewResponse(req, 603), f)
	assertState(t, tx, sip.TransactionStateTerminated)
	assertCount(t, "ACK count", len(env.w.Requests(sip.MethodAck)), 1)
	assertCount(t, "response events", len(testutils.EventsOf[*sip.ResponseEvent](env.evs)), 1)
	assertCount(t, "terminated events", len(testutils.EventsOf[*sip.TransactionTerminatedEvent](env.evs)), 1)
}

func TestInviteClientTransaction_SuccessRetransmissions(t *testing.T) {
	t.Parallel()

	env := newLayerEnv(t, sip.TimingConfig{})
	f := env.flow(t, udpIdent(5060))
	req := testutils.NewRequest(sip.MethodInvite, "call-1", "z9hG4bK.ict5")

	tx, err := env.txl.NewClientTransaction(t.Context(), req, f)
	if err != nil {
		t.Fatalf("txl.NewClientTransaction(ctx, req, f) error = %v, want nil", err)
	}

	env.recvResponse(t, testutils.NewResponse(req, 200), f)
	env.recvResponse(t, testutils.NewResponse(req, 200), f)
	assertState(t, tx, sip.TransactionStateCompleted)

	// late provisional and non-2xx responses are absorbed
	env.recvResponse(t, testutils.NewResponse(req, 180), f)
	env.recvResponse(t, testutils.NewResponse(req, 500), f)

	assertCount(t, "response events", len(testutils.EventsOf[*sip.ResponseEvent](env.evs)), 2)
	assertCount(t, "ACK count", len(env.w.Requests(sip.MethodAck)), 0)

	env.clk.Advance(sip.TimingConfig{}.TimeM())
	assertState(t, tx, sip.TransactionStateTerminated)
}

func TestInviteClientTransaction_SendFailure(t *testing.T) {
	t.Parallel()

	env := newLayerEnv(t, sip.TimingConfig{})
	f := env.flow(t, udpIdent(5060))
	req := testutils.NewRequest(sip.MethodInvite, "call-1", "z9hG4bK.ict6")

	sendErr := errors.New("network is unreachable")
	env.w.SetError(sendErr)

	_, err := env.txl.NewClientTransaction(t.Context(), req, f)
	if diff := cmp.Diff(err, sendErr, cmpopts.EquateErrors()); diff != "" {
		t.Fatalf("txl.NewClientTransaction(ctx, req, f) error = %v, want %v\ndiff (-got +want):\n%v", err, sendErr, diff)
	}

	tperrs := testutils.EventsOf[*sip.TransportErrorEvent](env.evs)
	assertCount(t, "transport error events", len(tperrs), 1)
	if !errors.Is(tperrs[0].Err, sendErr) {
		t.Fatalf("transport error event error = %v, want %v", tperrs[0].Err, sendErr)
	}
	assertCount(t, "terminated events", len(testutils.EventsOf[*sip.TransactionTerminatedEvent](env.evs)), 1)
}

func TestInviteClientTransaction_Terminate(t *testing.T) {
	t.Parallel()

	env := newLayerEnv(t, sip.TimingConfig{})
	f := env.flow(t, udpIdent(5060))
	req := testutils.NewRequest(sip.MethodInvite, "call-1", "z9hG4bK.ict7")

	tx, err := env.txl.NewClientTransaction(t.Context(), req, f)
	if err != nil {
		t.Fatalf("txl.NewClientTransaction(ctx, req, f) error = %v, want nil", err)
	}

	if err := tx.Terminate(t.Context()); err != nil {
		t.Fatalf("tx.Terminate(ctx) error = %v, want nil", err)
	}
	assertState(t, tx, sip.TransactionStateTerminated)
	if err := tx.Terminate(t.Context()); err != nil {
		t.Fatalf("second tx.Terminate(ctx) error = %v, want nil", err)
	}

	// timers are stopped, nothing more is sent
	env.clk.Advance(time.Minute)
	assertCount(t, "sent INVITE count", len(env.w.Requests(sip.MethodInvite)), 1)
	assertCount(t, "terminated events", len(testutils.EventsOf[*sip.TransactionTerminatedEvent](env.evs)), 1)
	assertCount(t, "timeout events", len(testutils.EventsOf[*sip.TimeoutEvent](env.evs)), 0)

	got := tx.RecvResponse(t.Context(), testutils.NewResponse(req, 200))
	if diff := cmp.Diff(got, sip.ErrTransactionTerminated, cmpopts.EquateErrors()); diff != "" {
		t.Fatalf("tx.RecvResponse(ctx, 200) error = %v, want %v\ndiff (-got +want):\n%v", got, sip.ErrTransactionTerminated, diff)
	}
}

func TestInviteClientTransaction_RecvResponseMismatch(t *testing.T) {
	t.Parallel()

	env := newLayerEnv(t, sip.TimingConfig{})
	f := env.flow(t, udpIdent(5060))
	req := testutils.NewRequest(sip.MethodInvite, "call-1", "z9hG4bK.ict8")

	tx, err := env.txl.NewClientTransaction(t.Context(), req, f)
	if err != nil {
		t.Fatalf("txl.NewClientTransaction(ctx, req, f) error = %v, want nil", err)
	}

	res := testutils.NewResponse(req, 200)
	res.Fields.Branch = "z9hG4bK.other"
	got := tx.RecvResponse(t.Context(), res)
	if diff := cmp.Diff(got, sip.ErrMalformedMatch, cmpopts.EquateErrors()); diff != "" {
		t.Fatalf("tx.RecvResponse(ctx, res) error = %v, want %v\ndiff (-got +want):\n%v", got, sip.ErrMalformedMatch, diff)
	}
	assertState(t, tx, sip.TransactionStateCalling)
}
