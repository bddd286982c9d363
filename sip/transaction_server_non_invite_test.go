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

func TestNonInviteServerTransaction_Unreliable(t *testing.T) {
	t.Parallel()

	env := newLayerEnv(t, sip.TimingConfig{})
	f := env.flow(t, udpIdent(5060))
	req := testutils.NewRequest(sip.MethodOptions, "call-1", "z9hG4bK.nist1")

	env.recvRequest(t, req, f)
	tx := env.serverTx(t, req)
	if got, want := tx.Type(), sip.TransactionTypeServerNonInvite; got != want {
		t.Fatalf("tx.Type() = %q, want %q", got, want)
	}
	assertState(t, tx, sip.TransactionStateTrying)
	rec := recordStates(tx)

	// retransmissions in Trying are absorbed silently
	env.recvRequest(t, req, f)
	assertCount(t, "sent messages", env.w.Len(), 0)

	if err := tx.Respond(t.Context(), testutils.NewResponse(req, 100)); err != nil {
		t.Fatalf("tx.Respond(ctx, 100) error = %v, want nil", err)
	}
	assertState(t, tx, sip.TransactionStateProceeding)
	env.recvRequest(t, req, f)
	assertCount(t, "sent 100 count", len(env.w.Responses(100)), 2)

	if err := tx.Respond(t.Context(), testutils.NewResponse(req, 200)); err != nil {
		t.Fatalf("tx.Respond(ctx, 200) error = %v, want nil", err)
	}
	assertState(t, tx, sip.TransactionStateCompleted)
	env.recvRequest(t, req, f)
	assertCount(t, "sent 200 count", len(env.w.Responses(200)), 2)

	got := tx.Respond(t.Context(), testutils.NewResponse(req, 500))
	if diff := cmp.Diff(got, sip.ErrActionNotAllowed, cmpopts.EquateErrors()); diff != "" {
		t.Fatalf("tx.Respond(ctx, 500) error = %v, want %v\ndiff (-got +want):\n%v", got, sip.ErrActionNotAllowed, diff)
	}

	env.clk.Advance(sip.TimingConfig{}.TimeJ() - time.Millisecond)
	assertState(t, tx, sip.TransactionStateCompleted)
	env.clk.Advance(time.Millisecond)
	assertState(t, tx, sip.TransactionStateTerminated)

	assertCount(t, "request events", len(testutils.EventsOf[*sip.RequestEvent](env.evs)), 1)

	want := []sip.TransactionState{
		sip.TransactionStateTrying,
		sip.TransactionStateProceeding,
		sip.TransactionStateCompleted,
		sip.TransactionStateTerminated,
	}
	if diff := cmp.Diff(rec.states, want); diff != "" {
		t.Fatalf("states = %v, want %v\ndiff (-got +want):\n%v", rec.states, want, diff)
	}
}

func TestNonInviteServerTransaction_Reliable(t *testing.T) {
	t.Parallel()

	env := newLayerEnv(t, sip.TimingConfig{})
	f := env.flow(t, tcpIdent("conn-1"))
	req := testutils.NewRequest(sip.MethodBye, "call-1", "z9hG4bK.nist2")

	env.recvRequest(t, req, f)
	tx := env.serverTx(t, req)
	if err := tx.Respond(t.Context(), testutils.NewResponse(req, 200)); err != nil {
		t.Fatalf("tx.Respond(ctx, 200) error = %v, want nil", err)
	}
	assertState(t, tx, sip.TransactionStateTerminated)

	got := tx.Respond(t.Context(), testutils.NewResponse(req, 200))
	if diff := cmp.Diff(got, sip.ErrTransactionTerminated, cmpopts.EquateErrors()); diff != "" {
		t.Fatalf("tx.Respond(ctx, 200) error = %v, want %v\ndiff (-got +want):\n%v", got, sip.ErrTransactionTerminated, diff)
	}
}

func TestNonInviteServerTransaction_RespondValidation(t *testing.T) {
	t.Parallel()

	env := newLayerEnv(t, sip.TimingConfig{})
	f := env.flow(t, udpIdent(5060))
	req := testutils.NewRequest(sip.MethodOptions, "call-1", "z9hG4bK.nist3")

	env.recvRequest(t, req, f)
	tx := env.serverTx(t, req)

	tests := []struct {
		name string
		res  sip.Response
	}{
		{"nil response", nil},
		{"foreign branch", &testutils.Response{
			Fields: testutils.Fields{CallID: "call-1", CSeqMethod: sip.MethodOptions, Branch: "z9hG4bK.x", SentBy: testutils.DefaultSentBy},
			Code:   200,
		}},
		{"foreign method", &testutils.Response{
			Fields: testutils.Fields{CallID: "call-1", CSeqMethod: sip.MethodBye, Branch: "z9hG4bK.nist3", SentBy: testutils.DefaultSentBy},
			Code:   200,
		}},
		{"invalid status", testutils.NewResponse(req, 99)},
	}
	for _, tc := range tests {
		got := tx.Respond(t.Context(), tc.res)
		if diff := cmp.Diff(got, sip.ErrInvalidArgument, cmpopts.EquateErrors()); diff != "" {
			t.Fatalf("%s: tx.Respond(ctx, res) error = %v, want %v\ndiff (-got +want):\n%v", tc.name, got, sip.ErrInvalidArgument, diff)
		}
	}
	assertState(t, tx, sip.TransactionStateTrying)
}

func TestNonInviteServerTransaction_SendFailure(t *testing.T) {
	t.Parallel()

	env := newLayerEnv(t, sip.TimingConfig{})
	f := env.flow(t, udpIdent(5060))
	req := testutils.NewRequest(sip.MethodOptions, "call-1", "z9hG4bK.nist4")

	env.recvRequest(t, req, f)
	tx := env.serverTx(t, req)

	sendErr := errors.New("message too long")
	env.w.SetError(sendErr)

	got := tx.Respond(t.Context(), testutils.NewResponse(req, 200))
	if diff := cmp.Diff(got, sendErr, cmpopts.EquateErrors()); diff != "" {
		t.Fatalf("tx.Respond(ctx, 200) error = %v, want %v\ndiff (-got +want):\n%v", got, sendErr, diff)
	}
	assertState(t, tx, sip.TransactionStateTerminated)
	assertCount(t, "transport error events", len(testutils.EventsOf[*sip.TransportErrorEvent](env.evs)), 1)
	assertCount(t, "terminated events", len(testutils.EventsOf[*sip.TransactionTerminatedEvent](env.evs)), 1)
}
