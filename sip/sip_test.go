package sip_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/ghettovoice/sipcore/clock"
	"github.com/ghettovoice/sipcore/internal/testutils"
	"github.com/ghettovoice/sipcore/log"
	"github.com/ghettovoice/sipcore/sip"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func udpIdent(port uint16) sip.FlowIdentity {
	return sip.FlowIdentity{
		Transport: sip.TransportUDP,
		Local:     netip.MustParseAddrPort("127.0.0.1:5060"),
		Remote:    netip.AddrPortFrom(netip.MustParseAddr("127.0.0.2"), port),
	}
}

func tcpIdent(connID string) sip.FlowIdentity {
	return sip.FlowIdentity{
		Transport: sip.TransportTCP,
		Local:     netip.MustParseAddrPort("127.0.0.1:5060"),
		Remote:    netip.MustParseAddrPort("127.0.0.2:40000"),
		ConnID:    connID,
	}
}

// layerEnv is a transaction layer over a recording writer and a fake clock.
type layerEnv struct {
	clk   *clock.Fake
	w     *testutils.Writer
	evs   *testutils.Events
	flows *sip.FlowManager
	txl   *sip.TransactionLayer
}

func newLayerEnv(t *testing.T, timings sip.TimingConfig) *layerEnv {
	t.Helper()

	return newLayerEnvWith(t, &sip.TransactionLayerOptions{Timings: timings})
}

// newLayerEnvWith is like newLayerEnv but takes the layer options,
// the clock, sink and logger are always set by the env.
func newLayerEnvWith(t *testing.T, opts *sip.TransactionLayerOptions) *layerEnv {
	t.Helper()

	env := &layerEnv{
		clk: clock.NewFake(epoch),
		w:   new(testutils.Writer),
		evs: new(testutils.Events),
	}

	var err error
	env.flows, err = sip.NewFlowManager(env.w, &sip.FlowManagerOptions{Clock: env.clk, Log: log.Noop})
	if err != nil {
		t.Fatalf("sip.NewFlowManager(w, opts) error = %v, want nil", err)
	}
	txlOpts := *opts
	txlOpts.Clock = env.clk
	txlOpts.Sink = env.evs.Sink
	txlOpts.Log = log.Noop
	env.txl, err = sip.NewTransactionLayer(env.flows, &txlOpts)
	if err != nil {
		t.Fatalf("sip.NewTransactionLayer(flows, opts) error = %v, want nil", err)
	}
	env.flows.OnFlowTerminated(env.txl.FlowTerminated)

	t.Cleanup(func() {
		env.txl.Close(context.Background())   //nolint:errcheck
		env.flows.Close(context.Background()) //nolint:errcheck
	})
	return env
}

func (env *layerEnv) flow(t *testing.T, id sip.FlowIdentity) *sip.Flow {
	t.Helper()

	f, err := env.flows.ResolveOrCreate(t.Context(), id)
	if err != nil {
		t.Fatalf("flows.ResolveOrCreate(ctx, %v) error = %v, want nil", id, err)
	}
	return f
}

func (env *layerEnv) recvRequest(t *testing.T, req sip.Request, f *sip.Flow) {
	t.Helper()

	if err := env.txl.RecvRequest(t.Context(), req, f); err != nil {
		t.Fatalf("txl.RecvRequest(ctx, %v, f) error = %v, want nil", req, err)
	}
}

func (env *layerEnv) recvResponse(t *testing.T, res sip.Response, f *sip.Flow) {
	t.Helper()

	if err := env.txl.RecvResponse(t.Context(), res, f); err != nil {
		t.Fatalf("txl.RecvResponse(ctx, %v, f) error = %v, want nil", res, err)
	}
}

func (env *layerEnv) serverTx(t *testing.T, req sip.Request) sip.ServerTransaction {
	t.Helper()

	key, err := sip.ServerTransactionKeyOf(req)
	if err != nil {
		t.Fatalf("sip.ServerTransactionKeyOf(req) error = %v, want nil", err)
	}
	tx, ok := env.txl.ServerTransaction(key)
	if !ok {
		t.Fatalf("txl.ServerTransaction(%v) not found", key)
	}
	return tx
}

func assertState(t *testing.T, tx sip.Transaction, want sip.TransactionState) {
	t.Helper()

	if got := tx.State(); got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
}

func assertCount(t *testing.T, what string, got, want int) {
	t.Helper()

	if got != want {
		t.Fatalf("%s = %v, want %v", what, got, want)
	}
}

// stateRecorder collects the state transitions of a transaction.
type stateRecorder struct {
	states []sip.TransactionState
}

func recordStates(tx sip.Transaction) *stateRecorder {
	rec := &stateRecorder{states: []sip.TransactionState{tx.State()}}
	tx.OnStateChanged(func(_ context.Context, _ sip.Transaction, _, to sip.TransactionState) {
		rec.states = append(rec.states, to)
	})
	return rec
}
