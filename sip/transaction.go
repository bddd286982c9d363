package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipcore/clock"
	"github.com/ghettovoice/sipcore/internal/timeutil"
	"github.com/ghettovoice/sipcore/internal/types"
	"github.com/ghettovoice/sipcore/log"
)

// TransactionType is the kind of a transaction.
type TransactionType string

const (
	TransactionTypeClientInvite    TransactionType = "client_invite"
	TransactionTypeClientNonInvite TransactionType = "client_non_invite"
	TransactionTypeServerInvite    TransactionType = "server_invite"
	TransactionTypeServerNonInvite TransactionType = "server_non_invite"
)

// IsInvite reports whether the type is an INVITE transaction type.
func (t TransactionType) IsInvite() bool {
	return t == TransactionTypeClientInvite || t == TransactionTypeServerInvite
}

// IsClient reports whether the type is a client transaction type.
func (t TransactionType) IsClient() bool {
	return t == TransactionTypeClientInvite || t == TransactionTypeClientNonInvite
}

// TransactionState is a state of the RFC 3261 section 17 state machines.
type TransactionState string

const (
	TransactionStateCalling    TransactionState = "calling"
	TransactionStateTrying     TransactionState = "trying"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateCompleted  TransactionState = "completed"
	TransactionStateConfirmed  TransactionState = "confirmed"
	TransactionStateTerminated TransactionState = "terminated"
)

// TransactionStateHandler is called after each transaction state change.
type TransactionStateHandler = func(ctx context.Context, tx Transaction, from, to TransactionState)

// Transaction is a SIP transaction.
type Transaction interface {
	// Type returns the transaction type.
	Type() TransactionType
	// State returns the current transaction state.
	State() TransactionState
	// Request returns the request that created the transaction.
	Request() Request
	// LastResponse returns the last response sent or received by the transaction.
	LastResponse() Response
	// Flow returns the flow the transaction is bound to.
	Flow() *Flow
	// Err returns the termination reason.
	// It is nil while the transaction is alive or if it terminated normally.
	Err() error
	// Done returns a channel closed when the transaction is terminated.
	Done() <-chan struct{}
	// Terminate terminates the transaction immediately.
	Terminate(ctx context.Context) error
	// OnStateChanged registers a callback called after each state change.
	OnStateChanged(fn TransactionStateHandler) (cancel func())

	slog.LogValuer
}

type txCtxKey struct{}

// TransactionFromContext returns the transaction the context belongs to.
// Contexts passed to event handlers for timer-driven events carry it.
func TransactionFromContext(ctx context.Context) (Transaction, bool) {
	tx, ok := ctx.Value(txCtxKey{}).(Transaction)
	return tx, ok
}

// TransactionOptions are the options of a standalone transaction.
type TransactionOptions struct {
	// Timings is the SIP timing config.
	// If zero, the default SIP timing config will be used.
	Timings TimingConfig
	// Clock is the time source of the transaction timers.
	// If nil, the real clock is used.
	Clock clock.Clock
	// Sink receives the transaction events. Optional.
	Sink EventSink
	// Metrics records transaction metrics. Optional.
	Metrics *Metrics
	// Log is the logger that will be used with the transaction.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *TransactionOptions) timings() TimingConfig {
	if o == nil {
		return TimingConfig{}
	}
	return o.Timings
}

func (o *TransactionOptions) clock() clock.Clock {
	if o == nil {
		return clock.Real()
	}
	return clock.Or(o.Clock)
}

func (o *TransactionOptions) sink() EventSink {
	if o == nil {
		return nil
	}
	return o.Sink
}

func (o *TransactionOptions) metrics() *Metrics {
	if o == nil {
		return nil
	}
	return o.Metrics
}

func (o *TransactionOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

const (
	txEvtTerminate = "terminate"
	txEvtTranspErr = "transport_error"
)

type termKind int

const (
	termNormal termKind = iota
	termTimeout
	termTransport
	termAbort
)

type transactImpl interface {
	Transaction
	stopTimers(ctx context.Context)
}

// baseTransact holds the machinery shared by all transaction types:
// the state machine, the fire lock and the ordered event delivery.
//
// External triggers (messages, timers, application calls) are fired under fireMu.
// Actions never call the application directly: events are queued and delivered
// by a single drainer after fireMu is released, so handlers may call back into
// the transaction.
type baseTransact struct {
	typ     TransactionType
	impl    transactImpl
	req     Request
	flow    *Flow
	w       FlowWriter
	clk     clock.Clock
	timings TimingConfig
	sink    EventSink
	metrics *Metrics
	log     *slog.Logger
	ctx     context.Context //nolint:containedctx

	fsm    *stateless.StateMachine
	state  atomic.Value
	fireMu sync.Mutex

	lastRes atomic.Pointer[Response]

	pending  types.Deque[func()]
	draining atomic.Bool

	onState types.CallbackManager[TransactionStateHandler]
	done    chan struct{}

	reasonMu  sync.Mutex
	reason    error
	termKind  termKind
	termTimer string
}

func newBaseTransact(
	typ TransactionType,
	impl transactImpl,
	req Request,
	flow *Flow,
	w FlowWriter,
	opts *TransactionOptions,
) (*baseTransact, error) {
	if err := validateMessage(req); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if flow == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid flow"))
	}
	if w == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid flow writer"))
	}

	return &baseTransact{
		typ:     typ,
		impl:    impl,
		req:     req,
		flow:    flow,
		w:       w,
		clk:     opts.clock(),
		timings: opts.timings(),
		sink:    opts.sink(),
		metrics: opts.metrics(),
		log:     opts.log(),
		ctx:     context.WithValue(context.Background(), txCtxKey{}, impl),
		done:    make(chan struct{}),
	}, nil
}

func (tx *baseTransact) initFSM(start TransactionState) {
	tx.state.Store(start)
	tx.fsm = stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) {
			return tx.State(), nil
		},
		func(_ context.Context, s stateless.State) error {
			tx.state.Store(s)
			return nil
		},
		stateless.FiringQueued,
	)
	tx.fsm.OnUnhandledTrigger(func(_ context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		return errtrace.Wrap(fmt.Errorf("%w: %v in state %v", ErrUnexpectedMessage, trigger, state))
	})
	tx.fsm.OnTransitioned(tx.onTransitioned)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated)
}

// Type returns the transaction type.
func (tx *baseTransact) Type() TransactionType { return tx.typ }

// State returns the current transaction state.
func (tx *baseTransact) State() TransactionState {
	if s, ok := tx.state.Load().(TransactionState); ok {
		return s
	}
	return ""
}

// Request returns the request that created the transaction.
func (tx *baseTransact) Request() Request { return tx.req }

// LastResponse returns the last response sent or received by the transaction.
func (tx *baseTransact) LastResponse() Response {
	if res := tx.lastRes.Load(); res != nil {
		return *res
	}
	return nil
}

// Flow returns the flow the transaction is bound to.
func (tx *baseTransact) Flow() *Flow { return tx.flow }

// Done returns a channel closed when the transaction is terminated.
func (tx *baseTransact) Done() <-chan struct{} { return tx.done }

// Err returns the termination reason.
func (tx *baseTransact) Err() error {
	tx.reasonMu.Lock()
	defer tx.reasonMu.Unlock()
	return tx.reason
}

// OnStateChanged registers a callback called after each state change.
// Callbacks run outside of the transaction lock, in transition order.
func (tx *baseTransact) OnStateChanged(fn TransactionStateHandler) (cancel func()) {
	return tx.onState.Add(fn)
}

// Terminate terminates the transaction immediately without reporting an error.
func (tx *baseTransact) Terminate(ctx context.Context) error {
	return errtrace.Wrap(tx.abort(ctx, nil))
}

// abort terminates the transaction with the given reason.
func (tx *baseTransact) abort(ctx context.Context, reason error) error {
	tx.fireMu.Lock()
	if tx.State() == TransactionStateTerminated {
		tx.fireMu.Unlock()
		return nil
	}
	tx.setReason(reason, termAbort, "")
	err := tx.fsm.FireCtx(ctx, txEvtTerminate)
	tx.fireMu.Unlock()

	tx.deliver()
	return errtrace.Wrap(err)
}

// begin runs the initial action of a new transaction under the transaction lock.
func (tx *baseTransact) begin(ctx context.Context, fn stateless.ActionFunc) error {
	tx.metrics.transactionCreated(tx.typ)
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction created", slog.Any("transaction", tx.impl))

	tx.fireMu.Lock()
	err := fn(ctx)
	tx.fireMu.Unlock()

	tx.deliver()
	return errtrace.Wrap(err)
}

// ignoreTerminated makes the Terminated state absorb late triggers.
func (tx *baseTransact) ignoreTerminated(trigs ...string) {
	cfg := tx.fsm.Configure(TransactionStateTerminated)
	for _, trig := range append(trigs, txEvtTerminate, txEvtTranspErr) {
		cfg.Ignore(trig)
	}
}

// transportFailed terminates the transaction with a transport error raised outside of it,
// such as the termination of its reliable flow.
func (tx *baseTransact) transportFailed(ctx context.Context, err error) {
	tx.fireMu.Lock()
	if tx.State() == TransactionStateTerminated {
		tx.fireMu.Unlock()
		return
	}
	tx.setReason(err, termTransport, "")
	if err := tx.fsm.FireCtx(ctx, txEvtTranspErr); err != nil {
		tx.log.LogAttrs(ctx, slog.LevelWarn, "transport error not handled",
			slog.Any("transaction", tx.impl),
			slog.Any("error", err),
		)
	}
	tx.fireMu.Unlock()

	tx.deliver()
}

// fire fires the trigger under the transaction lock and delivers queued events.
func (tx *baseTransact) fire(ctx context.Context, trig string, args ...any) error {
	tx.fireMu.Lock()
	err := tx.fsm.FireCtx(ctx, trig, args...)
	tx.fireMu.Unlock()

	tx.deliver()
	return errtrace.Wrap(err)
}

// fireTimer fires a timer trigger if the transaction is still in one of the states.
// A timer that lost the race with a state change is a no-op.
func (tx *baseTransact) fireTimer(name, trig string, states ...TransactionState) bool {
	tx.fireMu.Lock()
	cur := tx.State()
	var ok bool
	for _, s := range states {
		if cur == s {
			ok = true
			break
		}
	}
	if !ok {
		tx.fireMu.Unlock()
		tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "stale timer "+name+" ignored", slog.Any("transaction", tx.impl))
		return false
	}

	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer "+name+" expired", slog.Any("transaction", tx.impl))
	if err := tx.fsm.FireCtx(tx.ctx, trig); err != nil {
		tx.log.LogAttrs(tx.ctx, slog.LevelWarn, "timer "+name+" not handled",
			slog.Any("transaction", tx.impl),
			slog.Any("error", err),
		)
	}
	tx.fireMu.Unlock()

	tx.deliver()
	return true
}

// fireTimeout terminates the transaction by an expired timeout timer.
func (tx *baseTransact) fireTimeout(name, trig string, states ...TransactionState) {
	tx.fireMu.Lock()
	cur := tx.State()
	var ok bool
	for _, s := range states {
		if cur == s {
			ok = true
			break
		}
	}
	if !ok {
		tx.fireMu.Unlock()
		tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "stale timer "+name+" ignored", slog.Any("transaction", tx.impl))
		return
	}

	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer "+name+" expired", slog.Any("transaction", tx.impl))
	tx.setReason(ErrTransactionTimeout, termTimeout, name)
	if err := tx.fsm.FireCtx(tx.ctx, trig); err != nil {
		tx.log.LogAttrs(tx.ctx, slog.LevelWarn, "timer "+name+" not handled",
			slog.Any("transaction", tx.impl),
			slog.Any("error", err),
		)
	}
	tx.fireMu.Unlock()

	tx.deliver()
}

func (tx *baseTransact) setReason(err error, kind termKind, timer string) {
	tx.reasonMu.Lock()
	defer tx.reasonMu.Unlock()
	if tx.reason != nil || tx.termKind != termNormal {
		return
	}
	tx.reason = err
	tx.termKind = kind
	tx.termTimer = timer
}

func (tx *baseTransact) termInfo() (termKind, string, error) {
	tx.reasonMu.Lock()
	defer tx.reasonMu.Unlock()
	return tx.termKind, tx.termTimer, tx.reason
}

// write sends the message over the transaction flow.
// A failed write terminates the transaction with a transport error.
// Must be called from a state machine action.
func (tx *baseTransact) write(ctx context.Context, msg Message) error {
	if err := tx.w.WriteMessage(ctx, tx.flow, msg); err != nil {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "failed to send message",
			slog.Any("transaction", tx.impl),
			slog.Any("message", log.StringValue(msg)),
			slog.Any("error", err),
		)
		tx.setReason(errtrace.Wrap(err), termTransport, "")
		if err := tx.fsm.FireCtx(ctx, txEvtTranspErr); err != nil {
			tx.log.LogAttrs(ctx, slog.LevelDebug, "transport error ignored",
				slog.Any("transaction", tx.impl),
				slog.Any("error", err),
			)
		}
		return errtrace.Wrap(err)
	}
	return nil
}

// emit queues the event for delivery to the sink.
func (tx *baseTransact) emit(ctx context.Context, ev Event) {
	if tx.sink == nil {
		return
	}
	sink := tx.sink
	tx.pending.Append(func() { sink(ctx, ev) })
}

// deliver runs queued deliveries. Only one goroutine drains at a time,
// keeping the per-transaction delivery order.
func (tx *baseTransact) deliver() {
	for {
		if !tx.draining.CompareAndSwap(false, true) {
			return
		}
		for {
			fn, ok := tx.pending.PopFirst()
			if !ok {
				break
			}
			fn()
		}
		tx.draining.Store(false)
		if tx.pending.Len() == 0 {
			return
		}
	}
}

func (tx *baseTransact) onTransitioned(ctx context.Context, t stateless.Transition) {
	from, _ := t.Source.(TransactionState)
	to, _ := t.Destination.(TransactionState)
	if from == to {
		return
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction state changed",
		slog.Any("transaction", tx.impl),
		slog.Any("from", from),
		slog.Any("to", to),
		slog.Any("trigger", t.Trigger),
	)

	if tx.onState.Len() == 0 {
		return
	}
	tx.pending.Append(func() {
		for fn := range tx.onState.All() {
			fn(ctx, tx.impl, from, to)
		}
	})
}

func (tx *baseTransact) actTerminated(ctx context.Context, _ ...any) error {
	tx.impl.stopTimers(ctx)
	close(tx.done)

	kind, timer, reason := tx.termInfo()
	tx.metrics.transactionTerminated(tx.typ, reason)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated",
		slog.Any("transaction", tx.impl),
		slog.Any("reason", reason),
	)

	switch kind {
	case termTimeout:
		tx.emit(ctx, &TimeoutEvent{Transaction: tx.impl, Timer: timer})
	case termTransport:
		tx.emit(ctx, &TransportErrorEvent{Transaction: tx.impl, Err: reason})
	}
	tx.emit(ctx, &TransactionTerminatedEvent{Transaction: tx.impl, Err: reason})
	return nil
}

func (*baseTransact) actNoop(context.Context, ...any) error { return nil }

func (tx *baseTransact) startTimer(ctx context.Context, name string, d time.Duration, fn func()) *timeutil.Timer {
	tmr := timeutil.AfterFunc(tx.clk, d, fn)

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"timer "+name+" started",
		slog.Any("transaction", tx.impl),
		slog.Any("timer", tmr),
	)
	return tmr
}

func (tx *baseTransact) stopTimer(ctx context.Context, name string, p *atomic.Pointer[timeutil.Timer]) {
	if tmr := p.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer "+name+" stopped", slog.Any("transaction", tx.impl))
	}
}

// waitDuration returns d over unreliable flows and zero over reliable ones.
func (tx *baseTransact) waitDuration(d time.Duration) time.Duration {
	if tx.flow.IsReliable() {
		return 0
	}
	return d
}
