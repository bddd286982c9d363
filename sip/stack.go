package sip

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/clock"
	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/log"
)

// StackOptions are the options of a [Stack].
type StackOptions struct {
	// Timings is the SIP timing config.
	// If zero, the default SIP timing config is used.
	Timings TimingConfig
	// Clock is the time source of all timers.
	// If nil, the real clock is used.
	Clock clock.Clock
	// FlowIdleTimeout is the idle timeout of flows.
	// If zero, [DefaultFlowIdleTimeout] is used. A negative value disables idle eviction.
	FlowIdleTimeout time.Duration
	// FlowSweepInterval is the period of the idle flow sweep.
	// If zero, [DefaultFlowSweepInterval] is used.
	FlowSweepInterval time.Duration
	// StaleTransactionTimeout is the stale transaction timeout.
	// If zero, [DefaultStaleTransactionTimeout] is used. A negative value disables it.
	StaleTransactionTimeout time.Duration
	// KeyFunc computes the application key of messages.
	// If nil, [CallIDKey] is used.
	KeyFunc KeyFunc
	// Hooks run around every application handler call.
	Hooks Hooks
	// StrayResponseHandler receives responses that match no transaction.
	StrayResponseHandler StrayResponseHandler
	// Metrics records the stack metrics. Optional.
	Metrics *Metrics
	// Log is the logger.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *StackOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Stack wires the [FlowManager], the [TransactionLayer], the [InstanceStore]
// and the [Dispatcher] together.
//
// Inbound messages enter through [Stack.Recv], outbound messages leave through
// the [FlowWriter] given to [NewStack].
type Stack struct {
	flows *FlowManager
	txl   *TransactionLayer
	store *InstanceStore
	disp  *Dispatcher
	log   *slog.Logger

	cancFlowTerm func()

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewStack creates a new [Stack].
// The writer sends outbound messages, the creator creates application instances.
func NewStack(w FlowWriter, creator InstanceCreator, opts *StackOptions) (*Stack, error) {
	if opts == nil {
		opts = &StackOptions{}
	}
	logger := opts.log()

	flows, err := NewFlowManager(w, &FlowManagerOptions{
		IdleTimeout:   opts.FlowIdleTimeout,
		SweepInterval: opts.FlowSweepInterval,
		Clock:         opts.Clock,
		Metrics:       opts.Metrics,
		Log:           logger,
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	store, err := NewInstanceStore(creator, &InstanceStoreOptions{
		Metrics: opts.Metrics,
		Log:     logger,
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	disp, err := NewDispatcher(store, &DispatcherOptions{
		KeyFunc: opts.KeyFunc,
		Hooks:   opts.Hooks,
		Clock:   opts.Clock,
		Metrics: opts.Metrics,
		Log:     logger,
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	txl, err := NewTransactionLayer(flows, &TransactionLayerOptions{
		Timings:              opts.Timings,
		Clock:                opts.Clock,
		StaleTimeout:         opts.StaleTransactionTimeout,
		Sink:                 disp.Sink(),
		StrayResponseHandler: opts.StrayResponseHandler,
		Metrics:              opts.Metrics,
		Log:                  logger,
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	s := &Stack{
		flows: flows,
		txl:   txl,
		store: store,
		disp:  disp,
		log:   logger,
	}
	s.cancFlowTerm = flows.OnFlowTerminated(txl.FlowTerminated)
	return s, nil
}

// Recv passes the inbound message received over the flow with the identity to the stack.
//
// The flow is resolved or created and touched, then the message is matched
// by the transaction layer. Application handlers run on the calling goroutine
// unless the target instance is busy, in which case Recv waits for its turn.
func (s *Stack) Recv(ctx context.Context, id FlowIdentity, msg Message) error {
	if s.closing.Load() {
		return errtrace.Wrap(ErrStackClosed)
	}

	f, err := s.flows.ResolveOrCreate(ctx, id)
	if err != nil {
		s.txl.metrics.messageDropped(dropNoFlow)
		s.log.LogAttrs(ctx, slog.LevelDebug, "discarding inbound message due to flow error",
			slog.Any("flow", id),
			slog.Any("error", err),
		)
		return errtrace.Wrap(err)
	}

	switch m := msg.(type) {
	case Request:
		return errtrace.Wrap(s.txl.RecvRequest(ctx, m, f))
	case Response:
		return errtrace.Wrap(s.txl.RecvResponse(ctx, m, f))
	default:
		return errtrace.Wrap(NewInvalidArgumentError("unexpected message type %T", msg))
	}
}

// NewClientTransaction sends the request over the flow with the identity
// within a new client transaction.
func (s *Stack) NewClientTransaction(ctx context.Context, id FlowIdentity, req Request) (ClientTransaction, error) {
	if s.closing.Load() {
		return nil, errtrace.Wrap(ErrStackClosed)
	}

	f, err := s.flows.ResolveOrCreate(ctx, id)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(s.txl.NewClientTransaction(ctx, req, f))
}

// SendStateless sends the message over the flow with the identity outside of any transaction.
// It is used for ACKs of 2xx responses and for responses forwarded statelessly.
func (s *Stack) SendStateless(ctx context.Context, id FlowIdentity, msg Message) error {
	if s.closing.Load() {
		return errtrace.Wrap(ErrStackClosed)
	}

	f, err := s.flows.ResolveOrCreate(ctx, id)
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(s.flows.WriteMessage(ctx, f, msg))
}

// ConnClosed terminates the flow with the identity with [ErrFlowClosed].
// Transactions bound to the flow fail with a transport error.
// It reports whether a live flow was terminated.
func (s *Stack) ConnClosed(ctx context.Context, id FlowIdentity) bool {
	f, ok := s.flows.Lookup(id)
	if !ok {
		return false
	}
	return s.flows.Terminate(ctx, f, ErrFlowClosed)
}

// Start starts the periodic idle flow sweep.
func (s *Stack) Start(ctx context.Context) {
	s.flows.Start(ctx)
}

// Close terminates all transactions and flows.
// Messages passed to a closed stack are rejected with [ErrStackClosed].
func (s *Stack) Close(ctx context.Context) error {
	s.closing.Store(true)
	s.closeOnce.Do(func() {
		s.closeErr = s.close(ctx)
	})
	return errtrace.Wrap(s.closeErr)
}

func (s *Stack) close(ctx context.Context) error {
	var errs []error
	if err := s.txl.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	s.cancFlowTerm()
	if err := s.flows.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errtrace.Wrap(errorutil.JoinPrefix("failed to close stack:", errs...))
}

// Flows returns the flow manager.
func (s *Stack) Flows() *FlowManager { return s.flows }

// Transactions returns the transaction layer.
func (s *Stack) Transactions() *TransactionLayer { return s.txl }

// Dispatcher returns the application dispatcher.
func (s *Stack) Dispatcher() *Dispatcher { return s.disp }

// Instances returns the application instance store.
func (s *Stack) Instances() *InstanceStore { return s.store }
