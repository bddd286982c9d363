package sip

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/clock"
	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/syncutil"
	"github.com/ghettovoice/sipcore/internal/timeutil"
	"github.com/ghettovoice/sipcore/internal/types"
	"github.com/ghettovoice/sipcore/log"
)

// FlowWriter writes messages to flows.
// Implementations must keep the write order per flow.
type FlowWriter interface {
	WriteMessage(ctx context.Context, f *Flow, msg Message) error
}

// FlowWriterFunc is a function adapter of [FlowWriter].
type FlowWriterFunc func(ctx context.Context, f *Flow, msg Message) error

// WriteMessage implements [FlowWriter].
func (fn FlowWriterFunc) WriteMessage(ctx context.Context, f *Flow, msg Message) error {
	return errtrace.Wrap(fn(ctx, f, msg))
}

type (
	FlowCreatedHandler    = func(ctx context.Context, f *Flow)
	FlowTerminatedHandler = func(ctx context.Context, f *Flow, reason error)
)

// DefaultFlowSweepInterval is the period of the idle flow sweep.
const DefaultFlowSweepInterval = 10 * time.Second

// FlowManagerOptions are the options of a [FlowManager].
type FlowManagerOptions struct {
	// IdleTimeout is the idle timeout of new flows.
	// If zero, [DefaultFlowIdleTimeout] is used. A negative value disables idle eviction.
	IdleTimeout time.Duration
	// SweepInterval is the period of the idle sweep armed by [FlowManager.Start].
	// If zero, [DefaultFlowSweepInterval] is used.
	SweepInterval time.Duration
	// Clock is the time source. If nil, the real clock is used.
	Clock clock.Clock
	// Metrics records flow metrics. Optional.
	Metrics *Metrics
	// Log is the logger.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *FlowManagerOptions) idleTimeout() time.Duration {
	if o == nil || o.IdleTimeout == 0 {
		return DefaultFlowIdleTimeout
	}
	return o.IdleTimeout
}

func (o *FlowManagerOptions) sweepInterval() time.Duration {
	if o == nil || o.SweepInterval <= 0 {
		return DefaultFlowSweepInterval
	}
	return o.SweepInterval
}

func (o *FlowManagerOptions) clock() clock.Clock {
	if o == nil {
		return clock.Real()
	}
	return clock.Or(o.Clock)
}

func (o *FlowManagerOptions) metrics() *Metrics {
	if o == nil {
		return nil
	}
	return o.Metrics
}

func (o *FlowManagerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// FlowManager tracks flows independently of the transport.
//
// A flow is created on the first message seen for an unknown [FlowIdentity],
// its activity is refreshed by every message sent or received over it, and
// it is terminated either explicitly or by the idle sweep.
// Termination handlers are called at most once per flow.
type FlowManager struct {
	w           FlowWriter
	flows       *syncutil.ShardMap[flowKey, *Flow]
	clk         clock.Clock
	idleTimeout time.Duration
	sweepEvery  time.Duration
	metrics     *Metrics
	log         *slog.Logger

	onCreated    types.CallbackManager[FlowCreatedHandler]
	onTerminated types.CallbackManager[FlowTerminatedHandler]

	sweepCtx context.Context //nolint:containedctx
	sweepTmr atomic.Pointer[timeutil.Timer]

	closing   atomic.Bool
	closeOnce sync.Once
}

// NewFlowManager creates a new [FlowManager].
// The writer receives every outbound message written with [FlowManager.WriteMessage].
func NewFlowManager(w FlowWriter, opts *FlowManagerOptions) (*FlowManager, error) {
	if w == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid flow writer"))
	}
	return &FlowManager{
		w:           w,
		flows:       syncutil.NewShardMap[flowKey, *Flow](),
		clk:         opts.clock(),
		idleTimeout: opts.idleTimeout(),
		sweepEvery:  opts.sweepInterval(),
		metrics:     opts.metrics(),
		log:         opts.log(),
	}, nil
}

// ResolveOrCreate returns the live flow with the given identity, creating it if needed.
// Concurrent calls with the same identity yield the same flow.
// The returned flow is touched.
func (m *FlowManager) ResolveOrCreate(ctx context.Context, id FlowIdentity) (*Flow, error) {
	if err := id.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if m.closing.Load() {
		return nil, errtrace.Wrap(ErrFlowClosed)
	}

	now := m.clk.Now()
	var created *Flow
	f, _ := m.flows.Compute(id.key(), func(cur *Flow, ok bool) (*Flow, bool) {
		if ok && !cur.IsTerminated() {
			// touched under the shard lock so an idle sweep cannot evict it in between
			cur.touch(now)
			return cur, true
		}
		created = newFlow(id, now, m.idleTimeout)
		return created, true
	})
	if created == nil {
		return f, nil
	}

	m.metrics.flowCreated(f)
	m.log.LogAttrs(ctx, slog.LevelDebug, "flow created", slog.Any("flow", f))
	for fn := range m.onCreated.All() {
		fn(ctx, f)
	}
	return f, nil
}

// Lookup returns the live flow with the given identity.
func (m *FlowManager) Lookup(id FlowIdentity) (*Flow, bool) {
	f, ok := m.flows.Get(id.key())
	if !ok || f.IsTerminated() {
		return nil, false
	}
	return f, true
}

// Touch refreshes the flow activity time.
func (m *FlowManager) Touch(f *Flow) {
	if f == nil {
		return
	}
	f.touch(m.clk.Now())
}

// Terminate terminates the flow with the given reason.
// It reports whether this call terminated the flow; termination handlers
// are called only in that case.
func (m *FlowManager) Terminate(ctx context.Context, f *Flow, reason error) bool {
	if f == nil || !f.terminate(reason) {
		return false
	}
	m.flows.DelIf(f.ident.key(), func(v *Flow) bool { return v == f })
	m.afterTerminate(ctx, f, reason)
	return true
}

func (m *FlowManager) afterTerminate(ctx context.Context, f *Flow, reason error) {
	m.metrics.flowTerminated(f, reason)
	m.log.LogAttrs(ctx, slog.LevelDebug, "flow terminated", slog.Any("flow", f), slog.Any("reason", reason))
	for fn := range m.onTerminated.All() {
		fn(ctx, f, reason)
	}
}

// CheckIdle terminates every flow idle for at least its idle timeout at the time now
// with [ErrFlowIdleTimeout] and returns the number of terminated flows.
func (m *FlowManager) CheckIdle(ctx context.Context, now time.Time) int {
	var n int
	for key, f := range m.flows.Items() {
		if f.idleTimeout < 0 {
			continue
		}

		var hit bool
		m.flows.DelIf(key, func(v *Flow) bool {
			if v != f || v.idleFor(now) < v.idleTimeout {
				return false
			}
			hit = v.terminate(ErrFlowIdleTimeout)
			return hit
		})
		if hit {
			n++
			m.afterTerminate(ctx, f, ErrFlowIdleTimeout)
		}
	}
	return n
}

// WriteMessage touches the flow and passes the message to the flow writer.
// Writing to a terminated flow fails with [ErrFlowClosed].
func (m *FlowManager) WriteMessage(ctx context.Context, f *Flow, msg Message) error {
	if f == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid flow"))
	}
	if f.IsTerminated() {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrFlowClosed, f.Err()))
	}

	f.touch(m.clk.Now())
	if err := m.w.WriteMessage(ctx, f, msg); err != nil {
		return errtrace.Wrap(err)
	}
	return nil
}

// OnFlowCreated registers a callback called after a flow is created.
func (m *FlowManager) OnFlowCreated(fn FlowCreatedHandler) (cancel func()) {
	return m.onCreated.Add(fn)
}

// OnFlowTerminated registers a callback called once after a flow is terminated.
func (m *FlowManager) OnFlowTerminated(fn FlowTerminatedHandler) (cancel func()) {
	return m.onTerminated.Add(fn)
}

// Len returns the number of live flows.
func (m *FlowManager) Len() int { return m.flows.Size() }

// All iterates over the live flows.
func (m *FlowManager) All() iter.Seq[*Flow] {
	return func(yield func(*Flow) bool) {
		for _, f := range m.flows.Items() {
			if f.IsTerminated() {
				continue
			}
			if !yield(f) {
				return
			}
		}
	}
}

// Start arms the periodic idle sweep on the manager clock.
// Calling Start on a started manager has no effect.
func (m *FlowManager) Start(ctx context.Context) {
	if m.closing.Load() || m.sweepTmr.Load() != nil {
		return
	}

	m.sweepCtx = context.WithoutCancel(ctx)
	tmr := timeutil.AfterFunc(m.clk, m.sweepEvery, m.onSweep)
	if !m.sweepTmr.CompareAndSwap(nil, tmr) {
		tmr.Stop()
	}
}

func (m *FlowManager) onSweep() {
	if m.closing.Load() {
		return
	}

	if n := m.CheckIdle(m.sweepCtx, m.clk.Now()); n > 0 {
		m.log.LogAttrs(m.sweepCtx, slog.LevelDebug, "idle flows evicted", slog.Int("count", n))
	}
	if tmr := m.sweepTmr.Load(); tmr != nil && !m.closing.Load() {
		tmr.Reset(m.sweepEvery)
	}
}

// Close stops the sweep and terminates all flows with [ErrFlowClosed].
func (m *FlowManager) Close(ctx context.Context) error {
	m.closing.Store(true)
	m.closeOnce.Do(func() {
		if tmr := m.sweepTmr.Swap(nil); tmr != nil {
			tmr.Stop()
		}
		for _, f := range m.flows.Items() {
			m.Terminate(ctx, f, ErrFlowClosed)
		}
	})
	return nil
}
