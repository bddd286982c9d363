package sip

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/clock"
	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/log"
)

// KeyFunc computes the application key of a message.
type KeyFunc = func(msg Message) (string, error)

// CallIDKey is the default [KeyFunc]: the application key is the Call-ID.
func CallIDKey(msg Message) (string, error) {
	if id := msg.CallID(); id != "" {
		return id, nil
	}
	return "", errtrace.Wrap(NewInvalidArgumentError("missing Call-ID"))
}

// DispatcherOptions are the options of a [Dispatcher].
type DispatcherOptions struct {
	// KeyFunc computes the application key of the event message.
	// If nil, [CallIDKey] is used.
	KeyFunc KeyFunc
	// Hooks run around every handler call.
	Hooks Hooks
	// Clock measures the handler duration. If nil, the real clock is used.
	Clock clock.Clock
	// Metrics records dispatch metrics. Optional.
	Metrics *Metrics
	// Log is the logger.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *DispatcherOptions) keyFunc() KeyFunc {
	if o == nil || o.KeyFunc == nil {
		return CallIDKey
	}
	return o.KeyFunc
}

func (o *DispatcherOptions) hooks() Hooks {
	if o == nil {
		return Hooks{}
	}
	return o.Hooks
}

func (o *DispatcherOptions) clock() clock.Clock {
	if o == nil {
		return clock.Real()
	}
	return clock.Or(o.Clock)
}

func (o *DispatcherOptions) metrics() *Metrics {
	if o == nil {
		return nil
	}
	return o.Metrics
}

func (o *DispatcherOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Dispatcher delivers events to application instances.
//
// Calls for the same application key are serialized in arrival order,
// calls for different keys run in parallel. Handler errors and panics are
// wrapped in [ErrApplicationHandlerFailure], logged and counted; they never
// reach the caller of [Dispatcher.Dispatch].
type Dispatcher struct {
	store   *InstanceStore
	keyOf   KeyFunc
	hooks   Hooks
	clk     clock.Clock
	metrics *Metrics
	log     *slog.Logger
}

// NewDispatcher creates a new [Dispatcher] over the instance store.
func NewDispatcher(store *InstanceStore, opts *DispatcherOptions) (*Dispatcher, error) {
	if store == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid instance store"))
	}
	return &Dispatcher{
		store:   store,
		keyOf:   opts.keyFunc(),
		hooks:   opts.hooks(),
		clk:     opts.clock(),
		metrics: opts.metrics(),
		log:     opts.log(),
	}, nil
}

// Dispatch delivers the event to the instance of its application key.
//
// It blocks until the event is handled or ctx is done. Called from inside a
// handler of the same instance, it enqueues the event and returns immediately.
// Errors are returned only when the event cannot reach an instance.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	if ev == nil || ev.Message() == nil {
		return errtrace.Wrap(NewInvalidArgumentError("event without message"))
	}

	msg := ev.Message()
	key, err := d.keyOf(msg)
	if err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}

	inst, err := d.store.EnsureInstance(ctx, key, msg)
	if err != nil {
		d.log.LogAttrs(ctx, slog.LevelWarn, "discarding event due to instance creation error",
			slog.String("key", key),
			slog.Any("event", ev),
			slog.Any("error", err),
		)
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(inst.submit(ctx, ev, d.invoke))
}

// Sink returns the [EventSink] that dispatches the events.
func (d *Dispatcher) Sink() EventSink {
	return func(ctx context.Context, ev Event) {
		if err := d.Dispatch(ctx, ev); err != nil {
			d.log.LogAttrs(ctx, slog.LevelDebug, "event not dispatched",
				slog.Any("event", ev),
				slog.Any("error", err),
			)
		}
	}
}

func (d *Dispatcher) invoke(ctx context.Context, ev Event) {
	inst, _ := InstanceFromContext(ctx)

	start := d.clk.Now()
	err := d.call(ctx, inst, ev)
	d.metrics.eventDispatched(clock.Since(d.clk, start), err)

	if err != nil {
		d.log.LogAttrs(ctx, slog.LevelWarn, "application handler failed",
			slog.Any("instance", inst),
			slog.Any("event", ev),
			slog.Any("error", err),
		)
		return
	}
	d.log.LogAttrs(ctx, slog.LevelDebug, "event dispatched",
		slog.Any("instance", inst),
		slog.Any("event", ev),
		slog.Duration("duration", clock.Since(d.clk, start)),
	)
}

func (d *Dispatcher) call(ctx context.Context, inst *Instance, ev Event) error {
	actx := inst.Context()

	err := safeCall(func() error {
		if d.hooks.Before != nil {
			if err := d.hooks.Before(ctx, actx, ev); err != nil {
				return fmt.Errorf("before hook: %w", err)
			}
		}
		return handleEvent(ctx, inst.Application(), actx, ev)
	})
	if d.hooks.After != nil {
		hookErr := safeCall(func() error {
			d.hooks.After(ctx, actx, ev, err)
			return nil
		})
		if hookErr != nil {
			err = errorutil.JoinPrefix("handler:", err, fmt.Errorf("after hook: %w", hookErr))
		}
	}
	if err != nil {
		return errtrace.Wrap(newHandlerFailure(err))
	}
	return nil
}

func handleEvent(ctx context.Context, app Application, actx *AppContext, ev Event) error {
	switch ev := ev.(type) {
	case *RequestEvent:
		return errtrace.Wrap(app.OnRequest(ctx, actx, ev))
	case *ResponseEvent:
		return errtrace.Wrap(app.OnResponse(ctx, actx, ev))
	default:
		if h, ok := app.(EventHandler); ok {
			return errtrace.Wrap(h.OnEvent(ctx, actx, ev))
		}
		return nil
	}
}

// PanicError is a panic recovered from application code.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn() //errtrace:skip
}
