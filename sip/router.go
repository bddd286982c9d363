package sip

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/log"
)

type (
	// RequestHandlerFunc handles a request event.
	RequestHandlerFunc = func(ctx context.Context, actx *AppContext, ev *RequestEvent) error
	// ResponseHandlerFunc handles a response event.
	ResponseHandlerFunc = func(ctx context.Context, actx *AppContext, ev *ResponseEvent) error
	// EventHandlerFunc handles a transaction event.
	EventHandlerFunc = func(ctx context.Context, actx *AppContext, ev Event) error
)

// MethodTable maps request methods to handlers.
// Methods are matched case-insensitively.
type MethodTable struct {
	mu       sync.RWMutex
	handlers map[string]RequestHandlerFunc
}

// NewMethodTable creates an empty [MethodTable].
func NewMethodTable() *MethodTable {
	return &MethodTable{handlers: make(map[string]RequestHandlerFunc)}
}

// Handle registers the handler of the method.
// It fails with [ErrInvalidHandler] if the method is not a valid token,
// the handler is nil or the method already has a handler.
func (t *MethodTable) Handle(method string, fn RequestHandlerFunc) error {
	if !isToken(method) {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidHandler, "invalid method %q", method))
	}
	if fn == nil {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidHandler, "nil handler of method %s", method))
	}

	method = strings.ToUpper(method)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handlers[method]; ok {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidHandler, "duplicate handler of method %s", method))
	}
	t.handlers[method] = fn
	return nil
}

// Lookup returns the handler of the method.
func (t *MethodTable) Lookup(method string) (RequestHandlerFunc, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.handlers[strings.ToUpper(method)]
	return fn, ok
}

// Methods returns the sorted list of methods with handlers.
func (t *MethodTable) Methods() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	methods := make([]string, 0, len(t.handlers))
	for m := range t.handlers {
		methods = append(methods, m)
	}
	slices.Sort(methods)
	return methods
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range []byte(s) {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("-.!%*_+`'~", c) >= 0:
		default:
			return false
		}
	}
	return true
}

// RouterOptions are the options of a [Router].
type RouterOptions struct {
	// OnResponse handles the response events. Optional.
	OnResponse ResponseHandlerFunc
	// OnEvent handles the other transaction events. Optional.
	OnEvent EventHandlerFunc
	// Log is the logger.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *RouterOptions) onRes() ResponseHandlerFunc {
	if o == nil {
		return nil
	}
	return o.OnResponse
}

func (o *RouterOptions) onEvt() EventHandlerFunc {
	if o == nil {
		return nil
	}
	return o.OnEvent
}

func (o *RouterOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Router is an [Application] routing requests by method through a [MethodTable].
//
// Requests without a handler are answered with 405 Method Not Allowed.
// Without a CANCEL handler, a CANCEL is answered with 200 OK and the cancelled
// INVITE, if still proceeding, with 487 Request Terminated.
// ACKs without a handler are ignored.
type Router struct {
	table *MethodTable
	onRes ResponseHandlerFunc
	onEvt EventHandlerFunc
	log   *slog.Logger
}

// NewRouter creates a new [Router] over the method table.
func NewRouter(table *MethodTable, opts *RouterOptions) (*Router, error) {
	if table == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid method table"))
	}
	return &Router{
		table: table,
		onRes: opts.onRes(),
		onEvt: opts.onEvt(),
		log:   opts.log(),
	}, nil
}

// OnRequest implements [Application].
func (r *Router) OnRequest(ctx context.Context, actx *AppContext, ev *RequestEvent) error {
	if fn, ok := r.table.Lookup(ev.Request.Method()); ok {
		return errtrace.Wrap(fn(ctx, actx, ev))
	}

	switch {
	case IsAck(ev.Request):
		r.log.LogAttrs(ctx, slog.LevelDebug, "ignoring ACK request without handler", slog.Any("event", ev))
		return nil
	case IsCancel(ev.Request):
		return errtrace.Wrap(r.cancel(ctx, ev))
	default:
		if ev.Transaction == nil {
			return nil
		}
		return errtrace.Wrap(ev.Respond(ctx, StatusMethodNotAllowed, "Method Not Allowed"))
	}
}

func (r *Router) cancel(ctx context.Context, ev *RequestEvent) error {
	if ev.Cancelled == nil {
		return errtrace.Wrap(ev.Respond(ctx, StatusTransactionNotExist, "Call/Transaction Does Not Exist"))
	}
	if err := ev.Respond(ctx, StatusOK, "OK"); err != nil {
		return errtrace.Wrap(err)
	}
	if ev.Cancelled.State() != TransactionStateProceeding {
		return nil
	}

	res, err := ev.Cancelled.Request().NewResponse(StatusRequestTerminated, "Request Terminated")
	if err != nil {
		return errtrace.Wrap(err)
	}
	if err := ev.Cancelled.Respond(ctx, res); err != nil {
		r.log.LogAttrs(ctx, slog.LevelDebug, "failed to terminate cancelled request",
			slog.Any("transaction", ev.Cancelled),
			slog.Any("error", err),
		)
	}
	return nil
}

// OnResponse implements [Application].
func (r *Router) OnResponse(ctx context.Context, actx *AppContext, ev *ResponseEvent) error {
	if r.onRes == nil {
		return nil
	}
	return errtrace.Wrap(r.onRes(ctx, actx, ev))
}

// OnEvent implements [EventHandler].
func (r *Router) OnEvent(ctx context.Context, actx *AppContext, ev Event) error {
	if r.onEvt == nil {
		return nil
	}
	return errtrace.Wrap(r.onEvt(ctx, actx, ev))
}
