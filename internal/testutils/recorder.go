package testutils

import (
	"context"
	"sync"

	"github.com/ghettovoice/sipcore/sip"
)

// Written is a message written to a flow.
type Written struct {
	Flow *sip.Flow
	Msg  sip.Message
}

// Writer is a [sip.FlowWriter] that records the written messages.
type Writer struct {
	mu   sync.Mutex
	msgs []Written
	err  error
}

// WriteMessage implements [sip.FlowWriter].
func (w *Writer) WriteMessage(_ context.Context, f *sip.Flow, msg sip.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, Written{Flow: f, Msg: msg})
	return nil
}

// SetError makes the next writes fail with the error. Nil restores the writes.
func (w *Writer) SetError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
}

// Messages returns the written messages.
func (w *Writer) Messages() []Written {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Written(nil), w.msgs...)
}

// Requests returns the written requests with the method.
func (w *Writer) Requests(method string) []sip.Request {
	var out []sip.Request
	for _, m := range w.Messages() {
		if req, ok := m.Msg.(sip.Request); ok && req.Method() == method {
			out = append(out, req)
		}
	}
	return out
}

// Responses returns the written responses with the status code.
func (w *Writer) Responses(code int) []sip.Response {
	var out []sip.Response
	for _, m := range w.Messages() {
		if res, ok := m.Msg.(sip.Response); ok && res.StatusCode() == code {
			out = append(out, res)
		}
	}
	return out
}

// Len returns the number of written messages.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

// Events records the events passed to its sink.
type Events struct {
	mu  sync.Mutex
	evs []sip.Event
	// OnEvent is called for each recorded event. Optional.
	OnEvent func(ctx context.Context, ev sip.Event)
}

// Sink records the event.
func (e *Events) Sink(ctx context.Context, ev sip.Event) {
	e.mu.Lock()
	e.evs = append(e.evs, ev)
	fn := e.OnEvent
	e.mu.Unlock()

	if fn != nil {
		fn(ctx, ev)
	}
}

// All returns the recorded events.
func (e *Events) All() []sip.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]sip.Event(nil), e.evs...)
}

// EventsOf returns the recorded events of type T.
func EventsOf[T sip.Event](e *Events) []T {
	var out []T
	for _, ev := range e.All() {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
