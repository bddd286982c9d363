package sip

import (
	"context"
	"log/slog"
	"maps"
	"sync"

	"braces.dev/errtrace"
)

// Application is the user code bound to an application instance.
//
// Calls for the same instance never overlap. The instance [AppContext] is passed
// to every call and may be used to keep the instance state.
type Application interface {
	// OnRequest is called for each inbound request passed to the application.
	OnRequest(ctx context.Context, actx *AppContext, ev *RequestEvent) error
	// OnResponse is called for each inbound response passed to the application.
	OnResponse(ctx context.Context, actx *AppContext, ev *ResponseEvent) error
}

// EventHandler is optionally implemented by an [Application] to receive
// transaction events other than requests and responses.
type EventHandler interface {
	OnEvent(ctx context.Context, actx *AppContext, ev Event) error
}

// InstanceCreator creates the application of a new instance.
type InstanceCreator interface {
	// NewInstance is called once per application key with the message that caused the creation.
	NewInstance(ctx context.Context, key string, msg Message) (Application, error)
}

// InstanceCreatorFunc is a function adapter of [InstanceCreator].
type InstanceCreatorFunc func(ctx context.Context, key string, msg Message) (Application, error)

// NewInstance implements [InstanceCreator].
func (fn InstanceCreatorFunc) NewInstance(ctx context.Context, key string, msg Message) (Application, error) {
	return errtrace.Wrap2(fn(ctx, key, msg))
}

// Hooks run around every application handler call, inside the instance serialization.
type Hooks struct {
	// Before is called before the handler. An error skips the handler.
	Before func(ctx context.Context, actx *AppContext, ev Event) error
	// After is called after the handler with the handler error.
	After func(ctx context.Context, actx *AppContext, ev Event, err error)
}

// AppContext is the per-instance attribute bag passed to the application.
// It is safe for concurrent use.
type AppContext struct {
	key string

	mu    sync.RWMutex
	attrs map[string]any
}

// NewAppContext creates an empty context of the application key.
func NewAppContext(key string) *AppContext {
	return &AppContext{key: key, attrs: make(map[string]any)}
}

// Key returns the application key.
func (c *AppContext) Key() string {
	if c == nil {
		return ""
	}
	return c.key
}

// Get returns the attribute value.
func (c *AppContext) Get(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.attrs[name]
	return v, ok
}

// Set sets the attribute value.
func (c *AppContext) Set(name string, val any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attrs[name] = val
}

// Delete removes the attribute.
func (c *AppContext) Delete(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attrs, name)
}

// Attributes returns a copy of all attributes.
func (c *AppContext) Attributes() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.attrs)
}

// LogValue implements [slog.LogValuer].
func (c *AppContext) LogValue() slog.Value {
	if c == nil {
		return slog.Value{}
	}

	c.mu.RLock()
	n := len(c.attrs)
	c.mu.RUnlock()
	return slog.GroupValue(
		slog.String("key", c.key),
		slog.Int("attributes", n),
	)
}
