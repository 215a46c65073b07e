package event

import (
	"context"
	"fmt"
	"slices"
)

// Handler is a unit of side-effect logic subscribed to one or more event
// types. Implementations must tolerate re-delivery of the same event.
type Handler interface {
	// Name identifies the handler in endpoints, logs and metrics.
	Name() string

	// CanHandle reports whether the handler subscribes to eventType.
	// A handler that always returns true is a wildcard subscriber.
	CanHandle(eventType string) bool

	// Handle runs the side effect for one stored event.
	Handle(ctx context.Context, evt *Event) error
}

// EndpointSuffix is appended to the handler name to form its endpoint.
const EndpointSuffix = "::handle"

// Endpoint returns the display identity recorded on consumer records.
func Endpoint(h Handler) string {
	return h.Name() + EndpointSuffix
}

// HandlerFunc is the function form of Handle.
type HandlerFunc func(ctx context.Context, evt *Event) error

type funcHandler struct {
	name  string
	match func(string) bool
	fn    HandlerFunc
}

func (h *funcHandler) Name() string { return h.name }
func (h *funcHandler) CanHandle(eventType string) bool { return h.match(eventType) }
func (h *funcHandler) Handle(ctx context.Context, evt *Event) error {
	return h.fn(ctx, evt)
}

// NewHandler builds a handler from a match predicate and a function.
func NewHandler(name string, match func(eventType string) bool, fn HandlerFunc) Handler {
	return &funcHandler{name: name, match: match, fn: fn}
}

// ForTypes builds a handler subscribed to the listed event types.
func ForTypes(name string, fn HandlerFunc, eventTypes ...string) Handler {
	types := slices.Clone(eventTypes)
	return NewHandler(name, func(t string) bool {
		return slices.Contains(types, t)
	}, fn)
}

// Wildcard builds a handler subscribed to every event type.
func Wildcard(name string, fn HandlerFunc) Handler {
	return NewHandler(name, MatchAll, fn)
}

// MatchAll accepts every event type.
func MatchAll(string) bool { return true }

// MiddlewareFunc wraps a handler's Handle with cross-cutting behavior.
// The wrapped handler keeps the inner handler's name and predicate.
type MiddlewareFunc func(next HandlerFunc, h Handler) HandlerFunc

type wrappedHandler struct {
	Handler
	fn HandlerFunc
}

func (w *wrappedHandler) Handle(ctx context.Context, evt *Event) error {
	return w.fn(ctx, evt)
}

// Chain applies middleware in order, with the first middleware outermost.
func Chain(h Handler, middleware ...MiddlewareFunc) Handler {
	if len(middleware) == 0 {
		return h
	}
	fn := HandlerFunc(h.Handle)
	for i := len(middleware) - 1; i >= 0; i-- {
		fn = middleware[i](fn, h)
	}
	return &wrappedHandler{Handler: h, fn: fn}
}

// Recover converts a handler panic into a KindHandler failure.
func Recover() MiddlewareFunc {
	return func(next HandlerFunc, h Handler) HandlerFunc {
		return func(ctx context.Context, evt *Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &HandlerError{
						Kind:    KindHandler,
						Handler: h.Name(),
						EventID: evt.ID,
						Message: fmt.Sprintf("handler panic: %v", r),
					}
				}
			}()
			return next(ctx, evt)
		}
	}
}
