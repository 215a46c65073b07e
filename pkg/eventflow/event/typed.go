package event

import (
	"context"
	"encoding/json"
	"errors"
)

// TypedEvent is a stored event with its payload decoded into T.
type TypedEvent[T any] struct {
	*Event
	Payload T
}

// TypedHandler handles exactly one event type with a concrete payload shape.
type TypedHandler[T any] interface {
	Name() string
	EventType() string
	HandleTyped(ctx context.Context, evt TypedEvent[T]) error
}

// Adapt exposes a TypedHandler through the dynamic Handler contract.
func Adapt[T any](h TypedHandler[T]) Handler {
	return &typedAdapter[T]{
		name:      h.Name(),
		eventType: h.EventType(),
		fn:        h.HandleTyped,
	}
}

// Typed wraps a function handling one event type with payload T.
func Typed[T any](eventType, name string, fn func(ctx context.Context, evt TypedEvent[T]) error) Handler {
	return &typedAdapter[T]{
		name:      name,
		eventType: eventType,
		fn:        fn,
	}
}

type typedAdapter[T any] struct {
	name      string
	eventType string
	fn        func(ctx context.Context, evt TypedEvent[T]) error
}

func (h *typedAdapter[T]) Name() string { return h.name }

func (h *typedAdapter[T]) CanHandle(eventType string) bool {
	return eventType == h.eventType
}

// Handle decodes the payload and delegates. Decode failures are reported
// as KindDeserialization; the typed function's result passes through.
func (h *typedAdapter[T]) Handle(ctx context.Context, evt *Event) error {
	payload, err := Decode[T](evt)
	if err != nil {
		return &HandlerError{
			Kind:    KindDeserialization,
			Handler: h.name,
			EventID: evt.ID,
			Message: "failed to decode payload for " + h.eventType,
			Err:     err,
		}
	}

	return h.fn(ctx, TypedEvent[T]{Event: evt, Payload: payload})
}

// errEmptyPayload is returned when an event carries no data at all.
var errEmptyPayload = errors.New("empty payload")

// Decode unmarshals the event data into T.
func Decode[T any](evt *Event) (T, error) {
	var payload T
	if len(evt.Data) == 0 {
		return payload, errEmptyPayload
	}
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		return payload, err
	}
	return payload, nil
}
