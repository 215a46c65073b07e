package event

// Payload is a business fact that names itself.
// Publishing a Payload derives the remaining envelope fields from the
// optional accessor interfaces below.
type Payload interface {
	EventName() string
}

// Aggregated payloads point at the domain entity they concern.
type Aggregated interface {
	AggregateType() string
	AggregateID() string
}

// Correlated payloads carry a correlation ID.
type Correlated interface {
	CorrelationID() string
}

// Caused payloads carry the ID of the event that caused them.
type Caused interface {
	CausationID() string
}

// Annotated payloads carry structured metadata.
type Annotated interface {
	EventMetadata() map[string]any
}

// OptionsFor derives envelope options from a payload's accessors.
func OptionsFor(p Payload) []Option {
	var opts []Option
	if a, ok := p.(Aggregated); ok {
		opts = append(opts, WithAggregate(a.AggregateType(), a.AggregateID()))
	}
	if c, ok := p.(Correlated); ok && c.CorrelationID() != "" {
		opts = append(opts, WithCorrelationID(c.CorrelationID()))
	}
	if c, ok := p.(Caused); ok && c.CausationID() != "" {
		opts = append(opts, WithCausationID(c.CausationID()))
	}
	if a, ok := p.(Annotated); ok {
		opts = append(opts, WithMetadata(a.EventMetadata()))
	}
	return opts
}
