/*
Package registry holds the in-memory handler subscription table.

# Overview

The registry answers "which handlers match event type X". The publisher
asks it once per publish to freeze an event's consumer lineup, and the
processor asks it once per due record to find the concrete handler behind
a stored endpoint.

# Basic Usage

Construct one registry at boot and pass it to both sides:

	reg := registry.New()
	reg.Register(handlers.NewAuditLogger(logger))           // wildcard
	reg.Register(event.Adapt[gateway.InviteSent](mailer))   // typed

	pub := publisher.New(store, reg)
	proc := processor.New(store, reg)

# Matching

HandlersFor returns matches in registration order. A handler whose
CanHandle always returns true appears for every event type.

Lookup matches on endpoint ("<Name>::handle") and event type together, so a
handler renamed or removed after publish resolves to nothing and the
processor marks the record skipped.

# Thread Safety

All methods are safe for concurrent use. Handlers are appended, never
removed; lookups hold a read lock only.
*/
package registry
