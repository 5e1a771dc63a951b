/*
Package event provides a type-safe, pub/sub event system for the control
plane.

The event system enables decoupled communication between different
components of the server by allowing publishers to emit events and
subscribers to react to them without direct dependencies.

# Architecture

Publish marshals the event's payload onto a single watermill gochannel
topic; one consumer goroutine revives each message into its concrete
payload type and delivers it to the matching subscribers before taking
the next. The single-consumer design means delivery is ordered: a
session's pending -> starting -> running transitions reach the mux hub
and the session-updates SSE stream in the order they were published.
PublishSync bypasses the topic and delivers in the caller's goroutine,
for paths that must observe delivery before proceeding.

# Event Types

The system supports various event categories:

Session Events:
  - session.created: New session created
  - session.updated: Session modified (status transitions, port/container assignment)
  - session.deleted: Session removed
  - session.idle: Session identified as idle by the reaper, about to be stopped
  - session.error: Session entered a failed state
  - session.key_rotated: Session's billing key was rotated

Message Events:
  - message.updated: A chat message was added or revised in a session

Process Events:
  - process.started: A supervised child process was spawned
  - process.exited: A supervised child process terminated

User Events:
  - user.provisioned: A Linux identity was created for a user
  - user.deprovisioned: A Linux identity was torn down

Reconciliation Events:
  - reconciliation.mismatch: The reconciliation loop found a session whose
    stored status disagreed with the observed process state

# Basic Usage

Publishing events:

	// Asynchronous publishing (non-blocking)
	event.Publish(event.Event{
		Type: event.SessionCreated,
		Data: event.SessionCreatedData{
			Info: session,
		},
	})

	// Synchronous publishing (blocking until all subscribers complete)
	event.PublishSync(event.Event{
		Type: event.SessionUpdated,
		Data: event.SessionUpdatedData{
			Info: session,
		},
	})

Subscribing to specific events:

	unsubscribe := event.Subscribe(event.SessionCreated, func(e event.Event) {
		data := e.Data.(event.SessionCreatedData)
		log.Info("Session created", "id", data.Info.ID)
	})
	defer unsubscribe()

Subscribing to all events:

	unsubscribe := event.SubscribeAll(func(e event.Event) {
		log.Debug("Event received", "type", e.Type)
	})
	defer unsubscribe()

# Subscriber Safety Guidelines

When using PublishSync, subscribers are called synchronously in the
publisher's goroutine. To avoid blocking or deadlocks, subscribers MUST:

  - Complete quickly (avoid long-running operations)
  - Use non-blocking channel sends (select with default case)
  - Never call Publish/PublishSync from within a subscriber (no re-entrant publishing)
  - Never acquire locks that the publisher might hold

Example of a safe subscriber:

	event.SubscribeAll(func(e event.Event) {
	    select {
	    case eventChan <- e:
	        // Event sent successfully
	    default:
	        // Channel full, drop event to avoid blocking
	        log.Warn("Event dropped due to full channel", "type", e.Type)
	    }
	})

# Custom Event Bus

For testing or isolation, you can create custom bus instances:

	bus := event.NewBus()
	defer bus.Close()

	unsubscribe := bus.Subscribe(event.SessionCreated, handler)
	bus.PublishSync(event.Event{Type: event.SessionCreated, Data: data})

# Testing

The package provides utilities for testing:

	// Reset global bus state (use in test cleanup)
	event.Reset()

# Thread Safety

The event bus is thread-safe and can be used concurrently from multiple
goroutines. Both publishing and subscribing operations are protected by
internal synchronization.

# Integration with Watermill

Watermill's gochannel is the bus's actual transport, not an optional
layer: every async event is a marshaled message on the
"octoplane.lifecycle" topic. Swapping the gochannel for a distributed
watermill backend would distribute the bus without changing the
package's API — the payload codecs already handle the
serialization boundary.
*/
package event
