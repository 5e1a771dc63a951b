// Package event is the control plane's in-process lifecycle event
// backbone: session transitions, process starts/exits, provisioning,
// and reconciliation mismatches all flow through one bus.
package event

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// EventType represents the type of event.
type EventType string

const (
	SessionCreated          EventType = "session.created"
	SessionUpdated          EventType = "session.updated"
	SessionDeleted          EventType = "session.deleted"
	SessionIdle             EventType = "session.idle"
	SessionError            EventType = "session.error"
	SessionKeyRotated       EventType = "session.key_rotated"
	MessageUpdated          EventType = "message.updated"
	ProcessStarted          EventType = "process.started"
	ProcessExited           EventType = "process.exited"
	UserProvisioned         EventType = "user.provisioned"
	UserDeprovisioned       EventType = "user.deprovisioned"
	ReconciliationMismatch  EventType = "reconciliation.mismatch"
)

// Event is one lifecycle occurrence. Data holds the payload struct for
// the event's type (see types.go), revived with full type information
// on the consumer side of the bus.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Subscriber is a function that receives events.
type Subscriber func(event Event)

// topic is the single watermill topic every event flows through. One
// topic plus one consumer keeps delivery ordered: a session's
// starting->running->stopping transitions reach subscribers in the
// order they were published, which the mux hub and the session-updates
// SSE stream rely on.
const topic = "octoplane.lifecycle"

// metaType is the watermill metadata key carrying the EventType across
// the marshal/unmarshal boundary.
const metaType = "event_type"

// payloadCodecs revives a marshaled payload into its concrete Data
// type, so a subscriber can type-assert exactly as if the event had
// never left the publisher's stack frame. Types without a codec pass
// through as raw JSON.
var payloadCodecs = map[EventType]func([]byte) (any, error){
	SessionCreated:         decodePayload[SessionCreatedData],
	SessionUpdated:         decodePayload[SessionUpdatedData],
	SessionDeleted:         decodePayload[SessionDeletedData],
	SessionIdle:            decodePayload[SessionIdleData],
	SessionError:           decodePayload[SessionErrorData],
	SessionKeyRotated:      decodePayload[BillingKeyRotatedData],
	MessageUpdated:         decodePayload[MessageUpdatedData],
	ProcessStarted:         decodePayload[ProcessStartedData],
	ProcessExited:          decodePayload[ProcessExitedData],
	UserProvisioned:        decodePayload[UserProvisionedData],
	UserDeprovisioned:      decodePayload[UserDeprovisionedData],
	ReconciliationMismatch: decodePayload[ReconciliationMismatchData],
}

func decodePayload[T any](raw []byte) (any, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// registry tracks who wants which events. Subscribers are keyed by a
// monotonic id so an unsubscribe closure can remove exactly its own
// entry without scanning.
type registry struct {
	mu     sync.RWMutex
	byType map[EventType]map[uint64]Subscriber
	all    map[uint64]Subscriber
	nextID uint64
}

func newRegistry() *registry {
	return &registry{
		byType: make(map[EventType]map[uint64]Subscriber),
		all:    make(map[uint64]Subscriber),
	}
}

func (r *registry) add(t EventType, fn Subscriber) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	set, ok := r.byType[t]
	if !ok {
		set = make(map[uint64]Subscriber)
		r.byType[t] = set
	}
	set[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.byType[t], id)
	}
}

func (r *registry) addAll(fn Subscriber) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.all[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.all, id)
	}
}

// matching snapshots the subscribers for t so delivery happens outside
// the registry lock.
func (r *registry) matching(t EventType) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Subscriber, 0, len(r.byType[t])+len(r.all))
	for _, fn := range r.byType[t] {
		out = append(out, fn)
	}
	for _, fn := range r.all {
		out = append(out, fn)
	}
	return out
}

func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType = make(map[EventType]map[uint64]Subscriber)
	r.all = make(map[uint64]Subscriber)
}

// Bus routes events from publishers to subscribers through a watermill
// gochannel topic. Publish marshals the payload onto the topic; a
// single consumer goroutine revives each message and delivers it to
// the matching subscribers in arrival order.
type Bus struct {
	pubsub *gochannel.GoChannel
	cancel context.CancelFunc
	reg    *registry

	mu     sync.Mutex
	closed bool
}

// globalBus is the default bus the package-level functions operate on.
var globalBus = newBus()

func newBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	ps := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 256},
		watermill.NopLogger{},
	)
	b := &Bus{pubsub: ps, cancel: cancel, reg: newRegistry()}

	msgs, err := ps.Subscribe(ctx, topic)
	if err != nil {
		// Subscribe on a fresh gochannel only fails when it is already
		// closed; a bus in that state drops every publish.
		b.closed = true
		return b
	}
	go b.consume(msgs)
	return b
}

// NewBus creates a standalone bus, independent of the global one.
func NewBus() *Bus {
	return newBus()
}

// consume is the bus's single reader: it revives each message and
// dispatches it before taking the next, preserving publish order.
func (b *Bus) consume(msgs <-chan *message.Message) {
	for msg := range msgs {
		e, ok := reviveMessage(msg)
		msg.Ack()
		if !ok {
			continue
		}
		b.dispatch(e)
	}
}

func (b *Bus) dispatch(e Event) {
	for _, fn := range b.reg.matching(e.Type) {
		fn(e)
	}
}

// reviveMessage rebuilds the typed Event a publisher marshaled.
func reviveMessage(msg *message.Message) (Event, bool) {
	typ := EventType(msg.Metadata.Get(metaType))
	if typ == "" {
		return Event{}, false
	}
	if len(msg.Payload) == 0 {
		return Event{Type: typ}, true
	}
	codec, ok := payloadCodecs[typ]
	if !ok {
		return Event{Type: typ, Data: json.RawMessage(msg.Payload)}, true
	}
	data, err := codec(msg.Payload)
	if err != nil {
		return Event{}, false
	}
	return Event{Type: typ, Data: data}, true
}

// Subscribe registers fn for one event type on the global bus and
// returns its unsubscribe function.
func Subscribe(eventType EventType, fn Subscriber) func() {
	return globalBus.Subscribe(eventType, fn)
}

func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	return b.reg.add(eventType, fn)
}

// SubscribeAll registers fn for every event type on the global bus and
// returns its unsubscribe function.
func SubscribeAll(fn Subscriber) func() {
	return globalBus.SubscribeAll(fn)
}

func (b *Bus) SubscribeAll(fn Subscriber) func() {
	return b.reg.addAll(fn)
}

// Publish marshals event onto the bus's topic. Delivery is
// asynchronous but ordered: events reach subscribers in publish order,
// one at a time. A payload that fails to marshal is dropped.
func Publish(event Event) {
	globalBus.Publish(event)
}

func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}

	var payload []byte
	if event.Data != nil {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		payload = raw
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metaType, string(event.Type))
	_ = b.pubsub.Publish(topic, msg)
}

// PublishSync delivers event to every matching subscriber in the
// caller's goroutine, bypassing the topic. For paths that must observe
// delivery before proceeding (shutdown notifications, tests).
func PublishSync(event Event) {
	globalBus.PublishSync(event)
}

func (b *Bus) PublishSync(event Event) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	b.dispatch(event)
}

// Close stops the consumer and drops all subscribers. Publishes after
// Close are no-ops.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.reg.clear()
	b.cancel()
	return b.pubsub.Close()
}

// Reset replaces the global bus with a fresh one (for testing).
func Reset() {
	old := globalBus
	globalBus = newBus()
	_ = old.Close()
}
