// Package events implements the out-facing broker that fans out device and
// stream lifecycle transitions to subscribed observers (the admin surface,
// the operator dashboard, diagnostic tooling).
//
// The registry never holds subscriber channels directly; it only ever calls
// Bus.Publish. This keeps the broker a single seam between internal state
// changes and anything watching them, matching the "shared signaling
// broadcasts" design note: a single broker receives state-change messages
// and fans out to subscribed channels.
package events

import (
	"sync"

	"github.com/ethan/mediabridge-router/pkg/logger"
)

// Kind names the event types delivered on the bus. These are wire-stable:
// they appear verbatim in admin/observer payloads.
type Kind string

const (
	DeviceConnected        Kind = "device-connected"
	DeviceDisconnected      Kind = "device-disconnected"
	DeviceRemoved           Kind = "device-removed"
	DeviceStreamingChanged  Kind = "device-streaming-changed"
	StreamStarted           Kind = "stream-started"
	StreamUpdated           Kind = "stream-updated"
	StreamEnded             Kind = "stream-ended"
	StreamNameUpdated       Kind = "stream-name-updated"
)

// Event is one broadcast record. DeviceID is the ordering key: the bus
// guarantees that events sharing a DeviceID are delivered to every
// subscriber in the order Publish was called for them. There is no ordering
// guarantee across different DeviceID values.
type Event struct {
	Kind     Kind
	DeviceID string
	Payload  any
}

// DeviceConnectedPayload accompanies DeviceConnected.
type DeviceConnectedPayload struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName,omitempty"`
}

// DeviceDisconnectedPayload accompanies DeviceDisconnected and DeviceRemoved.
type DeviceDisconnectedPayload struct {
	DeviceID string `json:"deviceId"`
}

// DeviceStreamingChangedPayload accompanies DeviceStreamingChanged.
type DeviceStreamingChangedPayload struct {
	DeviceID    string  `json:"deviceId"`
	IsStreaming bool    `json:"isStreaming"`
	StreamID    *string `json:"streamId,omitempty"`
}

// StreamLifecyclePayload accompanies StreamStarted and StreamUpdated; Stream
// is an opaque snapshot (pkg/registry.Stream) rendered by the caller.
type StreamLifecyclePayload struct {
	Stream any `json:"stream"`
}

// StreamEndedPayload accompanies StreamEnded.
type StreamEndedPayload struct {
	StreamID string `json:"streamId"`
}

// StreamNameUpdatedPayload accompanies StreamNameUpdated.
type StreamNameUpdatedPayload struct {
	StreamID string `json:"streamId"`
	Name     string `json:"name"`
	Stream   any    `json:"stream"`
}

// subscriberQueueDepth bounds how far a slow subscriber may lag before
// Publish starts dropping its events rather than blocking the single
// registry thread that calls it.
const subscriberQueueDepth = 256

type subscriber struct {
	ch     chan Event
	done   chan struct{}
	closed bool
}

// Bus is the process-wide event broker. One Bus instance is shared by the
// registry, the signaling layer and every admin/observer subscriber.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextID      int
	log         *logger.Logger
}

// NewBus creates an empty event bus.
func NewBus(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.Default()
	}
	return &Bus{
		subscribers: make(map[int]*subscriber),
		log:         log,
	}
}

// Subscription is a handle returned by Subscribe; Events delivers the
// subscriber's event stream, and Unsubscribe detaches it from the bus.
type Subscription struct {
	id     int
	bus    *Bus
	events chan Event
}

// Events returns the channel of events delivered to this subscription.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Unsubscribe detaches the subscription from the bus and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.id)
}

// Subscribe registers a new observer and returns its subscription.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	sub := &subscriber{
		ch:   make(chan Event, subscriberQueueDepth),
		done: make(chan struct{}),
	}
	b.subscribers[id] = sub

	return &Subscription{id: id, bus: b, events: sub.ch}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Publish delivers ev to every current subscriber. Callers on the single
// registry/signaling thread calling Publish in commit order is what gives
// same-device events their total order; Publish itself does no additional
// serialization beyond preserving call order per subscriber channel.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.log.Warn("dropping event for slow subscriber",
				"subscriber", id, "kind", ev.Kind, "deviceId", ev.DeviceID)
		}
	}
}

// Close detaches and closes every subscriber channel. Used on shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		delete(b.subscribers, id)
	}
}
