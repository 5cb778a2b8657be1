// Package registry is the authoritative mapping between externally-visible
// device identities, currently-open sessions, producers and streams. It is
// single-writer: every mutation is expected to arrive from the one
// signaling/registry thread, so the registry itself holds only a plain
// mutex rather than anything fancier, and never blocks on I/O.
package registry

import (
	"sync"
	"time"

	"github.com/ethan/mediabridge-router/pkg/events"
	"github.com/ethan/mediabridge-router/pkg/ids"
	"github.com/ethan/mediabridge-router/pkg/logger"
)

// Device is the external identity of a mobile endpoint, independent of any
// one signaling session. The zero-value removal handle means "no removal
// scheduled"; per the deferred-removal design note, only the cancellation
// handle is stored on the record, never the timer's payload.
type Device struct {
	DeviceID  string
	Name      string
	SessionID string // empty when no session is currently bound
	Connected bool
	Streaming bool
	StreamID  string // current stream id while Streaming, else empty
	LastSeen  time.Time

	removal *time.Timer
}

// Snapshot is an immutable, registry-external copy of a Device, safe to hand
// to callers outside the registry's lock (the admin surface, tests).
type Snapshot struct {
	DeviceID  string    `json:"deviceId"`
	Name      string    `json:"name,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Connected bool      `json:"connected"`
	Streaming bool      `json:"streaming"`
	StreamID  string    `json:"streamId,omitempty"`
	LastSeen  time.Time `json:"lastSeen"`
}

func (d *Device) snapshot() Snapshot {
	return Snapshot{
		DeviceID:  d.DeviceID,
		Name:      d.Name,
		SessionID: d.SessionID,
		Connected: d.Connected,
		Streaming: d.Streaming,
		StreamID:  d.StreamID,
		LastSeen:  d.LastSeen,
	}
}

// Stream is the publishable identity of a video producer. Its lifetime is
// exactly the lifetime of the producer that owns it.
type Stream struct {
	ID          string
	TransportID string
	ProducerID  string
	DeviceID    string
	DisplayName string
	Width       int
	Height      int
	FPS         int
	BitrateBps  int
	CreatedAt   time.Time
}

func (s *Stream) clone() *Stream {
	cp := *s
	return &cp
}

// StreamParams describes the values the router wants stored for a stream
// the first time it is synthesized for a given client transport. Width,
// Height, FPS and BitrateBps are the router's computed nominal values
// (defaults adjusted for scaleResolutionDownBy / maxBitrate, per the stream
// synthesis algorithm).
type StreamParams struct {
	DisplayName string
	Width       int
	Height      int
	FPS         int
	BitrateBps  int
}

// Registry holds all Device and Stream state for the process.
type Registry struct {
	mu sync.Mutex

	devices        map[string]*Device
	sessionDevice  map[string]string // sessionID -> deviceID
	producerDevice map[string]string // producerID -> deviceID
	producerStream map[string]string // producerID -> streamID (video producers only)
	streams        map[string]*Stream
	transportStream map[string]string // transportID -> streamID, for update-in-place

	bus         *events.Bus
	graceWindow time.Duration
	log         *logger.Logger
}

// New creates an empty registry. graceWindow is the deferred-removal
// interval (default 30s per configuration).
func New(bus *events.Bus, graceWindow time.Duration, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		devices:         make(map[string]*Device),
		sessionDevice:   make(map[string]string),
		producerDevice:  make(map[string]string),
		producerStream:  make(map[string]string),
		streams:         make(map[string]*Stream),
		transportStream: make(map[string]string),
		bus:             bus,
		graceWindow:     graceWindow,
		log:             log,
	}
}

// RegisterDevice upserts the device, binds sessionID to it, cancels any
// pending removal, and emits device-connected. Preserves the existing
// display name when name is empty, per invariant 2.
func (r *Registry) RegisterDevice(sessionID, deviceID, name string) Snapshot {
	r.mu.Lock()

	dev, exists := r.devices[deviceID]
	if !exists {
		dev = &Device{DeviceID: deviceID}
		r.devices[deviceID] = dev
	}
	r.cancelRemovalLocked(dev)

	if dev.SessionID != "" && dev.SessionID != sessionID {
		delete(r.sessionDevice, dev.SessionID)
	}

	if name != "" {
		dev.Name = name
	}
	dev.SessionID = sessionID
	dev.Connected = true
	dev.LastSeen = time.Now()
	r.sessionDevice[sessionID] = deviceID

	snap := dev.snapshot()
	r.mu.Unlock()

	r.log.DebugRegistryEvent("device registered", "deviceId", deviceID, "sessionId", sessionID)
	r.bus.Publish(events.Event{
		Kind:     events.DeviceConnected,
		DeviceID: deviceID,
		Payload:  events.DeviceConnectedPayload{DeviceID: deviceID, DeviceName: snap.Name},
	})
	return snap
}

// DeviceBySession returns the device currently bound to sessionID, if any.
func (r *Registry) DeviceBySession(sessionID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deviceID, ok := r.sessionDevice[sessionID]
	if !ok {
		return Snapshot{}, false
	}
	dev, ok := r.devices[deviceID]
	if !ok {
		return Snapshot{}, false
	}
	return dev.snapshot(), true
}

// DeviceByID returns the device record, if any.
func (r *Registry) DeviceByID(deviceID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[deviceID]
	if !ok {
		return Snapshot{}, false
	}
	return dev.snapshot(), true
}

// MarkDisconnected flips the device to not-connected, emits
// device-disconnected and schedules its removal after the grace window.
// Streaming is left untouched: a producer may outlive a socket briefly
// during reconnect windows.
func (r *Registry) MarkDisconnected(deviceID string) {
	r.mu.Lock()
	dev, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return
	}
	dev.Connected = false
	dev.SessionID = ""
	r.scheduleRemovalLocked(dev)
	r.mu.Unlock()

	r.log.DebugRegistryEvent("device disconnected", "deviceId", deviceID)
	r.bus.Publish(events.Event{
		Kind:     events.DeviceDisconnected,
		DeviceID: deviceID,
		Payload:  events.DeviceDisconnectedPayload{DeviceID: deviceID},
	})
}

func (r *Registry) scheduleRemovalLocked(dev *Device) {
	r.cancelRemovalLocked(dev)
	deviceID := dev.DeviceID
	dev.removal = time.AfterFunc(r.graceWindow, func() {
		r.expireRemoval(deviceID)
	})
}

func (r *Registry) cancelRemovalLocked(dev *Device) {
	if dev.removal != nil {
		dev.removal.Stop()
		dev.removal = nil
	}
}

// CancelRemoval cancels any pending removal deadline for deviceID.
func (r *Registry) CancelRemoval(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[deviceID]
	if !ok {
		return
	}
	r.cancelRemovalLocked(dev)
}

func (r *Registry) expireRemoval(deviceID string) {
	r.mu.Lock()
	dev, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if dev.Connected || dev.Streaming {
		// A register-device or produce arrived and reconnected the
		// device during the window; nothing to remove.
		r.mu.Unlock()
		return
	}
	delete(r.devices, deviceID)
	r.mu.Unlock()

	r.log.DebugRegistryEvent("device removed", "deviceId", deviceID)
	r.bus.Publish(events.Event{
		Kind:     events.DeviceRemoved,
		DeviceID: deviceID,
		Payload:  events.DeviceDisconnectedPayload{DeviceID: deviceID},
	})
}

// SetStreaming updates the device's streaming flag and current stream id,
// emitting device-streaming-changed.
func (r *Registry) SetStreaming(deviceID string, streaming bool, streamID string) {
	r.mu.Lock()
	dev, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return
	}
	dev.Streaming = streaming
	if streaming {
		dev.StreamID = streamID
	} else {
		dev.StreamID = ""
	}
	r.mu.Unlock()

	var streamIDPtr *string
	if streaming {
		streamIDPtr = &streamID
	}
	r.bus.Publish(events.Event{
		Kind:     events.DeviceStreamingChanged,
		DeviceID: deviceID,
		Payload: events.DeviceStreamingChangedPayload{
			DeviceID:    deviceID,
			IsStreaming: streaming,
			StreamID:    streamIDPtr,
		},
	})
}

// BindProducer records that producerID belongs to deviceID, per invariant 3
// ("streaming iff there is an open video producer whose appData.clientId
// equals the device id").
func (r *Registry) BindProducer(producerID, deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producerDevice[producerID] = deviceID
}

// StreamByProducer returns the stream owned by producerID, if it is a video
// producer with a live stream.
func (r *Registry) StreamByProducer(producerID string) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	streamID, ok := r.producerStream[producerID]
	if !ok {
		return nil, false
	}
	s, ok := r.streams[streamID]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// DeviceForProducer returns the device owning producerID.
func (r *Registry) DeviceForProducer(producerID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deviceID, ok := r.producerDevice[producerID]
	if !ok {
		return Snapshot{}, false
	}
	dev, ok := r.devices[deviceID]
	if !ok {
		return Snapshot{}, false
	}
	return dev.snapshot(), true
}

// SynthesizeStream creates or updates the stream record for a video
// producer on transportID. If the transport already has a stream, it is
// updated in place: the id and display name are preserved, the producer id
// and created-at instant are refreshed. Returns the resulting stream and
// whether this was an update (true) or a fresh creation (false).
func (r *Registry) SynthesizeStream(transportID, producerID, deviceID string, params StreamParams) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existingID, ok := r.transportStream[transportID]; ok {
		if s, ok := r.streams[existingID]; ok {
			delete(r.producerStream, s.ProducerID)
			s.ProducerID = producerID
			s.CreatedAt = time.Now()
			r.producerStream[producerID] = s.ID
			return s.clone(), true
		}
	}

	s := &Stream{
		ID:          ids.StreamID(transportID, time.Now()),
		TransportID: transportID,
		ProducerID:  producerID,
		DeviceID:    deviceID,
		DisplayName: params.DisplayName,
		Width:       params.Width,
		Height:      params.Height,
		FPS:         params.FPS,
		BitrateBps:  params.BitrateBps,
		CreatedAt:   time.Now(),
	}
	r.streams[s.ID] = s
	r.transportStream[transportID] = s.ID
	r.producerStream[producerID] = s.ID
	return s.clone(), false
}

// CloseProducer removes all registry state for producerID: its stream (if
// video), its transport->stream mapping, and its device ownership. Returns
// the closed stream id, if the producer had one.
func (r *Registry) CloseProducer(producerID string) (streamID string, hadStream bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.producerDevice, producerID)

	sid, ok := r.producerStream[producerID]
	if !ok {
		return "", false
	}
	delete(r.producerStream, producerID)

	if s, ok := r.streams[sid]; ok {
		delete(r.streams, sid)
		if r.transportStream[s.TransportID] == sid {
			delete(r.transportStream, s.TransportID)
		}
	}
	return sid, true
}

// GetStream returns a snapshot of the stream, if it exists.
func (r *Registry) GetStream(streamID string) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[streamID]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// ListStreams returns a snapshot of every currently active stream.
func (r *Registry) ListStreams() []*Stream {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s.clone())
	}
	return out
}

// RenameStream sets a stream's operator-assigned display name and emits
// stream-name-updated.
func (r *Registry) RenameStream(streamID, name string) (*Stream, bool) {
	r.mu.Lock()
	s, ok := r.streams[streamID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	s.DisplayName = name
	snap := s.clone()
	r.mu.Unlock()

	r.bus.Publish(events.Event{
		Kind:     events.StreamNameUpdated,
		DeviceID: snap.DeviceID,
		Payload: events.StreamNameUpdatedPayload{
			StreamID: streamID,
			Name:     name,
			Stream:   snap,
		},
	})
	return snap, true
}

// ForEachStreamOfSession invokes fn with the id of every producer (audio or
// video) recorded for the device bound to sessionID.
func (r *Registry) ForEachStreamOfSession(sessionID string, fn func(producerID string)) {
	r.mu.Lock()
	deviceID, ok := r.sessionDevice[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	var producers []string
	for pid, did := range r.producerDevice {
		if did == deviceID {
			producers = append(producers, pid)
		}
	}
	r.mu.Unlock()

	for _, pid := range producers {
		fn(pid)
	}
}
