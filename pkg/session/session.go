// Package session implements the per-channel signaling state machine
// (§4.C): one Session per open signaling connection, sequencing
// register-device/create-transport/produce/consume requests against the
// router and registry, and cascading cleanup on channel close.
package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ethan/mediabridge-router/pkg/events"
	"github.com/ethan/mediabridge-router/pkg/logger"
	"github.com/ethan/mediabridge-router/pkg/registry"
	"github.com/ethan/mediabridge-router/pkg/sfu"
	"github.com/pion/webrtc/v4"
)

// routerAPI is the subset of *sfu.Router a session needs. Session depends
// on this interface, not the concrete type, so the state machine can be
// exercised against a fake in tests without standing up real ICE/DTLS
// transports.
type routerAPI interface {
	Capabilities() sfu.Capabilities
	CreateClientTransport(ctx context.Context, sessionID string) (*sfu.TransportDescriptor, error)
	ConnectTransport(ctx context.Context, transportID string, dtlsParams webrtc.DTLSParameters) error
	BindProducer(ctx context.Context, transportID, kind string, params sfu.RTPParameters) (*sfu.ProducerResult, error)
	BindConsumer(ctx context.Context, transportID, producerID string, capabilities sfu.RTPParameters) (*sfu.ConsumerResult, error)
	BindEgress(ctx context.Context, producerID string, capabilities sfu.RTPParameters) (*sfu.EgressResult, error)
	CloseProducer(ctx context.Context, producerID string) error
	CloseTransport(ctx context.Context, transportID string) error
}

// State names a session's position in the §4.C sequence. States only ever
// advance forward; there is no going back to an earlier state short of
// closing the channel.
type State string

const (
	StateOpened                State = "opened"
	StateRegistered            State = "registered"
	StateSendTransportCreated  State = "send-transport-created"
	StateSendTransportReady    State = "send-transport-connected"
	StateProducing             State = "producing"
)

// Session is one open signaling channel. Every mutating request it handles
// is itself dispatched through the router's CommandQueue, so the state
// machine here only needs to guard request *ordering*, not concurrent
// mutation of shared state.
type Session struct {
	ID string

	router   routerAPI
	registry *registry.Registry
	bus      *events.Bus
	log      *logger.Logger

	mu              sync.Mutex
	state           State
	deviceID        string
	sendTransportID string
	recvTransportID string
	producerIDs     map[string]struct{}
	consumerIDs     map[string]struct{}
}

// New creates a fresh session in the Opened state.
func New(id string, router routerAPI, reg *registry.Registry, bus *events.Bus, log *logger.Logger) *Session {
	if log == nil {
		log = logger.Default()
	}
	return &Session{
		ID:          id,
		router:      router,
		registry:    reg,
		bus:         bus,
		log:         log,
		state:       StateOpened,
		producerIDs: make(map[string]struct{}),
		consumerIDs: make(map[string]struct{}),
	}
}

// Dispatch handles one request and returns its reply. It never panics: any
// unexpected error from the router is mapped to a reply-carried ErrorKind
// rather than propagated, per the failure semantics in §4.C ("any response
// that carries an error leaves the session in its pre-call state").
func (s *Session) Dispatch(ctx context.Context, req Request) Reply {
	switch req.Type {
	case "register-device":
		return s.handleRegisterDevice(req)
	case "get-rtp-capabilities":
		return s.handleGetCapabilities(req)
	case "create-transport":
		return s.handleCreateTransport(ctx, req, false)
	case "create-recv-transport":
		return s.handleCreateTransport(ctx, req, true)
	case "connect-transport":
		return s.handleConnectTransport(ctx, req, false)
	case "connect-recv-transport":
		return s.handleConnectTransport(ctx, req, true)
	case "produce":
		return s.handleProduce(ctx, req)
	case "consume-stream":
		return s.handleConsumeStream(ctx, req)
	case "resume-consumer":
		return s.handleResumeConsumer(req)
	case "stop-stream":
		return s.handleStopStream(ctx, req)
	case "disconnect-stream":
		return s.handleDisconnectStream(ctx, req)
	case "update-stream-name":
		return s.handleUpdateStreamName(req)
	case "get-active-streams":
		return s.handleGetActiveStreams(req)
	case "ndi-bridge-consume-stream":
		return s.handleBridgeConsume(ctx, req)
	default:
		return errReply(req.ID, ErrProtocolOrder)
	}
}

func (s *Session) atLeast(min State) bool {
	order := map[State]int{
		StateOpened:               0,
		StateRegistered:           1,
		StateSendTransportCreated: 2,
		StateSendTransportReady:   3,
		StateProducing:            4,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return order[s.state] >= order[min]
}

func (s *Session) advance(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = to
}

func (s *Session) handleRegisterDevice(req Request) Reply {
	var p registerDevicePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || p.DeviceID == "" {
		return errReply(req.ID, ErrMissingDeviceID)
	}

	s.registry.RegisterDevice(s.ID, p.DeviceID, p.DeviceName)

	s.mu.Lock()
	s.deviceID = p.DeviceID
	if s.state == StateOpened {
		s.state = StateRegistered
	}
	s.mu.Unlock()

	return okReply(req.ID, okResult{})
}

func (s *Session) handleGetCapabilities(req Request) Reply {
	if !s.atLeast(StateRegistered) {
		return errReply(req.ID, ErrProtocolOrder)
	}
	return okReply(req.ID, s.router.Capabilities())
}

func (s *Session) handleCreateTransport(ctx context.Context, req Request, recv bool) Reply {
	if !s.atLeast(StateRegistered) {
		return errReply(req.ID, ErrProtocolOrder)
	}

	desc, err := s.router.CreateClientTransport(ctx, s.ID)
	if err != nil {
		return errReply(req.ID, kindOf(err))
	}

	s.mu.Lock()
	if recv {
		s.recvTransportID = desc.ID
	} else {
		s.sendTransportID = desc.ID
		if s.state == StateRegistered {
			s.state = StateSendTransportCreated
		}
	}
	s.mu.Unlock()

	return okReply(req.ID, desc)
}

func (s *Session) handleConnectTransport(ctx context.Context, req Request, recv bool) Reply {
	var p connectTransportPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return errReply(req.ID, sfu.ErrUnknownTransport)
	}

	if !recv && !s.atLeast(StateSendTransportCreated) {
		return errReply(req.ID, ErrProtocolOrder)
	}

	s.mu.Lock()
	owned := p.TransportID == s.sendTransportID || p.TransportID == s.recvTransportID
	s.mu.Unlock()
	if !owned {
		return errReply(req.ID, sfu.ErrUnknownTransport)
	}

	if err := s.router.ConnectTransport(ctx, p.TransportID, p.DTLSParameters); err != nil {
		return errReply(req.ID, kindOf(err))
	}

	if !recv {
		s.mu.Lock()
		if s.state == StateSendTransportCreated {
			s.state = StateSendTransportReady
		}
		s.mu.Unlock()
	}
	return okReply(req.ID, okResult{})
}

func (s *Session) handleProduce(ctx context.Context, req Request) Reply {
	if !s.atLeast(StateSendTransportReady) {
		return errReply(req.ID, ErrProtocolOrder)
	}

	var p producePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return errReply(req.ID, sfu.ErrProduceFailed)
	}

	s.mu.Lock()
	owned := p.TransportID == s.sendTransportID
	s.mu.Unlock()
	if !owned {
		return errReply(req.ID, sfu.ErrUnknownTransport)
	}

	result, err := s.router.BindProducer(ctx, p.TransportID, p.Kind, p.RTPParameters)
	if err != nil {
		return errReply(req.ID, kindOf(err))
	}

	s.mu.Lock()
	s.producerIDs[result.ID] = struct{}{}
	s.state = StateProducing
	s.mu.Unlock()

	return okReply(req.ID, result)
}

func (s *Session) handleConsumeStream(ctx context.Context, req Request) Reply {
	if !s.atLeast(StateProducing) {
		return errReply(req.ID, ErrProtocolOrder)
	}

	var p consumeStreamPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return errReply(req.ID, sfu.ErrUnsupportedCapabilities)
	}

	s.mu.Lock()
	transportID := s.recvTransportID
	s.mu.Unlock()
	if transportID == "" || transportID != p.TransportID {
		return errReply(req.ID, sfu.ErrUnknownTransport)
	}

	result, err := s.router.BindConsumer(ctx, p.TransportID, p.ProducerID, p.Capabilities)
	if err != nil {
		return errReply(req.ID, kindOf(err))
	}

	s.mu.Lock()
	s.consumerIDs[result.ID] = struct{}{}
	s.mu.Unlock()

	return okReply(req.ID, result)
}

// handleResumeConsumer is a no-op acknowledgement: consumers here start
// already flowing (there is no paused-on-creation state in this router),
// so resume only validates ownership.
func (s *Session) handleResumeConsumer(req Request) Reply {
	var p resumeConsumerPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return errReply(req.ID, sfu.ErrUnknownProducer)
	}
	s.mu.Lock()
	_, ok := s.consumerIDs[p.ConsumerID]
	s.mu.Unlock()
	if !ok {
		return errReply(req.ID, sfu.ErrUnknownProducer)
	}
	return okReply(req.ID, okResult{})
}

// handleStopStream closes the producer of the device's current stream (OQ2,
// resolved as option (b) "for clarity"): the session-implicit current
// stream, if any, is torn down rather than left running with the device
// merely flagged not-streaming. The producer-close cascade in the router
// then marks the device not-streaming and emits stream-ended.
func (s *Session) handleStopStream(ctx context.Context, req Request) Reply {
	s.mu.Lock()
	deviceID := s.deviceID
	s.mu.Unlock()
	if deviceID == "" {
		return errReply(req.ID, ErrProtocolOrder)
	}

	dev, ok := s.registry.DeviceByID(deviceID)
	if !ok || !dev.Streaming || dev.StreamID == "" {
		return okReply(req.ID, okResult{})
	}

	stream, ok := s.registry.GetStream(dev.StreamID)
	if !ok {
		return okReply(req.ID, okResult{})
	}

	if err := s.router.CloseProducer(ctx, stream.ProducerID); err != nil {
		return errReply(req.ID, kindOf(err))
	}
	return okReply(req.ID, okResult{})
}

// handleDisconnectStream closes any stream's owning producer by id, the
// explicit counterpart to stop-stream's session-implicit target.
func (s *Session) handleDisconnectStream(ctx context.Context, req Request) Reply {
	var p disconnectStreamPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return errReply(req.ID, ErrUnknownStream)
	}

	stream, ok := s.registry.GetStream(p.StreamID)
	if !ok {
		return errReply(req.ID, ErrUnknownStream)
	}

	if err := s.router.CloseProducer(ctx, stream.ProducerID); err != nil {
		return errReply(req.ID, kindOf(err))
	}
	return okReply(req.ID, okResult{})
}

func (s *Session) handleUpdateStreamName(req Request) Reply {
	var p updateStreamNamePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return errReply(req.ID, ErrUnknownStream)
	}
	if _, ok := s.registry.RenameStream(p.StreamID, p.Name); !ok {
		return errReply(req.ID, ErrUnknownStream)
	}
	return okReply(req.ID, okResult{})
}

func (s *Session) handleGetActiveStreams(req Request) Reply {
	return okReply(req.ID, s.registry.ListStreams())
}

// handleBridgeConsume serves the NDI bridge's egress-bind request. It is
// accepted in any session state, since the bridge connects on its own
// channel and never runs the device register/produce sequence at all.
func (s *Session) handleBridgeConsume(ctx context.Context, req Request) Reply {
	var p consumeStreamPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return errReply(req.ID, sfu.ErrUnsupportedCapabilities)
	}

	result, err := s.router.BindEgress(ctx, p.ProducerID, p.Capabilities)
	if err != nil {
		return errReply(req.ID, kindOf(err))
	}
	return okReply(req.ID, result)
}

// Close runs the channel-close cascade (§4.C): every producer the session
// opened is closed (cascading to its consumers and egress binding), the
// device is marked disconnected, and its removal deadline starts.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	deviceID := s.deviceID
	producers := make([]string, 0, len(s.producerIDs))
	for pid := range s.producerIDs {
		producers = append(producers, pid)
	}
	s.mu.Unlock()

	for _, pid := range producers {
		if err := s.router.CloseProducer(ctx, pid); err != nil {
			s.log.Warn("close producer during session close failed", "sessionId", s.ID, "producerId", pid, "error", err)
		}
	}

	if deviceID != "" {
		s.registry.MarkDisconnected(deviceID)
	}
}
