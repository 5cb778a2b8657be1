// Package sfu is the media worker/router: it owns one routing context per
// process, the transport factory, the producer/consumer/stream synthesis
// logic, and the egress bridge service. All mutating operations are
// serialized through a CommandQueue so the invariants in the data model
// hold without any other locking.
package sfu

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ethan/mediabridge-router/pkg/config"
	"github.com/ethan/mediabridge-router/pkg/events"
	"github.com/ethan/mediabridge-router/pkg/ids"
	"github.com/ethan/mediabridge-router/pkg/logger"
	"github.com/ethan/mediabridge-router/pkg/registry"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

const (
	commandQueueOpsPerSecond = 200.0
	commandQueueBurst        = 64

	defaultStreamWidth  = 1280
	defaultStreamHeight = 720
	defaultStreamFPS    = 30
	defaultStreamBPS    = 1_000_000
)

// TransportDescriptor is the wire-shaped reply to create-transport /
// create-recv-transport: the router's local ICE/DTLS parameters the client
// uses to connect.
type TransportDescriptor struct {
	ID              string                `json:"id"`
	ICEParameters   webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates   []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters  webrtc.DTLSParameters `json:"dtlsParameters"`
}

// ProducerResult is the reply to produce.
type ProducerResult struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// ConsumerResult is the reply to consume-stream.
type ConsumerResult struct {
	ID         string        `json:"id"`
	ProducerID string        `json:"producerId"`
	Kind       string        `json:"kind"`
	Parameters RTPParameters `json:"rtpParameters"`
}

// EgressResult is the reply to the bridge's consume request.
type EgressResult struct {
	ConsumerID string              `json:"consumerId"`
	Transport  EgressTransportInfo `json:"transport"`
	Parameters RTPParameters       `json:"rtpParameters"`
	Metadata   StreamMetadata      `json:"streamMetadata"`
}

// EgressTransportInfo is the plain UDP tuple the sink reads from.
type EgressTransportInfo struct {
	ID       string `json:"id"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	RTCPPort int    `json:"rtcpPort"`
	Protocol string `json:"protocol"`
}

// StreamMetadata describes a stream's nominal video parameters for the
// bridge response.
type StreamMetadata struct {
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	FPS        int    `json:"fps"`
	DeviceName string `json:"deviceName"`
}

// Router owns the single routing context for the process.
type Router struct {
	cfg *config.Config
	api *webrtc.API

	portPool *PortPool
	queue    *CommandQueue
	registry *registry.Registry
	bus      *events.Bus
	caps     Capabilities

	mu               sync.RWMutex
	ready            bool
	clientTransports map[string]*ClientTransport
	egressTransports map[string]*EgressTransport

	log *logger.Logger
}

// NewRouter builds the WebRTC API (MediaEngine + SettingEngine), the egress
// port pool, and the command queue, and marks the router ready. Any
// operation issued before this returns would fail NotInitialized, but since
// construction is synchronous here there is no such window in practice.
func NewRouter(cfg *config.Config, bus *events.Bus, reg *registry.Registry, log *logger.Logger) (*Router, error) {
	if log == nil {
		log = logger.Default()
	}

	m := &webrtc.MediaEngine{}
	if err := registerCodecs(m, cfg.Codecs); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	if err := se.SetEphemeralUDPPortRange(uint16(cfg.WebRTCPortMin), uint16(cfg.WebRTCPortMax)); err != nil {
		return nil, fmt.Errorf("set webrtc port range: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se), webrtc.WithInterceptorRegistry(ir))

	r := &Router{
		cfg:              cfg,
		api:              api,
		portPool:         NewPortPool(cfg.EgressPortMin, cfg.EgressPortMax, log),
		queue:            NewCommandQueue(commandQueueOpsPerSecond, commandQueueBurst, log),
		registry:         reg,
		bus:              bus,
		caps:             defaultCapabilities(cfg.Codecs),
		clientTransports: make(map[string]*ClientTransport),
		egressTransports: make(map[string]*EgressTransport),
		log:              log,
	}
	r.queue.Start()
	r.ready = true
	return r, nil
}

func registerCodecs(m *webrtc.MediaEngine, codecNames []string) error {
	for _, name := range codecNames {
		switch name {
		case "opus":
			if err := m.RegisterCodec(webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
				PayloadType:        111,
			}, webrtc.RTPCodecTypeAudio); err != nil {
				return err
			}
		case "VP8":
			if err := m.RegisterCodec(webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
				PayloadType:        96,
			}, webrtc.RTPCodecTypeVideo); err != nil {
				return err
			}
		case "VP9":
			if err := m.RegisterCodec(webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000},
				PayloadType:        98,
			}, webrtc.RTPCodecTypeVideo); err != nil {
				return err
			}
		case "H264":
			if err := m.RegisterCodec(webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType: webrtc.MimeTypeH264, ClockRate: 90000,
					SDPFmtpLine: "packetization-mode=1",
				},
				PayloadType: 102,
			}, webrtc.RTPCodecTypeVideo); err != nil {
				return err
			}
		}
	}
	return nil
}

// Capabilities returns the router's RTP capability descriptor. Idempotent
// and lock-free: it never changes after construction.
func (r *Router) Capabilities() Capabilities {
	return r.caps
}

func (r *Router) requireReady() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.ready {
		return newError(ErrNotInitialized, nil)
	}
	return nil
}

// CreateClientTransport creates an encrypted bidirectional transport bound
// to sessionID, gathers candidates, and returns the descriptor the session
// sends back to the client.
func (r *Router) CreateClientTransport(ctx context.Context, sessionID string) (*TransportDescriptor, error) {
	if err := r.requireReady(); err != nil {
		return nil, err
	}
	return Submit(ctx, r.queue, 0, func() (*TransportDescriptor, error) {
		id := ids.New()
		t, err := newClientTransport(r.api, id, sessionID, r.log)
		if err != nil {
			return nil, fmt.Errorf("create client transport: %w", err)
		}
		if err := t.Gather(); err != nil {
			return nil, fmt.Errorf("gather candidates: %w", err)
		}

		iceParams, err := t.LocalICEParameters()
		if err != nil {
			return nil, err
		}
		candidates, err := t.LocalICECandidates()
		if err != nil {
			return nil, err
		}
		dtlsParams, err := t.LocalDTLSParameters()
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.clientTransports[id] = t
		r.mu.Unlock()

		r.log.DebugICENegotiation("client transport created", "transportId", id, "sessionId", sessionID)

		return &TransportDescriptor{
			ID:             id,
			ICEParameters:  iceParams,
			ICECandidates:  candidates,
			DTLSParameters: dtlsParams,
		}, nil
	})
}

func (r *Router) getClientTransport(id string) (*ClientTransport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.clientTransports[id]
	return t, ok
}

// ConnectTransport runs the DTLS handshake against the client's reported
// parameters.
func (r *Router) ConnectTransport(ctx context.Context, transportID string, dtlsParams webrtc.DTLSParameters) error {
	_, err := Submit(ctx, r.queue, 0, func() (struct{}, error) {
		t, ok := r.getClientTransport(transportID)
		if !ok {
			return struct{}{}, newError(ErrUnknownTransport, nil)
		}
		if err := t.Connect(dtlsParams); err != nil {
			return struct{}{}, fmt.Errorf("connect transport: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// BindProducer registers a new inbound track on transportID, resolving the
// producing device from the transport's session, and — for video — creates
// or updates the transport's Stream record.
func (r *Router) BindProducer(ctx context.Context, transportID, kind string, params RTPParameters) (*ProducerResult, error) {
	return Submit(ctx, r.queue, 0, func() (*ProducerResult, error) {
		t, ok := r.getClientTransport(transportID)
		if !ok {
			return nil, newError(ErrUnknownTransport, nil)
		}

		deviceSnap, ok := r.registry.DeviceBySession(t.SessionID)
		if !ok {
			return nil, newError(ErrProduceFailed, fmt.Errorf("no device registered for session %s", t.SessionID))
		}

		codecKind := webrtc.RTPCodecTypeVideo
		if kind == "audio" {
			codecKind = webrtc.RTPCodecTypeAudio
		}

		producerID := ids.New()
		p, err := t.BindProducer(producerID, codecKind, params)
		if err != nil {
			return nil, err
		}
		p.CreatedAt = time.Now()
		r.registry.BindProducer(producerID, deviceSnap.DeviceID)

		if kind == "video" {
			sp := computeStreamParams(deviceSnap.Name, params)
			s, isUpdate := r.registry.SynthesizeStream(transportID, producerID, deviceSnap.DeviceID, sp)
			r.registry.SetStreaming(deviceSnap.DeviceID, true, s.ID)

			kindEvent := events.StreamStarted
			if isUpdate {
				kindEvent = events.StreamUpdated
			}
			r.bus.Publish(events.Event{
				Kind:     kindEvent,
				DeviceID: deviceSnap.DeviceID,
				Payload:  events.StreamLifecyclePayload{Stream: s},
			})
		}

		deviceID := deviceSnap.DeviceID
		isVideo := kind == "video"
		p.OnClose(func() {
			r.handleProducerClosed(producerID, isVideo, deviceID)
		})

		return &ProducerResult{ID: producerID, Kind: kind}, nil
	})
}

func (r *Router) handleProducerClosed(producerID string, isVideo bool, deviceID string) {
	streamID, hadStream := r.registry.CloseProducer(producerID)
	if isVideo && hadStream {
		r.registry.SetStreaming(deviceID, false, "")
		r.bus.Publish(events.Event{
			Kind:     events.StreamEnded,
			DeviceID: deviceID,
			Payload:  events.StreamEndedPayload{StreamID: streamID},
		})
	}
}

// computeStreamParams applies the stream synthesis algorithm: default
// 1280x720 @30fps @1Mbps, divided by any declared scaleResolutionDownBy
// factor (floored), adopting a declared maxBitrate if present.
func computeStreamParams(deviceName string, params RTPParameters) registry.StreamParams {
	sp := registry.StreamParams{
		DisplayName: deviceName,
		Width:       defaultStreamWidth,
		Height:      defaultStreamHeight,
		FPS:         defaultStreamFPS,
		BitrateBps:  defaultStreamBPS,
	}
	if len(params.Encodings) == 0 {
		return sp
	}
	enc := params.Encodings[0]
	if enc.ScaleResolutionDownBy > 1 {
		sp.Width = int(math.Floor(float64(sp.Width) / enc.ScaleResolutionDownBy))
		sp.Height = int(math.Floor(float64(sp.Height) / enc.ScaleResolutionDownBy))
	}
	if enc.MaxBitrate > 0 {
		sp.BitrateBps = enc.MaxBitrate
	}
	return sp
}

// BindConsumer opens a client-side forwarding consumer on transportID for
// producerID, to be watched by a browser monitor.
func (r *Router) BindConsumer(ctx context.Context, transportID, producerID string, capabilities RTPParameters) (*ConsumerResult, error) {
	return Submit(ctx, r.queue, 0, func() (*ConsumerResult, error) {
		t, ok := r.getClientTransport(transportID)
		if !ok {
			return nil, newError(ErrUnknownTransport, nil)
		}

		p, ok := r.findProducer(producerID)
		if !ok {
			return nil, newError(ErrUnknownProducer, nil)
		}

		consumerID := ids.New()
		c, err := newClientConsumer(consumerID, p, t, capabilities, r.log)
		if err != nil {
			return nil, err
		}

		return &ConsumerResult{ID: consumerID, ProducerID: producerID, Kind: p.Kind, Parameters: capabilities}, nil
	})
}

func (r *Router) findProducer(producerID string) (*Producer, bool) {
	r.mu.RLock()
	transports := make([]*ClientTransport, 0, len(r.clientTransports))
	for _, t := range r.clientTransports {
		transports = append(transports, t)
	}
	r.mu.RUnlock()

	for _, t := range transports {
		t.mu.Lock()
		p, ok := t.producers[producerID]
		t.mu.Unlock()
		if ok {
			return p, true
		}
	}
	return nil, false
}

// BindEgress implements the Egress Bridge Service algorithm: idempotent
// binding acquisition, port pool allocation, egress transport + consumer
// creation, and producer-close wiring.
func (r *Router) BindEgress(ctx context.Context, producerID string, capabilities RTPParameters) (*EgressResult, error) {
	return Submit(ctx, r.queue, 1, func() (*EgressResult, error) {
		p, ok := r.findProducer(producerID)
		if !ok {
			return nil, newError(ErrUnknownProducer, nil)
		}

		if existing := p.EgressBinding(); existing != nil {
			return r.egressResultFromBinding(existing), nil
		}

		if err := validateEgressCapabilities(p.Parameters, capabilities); err != nil {
			return nil, err
		}

		rtpPort, rtcpPort, err := r.portPool.Acquire()
		if err != nil {
			return nil, err
		}

		transportID := ids.New()
		et, err := newEgressTransport(transportID, r.cfg.AnnouncedIP, rtpPort, rtcpPort, r.log)
		if err != nil {
			r.portPool.Release(rtpPort)
			return nil, fmt.Errorf("create egress transport: %w", err)
		}

		consumerID := ids.New()
		consumer := newEgressConsumer(consumerID, p, et, capabilities, r.log)

		var streamID string
		var meta StreamMetadata
		if s, ok := r.registry.StreamByProducer(producerID); ok {
			streamID = s.ID
			meta = StreamMetadata{Width: s.Width, Height: s.Height, FPS: s.FPS, DeviceName: s.DisplayName}
		}

		binding := &EgressBinding{
			Transport: et,
			Consumer:  consumer,
			Producer:  p,
			StreamID:  streamID,
			CreatedAt: time.Now().UnixMilli(),
		}
		binding.onRelease = func() {
			r.portPool.Release(rtpPort)
			r.mu.Lock()
			delete(r.egressTransports, transportID)
			r.mu.Unlock()
		}
		p.setEgressBinding(binding)

		r.mu.Lock()
		r.egressTransports[transportID] = et
		r.mu.Unlock()

		r.log.DebugEgressEvent("egress binding created", "producerId", producerID, "transportId", transportID, "port", rtpPort)

		return &EgressResult{
			ConsumerID: consumerID,
			Transport: EgressTransportInfo{
				ID: transportID, IP: r.cfg.AnnouncedIP, Port: rtpPort, RTCPPort: rtcpPort, Protocol: "udp",
			},
			Parameters: capabilities,
			Metadata:   meta,
		}, nil
	})
}

func (r *Router) egressResultFromBinding(b *EgressBinding) *EgressResult {
	ip, port, rtcpPort := b.Transport.Tuple()
	meta := StreamMetadata{}
	if s, ok := r.registry.GetStream(b.StreamID); ok {
		meta = StreamMetadata{Width: s.Width, Height: s.Height, FPS: s.FPS, DeviceName: s.DisplayName}
	}
	return &EgressResult{
		ConsumerID: b.Consumer.ID,
		Transport:  EgressTransportInfo{ID: b.Transport.ID, IP: ip, Port: port, RTCPPort: rtcpPort, Protocol: "udp"},
		Parameters: b.Consumer.Parameters,
		Metadata:   meta,
	}
}

// validateEgressCapabilities enforces that the egress consumer's capability
// set is a close-to-identity forwarding of the producer's negotiated
// parameters: same payload types and clock rates, so the sink receives
// bit-exact RTP.
func validateEgressCapabilities(producerParams, requested RTPParameters) error {
	if len(requested.Codecs) == 0 {
		return newError(ErrUnsupportedCapabilities, fmt.Errorf("no codecs in requested capabilities"))
	}
	producerByPT := make(map[uint8]RTPCodecCapability, len(producerParams.Codecs))
	for _, c := range producerParams.Codecs {
		producerByPT[c.PayloadType] = c
	}
	for _, rc := range requested.Codecs {
		pc, ok := producerByPT[rc.PayloadType]
		if !ok || pc.ClockRate != rc.ClockRate || pc.MimeType != rc.MimeType {
			return newError(ErrUnsupportedCapabilities,
				fmt.Errorf("requested codec %s/%d does not match producer payload type %d", rc.MimeType, rc.ClockRate, rc.PayloadType))
		}
	}
	return nil
}

// CloseProducer closes producerID and cascades per the data model's
// ownership rules. Idempotent.
func (r *Router) CloseProducer(ctx context.Context, producerID string) error {
	_, err := Submit(ctx, r.queue, 0, func() (struct{}, error) {
		p, ok := r.findProducer(producerID)
		if !ok {
			return struct{}{}, nil // already closed: idempotent
		}
		return struct{}{}, p.Close()
	})
	return err
}

// CloseTransport closes transportID and cascades to every producer and
// consumer it owns. Idempotent.
func (r *Router) CloseTransport(ctx context.Context, transportID string) error {
	_, err := Submit(ctx, r.queue, 0, func() (struct{}, error) {
		r.mu.Lock()
		t, ok := r.clientTransports[transportID]
		if ok {
			delete(r.clientTransports, transportID)
		}
		r.mu.Unlock()
		if !ok {
			return struct{}{}, nil
		}
		return struct{}{}, t.Close()
	})
	return err
}

// PortPoolStats reports egress pool utilization for the admin surface.
func (r *Router) PortPoolStats() (inUse, total int) {
	return r.portPool.Stats()
}
