package sfu

import (
	"fmt"
	"io"
	"sync"

	"github.com/ethan/mediabridge-router/pkg/logger"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// ClientTransport is an encrypted, bidirectional media channel with one
// remote WebRTC peer (a producing device or a monitoring browser). It is
// built directly on pion/webrtc's ICE/DTLS primitives rather than the
// high-level PeerConnection, since the signaling contract exchanges
// iceParameters/iceCandidates/dtlsParameters directly instead of SDP
// offer/answer.
type ClientTransport struct {
	ID        string
	SessionID string

	api      *webrtc.API
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	mu        sync.Mutex
	connected bool
	closed    bool
	producers map[string]*Producer
	consumers map[string]*Consumer

	log *logger.Logger
}

func newClientTransport(api *webrtc.API, id, sessionID string, log *logger.Logger) (*ClientTransport, error) {
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("new ice gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)

	cert, err := webrtc.GenerateCertificate(nil)
	if err != nil {
		return nil, fmt.Errorf("generate dtls certificate: %w", err)
	}
	dtls, err := api.NewDTLSTransport(ice, []webrtc.Certificate{*cert})
	if err != nil {
		return nil, fmt.Errorf("new dtls transport: %w", err)
	}

	return &ClientTransport{
		ID:        id,
		SessionID: sessionID,
		api:       api,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
		log:       log,
	}, nil
}

// Gather starts host/srflx/relay candidate gathering; callers must wait for
// it to settle before reading LocalICECandidates.
func (t *ClientTransport) Gather() error {
	return t.gatherer.Gather()
}

// LocalICEParameters returns the ICE ufrag/pwd the remote peer authenticates
// against.
func (t *ClientTransport) LocalICEParameters() (webrtc.ICEParameters, error) {
	return t.gatherer.GetLocalParameters()
}

// LocalICECandidates returns the gathered candidate list.
func (t *ClientTransport) LocalICECandidates() ([]webrtc.ICECandidate, error) {
	return t.gatherer.GetLocalCandidates()
}

// LocalDTLSParameters returns our certificate fingerprint and preferred
// role, to be sent back to the client in the create-transport reply.
func (t *ClientTransport) LocalDTLSParameters() (webrtc.DTLSParameters, error) {
	return t.dtls.GetLocalParameters()
}

// Connect starts the ICE transport in ICE-lite/controlled mode (the remote
// ufrag is learned from the username attribute on incoming STUN binding
// requests, matching mediasoup's WebRtcTransport behavior) and then runs
// the DTLS handshake against the client's reported parameters.
func (t *ClientTransport) Connect(remoteDTLS webrtc.DTLSParameters) error {
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(t.gatherer, webrtc.ICEParameters{}, &role); err != nil {
		return fmt.Errorf("start ice transport: %w", err)
	}
	if err := t.dtls.Start(remoteDTLS); err != nil {
		return fmt.Errorf("start dtls transport: %w", err)
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

// BindProducer creates an RTP receiver for one inbound track and starts
// forwarding its packets to every current and future consumer.
func (t *ClientTransport) BindProducer(id string, kind webrtc.RTPCodecType, params RTPParameters) (*Producer, error) {
	receiver, err := t.api.NewRTPReceiver(kind, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("new rtp receiver: %w", err)
	}

	var encodings []webrtc.RTPDecodingParameters
	for _, enc := range params.Encodings {
		encodings = append(encodings, webrtc.RTPDecodingParameters{
			RTPCodingParameters: webrtc.RTPCodingParameters{SSRC: webrtc.SSRC(enc.SSRC)},
		})
	}
	if err := receiver.Receive(webrtc.RTPReceiveParameters{Encodings: encodings}); err != nil {
		return nil, newError(ErrProduceFailed, err)
	}

	p := &Producer{
		ID:         id,
		Kind:       string(kind.String()),
		Parameters: params,
		transport:  t,
		receiver:   receiver,
		consumers:  make(map[string]*Consumer),
		closeCh:    make(chan struct{}),
	}
	if p.Kind == "video" {
		p.keyframeLog = newKeyframeSniffer(t.log, id)
	}

	t.mu.Lock()
	t.producers[id] = p
	t.mu.Unlock()

	go p.forwardLoop(t.log)

	return p, nil
}

// removeProducer detaches a closed producer from the transport.
func (t *ClientTransport) removeProducer(id string) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

// addConsumer registers a consumer as owned by this transport (for cascade
// close on transport close).
func (t *ClientTransport) addConsumer(c *Consumer) {
	t.mu.Lock()
	t.consumers[c.ID] = c
	t.mu.Unlock()
}

func (t *ClientTransport) removeConsumer(id string) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

// Close tears down every producer and consumer owned by this transport,
// then the DTLS/ICE stack itself. Idempotent.
func (t *ClientTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	for _, p := range producers {
		p.Close()
	}

	if err := t.dtls.Stop(); err != nil {
		t.log.Warn("dtls transport stop failed", "transportId", t.ID, "error", err)
	}
	if err := t.ice.Stop(); err != nil {
		t.log.Warn("ice transport stop failed", "transportId", t.ID, "error", err)
	}
	return nil
}

// writeRTPToClientConsumer writes one inbound RTP packet to a single
// consumer on a client transport. Producer.forwardLoop calls it once per
// client consumer; consumers bound to egress transports are written to
// through their EgressTransport instead.
func writeRTPToClientConsumer(c *Consumer, pkt *rtp.Packet) {
	if c.localTrack == nil {
		return
	}
	if err := c.localTrack.WriteRTP(pkt); err != nil && err != io.ErrClosedPipe {
		c.log.Warn("consumer write failed", "consumerId", c.ID, "error", err)
	}
}
