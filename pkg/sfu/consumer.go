package sfu

import (
	"sync"
	"time"

	"github.com/ethan/mediabridge-router/pkg/logger"
	"github.com/pion/webrtc/v4"
)

// Consumer represents one outbound forwarding bound to a transport (client
// or egress) and a specific source Producer. It closes when either the
// producer or the owning transport closes.
type Consumer struct {
	ID         string
	Kind       string
	Parameters RTPParameters
	CreatedAt  time.Time

	producer *Producer

	// Exactly one of these is set, depending on the owning transport kind.
	clientTransport *ClientTransport
	localTrack      *webrtc.TrackLocalStaticRTP
	sender          *webrtc.RTPSender

	egress *EgressTransport

	mu     sync.Mutex
	closed bool

	log *logger.Logger
}

// newClientConsumer builds a consumer forwarding to a browser/monitoring
// client transport via a local RTP track bound to an RTPSender.
func newClientConsumer(id string, producer *Producer, transport *ClientTransport, params RTPParameters, log *logger.Logger) (*Consumer, error) {
	mimeType := "video/VP8"
	if producer.Kind == "audio" {
		mimeType = "audio/opus"
	}
	if len(params.Codecs) > 0 {
		mimeType = params.Codecs[0].MimeType
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		producer.ID, transport.ID,
	)
	if err != nil {
		return nil, newError(ErrUnsupportedCapabilities, err)
	}

	sender, err := transport.api.NewRTPSender(track, transport.dtls)
	if err != nil {
		return nil, newError(ErrUnsupportedCapabilities, err)
	}

	c := &Consumer{
		ID:              id,
		Kind:            producer.Kind,
		Parameters:      params,
		CreatedAt:       time.Now(),
		producer:        producer,
		clientTransport: transport,
		localTrack:      track,
		sender:          sender,
		log:             log,
	}

	transport.addConsumer(c)
	producer.AddConsumer(c)
	producer.OnClose(func() { c.Close() })

	return c, nil
}

// newEgressConsumer builds a consumer forwarding bit-exact RTP to a plain
// egress transport.
func newEgressConsumer(id string, producer *Producer, egress *EgressTransport, params RTPParameters, log *logger.Logger) *Consumer {
	c := &Consumer{
		ID:         id,
		Kind:       producer.Kind,
		Parameters: params,
		CreatedAt:  time.Now(),
		producer:   producer,
		egress:     egress,
		log:        log,
	}

	producer.AddConsumer(c)
	producer.OnClose(func() { c.Close() })

	return c
}

// Close detaches the consumer from its producer and, for client consumers,
// stops the RTP sender. Idempotent.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.producer.removeConsumer(c.ID)
	if c.clientTransport != nil {
		c.clientTransport.removeConsumer(c.ID)
	}
	if c.sender != nil {
		_ = c.sender.Stop()
	}
	return nil
}
