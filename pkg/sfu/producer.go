package sfu

import (
	"sync"
	"time"

	"github.com/ethan/mediabridge-router/pkg/logger"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Producer represents one inbound media track bound to a client transport.
// Its lifetime is a strict subset of its transport's: closing the owning
// transport closes every producer it holds.
type Producer struct {
	ID         string
	Kind       string // "audio" or "video"
	Parameters RTPParameters
	CreatedAt  time.Time

	transport *ClientTransport
	receiver  *webrtc.RTPReceiver

	mu        sync.Mutex
	closed    bool
	consumers map[string]*Consumer
	binding   *EgressBinding

	closeCh        chan struct{}
	closeListeners []func()

	keyframeLog *keyframeSniffer
}

// AddConsumer registers a client-side forwarding consumer for this producer.
func (p *Producer) AddConsumer(c *Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.consumers[c.ID] = c
}

func (p *Producer) removeConsumer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
}

// setEgressBinding records the single EgressBinding owned by this producer,
// per the invariant that a producer owns at most one binding.
func (p *Producer) setEgressBinding(b *EgressBinding) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.binding = b
}

// EgressBinding returns the producer's current binding, if any.
func (p *Producer) EgressBinding() *EgressBinding {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.binding
}

// OnClose registers a callback invoked when the producer closes. Multiple
// listeners may register (each consumer bound to the producer, plus the
// router's own stream/registry cascade); all run, in registration order.
func (p *Producer) OnClose(fn func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fn()
		return
	}
	p.closeListeners = append(p.closeListeners, fn)
	p.mu.Unlock()
}

// forwardLoop reads RTP packets off the underlying receiver's track and fans
// them out bit-exact (same SSRC, same payload type) to every current
// consumer, and, if an egress binding exists, onto its raw UDP socket.
func (p *Producer) forwardLoop(log *logger.Logger) {
	track := p.receiver.Track()
	if track == nil {
		return
	}
	buf := make([]byte, 1500)
	for {
		select {
		case <-p.closeCh:
			return
		default:
		}

		n, _, err := track.Read(buf)
		if err != nil {
			// The track ended without a signaling-driven close (ICE/DTLS
			// failure, camera disconnect): run the same close cascade a
			// CloseProducer call would, so the registry/event-bus/egress
			// state doesn't stay pinned as if the producer were still live.
			p.Close()
			return
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			log.Warn("discarding unparseable rtp packet", "producerId", p.ID, "error", err)
			continue
		}

		if p.keyframeLog != nil {
			p.keyframeLog.observe(pkt)
		}

		p.mu.Lock()
		consumers := make([]*Consumer, 0, len(p.consumers))
		for _, c := range p.consumers {
			consumers = append(consumers, c)
		}
		p.mu.Unlock()

		for _, c := range consumers {
			if c.egress != nil {
				c.egress.writeRTP(pkt)
			} else {
				writeRTPToClientConsumer(c, pkt)
			}
		}
	}
}

// Close tears down the producer: its consumers, its egress binding, and the
// underlying receiver. Idempotent.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	binding := p.binding
	listeners := p.closeListeners
	p.mu.Unlock()

	close(p.closeCh)

	for _, c := range consumers {
		c.Close()
	}
	if binding != nil {
		binding.close()
	}

	p.transport.removeProducer(p.ID)
	_ = p.receiver.Stop()

	for _, fn := range listeners {
		fn()
	}
	return nil
}
