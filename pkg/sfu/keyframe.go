package sfu

import (
	"time"

	"github.com/ethan/mediabridge-router/pkg/logger"
	"github.com/pion/rtp"
)

// H.264 NAL unit types relevant to keyframe detection.
const (
	naluTypeIFrame = 5
	naluTypeSTAPA  = 24
	naluTypeFUA    = 28
)

// keyframeSniffer logs the time-to-first-keyframe for one video producer. It
// inspects the NAL unit type byte(s) already present in each forwarded RTP
// packet and never buffers, reassembles, or blocks the forwarding loop.
type keyframeSniffer struct {
	producerID string
	startedAt  time.Time
	log        *logger.Logger
	seen       bool
}

func newKeyframeSniffer(log *logger.Logger, producerID string) *keyframeSniffer {
	return &keyframeSniffer{producerID: producerID, startedAt: time.Now(), log: log}
}

// observe checks one packet's payload for an IDR NAL unit. Once the first
// keyframe is seen it logs once and goes quiet for the rest of the
// producer's life.
func (k *keyframeSniffer) observe(pkt *rtp.Packet) {
	if k.seen || len(pkt.Payload) == 0 {
		return
	}
	if !isKeyframeNALU(pkt.Payload) {
		return
	}
	k.seen = true
	k.log.Debug("producer reached first keyframe",
		"producerId", k.producerID,
		"elapsed", time.Since(k.startedAt))
}

func isKeyframeNALU(payload []byte) bool {
	naluType := payload[0] & 0x1F
	switch naluType {
	case naluTypeIFrame:
		return true
	case naluTypeSTAPA:
		return stapAContainsKeyframe(payload[1:])
	case naluTypeFUA:
		if len(payload) < 2 {
			return false
		}
		return payload[1]&0x1F == naluTypeIFrame
	default:
		return false
	}
}

// stapAContainsKeyframe walks a STAP-A's aggregated, length-prefixed NAL
// units looking for an IDR among them.
func stapAContainsKeyframe(buf []byte) bool {
	for len(buf) > 2 {
		size := int(buf[0])<<8 | int(buf[1])
		buf = buf[2:]
		if size <= 0 || size > len(buf) {
			return false
		}
		if buf[0]&0x1F == naluTypeIFrame {
			return true
		}
		buf = buf[size:]
	}
	return false
}
