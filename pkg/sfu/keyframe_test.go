package sfu

import (
	"testing"

	"github.com/ethan/mediabridge-router/pkg/logger"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
)

func TestKeyframeSnifferDetectsSingleNALUIFrame(t *testing.T) {
	k := newKeyframeSniffer(logger.Default(), "producer-1")
	k.observe(&rtp.Packet{Payload: []byte{0x65, 0x01, 0x02}})
	assert.True(t, k.seen)
}

func TestKeyframeSnifferIgnoresNonKeyframeTypes(t *testing.T) {
	k := newKeyframeSniffer(logger.Default(), "producer-1")
	k.observe(&rtp.Packet{Payload: []byte{0x61, 0x01, 0x02}}) // P-frame
	assert.False(t, k.seen)
}

func TestKeyframeSnifferDetectsFUAFragmentedIFrame(t *testing.T) {
	k := newKeyframeSniffer(logger.Default(), "producer-1")
	// FU indicator (type 28), FU header with start bit + original type 5.
	k.observe(&rtp.Packet{Payload: []byte{0x7C, 0x85, 0xAA}})
	assert.True(t, k.seen)
}

func TestKeyframeSnifferDetectsKeyframeInsideSTAPA(t *testing.T) {
	k := newKeyframeSniffer(logger.Default(), "producer-1")
	sps := []byte{0x67, 0x42, 0x00}
	idr := []byte{0x65, 0x88, 0x99}
	payload := []byte{0x18} // STAP-A header
	payload = append(payload, byte(len(sps)>>8), byte(len(sps)))
	payload = append(payload, sps...)
	payload = append(payload, byte(len(idr)>>8), byte(len(idr)))
	payload = append(payload, idr...)

	k.observe(&rtp.Packet{Payload: payload})
	assert.True(t, k.seen)
}

func TestKeyframeSnifferStopsLoggingAfterFirstKeyframe(t *testing.T) {
	k := newKeyframeSniffer(logger.Default(), "producer-1")
	k.observe(&rtp.Packet{Payload: []byte{0x65, 0x01}})
	assert.True(t, k.seen)

	// A later call is a no-op regardless of payload; seen stays true.
	k.observe(&rtp.Packet{Payload: []byte{0x61, 0x01}})
	assert.True(t, k.seen)
}
