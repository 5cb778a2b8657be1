package sfu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCapabilitiesAssignsIncreasingPayloadTypes(t *testing.T) {
	caps := defaultCapabilities([]string{"opus", "VP8", "H264"})
	require.Len(t, caps.Codecs, 3)

	assert.Equal(t, uint8(96), caps.Codecs[0].PayloadType)
	assert.Equal(t, uint8(97), caps.Codecs[1].PayloadType)
	assert.Equal(t, uint8(98), caps.Codecs[2].PayloadType)

	assert.Equal(t, "audio", caps.Codecs[0].Kind)
	assert.Equal(t, "video", caps.Codecs[1].Kind)
}

func TestDefaultCapabilitiesSkipsUnknownCodecNames(t *testing.T) {
	caps := defaultCapabilities([]string{"opus", "made-up-codec", "VP9"})
	require.Len(t, caps.Codecs, 2)
	assert.Equal(t, "audio/opus", caps.Codecs[0].MimeType)
	assert.Equal(t, "video/VP9", caps.Codecs[1].MimeType)
}

func TestComputeStreamParamsDefaultsWithoutEncodings(t *testing.T) {
	sp := computeStreamParams("front-door", RTPParameters{})
	assert.Equal(t, "front-door", sp.DisplayName)
	assert.Equal(t, defaultStreamWidth, sp.Width)
	assert.Equal(t, defaultStreamHeight, sp.Height)
	assert.Equal(t, defaultStreamFPS, sp.FPS)
	assert.Equal(t, defaultStreamBPS, sp.BitrateBps)
}

func TestComputeStreamParamsAppliesScaleResolutionDownBy(t *testing.T) {
	sp := computeStreamParams("front-door", RTPParameters{
		Encodings: []RTPEncodingParameters{{SSRC: 1, ScaleResolutionDownBy: 2}},
	})
	assert.Equal(t, defaultStreamWidth/2, sp.Width)
	assert.Equal(t, defaultStreamHeight/2, sp.Height)
}

func TestComputeStreamParamsAdoptsDeclaredMaxBitrate(t *testing.T) {
	sp := computeStreamParams("front-door", RTPParameters{
		Encodings: []RTPEncodingParameters{{SSRC: 1, MaxBitrate: 2_000_000}},
	})
	assert.Equal(t, 2_000_000, sp.BitrateBps)
}

func TestValidateEgressCapabilitiesRejectsMismatchedPayloadType(t *testing.T) {
	producerParams := RTPParameters{Codecs: []RTPCodecCapability{
		{Kind: "video", MimeType: "video/VP8", ClockRate: 90000, PayloadType: 96},
	}}
	requested := RTPParameters{Codecs: []RTPCodecCapability{
		{Kind: "video", MimeType: "video/H264", ClockRate: 90000, PayloadType: 96},
	}}

	err := validateEgressCapabilities(producerParams, requested)
	require.Error(t, err)
	kind, ok := Kind(err)
	require.True(t, ok)
	assert.Equal(t, ErrUnsupportedCapabilities, kind)
}

func TestValidateEgressCapabilitiesAcceptsMatchingSet(t *testing.T) {
	params := RTPParameters{Codecs: []RTPCodecCapability{
		{Kind: "video", MimeType: "video/VP8", ClockRate: 90000, PayloadType: 96},
	}}
	assert.NoError(t, validateEgressCapabilities(params, params))
}

func TestValidateEgressCapabilitiesRejectsEmptyRequest(t *testing.T) {
	err := validateEgressCapabilities(RTPParameters{}, RTPParameters{})
	require.Error(t, err)
	kind, _ := Kind(err)
	assert.Equal(t, ErrUnsupportedCapabilities, kind)
}
