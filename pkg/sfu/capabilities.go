package sfu

// RTPCodecCapability describes one codec the router can negotiate, mirroring
// the subset of RTP capability fields the signaling layer needs to convey
// to clients and to the egress bridge.
type RTPCodecCapability struct {
	Kind        string            `json:"kind"` // "audio" or "video"
	MimeType    string            `json:"mimeType"`
	ClockRate   uint32            `json:"clockRate"`
	Channels    int               `json:"channels,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	PayloadType uint8             `json:"preferredPayloadType"`
}

// Capabilities is the router's RTP capability descriptor, returned verbatim
// by get-rtp-capabilities and GET /capabilities.
type Capabilities struct {
	Codecs []RTPCodecCapability `json:"codecs"`
}

// defaultCapabilities builds the capability set from the configured codec
// list (opus/VP8/VP9/H264 baseline by default), assigning payload types in
// the dynamic range starting at 96, matching common WebRTC practice.
func defaultCapabilities(codecNames []string) Capabilities {
	caps := Capabilities{}
	pt := uint8(96)
	for _, name := range codecNames {
		switch name {
		case "opus":
			caps.Codecs = append(caps.Codecs, RTPCodecCapability{
				Kind: "audio", MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PayloadType: pt,
			})
		case "VP8":
			caps.Codecs = append(caps.Codecs, RTPCodecCapability{
				Kind: "video", MimeType: "video/VP8", ClockRate: 90000, PayloadType: pt,
			})
		case "VP9":
			caps.Codecs = append(caps.Codecs, RTPCodecCapability{
				Kind: "video", MimeType: "video/VP9", ClockRate: 90000, PayloadType: pt,
			})
		case "H264":
			caps.Codecs = append(caps.Codecs, RTPCodecCapability{
				Kind: "video", MimeType: "video/H264", ClockRate: 90000,
				Parameters: map[string]string{"packetization-mode": "1"},
				PayloadType: pt,
			})
		default:
			continue
		}
		pt++
	}
	return caps
}

// RTPEncodingParameters describes one simulcast/scalability encoding layer
// as declared by a producing client.
type RTPEncodingParameters struct {
	SSRC                  uint32  `json:"ssrc"`
	ScaleResolutionDownBy float64 `json:"scaleResolutionDownBy,omitempty"`
	MaxBitrate            int     `json:"maxBitrate,omitempty"`
}

// RTPParameters is the negotiated (producer) or synthesized (consumer) RTP
// parameter set exchanged over the signaling channel.
type RTPParameters struct {
	Codecs    []RTPCodecCapability    `json:"codecs"`
	Encodings []RTPEncodingParameters `json:"encodings,omitempty"`
}
