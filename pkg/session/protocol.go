package session

import (
	"encoding/json"

	"github.com/ethan/mediabridge-router/pkg/sfu"
	"github.com/pion/webrtc/v4"
)

// Request is one correlated signaling request arriving on a session's
// channel. Type names the operation (§4.C); Payload is decoded per-type by
// the matching handler.
type Request struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply is the correlated response to a Request: exactly one of Result or
// Error is set.
type Reply struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func okReply(id string, result any) Reply {
	return Reply{ID: id, OK: true, Result: result}
}

func errReply(id string, kind ErrorKind) Reply {
	return Reply{ID: id, OK: false, Error: string(kind)}
}

// Broadcast is an unsolicited, server-pushed message on the same channel —
// the wire rendering of an events.Event (§4.F).
type Broadcast struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type registerDevicePayload struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName,omitempty"`
}

type connectTransportPayload struct {
	TransportID    string                `json:"transportId"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

type producePayload struct {
	TransportID   string           `json:"transportId"`
	Kind          string           `json:"kind"`
	RTPParameters sfu.RTPParameters `json:"rtpParameters"`
}

type consumeStreamPayload struct {
	TransportID  string            `json:"transportId"`
	ProducerID   string            `json:"producerId"`
	Capabilities sfu.RTPParameters `json:"capabilities"`
}

type resumeConsumerPayload struct {
	ConsumerID string `json:"consumerId"`
}

type disconnectStreamPayload struct {
	StreamID string `json:"streamId"`
}

type updateStreamNamePayload struct {
	StreamID string `json:"streamId"`
	Name     string `json:"name"`
}

type okResult struct{}
