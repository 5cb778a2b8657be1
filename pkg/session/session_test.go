package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ethan/mediabridge-router/pkg/events"
	"github.com/ethan/mediabridge-router/pkg/registry"
	"github.com/ethan/mediabridge-router/pkg/sfu"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRouter is a routerAPI test double: every call records its arguments
// and returns canned results, so session tests exercise state-machine
// ordering without any real ICE/DTLS/UDP plumbing. For video producers it
// mirrors sfu.Router.BindProducer's registry side effects (SynthesizeStream
// + SetStreaming) against the same registry the session uses, since several
// tests assert on device/stream state that only those calls establish.
type fakeRouter struct {
	reg       *registry.Registry
	sessionID string

	nextTransportID string
	nextProducerID  string
	nextConsumerID  string

	closedProducers []string
}

func (f *fakeRouter) Capabilities() sfu.Capabilities { return sfu.Capabilities{} }

func (f *fakeRouter) CreateClientTransport(ctx context.Context, sessionID string) (*sfu.TransportDescriptor, error) {
	return &sfu.TransportDescriptor{ID: f.nextTransportID}, nil
}

func (f *fakeRouter) ConnectTransport(ctx context.Context, transportID string, dtlsParams webrtc.DTLSParameters) error {
	return nil
}

func (f *fakeRouter) BindProducer(ctx context.Context, transportID, kind string, params sfu.RTPParameters) (*sfu.ProducerResult, error) {
	if kind == "video" {
		deviceSnap, ok := f.reg.DeviceBySession(f.sessionID)
		if ok {
			sp := registry.StreamParams{DisplayName: deviceSnap.Name}
			s, _ := f.reg.SynthesizeStream(transportID, f.nextProducerID, deviceSnap.DeviceID, sp)
			f.reg.SetStreaming(deviceSnap.DeviceID, true, s.ID)
		}
	}
	return &sfu.ProducerResult{ID: f.nextProducerID, Kind: kind}, nil
}

func (f *fakeRouter) BindConsumer(ctx context.Context, transportID, producerID string, capabilities sfu.RTPParameters) (*sfu.ConsumerResult, error) {
	return &sfu.ConsumerResult{ID: f.nextConsumerID, ProducerID: producerID, Kind: "video"}, nil
}

func (f *fakeRouter) BindEgress(ctx context.Context, producerID string, capabilities sfu.RTPParameters) (*sfu.EgressResult, error) {
	return &sfu.EgressResult{ConsumerID: "egress-consumer"}, nil
}

func (f *fakeRouter) CloseProducer(ctx context.Context, producerID string) error {
	f.closedProducers = append(f.closedProducers, producerID)
	return nil
}

func (f *fakeRouter) CloseTransport(ctx context.Context, transportID string) error { return nil }

func newTestSession(t *testing.T) (*Session, *fakeRouter, *registry.Registry) {
	t.Helper()
	bus := events.NewBus(nil)
	reg := registry.New(bus, 0, nil)
	fr := &fakeRouter{
		reg:             reg,
		sessionID:       "session-1",
		nextTransportID: "transport-1",
		nextProducerID:  "producer-1",
		nextConsumerID:  "consumer-1",
	}
	s := New("session-1", fr, reg, bus, nil)
	return s, fr, reg
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestProduceBeforeTransportReadyFailsProtocolOrder(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()

	reply := s.Dispatch(ctx, Request{ID: "1", Type: "register-device", Payload: payload(t, registerDevicePayload{DeviceID: "device-1"})})
	require.True(t, reply.OK)

	reply = s.Dispatch(ctx, Request{ID: "2", Type: "produce", Payload: payload(t, producePayload{TransportID: "transport-1", Kind: "video"})})
	assert.False(t, reply.OK)
	assert.Equal(t, string(ErrProtocolOrder), reply.Error)
}

func TestFullHappyPathReachesProducing(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()

	reply := s.Dispatch(ctx, Request{ID: "1", Type: "register-device", Payload: payload(t, registerDevicePayload{DeviceID: "device-1"})})
	require.True(t, reply.OK)

	reply = s.Dispatch(ctx, Request{ID: "2", Type: "create-transport"})
	require.True(t, reply.OK)

	reply = s.Dispatch(ctx, Request{ID: "3", Type: "connect-transport", Payload: payload(t, connectTransportPayload{TransportID: "transport-1"})})
	require.True(t, reply.OK)

	reply = s.Dispatch(ctx, Request{ID: "4", Type: "produce", Payload: payload(t, producePayload{TransportID: "transport-1", Kind: "video"})})
	require.True(t, reply.OK)

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	assert.Equal(t, StateProducing, state)
}

func TestConnectUnknownTransportFails(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()

	s.Dispatch(ctx, Request{ID: "1", Type: "register-device", Payload: payload(t, registerDevicePayload{DeviceID: "device-1"})})
	s.Dispatch(ctx, Request{ID: "2", Type: "create-transport"})

	reply := s.Dispatch(ctx, Request{ID: "3", Type: "connect-transport", Payload: payload(t, connectTransportPayload{TransportID: "some-other-transport"})})
	assert.False(t, reply.OK)
	assert.Equal(t, string(sfu.ErrUnknownTransport), reply.Error)
}

func TestCloseCascadeClosesEveryOpenProducer(t *testing.T) {
	s, fr, reg := newTestSession(t)
	ctx := context.Background()

	s.Dispatch(ctx, Request{ID: "1", Type: "register-device", Payload: payload(t, registerDevicePayload{DeviceID: "device-1"})})
	s.Dispatch(ctx, Request{ID: "2", Type: "create-transport"})
	s.Dispatch(ctx, Request{ID: "3", Type: "connect-transport", Payload: payload(t, connectTransportPayload{TransportID: "transport-1"})})
	s.Dispatch(ctx, Request{ID: "4", Type: "produce", Payload: payload(t, producePayload{TransportID: "transport-1", Kind: "video"})})

	s.Close(ctx)

	assert.Equal(t, []string{"producer-1"}, fr.closedProducers)
	dev, ok := reg.DeviceByID("device-1")
	require.True(t, ok)
	assert.False(t, dev.Connected)
}

func TestStopStreamWithoutDeviceFailsProtocolOrder(t *testing.T) {
	s, _, _ := newTestSession(t)
	reply := s.Dispatch(context.Background(), Request{ID: "1", Type: "stop-stream"})
	assert.False(t, reply.OK)
	assert.Equal(t, string(ErrProtocolOrder), reply.Error)
}

func TestStopStreamClosesTheStreamingProducer(t *testing.T) {
	s, fr, reg := newTestSession(t)
	ctx := context.Background()

	s.Dispatch(ctx, Request{ID: "1", Type: "register-device", Payload: payload(t, registerDevicePayload{DeviceID: "device-1"})})
	s.Dispatch(ctx, Request{ID: "2", Type: "create-transport"})
	s.Dispatch(ctx, Request{ID: "3", Type: "connect-transport", Payload: payload(t, connectTransportPayload{TransportID: "transport-1"})})
	s.Dispatch(ctx, Request{ID: "4", Type: "produce", Payload: payload(t, producePayload{TransportID: "transport-1", Kind: "video"})})

	dev, ok := reg.DeviceByID("device-1")
	require.True(t, ok)
	require.True(t, dev.Streaming)
	require.NotEmpty(t, dev.StreamID)

	reply := s.Dispatch(ctx, Request{ID: "5", Type: "stop-stream"})
	require.True(t, reply.OK)
	assert.Equal(t, []string{"producer-1"}, fr.closedProducers)
}

func TestStopStreamWithoutActiveStreamIsNoOp(t *testing.T) {
	s, fr, _ := newTestSession(t)
	ctx := context.Background()

	s.Dispatch(ctx, Request{ID: "1", Type: "register-device", Payload: payload(t, registerDevicePayload{DeviceID: "device-1"})})

	reply := s.Dispatch(ctx, Request{ID: "2", Type: "stop-stream"})
	assert.True(t, reply.OK)
	assert.Empty(t, fr.closedProducers)
}

func TestUnknownRequestTypeFailsProtocolOrder(t *testing.T) {
	s, _, _ := newTestSession(t)
	reply := s.Dispatch(context.Background(), Request{ID: "1", Type: "not-a-real-request"})
	assert.False(t, reply.OK)
	assert.Equal(t, string(ErrProtocolOrder), reply.Error)
}
