package registry

import (
	"testing"
	"time"

	"github.com/ethan/mediabridge-router/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(grace time.Duration) (*Registry, *events.Bus, *events.Subscription) {
	bus := events.NewBus(nil)
	sub := bus.Subscribe()
	return New(bus, grace, nil), bus, sub
}

func drain(t *testing.T, sub *events.Subscription, n int) []events.Event {
	t.Helper()
	out := make([]events.Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev := <-sub.Events():
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d/%d", i+1, n)
		}
	}
	return out
}

func TestRegisterDeviceEmitsConnected(t *testing.T) {
	r, _, sub := newTestRegistry(time.Minute)
	defer sub.Unsubscribe()

	snap := r.RegisterDevice("sess-1", "dev-A", "Kitchen Cam")
	assert.True(t, snap.Connected)
	assert.Equal(t, "Kitchen Cam", snap.Name)

	evs := drain(t, sub, 1)
	assert.Equal(t, events.DeviceConnected, evs[0].Kind)
}

func TestRegisterDeviceIdempotent(t *testing.T) {
	// L1: register-device(d) followed by register-device(d) from the same
	// session leaves the registry in the same state as a single call.
	r, _, sub := newTestRegistry(time.Minute)
	defer sub.Unsubscribe()

	r.RegisterDevice("sess-1", "dev-A", "Kitchen Cam")
	drain(t, sub, 1)
	snapAfterFirst := mustDevice(t, r, "dev-A")

	r.RegisterDevice("sess-1", "dev-A", "Kitchen Cam")
	drain(t, sub, 1)
	snapAfterSecond := mustDevice(t, r, "dev-A")

	assert.Equal(t, snapAfterFirst.DeviceID, snapAfterSecond.DeviceID)
	assert.Equal(t, snapAfterFirst.SessionID, snapAfterSecond.SessionID)
	assert.Equal(t, snapAfterFirst.Name, snapAfterSecond.Name)
}

func TestRegisterDevicePreservesNameWhenOmitted(t *testing.T) {
	r, _, sub := newTestRegistry(time.Minute)
	defer sub.Unsubscribe()

	r.RegisterDevice("sess-1", "dev-A", "Kitchen Cam")
	drain(t, sub, 1)

	snap := r.RegisterDevice("sess-2", "dev-A", "")
	drain(t, sub, 1)

	assert.Equal(t, "Kitchen Cam", snap.Name)
	assert.Equal(t, "sess-2", snap.SessionID)
}

func TestGraceExpiryRemovesDisconnectedDevice(t *testing.T) {
	r, _, sub := newTestRegistry(30 * time.Millisecond)
	defer sub.Unsubscribe()

	r.RegisterDevice("sess-1", "dev-A", "Kitchen Cam")
	drain(t, sub, 1)

	r.MarkDisconnected("dev-A")
	drain(t, sub, 1) // device-disconnected

	evs := drain(t, sub, 1) // device-removed, after the grace window
	assert.Equal(t, events.DeviceRemoved, evs[0].Kind)

	_, ok := r.DeviceByID("dev-A")
	assert.False(t, ok)
}

func TestReconnectDuringGraceCancelsRemoval(t *testing.T) {
	r, _, sub := newTestRegistry(40 * time.Millisecond)
	defer sub.Unsubscribe()

	r.RegisterDevice("sess-1", "dev-A", "Kitchen Cam")
	drain(t, sub, 1)

	r.MarkDisconnected("dev-A")
	drain(t, sub, 1)

	r.RegisterDevice("sess-2", "dev-A", "")
	drain(t, sub, 1)

	time.Sleep(80 * time.Millisecond)

	snap, ok := r.DeviceByID("dev-A")
	require.True(t, ok)
	assert.True(t, snap.Connected)
}

func TestSynthesizeStreamUpdatesInPlace(t *testing.T) {
	r, _, sub := newTestRegistry(time.Minute)
	defer sub.Unsubscribe()
	r.RegisterDevice("sess-1", "dev-A", "Kitchen Cam")
	drain(t, sub, 1)

	s1, isUpdate1 := r.SynthesizeStream("T1", "P1", "dev-A", StreamParams{
		DisplayName: "Kitchen Cam", Width: 1280, Height: 720, FPS: 30, BitrateBps: 1_000_000,
	})
	require.False(t, isUpdate1)

	r.RenameStream(s1.ID, "CAM-LEFT")
	drain(t, sub, 1)

	s2, isUpdate2 := r.SynthesizeStream("T1", "P2", "dev-A", StreamParams{
		DisplayName: "Kitchen Cam", Width: 1280, Height: 720, FPS: 30, BitrateBps: 1_000_000,
	})
	require.True(t, isUpdate2)
	assert.Equal(t, s1.ID, s2.ID)
	assert.Equal(t, "CAM-LEFT", s2.DisplayName)
	assert.Equal(t, "P2", s2.ProducerID)
}

func TestCloseProducerRemovesStream(t *testing.T) {
	r, _, sub := newTestRegistry(time.Minute)
	defer sub.Unsubscribe()
	r.RegisterDevice("sess-1", "dev-A", "Kitchen Cam")
	drain(t, sub, 1)

	s, _ := r.SynthesizeStream("T1", "P1", "dev-A", StreamParams{DisplayName: "Kitchen Cam"})

	streamID, had := r.CloseProducer("P1")
	require.True(t, had)
	assert.Equal(t, s.ID, streamID)

	_, ok := r.GetStream(s.ID)
	assert.False(t, ok)
}

func mustDevice(t *testing.T, r *Registry, deviceID string) Snapshot {
	t.Helper()
	snap, ok := r.DeviceByID(deviceID)
	require.True(t, ok)
	return snap
}
