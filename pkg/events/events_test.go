package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesPublishedEvent(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	bus.Publish(Event{Kind: DeviceConnected, DeviceID: "dev-A"})

	select {
	case ev := <-sub.Events():
		assert.Equal(t, DeviceConnected, ev.Kind)
		assert.Equal(t, "dev-A", ev.DeviceID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPerDeviceOrdering(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	bus.Publish(Event{Kind: DeviceConnected, DeviceID: "dev-A"})
	bus.Publish(Event{Kind: DeviceStreamingChanged, DeviceID: "dev-A"})
	bus.Publish(Event{Kind: StreamStarted, DeviceID: "dev-A"})

	var got []Kind
	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub.Events():
			got = append(got, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}

	require.Equal(t, []Kind{DeviceConnected, DeviceStreamingChanged, StreamStarted}, got)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe()
	sub.Unsubscribe()

	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	bus := NewBus(nil)
	subA := bus.Subscribe()
	subB := bus.Subscribe()
	defer subA.Unsubscribe()
	defer subB.Unsubscribe()

	bus.Publish(Event{Kind: StreamEnded, DeviceID: "dev-A"})

	for _, sub := range []*Subscription{subA, subB} {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, StreamEnded, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}
