package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_SequenceNumbersStrictlyIncreasing(t *testing.T) {
	bus := New()
	sub := bus.Subscribe("v1")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: Modified, VaultID: "v1", Path: "a.md"})
	}

	var last uint64
	for i := 0; i < 5; i++ {
		evt := <-sub.Events()
		assert.Greater(t, evt.Sequence, last)
		last = evt.Sequence
	}
}

func TestPublish_OrderPreservedPerSubscriber(t *testing.T) {
	bus := New()
	sub := bus.Subscribe("v1")
	defer sub.Close()

	bus.Publish(Event{Type: Created, VaultID: "v1", Path: "a.md"})
	bus.Publish(Event{Type: Modified, VaultID: "v1", Path: "a.md"})
	bus.Publish(Event{Type: Deleted, VaultID: "v1", Path: "a.md"})

	first := <-sub.Events()
	second := <-sub.Events()
	third := <-sub.Events()
	assert.Equal(t, Created, first.Type)
	assert.Equal(t, Modified, second.Type)
	assert.Equal(t, Deleted, third.Type)
}

func TestPublish_NoCrossVaultOrdering(t *testing.T) {
	bus := New()
	subA := bus.Subscribe("a")
	subB := bus.Subscribe("b")
	defer subA.Close()
	defer subB.Close()

	bus.Publish(Event{Type: Modified, VaultID: "a", Path: "x.md"})
	bus.Publish(Event{Type: Modified, VaultID: "b", Path: "y.md"})

	evtA := <-subA.Events()
	evtB := <-subB.Events()
	assert.Equal(t, "x.md", evtA.Path)
	assert.Equal(t, "y.md", evtB.Path)
}

func TestSubscribe_DroppingHandleUnsubscribes(t *testing.T) {
	bus := New()
	sub := bus.Subscribe("v1")
	require.Equal(t, 1, bus.SubscriberCount("v1"))
	sub.Close()
	assert.Equal(t, 0, bus.SubscriberCount("v1"))
}

func TestPublish_DoesNotBlockOnFullSubscriberBuffer(t *testing.T) {
	bus := New()
	sub := bus.Subscribe("v1")
	defer sub.Close()

	// Flood well past the subscriber buffer without ever reading.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*4; i++ {
			bus.Publish(Event{Type: Modified, VaultID: "v1", Path: "a.md"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-failAfter(t):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}

	// Drain and expect at least one Lagged marker somewhere in the stream.
	sawLag := false
	for i := 0; i < subscriberBufferSize; i++ {
		select {
		case evt := <-sub.Events():
			if evt.Type == Lagged {
				sawLag = true
			}
		default:
		}
	}
	assert.True(t, sawLag, "expected at least one Lagged marker after overflowing the subscriber buffer")
}

func failAfter(t *testing.T) <-chan struct{} {
	t.Helper()
	ch := make(chan struct{})
	go func() {
		<-time.After(5 * time.Second)
		close(ch)
	}()
	return ch
}
