package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutPerLab(t *testing.T) {
	b := New(nil)

	sub1, cancel1 := b.Subscribe("lab-1")
	defer cancel1()
	sub2, cancel2 := b.Subscribe("lab-1")
	defer cancel2()
	other, cancelOther := b.Subscribe("lab-2")
	defer cancelOther()

	b.Publish("lab-1", NewFrame(FrameNodeState, map[string]string{"node": "r1"}))

	for _, sub := range []<-chan *Frame{sub1, sub2} {
		select {
		case f := <-sub:
			assert.Equal(t, FrameNodeState, f.Type)
			assert.False(t, f.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive frame")
		}
	}

	select {
	case <-other:
		t.Fatal("lab-2 subscriber received a lab-1 frame")
	default:
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New(nil)

	sub, cancel := b.Subscribe("lab-1")
	require.Equal(t, 1, b.SubscriberCount("lab-1"))

	cancel()
	assert.Equal(t, 0, b.SubscriberCount("lab-1"))

	// Channel is closed after cancel.
	_, open := <-sub
	assert.False(t, open)

	// Cancel is idempotent.
	cancel()
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New(nil)

	_, cancel := b.Subscribe("lab-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		// Overflow the subscriber buffer; publish must never block.
		for i := 0; i < 200; i++ {
			b.Publish("lab-1", NewFrame(FrameHeartbeat, nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
