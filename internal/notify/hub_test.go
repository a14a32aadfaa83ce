package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	h := NewHub()
	// Must not block or panic.
	h.Publish(Event{Type: "evidence.acquired"})
	assert.Zero(t, h.Subscribers())
}

func TestHub_SubscriberReceivesEvent(t *testing.T) {
	h := NewHub()
	events, cancel := h.Subscribe()
	defer cancel()

	want := Event{Type: "evidence.acquired", CaseID: "case-1", EvidenceID: "ev-1", At: time.Now().UTC()}
	h.Publish(want)

	select {
	case got := <-events:
		assert.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestHub_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	h := NewHub()
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Overflow the buffer; extra events are dropped, not queued.
		for i := 0; i < subscriberBuffer*3; i++ {
			h.Publish(Event{Type: "evidence.acquired"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestHub_CancelRemovesSubscriber(t *testing.T) {
	h := NewHub()
	events, cancel := h.Subscribe()
	require.Equal(t, 1, h.Subscribers())

	cancel()
	assert.Zero(t, h.Subscribers())

	_, open := <-events
	assert.False(t, open, "channel closed on cancel")

	// Double cancel is safe.
	cancel()
}
