package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonpuls/axonpuls/pkg/models"
	"github.com/axonpuls/axonpuls/pkg/observability"
)

func newTestStream(bufSize int) *Stream {
	return NewStream(bufSize, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func makeEvent(channel, id string) *models.Event {
	return &models.Event{
		ID:        id,
		Type:      "test.event",
		Channel:   channel,
		Timestamp: time.Now(),
	}
}

func TestStream_PublishSubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("Subscriber receives events on its channel", func(t *testing.T) {
		s := newTestStream(8)
		ch, cancel := s.Subscribe("org:o1:chat")
		defer cancel()

		require.NoError(t, s.Publish(ctx, makeEvent("org:o1:chat", "e1")))

		select {
		case e := <-ch:
			assert.Equal(t, "e1", e.ID)
		case <-time.After(time.Second):
			t.Fatal("event never arrived")
		}
	})

	t.Run("Events on other channels are not delivered", func(t *testing.T) {
		s := newTestStream(8)
		ch, cancel := s.Subscribe("org:o1:chat")
		defer cancel()

		require.NoError(t, s.Publish(ctx, makeEvent("org:o1:other", "e1")))

		select {
		case e := <-ch:
			t.Fatalf("unexpected event %s", e.ID)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("Org wildcard receives every event of the org", func(t *testing.T) {
		s := newTestStream(8)
		ch, cancel := s.Subscribe(models.OrgWildcard("o1"))
		defer cancel()

		require.NoError(t, s.Publish(ctx, makeEvent("org:o1:a", "e1")))
		require.NoError(t, s.Publish(ctx, makeEvent("org:o1:b", "e2")))
		require.NoError(t, s.Publish(ctx, makeEvent("org:o2:a", "e3")))

		var got []string
		for i := 0; i < 2; i++ {
			select {
			case e := <-ch:
				got = append(got, e.ID)
			case <-time.After(time.Second):
				t.Fatal("wildcard events missing")
			}
		}
		assert.Equal(t, []string{"e1", "e2"}, got)

		select {
		case e := <-ch:
			t.Fatalf("event from wrong org: %s", e.ID)
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestStream_Overflow(t *testing.T) {
	ctx := context.Background()

	t.Run("Publish never blocks and drops the oldest entry", func(t *testing.T) {
		s := newTestStream(2)
		ch, cancel := s.Subscribe("org:o1:c")
		defer cancel()

		done := make(chan struct{})
		go func() {
			for i := 0; i < 10; i++ {
				_ = s.Publish(ctx, makeEvent("org:o1:c", fmt.Sprintf("e%d", i)))
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("publish blocked on a full subscriber")
		}

		// The two newest events survive.
		e := <-ch
		assert.Equal(t, "e8", e.ID)
		e = <-ch
		assert.Equal(t, "e9", e.ID)
	})
}

func TestStream_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("Cancel closes the channel and stops delivery", func(t *testing.T) {
		s := newTestStream(8)
		ch, cancel := s.Subscribe("org:o1:c")

		cancel()
		_, open := <-ch
		assert.False(t, open)

		require.NoError(t, s.Publish(ctx, makeEvent("org:o1:c", "e1")))
		assert.Equal(t, 0, s.SubscriberCount("org:o1:c"))
	})

	t.Run("Cancel is safe to call twice", func(t *testing.T) {
		s := newTestStream(8)
		_, cancel := s.Subscribe("org:o1:c")
		cancel()
		cancel()
	})

	t.Run("Cancel racing a publish never panics the publisher", func(t *testing.T) {
		s := newTestStream(1)

		// A crowd of long-lived subscribers stretches the fan-out loop so
		// cancels land mid-delivery.
		for i := 0; i < 100; i++ {
			_, cancel := s.Subscribe("org:o1:c")
			defer cancel()
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 500; i++ {
				_ = s.Publish(ctx, makeEvent("org:o1:c", fmt.Sprintf("e%d", i)))
			}
		}()

		for i := 0; i < 500; i++ {
			_, cancel := s.Subscribe("org:o1:c")
			cancel()
		}

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("publisher never finished")
		}
	})
}
