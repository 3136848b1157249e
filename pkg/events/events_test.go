package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBrokerDeliversToSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Publish(&Event{Type: EventRevisionInserted, DocID: "doc1", RevID: "1-abc"})

	select {
	case ev := <-sub:
		require.Equal(t, EventRevisionInserted, ev.Type)
		require.Equal(t, "doc1", ev.DocID)
		require.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	b.Unsubscribe(sub)
	require.Equal(t, 0, b.SubscriberCount())
}
