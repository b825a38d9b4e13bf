package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: TypeJobStateChanged, JobID: "job-1"})

	select {
	case evt := <-sub:
		require.Equal(t, TypeJobStateChanged, evt.Type)
		require.Equal(t, "job-1", evt.JobID)
		require.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishFillsTimestampWhenZero(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	before := time.Now()
	b.Publish(&Event{Type: TypeAlertTriggered})
	evt := <-sub
	require.False(t, evt.Timestamp.Before(before))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	require.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	require.False(t, ok)
}

func TestFullSubscriberBufferDropsRatherThanBlocks(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for i := 0; i < 1000; i++ {
		b.Publish(&Event{Type: TypeContainerDied})
	}
	// publisher must not have blocked; draining a few events proves
	// the broker stayed alive under subscriber back-pressure.
	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("broker appears stalled")
	}
}
