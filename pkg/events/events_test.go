package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case e := <-sub:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestBrokerDelivers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(New(EventOperationStarted, "op-1", "reshard started").With("from", "aaaa"))

	for _, sub := range []Subscriber{sub1, sub2} {
		e := receive(t, sub)
		assert.Equal(t, EventOperationStarted, e.Type)
		assert.Equal(t, "op-1", e.OperationID)
		assert.Equal(t, "aaaa", e.Metadata["from"])
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}

	b.Unsubscribe(sub1)
	b.Unsubscribe(sub1)
	assert.Equal(t, 1, b.SubscriberCount())
	_, open := <-sub1
	assert.False(t, open)
}

func TestPublishDoesNotBlock(t *testing.T) {
	b := NewBroker()
	// not started: the queue fills up and further events are dropped
	for i := 0; i < cap(b.eventCh)+10; i++ {
		b.Publish(New(EventStepCompleted, "op", "step"))
	}
	assert.Equal(t, int64(10), b.Dropped())

	b.Stop()
	b.Stop()
	b.Publish(New(EventStepCompleted, "op", "after stop"))
	require.Equal(t, int64(10), b.Dropped())
}

func TestEventIDsAreUnique(t *testing.T) {
	a := New(EventChaosPhase, "", "inject")
	b := New(EventChaosPhase, "", "inject")
	assert.NotEqual(t, a.ID, b.ID)
}
