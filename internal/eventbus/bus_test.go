package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: ActionSucceeded, Data: "like"})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		assert.Equal(t, ActionSucceeded, e.Type)
		assert.False(t, e.Time.IsZero())
		assert.Equal(t, "like", e.Data)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: ActionFailed})
	b.Publish(Event{Type: BlockDetected}) // dropped, must not block

	e := <-ch
	assert.Equal(t, ActionFailed, e.Type)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %q", extra.Type)
	default:
	}
}

func TestUnsubscribeClosesAndStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(2)
	unsub()
	unsub()

	_, ok := <-ch
	require.False(t, ok)
	b.Publish(Event{Type: StateChanged})
}

func TestNopBus(t *testing.T) {
	t.Parallel()
	var b Bus = Nop{}
	b.Publish(Event{Type: Paused})
	ch, unsub := b.Subscribe(1)
	defer unsub()
	_, ok := <-ch
	assert.False(t, ok)
}
