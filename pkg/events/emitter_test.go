package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitDeliversInOrder(t *testing.T) {
	e := NewEmitter()

	var got []string
	e.Subscribe(func(ev Event) { got = append(got, "first:"+ev.Name) })
	e.Subscribe(func(ev Event) { got = append(got, "second:"+ev.Name) })

	e.Emit(Event{Name: TicketStart, TicketID: "T-1"})

	require.Len(t, got, 2)
	assert.Equal(t, "first:ticket:start", got[0])
	assert.Equal(t, "second:ticket:start", got[1])
}

func TestEmitFillsTime(t *testing.T) {
	e := NewEmitter()

	var got Event
	e.Subscribe(func(ev Event) { got = ev })
	e.Emit(Event{Name: QueueStart})

	assert.False(t, got.Time.IsZero())
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	e := NewEmitter()

	delivered := false
	e.Subscribe(func(Event) { panic("listener bug") })
	e.Subscribe(func(Event) { delivered = true })

	e.Emit(Event{Name: TicketCompleted})
	assert.True(t, delivered)
}

func TestEmitWithNoListeners(t *testing.T) {
	e := NewEmitter()
	e.Emit(Event{Name: Error, Message: "nothing subscribed"})
}
