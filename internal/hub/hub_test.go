package hub

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashureev/droidpilot/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	h := New(nil)
	a := NewChannelSink(4)
	b := NewChannelSink(4)
	h.Subscribe(a)
	h.Subscribe(b)

	h.Broadcast(domain.Event{Type: domain.EventTaskStart, TaskID: "t1"})

	for _, s := range []*ChannelSink{a, b} {
		evt := <-s.Events()
		assert.Equal(t, domain.EventTaskStart, evt.Type)
		assert.Equal(t, int64(1), evt.Seq)
		assert.False(t, evt.Time.IsZero())
	}
}

func TestLateSubscriberSeesOnlyNewEvents(t *testing.T) {
	h := New(nil)
	h.Broadcast(domain.Event{Type: domain.EventTaskStart})

	s := NewChannelSink(4)
	h.Subscribe(s)
	h.Broadcast(domain.Event{Type: domain.EventStep})

	evt := <-s.Events()
	assert.Equal(t, domain.EventStep, evt.Type)
	assert.Empty(t, s.Events())
}

func TestFailingSinkIsPrunedWithoutAffectingOthers(t *testing.T) {
	h := New(nil)
	calls := 0
	h.Subscribe(SinkFunc(func(domain.Event) error {
		calls++
		return errors.New("broken pipe")
	}))
	h.Subscribe(SinkFunc(func(domain.Event) error { panic("boom") }))
	good := NewChannelSink(4)
	h.Subscribe(good)

	require.NotPanics(t, func() {
		h.Broadcast(domain.Event{Type: domain.EventStep})
	})
	assert.Len(t, good.Events(), 1)
	assert.Equal(t, 1, h.Len())

	h.Broadcast(domain.Event{Type: domain.EventStep})
	assert.Equal(t, 1, calls)
	assert.Len(t, good.Events(), 2)
}

func TestClosedChannelSinkIsPruned(t *testing.T) {
	h := New(nil)
	s := NewChannelSink(1)
	h.Subscribe(s)
	s.Close()

	h.Broadcast(domain.Event{Type: domain.EventStep})
	assert.Equal(t, 0, h.Len())
}

func TestChannelSinkDropsNewestWhenFull(t *testing.T) {
	s := NewChannelSink(2)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Send(domain.Event{Seq: int64(i)}))
	}
	assert.Equal(t, int64(3), s.Dropped())
	assert.Equal(t, int64(0), (<-s.Events()).Seq)
	assert.Equal(t, int64(1), (<-s.Events()).Seq)

	s.Close()
	assert.ErrorIs(t, s.Send(domain.Event{}), ErrSinkClosed)
}

func TestUnsubscribe(t *testing.T) {
	h := New(nil)
	s := NewChannelSink(1)
	id := h.Subscribe(s)
	assert.True(t, h.Unsubscribe(id))
	assert.False(t, h.Unsubscribe(id))

	h.Broadcast(domain.Event{Type: domain.EventStep})
	assert.Empty(t, s.Events())
}

func TestConcurrentSubscribeAndBroadcast(t *testing.T) {
	h := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := NewChannelSink(64)
			id := h.Subscribe(s)
			h.Unsubscribe(id)
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				h.Broadcast(domain.Event{Type: domain.EventStep})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, h.Len())
}

func TestSequenceIsMonotonic(t *testing.T) {
	h := New(nil)
	s := NewChannelSink(10)
	h.Subscribe(s)
	for i := 0; i < 5; i++ {
		h.Broadcast(domain.Event{Type: domain.EventStep})
	}
	var last int64
	for i := 0; i < 5; i++ {
		evt := <-s.Events()
		assert.Greater(t, evt.Seq, last)
		last = evt.Seq
	}
}
