package fanout

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oppi-dev/oppi/internal/wire"
)

func collector() (DeliverFunc, func() []wire.SessionEvent) {
	var mu sync.Mutex
	var got []wire.SessionEvent
	deliver := func(e wire.SessionEvent) bool {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		return true
	}
	read := func() []wire.SessionEvent {
		mu.Lock()
		defer mu.Unlock()
		out := make([]wire.SessionEvent, len(got))
		copy(out, got)
		return out
	}
	return deliver, read
}

func TestPublishAssignsMonotonicSeq(t *testing.T) {
	f := New(0, 0)

	e1 := f.Publish("s1", wire.EventTextDelta, wire.TextDeltaData{Delta: "a"})
	e2 := f.Publish("s1", wire.EventTextDelta, wire.TextDeltaData{Delta: "b"})
	e3 := f.Publish("s2", wire.EventTextDelta, wire.TextDeltaData{Delta: "c"})

	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
	// Different session, independent seq space.
	assert.Equal(t, uint64(1), e3.Seq)
}

func TestSubscribeReceivesOnlyItsOwnSession(t *testing.T) {
	f := New(0, 0)
	deliver, read := collector()
	f.Subscribe("s1", 0, wire.LevelFull, deliver, nil)

	f.Publish("s1", wire.EventTextDelta, wire.TextDeltaData{Delta: "a"})
	f.Publish("s2", wire.EventTextDelta, wire.TextDeltaData{Delta: "x"})
	f.Publish("s1", wire.EventTextDelta, wire.TextDeltaData{Delta: "b"})

	got := read()
	require.Len(t, got, 2)
	assert.Equal(t, "s1", got[0].SessionID)
	assert.Equal(t, "s1", got[1].SessionID)
}

func TestSubscribeReplaysBacklogSinceSeq(t *testing.T) {
	f := New(0, 0)

	f.Publish("s1", wire.EventTextDelta, wire.TextDeltaData{Delta: "a"})
	second := f.Publish("s1", wire.EventTextDelta, wire.TextDeltaData{Delta: "b"})
	f.Publish("s1", wire.EventTextDelta, wire.TextDeltaData{Delta: "c"})

	deliver, read := collector()
	h := f.Subscribe("s1", second.Seq, wire.LevelFull, deliver, nil)

	require.False(t, h.CatchUpIncomplete)
	got := read()
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].Data.(wire.TextDeltaData).Delta)
}

func TestSubscribeSignalsCatchUpIncompleteAfterEviction(t *testing.T) {
	f := New(2, 0)

	f.Publish("s1", wire.EventTextDelta, wire.TextDeltaData{Delta: "a"})
	f.Publish("s1", wire.EventTextDelta, wire.TextDeltaData{Delta: "b"})
	f.Publish("s1", wire.EventTextDelta, wire.TextDeltaData{Delta: "c"})
	f.Publish("s1", wire.EventTextDelta, wire.TextDeltaData{Delta: "d"})

	deliver, _ := collector()
	h := f.Subscribe("s1", 1, wire.LevelFull, deliver, nil)

	assert.True(t, h.CatchUpIncomplete)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	f := New(0, 0)
	deliver, read := collector()
	h := f.Subscribe("s1", 0, wire.LevelFull, deliver, nil)

	f.Publish("s1", wire.EventTextDelta, wire.TextDeltaData{Delta: "a"})
	f.Unsubscribe(h)
	f.Publish("s1", wire.EventTextDelta, wire.TextDeltaData{Delta: "b"})

	assert.Len(t, read(), 1)
}

func TestDeliverFuncFalseDropsSubscriber(t *testing.T) {
	f := New(0, 0)
	var overflowed bool
	deliver := func(wire.SessionEvent) bool { return false }
	f.Subscribe("s1", 0, wire.LevelFull, deliver, func() { overflowed = true })

	f.Publish("s1", wire.EventTextDelta, wire.TextDeltaData{Delta: "a"})

	assert.True(t, overflowed)
	assert.Equal(t, 0, f.SubscriberCount("s1"))
}

func TestConcurrentPublishKeepsSeqMonotonicAndGapless(t *testing.T) {
	f := New(0, 0)
	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			f.Publish("s1", wire.EventTextDelta, wire.TextDeltaData{Delta: "x"})
		}()
	}
	wg.Wait()

	deliver, read := collector()
	f.Subscribe("s1", 0, wire.LevelFull, deliver, nil)
	got := read()
	require.Len(t, got, n)

	seen := make(map[uint64]bool, n)
	for _, e := range got {
		seen[e.Seq] = true
	}
	for i := uint64(1); i <= uint64(n); i++ {
		assert.True(t, seen[i], "missing seq %d", i)
	}
}

func TestDropSessionRemovesState(t *testing.T) {
	f := New(0, 0)
	f.Publish("s1", wire.EventTextDelta, wire.TextDeltaData{Delta: "a"})
	f.DropSession("s1")

	deliver, _ := collector()
	h := f.Subscribe("s1", 0, wire.LevelFull, deliver, nil)
	assert.False(t, h.CatchUpIncomplete)
	assert.Equal(t, 1, f.SubscriberCount("s1"))
}
