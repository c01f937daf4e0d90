// Package fanout sequences and rebroadcasts session events. Every event a
// Session Supervisor emits passes through a Fanout, which assigns the
// monotonic seq, appends to a per-session ring buffer, and delivers to every
// current subscriber — grounded on the teacher's event.Bus, generalized from
// one process-wide bus to one ring per session so that cross-session
// isolation (spec §7) holds structurally rather than by convention.
package fanout

import (
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/oppi-dev/oppi/internal/logging"
	"github.com/oppi-dev/oppi/internal/wire"
)

// DefaultMaxEvents and DefaultMaxBytes match spec §4.3's default retention:
// the last 4096 events per session, or the last 10MB serialized, whichever
// is smaller.
const (
	DefaultMaxEvents = 4096
	DefaultMaxBytes  = 10 * 1024 * 1024
)

// DeliverFunc is how a Fanout pushes an event to one subscriber. It must
// never block: implementations (internal/stream) send on a buffered channel
// with a select/default and report false when that would have blocked. A
// DeliverFunc returning false is dropped per spec §4.3's backpressure rule.
type DeliverFunc func(wire.SessionEvent) bool

// Fanout owns one ring buffer and subscriber set per session.
type Fanout struct {
	mu       sync.Mutex
	sessions map[string]*sessionBus

	maxEvents int
	maxBytes  int
}

// New creates a Fanout with the given retention caps. A zero value for
// either falls back to the spec default.
func New(maxEvents, maxBytes int) *Fanout {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Fanout{
		sessions:  make(map[string]*sessionBus),
		maxEvents: maxEvents,
		maxBytes:  maxBytes,
	}
}

type sessionBus struct {
	mu          sync.Mutex
	ring        *ring
	pubsub      *gochannel.GoChannel
	subscribers map[uint64]*subscriberEntry
	nextSubID   uint64
}

type subscriberEntry struct {
	level       wire.SubscriptionLevel
	lastSeenSeq uint64
	deliver     DeliverFunc
	onOverflow  func()
}

func newSessionBus(maxEvents, maxBytes int) *sessionBus {
	return &sessionBus{
		ring: newRing(maxEvents, maxBytes),
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64, Persistent: false},
			watermill.NopLogger{},
		),
		subscribers: make(map[uint64]*subscriberEntry),
	}
}

func (f *Fanout) bus(sessionID string) *sessionBus {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.sessions[sessionID]
	if !ok {
		b = newSessionBus(f.maxEvents, f.maxBytes)
		f.sessions[sessionID] = b
	}
	return b
}

// Publish assigns the next seq for sessionID, appends the event to its ring,
// and delivers it to every subscriber whose lastSeenSeq is behind. It builds
// the SessionEvent from typ and data and returns it with the assigned seq.
func (f *Fanout) Publish(sessionID string, typ wire.EventType, data any) wire.SessionEvent {
	b := f.bus(sessionID)

	b.mu.Lock()
	seq := b.ring.nextSeq()
	event := wire.SessionEvent{Seq: seq, SessionID: sessionID, Type: typ, Data: data}
	size := estimateSize(event)
	b.ring.append(seq, size, event)

	subs := make([]*subscriberEntry, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		if s.lastSeenSeq < seq {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	// The watermill gochannel carries a parallel copy of every event so
	// that other in-process consumers (metrics, audit sinks) can subscribe
	// via PubSub() without going through the subscriber-drop semantics
	// that apply to wire-facing delivery.
	if raw, err := json.Marshal(event); err == nil {
		_ = b.pubsub.Publish(sessionID, message.NewMessage(watermill.NewUUID(), raw))
	}

	for _, s := range subs {
		f.deliverOrDrop(sessionID, b, s, event)
	}

	return event
}

func (f *Fanout) deliverOrDrop(sessionID string, b *sessionBus, s *subscriberEntry, event wire.SessionEvent) {
	ok := func() bool {
		defer func() {
			// DeliverFunc is caller-owned; a panicking subscriber must not
			// take down the fanout or other subscribers' delivery.
			if r := recover(); r != nil {
				l := logging.EventLogger(sessionID, event.Seq)
				l.Warn().
					Interface("panic", r).
					Msg("fanout: subscriber delivery panicked")
			}
		}()
		return s.deliver(event)
	}()

	if !ok {
		l := logging.EventLogger(sessionID, event.Seq)
		l.Warn().
			Msg("fanout: subscriber delivery dropped, unsubscribing")
		f.dropSubscriber(b, s)
		return
	}
	b.mu.Lock()
	s.lastSeenSeq = event.Seq
	b.mu.Unlock()
}

func (f *Fanout) dropSubscriber(b *sessionBus, s *subscriberEntry) {
	b.mu.Lock()
	var id uint64
	found := false
	for k, v := range b.subscribers {
		if v == s {
			id, found = k, true
			break
		}
	}
	if found {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	if s.onOverflow != nil {
		s.onOverflow()
	}
}

// Handle identifies a live subscription returned by Subscribe.
type Handle struct {
	sessionID           string
	id                  uint64
	CatchUpIncomplete   bool
	OldestRetainedSeq   uint64
}

// Subscribe begins delivering events with seq > sinceSeq to deliver. If
// sinceSeq predates the ring's retained window, Handle.CatchUpIncomplete is
// set, the oldest retained event is replayed first, and the caller is
// expected to also emit a catchup_truncated error event (the Supervisor does
// this, since only it knows the synthetic state baseline to send alongside).
func (f *Fanout) Subscribe(sessionID string, sinceSeq uint64, level wire.SubscriptionLevel, deliver DeliverFunc, onOverflow func()) *Handle {
	b := f.bus(sessionID)

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSubID
	b.nextSubID++

	entry := &subscriberEntry{level: level, lastSeenSeq: sinceSeq, deliver: deliver, onOverflow: onOverflow}

	h := &Handle{sessionID: sessionID, id: id}

	backlog, truncated, oldest := b.ring.since(sinceSeq)
	if truncated {
		h.CatchUpIncomplete = true
		h.OldestRetainedSeq = oldest
	}

	b.subscribers[id] = entry

	// Replay backlog synchronously so ordering (publish order) is preserved
	// relative to anything published concurrently after we release the lock:
	// entries appended after Subscribe returns will have seq > our snapshot
	// and will be delivered through the normal Publish path.
	for _, e := range backlog {
		if !deliver(e) {
			delete(b.subscribers, id)
			if onOverflow != nil {
				onOverflow()
			}
			return h
		}
		entry.lastSeenSeq = e.Seq
	}

	return h
}

// PeekCatchUp reports, without subscribing, whether a subscriber asking
// for events since sinceSeq would hit ring truncation, and the oldest seq
// still retained. The Session Supervisor uses this to decide whether to
// emit a catchup_truncated error before replay begins, since Subscribe
// itself only reports truncation after already replaying the backlog.
func (f *Fanout) PeekCatchUp(sessionID string, sinceSeq uint64) (truncated bool, oldestRetainedSeq uint64) {
	b := f.bus(sessionID)
	b.mu.Lock()
	defer b.mu.Unlock()
	_, truncated, oldestRetainedSeq = b.ring.since(sinceSeq)
	return truncated, oldestRetainedSeq
}

// Unsubscribe detaches a handle synchronously; no further events are
// delivered to it after this call returns.
func (f *Fanout) Unsubscribe(h *Handle) {
	if h == nil {
		return
	}
	f.mu.Lock()
	b, ok := f.sessions[h.sessionID]
	f.mu.Unlock()
	if !ok {
		return
	}
	b.mu.Lock()
	delete(b.subscribers, h.id)
	b.mu.Unlock()
}

// DropSession releases all state for a session, including its ring buffer.
// Supervisor.Stop does not call it and there is no TTL: a stopped session's
// ring stays in the Fanout until DropSession is called explicitly.
func (f *Fanout) DropSession(sessionID string) {
	f.mu.Lock()
	b, ok := f.sessions[sessionID]
	delete(f.sessions, sessionID)
	f.mu.Unlock()
	if ok {
		_ = b.pubsub.Close()
	}
}

// SubscriberCount reports how many live subscribers a session currently has;
// the Gate's fail-closed behavior keys off this reaching zero.
func (f *Fanout) SubscriberCount(sessionID string) int {
	f.mu.Lock()
	b, ok := f.sessions[sessionID]
	f.mu.Unlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func estimateSize(e wire.SessionEvent) int {
	b, err := json.Marshal(e)
	if err != nil {
		return 0
	}
	return len(b)
}
