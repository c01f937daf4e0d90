package gate

import (
	"sync"
	"time"
)

// noClientWatcher implements spec §4.2 step 5: once a session's subscriber
// count has stayed at zero for grace while asks are pending, every pending
// ask is auto-denied with reason "no_client"; the grace period is measured
// from when the watcher first sees zero subscribers, not from each
// request's creation. It polls rather than reacting to a push notification
// because SubscriberCounter is a simple count, not an event source — the
// Stream Multiplexer does not currently publish subscribe/unsubscribe as
// fan-out events, and adding that coupling just to drive this timer would
// be a larger wiring change than a cheap periodic check warrants.
type noClientWatcher struct {
	sessionID string
	gate      *Gate
	subs      SubscriberCounter
	grace     time.Duration

	mu       sync.Mutex
	ticker   *time.Ticker
	stopped  bool
	stopCh   chan struct{}
	zeroSince time.Time
}

func newNoClientWatcher(sessionID string, g *Gate, subs SubscriberCounter, grace time.Duration) *noClientWatcher {
	return &noClientWatcher{sessionID: sessionID, gate: g, subs: subs, grace: grace, stopCh: make(chan struct{})}
}

// arm starts the poll loop on first use; subsequent calls are no-ops.
func (w *noClientWatcher) arm(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ticker != nil || w.stopped {
		return
	}
	interval := w.grace / 4
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	w.ticker = time.NewTicker(interval)
	go w.loop()
}

func (w *noClientWatcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case <-w.ticker.C:
			w.tick()
		}
	}
}

func (w *noClientWatcher) tick() {
	if w.gate.PendingCount() == 0 {
		w.mu.Lock()
		w.zeroSince = time.Time{}
		w.mu.Unlock()
		return
	}

	if w.subs == nil || w.subs.SubscriberCount(w.sessionID) > 0 {
		w.mu.Lock()
		w.zeroSince = time.Time{}
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	if w.zeroSince.IsZero() {
		w.zeroSince = time.Now()
		w.mu.Unlock()
		return
	}
	elapsed := time.Since(w.zeroSince)
	w.mu.Unlock()

	if elapsed >= w.grace {
		w.gate.denyAllPendingNoClient()
	}
}

func (w *noClientWatcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.ticker != nil {
		w.ticker.Stop()
	}
	close(w.stopCh)
}
