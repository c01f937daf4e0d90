package fanout

import "github.com/oppi-dev/oppi/internal/wire"

// ring is a FIFO buffer of a session's published events, evicted by count
// and total serialized byte size, whichever limit is hit first — the same
// dual-cap retention policy spec §4.3 describes. It also owns seq assignment
// so that "next seq" and "oldest retained seq" can never drift apart.
type ring struct {
	maxEvents int
	maxBytes  int

	entries   []entry
	totalSize int
	seq       uint64

	// oldestEvicted tracks the highest seq that has fallen out of the ring,
	// so Subscribe can tell a late joiner exactly how much it missed.
	oldestEvicted uint64
	everEvicted   bool
}

type entry struct {
	seq   uint64
	size  int
	event wire.SessionEvent
}

func newRing(maxEvents, maxBytes int) *ring {
	return &ring{maxEvents: maxEvents, maxBytes: maxBytes}
}

// nextSeq reserves and returns the next sequence number. Seq 0 is never
// issued, so callers can use 0 as "no events seen yet" in sinceSeq.
func (r *ring) nextSeq() uint64 {
	r.seq++
	return r.seq
}

func (r *ring) append(seq uint64, size int, event wire.SessionEvent) {
	r.entries = append(r.entries, entry{seq: seq, size: size, event: event})
	r.totalSize += size

	for len(r.entries) > 0 && (len(r.entries) > r.maxEvents || (r.maxBytes > 0 && r.totalSize > r.maxBytes)) {
		evicted := r.entries[0]
		r.entries = r.entries[1:]
		r.totalSize -= evicted.size
		r.oldestEvicted = evicted.seq
		r.everEvicted = true
	}
}

// since returns every retained event with seq > sinceSeq, in publish order.
// truncated is true when the caller's sinceSeq is older than what the ring
// still has — meaning events between sinceSeq and the oldest retained entry
// were permanently dropped, not just not-yet-sent. oldest is the seq of the
// first event actually returned (0 if backlog is empty and not truncated).
func (r *ring) since(sinceSeq uint64) (backlog []wire.SessionEvent, truncated bool, oldest uint64) {
	if len(r.entries) == 0 {
		if sinceSeq == 0 {
			return nil, false, 0
		}
		// No events retained at all, but the ring has issued seqs before
		// (or been asked for history) — only truncated if we know we
		// evicted something newer than what the caller has.
		if r.everEvicted && sinceSeq < r.oldestEvicted {
			return nil, true, 0
		}
		return nil, false, 0
	}

	firstRetained := r.entries[0].seq
	if sinceSeq > 0 && sinceSeq < firstRetained-1 && r.everEvicted {
		truncated = true
	}
	// sinceSeq == 0 with prior eviction also means the caller missed the
	// very first events ever published for this session.
	if sinceSeq == 0 && r.everEvicted {
		truncated = true
	}

	for _, e := range r.entries {
		if e.seq > sinceSeq {
			backlog = append(backlog, e.event)
		}
	}
	if len(backlog) > 0 {
		oldest = backlog[0].Seq
	}
	return backlog, truncated, oldest
}
