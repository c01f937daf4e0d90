/*
Package fanout assigns the monotonic seq to every SessionEvent and
rebroadcasts it to current subscribers, replaying retained history to a
late joiner — grounded on the teacher's internal/event.Bus (subscribe,
publish, unsubscribe) but scoped per session instead of process-wide, per
spec §4.3 and §7's cross-session isolation requirement.

Retention is a ring buffer bounded by event count and total serialized
bytes (DefaultMaxEvents, DefaultMaxBytes). Once an event falls out of the
ring, a subscriber asking for history older than that is told
CatchUpIncomplete so it can fall back to a full snapshot instead of
silently missing events.
*/
package fanout
