/*
Package turn implements the Turn Scheduler (spec §4.4): prompt, steer,
follow_up, and abort, each checked against the session's current status
and deduplicated by clientTurnId, emitting turn_ack stage progressions
(received, scheduled, delivered, dropped) through the session's Fanout.

Grounded on internal/session.Processor's per-session serialization of
concurrent calls (waiter channels keyed by session id), generalized from
"queue anything that arrives while busy" to the spec's four operations
with independent preconditions — follow_up queues, steer and prompt do
not, abort is always accepted outside terminal states.
*/
package turn
