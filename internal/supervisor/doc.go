/*
Package supervisor implements the Session Supervisor (spec §4.5): the
per-session state machine (starting -> ready -> busy -> ready, with
stopping/stopped/error as the terminal branch) that wires the Policy
Engine, Permission Gate, Event Fan-out, and Turn Scheduler around an
AgentEngine. Registry resolves the cyclic ownership between a Supervisor
and its Stream Multiplexer subscribers by keying lookups on session id
rather than holding pointers in either direction.
*/
package supervisor
