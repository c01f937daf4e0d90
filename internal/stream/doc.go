/*
Package stream implements the Stream Multiplexer (spec §4.6): the
per-client-connection layer sitting above internal/supervisor. Server
upgrades authenticated HTTP requests to websockets; each connection runs
its own read/write pumps, demuxing ClientMessages to the addressed
Supervisor and serializing SessionEvents back onto the wire, with
backpressure (outbound queue overflow disconnects the client) and a
liveness ping/pong check that tears down subscriptions without touching
any supervisor.
*/
package stream
