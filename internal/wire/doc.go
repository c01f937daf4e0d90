/*
Package wire defines the text-frame protocol exchanged between the Stream
Multiplexer (internal/stream) and a connected client.

# Frames

Each frame is one JSON object sent as one websocket text message, with no
trailing newline. There are two closed tagged unions:

  - ClientMessage: hello, subscribe, unsubscribe, prompt, steer, follow_up,
    abort, permission_respond, extension_ui_response.
  - ServerMessage: every SessionEvent variant (internal/wire/events.go) plus
    command_result, which acknowledges any ClientMessage carrying a
    requestId.

# Forward compatibility

ClientMessage.UnmarshalJSON never fails on an unrecognized "type"; it
populates Unknown so the caller can log and skip, per spec §6's
compatibility requirement that a consumer "must log and skip, never reject
the stream."

# What this package does not do

It does not open sockets, frame bytes over a connection, or authenticate a
client — internal/stream owns the transport and calls into this package only
to encode/decode one frame at a time.
*/
package wire
