package wire

import "github.com/google/uuid"

// NewRequestID generates a request id for a client message that omitted
// one. Clients are expected to supply their own, but the protocol must
// still be able to acknowledge a message that didn't — a generated id is
// never echoed back as anything but a fresh command_result.
func NewRequestID() string {
	return uuid.NewString()
}

// ValidRequestID reports whether s is a non-empty, reasonably-sized request
// id. The wire protocol treats request ids as opaque client-supplied
// tokens, so this is a sanity bound, not a format requirement.
func ValidRequestID(s string) bool {
	return s != "" && len(s) <= 128
}
