// Package wire defines the text-frame protocol between the Stream
// Multiplexer and a connected client: closed tagged unions for
// ClientMessage and ServerMessage, each encoded as one JSON object per
// websocket text message.
//
// Forward compatibility is load-bearing here: a ClientMessage whose "type"
// this build does not recognize decodes into Unknown instead of failing,
// and a ServerMessage is never constructed from anything but the named
// variants below, so an old client talking to a newer server always has
// something sane to skip.
package wire

import (
	"encoding/json"
	"fmt"
)

// ClientMessageType discriminates inbound messages (spec §6).
type ClientMessageType string

const (
	ClientHello               ClientMessageType = "hello"
	ClientSubscribe           ClientMessageType = "subscribe"
	ClientUnsubscribe         ClientMessageType = "unsubscribe"
	ClientPrompt              ClientMessageType = "prompt"
	ClientSteer               ClientMessageType = "steer"
	ClientFollowUp            ClientMessageType = "follow_up"
	ClientAbort               ClientMessageType = "abort"
	ClientPermissionRespond   ClientMessageType = "permission_respond"
	ClientExtensionUIResponse ClientMessageType = "extension_ui_response"
)

// SubscriptionLevel is the granularity a client asks for in Subscribe.
type SubscriptionLevel string

const (
	LevelFull          SubscriptionLevel = "full"
	LevelNotifications SubscriptionLevel = "notifications"
)

// ClientMessage is the envelope decoded off the wire. Exactly one of the
// typed fields below is populated, selected by Type; Unknown carries the
// original bytes when Type is not one of the constants above.
type ClientMessage struct {
	Type ClientMessageType `json:"type"`

	Hello              *HelloPayload              `json:"-"`
	Subscribe          *SubscribePayload           `json:"-"`
	Unsubscribe        *UnsubscribePayload         `json:"-"`
	Prompt             *PromptPayload              `json:"-"`
	Steer              *SteerPayload               `json:"-"`
	FollowUp           *FollowUpPayload            `json:"-"`
	Abort              *AbortPayload               `json:"-"`
	PermissionRespond  *PermissionRespondPayload   `json:"-"`
	ExtensionUIResp    *ExtensionUIResponsePayload `json:"-"`
	Unknown            *UnknownPayload             `json:"-"`
}

type HelloPayload struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientID        string `json:"clientId,omitempty"`
	RequestID       string `json:"requestId,omitempty"`
}

type SubscribePayload struct {
	SessionID string            `json:"sessionId"`
	Level     SubscriptionLevel `json:"level"`
	SinceSeq  *uint64           `json:"sinceSeq,omitempty"`
	RequestID string            `json:"requestId"`
}

type UnsubscribePayload struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
}

type Attachment struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
}

type PromptPayload struct {
	SessionID    string       `json:"sessionId"`
	ClientTurnID string       `json:"clientTurnId"`
	RequestID    string       `json:"requestId"`
	Message      string       `json:"message"`
	Attachments  []Attachment `json:"attachments,omitempty"`
}

type SteerPayload struct {
	SessionID    string `json:"sessionId"`
	ClientTurnID string `json:"clientTurnId"`
	RequestID    string `json:"requestId"`
	Message      string `json:"message"`
}

type FollowUpPayload struct {
	SessionID    string `json:"sessionId"`
	ClientTurnID string `json:"clientTurnId"`
	RequestID    string `json:"requestId"`
	Message      string `json:"message"`
}

type AbortPayload struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
}

type PermissionRespondPayload struct {
	PermissionID string `json:"permissionId"`
	Action       string `json:"action"` // "allow" | "deny"
	Scope        string `json:"scope"`  // "once" | "session" | "workspace" | "global"
	RequestID    string `json:"requestId"`
}

type ExtensionUIResponsePayload struct {
	RequestID string `json:"requestId"`
	Value     any    `json:"value"`
}

// UnknownPayload preserves an unrecognized message for logging.
type UnknownPayload struct {
	RawType ClientMessageType `json:"type"`
	RawData json.RawMessage   `json:"-"`
}

// UnmarshalJSON peeks the discriminator, then decodes into the matching
// typed field. An unrecognized type never errors; it lands in Unknown.
func (m *ClientMessage) UnmarshalJSON(data []byte) error {
	var head struct {
		Type ClientMessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("wire: decode client message envelope: %w", err)
	}
	m.Type = head.Type

	switch head.Type {
	case ClientHello:
		m.Hello = &HelloPayload{}
		return json.Unmarshal(data, m.Hello)
	case ClientSubscribe:
		m.Subscribe = &SubscribePayload{}
		if err := json.Unmarshal(data, m.Subscribe); err != nil {
			return err
		}
		if m.Subscribe.RequestID == "" {
			m.Subscribe.RequestID = NewRequestID()
		}
		return nil
	case ClientUnsubscribe:
		m.Unsubscribe = &UnsubscribePayload{}
		if err := json.Unmarshal(data, m.Unsubscribe); err != nil {
			return err
		}
		if m.Unsubscribe.RequestID == "" {
			m.Unsubscribe.RequestID = NewRequestID()
		}
		return nil
	case ClientPrompt:
		m.Prompt = &PromptPayload{}
		if err := json.Unmarshal(data, m.Prompt); err != nil {
			return err
		}
		if m.Prompt.RequestID == "" {
			m.Prompt.RequestID = NewRequestID()
		}
		return nil
	case ClientSteer:
		m.Steer = &SteerPayload{}
		if err := json.Unmarshal(data, m.Steer); err != nil {
			return err
		}
		if m.Steer.RequestID == "" {
			m.Steer.RequestID = NewRequestID()
		}
		return nil
	case ClientFollowUp:
		m.FollowUp = &FollowUpPayload{}
		if err := json.Unmarshal(data, m.FollowUp); err != nil {
			return err
		}
		if m.FollowUp.RequestID == "" {
			m.FollowUp.RequestID = NewRequestID()
		}
		return nil
	case ClientAbort:
		m.Abort = &AbortPayload{}
		if err := json.Unmarshal(data, m.Abort); err != nil {
			return err
		}
		if m.Abort.RequestID == "" {
			m.Abort.RequestID = NewRequestID()
		}
		return nil
	case ClientPermissionRespond:
		m.PermissionRespond = &PermissionRespondPayload{}
		if err := json.Unmarshal(data, m.PermissionRespond); err != nil {
			return err
		}
		if m.PermissionRespond.RequestID == "" {
			m.PermissionRespond.RequestID = NewRequestID()
		}
		return nil
	case ClientExtensionUIResponse:
		m.ExtensionUIResp = &ExtensionUIResponsePayload{}
		return json.Unmarshal(data, m.ExtensionUIResp)
	default:
		m.Unknown = &UnknownPayload{RawType: head.Type, RawData: append(json.RawMessage{}, data...)}
		return nil
	}
}

// RequestID returns the acknowledgement-bearing request id carried by this
// message, if any. Subscribe/unsubscribe/turn/permission messages all carry
// one; Unknown and extension_ui_response (client-originated, no ack) do not.
func (m ClientMessage) RequestID() (string, bool) {
	switch {
	case m.Subscribe != nil:
		return m.Subscribe.RequestID, true
	case m.Unsubscribe != nil:
		return m.Unsubscribe.RequestID, true
	case m.Prompt != nil:
		return m.Prompt.RequestID, true
	case m.Steer != nil:
		return m.Steer.RequestID, true
	case m.FollowUp != nil:
		return m.FollowUp.RequestID, true
	case m.Abort != nil:
		return m.Abort.RequestID, true
	case m.PermissionRespond != nil:
		return m.PermissionRespond.RequestID, true
	default:
		return "", false
	}
}

// ServerMessageType discriminates outbound messages.
type ServerMessageType string

const (
	ServerCommandResult ServerMessageType = "command_result"
)

// ServerMessage is either a SessionEvent (already tagged by its own Type)
// or a CommandResult acknowledging a request-bearing ClientMessage.
type ServerMessage struct {
	Event         *SessionEvent  `json:"-"`
	CommandResult *CommandResult `json:"-"`
}

type CommandResult struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Reason    string `json:"reason,omitempty"`
}

// MarshalJSON flattens Event or CommandResult into one frame with a "type"
// discriminator, matching the wire shape described in spec §6.
func (m ServerMessage) MarshalJSON() ([]byte, error) {
	switch {
	case m.Event != nil:
		return json.Marshal(struct {
			Type      EventType `json:"type"`
			SessionID string    `json:"sessionId"`
			Seq       uint64    `json:"seq"`
			Data      any       `json:"data"`
		}{
			Type:      m.Event.Type,
			SessionID: m.Event.SessionID,
			Seq:       m.Event.Seq,
			Data:      m.Event.Data,
		})
	case m.CommandResult != nil:
		return json.Marshal(struct {
			Type ServerMessageType `json:"type"`
			CommandResult
		}{Type: ServerCommandResult, CommandResult: *m.CommandResult})
	default:
		return nil, fmt.Errorf("wire: empty ServerMessage")
	}
}

// NewEventMessage wraps a SessionEvent for transmission.
func NewEventMessage(e SessionEvent) ServerMessage {
	return ServerMessage{Event: &e}
}

// NewResultMessage wraps a command acknowledgement for transmission.
func NewResultMessage(requestID string, success bool, reason string) ServerMessage {
	return ServerMessage{CommandResult: &CommandResult{RequestID: requestID, Success: success, Reason: reason}}
}
