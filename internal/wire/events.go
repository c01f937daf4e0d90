package wire

// EventType discriminates SessionEvent variants. The set is closed: an
// engine event kind this build does not recognize is published as
// EventError with ErrKindUnknownEvent rather than under a new type, and
// forward-compatible consumers log and skip any type they do not know
// instead of rejecting the stream.
type EventType string

const (
	EventState               EventType = "state"
	EventAgentStart           EventType = "agent_start"
	EventTextDelta            EventType = "text_delta"
	EventThinkingDelta        EventType = "thinking_delta"
	EventToolStart            EventType = "tool_start"
	EventToolOutput           EventType = "tool_output"
	EventToolEnd              EventType = "tool_end"
	EventAgentEnd             EventType = "agent_end"
	EventMessageEnd           EventType = "message_end"
	EventTurnAck              EventType = "turn_ack"
	EventPermissionRequest    EventType = "permission_request"
	EventPermissionResolved   EventType = "permission_resolved"
	EventExtensionUIRequest   EventType = "extension_ui_request"
	EventExtensionUIResponse  EventType = "extension_ui_response"
	EventError                EventType = "error"
)

// SessionStatus mirrors the Session Supervisor state machine (spec §4.5).
type SessionStatus string

const (
	StatusStarting SessionStatus = "starting"
	StatusReady    SessionStatus = "ready"
	StatusBusy     SessionStatus = "busy"
	StatusStopping SessionStatus = "stopping"
	StatusStopped  SessionStatus = "stopped"
	StatusError    SessionStatus = "error"
)

// TurnAckStage is the stage progression a turn_ack event reports.
type TurnAckStage string

const (
	StageReceived  TurnAckStage = "received"
	StageScheduled TurnAckStage = "scheduled"
	StageDelivered TurnAckStage = "delivered"
	StageDropped   TurnAckStage = "dropped"
)

// ErrorKind enumerates the taxonomy from spec §7.
type ErrorKind string

const (
	ErrKindPolicyDenied      ErrorKind = "policy_denied"
	ErrKindNoClient          ErrorKind = "no_client"
	ErrKindTimeout           ErrorKind = "timeout"
	ErrKindDuplicateTurn     ErrorKind = "duplicate_turn"
	ErrKindPrecondition      ErrorKind = "precondition"
	ErrKindCatchupTruncated  ErrorKind = "catchup_truncated"
	ErrKindOverflow          ErrorKind = "overflow"
	ErrKindAgentCrash        ErrorKind = "agent_crash"
	ErrKindUnknownEvent      ErrorKind = "unknown_event"
)

// Risk is the classification a PermissionRequest or resolved tool call carries.
type Risk string

const (
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

// SessionEvent is the envelope every component publishes through Fan-out.
// Seq is assigned exclusively by the fan-out; everything else is set by the
// emitting component. Data holds the variant-specific payload and must be
// one of the *Data types below.
type SessionEvent struct {
	Seq       uint64    `json:"seq"`
	SessionID string    `json:"sessionId"`
	Type      EventType `json:"type"`
	Data      any       `json:"data"`
}

type StateData struct {
	Status SessionStatus `json:"status"`
	Cause  *ErrorCause   `json:"cause,omitempty"`
}

type ErrorCause struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

type AgentStartData struct {
	TurnID  string `json:"turnId"`
	Model   string `json:"model"`
}

type TextDeltaData struct {
	TurnID string `json:"turnId"`
	Delta  string `json:"delta"`
}

type ThinkingDeltaData struct {
	TurnID string `json:"turnId"`
	Delta  string `json:"delta"`
}

type ToolStartData struct {
	TurnID     string `json:"turnId"`
	ToolCallID string `json:"toolCallId"`
	Tool       string `json:"tool"`
	Input      any    `json:"input"`
}

type ToolOutputData struct {
	ToolCallID string `json:"toolCallId"`
	Chunk      string `json:"chunk"`
}

type ToolEndData struct {
	ToolCallID string      `json:"toolCallId"`
	Output     any         `json:"output,omitempty"`
	Error      *ErrorCause `json:"error,omitempty"`
}

type AgentEndData struct {
	TurnID string      `json:"turnId"`
	Error  *ErrorCause `json:"error,omitempty"`
}

type MessageEndData struct {
	TurnID          string `json:"turnId"`
	InputTokens     int64  `json:"inputTokens"`
	OutputTokens    int64  `json:"outputTokens"`
	Cost            float64 `json:"cost"`
}

type TurnAckData struct {
	ClientTurnID string       `json:"clientTurnId"`
	RequestID    string       `json:"requestId"`
	Stage        TurnAckStage `json:"stage"`
	Reason       string       `json:"reason,omitempty"`
}

type PermissionRequestData struct {
	ID             string `json:"id"`
	Tool           string `json:"tool"`
	Input          any    `json:"input"`
	ToolCallID     string `json:"toolCallId"`
	Risk           Risk   `json:"risk"`
	DisplaySummary string `json:"displaySummary"`
	CreatedAt      int64  `json:"createdAt"`
}

type PermissionResolvedData struct {
	ID     string `json:"id"`
	Action string `json:"action"` // "allow" | "deny"
	Reason string `json:"reason,omitempty"`
	Scope  string `json:"scope,omitempty"`
}

type ExtensionUIRequestData struct {
	RequestID string `json:"requestId"`
	Payload   any    `json:"payload"`
}

type ExtensionUIResponseData struct {
	RequestID string `json:"requestId"`
	Value     any    `json:"value"`
}

type ErrorData struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message,omitempty"`
	OldestSeq  *uint64   `json:"oldestSeq,omitempty"`
	RawType    string    `json:"rawType,omitempty"`
}
