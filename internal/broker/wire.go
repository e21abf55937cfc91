package broker

import (
	"encoding/json"
	"time"

	"github.com/meridianhq/meridian/internal/model"
)

// outboundEnvelope is the on-wire shape of every event the broker emits,
// per spec.md §6: {type, data, timestamp, seq}, except pong which carries
// no seq.
type outboundEnvelope struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       int64     `json:"seq,omitempty"`
}

type sessionReadyData struct {
	SessionID string              `json:"session_id"`
	Config    model.SessionConfig `json:"config"`
	IsLocked  bool                `json:"is_locked"`
	Name      string              `json:"name"`
}

type textData struct {
	Text string `json:"text"`
}

type thinkingData struct {
	Text string `json:"text"`
}

type toolUseData struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

type toolResultData struct {
	ToolUseID string `json:"tool_use_id"`
	Name      string `json:"name"`
	Output    string `json:"output"`
	IsError   bool   `json:"is_error"`
}

type permissionRequestData struct {
	RequestID string         `json:"request_id"`
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
}

type timingsData struct {
	TimeToFirstTokenMs int64 `json:"time_to_first_token"`
	ResponseTimeMs     int64 `json:"response_time"`
}

type doneData struct {
	ResponseText     string         `json:"response_text"`
	ToolCount        int            `json:"tool_count"`
	Timings          timingsData    `json:"timings"`
	StructuredOutput map[string]any `json:"structured_output,omitempty"`
}

type cancelledData struct {
	Message string `json:"message"`
}

type errorData struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// inboundEnvelope is decoded once to dispatch on Type before a second,
// type-specific decode of the same raw bytes.
type inboundEnvelope struct {
	Type string `json:"type"`
}

type newSessionMsg struct {
	Config model.SessionConfig `json:"config"`
}

type resumeSessionMsg struct {
	SessionID string `json:"session_id"`
	LastSeq   *int64 `json:"last_seq,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

type updateConfigMsg struct {
	Config model.SessionConfig `json:"config"`
}

type queryMsg struct {
	Prompt string `json:"prompt"`
}

type permissionResponseMsg struct {
	RequestID   string `json:"request_id"`
	Allowed     bool   `json:"allowed"`
	DenyMessage string `json:"deny_message,omitempty"`
}

func decodeInto(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}
