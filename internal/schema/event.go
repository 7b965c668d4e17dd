// Package schema defines the canonical event shapes accepted by the
// ingest endpoint and validates them.
package schema

import (
	"encoding/json"
	"time"
)

// EventType is the closed set of event kinds the pipeline understands.
type EventType string

const (
	EventMessageCreated EventType = "message_created"
	EventRunStarted     EventType = "run_started"
	EventRunCompleted   EventType = "run_completed"
	EventLocalHandoff   EventType = "local_handoff"
)

// RunStatus is the closed set of terminal run statuses.
type RunStatus string

const (
	RunStatusSuccess   RunStatus = "success"
	RunStatusFail      RunStatus = "fail"
	RunStatusTimeout   RunStatus = "timeout"
	RunStatusCancelled RunStatus = "cancelled"
)

// ErrorType is the closed set of run error classifications.
type ErrorType string

const (
	ErrorTypeTool    ErrorType = "tool_error"
	ErrorTypeModel   ErrorType = "model_error"
	ErrorTypeTimeout ErrorType = "timeout"
	ErrorTypeUnknown ErrorType = "unknown"
)

// HandoffMethod is the closed set of local handoff methods.
type HandoffMethod string

const (
	HandoffTeleport   HandoffMethod = "teleport"
	HandoffDownload   HandoffMethod = "download"
	HandoffCopyPatch  HandoffMethod = "copy_patch"
	HandoffOther      HandoffMethod = "other"
)

// Event is the wire shape accepted by POST /events.
type Event struct {
	EventID     string          `json:"event_id"`
	OrgID       string          `json:"org_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	EventType   EventType       `json:"event_type"`
	SessionID   string          `json:"session_id"`
	UserID      *string         `json:"user_id,omitempty"`
	RunID       *string         `json:"run_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// MessageCreatedPayload is the payload for message_created events.
type MessageCreatedPayload struct {
	Content string `json:"content"`
}

// RunCompletedPayload is the payload for run_completed events.
type RunCompletedPayload struct {
	Status       RunStatus  `json:"status"`
	DurationMS   int64      `json:"duration_ms"`
	Cost         string     `json:"cost"`
	InputTokens  int64      `json:"input_tokens"`
	OutputTokens int64      `json:"output_tokens"`
	ErrorType    *ErrorType `json:"error_type,omitempty"`
}

// LocalHandoffPayload is the payload for local_handoff events.
type LocalHandoffPayload struct {
	Method HandoffMethod `json:"method"`
}
