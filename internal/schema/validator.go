package schema

import (
	"encoding/json"
	"fmt"
)

// MaxBatchSize is the maximum number of events accepted per ingest batch.
const MaxBatchSize = 100

// Rejected pairs a batch-level or per-event validation failure with the
// event_id it pertains to, when known.
type Rejected struct {
	EventID string
	Message string
}

// ValidationError is returned by Validate when the whole batch must be
// rejected, e.g. because an event's payload doesn't match its event_type.
type ValidationError struct {
	Errors []Rejected
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", e.Errors[0].Message)
}

// Validate checks every event in a batch against the closed event-type
// grammar and per-type payload requirements. Validation is all-or-nothing:
// any single malformed event (or an oversized batch) rejects the entire
// batch, so on failure Validate returns every violation it found (not just
// the first) so the caller can report them all at once.
func Validate(events []Event) ([]Event, error) {
	if len(events) == 0 {
		return nil, &ValidationError{Errors: []Rejected{{Message: "batch must contain at least one event"}}}
	}
	if len(events) > MaxBatchSize {
		return nil, &ValidationError{Errors: []Rejected{{
			Message: fmt.Sprintf("batch size %d exceeds limit of %d", len(events), MaxBatchSize),
		}}}
	}

	var errs []Rejected
	for _, evt := range events {
		if msg := validateOne(evt); msg != "" {
			errs = append(errs, Rejected{EventID: evt.EventID, Message: msg})
		}
	}

	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}
	return events, nil
}

func validateOne(e Event) string {
	if e.EventID == "" {
		return "event_id is required"
	}
	if e.OrgID == "" {
		return "org_id is required"
	}
	if e.SessionID == "" {
		return "session_id is required"
	}
	if e.OccurredAt.IsZero() {
		return "occurred_at must be a valid instant"
	}

	switch e.EventType {
	case EventMessageCreated:
		var p MessageCreatedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return "payload does not match message_created schema"
		}
		if p.Content == "" {
			return "payload.content is required for message_created"
		}

	case EventRunStarted:
		if e.RunID == nil || *e.RunID == "" {
			return "run_id is required for run_started"
		}

	case EventRunCompleted:
		if e.RunID == nil || *e.RunID == "" {
			return "run_id is required for run_completed"
		}
		var p RunCompletedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return "payload does not match run_completed schema"
		}
		if msg := validateRunCompletedPayload(p); msg != "" {
			return msg
		}

	case EventLocalHandoff:
		var p LocalHandoffPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return "payload does not match local_handoff schema"
		}
		switch p.Method {
		case HandoffTeleport, HandoffDownload, HandoffCopyPatch, HandoffOther:
		default:
			return "payload.method is not a recognized handoff method"
		}

	default:
		return fmt.Sprintf("unrecognized event_type %q", e.EventType)
	}

	return ""
}

func validateRunCompletedPayload(p RunCompletedPayload) string {
	switch p.Status {
	case RunStatusSuccess, RunStatusFail, RunStatusTimeout, RunStatusCancelled:
	default:
		return fmt.Sprintf("unrecognized payload.status %q", p.Status)
	}
	if p.DurationMS < 0 {
		return "payload.duration_ms must be >= 0"
	}
	if p.InputTokens < 0 || p.OutputTokens < 0 {
		return "payload.input_tokens and output_tokens must be >= 0"
	}
	if _, err := parseCost(p.Cost); err != nil {
		return "payload.cost must be a non-negative decimal"
	}
	if p.ErrorType != nil {
		switch *p.ErrorType {
		case ErrorTypeTool, ErrorTypeModel, ErrorTypeTimeout, ErrorTypeUnknown:
		default:
			return fmt.Sprintf("unrecognized payload.error_type %q", *p.ErrorType)
		}
	}
	return ""
}
