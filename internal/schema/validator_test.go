package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustPayload(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func validRunCompleted(t *testing.T) Event {
	return Event{
		EventID:    "e1",
		OrgID:      "o",
		SessionID:  "s",
		RunID:      strPtr("r"),
		EventType:  EventRunCompleted,
		OccurredAt: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		Payload: mustPayload(t, RunCompletedPayload{
			Status:       RunStatusSuccess,
			DurationMS:   5000,
			Cost:         "0.05",
			InputTokens:  1000,
			OutputTokens: 500,
		}),
	}
}

func strPtr(s string) *string { return &s }

func TestValidate_AcceptsWellFormedBatch(t *testing.T) {
	accepted, err := Validate([]Event{validRunCompleted(t)})
	require.NoError(t, err)
	require.Len(t, accepted, 1)
}

func TestValidate_RejectsOversizedBatch(t *testing.T) {
	events := make([]Event, MaxBatchSize+1)
	for i := range events {
		events[i] = validRunCompleted(t)
	}
	_, err := Validate(events)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestValidate_WholeBatchRejectedOnSingleBadEvent(t *testing.T) {
	good := validRunCompleted(t)
	bad := validRunCompleted(t)
	bad.EventID = "e2"
	bad.RunID = nil // run_completed requires run_id

	_, err := Validate([]Event{good, bad})
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Errors, 1)
	require.Equal(t, "e2", verr.Errors[0].EventID)
}

func TestValidate_RunCompletedRequiresNonNegativeFields(t *testing.T) {
	cases := []RunCompletedPayload{
		{Status: RunStatusSuccess, DurationMS: -1, Cost: "0", InputTokens: 0, OutputTokens: 0},
		{Status: RunStatusSuccess, DurationMS: 0, Cost: "-1.00", InputTokens: 0, OutputTokens: 0},
		{Status: RunStatusSuccess, DurationMS: 0, Cost: "0", InputTokens: -1, OutputTokens: 0},
		{Status: "bogus", DurationMS: 0, Cost: "0", InputTokens: 0, OutputTokens: 0},
	}
	for _, payload := range cases {
		evt := validRunCompleted(t)
		evt.Payload = mustPayload(t, payload)
		_, err := Validate([]Event{evt})
		require.Error(t, err)
	}
}

func TestValidate_LocalHandoffRequiresKnownMethod(t *testing.T) {
	evt := Event{
		EventID:    "h1",
		OrgID:      "o",
		SessionID:  "s",
		EventType:  EventLocalHandoff,
		OccurredAt: time.Now(),
		Payload:    mustPayload(t, LocalHandoffPayload{Method: "teleport"}),
	}
	_, err := Validate([]Event{evt})
	require.NoError(t, err)

	evt.Payload = mustPayload(t, LocalHandoffPayload{Method: "nonsense"})
	_, err = Validate([]Event{evt})
	require.Error(t, err)
}

func TestValidate_MessageCreatedRequiresContent(t *testing.T) {
	evt := Event{
		EventID:    "m1",
		OrgID:      "o",
		SessionID:  "s",
		EventType:  EventMessageCreated,
		OccurredAt: time.Now(),
		Payload:    mustPayload(t, MessageCreatedPayload{Content: ""}),
	}
	_, err := Validate([]Event{evt})
	require.Error(t, err)
}

func TestValidate_RunStartedRequiresRunID(t *testing.T) {
	evt := Event{
		EventID:    "rs1",
		OrgID:      "o",
		SessionID:  "s",
		EventType:  EventRunStarted,
		OccurredAt: time.Now(),
	}
	_, err := Validate([]Event{evt})
	require.Error(t, err)

	evt.RunID = strPtr("r1")
	_, err = Validate([]Event{evt})
	require.NoError(t, err)
}
