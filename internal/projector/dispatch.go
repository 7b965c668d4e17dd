package projector

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/agentpulse/telemetry-pipeline/internal/schema"
)

// Project dispatches a single event to its projector. The caller is
// expected to run this inside a savepoint so a failure here rolls back
// only this event's effects.
func Project(ctx context.Context, tx pgx.Tx, e schema.Event) error {
	switch e.EventType {
	case schema.EventMessageCreated:
		return ProjectMessageCreated(ctx, tx, e)
	case schema.EventRunStarted:
		return ProjectRunStarted(ctx, tx, e)
	case schema.EventRunCompleted:
		return ProjectRunCompleted(ctx, tx, e)
	case schema.EventLocalHandoff:
		return ProjectLocalHandoff(ctx, tx, e)
	default:
		return fmt.Errorf("no projector registered for event_type %q", e.EventType)
	}
}
