package lockplan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentpulse/telemetry-pipeline/internal/schema"
)

func strp(s string) *string { return &s }

func TestBuild_DedupesAndSortsEachLevel(t *testing.T) {
	events := []schema.Event{
		{OrgID: "o", SessionID: "s2", UserID: strp("u2"), RunID: strp("r2"), OccurredAt: time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)},
		{OrgID: "o", SessionID: "s1", UserID: strp("u1"), RunID: strp("r1"), OccurredAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
		{OrgID: "o", SessionID: "s1", UserID: strp("u1"), RunID: strp("r1"), OccurredAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
	}

	p := Build(events)

	require.Len(t, p.Days, 2)
	require.Equal(t, "2024-06-01", p.Days[0].Day)
	require.Equal(t, "2024-06-02", p.Days[1].Day)

	require.Len(t, p.UserDays, 2)
	require.Equal(t, "u1", p.UserDays[0].UserID)
	require.Equal(t, "u2", p.UserDays[1].UserID)

	require.Len(t, p.Sessions, 2)
	require.Equal(t, "s1", p.Sessions[0].SessionID)

	require.Len(t, p.Runs, 2)
	require.Equal(t, "r1", p.Runs[0].RunID)
}

func TestBuild_SkipsNilUserAndRun(t *testing.T) {
	events := []schema.Event{
		{OrgID: "o", SessionID: "s1", OccurredAt: time.Now()},
	}
	p := Build(events)
	require.Empty(t, p.UserDays)
	require.Empty(t, p.Runs)
	require.Len(t, p.Sessions, 1)
	require.Len(t, p.Days, 1)
}
