// Package lockplan centralizes aggregate-key lock acquisition so
// projectors never have to reason about lock order themselves. The full
// set of keys referenced by a claimed batch is
// gathered once per per-user transaction, deduplicated, sorted within
// each level, and locked in a single fixed global order:
//
//  1. org_stats_daily   (org_id, day)
//  2. user_stats_daily  (org_id, user_id, day)
//  3. session_stats     (org_id, session_id)
//  4. run_facts         (org_id, run_id)
//
// This ordering is the sole deadlock-freedom mechanism; no projector may
// acquire a lock out of turn.
package lockplan

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/agentpulse/telemetry-pipeline/internal/schema"
)

// DayKey addresses one org_stats_daily row.
type DayKey struct {
	OrgID string
	Day   string // ISO calendar date, e.g. "2024-06-01"
}

// UserDayKey addresses one user_stats_daily row.
type UserDayKey struct {
	OrgID  string
	UserID string
	Day    string
}

// SessionKey addresses one session_stats row.
type SessionKey struct {
	OrgID     string
	SessionID string
}

// RunKey addresses one run_facts row. SessionID rides along so the
// placeholder row (inserted before the lock is taken) satisfies the
// table's NOT NULL constraint; the owning projector may still update it.
type RunKey struct {
	OrgID     string
	RunID     string
	SessionID string
}

// Plan is the deduplicated, ordered set of keys a grouped batch touches.
type Plan struct {
	Days     []DayKey
	UserDays []UserDayKey
	Sessions []SessionKey
	Runs     []RunKey
}

// Day formats occurred_at as the ISO calendar date it is attributed to.
func Day(e schema.Event) string {
	return e.OccurredAt.UTC().Format("2006-01-02")
}

// Build collects the aggregate keys referenced by a group of events,
// deduplicating as it goes. Order of the input slice does not matter;
// Build sorts every level before returning.
func Build(events []schema.Event) Plan {
	days := map[DayKey]struct{}{}
	userDays := map[UserDayKey]struct{}{}
	sessions := map[SessionKey]struct{}{}
	runs := map[RunKey]struct{}{}

	for _, e := range events {
		day := Day(e)
		days[DayKey{OrgID: e.OrgID, Day: day}] = struct{}{}
		sessions[SessionKey{OrgID: e.OrgID, SessionID: e.SessionID}] = struct{}{}

		if e.UserID != nil && *e.UserID != "" {
			userDays[UserDayKey{OrgID: e.OrgID, UserID: *e.UserID, Day: day}] = struct{}{}
		}
		if e.RunID != nil && *e.RunID != "" {
			runs[RunKey{OrgID: e.OrgID, RunID: *e.RunID, SessionID: e.SessionID}] = struct{}{}
		}
	}

	p := Plan{}
	for k := range days {
		p.Days = append(p.Days, k)
	}
	for k := range userDays {
		p.UserDays = append(p.UserDays, k)
	}
	for k := range sessions {
		p.Sessions = append(p.Sessions, k)
	}
	for k := range runs {
		p.Runs = append(p.Runs, k)
	}

	sort.Slice(p.Days, func(i, j int) bool {
		if p.Days[i].OrgID != p.Days[j].OrgID {
			return p.Days[i].OrgID < p.Days[j].OrgID
		}
		return p.Days[i].Day < p.Days[j].Day
	})
	sort.Slice(p.UserDays, func(i, j int) bool {
		a, b := p.UserDays[i], p.UserDays[j]
		if a.OrgID != b.OrgID {
			return a.OrgID < b.OrgID
		}
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		return a.Day < b.Day
	})
	sort.Slice(p.Sessions, func(i, j int) bool {
		a, b := p.Sessions[i], p.Sessions[j]
		if a.OrgID != b.OrgID {
			return a.OrgID < b.OrgID
		}
		return a.SessionID < b.SessionID
	})
	sort.Slice(p.Runs, func(i, j int) bool {
		a, b := p.Runs[i], p.Runs[j]
		if a.OrgID != b.OrgID {
			return a.OrgID < b.OrgID
		}
		return a.RunID < b.RunID
	})

	return p
}

// Acquire ensures a placeholder row exists for every key in the plan (so
// there is something to lock) and then locks each level in order via
// "select ... for update", holding the locks until the caller's
// transaction ends.
func Acquire(ctx context.Context, tx pgx.Tx, p Plan) error {
	for _, k := range p.Days {
		if _, err := tx.Exec(ctx, `
			INSERT INTO org_stats_daily (org_id, day) VALUES ($1, $2)
			ON CONFLICT (org_id, day) DO NOTHING
		`, k.OrgID, k.Day); err != nil {
			return fmt.Errorf("seed org_stats_daily %v: %w", k, err)
		}
		if _, err := tx.Exec(ctx, `
			SELECT 1 FROM org_stats_daily WHERE org_id = $1 AND day = $2 FOR UPDATE
		`, k.OrgID, k.Day); err != nil {
			return fmt.Errorf("lock org_stats_daily %v: %w", k, err)
		}
	}

	for _, k := range p.UserDays {
		if _, err := tx.Exec(ctx, `
			INSERT INTO user_stats_daily (org_id, user_id, day) VALUES ($1, $2, $3)
			ON CONFLICT (org_id, user_id, day) DO NOTHING
		`, k.OrgID, k.UserID, k.Day); err != nil {
			return fmt.Errorf("seed user_stats_daily %v: %w", k, err)
		}
		if _, err := tx.Exec(ctx, `
			SELECT 1 FROM user_stats_daily WHERE org_id = $1 AND user_id = $2 AND day = $3 FOR UPDATE
		`, k.OrgID, k.UserID, k.Day); err != nil {
			return fmt.Errorf("lock user_stats_daily %v: %w", k, err)
		}
	}

	for _, k := range p.Sessions {
		if _, err := tx.Exec(ctx, `
			INSERT INTO session_stats (org_id, session_id) VALUES ($1, $2)
			ON CONFLICT (org_id, session_id) DO NOTHING
		`, k.OrgID, k.SessionID); err != nil {
			return fmt.Errorf("seed session_stats %v: %w", k, err)
		}
		if _, err := tx.Exec(ctx, `
			SELECT 1 FROM session_stats WHERE org_id = $1 AND session_id = $2 FOR UPDATE
		`, k.OrgID, k.SessionID); err != nil {
			return fmt.Errorf("lock session_stats %v: %w", k, err)
		}
	}

	for _, k := range p.Runs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO run_facts (org_id, run_id, session_id) VALUES ($1, $2, $3)
			ON CONFLICT (org_id, run_id) DO NOTHING
		`, k.OrgID, k.RunID, k.SessionID); err != nil {
			return fmt.Errorf("seed run_facts %v: %w", k, err)
		}
		if _, err := tx.Exec(ctx, `
			SELECT 1 FROM run_facts WHERE org_id = $1 AND run_id = $2 FOR UPDATE
		`, k.OrgID, k.RunID); err != nil {
			return fmt.Errorf("lock run_facts %v: %w", k, err)
		}
	}

	return nil
}
