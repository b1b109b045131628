// Package selector runs the per-service candidate queries against the
// system of record. A candidate is a device whose balance expires by the end
// of today and that has not been topped up recently.
package selector

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/simfleet/topup/engine/recharge"
)

// DB is the query surface the selectors need; *pgxpool.Pool satisfies it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Selector returns one service's candidates for a tick.
type Selector interface {
	Candidates(ctx context.Context, now time.Time) ([]recharge.Candidate, error)
}

// Params holds the shared selection knobs.
type Params struct {
	// SuppressionDays is K: a SIM settled for this service within the last K
	// days is not selected again.
	SuppressionDays int
	// ActivityCapDays drops devices silent for longer than this; a unit that
	// stopped reporting weeks ago is not worth paying for.
	ActivityCapDays int
	Location        *time.Location
	// ExtraBlocked extends the default excluded-name list.
	ExtraBlocked []string
}

var defaultBlocked = []string{"stock", "demo", "_old"}

// Blocklist matches device or company names that must never be recharged.
type Blocklist struct {
	terms []string
}

func NewBlocklist(extra []string) Blocklist {
	terms := append([]string{}, defaultBlocked...)
	for _, t := range extra {
		if t = strings.TrimSpace(strings.ToLower(t)); t != "" {
			terms = append(terms, t)
		}
	}
	return Blocklist{terms: terms}
}

// Blocked reports whether any of the given names carries a blocked term.
func (b Blocklist) Blocked(names ...string) bool {
	for _, name := range names {
		lower := strings.ToLower(name)
		for _, term := range b.terms {
			if strings.Contains(lower, term) {
				return true
			}
		}
	}
	return false
}

// minutesBetween returns whole minutes from a to b, never negative.
func minutesBetween(a, b time.Time) int {
	if a.IsZero() || !b.After(a) {
		return 0
	}
	return int(b.Sub(a) / time.Minute)
}

func daysBetween(a, b time.Time) int {
	if a.IsZero() || !b.After(a) {
		return 0
	}
	return int(b.Sub(a) / (24 * time.Hour))
}
