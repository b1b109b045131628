package recharge

import "time"

// Thresholds parameterizes classification for one service and one tick.
type Thresholds struct {
	// MinutesThreshold is the reporting-freshness cutoff: a candidate idle
	// for at least this many minutes is recharged, a fresher one rides the
	// carrier's residual tolerance instead.
	MinutesThreshold int
	Now              time.Time
	EndOfToday       time.Time
}

// Classification splits one tick's candidates into the three disjoint
// outcome lists.
type Classification struct {
	Recharge []Candidate
	Grace    []Candidate
	Stable   []Candidate
}

// Total returns the number of classified candidates.
func (c Classification) Total() int {
	return len(c.Recharge) + len(c.Grace) + len(c.Stable)
}

// Classify assigns every candidate to exactly one class.
//
// A device whose expiry is past end-of-today is stable and untouched. An
// expired or expiring-today device is recharged only when it has been silent
// for MinutesThreshold minutes or more; a device still reporting despite an
// expired balance goes to the grace list and is deliberately not recharged.
// The grace list is where the savings come from.
func Classify(candidates []Candidate, th Thresholds) Classification {
	var out Classification
	for _, c := range candidates {
		if c.Device.Expiry.After(th.EndOfToday) {
			out.Stable = append(out.Stable, c)
			continue
		}
		if c.MinutesSinceReport >= th.MinutesThreshold {
			out.Recharge = append(out.Recharge, c)
		} else {
			out.Grace = append(out.Grace, c)
		}
	}
	return out
}

// EndOfDay returns 23:59:59 of t's day in loc.
func EndOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, loc)
}
