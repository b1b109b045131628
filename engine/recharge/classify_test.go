package recharge

import (
	"testing"
	"time"
)

func mkCandidate(sim string, expiry time.Time, minutesIdle int) Candidate {
	return Candidate{
		Device:             Device{SIM: sim, Expiry: expiry},
		MinutesSinceReport: minutesIdle,
	}
}

func TestClassifyThreeWays(t *testing.T) {
	loc := time.UTC
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, loc)
	th := Thresholds{MinutesThreshold: 10, Now: now, EndOfToday: EndOfDay(now, loc)}

	expired := now.Add(-48 * time.Hour)
	expiringToday := now.Add(2 * time.Hour)
	future := now.Add(72 * time.Hour)

	cands := []Candidate{
		mkCandidate("D1", expired, 20),       // expired, silent -> recharge
		mkCandidate("D2", expiringToday, 2),  // expiring, reporting -> grace
		mkCandidate("D3", future, 500),       // future expiry -> stable
	}

	got := Classify(cands, th)
	if len(got.Recharge) != 1 || got.Recharge[0].Device.SIM != "D1" {
		t.Fatalf("recharge list = %+v, want [D1]", got.Recharge)
	}
	if len(got.Grace) != 1 || got.Grace[0].Device.SIM != "D2" {
		t.Fatalf("grace list = %+v, want [D2]", got.Grace)
	}
	if len(got.Stable) != 1 || got.Stable[0].Device.SIM != "D3" {
		t.Fatalf("stable list = %+v, want [D3]", got.Stable)
	}
}

func TestClassifyEveryCandidateLandsSomewhere(t *testing.T) {
	loc := time.UTC
	now := time.Date(2025, 3, 10, 9, 30, 0, 0, loc)
	th := Thresholds{MinutesThreshold: 10, Now: now, EndOfToday: EndOfDay(now, loc)}

	var cands []Candidate
	for i := 0; i < 50; i++ {
		expiry := now.Add(time.Duration(i-25) * 12 * time.Hour)
		cands = append(cands, mkCandidate("S", expiry, i))
	}

	got := Classify(cands, th)
	if got.Total() != len(cands) {
		t.Fatalf("classified %d of %d candidates", got.Total(), len(cands))
	}
}

func TestClassifyThresholdIsInclusive(t *testing.T) {
	loc := time.UTC
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, loc)
	th := Thresholds{MinutesThreshold: 10, Now: now, EndOfToday: EndOfDay(now, loc)}

	c := mkCandidate("EDGE", now.Add(-time.Hour), 10)
	got := Classify([]Candidate{c}, th)
	if len(got.Recharge) != 1 {
		t.Fatalf("minutes == threshold should recharge, got %+v", got)
	}
}

func TestClassifyExpiryEqualEndOfTodayIsNotStable(t *testing.T) {
	loc := time.UTC
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, loc)
	end := EndOfDay(now, loc)
	th := Thresholds{MinutesThreshold: 10, Now: now, EndOfToday: end}

	c := mkCandidate("EDGE", end, 0)
	got := Classify([]Candidate{c}, th)
	if len(got.Stable) != 0 {
		t.Fatalf("expiry == endOfToday classified stable: %+v", got)
	}
	if len(got.Grace) != 1 {
		t.Fatalf("fresh expiring-today candidate should be grace: %+v", got)
	}
}

func TestClassifyGraceSavesCalls(t *testing.T) {
	loc := time.UTC
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, loc)
	th := Thresholds{MinutesThreshold: 10, Now: now, EndOfToday: EndOfDay(now, loc)}

	expired := now.Add(-24 * time.Hour)
	var cands []Candidate
	for i := 0; i < 100; i++ {
		idle := 3 // reporting in time
		if i < 20 {
			idle = 45 // silent
		}
		cands = append(cands, mkCandidate("S", expired, idle))
	}

	got := Classify(cands, th)
	if len(got.Recharge) != 20 {
		t.Fatalf("recharge count = %d, want 20", len(got.Recharge))
	}
	if len(got.Grace) != 80 {
		t.Fatalf("grace count = %d, want 80", len(got.Grace))
	}
}

func TestClassifyVOZCandidatesAlwaysRechargeOnceExpired(t *testing.T) {
	loc := time.UTC
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, loc)
	th := Thresholds{MinutesThreshold: 10, Now: now, EndOfToday: EndOfDay(now, loc)}

	c := mkCandidate("VOZ1", now.Add(-time.Hour), NoReportData)
	got := Classify([]Candidate{c}, th)
	if len(got.Recharge) != 1 {
		t.Fatalf("candidate without report data should recharge: %+v", got)
	}
}
