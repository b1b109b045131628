package recharge

import "time"

// Device is the snapshot of a SIM-equipped unit that candidate selection
// returns and settlement later needs to render the detail row.
type Device struct {
	ID          int64  `json:"id"`
	SIM         string `json:"sim"`
	Description string `json:"description"`
	Company     string `json:"company"`
	HardwareID  string `json:"hardware_id"`
	// Expiry is the prepaid balance expiry instant (unix_saldo).
	Expiry time.Time `json:"expiry"`
}

// Label renders the "vehicle [company]" string used in detail rows.
func (d Device) Label() string {
	return d.Description + " [" + d.Company + "]"
}

// Candidate is a device eligible for top-up this tick, plus the reporting
// freshness the classifier decides on. VOZ candidates carry no freshness
// data and report MinutesSinceReport as NoReportData.
type Candidate struct {
	Device             Device
	MinutesSinceReport int
	DaysSinceReport    int
}

// NoReportData marks a candidate whose service class has no last-report
// signal. It is larger than any real threshold, so such candidates always
// classify as recharge once expired.
const NoReportData = int(^uint(0) >> 1)

// NoteContext captures the tick-local counters a settlement note is rendered
// from. It travels inside the pending record so a recovered settlement can
// reproduce the same note.
type NoteContext struct {
	CurrentIndex    int `json:"current_index"`
	TotalToRecharge int `json:"total_to_recharge"`
	GraceCount      int `json:"grace_count"`
	TotalCandidates int `json:"total_candidates"`
}
