package cleanup

import "time"

// Record kinds as they appear in logs, metrics labels, and reports.
const (
	KindExpiredGrant  = "expired_grant"
	KindConsumedGrant = "consumed_grant"
	KindDeviceCode    = "device_code"
)

// SweepResult summarizes one record kind's sweep within a run.
//
// Removed counts confirmed deletions only. Conflicts counts records that
// were already gone when their batch committed; those are never part of
// Removed. Abandoned counts records left behind after a batch ran out of
// commit attempts; the next cycle picks them up again.
type SweepResult struct {
	Kind      string
	Removed   int
	Batches   int
	Conflicts int
	Abandoned int
	Err       error
}

// Report summarizes one cleanup run.
type Report struct {
	RunID  string
	Start  time.Time
	Finish time.Time

	ExpiredGrants  SweepResult
	ConsumedGrants SweepResult
	DeviceCodes    SweepResult
}

// TotalRemoved is the number of records confirmed deleted across all
// phases of the run.
func (r Report) TotalRemoved() int {
	return r.ExpiredGrants.Removed + r.ConsumedGrants.Removed + r.DeviceCodes.Removed
}

// Failed reports whether any phase ended with an error. A failed phase
// never stops the run; the error is carried here for observability.
func (r Report) Failed() bool {
	return r.ExpiredGrants.Err != nil || r.ConsumedGrants.Err != nil || r.DeviceCodes.Err != nil
}
