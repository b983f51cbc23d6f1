package opsapi

import (
	"time"

	"warden/cmd/internal/cleanup"
)

type sweepResponse struct {
	Kind      string `json:"kind"`
	Removed   int    `json:"removed"`
	Batches   int    `json:"batches"`
	Conflicts int    `json:"conflicts"`
	Abandoned int    `json:"abandoned"`
	Error     string `json:"error,omitempty"`
}

type reportResponse struct {
	RunID          string        `json:"run_id"`
	Start          time.Time     `json:"start"`
	Finish         time.Time     `json:"finish"`
	TotalRemoved   int           `json:"total_removed"`
	Failed         bool          `json:"failed"`
	ExpiredGrants  sweepResponse `json:"expired_grants"`
	ConsumedGrants sweepResponse `json:"consumed_grants"`
	DeviceCodes    sweepResponse `json:"device_codes"`
}

type statusResponse struct {
	Running    bool            `json:"running"`
	LastReport *reportResponse `json:"last_report,omitempty"`
}

func toSweepResponse(res cleanup.SweepResult) sweepResponse {
	out := sweepResponse{
		Kind:      res.Kind,
		Removed:   res.Removed,
		Batches:   res.Batches,
		Conflicts: res.Conflicts,
		Abandoned: res.Abandoned,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

func toReportResponse(rep cleanup.Report) reportResponse {
	return reportResponse{
		RunID:          rep.RunID,
		Start:          rep.Start,
		Finish:         rep.Finish,
		TotalRemoved:   rep.TotalRemoved(),
		Failed:         rep.Failed(),
		ExpiredGrants:  toSweepResponse(rep.ExpiredGrants),
		ConsumedGrants: toSweepResponse(rep.ConsumedGrants),
		DeviceCodes:    toSweepResponse(rep.DeviceCodes),
	}
}
