package moonraker

import (
	"context"

	"delta-calibration/pkg/calibrate"
	"delta-calibration/pkg/errors"
	"delta-calibration/pkg/history"
)

// HistorySource is the run log behind the history endpoints.
type HistorySource interface {
	Runs(ctx context.Context, limit int) ([]history.Run, error)
	Run(ctx context.Context, id string) (history.Run, error)
	EnergyTrace(ctx context.Context, runID string) ([]history.EnergySample, error)
}

// calibrationJob is a run in the shape of a Moonraker history job.
type calibrationJob struct {
	JobID         string         `json:"job_id"`
	Kind          string         `json:"kind"`
	Status        string         `json:"status"` // "in_progress" or the run's outcome
	StartTime     float64        `json:"start_time"`
	EndTime       *float64       `json:"end_time"`
	TotalDuration float64        `json:"total_duration"`
	Iterations    int            `json:"iterations"`
	InitialEnergy float64        `json:"initial_energy"`
	FinalEnergy   float64        `json:"final_energy"`
	ParamsBefore  map[string]any `json:"params_before,omitempty"`
	ParamsAfter   map[string]any `json:"params_after,omitempty"`
	Error         string         `json:"error,omitempty"`
	EnergyTrace   [][2]float64   `json:"energy_trace,omitempty"`
}

func jobFromRun(r history.Run) calibrationJob {
	j := calibrationJob{
		JobID:         r.ID,
		Kind:          r.Kind,
		Status:        "in_progress",
		StartTime:     unixSeconds(r.Started),
		Iterations:    r.Iterations,
		InitialEnergy: r.InitialEnergy,
		FinalEnergy:   r.FinalEnergy,
		ParamsBefore:  paramsJSON(r.Before),
		Error:         r.Error,
	}
	if !r.Finished.IsZero() {
		end := unixSeconds(r.Finished)
		j.EndTime = &end
		j.TotalDuration = end - j.StartTime
		j.Status = string(r.Outcome)
		j.ParamsAfter = paramsJSON(r.After)
	}
	return j
}

func jobFromSummary(sum calibrate.RunSummary) calibrationJob {
	end := unixSeconds(sum.Finished)
	j := calibrationJob{
		JobID:         sum.ID,
		Kind:          sum.Kind,
		Status:        string(sum.Outcome),
		EndTime:       &end,
		Iterations:    sum.Iterations,
		InitialEnergy: sum.InitialEnergy,
		FinalEnergy:   sum.FinalEnergy,
		ParamsAfter:   paramsJSON(sum.Params),
	}
	if sum.Err != nil {
		j.Error = sum.Err.Error()
	}
	return j
}

func (s *Server) historySource() (HistorySource, error) {
	if s.cfg.History == nil {
		return nil, errors.New(errors.ErrConfigValidation, "history_db is not configured")
	}
	return s.cfg.History, nil
}

// methodHistoryList lists runs newest first. "start" skips that many runs,
// "order" may be "asc" to reverse the page, and "kind" filters.
func (s *Server) methodHistoryList(ctx context.Context, params map[string]any) (any, error) {
	h, err := s.historySource()
	if err != nil {
		return nil, err
	}
	limit, err := intParam(params, "limit", 50)
	if err != nil {
		return nil, err
	}
	start, err := intParam(params, "start", 0)
	if err != nil {
		return nil, err
	}
	kind, _ := params["kind"].(string)
	order, _ := params["order"].(string)

	runs, err := h.Runs(ctx, 0)
	if err != nil {
		return nil, err
	}
	jobs := make([]calibrationJob, 0, len(runs))
	for _, r := range runs {
		if kind == "" || r.Kind == kind {
			jobs = append(jobs, jobFromRun(r))
		}
	}
	count := len(jobs)
	if start > len(jobs) {
		start = len(jobs)
	}
	jobs = jobs[start:]
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	if order == "asc" {
		for i, j := 0, len(jobs)-1; i < j; i, j = i+1, j-1 {
			jobs[i], jobs[j] = jobs[j], jobs[i]
		}
	}
	return map[string]any{"count": count, "jobs": jobs}, nil
}

// methodHistoryJob returns one run with its energy trace.
func (s *Server) methodHistoryJob(ctx context.Context, params map[string]any) (any, error) {
	h, err := s.historySource()
	if err != nil {
		return nil, err
	}
	uid, _ := params["uid"].(string)
	if uid == "" {
		return nil, invalidParams("missing 'uid' parameter")
	}
	r, err := h.Run(ctx, uid)
	if err != nil {
		return nil, err
	}
	samples, err := h.EnergyTrace(ctx, uid)
	if err != nil {
		return nil, err
	}
	job := jobFromRun(r)
	job.EnergyTrace = make([][2]float64, len(samples))
	for i, e := range samples {
		job.EnergyTrace[i] = [2]float64{float64(e.Iteration), e.Energy}
	}
	return map[string]any{"job": job}, nil
}
