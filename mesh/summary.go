package mesh

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// PairMetrics is the per-pair record kept in the run summary.
type PairMetrics struct {
	From          int        `json:"from"`
	To            int        `json:"to"`
	Method        string     `json:"method"`
	Inliers       int        `json:"inliers"`
	InlierRatio   float64    `json:"inlierRatio"`
	RMSE          float64    `json:"rmse"`
	ICPState      string     `json:"icpState,omitempty"`
	ICPIterations int        `json:"icpIterations,omitempty"`
	Bridged       bool       `json:"bridged,omitempty"`
	DurationMs    int64      `json:"durationMs"`
	Stage         string     `json:"stage,omitempty"` // set on failure
	Error         string     `json:"error,omitempty"`
	Transform     *Transform `json:"transform,omitempty"`
}

// ExcludedFrame records a frame left out of the merge.
type ExcludedFrame struct {
	Frame  int    `json:"frame"`
	Name   string `json:"name,omitempty"`
	Reason string `json:"reason"`
}

// RunSummary reports what a run did, which pairs failed and why.
type RunSummary struct {
	RunID      string          `json:"runId"`
	Method     string          `json:"method"`
	Policy     FailurePolicy   `json:"policy"`
	Frames     int             `json:"frames"`
	Included   []int           `json:"included"`
	Excluded   []ExcludedFrame `json:"excluded,omitempty"`
	Pairs      []PairMetrics   `json:"pairs"`
	Skipped    []PairMetrics   `json:"skipped,omitempty"`
	Aborted    bool            `json:"aborted,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
}

// Metrics flattens a pair result for reporting.
func (r PairResult) Metrics() PairMetrics {
	m := PairMetrics{
		From:        r.From,
		To:          r.To,
		Method:      r.Result.Method,
		Inliers:     r.Result.Inliers,
		InlierRatio: r.Result.InlierRatio,
		RMSE:        r.Result.RMSE,
		Bridged:     r.Bridged,
		DurationMs:  r.Duration.Milliseconds(),
	}
	if r.Refined != nil {
		m.ICPState = r.Refined.State.String()
		m.ICPIterations = r.Refined.Iterations
	}
	if r.OK() {
		t := r.Result.Transform
		m.Transform = &t
	} else {
		m.Stage = r.Stage()
		if r.Err != nil {
			m.Error = r.Err.Error()
		}
	}
	return m
}

func buildSummary(runID, method string, policy FailurePolicy, frames []*Frame, chain *PoseChain,
	pairs []PairResult, aborted bool, started time.Time) RunSummary {

	s := RunSummary{
		RunID:      runID,
		Method:     method,
		Policy:     policy,
		Frames:     len(frames),
		Included:   chain.Included(),
		Aborted:    aborted,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	for _, p := range chain.Poses {
		if !p.Included {
			s.Excluded = append(s.Excluded, ExcludedFrame{Frame: p.Frame, Name: p.Name, Reason: p.Reason})
		}
	}
	for _, r := range pairs {
		m := r.Metrics()
		s.Pairs = append(s.Pairs, m)
		if !r.OK() {
			s.Skipped = append(s.Skipped, m)
		}
	}
	return s
}

// SaveRunSummary writes the summary as indented JSON.
func SaveRunSummary(path string, s RunSummary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(ErrIO, "creating summary directory: %v", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling run summary")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(ErrIO, "writing run summary: %v", err)
	}
	return nil
}

// LoadRunSummary reads a summary written by SaveRunSummary.
func LoadRunSummary(path string) (RunSummary, error) {
	var s RunSummary
	data, err := os.ReadFile(path)
	if err != nil {
		return s, errors.Wrapf(ErrIO, "reading run summary: %v", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, errors.Wrap(err, "parsing run summary")
	}
	return s, nil
}
