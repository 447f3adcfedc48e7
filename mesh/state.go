package mesh

import (
	"sort"
	"sync"
	"time"
)

// RunState is the lifecycle of a tracked run.
type RunState string

const (
	RunIdle     RunState = "idle"
	RunRunning  RunState = "running"
	RunFinished RunState = "finished"
	RunFailed   RunState = "failed"
)

// RunStatus is a snapshot of a run for the status endpoint.
type RunStatus struct {
	RunID          string        `json:"runId,omitempty"`
	State          RunState      `json:"state"`
	Method         string        `json:"method,omitempty"`
	Frames         int           `json:"frames"`
	FramesPrepared int           `json:"framesPrepared"`
	PairsDone      int           `json:"pairsDone"`
	PairsFailed    int           `json:"pairsFailed"`
	Pairs          []PairMetrics `json:"pairs"`
	Included       []int         `json:"included,omitempty"`
	Error          string        `json:"error,omitempty"`
	StartedAt      time.Time     `json:"startedAt,omitzero"`
	UpdatedAt      time.Time     `json:"updatedAt,omitzero"`
}

// RunTracker keeps the state of the current run for HTTP endpoints. It is
// an Observer and safe for concurrent use.
type RunTracker struct {
	mu      sync.RWMutex
	status  RunStatus
	pairs   map[[2]int]PairMetrics
	chain   *PoseChain
	merged  *PointCloud
	summary *RunSummary
}

// NewRunTracker creates an idle tracker.
func NewRunTracker() *RunTracker {
	return &RunTracker{
		status: RunStatus{State: RunIdle},
		pairs:  make(map[[2]int]PairMetrics),
	}
}

// Start resets the tracker for a new run over frames frames.
func (rt *RunTracker) Start(runID, method string, frames int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	now := time.Now()
	rt.status = RunStatus{RunID: runID, State: RunRunning, Method: method, Frames: frames, StartedAt: now, UpdatedAt: now}
	rt.pairs = make(map[[2]int]PairMetrics)
	rt.chain, rt.merged, rt.summary = nil, nil, nil
}

func (rt *RunTracker) FramePrepared(*Frame) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.status.FramesPrepared++
	rt.status.UpdatedAt = time.Now()
}

func (rt *RunTracker) PairRegistered(r PairResult) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.pairs[[2]int{r.From, r.To}] = r.Metrics()
	rt.status.UpdatedAt = time.Now()
}

func (rt *RunTracker) RunFinished(s RunSummary) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.summary = &s
	rt.status.Included = append([]int(nil), s.Included...)
	rt.status.UpdatedAt = time.Now()
}

// Finish records the outcome of the run. err marks the run failed; a
// partial result may still be given.
func (rt *RunTracker) Finish(res *RunResult, err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if res != nil {
		rt.chain = res.Chain
		rt.merged = res.Merged
		if rt.summary == nil {
			s := res.Summary
			rt.summary = &s
		}
		if res.Chain != nil {
			rt.status.Included = res.Chain.Included()
		}
	}
	rt.status.State = RunFinished
	if err != nil {
		rt.status.State = RunFailed
		rt.status.Error = err.Error()
	}
	rt.status.UpdatedAt = time.Now()
}

// Status returns a snapshot with pairs ordered by source frame.
func (rt *RunTracker) Status() RunStatus {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	s := rt.status
	s.Included = append([]int(nil), rt.status.Included...)
	s.Pairs = make([]PairMetrics, 0, len(rt.pairs))
	for _, m := range rt.pairs {
		s.Pairs = append(s.Pairs, m)
		if m.Error != "" {
			s.PairsFailed++
		}
	}
	sort.Slice(s.Pairs, func(i, j int) bool {
		if s.Pairs[i].From != s.Pairs[j].From {
			return s.Pairs[i].From < s.Pairs[j].From
		}
		return s.Pairs[i].To > s.Pairs[j].To
	})
	s.PairsDone = len(s.Pairs)
	return s
}

// Chain returns the pose chain of the finished run, or nil.
func (rt *RunTracker) Chain() *PoseChain {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.chain
}

// Merged returns the merged cloud of the finished run, or nil.
func (rt *RunTracker) Merged() *PointCloud {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.merged
}

// Summary returns the run summary once the run has finished.
func (rt *RunTracker) Summary() *RunSummary {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if rt.summary == nil {
		return nil
	}
	s := *rt.summary
	return &s
}

// HasResult reports whether a pose chain is available.
func (rt *RunTracker) HasResult() bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.chain != nil
}
