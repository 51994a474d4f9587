package store

import (
	"time"

	"voodoo-go/internal/report"
)

// Run status values.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusAborted  = "aborted"
)

// Run is one invocation of the runner over one or more tests.
type Run struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Status   string    `json:"status"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Total    int       `json:"total"`
	Passed   int       `json:"passed"`
	Failed   int       `json:"failed"`
	Blocked  int       `json:"blocked"`
	Watchdog int       `json:"watchdog"`
}

// Add counts res in the run's totals.
func (r *Run) Add(res *TestResult) {
	r.Total++
	switch res.Result {
	case report.ResultPass:
		r.Passed++
	case report.ResultBlocked:
		r.Blocked++
	case report.ResultWatchdog:
		r.Watchdog++
		r.Failed++
	default:
		r.Failed++
	}
}

// TestResult is the stored results record of one test.
type TestResult = report.Results
