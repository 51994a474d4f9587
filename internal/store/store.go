package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the results history interface.
type Store interface {
	// Run operations
	SaveRun(run *Run) error
	GetRun(id string) (*Run, error)
	DeleteRun(id string) error
	// ListRuns returns runs newest first. limit <= 0 returns all.
	ListRuns(limit int) ([]*Run, error)

	// UpdateRun atomically reads, modifies, and saves a run in a single
	// transaction. Returns ErrNotFound if the run does not exist.
	UpdateRun(id string, fn func(run *Run) error) error

	// Test results
	SaveResult(res *TestResult) error
	ListResults(runID string) ([]*TestResult, error)

	// Close the store
	Close() error
}
