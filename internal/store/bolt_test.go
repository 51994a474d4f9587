package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"voodoo-go/internal/report"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetRun(t *testing.T) {
	s := newTestStore(t)

	run := &Run{
		ID:     "run-1",
		Name:   "smoke.xml",
		Status: StatusRunning,
		Start:  time.Now().Truncate(time.Millisecond),
	}
	if err := s.SaveRun(run); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != run.Name {
		t.Errorf("name = %q, want %q", got.Name, run.Name)
	}
	if got.Status != StatusRunning {
		t.Errorf("status = %q, want %q", got.Status, StatusRunning)
	}
	if !got.Start.Equal(run.Start) {
		t.Errorf("start = %v, want %v", got.Start, run.Start)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRun("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateRun(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveRun(&Run{ID: "r", Status: StatusRunning}); err != nil {
		t.Fatal(err)
	}

	err := s.UpdateRun("r", func(run *Run) error {
		run.Add(&TestResult{Result: report.ResultPass})
		run.Add(&TestResult{Result: report.ResultWatchdog})
		run.Add(&TestResult{Result: report.ResultBlocked})
		run.Status = StatusFinished
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRun("r")
	if err != nil {
		t.Fatal(err)
	}
	if got.Total != 3 || got.Passed != 1 || got.Failed != 1 || got.Blocked != 1 || got.Watchdog != 1 {
		t.Errorf("totals = %+v", got)
	}
	if got.Status != StatusFinished {
		t.Errorf("status = %q, want %q", got.Status, StatusFinished)
	}

	if err := s.UpdateRun("nope", func(*Run) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing: err = %v, want ErrNotFound", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		if err := s.SaveRun(&Run{ID: id, Start: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := s.ListRuns(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Fatalf("list count = %d, want 3", len(runs))
	}
	if runs[0].ID != "c" || runs[2].ID != "a" {
		t.Errorf("order = %s,%s,%s, want c,b,a", runs[0].ID, runs[1].ID, runs[2].ID)
	}

	runs, err = s.ListRuns(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("limited count = %d, want 2", len(runs))
	}
}

func TestResultsAndDelete(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveRun(&Run{ID: "r1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRun(&Run{ID: "r10"}); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	results := []*TestResult{
		{ID: "t2", RunID: "r1", TestFile: "b.xml", Start: now.Add(time.Second), Result: report.ResultFail, Errors: 1},
		{ID: "t1", RunID: "r1", TestFile: "a.xml", Start: now, Result: report.ResultPass},
		{ID: "t3", RunID: "r10", TestFile: "c.xml", Start: now},
	}
	for _, r := range results {
		if err := s.SaveResult(r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListResults("r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("results = %d, want 2", len(got))
	}
	if got[0].TestFile != "a.xml" || got[1].Errors != 1 {
		t.Errorf("results = %+v, %+v", got[0], got[1])
	}

	if err := s.DeleteRun("r1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetRun("r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get deleted: err = %v, want ErrNotFound", err)
	}
	if got, _ := s.ListResults("r1"); len(got) != 0 {
		t.Errorf("results after delete = %d, want 0", len(got))
	}
	if got, _ := s.ListResults("r10"); len(got) != 1 {
		t.Errorf("other run results = %d, want 1", len(got))
	}
}

func TestSaveResultNeedsIDs(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveResult(&TestResult{TestFile: "x.xml"}); err == nil {
		t.Fatal("expected error, got nil")
	}
}
