package runner

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"voodoo-go/internal/backend/static"
	"voodoo-go/internal/bus"
	"voodoo-go/internal/event"
	"voodoo-go/internal/locator"
	"voodoo-go/internal/report"
	"voodoo-go/internal/store"
)

const page = `<html><head><title>Home</title></head><body>
<p id="greet">Hello voodoo</p>
</body></html>`

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

type fixture struct {
	dir    string
	drv    *static.Driver
	store  *store.BoltStore
	bus    *bus.Bus
	log    *syncBuffer
	events []bus.Event
	mu     sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{dir: dir, log: &syncBuffer{}}
	f.drv = static.New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		static.WithPages(map[string]string{"http://test/home": page}))
	t.Cleanup(func() { f.drv.Close() })

	s, err := store.NewBoltStore(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	f.store = s

	f.bus = bus.New(f.logger())
	f.bus.OnAll(func(ev bus.Event) {
		f.mu.Lock()
		f.events = append(f.events, ev)
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(f.log, nil))
}

func (f *fixture) script(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func (f *fixture) runner(cfg Config) *Runner {
	if cfg.Tick == 0 {
		cfg.Tick = time.Millisecond
	}
	cfg.LocatorOptions = []locator.Option{locator.WithTimeout(0), locator.WithPoll(time.Millisecond)}
	return New(cfg, f.drv, f.logger(), WithStore(f.store), WithBus(f.bus))
}

func (f *fixture) count(typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestRunPersistsAndPublishes(t *testing.T) {
	f := newFixture(t)
	pass := f.script(t, "pass.xml", `<voodoo>
  <browser url="http://test/home"/>
  <p id="greet" assert="Hello"/>
  <puts txt="user={@user} date={@currentdate}"/>
</voodoo>`)
	fail := f.script(t, "fail.xml", `<voodoo>
  <browser url="http://test/home"/>
  <p id="greet" assert="Goodbye"/>
</voodoo>`)
	blocked := f.script(t, "blocked.xml", `<voodoo><puts txt="should not run"/></voodoo>`)

	r := f.runner(Config{
		Vars:      map[string]string{"user": "alice"},
		Blocklist: event.Blocklist{"blocked.xml": true},
	})
	run, err := r.Run(context.Background(), "smoke", []string{pass, fail, blocked})
	if err != nil {
		t.Fatal(err)
	}

	if run.Status != store.StatusFinished {
		t.Errorf("status = %q, want %q", run.Status, store.StatusFinished)
	}
	if run.Total != 3 || run.Passed != 1 || run.Failed != 1 || run.Blocked != 1 {
		t.Errorf("run = %+v", run)
	}

	stored, err := f.store.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Total != 3 || stored.Status != store.StatusFinished {
		t.Errorf("stored run = %+v", stored)
	}
	results, err := f.store.ListResults(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("stored results = %d, want 3", len(results))
	}
	want := map[string]string{
		"pass.xml":    report.ResultPass,
		"fail.xml":    report.ResultFail,
		"blocked.xml": report.ResultBlocked,
	}
	for _, res := range results {
		if got := want[filepath.Base(res.TestFile)]; res.Result != got {
			t.Errorf("%s result = %q, want %q", res.TestFile, res.Result, got)
		}
	}

	log := f.log.String()
	if !strings.Contains(log, "user=alice date=") {
		t.Error("global variable not substituted")
	}
	if strings.Contains(log, "should not run") {
		t.Error("blocked test ran")
	}

	if n := f.count(bus.EventRunStarted); n != 1 {
		t.Errorf("run_started = %d, want 1", n)
	}
	if n := f.count(bus.EventTestFinished); n != 3 {
		t.Errorf("test_finished = %d, want 3", n)
	}
	if n := f.count(bus.EventTestBlocked); n != 1 {
		t.Errorf("test_blocked = %d, want 1", n)
	}
	if n := f.count(bus.EventRunFinished); n != 1 {
		t.Errorf("run_finished = %d, want 1", n)
	}
}

func TestLoadErrorIsException(t *testing.T) {
	f := newFixture(t)
	bad := f.script(t, "bad.xml", `<voodoo><nosuchevent/></voodoo>`)

	res := f.runner(Config{}).RunTest(context.Background(), "run", bad)
	if res.Exceptions != 1 {
		t.Errorf("exceptions = %d, want 1", res.Exceptions)
	}
	if res.Result != report.ResultFail {
		t.Errorf("result = %q, want %q", res.Result, report.ResultFail)
	}
}

func TestWatchdogRestartsBrowser(t *testing.T) {
	f := newFixture(t)
	hang := f.script(t, "hang.xml", `<voodoo>
  <browser url="http://test/home"/>
  <wait timeout="1000"/>
  <puts txt="after hang"/>
</voodoo>`)
	next := f.script(t, "next.xml", `<voodoo>
  <browser url="http://test/home"/>
  <p id="greet" assert="Hello"/>
</voodoo>`)

	r := f.runner(Config{
		Tick:         10 * time.Millisecond,
		Watchdog:     40 * time.Millisecond,
		WatchdogPoll: 5 * time.Millisecond,
	})
	run, err := r.Run(context.Background(), "watchdog", []string{hang, next})
	if err != nil {
		t.Fatal(err)
	}
	if run.Watchdog != 1 || run.Passed != 1 {
		t.Errorf("run = %+v", run)
	}

	results, err := f.store.ListResults(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Result != report.ResultWatchdog {
		t.Errorf("hang result = %q, want %q", results[0].Result, report.ResultWatchdog)
	}
	if results[0].IsRestart {
		t.Error("hang marked as restart")
	}
	if !results[1].IsRestart {
		t.Error("next test not marked as restart")
	}
	if results[1].Result != report.ResultPass {
		t.Errorf("next result = %q, want %q", results[1].Result, report.ResultPass)
	}
	if strings.Contains(f.log.String(), "after hang") {
		t.Error("event after the hung wait ran")
	}
	if n := f.count(bus.EventWatchdog); n != 1 {
		t.Errorf("watchdog events = %d, want 1", n)
	}
}

func TestCancelledRunIsAborted(t *testing.T) {
	f := newFixture(t)
	a := f.script(t, "a.xml", `<voodoo><puts txt="a"/></voodoo>`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := f.runner(Config{}).Run(ctx, "cancelled", []string{a})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != store.StatusAborted {
		t.Errorf("status = %q, want %q", run.Status, store.StatusAborted)
	}
	if run.Total != 0 {
		t.Errorf("total = %d, want 0", run.Total)
	}
}
