// Package report records what happens during one test: log lines, assert
// results, errors and exceptions. It keeps the counters that make up the
// test's results record and captures page HTML or screenshots when
// configured to.
package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"voodoo-go/internal/backend"
)

// Trigger names accepted by WithSaveHTMLOn and WithScreenshotOn.
const (
	OnWarning    = "warning"
	OnError      = "error"
	OnAssertFail = "assertfail"
	OnException  = "exception"
	OnWatchdog   = "watchdog"
)

var triggers = []string{OnWarning, OnError, OnAssertFail, OnException, OnWatchdog}

const captureTimeout = 30 * time.Second

// Result values.
const (
	ResultPass     = "pass"
	ResultFail     = "fail"
	ResultBlocked  = "blocked"
	ResultWatchdog = "watchdog"
)

// Results is the record a finished test produces.
type Results struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	TestFile      string    `json:"test_file"`
	LogFile       string    `json:"log_file,omitempty"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Blocked       int       `json:"blocked"`
	Exceptions    int       `json:"exceptions"`
	FailedAsserts int       `json:"failed_asserts"`
	PassedAsserts int       `json:"passed_asserts"`
	Watchdog      int       `json:"watchdog"`
	Errors        int       `json:"errors"`
	Warnings      int       `json:"warnings"`
	IsRestart     bool      `json:"is_restart"`
	Result        string    `json:"result"`
}

// Passed reports whether the test counts as a pass.
func (r Results) Passed() bool { return r.Result == ResultPass }

// Option configures a Reporter.
type Option func(*Reporter)

// WithDir sets the results directory. The test log and any captured pages
// go there. Without it no log file is written.
func WithDir(dir string) Option {
	return func(r *Reporter) { r.dir = dir }
}

// WithHaltOnFailure makes errors, exceptions and failed asserts call the
// halt function set with SetHaltFunc.
func WithHaltOnFailure(on bool) Option {
	return func(r *Reporter) { r.haltOnFailure = on }
}

// WithSaveHTMLOn enables saving the page source on the named triggers.
// "all" enables every trigger.
func WithSaveHTMLOn(names ...string) Option {
	return func(r *Reporter) { r.saveHTMLOn = triggerSet(r.logger, "savehtml", names) }
}

// WithScreenshotOn enables screenshots on the named triggers.
func WithScreenshotOn(names ...string) Option {
	return func(r *Reporter) { r.screenshotOn = triggerSet(r.logger, "screenshot", names) }
}

// WithPageAsserter sets the asserter used by AssertPage.
func WithPageAsserter(pa *PageAsserter) Option {
	return func(r *Reporter) { r.asserter = pa }
}

// WithID sets the test and run IDs carried on every entry.
func WithID(id, runID string) Option {
	return func(r *Reporter) {
		r.id = id
		r.runID = runID
	}
}

// Reporter is the per-test results sink. It is safe for concurrent use: the
// worker and its supervisor both write to it.
type Reporter struct {
	logger *slog.Logger
	base   *slog.Logger
	file   *os.File
	dir    string
	test   string
	id     string
	runID  string

	haltOnFailure bool
	saveHTMLOn    map[string]bool
	screenshotOn  map[string]bool
	asserter      *PageAsserter

	mu      sync.Mutex
	res     Results
	drv     backend.Driver
	halt    func()
	htmlIdx int
	shotIdx int
	closed  bool

	lateOnce sync.Once
}

// New creates a Reporter for test. Entries go to logger's handler and,
// when a results directory is set, to a log file named after the test.
func New(logger *slog.Logger, test string, opts ...Option) (*Reporter, error) {
	r := &Reporter{
		logger:       logger,
		base:         logger,
		test:         test,
		saveHTMLOn:   map[string]bool{},
		screenshotOn: map[string]bool{},
	}
	for _, o := range opts {
		o(r)
	}

	handler := logger.Handler()
	if r.dir != "" {
		if err := os.MkdirAll(r.dir, 0o755); err != nil {
			return nil, fmt.Errorf("create results dir: %w", err)
		}
		now := time.Now()
		name := fmt.Sprintf("%s-%s-%03d.log", testBase(test), now.Format("01-02-2006-15-04-05"), now.Nanosecond()/1e6)
		path := filepath.Join(r.dir, name)
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("create report file: %w", err)
		}
		r.file = f
		r.res.LogFile = path
		handler = fanout{handler, slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})}
	}

	r.logger = slog.New(handler).With("component", "report", "test", test, "run_id", r.runID)
	r.res.ID = r.id
	r.res.RunID = r.runID
	r.res.TestFile = test
	r.res.Start = time.Now()
	if r.file != nil {
		r.logger.Info("report file", "path", r.res.LogFile)
	}
	return r, nil
}

func testBase(test string) string {
	base := filepath.Base(test)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func triggerSet(logger *slog.Logger, what string, names []string) map[string]bool {
	set := make(map[string]bool)
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		switch {
		case n == "":
		case n == "all":
			for _, t := range triggers {
				set[t] = true
			}
		case isTrigger(n):
			set[n] = true
		default:
			logger.Warn("unrecognized event in "+what+" list", "event", n)
		}
	}
	return set
}

func isTrigger(n string) bool {
	for _, t := range triggers {
		if t == n {
			return true
		}
	}
	return false
}

// SetDriver sets the browser used for page captures.
func (r *Reporter) SetDriver(drv backend.Driver) {
	r.mu.Lock()
	r.drv = drv
	r.mu.Unlock()
}

// SetHaltFunc sets the function called on failure when halt-on-failure is
// configured. The worker passes its stop request here.
func (r *Reporter) SetHaltFunc(fn func()) {
	r.mu.Lock()
	r.halt = fn
	r.mu.Unlock()
}

// SetRestart marks the test as run on a restarted browser.
func (r *Reporter) SetRestart(restart bool) {
	r.mu.Lock()
	r.res.IsRestart = restart
	r.mu.Unlock()
}

// SetBlocked marks the test as blocked.
func (r *Reporter) SetBlocked() {
	r.mu.Lock()
	r.res.Blocked = 1
	r.mu.Unlock()
}

// count applies fn to the results unless the reporter is closed. A worker
// abandoned after a watchdog may still report once its test has finished;
// those entries are dropped.
func (r *Reporter) count(fn func(*Results)) bool {
	r.mu.Lock()
	closed := r.closed
	if !closed {
		fn(&r.res)
	}
	r.mu.Unlock()
	if closed {
		r.lateOnce.Do(func() {
			r.base.Debug("reporter closed, dropping late entries", "test", r.test)
		})
	}
	return !closed
}

// Log records an informational entry.
func (r *Reporter) Log(msg string, args ...any) {
	if r.count(func(*Results) {}) {
		r.logger.Info(msg, args...)
	}
}

// Warn records a warning.
func (r *Reporter) Warn(msg string, args ...any) {
	if !r.count(func(res *Results) { res.Warnings++ }) {
		return
	}
	r.logger.Warn(msg, args...)
	r.capture(OnWarning)
}

// Error records an error. It counts against the test.
func (r *Reporter) Error(msg string, args ...any) {
	if !r.count(func(res *Results) { res.Errors++ }) {
		return
	}
	r.logger.Error(msg, args...)
	r.capture(OnError)
	r.maybeHalt()
}

// Exception records an unexpected failure, typically a browser error
// caught at an event boundary.
func (r *Reporter) Exception(msg string, err error) {
	if err == nil {
		err = errors.New("exception message is nil")
	}
	if msg == "" {
		msg = "exception"
	}
	if !r.count(func(res *Results) { res.Exceptions++ }) {
		return
	}
	r.logger.Error(msg, "err", strings.ReplaceAll(err.Error(), "\n", "  "), "exception", true)
	r.capture(OnException)
	r.maybeHalt()
}

// Assert compares actual with expected and records the outcome under msg.
func (r *Reporter) Assert(msg string, actual, expected bool) bool {
	ok := actual == expected
	r.recordAssert(ok, "Assert Passed: "+msg, "Assert Failed: "+msg)
	return ok
}

// AssertFind records whether search (literal or /regex/) occurs in src.
func (r *Reporter) AssertFind(search, src string) bool {
	found := NewTextFinder(search).Find(src)
	r.recordAssert(found,
		fmt.Sprintf("Assert Passed, found: '%s'.", search),
		fmt.Sprintf("Assert Failed for: '%s'!", search))
	return found
}

// AssertNotFind records whether search is absent from src.
func (r *Reporter) AssertNotFind(search, src string) bool {
	found := NewTextFinder(search).Find(src)
	r.recordAssert(!found,
		fmt.Sprintf("Assert Passed, did not find: '%s'!", search),
		fmt.Sprintf("Assert Failed, found unexpected text: '%s'.", search))
	return !found
}

func (r *Reporter) recordAssert(ok bool, passMsg, failMsg string) {
	if !r.count(func(res *Results) {
		if ok {
			res.PassedAsserts++
		} else {
			res.FailedAsserts++
		}
	}) {
		return
	}
	if ok {
		r.logger.Info(passMsg)
		return
	}
	r.logger.Error(failMsg)
	r.capture(OnAssertFail)
	r.maybeHalt()
}

// AssertPage runs the configured PageAsserter over page. Without an
// asserter it does nothing.
func (r *Reporter) AssertPage(page string, whitelist map[string]string) int {
	if r.asserter == nil {
		return 0
	}
	return r.asserter.Check(r, page, whitelist)
}

// HasPageAsserter reports whether AssertPage will check anything.
func (r *Reporter) HasPageAsserter() bool { return r.asserter != nil }

// Watchdog records that the test was stopped by the supervisor after d.
func (r *Reporter) Watchdog(d time.Duration) {
	if !r.count(func(res *Results) { res.Watchdog = 1 }) {
		return
	}
	r.logger.Error(fmt.Sprintf("Test watchdogged out after: '%d' seconds!", int64(d.Seconds())))
	r.capture(OnWatchdog)
}

func (r *Reporter) maybeHalt() {
	if !r.haltOnFailure {
		return
	}
	r.mu.Lock()
	halt := r.halt
	r.mu.Unlock()
	if halt != nil {
		r.logger.Error("error seen and halt on failure set, terminating")
		halt()
	}
}

func (r *Reporter) capture(trigger string) {
	if !r.saveHTMLOn[trigger] && !r.screenshotOn[trigger] {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), captureTimeout)
	defer cancel()
	if r.saveHTMLOn[trigger] {
		r.SavePage(ctx, "")
	}
	if r.screenshotOn[trigger] {
		r.Screenshot(ctx, "")
	}
}

func (r *Reporter) captureName(sub, kind, ext string) string {
	r.mu.Lock()
	var idx int
	if kind == "savedhtml" {
		idx = r.htmlIdx
		r.htmlIdx++
	} else {
		idx = r.shotIdx
		r.shotIdx++
	}
	r.mu.Unlock()
	dir := r.dir
	if dir == "" {
		dir = "."
	}
	dir = filepath.Join(dir, sub)
	return filepath.Join(dir, fmt.Sprintf("%s-%s-%d.%s", testBase(r.test), kind, idx, ext))
}

// SavePage writes the current page source to file, or to a numbered file
// under saved-html/ when file is empty. Failures are logged, not counted.
func (r *Reporter) SavePage(ctx context.Context, file string) {
	if !r.count(func(*Results) {}) {
		return
	}
	if file == "" {
		file = r.captureName("saved-html", "savedhtml", "html")
	}
	drv := r.driver()
	if drv == nil {
		r.logger.Warn("no browser to save HTML from")
		return
	}
	src, err := drv.PageSource(ctx)
	if err == nil {
		err = writeFile(file, strings.NewReader(src))
	}
	if err != nil {
		r.logger.Error("failed to save HTML", "file", file, "err", err)
		return
	}
	r.logger.Info("HTML saved", "file", file)
}

// Screenshot writes a PNG of the current page to file, or to a numbered
// file under screenshots/ when file is empty.
func (r *Reporter) Screenshot(ctx context.Context, file string) {
	if !r.count(func(*Results) {}) {
		return
	}
	if file == "" {
		file = r.captureName("screenshots", "screenshot", "png")
	}
	drv := r.driver()
	if drv == nil {
		r.logger.Warn("no browser to take a screenshot of")
		return
	}
	if _, err := os.Stat(file); err == nil {
		r.logger.Info("existing screenshot file will be overwritten", "file", file)
	}
	png, err := drv.Screenshot(ctx)
	if err == nil {
		err = writeFile(file, bytes.NewReader(png))
	}
	if err != nil {
		r.logger.Error("failed to take screenshot", "file", file, "err", err)
		return
	}
	r.logger.Info("screenshot saved", "file", file)
}

func (r *Reporter) driver() backend.Driver {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drv
}

func writeFile(path string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Results returns a snapshot of the results record.
func (r *Reporter) Results() Results {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.res
	switch {
	case res.Blocked > 0:
		res.Result = ResultBlocked
	case res.Watchdog > 0:
		res.Result = ResultWatchdog
	case res.Exceptions > 0 || res.FailedAsserts > 0 || res.Errors > 0:
		res.Result = ResultFail
	default:
		res.Result = ResultPass
	}
	return res
}

// Close stamps the end time and closes the log file. Entries made after
// Close are dropped. Safe to call multiple times.
func (r *Reporter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.res.End = time.Now()
	f := r.file
	r.file = nil
	r.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

// fanout sends every record to each handler that accepts its level.
type fanout []slog.Handler

func (h fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, x := range h {
		if x.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (h fanout) Handle(ctx context.Context, rec slog.Record) error {
	var errs []error
	for _, x := range h {
		if x.Enabled(ctx, rec.Level) {
			errs = append(errs, x.Handle(ctx, rec.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (h fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(h))
	for i, x := range h {
		out[i] = x.WithAttrs(attrs)
	}
	return out
}

func (h fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(h))
	for i, x := range h {
		out[i] = x.WithGroup(name)
	}
	return out
}
