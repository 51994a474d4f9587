package bus

import (
	"log/slog"
	"os"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOnAndUnsubscribe(t *testing.T) {
	b := New(testLogger())
	var got []string
	unsub := b.On(EventTestFinished, func(ev Event) { got = append(got, ev.Type) })

	b.Emit(Event{Type: EventTestFinished})
	b.Emit(Event{Type: EventTestStarted})
	unsub()
	b.Emit(Event{Type: EventTestFinished})

	if len(got) != 1 {
		t.Fatalf("calls = %d, want 1", len(got))
	}
}

func TestOnAllReceivesEverything(t *testing.T) {
	b := New(testLogger())
	n := 0
	b.OnAll(func(Event) { n++ })
	b.Emit(Event{Type: EventRunStarted})
	b.Emit(Event{Type: EventRunFinished})
	if n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestEmitStampsTime(t *testing.T) {
	b := New(testLogger())
	var ev Event
	b.OnAll(func(e Event) { ev = e })
	b.Emit(Event{Type: EventWatchdog})
	if ev.Time.IsZero() {
		t.Error("time not stamped")
	}
}

func TestPanickingHandlerRecovered(t *testing.T) {
	b := New(testLogger())
	called := false
	b.On(EventRunStarted, func(Event) { panic("boom") })
	b.OnAll(func(Event) { called = true })
	b.Emit(Event{Type: EventRunStarted})
	if !called {
		t.Error("second handler not called after panic")
	}
}
