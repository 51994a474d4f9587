//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"voodoo-go/internal/bus"
	"voodoo-go/internal/report"
	"voodoo-go/internal/store"
)

// message is one MQTT publication.
type message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// testState is the payload of <prefix>/test/<name>/state.
type testState struct {
	State string `json:"state"`
	RunID string `json:"run_id"`
	ID    string `json:"id"`
}

// testTopicName returns the topic segment for a test file: the base name
// without extension, lowercased, with unsafe characters replaced.
func testTopicName(file string) string {
	name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	name = strings.ToLower(name)
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
	if name == "" {
		return "unnamed"
	}
	return name
}

// buildMessages maps a bus event to the messages it publishes. Unknown
// events and malformed payloads publish nothing.
func buildMessages(ev bus.Event, prefix string) []message {
	switch ev.Type {
	case bus.EventRunStarted, bus.EventRunFinished:
		run, ok := ev.Data.(store.Run)
		if !ok {
			return nil
		}
		msgs := []message{{Topic: prefix + "/run/state", Payload: mustJSON(run), Retained: true}}
		if ev.Type == bus.EventRunFinished {
			msgs = append(msgs, message{Topic: prefix + "/run/" + run.ID, Payload: mustJSON(run), Retained: true})
		}
		return msgs

	case bus.EventTestStarted:
		res, ok := ev.Data.(report.Results)
		if !ok {
			return nil
		}
		base := prefix + "/test/" + testTopicName(res.TestFile)
		return []message{{
			Topic:    base + "/state",
			Payload:  mustJSON(testState{State: "running", RunID: res.RunID, ID: res.ID}),
			Retained: true,
		}}

	case bus.EventTestFinished:
		res, ok := ev.Data.(report.Results)
		if !ok {
			return nil
		}
		base := prefix + "/test/" + testTopicName(res.TestFile)
		return []message{
			{Topic: base, Payload: mustJSON(res), Retained: true},
			{Topic: base + "/state", Payload: mustJSON(testState{State: res.Result, RunID: res.RunID, ID: res.ID}), Retained: true},
		}

	case bus.EventWatchdog:
		return []message{{Topic: prefix + "/watchdog", Payload: mustJSON(ev.Data)}}
	}
	return nil
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
