package runtime

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"
)

func TestEventHasExactlyOneMember(t *testing.T) {
	events := map[string]*Event{
		"message_event":     NewMessageEvent("hello"),
		"success_event":     NewSuccessEvent("g"),
		"failure_event":     NewFailureEvent("g", "boom"),
		"crash_event":       NewCrashEvent("g", "boom", "stack"),
		"stage_start_event": NewStageStartEvent("warmup", "g"),
		"stage_end_event":   NewStageEndEvent("warmup", "g"),
	}

	for want, ev := range events {
		require.Equal(t, want, ev.Type())

		data, err := json.Marshal(ev)
		require.NoError(t, err)

		var m map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(data, &m))
		require.Len(t, m, 1, "event %s must serialize a single member", want)
		require.Contains(t, m, want)
	}
}

func TestEmitterWritesTimestampedLines(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(5 * time.Second)

	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "run.out")
	e := &EventEmitter{clk: mock, stdout: &buf, path: path}

	e.Emit(NewMessageEvent("one"))
	mock.Add(time.Second)
	e.Emit(NewSuccessEvent("single"))
	require.NoError(t, e.Close())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var first struct {
		Ts    int64 `json:"ts"`
		Event Event `json:"event"`
	}
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.EqualValues(t, 5*time.Second, first.Ts)
	require.Equal(t, "one", first.Event.MessageEvent.Message)

	// the result log carries the same lines.
	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, buf.Bytes(), onDisk)
}

func TestEmitterSurvivesUnwritableResultLog(t *testing.T) {
	mock := clock.NewMock()

	var buf bytes.Buffer
	e := &EventEmitter{clk: mock, stdout: &buf, path: filepath.Join(t.TempDir(), "missing", "run.out")}

	e.Emit(NewMessageEvent("still works"))
	e.Emit(NewMessageEvent("and again"))
	require.NoError(t, e.Close())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
}
