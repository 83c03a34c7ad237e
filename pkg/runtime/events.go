package runtime

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/raulk/clock"
	"github.com/rs/zerolog/log"
)

// Event is a lifecycle event on the run event stream. Exactly one member is
// populated; the JSON key doubles as the event type discriminator, which is
// what keeps event payloads structurally distinct from the other publish
// payload shapes.
type Event struct {
	StartEvent      *StartEvent   `json:"start_event,omitempty"`
	MessageEvent    *MessageEvent `json:"message_event,omitempty"`
	SuccessEvent    *SuccessEvent `json:"success_event,omitempty"`
	FailureEvent    *FailureEvent `json:"failure_event,omitempty"`
	CrashEvent      *CrashEvent   `json:"crash_event,omitempty"`
	StageStartEvent *StageEvent   `json:"stage_start_event,omitempty"`
	StageEndEvent   *StageEvent   `json:"stage_end_event,omitempty"`
}

type StartEvent struct {
	RunEnv string `json:"runenv"`
}

type MessageEvent struct {
	Message string `json:"message"`
}

type SuccessEvent struct {
	Groups string `json:"groups"`
}

type FailureEvent struct {
	Groups string `json:"groups"`
	Error  string `json:"error"`
}

type CrashEvent struct {
	Groups     string `json:"groups"`
	Error      string `json:"error"`
	Stacktrace string `json:"stacktrace"`
}

type StageEvent struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

func NewStartEvent(runenv string) *Event {
	return &Event{StartEvent: &StartEvent{RunEnv: runenv}}
}

func NewMessageEvent(message string) *Event {
	return &Event{MessageEvent: &MessageEvent{Message: message}}
}

func NewSuccessEvent(group string) *Event {
	return &Event{SuccessEvent: &SuccessEvent{Groups: group}}
}

func NewFailureEvent(group, error string) *Event {
	return &Event{FailureEvent: &FailureEvent{Groups: group, Error: error}}
}

func NewCrashEvent(group, error, stacktrace string) *Event {
	return &Event{CrashEvent: &CrashEvent{Groups: group, Error: error, Stacktrace: stacktrace}}
}

func NewStageStartEvent(name, group string) *Event {
	return &Event{StageStartEvent: &StageEvent{Name: name, Group: group}}
}

func NewStageEndEvent(name, group string) *Event {
	return &Event{StageEndEvent: &StageEvent{Name: name, Group: group}}
}

// Type returns the wire discriminator of the populated member, or "" for a
// zero Event.
func (e *Event) Type() string {
	switch {
	case e.StartEvent != nil:
		return "start_event"
	case e.MessageEvent != nil:
		return "message_event"
	case e.SuccessEvent != nil:
		return "success_event"
	case e.FailureEvent != nil:
		return "failure_event"
	case e.CrashEvent != nil:
		return "crash_event"
	case e.StageStartEvent != nil:
		return "stage_start_event"
	case e.StageEndEvent != nil:
		return "stage_end_event"
	}
	return ""
}

type eventLine struct {
	Ts    int64  `json:"ts"`
	Event *Event `json:"event"`
}

// EventEmitter mirrors run events to the process stdout, one JSON object per
// line, and appends the same lines to <outputs>/run.out when an outputs path
// is configured. Both channels are best-effort: write failures are logged to
// stderr and otherwise ignored.
type EventEmitter struct {
	clk    clock.Clock
	stdout io.Writer

	mu       sync.Mutex
	path     string // "" disables the result log
	file     io.WriteCloser
	fileDead bool
}

// NewEventEmitter creates an emitter for the given run. The result log file
// is created lazily on first write.
func NewEventEmitter(rp *RunParams) *EventEmitter {
	e := &EventEmitter{
		clk:    clock.New(),
		stdout: os.Stdout,
	}
	if rp.TestOutputsPath != "" {
		e.path = filepath.Join(rp.TestOutputsPath, "run.out")
	}
	return e
}

// Emit writes the event to both side channels.
func (e *EventEmitter) Emit(ev *Event) {
	line, err := json.Marshal(eventLine{Ts: e.clk.Now().UnixNano(), Event: ev})
	if err != nil {
		log.Error().Err(err).Msg("failed to encode run event")
		return
	}
	line = append(line, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.stdout.Write(line); err != nil {
		log.Warn().Err(err).Msg("failed to write run event to stdout")
	}

	if e.path == "" || e.fileDead {
		return
	}
	if e.file == nil {
		f, err := os.OpenFile(e.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			log.Warn().Err(err).Str("path", e.path).Msg("failed to open result log")
			e.fileDead = true
			return
		}
		e.file = f
	}
	if _, err := e.file.Write(line); err != nil {
		log.Warn().Err(err).Str("path", e.path).Msg("failed to append to result log")
	}
}

func (e *EventEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil {
		return nil
	}
	f := e.file
	e.file = nil
	e.fileDead = true
	return f.Close()
}
