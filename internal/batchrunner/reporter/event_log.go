package reporter

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// Instance ids used for events that do not belong to a single instance.
const (
	MasterInstanceId    = "<master>"
	RecruiterInstanceId = "<recruitInstances>"
)

// Event types.
const (
	TypeOperation  = "operation"
	TypeFrameState = "frameState"
	TypeStdout     = "stdout"
	TypeStderr     = "stderr"
)

// Operations recorded in the event log.
const (
	OpStarting              = "starting"
	OpLaunchInstances       = "launchInstances"
	OpConnect               = "connect"
	OpCommand               = "command"
	OpReturnCode            = "returncode"
	OpTimeout               = "timeout"
	OpTerminateBad          = "terminateBad"
	OpTerminateFailedWorker = "terminateFailedWorker"
	OpTerminateExcessWorker = "terminateExcessWorker"
	OpTerminateFinal        = "terminateFinal"
	OpParallelRender        = "parallelRender"
	OpFinished              = "finished"
)

// Frame number used for frameState events about the common input upload rather than a frame.
const CommonInFileFrameNum = -1

// The timestamp layout of every event.
const DateTimeLayout = "2006-01-02T15:04:05.000000-07:00"

// Field order matches sorted keys, so every line is stable for downstream tools.
type eventRecord struct {
	Args       interface{} `json:"args"`
	DateTime   string      `json:"dateTime"`
	InstanceId string      `json:"instanceId"`
	Type       string      `json:"type"`
}

// FrameStateArgs are the args of a frameState event.
type FrameStateArgs struct {
	FrameNum int    `json:"frameNum"`
	Rc       int    `json:"rc"`
	State    string `json:"state"`
}

// Event is a single decoded event log line.
type Event struct {
	Args       json.RawMessage `json:"args"`
	DateTime   string          `json:"dateTime"`
	InstanceId string          `json:"instanceId"`
	Type       string          `json:"type"`
}

// FrameState decodes the args of a frameState event.
func (e Event) FrameState() (FrameStateArgs, bool) {
	var args FrameStateArgs
	if e.Type != TypeFrameState {
		return args, false
	}
	if err := json.Unmarshal(e.Args, &args); err != nil {
		return args, false
	}
	return args, true
}

// Operation decodes the args of an operation event.
func (e Event) Operation() (map[string]interface{}, bool) {
	if e.Type != TypeOperation {
		return nil, false
	}
	var args map[string]interface{}
	if err := json.Unmarshal(e.Args, &args); err != nil {
		return nil, false
	}
	return args, true
}

// EventLog is the append-only JSONL audit record of a run.
// Appends are serialized and flushed one line at a time, so it is safe for concurrent use.
// Write failures are logged and otherwise ignored; the log never aborts a run.
type EventLog struct {
	out    io.Writer
	closer io.Closer
	clock  clock.PassiveClock
	mu     sync.Mutex
}

// OpenEventLog opens path for appending, creating it and its directory if needed.
func OpenEventLog(path string, clock clock.PassiveClock) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening event log %s", path)
	}
	return &EventLog{out: f, closer: f, clock: clock}, nil
}

func NewEventLog(out io.Writer, clock clock.PassiveClock) *EventLog {
	return &EventLog{out: out, clock: clock}
}

// Operation records an operation; the args of the event are {op: value}.
func (l *EventLog) Operation(instanceId string, op string, value interface{}) {
	l.append(TypeOperation, instanceId, map[string]interface{}{op: value})
}

func (l *EventLog) FrameState(instanceId string, frameNum int, state string, rc int) {
	l.append(TypeFrameState, instanceId, FrameStateArgs{FrameNum: frameNum, Rc: rc, State: state})
}

func (l *EventLog) Stdout(instanceId string, line string) {
	l.append(TypeStdout, instanceId, line)
}

func (l *EventLog) Stderr(instanceId string, line string) {
	l.append(TypeStderr, instanceId, line)
}

func (l *EventLog) append(eventType string, instanceId string, args interface{}) {
	record := eventRecord{
		Args:       args,
		DateTime:   l.clock.Now().UTC().Format(DateTimeLayout),
		InstanceId: instanceId,
		Type:       eventType,
	}
	buf := &bytes.Buffer{}
	encoder := json.NewEncoder(buf)
	// Sentinel ids such as <master> are written as is.
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(record); err != nil {
		log.WithError(err).Warnf("could not encode %s event for %s", eventType, instanceId)
		return
	}
	line := buf.Bytes()

	l.mu.Lock()
	defer l.mu.Unlock()
	// One unbuffered write per line, so nothing is held back if the process dies.
	if _, err := l.out.Write(line); err != nil {
		log.WithError(err).Warnf("could not append %s event for %s", eventType, instanceId)
	}
}

func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// ReadEvents decodes every line of an event log.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening event log %s", path)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, errors.Wrapf(err, "error parsing event log line %d", lineNo)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "error reading event log %s", path)
	}
	return events, nil
}

// LastFrameStates returns the last recorded state of every frame mentioned in events.
// The common input upload pseudo-frame is excluded.
func LastFrameStates(events []Event) map[int]string {
	states := map[int]string{}
	for _, event := range events {
		args, ok := event.FrameState()
		if !ok || args.FrameNum == CommonInFileFrameNum {
			continue
		}
		states[args.FrameNum] = args.State
	}
	return states
}
