// Package chrometracing writes a per-run Chrome trace_event file that can
// be loaded into chrome://tracing or https://ui.perfetto.dev. The event
// types come from github.com/google/chrometracing; the writer is kapten's
// own: tracing stays off until the run asks for a profile, and Close
// terminates the JSON array so the file parses without recovery.
package chrometracing

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/chrometracing/traceinternal"
)

var pid = uint64(os.Getpid())

var trace struct {
	mu    sync.Mutex
	file  *os.File
	path  string
	start time.Time
}

const (
	spanBegin = "B"
	spanEnd   = "E"
)

// Start opens the trace file under dir and begins the event stream. A
// second Start is a no-op; a failed open disables tracing and the run
// proceeds without it.
func Start(dir string) {
	trace.mu.Lock()
	defer trace.mu.Unlock()
	if trace.file != nil {
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("kapten.%d.trace", pid))
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "continuing without tracing: %v\n", err)
		return
	}
	// The file holds one JSON array. The terminator is written by Close;
	// the viewer tolerates a missing ']', so a run cut short still loads.
	if _, err := file.Write([]byte{'['}); err != nil {
		fmt.Fprintf(os.Stderr, "continuing without tracing: %v\n", err)
		return
	}
	trace.file = file
	trace.path = path
	trace.start = time.Now()
	emitLocked(&traceinternal.ViewerEvent{
		Name:  "process_name",
		Phase: "M",
		Pid:   pid,
		Tid:   pid,
		Arg: struct {
			Name string `json:"name"`
		}{
			Name: strings.Join(os.Args, " "),
		},
	})
}

// Path returns the trace file location for log lines. It is empty until
// Start succeeds and survives Close so the file can be copied afterwards.
func Path() string {
	trace.mu.Lock()
	defer trace.mu.Unlock()
	return trace.path
}

// A PendingEvent is an open span. Done writes the closing half.
type PendingEvent struct {
	name string
	tid  uint64
}

// Event opens a span covering one unit of work:
//
//	span := chrometracing.Event("score")
//	defer span.Done()
//
// Event is a no-op until Start has opened the trace file.
func Event(name string) *PendingEvent {
	trace.mu.Lock()
	if trace.file == nil {
		trace.mu.Unlock()
		return &PendingEvent{}
	}
	trace.mu.Unlock()
	lane := lanes.acquire()
	emit(&traceinternal.ViewerEvent{
		Name:  name,
		Phase: spanBegin,
		Pid:   pid,
		Tid:   lane,
	})
	return &PendingEvent{name: name, tid: lane}
}

// Done closes the span and hands its viewer lane back.
func (pe *PendingEvent) Done() {
	if pe == nil || pe.name == "" {
		return
	}
	emit(&traceinternal.ViewerEvent{
		Name:  pe.name,
		Phase: spanEnd,
		Pid:   pid,
		Tid:   pe.tid,
	})
	lanes.release(pe.tid)
}

// Close terminates the event array and closes the trace file. Close after
// Close, or without Start, is a no-op.
func Close() error {
	trace.mu.Lock()
	defer trace.mu.Unlock()
	if trace.file == nil {
		return nil
	}
	file := trace.file
	trace.file = nil
	// The stream always ends with ",\n"; back over the comma so the
	// terminator lands as "]\n".
	if _, err := file.Seek(-2, io.SeekCurrent); err != nil {
		return err
	}
	if _, err := file.Write([]byte{']'}); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		return err
	}
	return file.Close()
}

// emit stamps the event against the trace start and appends it. Events
// arriving after Close are dropped.
func emit(ev *traceinternal.ViewerEvent) {
	trace.mu.Lock()
	defer trace.mu.Unlock()
	if trace.file == nil {
		return
	}
	ev.Time = float64(time.Since(trace.start).Microseconds())
	emitLocked(ev)
}

func emitLocked(ev *traceinternal.ViewerEvent) {
	encoded, err := json.Marshal(ev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return
	}
	if _, err := trace.file.Write(encoded); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return
	}
	if _, err := trace.file.Write([]byte{',', '\n'}); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}
}

// lanes maps concurrent spans onto chrome://tracing thread ids. Goroutine
// ids are not exposed, so each span takes the lowest free lane and gives
// it back on Done; concurrent tasks render side by side in the viewer.
var lanes lanePool

type lanePool struct {
	mu   sync.Mutex
	busy []bool
}

func (l *lanePool) acquire() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	for lane, taken := range l.busy {
		if !taken {
			l.busy[lane] = true
			return uint64(lane)
		}
	}
	l.busy = append(l.busy, true)
	return uint64(len(l.busy) - 1)
}

func (l *lanePool) release(lane uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.busy[lane] = false
}
