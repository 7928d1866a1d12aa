package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mitchellh/cli"
	"github.com/segmentio/ksuid"

	"github.com/kaptenlabs/kapten/internal/chrometracing"
	"github.com/kaptenlabs/kapten/internal/ui"
	"github.com/kaptenlabs/kapten/internal/util"
)

// TaskResult is the terminal state of one submitted task.
type TaskResult int

const (
	// TaskRunning is the zero state between StartTrace and Finish.
	TaskRunning TaskResult = iota
	// TaskExecuted means the task ran to completion in this flow run.
	TaskExecuted
	// TaskReplayed means the stored state was fresh and the run was skipped.
	TaskReplayed
	// TaskFailed means the task ran and did not complete.
	TaskFailed
)

func (t TaskResult) String() string {
	switch t {
	case TaskRunning:
		return "running"
	case TaskExecuted:
		return "executed"
	case TaskReplayed:
		return "replayed"
	case TaskFailed:
		return "failed"
	default:
		panic(fmt.Sprintf("unknown task result: %v", int(t)))
	}
}

type taskTiming struct {
	startAt time.Time

	duration time.Duration
	// task which has just changed
	task string
	// Its terminal state
	result TaskResult
	// Classification that caused the run, empty for replays
	reason string
	// Error, only populated for failures
	err error
}

// RunState collects information over the course of a flow run to produce
// the closing summary and, when asked, a per-run JSON report.
type RunState struct {
	sessionID ksuid.KSUID
	mu        sync.Mutex
	state     map[string]*taskTiming
	graph     string
	targets   []string
	success   int
	failure   int
	cached    int
	attempted int

	startedAt time.Time
}

// NewRunState creates a RunState for tracking events during the course of
// a run. A non-empty profile turns chrome tracing on for the process; the
// working trace file lives in the system temp dir until Close copies it to
// the profile destination.
func NewRunState(startedAt time.Time, profile, graph string, targets []string) *RunState {
	if profile != "" {
		chrometracing.Start(os.TempDir())
	}
	return &RunState{
		sessionID: ksuid.New(),
		graph:     graph,
		targets:   targets,
		success:   0,
		failure:   0,
		cached:    0,
		attempted: 0,
		state:     make(map[string]*taskTiming),

		startedAt: startedAt,
	}
}

// Trace is a handle given to a single task submission so it can record
// events.
type Trace struct {
	runState    *RunState
	chromeEvent *chrometracing.PendingEvent
	timing      *taskTiming
}

// SetResult marks the outcome for this task.
func (t *Trace) SetResult(result TaskResult) {
	t.timing.result = result
}

// SetFailed marks this task as failed with the given error.
func (t *Trace) SetFailed(err error) {
	t.timing.err = err
	t.timing.result = TaskFailed
}

// SetReason records the cache-miss classification for this task.
func (t *Trace) SetReason(reason string) {
	t.timing.reason = reason
}

// Finish records this task as being finished with whatever outcome was set.
func (t *Trace) Finish() {
	t.chromeEvent.Done()
	t.timing.duration = time.Since(t.timing.startAt)
	t.runState.add(t.timing)
}

// StartTrace returns a handle to track events for a given task.
func (r *RunState) StartTrace(task string) *Trace {
	return &Trace{
		runState: r,
		timing: &taskTiming{
			startAt: time.Now(),
			task:    task,
			result:  TaskRunning,
		},
		chromeEvent: chrometracing.Event(task),
	}
}

func (r *RunState) add(timing *taskTiming) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state[timing.task] = timing
	switch timing.result {
	case TaskFailed:
		r.failure++
		r.attempted++
	case TaskReplayed:
		r.cached++
		r.attempted++
	case TaskExecuted:
		r.success++
		r.attempted++
	default:
	}
}

// Close finishes the trace of a flow run. The tracing profile is written
// when enabled, the JSON report goes under runsDir when one is given, and
// the run stats land on the terminal.
func (r *RunState) Close(terminal cli.Ui, profile, runsDir string) error {
	endedAt := time.Now()
	if err := writeChrometracing(profile, terminal); err != nil {
		terminal.Error(fmt.Sprintf("Error writing tracing data: %v", err))
	}

	if runsDir != "" {
		if err := r.writeReport(runsDir, endedAt); err != nil {
			terminal.Error(fmt.Sprintf("Error writing run report: %v", err))
		}
	}

	maybeFullCache := ""
	if r.cached == r.attempted && r.attempted > 0 {
		maybeFullCache = ui.Rainbow(">>> FULL CACHE")
	}
	terminal.Output("") // Clear the line
	terminal.Output(util.Sprintf("${BOLD} Tasks:${BOLD_GREEN}    %v successful${RESET}${GREY}, %v total${RESET}", r.cached+r.success, r.attempted))
	terminal.Output(util.Sprintf("${BOLD}Cached:    %v replayed${RESET}${GREY}, %v total${RESET}", r.cached, r.attempted))
	terminal.Output(util.Sprintf("${BOLD}  Time:    %v${RESET} %v${RESET}", endedAt.Sub(r.startedAt).Truncate(time.Millisecond), maybeFullCache))
	terminal.Output("")
	return nil
}

func (r *RunState) writeReport(runsDir string, endedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return err
	}
	report := make(map[string]interface{})
	report["sessionId"] = r.sessionID.String()
	report["startedAt"] = r.startedAt.UnixMilli()
	report["endedAt"] = endedAt.UnixMilli()
	report["graph"] = r.graph
	report["targets"] = r.targets
	report["durationMs"] = endedAt.Sub(r.startedAt).Milliseconds()
	tasks := make(map[string]interface{})
	for task, timing := range r.state {
		entry := make(map[string]interface{})
		entry["startedAt"] = timing.startAt.UnixMilli()
		entry["endedAt"] = timing.startAt.Add(timing.duration).UnixMilli()
		entry["durationMs"] = timing.duration.Milliseconds()
		entry["status"] = timing.result.String()
		if timing.reason != "" {
			entry["reason"] = timing.reason
		}
		if timing.err != nil {
			entry["error"] = timing.err.Error()
		}
		tasks[task] = entry
	}
	report["tasks"] = tasks
	bytes, err := json.MarshalIndent(report, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(runsDir, r.sessionID.String()+".json"), bytes, 0o644)
}

func writeChrometracing(filename string, terminal cli.Ui) error {
	outputPath := chrometracing.Path()
	if outputPath == "" {
		// tracing wasn't enabled
		return nil
	}

	name := fmt.Sprintf("kapten-%s.trace", time.Now().Format(time.RFC3339))
	if filename != "" {
		name = filename
	}
	if err := chrometracing.Close(); err != nil {
		terminal.Warn(fmt.Sprintf("Failed to flush tracing data: %v", err))
	}
	return copyFile(outputPath, name)
}

func copyFile(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(to)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
