// Package executor runs task entry points in interpreter subprocesses and
// records their lifecycle in the state store. It satisfies runner.ExecFunc,
// so the engine can hand work to it directly or through the worker pool.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/cli"
	"github.com/pkg/errors"

	"github.com/kaptenlabs/kapten/internal/colorcache"
	"github.com/kaptenlabs/kapten/internal/config"
	"github.com/kaptenlabs/kapten/internal/fingerprint"
	"github.com/kaptenlabs/kapten/internal/pipeline"
	"github.com/kaptenlabs/kapten/internal/process"
	"github.com/kaptenlabs/kapten/internal/runner"
	"github.com/kaptenlabs/kapten/internal/state"
	"github.com/kaptenlabs/kapten/internal/store"
	"github.com/kaptenlabs/kapten/internal/ui"
)

// TaskRunError reports a task subprocess that exited non-zero. Output holds
// the recorded stdout and stderr of the failed run.
type TaskRunError struct {
	Task     string
	Command  string
	ExitCode int
	Output   string
}

func (e *TaskRunError) Error() string {
	return fmt.Sprintf("task %s: %s exited (%d)", e.Task, e.Command, e.ExitCode)
}

// BundleError aggregates member failures from one sequential bundle. The
// members that succeeded before or after a failure keep their recorded
// subtask state; only the failed ones are carried here.
type BundleError struct {
	Task   string
	Failed int
	Total  int
	Err    *multierror.Error
}

func (e *BundleError) Error() string {
	return fmt.Sprintf("task %s: %d of %d bundled subtasks failed: %s", e.Task, e.Failed, e.Total, e.Err)
}

func (e *BundleError) Unwrap() error { return e.Err }

// Opts configures an Executor. Pipeline, Store, Hasher and Processes are
// required.
type Opts struct {
	Pipeline  *pipeline.Pipeline
	Store     store.Store
	Hasher    *fingerprint.Hasher
	Env       *config.Env
	Processes *process.Manager
	UI        cli.Ui
	// OutputsDir is the scratch directory task subprocesses run in. It must
	// match the hasher's outputs anchor or output fingerprints won't see
	// what the tasks wrote.
	OutputsDir string
	Logger     hclog.Logger
}

// Executor owns subprocess invocation: argument files, environment, output
// streaming and the store writes that bracket a run.
type Executor struct {
	pipeline   *pipeline.Pipeline
	store      store.Store
	hasher     *fingerprint.Hasher
	env        *config.Env
	processes  *process.Manager
	base       cli.Ui
	colors     *colorcache.ColorCache
	outputsDir string
	logger     hclog.Logger
}

func New(opts Opts) (*Executor, error) {
	if opts.Pipeline == nil || opts.Store == nil || opts.Hasher == nil || opts.Processes == nil {
		return nil, errors.New("executor needs a pipeline, a store, a hasher and a process manager")
	}
	if opts.OutputsDir == "" {
		return nil, errors.New("executor needs an outputs directory")
	}
	env := opts.Env
	if env == nil {
		env = &config.Env{}
	}
	base := opts.UI
	if base == nil {
		base = ui.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Executor{
		pipeline:   opts.Pipeline,
		store:      opts.Store,
		hasher:     opts.Hasher,
		env:        env,
		processes:  opts.Processes,
		base:       base,
		colors:     colorcache.New(),
		outputsDir: opts.OutputsDir,
		logger:     logger.Named("executor"),
	}, nil
}

// Execute satisfies runner.ExecFunc. A spec with subtasks is one fan-out
// unit (a single element, or a sequential bundle of them); without subtasks
// it is a plain task run.
func (e *Executor) Execute(ctx context.Context, spec runner.TaskSpec) (*runner.Outcome, error) {
	if spec.Task == nil {
		return nil, errors.New("executor: spec has no task")
	}
	if len(spec.Subtasks) > 0 {
		return e.runUnit(ctx, spec)
	}
	return e.runSingle(ctx, spec)
}

func (e *Executor) runSingle(ctx context.Context, spec runner.TaskSpec) (*runner.Outcome, error) {
	task := spec.Task
	if !spec.Subset {
		initial := &state.TaskState{
			PipelineName: spec.Pipeline,
			TaskName:     task.Name,
			StartTime:    state.NowUTC(),
			EcsTaskID:    RuntimeID(ctx, e.env.ECSMetadataURI, e.logger),
		}
		if err := e.store.CreateTask(ctx, spec.Pipeline, task.Name, initial, nil); err != nil {
			return nil, err
		}
	}

	kwargs := unwrapArgs(spec.Args)
	label := task.Name
	var result interface{}
	var err error
	if task.IsR() {
		err = e.invokeR(ctx, spec, label, task.Name, kwargs)
	} else {
		result, err = e.invokePython(ctx, spec, label, task.Name, kwargs)
	}
	if err != nil {
		e.reportFailure(label, err)
		return nil, err
	}

	outputsVersion, err := e.hasher.TaskOutputs(ctx, task.Outputs)
	if err != nil {
		return nil, err
	}

	end := store.TaskEnd{Subset: spec.Subset}
	outcome := &runner.Outcome{Result: result}
	if spec.Subset {
		if task.CachesResult() {
			end.Result = result
		}
	} else {
		status := state.StatusSuccess
		end.Status = &status
		outcome.Status = &status
		// An empty version means the task declares no outputs; leaving the
		// field unset keeps downstream input fingerprints from seeing it.
		if outputsVersion != nil && *outputsVersion != "" {
			end.OutputsVersion = outputsVersion
			outcome.OutputsVersion = outputsVersion
		}
		if result != nil && task.CachesResult() {
			hash, err := e.hasher.Object(result)
			if err != nil {
				return nil, err
			}
			end.Result = result
			end.ResultHash = &hash
			outcome.ResultHash = &hash
		}
	}
	if err := e.store.SetTaskEnded(ctx, spec.Pipeline, task.Name, end); err != nil {
		return nil, err
	}
	return outcome, nil
}

// runUnit executes the unit's subtasks in order. Members fail independently:
// a failure is recorded against its member and the bundle moves on, so a
// rerun only redispatches what never finished.
func (e *Executor) runUnit(ctx context.Context, spec runner.TaskSpec) (*runner.Outcome, error) {
	var results []interface{}
	if spec.Subset {
		results = make([]interface{}, 0, len(spec.Subtasks))
	}
	var merr *multierror.Error
	var firstErr error
	failed := 0
	for i := range spec.Subtasks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st := spec.Subtasks[i]
		res, err := e.runSubtask(ctx, spec, st)
		if err != nil {
			if errors.Is(err, process.ErrClosing) {
				return nil, err
			}
			var serr *store.StoreError
			if errors.As(err, &serr) {
				// Bookkeeping is broken; burning through the rest of the
				// bundle would run work the store can't record.
				return nil, err
			}
			if firstErr == nil {
				firstErr = err
			}
			failed++
			merr = multierror.Append(merr, errors.Wrapf(err, "subtask %s", st.Key))
			if spec.Subset {
				// Hold the member's slot so results stay aligned.
				results = append(results, nil)
			}
			continue
		}
		if spec.Subset {
			results = append(results, res)
		}
	}
	if failed > 0 {
		if len(spec.Subtasks) == 1 {
			return nil, firstErr
		}
		return nil, &BundleError{Task: spec.Task.Name, Failed: failed, Total: len(spec.Subtasks), Err: merr}
	}
	return &runner.Outcome{Result: results}, nil
}

func (e *Executor) runSubtask(ctx context.Context, spec runner.TaskSpec, st runner.SubtaskSpec) (interface{}, error) {
	task := spec.Task
	if !spec.Subset {
		if err := e.store.SetSubtaskStarted(ctx, spec.Pipeline, task.Name, st.Index); err != nil {
			return nil, err
		}
	}

	kwargs := unwrapArgs(spec.Args)
	for k, v := range st.Args {
		kwargs[k] = v
	}
	label := fmt.Sprintf("%s[%s]", task.Name, st.Key)
	logName := task.Name + "." + logSlug(st.Key)
	var result interface{}
	var err error
	if task.IsR() {
		err = e.invokeR(ctx, spec, label, logName, kwargs)
	} else {
		result, err = e.invokePython(ctx, spec, label, logName, kwargs)
	}
	if err != nil {
		e.reportFailure(label, err)
		return nil, err
	}

	env := placeholderEnv(kwargs)
	env["index"] = strconv.Itoa(st.Index)
	env["key"] = st.Key
	hash, err := e.hasher.SubtaskOutputs(ctx, task.Outputs, env)
	if err != nil {
		return nil, err
	}
	if spec.Subset {
		return result, nil
	}
	outputHash := ""
	if hash != nil {
		outputHash = *hash
	}
	if err := e.store.SetSubtaskEnded(ctx, spec.Pipeline, task.Name, st.Index, outputHash); err != nil {
		return nil, err
	}
	return result, nil
}

// reportFailure echoes a subprocess failure through the prefixed UI so it
// lands next to the task's own output.
func (e *Executor) reportFailure(label string, err error) {
	var runErr *TaskRunError
	if !errors.As(err, &runErr) {
		return
	}
	prefix := e.colors.PrefixWithColor(label, label)
	prefixed := &cli.PrefixedUi{
		Ui:           e.base,
		OutputPrefix: prefix,
		InfoPrefix:   prefix,
		ErrorPrefix:  prefix,
		WarnPrefix:   prefix,
	}
	prefixed.Error(fmt.Sprintf("command finished with error: %s", err))
}

// unwrapArgs strips fan-out markers and copies the map so per-element
// bindings never leak between subtasks of the same unit.
func unwrapArgs(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		if u, ok := v.(runner.Unmapped); ok {
			out[k] = u.Value
			continue
		}
		out[k] = v
	}
	return out
}

// placeholderEnv renders the scalar kwargs as strings for output pattern
// placeholders. Containers are skipped; a pattern can't address into them.
func placeholderEnv(kwargs map[string]interface{}) map[string]string {
	env := make(map[string]string, len(kwargs))
	for k, v := range kwargs {
		switch v.(type) {
		case string, bool, int, int64, float64, json.Number:
			env[k] = fmt.Sprintf("%v", v)
		}
	}
	return env
}
