// Package engine is the task-state cache. Every submitted task is
// classified against its stored record; fresh state is replayed, anything
// else runs and ends in a finalized record.
package engine

import (
	"context"
	"fmt"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"github.com/pkg/errors"

	"github.com/kaptenlabs/kapten/internal/config"
	"github.com/kaptenlabs/kapten/internal/executor"
	"github.com/kaptenlabs/kapten/internal/fingerprint"
	"github.com/kaptenlabs/kapten/internal/mapdriver"
	"github.com/kaptenlabs/kapten/internal/pipeline"
	"github.com/kaptenlabs/kapten/internal/runner"
	"github.com/kaptenlabs/kapten/internal/spinner"
	"github.com/kaptenlabs/kapten/internal/state"
	"github.com/kaptenlabs/kapten/internal/store"
	"github.com/kaptenlabs/kapten/internal/ui"
)

// Opts wires a TaskStateCache. Pipeline, Graph, Store, Hasher, Exec,
// Runner and Driver are required; the rest defaults.
type Opts struct {
	Pipeline *pipeline.Pipeline
	// Graph names the dependency graph this run walks. Stored records are
	// scoped to it as their pipeline name.
	Graph    string
	Store    store.Store
	Hasher   *fingerprint.Hasher
	Exec     *executor.Executor
	Runner   runner.Runner
	Driver   *mapdriver.Driver
	Env      *config.Env
	UI       cli.Ui
	RunState *RunState
	Logger   hclog.Logger
}

// SubmitOpts modify one submission.
type SubmitOpts struct {
	// Params override resolved argument values by name.
	Params map[string]interface{}
	// IgnoreCache forces a run regardless of stored state.
	IgnoreCache bool
	// Subset restricts a mapped run to the named fan-out keys, isolated
	// from the full-run record.
	Subset []string
}

// TaskStateCache decides, per task, between replaying stored state and
// running, and owns the full-run finalization. One instance serves one
// flow run.
type TaskStateCache struct {
	pipeline *pipeline.Pipeline
	graph    string
	store    store.Store
	hasher   *fingerprint.Hasher
	exec     *executor.Executor
	runner   runner.Runner
	driver   *mapdriver.Driver
	env      *config.Env
	base     cli.Ui
	runState *RunState
	logger   hclog.Logger
}

func New(opts Opts) (*TaskStateCache, error) {
	if opts.Pipeline == nil || opts.Store == nil || opts.Hasher == nil {
		return nil, errors.New("engine needs a pipeline, a store and a hasher")
	}
	if opts.Exec == nil || opts.Runner == nil || opts.Driver == nil {
		return nil, errors.New("engine needs an executor, a runner and a map driver")
	}
	if _, err := opts.Pipeline.Graph(opts.Graph); err != nil {
		return nil, err
	}
	env := opts.Env
	if env == nil {
		env = &config.Env{}
	}
	base := opts.UI
	if base == nil {
		base = ui.Default()
	}
	runState := opts.RunState
	if runState == nil {
		runState = NewRunState(time.Now(), "", opts.Graph, nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &TaskStateCache{
		pipeline: opts.Pipeline,
		graph:    opts.Graph,
		store:    opts.Store,
		hasher:   opts.Hasher,
		exec:     opts.Exec,
		runner:   opts.Runner,
		driver:   opts.Driver,
		env:      env,
		base:     base,
		runState: runState,
		logger:   logger.Named("engine"),
	}, nil
}

// Submit runs one task through the cache: classify, then replay or run.
// The returned error is the task's own failure; replays never error.
func (e *TaskStateCache) Submit(ctx context.Context, taskName string, opts SubmitOpts) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	task, err := e.pipeline.Task(taskName)
	if err != nil {
		return err
	}
	trace := e.runState.StartTrace(taskName)
	defer trace.Finish()
	if err := e.submit(ctx, task, opts, trace); err != nil {
		trace.SetFailed(err)
		return err
	}
	return nil
}

func (e *TaskStateCache) submit(ctx context.Context, task *pipeline.Task, opts SubmitOpts, trace *Trace) error {
	subset := len(opts.Subset) > 0
	cached, err := e.store.GetTask(ctx, e.graph, task.Name, false, false)
	if err != nil {
		return err
	}
	fresh, err := e.freshness(ctx, task)
	if err != nil {
		return err
	}

	action, reason := decide(task, cached, fresh, opts)
	if action == actSkip {
		e.base.Output("Skipping task " + task.Name)
		trace.SetResult(TaskReplayed)
		return nil
	}
	trace.SetReason(reason)
	e.logger.Debug("cache miss", "task", task.Name, "reason", reason)
	e.base.Output(fmt.Sprintf("Running task %s: %s", task.Name, reason))

	// Resume keeps the stored record and its finished subtasks in place;
	// it only ever applies to fan-outs.
	resume := action == actResume && task.IsMapped()
	switch {
	case subset:
		if err := e.store.ClearSubsetData(ctx, e.graph, task.Name); err != nil {
			return err
		}
	case resume:
	default:
		if err := e.store.DeleteTask(ctx, e.graph, task.Name); err != nil {
			return err
		}
	}

	if e.deploys() {
		// The remote flow run executes and finalizes; this side only
		// observes the deployment.
		if err := e.launchDeployment(ctx, task, reason, opts); err != nil {
			return err
		}
		trace.SetResult(TaskExecuted)
		return nil
	}

	if err := e.runInline(ctx, task, reason, resume, opts); err != nil {
		return err
	}
	trace.SetResult(TaskExecuted)
	return nil
}

type action int

const (
	actRun action = iota
	actResume
	actSkip
)

// decide classifies one submission against the stored record. The first
// matching row wins. Reason strings are a log contract; don't reword them.
func decide(task *pipeline.Task, cached *state.TaskState, fresh *freshness, opts SubmitOpts) (action, string) {
	switch {
	case cached == nil:
		return actRun, "No cached state"
	case task.IgnoreCache || opts.IgnoreCache:
		return actRun, "ignore_cache is set"
	case len(opts.Subset) > 0:
		return actRun, "Subset mode"
	case cached.Status != nil && *cached.Status == state.StatusFailure:
		return actRun, "Task previously failed all subtasks"
	case differs(cached.RCodeVersion(), fresh.rVersion()):
		return actRun, "R code changed"
	case differs(cached.PyCodeVersion(), fresh.pyVersion()):
		return actRun, "Python code changed"
	case differs(cached.InputsVersion(), fresh.inputsVersion()):
		return actRun, "Inputs changed"
	case differs(cached.InputDataVersion(), fresh.dataVersion()):
		return actRun, "Data changed"
	case cached.Status != nil && *cached.Status == state.StatusIncomplete:
		return actResume, "INCOMPLETE"
	case cached.Status == nil || *cached.Status != state.StatusSuccess:
		return actRun, "Not finished"
	}
	return actSkip, ""
}

// differs treats an empty cached version as unknown, never as a mismatch.
func differs(cached, fresh string) bool {
	return cached != "" && cached != fresh
}

// freshness holds the fingerprints a submission is judged against,
// computed from the live tree and the deps' current stored records.
type freshness struct {
	pyCode    map[string]string
	rCode     map[string]string
	inputs    map[string]string
	inputData map[string]string
}

func (f *freshness) pyVersion() string     { return state.MapVersion(f.pyCode) }
func (f *freshness) rVersion() string      { return state.MapVersion(f.rCode) }
func (f *freshness) inputsVersion() string { return state.MapVersion(f.inputs) }
func (f *freshness) dataVersion() string   { return state.MapVersion(f.inputData) }

func (e *TaskStateCache) freshness(ctx context.Context, task *pipeline.Task) (*freshness, error) {
	f := &freshness{
		inputs:    map[string]string{},
		inputData: map[string]string{},
	}
	var err error
	if task.IsR() {
		f.rCode, err = e.hasher.R(task.Name, task.RScript)
	} else {
		f.pyCode, err = e.hasher.Python(task.Name, task.PyFileName())
	}
	if err != nil {
		return nil, err
	}
	deps, err := e.pipeline.Dependencies(e.graph, task.Name)
	if err != nil {
		return nil, err
	}
	for _, dep := range deps {
		depState, err := e.store.GetTask(ctx, e.graph, dep, false, false)
		if err != nil {
			return nil, err
		}
		if depState == nil {
			// A dep that never ran contributes nothing; missing is not
			// a mismatch.
			continue
		}
		if v := depState.OutputsVersion; v != nil && *v != "" {
			f.inputs[dep] = *v
		}
		if v := depState.OutputDataVersion; v != nil && *v != "" {
			f.inputData[dep] = *v
		}
	}
	return f, nil
}

func (e *TaskStateCache) deploys() bool {
	return e.pipeline.Settings.FlowType == "deployment" && !e.env.DeployAsInlineSubflows
}

func (e *TaskStateCache) launchDeployment(ctx context.Context, task *pipeline.Task, reason string, opts SubmitOpts) error {
	flow := task.MainFlow
	if flow == "" {
		flow = e.graph
	}
	params := map[string]interface{}{
		"task_name": task.Name,
		"reason":    reason,
	}
	if len(opts.Params) > 0 {
		params["parameters"] = opts.Params
	}
	if len(opts.Subset) > 0 {
		params["subset"] = opts.Subset
	}
	if len(task.Tags) > 0 {
		params["tags"] = task.Tags
	}
	if task.DaskWorker != "" {
		params["dask_worker"] = task.DaskWorker
	}
	name := e.graph + "/" + flow
	var err error
	werr := spinner.WaitFor(ctx, func() {
		err = e.runner.RunDeployment(ctx, name, params, task.AwsVars)
	}, e.base, fmt.Sprintf("...waiting for deployment %s...", name), 5*time.Second)
	if werr != nil {
		return werr
	}
	return err
}

func (e *TaskStateCache) runInline(ctx context.Context, task *pipeline.Task, reason string, resume bool, opts SubmitOpts) error {
	subset := len(opts.Subset) > 0
	resolved, err := e.exec.ResolveArgs(ctx, e.graph, task, opts.Params, subset)
	if err != nil {
		return err
	}

	if task.IsMapped() {
		res, err := e.driver.Run(ctx, e.graph, task, resolved, mapdriver.RunOpts{
			Resume: resume,
			Subset: opts.Subset,
			Reason: reason,
		})
		if err != nil {
			return err
		}
		if !subset && (res.Status == state.StatusSuccess || res.Status == state.StatusIncomplete) {
			if err := e.finalize(ctx, task, res.Status); err != nil {
				return err
			}
		}
		if res.Err != nil {
			return errors.Wrapf(res.Err, "task %s: %d of %d subtasks failed", task.Name, res.Failed, res.Total)
		}
		return nil
	}

	fut, err := e.runner.RunInline(ctx, runner.TaskSpec{
		Pipeline: e.graph,
		Task:     task,
		Reason:   reason,
		Args:     resolved,
		Subset:   subset,
		Tags:     task.Tags,
	})
	if err != nil {
		return err
	}
	if _, err := fut.Wait(ctx); err != nil {
		return err
	}
	if subset {
		// Subset runs never touch the full-run fingerprints.
		return nil
	}
	return e.finalize(ctx, task, state.StatusSuccess)
}

// finalize recomputes every fingerprint from scratch before writing it.
// Submission-time hashes may be stale by the time the task ends, and on
// the deployment path the finalizer runs in a different process entirely.
func (e *TaskStateCache) finalize(ctx context.Context, task *pipeline.Task, status state.Status) error {
	fresh, err := e.freshness(ctx, task)
	if err != nil {
		return err
	}
	upd := store.TaskUpdate{
		Status:          &status,
		InputHashes:     fresh.inputs,
		InputDataHashes: fresh.inputData,
	}
	if task.IsR() {
		upd.RCodeHashes = fresh.rCode
	} else {
		upd.PyCodeHashes = fresh.pyCode
	}
	return e.store.UpdateTask(ctx, e.graph, task.Name, upd)
}
