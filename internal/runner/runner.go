// Package runner binds task dispatch to a runtime: bounded in-process
// execution for local runs, remote deployment submission when the pipeline
// is configured as a deployment flow.
package runner

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/kaptenlabs/kapten/internal/pipeline"
	"github.com/kaptenlabs/kapten/internal/state"
	"github.com/kaptenlabs/kapten/internal/util"
)

// TaskSpec is one dispatchable unit: a whole task, or one fan-out unit (a
// single subtask, or a bundle of subtasks executed sequentially).
type TaskSpec struct {
	Pipeline string
	Task     *pipeline.Task
	// Reason is the classification that caused the run; carried for logs
	// and deployment submission.
	Reason string
	// Args are the fully resolved keyword arguments for the task call.
	Args map[string]interface{}
	// Subtasks is empty for single tasks. One entry dispatches a single
	// fan-out element; several entries form a bundle.
	Subtasks []SubtaskSpec
	Subset   bool
	Tags     []string
}

// SubtaskSpec addresses one fan-out element by its stored index.
type SubtaskSpec struct {
	Index int
	Key   string
	// Args carry the per-element argument values bound under the map keys.
	Args map[string]interface{}
}

// Outcome is what a finished unit reports back. Nil pointer fields mean the
// unit had nothing to say for that slot.
type Outcome struct {
	Result         interface{}
	ResultHash     *string
	OutputsVersion *string
	Status         *state.Status
}

// Unmapped wraps an argument that is passed whole to every subtask instead
// of being fanned out element-wise.
type Unmapped struct {
	Value interface{}
}

// Future resolves to a unit's outcome.
type Future interface {
	Wait(ctx context.Context) (*Outcome, error)
}

// ExecFunc executes one unit synchronously. The executor provides it; the
// indirection keeps this package free of the executor's dependencies.
type ExecFunc func(ctx context.Context, spec TaskSpec) (*Outcome, error)

// Runner dispatches units.
type Runner interface {
	RunInline(ctx context.Context, spec TaskSpec) (Future, error)
	Map(ctx context.Context, specs []TaskSpec) ([]Future, error)
	RunDeployment(ctx context.Context, name string, params map[string]interface{}, jobVars map[string]string) error
}

// Opts configure a Binding.
type Opts struct {
	Exec        ExecFunc
	Concurrency int
	Deployments *DeploymentClient
	Logger      hclog.Logger
}

// Binding is the concrete Runner: inline units run on goroutines gated by a
// semaphore, deployments go through the API client.
type Binding struct {
	exec        ExecFunc
	sem         util.Semaphore
	deployments *DeploymentClient
	logger      hclog.Logger
}

func NewBinding(opts Opts) (*Binding, error) {
	if opts.Exec == nil {
		return nil, errors.New("runner: no exec function bound")
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Binding{
		exec:        opts.Exec,
		sem:         util.NewSemaphore(concurrency),
		deployments: opts.Deployments,
		logger:      logger.Named("runner"),
	}, nil
}

func (b *Binding) RunInline(ctx context.Context, spec TaskSpec) (Future, error) {
	if spec.Task == nil {
		return nil, errors.New("runner: spec carries no task")
	}
	return b.dispatch(ctx, spec), nil
}

func (b *Binding) Map(ctx context.Context, specs []TaskSpec) ([]Future, error) {
	futures := make([]Future, len(specs))
	for i := range specs {
		if specs[i].Task == nil {
			return nil, errors.Errorf("runner: spec %d carries no task", i)
		}
		futures[i] = b.dispatch(ctx, specs[i])
	}
	return futures, nil
}

func (b *Binding) RunDeployment(ctx context.Context, name string, params map[string]interface{}, jobVars map[string]string) error {
	if b.deployments == nil {
		return errors.New("runner: no deployment API configured (set apiurl in the user config or KAPTEN_API)")
	}
	return b.deployments.Run(ctx, name, params, jobVars)
}

func (b *Binding) dispatch(ctx context.Context, spec TaskSpec) *future {
	f := &future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		select {
		case b.sem <- struct{}{}:
			defer b.sem.Release()
		case <-ctx.Done():
			f.err = ctx.Err()
			return
		}
		b.logger.Debug("dispatching unit", "task", spec.Task.Name, "subtasks", len(spec.Subtasks))
		f.out, f.err = b.exec(ctx, spec)
	}()
	return f
}

// future settles exactly once, when the unit's goroutine finishes.
type future struct {
	done chan struct{}
	out  *Outcome
	err  error
}

func (f *future) Wait(ctx context.Context) (*Outcome, error) {
	select {
	case <-f.done:
		return f.out, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
