// Package mapdriver fans a mapped task out over its element vectors,
// persists per-element progress and folds the members back into one
// task-level status. It sits between the engine's freshness decision and
// the executor's subprocess work.
package mapdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/kaptenlabs/kapten/internal/executor"
	"github.com/kaptenlabs/kapten/internal/pipeline"
	"github.com/kaptenlabs/kapten/internal/process"
	"github.com/kaptenlabs/kapten/internal/runner"
	"github.com/kaptenlabs/kapten/internal/state"
	"github.com/kaptenlabs/kapten/internal/store"
)

// Opts configures a Driver. Store and Runner are required.
type Opts struct {
	Store  store.Store
	Runner runner.Runner
	// RuntimeID goes on the initial record of every fresh fan-out.
	RuntimeID string
	Logger    hclog.Logger
}

// RunOpts select how one fan-out reconciles with stored state.
type RunOpts struct {
	// Resume reuses the stored subtask list and dispatches only the members
	// that never finished.
	Resume bool
	// Subset restricts the run to the named element keys and keeps every
	// write away from the full-run record.
	Subset []string
	Reason string
}

// Result is the folded outcome of one fan-out. Err aggregates member
// failures; infrastructure failures come back as the Run error instead.
type Result struct {
	Status state.Status
	Total  int
	Failed int
	Err    error
}

// Driver owns mapped execution: element derivation, bundling, waves,
// per-member persistence and the final rollup.
type Driver struct {
	store     store.Store
	runner    runner.Runner
	runtimeID string
	logger    hclog.Logger
}

func New(opts Opts) (*Driver, error) {
	if opts.Store == nil || opts.Runner == nil {
		return nil, errors.New("map driver needs a store and a runner")
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Driver{
		store:     opts.Store,
		runner:    opts.Runner,
		runtimeID: opts.RuntimeID,
		logger:    logger.Named("mapdriver"),
	}, nil
}

// member is one element of the fan-out: its stored index, display key,
// per-element bindings and its position among the dispatched members.
type member struct {
	idx  int
	key  string
	args map[string]interface{}
	pos  int
}

// Run fans out one mapped task over the vectors in its resolved args.
func (d *Driver) Run(ctx context.Context, pipelineName string, task *pipeline.Task, resolved map[string]interface{}, opts RunOpts) (*Result, error) {
	if !task.IsMapped() {
		return nil, errors.Errorf("task %s has no map_over", task.Name)
	}
	members, shared, err := deriveMembers(task, resolved)
	if err != nil {
		return nil, err
	}
	total := len(members)

	subset := len(opts.Subset) > 0
	switch {
	case subset:
		if members, err = filterSubset(task.Name, members, opts.Subset); err != nil {
			return nil, err
		}
	case opts.Resume:
		if members, err = d.reconcileResume(ctx, pipelineName, task, members); err != nil {
			return nil, err
		}
	default:
		if err := d.beginFresh(ctx, pipelineName, task, members); err != nil {
			return nil, err
		}
	}
	for pos := range members {
		members[pos].pos = pos
	}

	d.logger.Debug("fanning out",
		"task", task.Name, "members", len(members), "elements", total,
		"subset", subset, "resume", opts.Resume)

	collected, memberErrs, failed, err := d.dispatch(ctx, pipelineName, task, shared, members, subset, opts.Reason)
	if err != nil {
		return nil, err
	}

	if subset {
		return d.settleSubset(ctx, pipelineName, task, members, collected, memberErrs, failed)
	}
	return d.settle(ctx, pipelineName, task, total, memberErrs)
}

// deriveMembers splits the resolved args into per-element bindings and the
// shared remainder. Every mapped key must hold a list and all lists must
// agree on length.
func deriveMembers(task *pipeline.Task, resolved map[string]interface{}) ([]member, map[string]interface{}, error) {
	keys := task.MapKeys()
	n := -1
	vectors := make([][]interface{}, len(keys))
	for j, k := range keys {
		raw, ok := resolved[k]
		if !ok {
			return nil, nil, errors.Errorf("task %s: map_over key %q is not among the resolved args", task.Name, k)
		}
		vec, ok := raw.([]interface{})
		if !ok {
			return nil, nil, errors.Errorf("task %s: map_over key %q holds %T, want a list", task.Name, k, raw)
		}
		if n == -1 {
			n = len(vec)
		} else if len(vec) != n {
			return nil, nil, errors.Errorf("task %s: map_over vectors disagree: %s has %d elements, %s has %d",
				task.Name, keys[0], n, k, len(vec))
		}
		vectors[j] = vec
	}

	binds := keys
	if task.IterableItem != "" && len(keys) == 1 {
		binds = []string{task.IterableItem}
	}

	mapped := make(map[string]bool, len(keys))
	for _, k := range keys {
		mapped[k] = true
	}
	shared := make(map[string]interface{}, len(resolved))
	for k, v := range resolved {
		if mapped[k] {
			continue
		}
		shared[k] = runner.Unmapped{Value: v}
	}

	members := make([]member, n)
	for i := 0; i < n; i++ {
		args := make(map[string]interface{}, len(keys))
		parts := make([]string, len(keys))
		for j := range keys {
			args[binds[j]] = vectors[j][i]
			parts[j] = keyFor(vectors[j][i])
		}
		members[i] = member{idx: i, key: strings.Join(parts, ","), args: args}
	}
	return members, shared, nil
}

// keyFor renders an element as its stored key. Scalars use their natural
// string form, containers fall back to compact JSON.
func keyFor(elem interface{}) string {
	switch v := elem.(type) {
	case nil:
		return "null"
	case string:
		return v
	case bool, int, int64, float64, json.Number:
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// filterSubset keeps the members whose key was asked for. Unknown keys are
// an error; running nothing and reporting success would hide a typo.
func filterSubset(taskName string, members []member, want []string) ([]member, error) {
	wantSet := make(map[string]bool, len(want))
	for _, k := range want {
		wantSet[k] = true
	}
	keep := make([]member, 0, len(want))
	matched := make(map[string]bool, len(want))
	for _, m := range members {
		if wantSet[m.key] {
			keep = append(keep, m)
			matched[m.key] = true
		}
	}
	if len(matched) != len(wantSet) {
		var missing []string
		for _, k := range want {
			if !matched[k] {
				missing = append(missing, k)
			}
		}
		return nil, errors.Errorf("task %s: subset keys not in this fan-out: %s", taskName, strings.Join(missing, ", "))
	}
	return keep, nil
}

func (d *Driver) beginFresh(ctx context.Context, pipelineName string, task *pipeline.Task, members []member) error {
	initial := &state.TaskState{
		PipelineName: pipelineName,
		TaskName:     task.Name,
		StartTime:    state.NowUTC(),
		EcsTaskID:    d.runtimeID,
	}
	if err := d.store.CreateTask(ctx, pipelineName, task.Name, initial, nil); err != nil {
		return err
	}
	keys := make([]string, len(members))
	for i := range members {
		keys[i] = members[i].key
	}
	return d.store.CreateSubtasks(ctx, pipelineName, task.Name, keys)
}

// reconcileResume loads the stored subtask list and keeps the members that
// never finished. The stored layout must match the derived one; a mismatch
// means the inputs changed in a way the freshness checks could not see.
func (d *Driver) reconcileResume(ctx context.Context, pipelineName string, task *pipeline.Task, members []member) ([]member, error) {
	stored, err := d.store.GetSubtasks(ctx, pipelineName, task.Name)
	if err != nil {
		return nil, err
	}
	if len(stored) != len(members) {
		return nil, errors.Errorf("task %s: %d stored subtasks but %d derived elements; clear the task state or rerun with --ignore-cache",
			task.Name, len(stored), len(members))
	}
	byIdx := make(map[int]state.Subtask, len(stored))
	for _, st := range stored {
		byIdx[st.Index] = st
	}
	unfinished := make([]member, 0, len(members))
	for _, m := range members {
		st, ok := byIdx[m.idx]
		if !ok {
			return nil, errors.Errorf("task %s: no stored subtask at index %d", task.Name, m.idx)
		}
		if st.Key != m.key {
			return nil, errors.Errorf("task %s: stored subtask %d is %q but the derived element is %q; clear the task state or rerun with --ignore-cache",
				task.Name, m.idx, st.Key, m.key)
		}
		if !st.Finished() {
			unfinished = append(unfinished, m)
		}
	}
	return unfinished, nil
}

// dispatch groups members into units and waves, waiting each wave out
// before starting the next. Member failures accumulate; infrastructure
// failures abort after the wave in flight settles.
func (d *Driver) dispatch(ctx context.Context, pipelineName string, task *pipeline.Task, shared map[string]interface{}, members []member, subset bool, reason string) ([]interface{}, *multierror.Error, int, error) {
	units := bundle(members, task.BundleSize)
	waves := chunkUnits(units, task.GroupSize)

	collected := make([]interface{}, len(members))
	var memberErrs *multierror.Error
	failed := 0
	for _, wave := range waves {
		specs := make([]runner.TaskSpec, len(wave))
		for u, unit := range wave {
			subtasks := make([]runner.SubtaskSpec, len(unit))
			for j, m := range unit {
				subtasks[j] = runner.SubtaskSpec{Index: m.idx, Key: m.key, Args: m.args}
			}
			specs[u] = runner.TaskSpec{
				Pipeline: pipelineName,
				Task:     task,
				Reason:   reason,
				Args:     shared,
				Subtasks: subtasks,
				Subset:   subset,
				Tags:     task.Tags,
			}
		}
		futures, err := d.runner.Map(ctx, specs)
		if err != nil {
			return nil, nil, 0, err
		}
		var fatal error
		for u, f := range futures {
			out, err := f.Wait(ctx)
			if err != nil {
				if fatal == nil && isFatal(err) {
					fatal = err
					continue
				}
				failed += unitFailures(err, len(wave[u]))
				memberErrs = multierror.Append(memberErrs, err)
				continue
			}
			if subset && out != nil {
				results, _ := out.Result.([]interface{})
				for j, m := range wave[u] {
					if j < len(results) {
						collected[m.pos] = results[j]
					}
				}
			}
		}
		if fatal != nil {
			return nil, nil, 0, fatal
		}
	}
	return collected, memberErrs, failed, nil
}

// unitFailures counts how many members a unit error covers.
func unitFailures(err error, unitSize int) int {
	var be *executor.BundleError
	if errors.As(err, &be) {
		return be.Failed
	}
	if unitSize < 1 {
		return 1
	}
	return unitSize
}

func isFatal(err error) bool {
	if errors.Is(err, process.ErrClosing) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var serr *store.StoreError
	return errors.As(err, &serr)
}

// bundle chunks members into sequential units. Size <= 1 puts every member
// in its own unit.
func bundle(members []member, size int) [][]member {
	if size <= 1 {
		units := make([][]member, len(members))
		for i := range members {
			units[i] = members[i : i+1]
		}
		return units
	}
	var units [][]member
	for start := 0; start < len(members); start += size {
		end := start + size
		if end > len(members) {
			end = len(members)
		}
		units = append(units, members[start:end])
	}
	return units
}

// chunkUnits groups units into dispatch waves. Size <= 0 means one wave.
func chunkUnits(units [][]member, size int) [][][]member {
	if len(units) == 0 {
		return nil
	}
	if size <= 0 {
		return [][][]member{units}
	}
	var waves [][][]member
	for start := 0; start < len(units); start += size {
		end := start + size
		if end > len(units) {
			end = len(units)
		}
		waves = append(waves, units[start:end])
	}
	return waves
}

// settle folds the stored subtasks into the task record: rollup status,
// and on full success the composite outputs version.
func (d *Driver) settle(ctx context.Context, pipelineName string, task *pipeline.Task, total int, memberErrs *multierror.Error) (*Result, error) {
	stored, err := d.store.GetSubtasks(ctx, pipelineName, task.Name)
	if err != nil {
		return nil, err
	}
	status := state.Rollup(stored)
	finished := 0
	for i := range stored {
		if stored[i].Finished() {
			finished++
		}
	}
	end := store.TaskEnd{Status: &status}
	if status == state.StatusSuccess {
		if v := state.ComposeOutputsVersion(stored); v != "" {
			end.OutputsVersion = &v
		}
	}
	if err := d.store.SetTaskEnded(ctx, pipelineName, task.Name, end); err != nil {
		return nil, err
	}
	return &Result{Status: status, Total: total, Failed: total - finished, Err: memberErrs.ErrorOrNil()}, nil
}

// settleSubset writes the aggregated member results to the subset bins and
// reports a local status. The full-run record and subtasks stay untouched.
func (d *Driver) settleSubset(ctx context.Context, pipelineName string, task *pipeline.Task, members []member, collected []interface{}, memberErrs *multierror.Error, failed int) (*Result, error) {
	status := state.StatusSuccess
	switch {
	case failed == 0:
	case failed >= len(members):
		status = state.StatusFailure
	default:
		status = state.StatusIncomplete
	}
	if failed == 0 && task.CachesResult() && !task.IsR() {
		end := store.TaskEnd{Result: collected, Subset: true}
		if err := d.store.SetTaskEnded(ctx, pipelineName, task.Name, end); err != nil {
			return nil, err
		}
	}
	return &Result{Status: status, Total: len(members), Failed: failed, Err: memberErrs.ErrorOrNil()}, nil
}
