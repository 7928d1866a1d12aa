package mapdriver

import (
	"context"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaptenlabs/kapten/internal/executor"
	"github.com/kaptenlabs/kapten/internal/pipeline"
	"github.com/kaptenlabs/kapten/internal/runner"
	"github.com/kaptenlabs/kapten/internal/state"
	"github.com/kaptenlabs/kapten/internal/store"
	"github.com/kaptenlabs/kapten/internal/store/storetest"
)

// recordingRunner remembers every Map call so tests can check wave and
// bundle composition, then delegates to the real worker pool.
type recordingRunner struct {
	*runner.Binding
	mu    sync.Mutex
	waves [][]runner.TaskSpec
}

func (r *recordingRunner) Map(ctx context.Context, specs []runner.TaskSpec) ([]runner.Future, error) {
	r.mu.Lock()
	r.waves = append(r.waves, specs)
	r.mu.Unlock()
	return r.Binding.Map(ctx, specs)
}

// fanoutExec walks a unit the way the executor does, against the in-memory
// store, without spawning interpreters. Keys listed in fail error out.
func fanoutExec(st *storetest.Store, fail map[string]error) runner.ExecFunc {
	return func(ctx context.Context, spec runner.TaskSpec) (*runner.Outcome, error) {
		var results []interface{}
		var merr *multierror.Error
		var firstErr error
		failed := 0
		for _, sub := range spec.Subtasks {
			if !spec.Subset {
				if err := st.SetSubtaskStarted(ctx, spec.Pipeline, spec.Task.Name, sub.Index); err != nil {
					return nil, err
				}
			}
			if err := fail[sub.Key]; err != nil {
				if firstErr == nil {
					firstErr = err
				}
				failed++
				merr = multierror.Append(merr, err)
				if spec.Subset {
					results = append(results, nil)
				}
				continue
			}
			if spec.Subset {
				results = append(results, "ran:"+sub.Key)
				continue
			}
			if err := st.SetSubtaskEnded(ctx, spec.Pipeline, spec.Task.Name, sub.Index, "h-"+sub.Key); err != nil {
				return nil, err
			}
		}
		if failed > 0 {
			if len(spec.Subtasks) == 1 {
				return nil, firstErr
			}
			return nil, &executor.BundleError{Task: spec.Task.Name, Failed: failed, Total: len(spec.Subtasks), Err: merr}
		}
		return &runner.Outcome{Result: results}, nil
	}
}

func newTestDriver(t *testing.T, st *storetest.Store, fail map[string]error) (*Driver, *recordingRunner) {
	t.Helper()
	binding, err := runner.NewBinding(runner.Opts{Exec: fanoutExec(st, fail), Concurrency: 4, Logger: hclog.NewNullLogger()})
	require.NoError(t, err)
	rec := &recordingRunner{Binding: binding}
	d, err := New(Opts{Store: st, Runner: rec, RuntimeID: "local-test", Logger: hclog.NewNullLogger()})
	require.NoError(t, err)
	return d, rec
}

func regionTask(name string) *pipeline.Task {
	return &pipeline.Task{Name: name, MapOver: "region"}
}

func regions(names ...string) map[string]interface{} {
	vec := make([]interface{}, len(names))
	for i, n := range names {
		vec[i] = n
	}
	return map[string]interface{}{"region": vec}
}

func TestRunFreshFanout(t *testing.T) {
	st := storetest.New()
	d, rec := newTestDriver(t, st, nil)
	task := regionTask("shard")
	task.Tags = []string{"dask"}
	resolved := regions("us", "eu", "ap")
	resolved["batch"] = 100

	res, err := d.Run(context.Background(), "nightly", task, resolved, RunOpts{Reason: "No cached state"})
	require.NoError(t, err)
	assert.Equal(t, state.StatusSuccess, res.Status)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 0, res.Failed)
	assert.NoError(t, res.Err)

	record, err := st.GetTask(context.Background(), "nightly", "shard", false, false)
	require.NoError(t, err)
	require.NotNil(t, record)
	require.NotNil(t, record.Status)
	assert.Equal(t, state.StatusSuccess, *record.Status)
	assert.Equal(t, "local-test", record.EcsTaskID)
	assert.NotEmpty(t, record.StartTime)
	assert.NotEmpty(t, record.EndTime)
	require.NotNil(t, record.OutputsVersion)
	assert.NotEmpty(t, *record.OutputsVersion)

	subs, err := st.GetSubtasks(context.Background(), "nightly", "shard")
	require.NoError(t, err)
	require.Len(t, subs, 3)
	for i, want := range []string{"us", "eu", "ap"} {
		assert.Equal(t, want, subs[i].Key)
		assert.True(t, subs[i].Finished())
		assert.Equal(t, "h-"+want, subs[i].OutputHash)
	}

	// One wave of three single-member units, shared args marked unmapped.
	require.Len(t, rec.waves, 1)
	require.Len(t, rec.waves[0], 3)
	spec := rec.waves[0][0]
	assert.Equal(t, "No cached state", spec.Reason)
	assert.Equal(t, []string{"dask"}, spec.Tags)
	_, wrapped := spec.Args["batch"].(runner.Unmapped)
	assert.True(t, wrapped)
	_, leaked := spec.Args["region"]
	assert.False(t, leaked)
	require.Len(t, spec.Subtasks, 1)
	assert.Equal(t, map[string]interface{}{"region": "us"}, spec.Subtasks[0].Args)
}

func TestRunMultiKeyBindings(t *testing.T) {
	st := storetest.New()
	d, rec := newTestDriver(t, st, nil)
	task := &pipeline.Task{Name: "grid", MapOver: "region,size"}
	resolved := map[string]interface{}{
		"region": []interface{}{"us", "eu"},
		"size":   []interface{}{1, 2},
	}

	res, err := d.Run(context.Background(), "nightly", task, resolved, RunOpts{})
	require.NoError(t, err)
	assert.Equal(t, state.StatusSuccess, res.Status)

	subs, err := st.GetSubtasks(context.Background(), "nightly", "grid")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "us,1", subs[0].Key)
	assert.Equal(t, "eu,2", subs[1].Key)

	require.Len(t, rec.waves, 1)
	assert.Equal(t, map[string]interface{}{"region": "us", "size": 1}, rec.waves[0][0].Subtasks[0].Args)
}

func TestRunIterableItemRename(t *testing.T) {
	st := storetest.New()
	d, rec := newTestDriver(t, st, nil)
	task := &pipeline.Task{Name: "load", MapOver: "files", IterableItem: "file"}
	resolved := map[string]interface{}{"files": []interface{}{"a.csv", "b.csv"}}

	_, err := d.Run(context.Background(), "nightly", task, resolved, RunOpts{})
	require.NoError(t, err)

	require.Len(t, rec.waves, 1)
	spec := rec.waves[0][0]
	assert.Equal(t, map[string]interface{}{"file": "a.csv"}, spec.Subtasks[0].Args)
	_, leaked := spec.Args["files"]
	assert.False(t, leaked)
}

func TestRunResumeDispatchesOnlyUnfinished(t *testing.T) {
	st := storetest.New()
	now := state.NowUTC()
	st.SeedTask("nightly", "shard", &state.TaskState{PipelineName: "nightly", TaskName: "shard", StartTime: now})
	st.SeedSubtasks("nightly", "shard", []state.Subtask{
		{Index: 0, Key: "us", StartTime: now, EndTime: now, OutputHash: "h-us"},
		{Index: 1, Key: "eu", StartTime: now},
		{Index: 2, Key: "ap"},
	})
	d, rec := newTestDriver(t, st, nil)

	res, err := d.Run(context.Background(), "nightly", regionTask("shard"), regions("us", "eu", "ap"), RunOpts{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, state.StatusSuccess, res.Status)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 0, res.Failed)

	// The record and the subtask list are reused, never recreated.
	assert.Equal(t, 0, st.CallCount("create_task"))
	assert.Equal(t, 0, st.CallCount("create_subtasks"))

	require.Len(t, rec.waves, 1)
	require.Len(t, rec.waves[0], 2)
	assert.Equal(t, 1, rec.waves[0][0].Subtasks[0].Index)
	assert.Equal(t, 2, rec.waves[0][1].Subtasks[0].Index)

	subs, err := st.GetSubtasks(context.Background(), "nightly", "shard")
	require.NoError(t, err)
	for i := range subs {
		assert.True(t, subs[i].Finished())
	}
	assert.Equal(t, "h-us", subs[0].OutputHash)
}

func TestRunResumeLayoutMismatch(t *testing.T) {
	st := storetest.New()
	st.SeedSubtasks("nightly", "shard", []state.Subtask{
		{Index: 0, Key: "us"},
		{Index: 1, Key: "eu"},
	})
	d, _ := newTestDriver(t, st, nil)

	_, err := d.Run(context.Background(), "nightly", regionTask("shard"), regions("us", "eu", "ap"), RunOpts{Resume: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ignore-cache")
}

func TestRunResumeKeyMismatch(t *testing.T) {
	st := storetest.New()
	st.SeedSubtasks("nightly", "shard", []state.Subtask{
		{Index: 0, Key: "us"},
		{Index: 1, Key: "mars"},
		{Index: 2, Key: "ap"},
	})
	d, _ := newTestDriver(t, st, nil)

	_, err := d.Run(context.Background(), "nightly", regionTask("shard"), regions("us", "eu", "ap"), RunOpts{Resume: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stored subtask 1")
}

func TestRunSubsetRunsOnlyRequestedKeys(t *testing.T) {
	st := storetest.New()
	d, rec := newTestDriver(t, st, nil)

	res, err := d.Run(context.Background(), "nightly", regionTask("shard"), regions("us", "eu", "ap"), RunOpts{Subset: []string{"eu"}})
	require.NoError(t, err)
	assert.Equal(t, state.StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Total)

	assert.Equal(t, []interface{}{"ran:eu"}, st.SubsetData("nightly", "shard"))
	assert.Equal(t, 0, st.CallCount("create_task"))
	assert.Equal(t, 0, st.CallCount("create_subtasks"))
	assert.Equal(t, 0, st.CallCount("set_subtask_started"))

	// The record only ever sees the subset touch: no status, no end time.
	record, err := st.GetTask(context.Background(), "nightly", "shard", false, false)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Nil(t, record.Status)
	assert.Empty(t, record.EndTime)

	require.Len(t, rec.waves, 1)
	require.Len(t, rec.waves[0], 1)
	spec := rec.waves[0][0]
	assert.True(t, spec.Subset)
	require.Len(t, spec.Subtasks, 1)
	assert.Equal(t, "eu", spec.Subtasks[0].Key)
	// The member keeps its index from the full layout.
	assert.Equal(t, 1, spec.Subtasks[0].Index)
}

func TestRunSubsetUnknownKey(t *testing.T) {
	st := storetest.New()
	d, _ := newTestDriver(t, st, nil)

	_, err := d.Run(context.Background(), "nightly", regionTask("shard"), regions("us", "eu"), RunOpts{Subset: []string{"mars"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subset keys not in this fan-out: mars")
}

func TestRunSubsetSkipsStorageForNonCachingTask(t *testing.T) {
	st := storetest.New()
	d, _ := newTestDriver(t, st, nil)
	off := false
	task := regionTask("shard")
	task.CacheResult = &off

	res, err := d.Run(context.Background(), "nightly", task, regions("us"), RunOpts{Subset: []string{"us"}})
	require.NoError(t, err)
	assert.Equal(t, state.StatusSuccess, res.Status)
	assert.Nil(t, st.SubsetData("nightly", "shard"))
	assert.Equal(t, 0, st.CallCount("set_task_ended"))
}

func TestRunBundlesAndWaves(t *testing.T) {
	st := storetest.New()
	d, rec := newTestDriver(t, st, nil)
	task := regionTask("shard")
	task.BundleSize = 2
	task.GroupSize = 2

	res, err := d.Run(context.Background(), "nightly", task, regions("a", "b", "c", "d", "e"), RunOpts{})
	require.NoError(t, err)
	assert.Equal(t, state.StatusSuccess, res.Status)

	// Five members bundle into units of 2+2+1; two units per wave.
	require.Len(t, rec.waves, 2)
	require.Len(t, rec.waves[0], 2)
	require.Len(t, rec.waves[1], 1)
	assert.Len(t, rec.waves[0][0].Subtasks, 2)
	assert.Len(t, rec.waves[0][1].Subtasks, 2)
	assert.Len(t, rec.waves[1][0].Subtasks, 1)
}

func TestRunPartialFailureRollsUpIncomplete(t *testing.T) {
	st := storetest.New()
	d, _ := newTestDriver(t, st, map[string]error{"eu": errors.New("exploded")})

	res, err := d.Run(context.Background(), "nightly", regionTask("shard"), regions("us", "eu", "ap"), RunOpts{})
	require.NoError(t, err)
	assert.Equal(t, state.StatusIncomplete, res.Status)
	assert.Equal(t, 1, res.Failed)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "exploded")

	record, err := st.GetTask(context.Background(), "nightly", "shard", false, false)
	require.NoError(t, err)
	require.NotNil(t, record.Status)
	assert.Equal(t, state.StatusIncomplete, *record.Status)
	assert.Nil(t, record.OutputsVersion)

	subs, err := st.GetSubtasks(context.Background(), "nightly", "shard")
	require.NoError(t, err)
	assert.True(t, subs[0].Finished())
	assert.False(t, subs[1].Finished())
	assert.True(t, subs[2].Finished())
}

func TestRunAllMembersFailingRollsUpFailure(t *testing.T) {
	st := storetest.New()
	d, _ := newTestDriver(t, st, map[string]error{"us": errors.New("boom"), "eu": errors.New("boom")})

	res, err := d.Run(context.Background(), "nightly", regionTask("shard"), regions("us", "eu"), RunOpts{})
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailure, res.Status)
	assert.Equal(t, 2, res.Failed)
}

func TestRunBundleFailureCountsMembers(t *testing.T) {
	st := storetest.New()
	d, _ := newTestDriver(t, st, map[string]error{"b": errors.New("boom"), "c": errors.New("boom")})
	task := regionTask("shard")
	task.BundleSize = 4

	res, err := d.Run(context.Background(), "nightly", task, regions("a", "b", "c", "d"), RunOpts{})
	require.NoError(t, err)
	assert.Equal(t, state.StatusIncomplete, res.Status)
	assert.Equal(t, 2, res.Failed)
	assert.Contains(t, res.Err.Error(), "2 of 4 bundled subtasks failed")
}

func TestRunAbortsOnStoreError(t *testing.T) {
	st := storetest.New()
	st.FailOn["set_subtask_started"] = errors.New("table offline")
	d, _ := newTestDriver(t, st, nil)

	_, err := d.Run(context.Background(), "nightly", regionTask("shard"), regions("us", "eu"), RunOpts{})
	require.Error(t, err)
	var serr *store.StoreError
	assert.True(t, errors.As(err, &serr))
	assert.Equal(t, 0, st.CallCount("set_task_ended"))
}

func TestRunEmptyVector(t *testing.T) {
	st := storetest.New()
	d, rec := newTestDriver(t, st, nil)

	res, err := d.Run(context.Background(), "nightly", regionTask("shard"), regions(), RunOpts{})
	require.NoError(t, err)
	assert.Equal(t, state.StatusSuccess, res.Status)
	assert.Equal(t, 0, res.Total)
	assert.Empty(t, rec.waves)

	record, err := st.GetTask(context.Background(), "nightly", "shard", false, false)
	require.NoError(t, err)
	require.NotNil(t, record.Status)
	assert.Equal(t, state.StatusSuccess, *record.Status)
	assert.Nil(t, record.OutputsVersion)
}

func TestRunRejectsUnmappedTask(t *testing.T) {
	st := storetest.New()
	d, _ := newTestDriver(t, st, nil)

	_, err := d.Run(context.Background(), "nightly", &pipeline.Task{Name: "plain"}, nil, RunOpts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no map_over")
}

func TestRunVectorShapeErrors(t *testing.T) {
	st := storetest.New()
	d, _ := newTestDriver(t, st, nil)

	task := &pipeline.Task{Name: "grid", MapOver: "region,size"}
	_, err := d.Run(context.Background(), "nightly", task, map[string]interface{}{
		"region": []interface{}{"us", "eu"},
		"size":   []interface{}{1},
	}, RunOpts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vectors disagree")

	_, err = d.Run(context.Background(), "nightly", regionTask("shard"), map[string]interface{}{"region": "oops"}, RunOpts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `holds string, want a list`)

	_, err = d.Run(context.Background(), "nightly", regionTask("shard"), map[string]interface{}{}, RunOpts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not among the resolved args")
}

func TestKeyFor(t *testing.T) {
	assert.Equal(t, "us", keyFor("us"))
	assert.Equal(t, "3", keyFor(3))
	assert.Equal(t, "2.5", keyFor(2.5))
	assert.Equal(t, "true", keyFor(true))
	assert.Equal(t, "null", keyFor(nil))
	assert.Equal(t, `["a",1]`, keyFor([]interface{}{"a", 1}))
}
