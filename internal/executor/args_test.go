package executor

import (
	"context"
	"io"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaptenlabs/kapten/internal/fingerprint"
	"github.com/kaptenlabs/kapten/internal/pipeline"
	"github.com/kaptenlabs/kapten/internal/process"
	"github.com/kaptenlabs/kapten/internal/store"
	"github.com/kaptenlabs/kapten/internal/store/storetest"
)

func newTestExecutor(t *testing.T, p *pipeline.Pipeline, st store.Store) *Executor {
	t.Helper()
	hasher, err := fingerprint.New(fingerprint.Options{OutputsDir: t.TempDir()})
	require.NoError(t, err)
	e, err := New(Opts{
		Pipeline:   p,
		Store:      st,
		Hasher:     hasher,
		Processes:  process.NewManager(hclog.NewNullLogger()),
		UI:         &cli.BasicUi{Writer: io.Discard, ErrorWriter: io.Discard},
		OutputsDir: t.TempDir(),
		Logger:     hclog.NewNullLogger(),
	})
	require.NoError(t, err)
	return e
}

func registry(tasks map[string]*pipeline.Task) *pipeline.Pipeline {
	for name, task := range tasks {
		task.Name = name
	}
	return &pipeline.Pipeline{Tasks: tasks}
}

func TestResolveArgsLiteralsAndParams(t *testing.T) {
	task := &pipeline.Task{Args: map[string]interface{}{"a": 1, "b": "x"}}
	p := registry(map[string]*pipeline.Task{"etl": task})
	e := newTestExecutor(t, p, storetest.New())

	got, err := e.ResolveArgs(context.Background(), "nightly", task, map[string]interface{}{"b": "y", "c": true}, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": 1, "b": "y", "c": true}, got)
}

func TestResolveArgsUpstreamRef(t *testing.T) {
	up := &pipeline.Task{}
	down := &pipeline.Task{Args: map[string]interface{}{"frame": pipeline.Ref{Task: "up"}}}
	p := registry(map[string]*pipeline.Task{"up": up, "down": down})
	st := storetest.New()
	st.SeedData("nightly", "up", map[string]interface{}{"rows": 3})
	e := newTestExecutor(t, p, st)

	got, err := e.ResolveArgs(context.Background(), "nightly", down, nil, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"rows": float64(3)}, got["frame"])
}

func TestResolveArgsNonCachingUpstreamIsNil(t *testing.T) {
	off := false
	up := &pipeline.Task{CacheResult: &off}
	down := &pipeline.Task{Args: map[string]interface{}{"frame": pipeline.Ref{Task: "up"}}}
	p := registry(map[string]*pipeline.Task{"up": up, "down": down})
	st := storetest.New()
	e := newTestExecutor(t, p, st)

	got, err := e.ResolveArgs(context.Background(), "nightly", down, nil, false)
	require.NoError(t, err)
	v, present := got["frame"]
	assert.True(t, present)
	assert.Nil(t, v)
	assert.Equal(t, 0, st.CallCount("get_task_data"))
}

func TestResolveArgsUnknownUpstream(t *testing.T) {
	down := &pipeline.Task{Args: map[string]interface{}{"frame": pipeline.Ref{Task: "ghost"}}}
	p := registry(map[string]*pipeline.Task{"down": down})
	e := newTestExecutor(t, p, storetest.New())

	_, err := e.ResolveArgs(context.Background(), "nightly", down, nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown task "ghost"`)
	assert.Contains(t, err.Error(), `resolving arg "frame"`)
}

func TestResolveArgsCallRef(t *testing.T) {
	task := &pipeline.Task{Args: map[string]interface{}{
		"loader": pipeline.CallRef{Module: "helpers.io", Symbol: "load"},
	}}
	p := registry(map[string]*pipeline.Task{"etl": task})
	e := newTestExecutor(t, p, storetest.New())

	got, err := e.ResolveArgs(context.Background(), "nightly", task, nil, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"__kapten_call__": "helpers.io:load"}, got["loader"])
}

func TestResolveArgsRecursesIntoContainers(t *testing.T) {
	up := &pipeline.Task{}
	down := &pipeline.Task{Args: map[string]interface{}{
		"cfg": map[string]interface{}{
			"fn":   pipeline.CallRef{Module: "helpers", Symbol: "connect"},
			"deps": []interface{}{pipeline.Ref{Task: "up"}},
		},
	}}
	p := registry(map[string]*pipeline.Task{"up": up, "down": down})
	st := storetest.New()
	st.SeedData("nightly", "up", "ready")
	e := newTestExecutor(t, p, st)

	got, err := e.ResolveArgs(context.Background(), "nightly", down, nil, false)
	require.NoError(t, err)
	want := map[string]interface{}{
		"fn":   map[string]interface{}{"__kapten_call__": "helpers:connect"},
		"deps": []interface{}{"ready"},
	}
	assert.Equal(t, want, got["cfg"])
}

func TestResolveArgsSubsetPrefersSubsetData(t *testing.T) {
	up := &pipeline.Task{}
	down := &pipeline.Task{Args: map[string]interface{}{"frame": pipeline.Ref{Task: "up"}}}
	p := registry(map[string]*pipeline.Task{"up": up, "down": down})
	st := storetest.New()
	st.SeedData("nightly", "up", "full")
	require.NoError(t, st.SetTaskEnded(context.Background(), "nightly", "up", store.TaskEnd{Result: "partial", Subset: true}))
	e := newTestExecutor(t, p, st)

	got, err := e.ResolveArgs(context.Background(), "nightly", down, nil, true)
	require.NoError(t, err)
	assert.Equal(t, "partial", got["frame"])

	got, err = e.ResolveArgs(context.Background(), "nightly", down, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "full", got["frame"])
}

func TestResolveArgsTransposesTuples(t *testing.T) {
	task := &pipeline.Task{
		MapOver: "region,size",
		Args: map[string]interface{}{
			"region,size": []interface{}{
				[]interface{}{"us", 1},
				[]interface{}{"eu", 2},
			},
		},
	}
	p := registry(map[string]*pipeline.Task{"shard": task})
	e := newTestExecutor(t, p, storetest.New())

	got, err := e.ResolveArgs(context.Background(), "nightly", task, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"us", "eu"}, got["region"])
	assert.Equal(t, []interface{}{1, 2}, got["size"])
	_, joined := got["region,size"]
	assert.False(t, joined)
}

func TestResolveArgsTransposeLengthMismatch(t *testing.T) {
	task := &pipeline.Task{
		MapOver: "region,size",
		Args: map[string]interface{}{
			"region,size": []interface{}{[]interface{}{"us"}},
		},
	}
	p := registry(map[string]*pipeline.Task{"shard": task})
	e := newTestExecutor(t, p, storetest.New())

	_, err := e.ResolveArgs(context.Background(), "nightly", task, nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "element 0 has 1 values, want 2")
}

func TestResolveArgsSeparateVectorsAreLeftAlone(t *testing.T) {
	task := &pipeline.Task{
		MapOver: "region,size",
		Args: map[string]interface{}{
			"region": []interface{}{"us", "eu"},
			"size":   []interface{}{1, 2},
		},
	}
	p := registry(map[string]*pipeline.Task{"shard": task})
	e := newTestExecutor(t, p, storetest.New())

	got, err := e.ResolveArgs(context.Background(), "nightly", task, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"us", "eu"}, got["region"])
	assert.Equal(t, []interface{}{1, 2}, got["size"])
}
