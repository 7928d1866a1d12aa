package pipeline

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

const basicPipeline = `
settings:
  py-tasks-dir: flows/py
  r-tasks-dir: [flows/r, flows/r-extra]
  flows-dir: flows
  db: sqlite
tasks:
  ingest:
    py_script: ingest
    outputs: ["raw/*.csv"]
  clean_data:
    args:
      raw: {ref: ingest}
      loader: etl.loaders:read_frame()
      limit: 100
  train:
    r_script: models/${model}.R
    map_over: model
    bundle_size: 4
    cache_result: false
graphs:
  etl:
    ingest:
    clean_data: ingest
    train: [clean_data]
`

func loadBasic(t *testing.T) *Pipeline {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	writeFile(t, path, basicPipeline)
	p, err := Load(path)
	require.NoError(t, err)
	return p
}

func TestLoadSettings(t *testing.T) {
	p := loadBasic(t)
	assert.Equal(t, []string{"flows/py"}, p.Settings.PyTasksDirs)
	assert.Equal(t, []string{"flows/r", "flows/r-extra"}, p.Settings.RTasksDirs)
	assert.Equal(t, "flows", p.Settings.FlowsDir)
	assert.Equal(t, "sqlite", p.Settings.DB)
	assert.Equal(t, "main", p.Settings.Branch)
}

func TestLoadNormalizesArgs(t *testing.T) {
	p := loadBasic(t)
	task, err := p.Task("clean_data")
	require.NoError(t, err)

	assert.Equal(t, Ref{Task: "ingest"}, task.Args["raw"])
	assert.Equal(t, CallRef{Module: "etl.loaders", Symbol: "read_frame"}, task.Args["loader"])
	assert.Equal(t, 100, task.Args["limit"])
}

func TestLoadConfigBlock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	writeFile(t, path, `
config:
  notify: alerts.slack:post_message()
  retries: 3
  hooks:
    on_failure: [alerts.slack:post_message()]
tasks:
  ingest: {}
`)
	p, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, CallRef{Module: "alerts.slack", Symbol: "post_message"}, p.Config["notify"])
	assert.Equal(t, 3, p.Config["retries"])
	hooks := p.Config["hooks"].(map[string]interface{})
	assert.Equal(t, []interface{}{CallRef{Module: "alerts.slack", Symbol: "post_message"}}, hooks["on_failure"])

	// a pipeline without the block keeps a nil map
	assert.Nil(t, loadBasic(t).Config)
}

func TestTaskHelpers(t *testing.T) {
	p := loadBasic(t)

	ingest, err := p.Task("ingest")
	require.NoError(t, err)
	assert.False(t, ingest.IsR())
	assert.False(t, ingest.IsMapped())
	assert.True(t, ingest.CachesResult())
	assert.Equal(t, "ingest.py", ingest.PyFileName())
	assert.Equal(t, "ingest", ingest.PyModule())
	assert.Equal(t, "ingest", ingest.PyFunction())

	train, err := p.Task("train")
	require.NoError(t, err)
	assert.True(t, train.IsR())
	assert.True(t, train.IsMapped())
	assert.False(t, train.CachesResult())
	assert.Equal(t, []string{"model"}, train.MapKeys())
}

func TestMapKeysCommaJoined(t *testing.T) {
	task := &Task{MapOver: "sample, chunk"}
	assert.Equal(t, []string{"sample", "chunk"}, task.MapKeys())
}

func TestGraphNormalization(t *testing.T) {
	p := loadBasic(t)
	graph, err := p.Graph("etl")
	require.NoError(t, err)
	assert.Empty(t, graph["ingest"])
	assert.Equal(t, []string{"ingest"}, graph["clean_data"])
	assert.Equal(t, []string{"clean_data"}, graph["train"])

	_, err = p.Graph("nope")
	unknown := &UnknownGraphError{}
	require.ErrorAs(t, err, &unknown)
}

func TestUnknownTask(t *testing.T) {
	p := loadBasic(t)
	_, err := p.Task("nope")
	unknown := &UnknownTaskError{}
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "nope", unknown.Task)
}

func TestIncludeMerge(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "base.yaml"), `
settings:
  branch: develop
tasks:
  ingest:
    py_script: ingest
  clean_data:
    cache_result: false
`)
	writeFile(t, filepath.Join(dir, "extra.jsonc"), `{
  // extra tasks live here
  "tasks": {
    "featurize": {"py_script": "featurize"}
  }
}`)
	writeFile(t, filepath.Join(dir, "pipeline.yaml"), `
include:
  - base.yaml
  - extra.jsonc
tasks:
  clean_data:
    cache_result: true
graphs:
  etl:
    clean_data: ingest
`)

	p, err := Load(filepath.Join(dir, "pipeline.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "develop", p.Settings.Branch)
	assert.Contains(t, p.Tasks, "ingest")
	assert.Contains(t, p.Tasks, "featurize")

	// the including file wins over its includes
	clean, err := p.Task("clean_data")
	require.NoError(t, err)
	assert.True(t, clean.CachesResult())
}

func TestIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "include: b.yaml\n")
	writeFile(t, filepath.Join(dir, "b.yaml"), "include: a.yaml\n")

	_, err := Load(filepath.Join(dir, "a.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestDiamondIncludeIsNotACycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "shared.yaml"), "tasks:\n  ingest: {py_script: ingest}\n")
	writeFile(t, filepath.Join(dir, "left.yaml"), "include: shared.yaml\n")
	writeFile(t, filepath.Join(dir, "right.yaml"), "include: shared.yaml\n")
	writeFile(t, filepath.Join(dir, "pipeline.yaml"), "include: [left.yaml, right.yaml]\n")

	p, err := Load(filepath.Join(dir, "pipeline.yaml"))
	require.NoError(t, err)
	assert.Contains(t, p.Tasks, "ingest")
}

func TestTopoWalkRespectsDependencyOrder(t *testing.T) {
	p := loadBasic(t)

	var mu sync.Mutex
	positions := map[string]int{}
	next := 0
	err := p.TopoWalk("etl", func(taskName string) error {
		mu.Lock()
		defer mu.Unlock()
		positions[taskName] = next
		next++
		return nil
	})
	require.NoError(t, err)
	require.Len(t, positions, 3)
	assert.Less(t, positions["ingest"], positions["clean_data"])
	assert.Less(t, positions["clean_data"], positions["train"])
}

func TestAncestorsOf(t *testing.T) {
	p := loadBasic(t)
	scope, err := p.AncestorsOf("etl", []string{"clean_data"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"ingest": true, "clean_data": true}, scope)
}

func TestTopoSortOrdersUpstreamFirst(t *testing.T) {
	p := loadBasic(t)
	order, err := p.TopoSort("etl")
	require.NoError(t, err)
	assert.Equal(t, []string{"ingest", "clean_data", "train"}, order)
}

func TestTopoSortDeterministicTieBreak(t *testing.T) {
	p := &Pipeline{
		Graphs: map[string]map[string][]string{
			"nightly": {
				"zeta":  nil,
				"alpha": nil,
				"mid":   {"zeta", "alpha"},
				"end":   {"mid", "dep_only"},
			},
		},
	}
	order, err := p.TopoSort("nightly")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "dep_only", "zeta", "mid", "end"}, order)
}

func TestTopoSortRejectsCycle(t *testing.T) {
	p := &Pipeline{
		Graphs: map[string]map[string][]string{
			"loop": {
				"a": {"b"},
				"b": {"a"},
			},
		},
	}
	_, err := p.TopoSort("loop")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency cycle")
}

func TestBuildGraphUnknownDependency(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "pipeline.yaml"), `
tasks:
  clean_data: {}
graphs:
  etl:
    clean_data: missing_upstream
`)
	p, err := Load(filepath.Join(dir, "pipeline.yaml"))
	require.NoError(t, err)
	_, err = p.BuildGraph("etl")
	unknown := &UnknownTaskError{}
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "missing_upstream", unknown.Task)
}
