// Package pipeline loads and validates the pipeline configuration: task
// attributes, per-graph dependency maps and global settings. Loading never
// imports or executes task code.
package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/mitchellh/mapstructure"
	"github.com/pascaldekloe/name"
)

// UnknownTaskError reports a task name with no entry in the registry.
type UnknownTaskError struct {
	Task string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("unknown task %q", e.Task)
}

// UnknownGraphError reports a graph name with no entry in the registry.
type UnknownGraphError struct {
	Graph string
}

func (e *UnknownGraphError) Error() string {
	return fmt.Sprintf("unknown graph %q", e.Graph)
}

// CallRef is a parsed `module.path:symbol()` argument value. It is carried
// through configuration as data; only the executor renders it into the wire
// form the Python bootstrap resolves.
type CallRef struct {
	Module string
	Symbol string
}

// Ref names an upstream task whose stored result feeds an argument.
type Ref struct {
	Task string
}

// Settings is the `settings:` block of the pipeline file.
type Settings struct {
	PyTasksDirs     []string
	RTasksDirs      []string
	FlowsDir        string
	FlowType        string
	DB              string
	StorageKey      string
	Branch          string
	RequiredVersion string
}

type rawSettings struct {
	PyTasksDir      interface{} `mapstructure:"py-tasks-dir"`
	RTasksDir       interface{} `mapstructure:"r-tasks-dir"`
	FlowsDir        string      `mapstructure:"flows-dir"`
	FlowType        string      `mapstructure:"flow-type"`
	DB              string      `mapstructure:"db"`
	StorageKey      string      `mapstructure:"storage-key"`
	Branch          string      `mapstructure:"branch"`
	RequiredVersion string      `mapstructure:"required-version"`
}

// Task is one task definition. Args values are literals, Ref or CallRef
// after normalization.
type Task struct {
	Name         string                 `mapstructure:"-"`
	PyScript     string                 `mapstructure:"py_script"`
	RScript      string                 `mapstructure:"r_script"`
	File         string                 `mapstructure:"file"`
	Args         map[string]interface{} `mapstructure:"args"`
	MapOver      string                 `mapstructure:"map_over"`
	IterableItem string                 `mapstructure:"iterable_item"`
	BundleSize   int                    `mapstructure:"bundle_size"`
	GroupSize    int                    `mapstructure:"group_size"`
	CacheResult  *bool                  `mapstructure:"cache_result"`
	IgnoreCache  bool                   `mapstructure:"ignore_cache"`
	Outputs      []string               `mapstructure:"outputs"`
	PrefixArgs   []string               `mapstructure:"prefix_args"`
	CliArgs      []string               `mapstructure:"cli_args"`
	Logs         bool                   `mapstructure:"logs"`
	MainFlow     string                 `mapstructure:"main_flow"`
	Tags         []string               `mapstructure:"tags"`
	DaskWorker   string                 `mapstructure:"dask_worker"`
	AwsVars      map[string]string      `mapstructure:"aws_vars"`
}

// IsR reports whether the task runs through the R interpreter.
func (t *Task) IsR() bool {
	return t.RScript != ""
}

// IsMapped reports whether the task fans out over a list.
func (t *Task) IsMapped() bool {
	return t.MapOver != ""
}

// CachesResult reports whether the task's return value is persisted for
// downstream consumption. Defaults to true.
func (t *Task) CachesResult() bool {
	return t.CacheResult == nil || *t.CacheResult
}

// PyFileName is the module file backing the task: the file attribute when
// set, otherwise <task>.py.
func (t *Task) PyFileName() string {
	if t.File != "" {
		return t.File
	}
	return t.Name + ".py"
}

// PyModule is the import path of the backing module, dots for separators.
func (t *Task) PyModule() string {
	mod := strings.TrimSuffix(filepath.ToSlash(t.PyFileName()), ".py")
	return strings.ReplaceAll(mod, "/", ".")
}

// PyFunction is the Python entry point: the py_script stem when set,
// otherwise the snake_cased task name.
func (t *Task) PyFunction() string {
	if t.PyScript != "" {
		base := filepath.Base(filepath.ToSlash(t.PyScript))
		return strings.TrimSuffix(base, ".py")
	}
	return name.SnakeCase(t.Name)
}

// MapKeys splits a comma-joined map_over declaration into its argument
// names.
func (t *Task) MapKeys() []string {
	if t.MapOver == "" {
		return nil
	}
	parts := strings.Split(t.MapOver, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Pipeline is the resolved registry: settings, tasks and graphs. Config is
// the optional free-form block; its values are normalized like task args, so
// callable strings arrive as CallRef rather than being evaluated at load
// time.
type Pipeline struct {
	Settings Settings
	Tasks    map[string]*Task
	Graphs   map[string]map[string][]string
	Config   map[string]interface{}

	path string
}

// Path returns the file the pipeline was loaded from.
func (p *Pipeline) Path() string {
	return p.path
}

// Task looks up a task definition.
func (p *Pipeline) Task(taskName string) (*Task, error) {
	t, ok := p.Tasks[taskName]
	if !ok {
		return nil, &UnknownTaskError{Task: taskName}
	}
	return t, nil
}

// Graph looks up a graph's dependency map.
func (p *Pipeline) Graph(graphName string) (map[string][]string, error) {
	g, ok := p.Graphs[graphName]
	if !ok {
		return nil, &UnknownGraphError{Graph: graphName}
	}
	return g, nil
}

// Dependencies returns the upstream tasks of taskName inside graphName.
// Tasks referenced by the graph but without their own entry have no
// dependencies.
func (p *Pipeline) Dependencies(graphName, taskName string) ([]string, error) {
	g, err := p.Graph(graphName)
	if err != nil {
		return nil, err
	}
	return g[taskName], nil
}

func settingsFromRaw(raw map[string]interface{}) (Settings, error) {
	rs := rawSettings{}
	if block, ok := raw["settings"]; ok {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &rs,
		})
		if err != nil {
			return Settings{}, err
		}
		if err := dec.Decode(block); err != nil {
			return Settings{}, fmt.Errorf("settings: %w", err)
		}
	}
	pyDirs, err := expandDirs(normalizeStringList(rs.PyTasksDir))
	if err != nil {
		return Settings{}, err
	}
	rDirs, err := expandDirs(normalizeStringList(rs.RTasksDir))
	if err != nil {
		return Settings{}, err
	}
	branch := rs.Branch
	if branch == "" {
		branch = "main"
	}
	return Settings{
		PyTasksDirs:     pyDirs,
		RTasksDirs:      rDirs,
		FlowsDir:        rs.FlowsDir,
		FlowType:        rs.FlowType,
		DB:              rs.DB,
		StorageKey:      rs.StorageKey,
		Branch:          branch,
		RequiredVersion: rs.RequiredVersion,
	}, nil
}

func expandDirs(dirs []string) ([]string, error) {
	out := make([]string, len(dirs))
	for i, d := range dirs {
		expanded, err := homedir.Expand(d)
		if err != nil {
			return nil, err
		}
		out[i] = expanded
	}
	return out, nil
}

// normalizeStringList accepts a string, a list or nil and always returns a
// list.
func normalizeStringList(v interface{}) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return []string{val}
	case []string:
		return val
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			} else {
				out = append(out, fmt.Sprintf("%v", item))
			}
		}
		return out
	}
	return []string{fmt.Sprintf("%v", v)}
}
