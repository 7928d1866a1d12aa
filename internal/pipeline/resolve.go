package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
	"muzzammil.xyz/jsonc"
)

var callableRe = regexp.MustCompile(`^([A-Za-z_][\w.]*):([A-Za-z_]\w*)\(\)$`)

// Load reads the pipeline file at path, resolves its include chain and
// normalizes the result. Includes resolve depth-first and later keys win;
// the including file always wins over its includes.
func Load(path string) (*Pipeline, error) {
	l := &loader{
		inProgress: map[string]bool{},
		done:       map[string]bool{},
	}
	raw, err := l.loadTree(path)
	if err != nil {
		return nil, err
	}
	return fromRaw(path, raw)
}

type loader struct {
	inProgress map[string]bool
	done       map[string]bool
}

func (l *loader) loadTree(path string) (map[string]interface{}, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if l.inProgress[abs] {
		return nil, fmt.Errorf("include cycle through %s", path)
	}
	if l.done[abs] {
		// Diamond include; the file was already merged once.
		return map[string]interface{}{}, nil
	}
	l.inProgress[abs] = true
	defer func() {
		delete(l.inProgress, abs)
		l.done[abs] = true
	}()

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	var tree map[string]interface{}
	switch strings.ToLower(filepath.Ext(abs)) {
	case ".json", ".jsonc":
		if err := jsonc.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	includes := normalizeStringList(tree["include"])
	delete(tree, "include")

	merged := map[string]interface{}{}
	for _, inc := range includes {
		incPath := inc
		if !filepath.IsAbs(inc) {
			incPath = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := l.loadTree(incPath)
		if err != nil {
			return nil, err
		}
		merged = deepMerge(merged, sub)
	}
	return deepMerge(merged, tree), nil
}

// deepMerge overlays maps recursively; any other value type is replaced
// wholesale.
func deepMerge(base, overlay map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if baseMap, ok := out[k].(map[string]interface{}); ok {
			if overlayMap, ok := v.(map[string]interface{}); ok {
				out[k] = deepMerge(baseMap, overlayMap)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func fromRaw(path string, raw map[string]interface{}) (*Pipeline, error) {
	settings, err := settingsFromRaw(raw)
	if err != nil {
		return nil, err
	}

	tasks := map[string]*Task{}
	if block, ok := raw["tasks"].(map[string]interface{}); ok {
		for taskName, spec := range block {
			task, err := taskFromRaw(taskName, spec)
			if err != nil {
				return nil, err
			}
			tasks[taskName] = task
		}
	}

	graphs := map[string]map[string][]string{}
	if block, ok := raw["graphs"].(map[string]interface{}); ok {
		for graphName, spec := range block {
			deps, ok := spec.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("graph %q: expected a mapping of task to dependencies", graphName)
			}
			graph := map[string][]string{}
			for taskName, upstream := range deps {
				graph[taskName] = normalizeStringList(upstream)
			}
			graphs[graphName] = graph
		}
	}

	var config map[string]interface{}
	if block, ok := raw["config"].(map[string]interface{}); ok {
		config = make(map[string]interface{}, len(block))
		for k, v := range block {
			config[k] = normalizeArgValue(v)
		}
	}

	return &Pipeline{
		Settings: settings,
		Tasks:    tasks,
		Graphs:   graphs,
		Config:   config,
		path:     path,
	}, nil
}

func taskFromRaw(taskName string, spec interface{}) (*Task, error) {
	task := &Task{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           task,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(spec); err != nil {
		return nil, fmt.Errorf("task %q: %w", taskName, err)
	}
	task.Name = taskName
	if task.BundleSize < 0 {
		return nil, fmt.Errorf("task %q: bundle_size must be >= 1", taskName)
	}
	if task.GroupSize < 0 {
		return nil, fmt.Errorf("task %q: group_size must be >= 1", taskName)
	}
	for alias, value := range task.Args {
		task.Args[alias] = normalizeArgValue(value)
	}
	return task, nil
}

// normalizeArgValue rewrites `{ref: task}` maps into Ref and callable
// strings into CallRef, recursively through containers.
func normalizeArgValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		if m := callableRe.FindStringSubmatch(val); m != nil {
			return CallRef{Module: m[1], Symbol: m[2]}
		}
		return val
	case map[string]interface{}:
		if len(val) == 1 {
			if ref, ok := val["ref"]; ok {
				if s, ok := ref.(string); ok {
					return Ref{Task: s}
				}
			}
		}
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			out[k] = normalizeArgValue(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = normalizeArgValue(inner)
		}
		return out
	}
	return v
}
