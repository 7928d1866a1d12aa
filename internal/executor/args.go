package executor

import (
	"context"

	"github.com/pkg/errors"

	"github.com/kaptenlabs/kapten/internal/pipeline"
)

// ResolveArgs turns a task's declared args into the kwargs its entry point
// receives. References to upstream tasks are replaced with results read from
// the store, callable references become the wire shape the bootstrap
// resolves, and caller params override whatever the declaration said. For a
// comma-joined map_over the upstream tuple list is transposed into one
// vector per key.
func (e *Executor) ResolveArgs(ctx context.Context, pipelineName string, task *pipeline.Task, params map[string]interface{}, subset bool) (map[string]interface{}, error) {
	resolved := make(map[string]interface{}, len(task.Args)+len(params))
	for alias, raw := range task.Args {
		v, err := e.resolveValue(ctx, pipelineName, raw, subset)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving arg %q of task %s", alias, task.Name)
		}
		resolved[alias] = v
	}
	if keys := task.MapKeys(); len(keys) > 1 {
		if err := transposeTuples(resolved, task.MapOver, keys); err != nil {
			return nil, errors.Wrapf(err, "task %s", task.Name)
		}
	}
	for k, v := range params {
		resolved[k] = v
	}
	return resolved, nil
}

// resolveValue recurses through containers because normalization does:
// a Ref or CallRef can sit arbitrarily deep inside a literal map or list.
func (e *Executor) resolveValue(ctx context.Context, pipelineName string, raw interface{}, subset bool) (interface{}, error) {
	switch v := raw.(type) {
	case pipeline.Ref:
		upstream, err := e.pipeline.Task(v.Task)
		if err != nil {
			return nil, err
		}
		if !upstream.CachesResult() {
			return nil, nil
		}
		data, err := e.store.GetTaskData(ctx, pipelineName, v.Task, subset)
		if err != nil {
			return nil, err
		}
		return data, nil
	case pipeline.CallRef:
		return map[string]interface{}{callKey: v.Module + ":" + v.Symbol}, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			r, err := e.resolveValue(ctx, pipelineName, item, subset)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			r, err := e.resolveValue(ctx, pipelineName, item, subset)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return raw, nil
	}
}

// transposeTuples splits the value bound to a comma-joined map_over alias
// into one vector per key. The joined alias is consumed: subtask kwargs only
// ever see the individual names.
func transposeTuples(resolved map[string]interface{}, joined string, keys []string) error {
	raw, ok := resolved[joined]
	if !ok {
		// Already declared as separate per-key vectors.
		return nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return errors.Errorf("map_over %q needs a list of tuples, got %T", joined, raw)
	}
	vectors := make([][]interface{}, len(keys))
	for i := range vectors {
		vectors[i] = make([]interface{}, 0, len(list))
	}
	for i, item := range list {
		tuple, ok := item.([]interface{})
		if !ok {
			return errors.Errorf("map_over %q element %d is %T, want a tuple", joined, i, item)
		}
		if len(tuple) != len(keys) {
			return errors.Errorf("map_over %q element %d has %d values, want %d", joined, i, len(tuple), len(keys))
		}
		for j := range keys {
			vectors[j] = append(vectors[j], tuple[j])
		}
	}
	delete(resolved, joined)
	for j, key := range keys {
		resolved[key] = vectors[j]
	}
	return nil
}
