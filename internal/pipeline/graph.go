package pipeline

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/pyr-sh/dag"

	"github.com/kaptenlabs/kapten/internal/fingerprint"
)

const rootNodeName = "___ROOT___"

// BuildGraph assembles the acyclic task graph for one named graph. Tasks
// referenced only as dependencies become vertices with no upstreams.
func (p *Pipeline) BuildGraph(graphName string) (*dag.AcyclicGraph, error) {
	deps, err := p.Graph(graphName)
	if err != nil {
		return nil, err
	}
	g := &dag.AcyclicGraph{}
	g.Add(rootNodeName)
	for taskName := range deps {
		if _, err := p.Task(taskName); err != nil {
			return nil, err
		}
		g.Add(taskName)
	}
	for taskName, upstream := range deps {
		if len(upstream) == 0 {
			g.Connect(dag.BasicEdge(taskName, rootNodeName))
			continue
		}
		for _, up := range upstream {
			if _, err := p.Task(up); err != nil {
				return nil, err
			}
			if _, ok := deps[up]; !ok {
				g.Add(up)
				g.Connect(dag.BasicEdge(up, rootNodeName))
			}
			g.Connect(dag.BasicEdge(taskName, up))
		}
	}
	return g, nil
}

// TopoWalk visits every task of graphName in dependency order. fn may be
// called concurrently for independent tasks.
func (p *Pipeline) TopoWalk(graphName string, fn func(taskName string) error) error {
	g, err := p.BuildGraph(graphName)
	if err != nil {
		return err
	}
	errs := g.Walk(func(v dag.Vertex) error {
		taskName := dag.VertexName(v)
		if taskName == rootNodeName {
			return nil
		}
		return fn(taskName)
	})
	if len(errs) > 0 {
		var result *multierror.Error
		for _, err := range errs {
			result = multierror.Append(result, err)
		}
		return result.ErrorOrNil()
	}
	return nil
}

// AncestorsOf returns the set holding each target task plus everything it
// transitively depends on inside graphName. Used to restrict a run to a
// subset of the graph.
func (p *Pipeline) AncestorsOf(graphName string, targets []string) (map[string]bool, error) {
	g, err := p.BuildGraph(graphName)
	if err != nil {
		return nil, err
	}
	scope := map[string]bool{}
	for _, target := range targets {
		if _, err := p.Task(target); err != nil {
			return nil, err
		}
		scope[target] = true
		ancestors, err := g.Ancestors(target)
		if err != nil {
			return nil, err
		}
		for _, v := range ancestors.List() {
			taskName := dag.VertexName(v)
			if taskName != rootNodeName {
				scope[taskName] = true
			}
		}
	}
	return scope, nil
}

// TopoSort returns every task of graphName in a deterministic dependency
// order: upstreams before dependents, ties broken alphabetically. Tasks
// referenced only as dependencies are included.
func (p *Pipeline) TopoSort(graphName string) ([]string, error) {
	deps, err := p.Graph(graphName)
	if err != nil {
		return nil, err
	}
	indegree := map[string]int{}
	dependents := map[string][]string{}
	for taskName, upstream := range deps {
		if _, ok := indegree[taskName]; !ok {
			indegree[taskName] = 0
		}
		for _, up := range upstream {
			if _, ok := indegree[up]; !ok {
				indegree[up] = 0
			}
			indegree[taskName]++
			dependents[up] = append(dependents[up], taskName)
		}
	}
	ready := make([]string, 0, len(indegree))
	for taskName, n := range indegree {
		if n == 0 {
			ready = append(ready, taskName)
		}
	}
	sort.Strings(ready)
	order := make([]string, 0, len(indegree))
	for len(ready) > 0 {
		taskName := ready[0]
		ready = ready[1:]
		order = append(order, taskName)
		for _, dependent := range dependents[taskName] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
	}
	if len(order) != len(indegree) {
		return nil, fmt.Errorf("graph %q has a dependency cycle", graphName)
	}
	return order, nil
}

// Validate checks every graph for cycles and unknown tasks and every task
// for locatable sources, aggregating all findings.
func (p *Pipeline) Validate(hasher *fingerprint.Hasher) error {
	var result *multierror.Error

	for graphName := range p.Graphs {
		g, err := p.BuildGraph(graphName)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("graph %q: %w", graphName, err))
			continue
		}
		if err := g.Validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("graph %q: %w", graphName, err))
		}
	}

	for taskName, task := range p.Tasks {
		if task.IsR() {
			if _, err := hasher.RScriptPath(taskName, task.RScript, nil); err != nil {
				result = multierror.Append(result, err)
			}
			continue
		}
		if _, err := hasher.Python(taskName, task.File); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}
