// Package codegen implements `kapten codegen`, which renders the Python
// flow glue the orchestration runtime loads for each graph.
package codegen

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/pascaldekloe/name"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/kaptenlabs/kapten/internal/cmdutil"
	"github.com/kaptenlabs/kapten/internal/pipeline"
	"github.com/kaptenlabs/kapten/internal/ui"
)

// flowTemplate renders one <graph>_flow.py. Tasks appear in dependency
// order; the generated module never computes ordering at load time.
const flowTemplate = `# Code generated by kapten codegen. DO NOT EDIT.
#
# Flow glue for graph "{{.Graph}}" ({{.Registry}}). Regenerate with
# ` + "`kapten codegen`" + ` after editing the registry.

from kapten.runtime import flow, {{if .Deploy}}submit_deployment{{else}}submit_task{{end}}

DEPENDENCIES = {
{{- range .Tasks}}
    "{{.Name}}": [{{range $i, $dep := .Deps}}{{if $i}}, {{end}}"{{$dep}}"{{end}}],
{{- end}}
}


@flow(name="{{.Graph}}")
def {{.Ident}}_flow(**params):
    futures = {}
{{- range .Tasks}}
    futures["{{.Name}}"] = {{if $.Deploy}}submit_deployment(
        "{{$.Graph}}/{{.Flow}}",
        task="{{.Name}}",{{else}}submit_task(
        "{{.Name}}",{{end}}
        waits=[futures[dep] for dep in DEPENDENCIES["{{.Name}}"]],
        params=params,
    )
{{- end}}
    return futures
`

type flowData struct {
	Graph    string
	Ident    string
	Registry string
	Deploy   bool
	Tasks    []taskRow
}

type taskRow struct {
	Name string
	Flow string
	Deps []string
}

// CodegenCmd returns the codegen subcommand.
func CodegenCmd(helper *cmdutil.Helper) *cobra.Command {
	var opts struct {
		pipelinePath string
		force        bool
	}

	cmd := &cobra.Command{
		Use:   "codegen",
		Short: "Render flow glue for every graph into the flows directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeCodegen(helper, opts.pipelinePath, opts.force)
		},
	}

	cmd.Flags().StringVar(&opts.pipelinePath, "pipeline", "pipeline.yaml", "path to the pipeline registry file")
	cmd.Flags().BoolVar(&opts.force, "force", false, "overwrite existing flow files")

	return cmd
}

func executeCodegen(helper *cmdutil.Helper, pipelinePath string, force bool) error {
	p, err := helper.LoadPipeline(pipelinePath)
	if err != nil {
		return fail(helper, "loading pipeline", err)
	}

	flowsDir := p.Settings.FlowsDir
	if flowsDir == "" {
		flowsDir = "flows"
	}
	if !filepath.IsAbs(flowsDir) {
		flowsDir = filepath.Join(helper.Config.Cwd, flowsDir)
	}

	graphs := make([]string, 0, len(p.Graphs))
	for graphName := range p.Graphs {
		graphs = append(graphs, graphName)
	}
	sort.Strings(graphs)

	if !force {
		var existing []string
		for _, graphName := range graphs {
			target := filepath.Join(flowsDir, graphName+"_flow.py")
			if _, err := os.Stat(target); err == nil {
				existing = append(existing, target)
			}
		}
		if len(existing) > 0 {
			return fail(helper, "", errors.Errorf("refusing to overwrite %s (use --force)", strings.Join(existing, ", ")))
		}
	}

	tmpl, err := template.New("flow").Parse(flowTemplate)
	if err != nil {
		return fail(helper, "", err)
	}
	if err := os.MkdirAll(flowsDir, 0o755); err != nil {
		return fail(helper, "", errors.Wrap(err, "creating flows directory"))
	}

	deploy := p.Settings.FlowType == "deployment" && !helper.Config.Env.DeployAsInlineSubflows
	for _, graphName := range graphs {
		data, err := buildFlowData(p, graphName, deploy)
		if err != nil {
			return fail(helper, "", err)
		}
		var buf strings.Builder
		if err := tmpl.Execute(&buf, data); err != nil {
			return fail(helper, "", err)
		}
		target := filepath.Join(flowsDir, graphName+"_flow.py")
		if err := os.WriteFile(target, []byte(buf.String()), 0o644); err != nil {
			return fail(helper, "", errors.Wrapf(err, "writing %s", target))
		}
	}

	helper.UI.Output(fmt.Sprintf("✔ Generated flow glue for %d graphs in %s", len(graphs), ui.Bold(flowsDir)))
	return nil
}

func buildFlowData(p *pipeline.Pipeline, graphName string, deploy bool) (*flowData, error) {
	order, err := p.TopoSort(graphName)
	if err != nil {
		return nil, err
	}
	deps, err := p.Graph(graphName)
	if err != nil {
		return nil, err
	}

	rows := make([]taskRow, 0, len(order))
	for _, taskName := range order {
		flow := graphName
		if task, ok := p.Tasks[taskName]; ok && task.MainFlow != "" {
			flow = task.MainFlow
		}
		rows = append(rows, taskRow{
			Name: taskName,
			Flow: flow,
			Deps: deps[taskName],
		})
	}

	return &flowData{
		Graph:    graphName,
		Ident:    name.SnakeCase(graphName),
		Registry: filepath.Base(p.Path()),
		Deploy:   deploy,
		Tasks:    rows,
	}, nil
}

func fail(helper *cmdutil.Helper, prefix string, err error) error {
	helper.LogError(prefix, err)
	return &cmdutil.Error{ExitCode: 1, Err: err}
}
