package info

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pyr-sh/dag"
	"github.com/spf13/cobra"

	"github.com/kaptenlabs/kapten/internal/cmdutil"
	"github.com/kaptenlabs/kapten/internal/ui"
	"github.com/kaptenlabs/kapten/internal/util"
)

// GraphCmd returns the graph subcommand, which renders a graph's dependency
// structure as DOT on stdout, or into a .dot, .mermaid or .html file.
func GraphCmd(helper *cmdutil.Helper) *cobra.Command {
	var opts struct {
		pipelinePath string
		out          string
	}

	cmd := &cobra.Command{
		Use:   "graph [graph]",
		Short: "Render a graph's dependency structure",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			graphArg := ""
			if len(args) == 1 {
				graphArg = args[0]
			}
			return executeGraph(helper, graphArg, opts.pipelinePath, opts.out)
		},
	}

	cmd.Flags().StringVar(&opts.pipelinePath, "pipeline", "pipeline.yaml", "path to the pipeline registry file")
	cmd.Flags().StringVar(&opts.out, "out", "", "write to a file; .dot, .mermaid and .html are recognized")

	return cmd
}

func executeGraph(helper *cmdutil.Helper, graphArg, pipelinePath, out string) error {
	p, err := helper.LoadPipeline(pipelinePath)
	if err != nil {
		return fail(helper, "loading pipeline", err)
	}
	graphName, err := cmdutil.ResolveGraph(p, graphArg)
	if err != nil {
		return fail(helper, "", err)
	}
	g, err := p.BuildGraph(graphName)
	if err != nil {
		return fail(helper, "", err)
	}

	dot := string(g.Dot(&dag.DotOpts{Verbose: true, DrawCycles: true}))
	if out == "" {
		helper.UI.Output("")
		helper.UI.Output(dot)
		return nil
	}

	if !filepath.IsAbs(out) {
		out = filepath.Join(helper.Config.Cwd, out)
	}
	switch filepath.Ext(out) {
	case ".mermaid":
		f, err := os.Create(out)
		if err != nil {
			return fail(helper, "", err)
		}
		defer util.CloseAndIgnoreError(f)
		if err := writeMermaid(f, g); err != nil {
			return fail(helper, "", err)
		}
	case ".html":
		if err := writeVizHTML(out, dot); err != nil {
			return fail(helper, "", err)
		}
	default:
		if err := os.WriteFile(out, []byte(dot), 0o644); err != nil {
			return fail(helper, "", err)
		}
	}

	helper.UI.Output(fmt.Sprintf("✔ Generated task graph in %s", ui.Bold(out)))
	return nil
}

type sortableEdge dag.Edge
type sortableEdges []sortableEdge

func (e sortableEdges) Less(i, j int) bool {
	iSrc := dag.VertexName(e[i].Source())
	jSrc := dag.VertexName(e[j].Source())
	if iSrc != jSrc {
		return iSrc < jSrc
	}
	return dag.VertexName(e[i].Target()) < dag.VertexName(e[j].Target())
}
func (e sortableEdges) Len() int      { return len(e) }
func (e sortableEdges) Swap(i, j int) { e[i], e[j] = e[j], e[i] }

// writeMermaid emits a `graph TD` document. Node ids are assigned in
// first-seen order over the sorted edge list, so the output is stable.
func writeMermaid(out io.StringWriter, g *dag.AcyclicGraph) error {
	if _, err := out.WriteString("graph TD\n"); err != nil {
		return err
	}
	var edges sortableEdges
	for _, edge := range g.Edges() {
		edges = append(edges, sortableEdge(edge))
	}
	sort.Sort(edges)

	ids := make(map[string]string)
	idFor := func(vertex string) string {
		if id, ok := ids[vertex]; ok {
			return id
		}
		id := fmt.Sprintf("n%d", len(ids)+1)
		ids[vertex] = id
		return id
	}
	for _, edge := range edges {
		src := dag.VertexName(edge.Source())
		dst := dag.VertexName(edge.Target())
		line := fmt.Sprintf("\t%v(\"%v\") --> %v(\"%v\")\n", idFor(src), src, idFor(dst), dst)
		if _, err := out.WriteString(line); err != nil {
			return err
		}
	}
	return nil
}

// writeVizHTML wraps the DOT text in a self-contained page that renders it
// with viz.js.
func writeVizHTML(path, dot string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer util.CloseAndIgnoreError(f)
	if _, err := f.WriteString(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>Graph</title>
</head>
<body>
  <script src="https://cdn.jsdelivr.net/npm/viz.js@2.1.2-pre.1/viz.js"></script>
  <script src="https://cdn.jsdelivr.net/npm/viz.js@2.1.2-pre.1/full.render.js"></script>
  <script>`); err != nil {
		return err
	}
	if _, err := f.WriteString("const s = `" + dot + "`.replace(/\\_\\_\\_ROOT\\_\\_\\_/g, \"Root\").replace(/\\[root\\]/g, \"\");new Viz().renderSVGElement(s).then(el => document.body.appendChild(el)).catch(e => console.error(e));"); err != nil {
		return err
	}
	_, err = f.WriteString(`
  </script>
</body>
</html>`)
	return err
}
