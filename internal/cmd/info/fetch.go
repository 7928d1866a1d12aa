package info

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/kaptenlabs/kapten/internal/cmdutil"
)

// FetchCmd returns the fetch subcommand.
func FetchCmd(helper *cmdutil.Helper) *cobra.Command {
	var opts struct {
		pipelinePath string
		branch       string
		graph        string
		out          string
		subset       bool
	}

	cmd := &cobra.Command{
		Use:   "fetch <task>",
		Short: "Print a task's cached output data as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeFetch(cmd.Context(), helper, args[0], opts.pipelinePath, opts.branch, opts.graph, opts.out, opts.subset)
		},
	}

	cmd.Flags().StringVar(&opts.pipelinePath, "pipeline", "pipeline.yaml", "path to the pipeline registry file")
	cmd.Flags().StringVar(&opts.branch, "branch", "", "override the branch the state store is scoped to")
	cmd.Flags().StringVar(&opts.graph, "graph", "", "graph the task belongs to")
	cmd.Flags().StringVar(&opts.out, "out", "", "write the JSON to a file instead of stdout")
	cmd.Flags().BoolVar(&opts.subset, "subset", false, "prefer data written by subset runs")

	return cmd
}

func executeFetch(ctx context.Context, helper *cmdutil.Helper, taskName, pipelinePath, branch, graphArg, out string, subset bool) error {
	p, err := helper.LoadPipeline(pipelinePath)
	if err != nil {
		return fail(helper, "loading pipeline", err)
	}
	graphName, err := cmdutil.ResolveGraph(p, graphArg)
	if err != nil {
		return fail(helper, "", err)
	}
	if _, ok := p.Tasks[taskName]; !ok {
		return fail(helper, "", fmt.Errorf("task %q is not declared in %s", taskName, p.Path()))
	}

	st, err := helper.OpenStore(ctx, p, helper.ResolveStorageKey(p, branch))
	if err != nil {
		return fail(helper, "", err)
	}
	defer func() { _ = st.Close() }()

	data, err := st.GetTaskData(ctx, graphName, taskName, subset)
	if err != nil {
		return fail(helper, "reading cached data", err)
	}
	if data == nil {
		return fail(helper, "", fmt.Errorf("task %s has no cached data", taskName))
	}

	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fail(helper, "encoding cached data", err)
	}

	if out != "" {
		if err := os.WriteFile(out, append(encoded, '\n'), 0o644); err != nil {
			return fail(helper, "", errors.Wrapf(err, "writing %s", out))
		}
		helper.UI.Output(fmt.Sprintf("Wrote %s data to %s", taskName, out))
		return nil
	}

	helper.UI.Output(string(encoded))
	return nil
}
