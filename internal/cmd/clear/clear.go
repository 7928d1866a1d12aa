// Package clear implements `kapten clear`, which drops cached task state
// so the next run re-executes from scratch.
package clear

import (
	"context"
	"fmt"
	"sort"

	"github.com/AlecAivazis/survey/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/kaptenlabs/kapten/internal/ci"
	"github.com/kaptenlabs/kapten/internal/cmdutil"
	"github.com/kaptenlabs/kapten/internal/ui"
)

// Opts are the clear flags.
type Opts struct {
	PipelinePath string
	Branch       string
	Graph        string
	All          bool
	Yes          bool
}

// ClearCmd returns the clear subcommand.
func ClearCmd(helper *cmdutil.Helper) *cobra.Command {
	opts := &Opts{}

	cmd := &cobra.Command{
		Use:   "clear [task]",
		Short: "Delete cached task state from the store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskName := ""
			if len(args) == 1 {
				taskName = args[0]
			}
			return ExecuteClear(cmd.Context(), helper, taskName, opts)
		},
	}

	cmd.Flags().StringVar(&opts.PipelinePath, "pipeline", "pipeline.yaml", "path to the pipeline registry file")
	cmd.Flags().StringVar(&opts.Branch, "branch", "", "override the branch the state store is scoped to")
	cmd.Flags().StringVar(&opts.Graph, "graph", "", "graph the tasks belong to")
	cmd.Flags().BoolVar(&opts.All, "all", false, "clear every task in the graph")
	cmd.Flags().BoolVar(&opts.Yes, "yes", false, "skip the confirmation prompt")

	return cmd
}

// ExecuteClear deletes the named task's state, or every task in the graph
// with --all.
func ExecuteClear(ctx context.Context, helper *cmdutil.Helper, taskName string, opts *Opts) error {
	if taskName == "" && !opts.All {
		return fail(helper, "", errors.New("name a task or pass --all"))
	}
	if taskName != "" && opts.All {
		return fail(helper, "", errors.New("--all does not take a task name"))
	}

	p, err := helper.LoadPipeline(opts.PipelinePath)
	if err != nil {
		return fail(helper, "loading pipeline", err)
	}
	graphName, err := cmdutil.ResolveGraph(p, opts.Graph)
	if err != nil {
		return fail(helper, "", err)
	}
	deps, err := p.Graph(graphName)
	if err != nil {
		return fail(helper, "", err)
	}

	var targets []string
	if opts.All {
		for name := range deps {
			targets = append(targets, name)
		}
		sort.Strings(targets)
	} else {
		if _, ok := deps[taskName]; !ok {
			return fail(helper, "", errors.Errorf("task %q is not part of graph %q", taskName, graphName))
		}
		targets = []string{taskName}
	}
	if len(targets) == 0 {
		helper.UI.Output(fmt.Sprintf("Graph %s has no tasks to clear.", graphName))
		return nil
	}

	storageKey := helper.ResolveStorageKey(p, opts.Branch)
	if !opts.Yes {
		if ci.IsCi() {
			return fail(helper, "", errors.New("refusing to prompt on CI, pass --yes"))
		}
		shouldClear := false
		what := fmt.Sprintf("task %q", targets[0])
		if opts.All {
			what = fmt.Sprintf("%d tasks", len(targets))
		}
		survey.AskOne(
			&survey.Confirm{
				Default: false,
				Message: fmt.Sprintf("Clear cached state for %s in graph %q (namespace %q)?", what, graphName, storageKey),
			},
			&shouldClear, survey.WithValidator(survey.Required),
			survey.WithIcons(func(icons *survey.IconSet) {
				icons.Question.Format = "gray+hb"
			}))
		if !shouldClear {
			helper.UI.Output("> Aborted.")
			return nil
		}
	}

	st, err := helper.OpenStore(ctx, p, storageKey)
	if err != nil {
		return fail(helper, "", err)
	}
	defer func() { _ = st.Close() }()

	for _, target := range targets {
		if err := st.DeleteTask(ctx, graphName, target); err != nil {
			return fail(helper, fmt.Sprintf("clearing %s", target), err)
		}
		helper.UI.Output(fmt.Sprintf("Cleared %s", ui.Bold(target)))
	}
	if len(targets) > 1 {
		helper.UI.Output(fmt.Sprintf("✔ Cleared %d tasks from %s", len(targets), ui.Bold(storageKey)))
	}
	return nil
}

func fail(helper *cmdutil.Helper, prefix string, err error) error {
	helper.LogError(prefix, err)
	return &cmdutil.Error{ExitCode: 1, Err: err}
}
