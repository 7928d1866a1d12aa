// Package info implements the read-only store inspection commands.
package info

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/kaptenlabs/kapten/internal/cmdutil"
	"github.com/kaptenlabs/kapten/internal/pipeline"
	"github.com/kaptenlabs/kapten/internal/store"
)

// LsCmd returns the ls subcommand.
func LsCmd(helper *cmdutil.Helper) *cobra.Command {
	var opts struct {
		pipelinePath string
		branch       string
	}

	cmd := &cobra.Command{
		Use:   "ls [graph]",
		Short: "List tasks and their cached state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			graphArg := ""
			if len(args) == 1 {
				graphArg = args[0]
			}
			return executeLs(cmd.Context(), helper, graphArg, opts.pipelinePath, opts.branch)
		},
	}

	cmd.Flags().StringVar(&opts.pipelinePath, "pipeline", "pipeline.yaml", "path to the pipeline registry file")
	cmd.Flags().StringVar(&opts.branch, "branch", "", "override the branch the state store is scoped to")

	return cmd
}

func executeLs(ctx context.Context, helper *cmdutil.Helper, graphArg, pipelinePath, branch string) error {
	p, err := helper.LoadPipeline(pipelinePath)
	if err != nil {
		return fail(helper, "loading pipeline", err)
	}
	graphName, err := cmdutil.ResolveGraph(p, graphArg)
	if err != nil {
		return fail(helper, "", err)
	}
	deps, err := p.Graph(graphName)
	if err != nil {
		return fail(helper, "", err)
	}
	order, err := p.TopoSort(graphName)
	if err != nil {
		return fail(helper, "", err)
	}

	st, err := helper.OpenStore(ctx, p, helper.ResolveStorageKey(p, branch))
	if err != nil {
		return fail(helper, "", err)
	}
	defer func() { _ = st.Close() }()

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"TASK", "KIND", "DEPS", "STATUS", "SUBTASKS", "UPDATED", "DATA"})
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetColumnSeparator("")

	for _, taskName := range order {
		row, err := lsRow(ctx, st, p.Tasks, deps, graphName, taskName)
		if err != nil {
			return fail(helper, "", err)
		}
		table.Append(row)
	}
	table.Render()

	helper.UI.Output(strings.TrimRight(buf.String(), "\n"))
	return nil
}

func lsRow(ctx context.Context, st store.Store, tasks map[string]*pipeline.Task, deps map[string][]string, graphName, taskName string) ([]string, error) {
	kind := "py"
	mapped := false
	if task, ok := tasks[taskName]; ok {
		if task.IsR() {
			kind = "R"
		}
		mapped = task.IsMapped()
	}

	record, err := st.GetTask(ctx, graphName, taskName, false, false)
	if err != nil {
		return nil, err
	}

	status := "-"
	updated := "-"
	data := "-"
	if record != nil {
		if record.Status != nil {
			status = string(*record.Status)
		}
		if record.UpdatedAt != "" {
			if ts, err := time.Parse(time.RFC3339, record.UpdatedAt); err == nil {
				updated = humanize.Time(ts)
			}
		}
		if record.OutputDataVersion != nil && *record.OutputDataVersion != "" {
			data = "yes"
		}
	}

	subtasks := "-"
	if mapped && record != nil {
		members, err := st.GetSubtasks(ctx, graphName, taskName)
		if err != nil {
			return nil, err
		}
		if len(members) > 0 {
			finished := 0
			for _, member := range members {
				if member.Finished() {
					finished++
				}
			}
			subtasks = fmt.Sprintf("%d/%d", finished, len(members))
		}
	}

	return []string{
		taskName,
		kind,
		strconv.Itoa(len(deps[taskName])),
		status,
		subtasks,
		updated,
		data,
	}, nil
}

func fail(helper *cmdutil.Helper, prefix string, err error) error {
	helper.LogError(prefix, err)
	return &cmdutil.Error{ExitCode: 1, Err: err}
}
