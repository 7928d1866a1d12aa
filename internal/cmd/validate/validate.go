// Package validate implements `kapten validate`.
package validate

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/kaptenlabs/kapten/internal/cmdutil"
	"github.com/kaptenlabs/kapten/internal/ui"
)

// ValidateCmd returns the validate subcommand.
func ValidateCmd(helper *cmdutil.Helper) *cobra.Command {
	var pipelinePath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the pipeline registry for cycles, unknown tasks and missing sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeValidate(helper, pipelinePath)
		},
	}

	cmd.Flags().StringVar(&pipelinePath, "pipeline", "pipeline.yaml", "path to the pipeline registry file")

	return cmd
}

func executeValidate(helper *cmdutil.Helper, pipelinePath string) error {
	p, err := helper.LoadPipeline(pipelinePath)
	if err != nil {
		helper.LogError("loading pipeline", err)
		return &cmdutil.Error{ExitCode: 1, Err: err}
	}

	hasher, err := helper.NewHasher(p, "")
	if err != nil {
		helper.LogError("", err)
		return &cmdutil.Error{ExitCode: 1, Err: err}
	}

	if err := p.Validate(hasher); err != nil {
		for _, finding := range flatten(err) {
			helper.LogError("", finding)
		}
		return &cmdutil.Error{ExitCode: 1, Err: err}
	}

	helper.UI.Output(fmt.Sprintf("✔ %s is valid: %d tasks across %d graphs", ui.Bold(p.Path()), len(p.Tasks), len(p.Graphs)))
	return nil
}

func flatten(err error) []error {
	if merr, ok := err.(*multierror.Error); ok {
		return merr.Errors
	}
	return []error{err}
}
