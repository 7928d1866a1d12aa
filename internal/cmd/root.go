// Package cmd holds the root cobra command for kapten.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/yookoala/realpath"

	"github.com/kaptenlabs/kapten/internal/cmd/auth"
	"github.com/kaptenlabs/kapten/internal/cmd/clear"
	"github.com/kaptenlabs/kapten/internal/cmd/codegen"
	"github.com/kaptenlabs/kapten/internal/cmd/info"
	"github.com/kaptenlabs/kapten/internal/cmd/recent"
	"github.com/kaptenlabs/kapten/internal/cmd/run"
	"github.com/kaptenlabs/kapten/internal/cmd/validate"
	"github.com/kaptenlabs/kapten/internal/cmdutil"
	"github.com/kaptenlabs/kapten/internal/config"
	"github.com/kaptenlabs/kapten/internal/process"
	"github.com/kaptenlabs/kapten/internal/ui"
	"github.com/kaptenlabs/kapten/internal/util"
)

// Execute parses args, runs the selected command and returns the process
// exit code.
func Execute(version string, processes *process.Manager, args []string) int {
	util.InitPrintf()

	helper := &cmdutil.Helper{Processes: processes}

	var (
		verbosity  int
		cwd        string
		forceColor bool
		noColor    bool
	)

	root := &cobra.Command{
		Use:   "kapten <command> [<args>]",
		Short: "Kapten is a build-and-cache orchestrator for data pipelines",
		Long: `Kapten runs graphs of Python and R tasks against a content-addressed
state cache: tasks whose code, inputs and upstream data are unchanged
are replayed from the store instead of re-executed.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := resolveCwd(cwd)
			if err != nil {
				return err
			}
			cfg, err := config.New(version, resolved, verbosity)
			if err != nil {
				return err
			}
			if token, _ := cmd.Flags().GetString("token"); token != "" {
				cfg.User.SetTokenOverride(token)
			}
			if api, _ := cmd.Flags().GetString("api"); api != "" {
				cfg.User.SetAPIURLOverride(api)
			}
			colorMode := ui.GetColorModeFromEnv()
			if noColor {
				colorMode = ui.ColorModeSuppressed
			}
			if forceColor {
				colorMode = ui.ColorModeForced
			}
			helper.Config = cfg
			helper.UI = ui.BuildColoredUi(colorMode)
			return nil
		},
	}
	root.SetVersionTemplate(`{{printf "%s" .Version}}
`)

	flags := root.PersistentFlags()
	flags.CountVarP(&verbosity, "verbosity", "v", "verbosity of log output (-v info, -vv debug, -vvv trace)")
	flags.StringVar(&cwd, "cwd", "", "directory to run in (default: current directory)")
	flags.BoolVar(&forceColor, "color", false, "force color usage in the terminal")
	flags.BoolVar(&noColor, "no-color", false, "suppress color usage in the terminal")
	config.AddUserConfigFlags(flags)

	root.AddCommand(run.RunCmd(helper))
	root.AddCommand(info.LsCmd(helper))
	root.AddCommand(info.FetchCmd(helper))
	root.AddCommand(info.GraphCmd(helper))
	root.AddCommand(validate.ValidateCmd(helper))
	root.AddCommand(codegen.CodegenCmd(helper))
	root.AddCommand(clear.ClearCmd(helper))
	root.AddCommand(recent.RecentCmd(helper))
	root.AddCommand(auth.LoginCmd(helper))
	root.AddCommand(auth.LogoutCmd(helper))

	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		cmdErr := &cmdutil.Error{}
		if errors.As(err, &cmdErr) {
			return cmdErr.ExitCode
		}
		fmt.Printf("Kapten error: %v\n", err)
		return 1
	}
	return 0
}

// resolveCwd canonicalizes the invocation directory so every derived path
// (registry, scratch, fingerprint roots) survives symlinked checkouts.
func resolveCwd(flagValue string) (string, error) {
	if flagValue != "" {
		resolved, err := realpath.Realpath(flagValue)
		if err != nil {
			return "", errors.Wrapf(err, "invalid --cwd %v", flagValue)
		}
		return resolved, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", errors.Wrap(err, "resolving working directory")
	}
	resolved, err := realpath.Realpath(cwd)
	if err != nil {
		return "", errors.Wrap(err, "resolving working directory")
	}
	return resolved, nil
}
