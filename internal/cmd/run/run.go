// Package run implements `kapten run`.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/kaptenlabs/kapten/internal/cmdutil"
	"github.com/kaptenlabs/kapten/internal/engine"
	"github.com/kaptenlabs/kapten/internal/executor"
	"github.com/kaptenlabs/kapten/internal/mapdriver"
	"github.com/kaptenlabs/kapten/internal/process"
	"github.com/kaptenlabs/kapten/internal/runner"
	"github.com/kaptenlabs/kapten/internal/ui"
	"github.com/kaptenlabs/kapten/internal/util"
)

// Opts are the flag-controlled knobs of one run invocation.
type Opts struct {
	PipelinePath string
	IgnoreCache  bool
	Subset       []string
	Params       []string
	Concurrency  string
	Profile      string
	Branch       string
}

// RunCmd returns the run subcommand.
func RunCmd(helper *cmdutil.Helper) *cobra.Command {
	opts := &Opts{}

	cmd := &cobra.Command{
		Use:   "run <graph> [tasks...]",
		Short: "Run a graph of tasks against the state cache",
		Long: `Run a graph of tasks against the state cache.

Tasks run in dependency order. A task whose code, inputs and upstream
data versions all match its stored record is replayed from the cache
instead of re-executed. Naming tasks restricts the run to those tasks
and their ancestors.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteRun(cmd.Context(), helper, args, opts)
		},
	}

	cmd.Flags().StringVar(&opts.PipelinePath, "pipeline", "pipeline.yaml", "path to the pipeline registry file")
	cmd.Flags().BoolVar(&opts.IgnoreCache, "ignore-cache", false, "run every task even when its stored state is fresh")
	cmd.Flags().StringSliceVar(&opts.Subset, "subset", nil, "restrict mapped tasks to the named element keys")
	cmd.Flags().StringArrayVar(&opts.Params, "param", nil, "runtime parameter as key=value, repeatable")
	cmd.Flags().StringVar(&opts.Concurrency, "concurrency", "10", "concurrency of inline task execution, a count or a percentage of CPU cores")
	cmd.Flags().StringVar(&opts.Profile, "profile", "", "file to write kapten's chrome tracing profile into")
	cmd.Flags().StringVar(&opts.Branch, "branch", "", "override the branch the state store is scoped to")

	return cmd
}

// ExecuteRun wires the store, fingerprints and runtime together and
// topo-walks the graph.
func ExecuteRun(ctx context.Context, helper *cmdutil.Helper, args []string, opts *Opts) error {
	startAt := time.Now()
	graphName := args[0]
	targets := args[1:]

	concurrency, err := util.ParseConcurrency(opts.Concurrency)
	if err != nil {
		return err
	}
	params, err := parseParams(opts.Params)
	if err != nil {
		return err
	}

	p, err := helper.LoadPipeline(opts.PipelinePath)
	if err != nil {
		return fail(helper, "loading pipeline", err)
	}

	var scope map[string]bool
	if len(targets) > 0 {
		scope, err = p.AncestorsOf(graphName, targets)
		if err != nil {
			return fail(helper, "", err)
		}
	} else if _, err := p.Graph(graphName); err != nil {
		return fail(helper, "", err)
	}

	storageKey := helper.ResolveStorageKey(p, opts.Branch)
	st, err := helper.OpenStore(ctx, p, storageKey)
	if err != nil {
		return fail(helper, "", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			helper.LogWarning("closing the state store", err)
		}
	}()

	scratch := helper.ScratchRoot(storageKey)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return fail(helper, "creating scratch directory", err)
	}

	hasher, err := helper.NewHasher(p, scratch)
	if err != nil {
		return fail(helper, "", err)
	}

	exec, err := executor.New(executor.Opts{
		Pipeline:   p,
		Store:      st,
		Hasher:     hasher,
		Env:        helper.Config.Env,
		Processes:  helper.Processes,
		UI:         helper.UI,
		OutputsDir: scratch,
		Logger:     helper.Config.Logger,
	})
	if err != nil {
		return fail(helper, "", err)
	}

	var deployments *runner.DeploymentClient
	if p.Settings.FlowType == "deployment" && !helper.Config.Env.DeployAsInlineSubflows {
		deployments = runner.NewDeploymentClient(
			helper.Config.User.APIURL(),
			helper.Config.User.Token(),
			helper.Config.Version,
			helper.Config.Logger,
		)
	}
	binding, err := runner.NewBinding(runner.Opts{
		Exec:        exec.Execute,
		Concurrency: concurrency,
		Deployments: deployments,
		Logger:      helper.Config.Logger,
	})
	if err != nil {
		return fail(helper, "", err)
	}

	driver, err := mapdriver.New(mapdriver.Opts{
		Store:     st,
		Runner:    binding,
		RuntimeID: executor.RuntimeID(ctx, helper.Config.Env.ECSMetadataURI, helper.Config.Logger),
		Logger:    helper.Config.Logger,
	})
	if err != nil {
		return fail(helper, "", err)
	}

	runState := engine.NewRunState(startAt, opts.Profile, graphName, targets)
	eng, err := engine.New(engine.Opts{
		Pipeline: p,
		Graph:    graphName,
		Store:    st,
		Hasher:   hasher,
		Exec:     exec,
		Runner:   binding,
		Driver:   driver,
		Env:      helper.Config.Env,
		UI:       helper.UI,
		RunState: runState,
		Logger:   helper.Config.Logger,
	})
	if err != nil {
		return fail(helper, "", err)
	}

	if scope != nil {
		inScope := make([]string, 0, len(scope))
		for taskName := range scope {
			inScope = append(inScope, taskName)
		}
		sort.Strings(inScope)
		helper.UI.Output(ui.Dim(fmt.Sprintf("• Tasks in scope: %v", strings.Join(inScope, ", "))))
	}
	helper.UI.Output(fmt.Sprintf("%s %s", ui.Dim("• Running graph"), ui.Dim(ui.Bold(graphName))))

	walkErr := p.TopoWalk(graphName, func(taskName string) error {
		if scope != nil && !scope[taskName] {
			return nil
		}
		return eng.Submit(ctx, taskName, engine.SubmitOpts{
			Params:      params,
			IgnoreCache: opts.IgnoreCache,
			Subset:      opts.Subset,
		})
	})

	if err := runState.Close(helper.UI, opts.Profile, helper.RunsDir()); err != nil {
		helper.LogWarning("writing run summary", err)
	}

	if walkErr != nil {
		for _, err := range flatten(walkErr) {
			if errors.Is(err, process.ErrClosing) {
				// Tasks killed by shutdown are not reported individually.
				continue
			}
			helper.LogError("", err)
		}
		return &cmdutil.Error{ExitCode: 1, Err: walkErr}
	}
	return nil
}

func fail(helper *cmdutil.Helper, prefix string, err error) error {
	helper.LogError(prefix, err)
	return &cmdutil.Error{ExitCode: 1, Err: err}
}

func flatten(err error) []error {
	var merr *multierror.Error
	if errors.As(err, &merr) {
		return merr.Errors
	}
	return []error{err}
}

// parseParams turns repeated key=value flags into the run's parameter map.
// Values that parse as JSON pass through typed; anything else stays a
// string.
func parseParams(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, errors.Errorf("invalid --param %q, expected key=value", pair)
		}
		var typed interface{}
		if err := json.Unmarshal([]byte(value), &typed); err != nil {
			params[key] = value
			continue
		}
		params[key] = typed
	}
	return params, nil
}
