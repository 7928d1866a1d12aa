package cmdutil

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/kaptenlabs/kapten/internal/config"
	"github.com/kaptenlabs/kapten/internal/fingerprint"
	"github.com/kaptenlabs/kapten/internal/pipeline"
	"github.com/kaptenlabs/kapten/internal/spinner"
	"github.com/kaptenlabs/kapten/internal/state"
	"github.com/kaptenlabs/kapten/internal/store"
)

// LoadPipeline reads and resolves the registry file. Relative paths are
// anchored at the invocation directory, and the registry's
// required-version constraint is enforced against this binary.
func (h *Helper) LoadPipeline(path string) (*pipeline.Pipeline, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(h.Config.Cwd, path)
	}
	p, err := pipeline.Load(path)
	if err != nil {
		return nil, err
	}
	if constraint := p.Settings.RequiredVersion; constraint != "" {
		if err := config.CheckVersionConstraint(h.Config.Version, constraint); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ResolveGraph picks the graph a store-facing command operates on: the
// explicit name when given, the registry's sole graph otherwise.
func ResolveGraph(p *pipeline.Pipeline, name string) (string, error) {
	if name != "" {
		if _, err := p.Graph(name); err != nil {
			return "", err
		}
		return name, nil
	}
	if len(p.Graphs) == 1 {
		for graphName := range p.Graphs {
			return graphName, nil
		}
	}
	if len(p.Graphs) == 0 {
		return "", errors.New("the registry defines no graphs")
	}
	names := make([]string, 0, len(p.Graphs))
	for graphName := range p.Graphs {
		names = append(names, graphName)
	}
	sort.Strings(names)
	return "", errors.Errorf("the registry defines %d graphs (%s); name one", len(p.Graphs), strings.Join(names, ", "))
}

// ResolveStorageKey picks the state namespace: the registry's explicit
// storage-key when present, otherwise the slugified branch. branch
// overrides the registry's branch setting when non-empty.
func (h *Helper) ResolveStorageKey(p *pipeline.Pipeline, branch string) string {
	if branch == "" {
		branch = p.Settings.Branch
	}
	return state.StorageKey(branch, p.Settings.StorageKey)
}

// OpenStore connects the backend named by the registry settings under the
// given namespace. Slow handshakes get a spinner.
func (h *Helper) OpenStore(ctx context.Context, p *pipeline.Pipeline, storageKey string) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	werr := spinner.WaitFor(ctx, func() {
		st, err = store.New(ctx, store.Options{
			DB:         p.Settings.DB,
			TableName:  h.Config.Env.DynamoTableName,
			Region:     h.Config.Env.AWSRegion,
			StorageKey: storageKey,
			Logger:     h.Config.Logger,
		})
	}, h.UI, "...connecting to the state store...", 2*time.Second)
	if werr != nil {
		return nil, werr
	}
	if err != nil {
		return nil, errors.Wrap(err, "connecting to the state store")
	}
	return st, nil
}

// NewHasher builds the fingerprint hasher over the registry's source roots.
// outputsDir anchors declared output patterns; it must be the directory the
// executor runs tasks in or output fingerprints won't line up.
func (h *Helper) NewHasher(p *pipeline.Pipeline, outputsDir string) (*fingerprint.Hasher, error) {
	return fingerprint.New(fingerprint.Options{
		PyRoots:    h.anchorAll(p.Settings.PyTasksDirs),
		RRoots:     h.anchorAll(p.Settings.RTasksDirs),
		OutputsDir: outputsDir,
		Logger:     h.Config.Logger,
	})
}

// anchorAll joins relative registry paths with the invocation directory so
// --cwd moves the source roots along with the registry.
func (h *Helper) anchorAll(dirs []string) []string {
	out := make([]string, len(dirs))
	for i, d := range dirs {
		if filepath.IsAbs(d) {
			out[i] = d
		} else {
			out[i] = filepath.Join(h.Config.Cwd, d)
		}
	}
	return out
}

// ScratchRoot is the per-namespace working directory task subprocesses run
// in and write their outputs under.
func (h *Helper) ScratchRoot(storageKey string) string {
	return filepath.Join(h.Config.Env.ScratchDir, storageKey)
}

// RunsDir holds the per-run JSON reports.
func (h *Helper) RunsDir() string {
	return filepath.Join(h.Config.Env.ScratchDir, "runs")
}
