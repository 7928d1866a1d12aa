package run

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/adrg/xdg"
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaptenlabs/kapten/internal/cmdutil"
	"github.com/kaptenlabs/kapten/internal/config"
	"github.com/kaptenlabs/kapten/internal/process"
	"github.com/kaptenlabs/kapten/internal/ui"
)

func newHelper(t *testing.T, cwd string) (*cmdutil.Helper, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	return &cmdutil.Helper{
		Config: &config.Config{
			Logger:  hclog.NewNullLogger(),
			Env:     &config.Env{ScratchDir: filepath.Join(cwd, "scratch")},
			Version: "1.0.0",
			Cwd:     cwd,
		},
		UI:        &cli.BasicUi{Writer: out, ErrorWriter: out},
		Processes: process.NewManager(hclog.NewNullLogger()),
	}, out
}

func writePipeline(t *testing.T, cwd, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "pipeline.yaml"), []byte(content), 0o644))
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{
		"window=7",
		"model=resnet",
		"tags=[\"a\",\"b\"]",
		"dry=false",
		"note=3 days",
	})
	require.NoError(t, err)
	assert.Equal(t, float64(7), params["window"])
	assert.Equal(t, "resnet", params["model"])
	assert.Equal(t, []interface{}{"a", "b"}, params["tags"])
	assert.Equal(t, false, params["dry"])
	assert.Equal(t, "3 days", params["note"])
}

func TestParseParamsRejectsBarePair(t *testing.T) {
	_, err := parseParams([]string{"window"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key=value")
}

func TestParseParamsEmpty(t *testing.T) {
	params, err := parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, params)
}

func TestRunMissingPipeline(t *testing.T) {
	cwd := t.TempDir()
	helper, out := newHelper(t, cwd)

	err := ExecuteRun(context.Background(), helper, []string{"nightly"}, &Opts{
		PipelinePath: "pipeline.yaml",
		Concurrency:  "10",
	})

	cmdErr := &cmdutil.Error{}
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 1, cmdErr.ExitCode)
	assert.Contains(t, ui.StripAnsi(out.String()), "loading pipeline")
}

func TestRunHonorsRequiredVersion(t *testing.T) {
	cwd := t.TempDir()
	writePipeline(t, cwd, `
settings:
  db: sqlite
  required-version: ">=9.0.0"
graphs:
  nightly: {}
`)
	helper, out := newHelper(t, cwd)

	err := ExecuteRun(context.Background(), helper, []string{"nightly"}, &Opts{
		PipelinePath: "pipeline.yaml",
		Concurrency:  "10",
	})

	require.Error(t, err)
	assert.Contains(t, ui.StripAnsi(out.String()), "does not meet")
}

func TestRunUnknownGraph(t *testing.T) {
	cwd := t.TempDir()
	writePipeline(t, cwd, `
settings:
  db: sqlite
graphs:
  nightly: {}
`)
	helper, out := newHelper(t, cwd)

	err := ExecuteRun(context.Background(), helper, []string{"weekly"}, &Opts{
		PipelinePath: "pipeline.yaml",
		Concurrency:  "10",
	})

	require.Error(t, err)
	assert.Contains(t, ui.StripAnsi(out.String()), "weekly")
}

func TestRunBadConcurrency(t *testing.T) {
	cwd := t.TempDir()
	helper, _ := newHelper(t, cwd)

	err := ExecuteRun(context.Background(), helper, []string{"nightly"}, &Opts{
		PipelinePath: "pipeline.yaml",
		Concurrency:  "zero",
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "concurrency")
}

func TestRunEmptyGraphPrintsSummary(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	xdg.Reload()
	t.Cleanup(xdg.Reload)

	cwd := t.TempDir()
	writePipeline(t, cwd, `
settings:
  db: sqlite
  branch: feature/one
graphs:
  nightly: {}
`)
	helper, out := newHelper(t, cwd)

	err := ExecuteRun(context.Background(), helper, []string{"nightly"}, &Opts{
		PipelinePath: "pipeline.yaml",
		Concurrency:  "10",
	})
	require.NoError(t, err)

	got := ui.StripAnsi(out.String())
	assert.Contains(t, got, "Running graph")
	assert.Contains(t, got, "0 total")

	entries, err := os.ReadDir(filepath.Join(cwd, "scratch", "runs"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// The branch name is slugified into the scratch namespace.
	_, err = os.Stat(filepath.Join(cwd, "scratch", "feature-one"))
	assert.NoError(t, err)
}
