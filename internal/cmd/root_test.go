package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/adrg/xdg"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaptenlabs/kapten/internal/process"
)

// isolateUserConfig keeps the test away from the developer's real kapten
// config file.
func isolateUserConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	xdg.Reload()
	t.Cleanup(xdg.Reload)
}

func newProcesses() *process.Manager {
	return process.NewManager(hclog.NewNullLogger())
}

func TestExecuteVersion(t *testing.T) {
	assert.Equal(t, 0, Execute("1.2.3", newProcesses(), []string{"--version"}))
}

func TestExecuteHelp(t *testing.T) {
	assert.Equal(t, 0, Execute("1.2.3", newProcesses(), []string{"--help"}))
}

func TestExecuteUnknownCommand(t *testing.T) {
	assert.Equal(t, 1, Execute("1.2.3", newProcesses(), []string{"florp"}))
}

func TestExecuteRunMissingPipeline(t *testing.T) {
	isolateUserConfig(t)
	cwd := t.TempDir()

	code := Execute("1.2.3", newProcesses(), []string{"run", "nightly", "--cwd", cwd})

	assert.Equal(t, 1, code)
}

func TestExecuteValidate(t *testing.T) {
	isolateUserConfig(t)
	cwd := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "pipeline.yaml"), []byte(`
settings:
  py-tasks-dir: tasks
  db: sqlite
tasks:
  ingest:
    py_script: ingest
graphs:
  nightly:
    ingest:
`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(cwd, "tasks"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "tasks", "ingest.py"), []byte("def ingest():\n    pass\n"), 0o644))

	code := Execute("1.2.3", newProcesses(), []string{"validate", "--cwd", cwd})

	assert.Equal(t, 0, code)
}

func TestResolveCwdRejectsMissingDir(t *testing.T) {
	_, err := resolveCwd(filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --cwd")
}
