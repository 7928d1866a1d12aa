package engine

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/cli"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaptenlabs/kapten/internal/ui"
)

func TestTaskResultString(t *testing.T) {
	assert.Equal(t, "running", TaskRunning.String())
	assert.Equal(t, "executed", TaskExecuted.String())
	assert.Equal(t, "replayed", TaskReplayed.String())
	assert.Equal(t, "failed", TaskFailed.String())
}

func TestRunStateCounters(t *testing.T) {
	rs := NewRunState(time.Now(), "", "nightly", []string{"etl"})

	tr := rs.StartTrace("pull")
	tr.SetResult(TaskExecuted)
	tr.Finish()

	tr = rs.StartTrace("etl")
	tr.SetResult(TaskReplayed)
	tr.Finish()

	tr = rs.StartTrace("publish")
	tr.SetFailed(errors.New("boom"))
	tr.Finish()

	assert.Equal(t, 3, rs.attempted)
	assert.Equal(t, 1, rs.success)
	assert.Equal(t, 1, rs.cached)
	assert.Equal(t, 1, rs.failure)
}

func TestRunStateClosePrintsSummary(t *testing.T) {
	rs := NewRunState(time.Now(), "", "nightly", nil)
	for _, task := range []string{"pull", "etl"} {
		tr := rs.StartTrace(task)
		tr.SetResult(TaskExecuted)
		tr.Finish()
	}
	tr := rs.StartTrace("publish")
	tr.SetResult(TaskReplayed)
	tr.Finish()

	out := &bytes.Buffer{}
	require.NoError(t, rs.Close(&cli.BasicUi{Writer: out, ErrorWriter: out}, "", ""))

	plain := ui.StripAnsi(out.String())
	assert.Contains(t, plain, "3 successful")
	assert.Contains(t, plain, "1 replayed")
	assert.Contains(t, plain, "3 total")
	assert.NotContains(t, plain, "FULL CACHE")
}

func TestRunStateFullCacheLine(t *testing.T) {
	rs := NewRunState(time.Now(), "", "nightly", nil)
	tr := rs.StartTrace("etl")
	tr.SetResult(TaskReplayed)
	tr.Finish()

	out := &bytes.Buffer{}
	require.NoError(t, rs.Close(&cli.BasicUi{Writer: out, ErrorWriter: out}, "", ""))
	assert.Contains(t, ui.StripAnsi(out.String()), ">>> FULL CACHE")
}

func TestRunStateWritesReport(t *testing.T) {
	rs := NewRunState(time.Now(), "", "nightly", []string{"etl"})

	tr := rs.StartTrace("etl")
	tr.SetReason("No cached state")
	tr.SetResult(TaskExecuted)
	tr.Finish()

	tr = rs.StartTrace("publish")
	tr.SetFailed(errors.New("exploded"))
	tr.Finish()

	runsDir := filepath.Join(t.TempDir(), "runs")
	out := &bytes.Buffer{}
	require.NoError(t, rs.Close(&cli.BasicUi{Writer: out, ErrorWriter: out}, "", runsDir))

	entries, err := os.ReadDir(runsDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	raw, err := os.ReadFile(filepath.Join(runsDir, entries[0].Name()))
	require.NoError(t, err)
	var report struct {
		SessionID string   `json:"sessionId"`
		Graph     string   `json:"graph"`
		Targets   []string `json:"targets"`
		Tasks     map[string]struct {
			Status string `json:"status"`
			Reason string `json:"reason"`
			Error  string `json:"error"`
		} `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(raw, &report))

	assert.NotEmpty(t, report.SessionID)
	assert.Equal(t, "nightly", report.Graph)
	assert.Equal(t, []string{"etl"}, report.Targets)
	require.Contains(t, report.Tasks, "etl")
	assert.Equal(t, "executed", report.Tasks["etl"].Status)
	assert.Equal(t, "No cached state", report.Tasks["etl"].Reason)
	require.Contains(t, report.Tasks, "publish")
	assert.Equal(t, "failed", report.Tasks["publish"].Status)
	assert.Equal(t, "exploded", report.Tasks["publish"].Error)
}
