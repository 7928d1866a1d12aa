package process

import (
	"bytes"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager() *Manager {
	return NewManager(hclog.NewNullLogger())
}

func TestExecRunsToCompletion(t *testing.T) {
	mgr := newManager()

	var out bytes.Buffer
	cmd := exec.Command("env")
	cmd.Stdout = &out

	require.NoError(t, mgr.Exec(cmd))
	assert.NotEmpty(t, out.String(), "expected output from running 'env'")
}

func TestCloseStopsRunningChildren(t *testing.T) {
	mgr := newManager()

	const tasks = 4
	var wg sync.WaitGroup
	errs := make([]error, tasks)
	start := time.Now()
	for i := 0; i < tasks; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = mgr.Exec(exec.Command("sleep", "0.5"))
		}()
	}
	// let the children start
	time.Sleep(50 * time.Millisecond)
	mgr.Close()
	wg.Wait()

	assert.Less(t, time.Since(start), 500*time.Millisecond, "close should not wait out the sleeps")
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrClosing)
	}
}

func TestCloseTwiceThenExec(t *testing.T) {
	mgr := newManager()
	mgr.Close()
	mgr.Close()

	assert.ErrorIs(t, mgr.Exec(exec.Command("sleep", "1")), ErrClosing)
}

func TestExecReportsExitCode(t *testing.T) {
	mgr := newManager()

	err := mgr.Exec(exec.Command("ls", "doesnotexist"))
	exitErr := &ChildExit{}
	require.ErrorAs(t, err, &exitErr)
	assert.NotZero(t, exitErr.ExitCode)
	assert.Contains(t, exitErr.Command, "ls")
}
