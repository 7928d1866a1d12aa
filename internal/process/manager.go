package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// ErrClosing is returned when the process manager is in the process of closing,
// meaning that no more child processes can be Exec'd, and existing, non-failed
// child processes will be stopped with this error.
var ErrClosing = errors.New("process manager is already closing")

// ChildExit is returned when a child process exits with a non-zero exit code
type ChildExit struct {
	ExitCode int
	Command  string
}

func (ce *ChildExit) Error() string {
	return fmt.Sprintf("command %s exited (%d)", ce.Command, ce.ExitCode)
}

// Manager tracks every interpreter subprocess spawned for a task so that
// a single Close tears all of them down on shutdown or ctrl-c
type Manager struct {
	done     bool
	children map[*Child]struct{}
	mu       sync.Mutex
	doneCh   chan struct{}
	logger   hclog.Logger
}

// NewManager creates a new properly-initialized Manager instance
func NewManager(logger hclog.Logger) *Manager {
	return &Manager{
		children: make(map[*Child]struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}
}

// Exec runs the given command as a managed child and blocks until it
// completes. It returns nil when the interpreter finished cleanly,
// ErrClosing when the manager shut down mid-run, and a ChildExit error
// carrying the exit code otherwise.
func (m *Manager) Exec(cmd *exec.Cmd) error {
	child, err := m.track(cmd)
	if err != nil {
		return err
	}
	defer m.untrack(child)

	if err := child.Start(); err != nil {
		return err
	}

	exitCode, ok := <-child.ExitCh()
	if !ok {
		return ErrClosing
	}
	if exitCode != ExitCodeOK {
		return &ChildExit{ExitCode: exitCode, Command: child.Command()}
	}
	return nil
}

func (m *Manager) track(cmd *exec.Cmd) (*Child, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return nil, ErrClosing
	}
	child := newChild(childInput{
		Cmd: cmd,
		// SIGINT first so R and python can flush output, a hard kill
		// follows after the grace period.
		KillSignal:  os.Interrupt,
		KillTimeout: 10 * time.Second,
		Logger:      m.logger,
	})
	m.children[child] = struct{}{}
	return child, nil
}

func (m *Manager) untrack(child *Child) {
	m.mu.Lock()
	delete(m.children, child)
	m.mu.Unlock()
}

// Close sends the kill signal to all child processes if it hasn't been done
// yet, and in either case blocks until they all exit or time out
func (m *Manager) Close() {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		<-m.doneCh
		return
	}
	wg := sync.WaitGroup{}
	m.done = true
	for child := range m.children {
		child := child
		wg.Add(1)
		go func() {
			child.Stop()
			wg.Done()
		}()
	}
	m.mu.Unlock()
	wg.Wait()
	close(m.doneCh)
}
