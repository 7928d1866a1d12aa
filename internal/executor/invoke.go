package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gosimple/slug"
	"github.com/pkg/errors"

	"github.com/kaptenlabs/kapten/internal/logstreamer"
	"github.com/kaptenlabs/kapten/internal/pipeline"
	"github.com/kaptenlabs/kapten/internal/process"
	"github.com/kaptenlabs/kapten/internal/runner"
)

// invokePython runs the task's entry point through the bootstrap. Kwargs
// travel through a temp file, the return value comes back through another;
// a missing or empty result file decodes to nil.
func (e *Executor) invokePython(ctx context.Context, spec runner.TaskSpec, label, logName string, kwargs map[string]interface{}) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	task := spec.Task
	if err := os.MkdirAll(e.outputsDir, 0o755); err != nil {
		return nil, err
	}

	kwargsFile, err := os.CreateTemp("", "kapten-kwargs-*.json")
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.Remove(kwargsFile.Name()) }()
	if err := json.NewEncoder(kwargsFile).Encode(kwargs); err != nil {
		_ = kwargsFile.Close()
		return nil, errors.Wrapf(err, "encoding kwargs for %s", label)
	}
	if err := kwargsFile.Close(); err != nil {
		return nil, err
	}

	resultFile, err := os.CreateTemp("", "kapten-result-*.json")
	if err != nil {
		return nil, err
	}
	resultPath := resultFile.Name()
	_ = resultFile.Close()
	defer func() { _ = os.Remove(resultPath) }()

	roots := e.hasher.PyRoots()
	if roots == nil {
		roots = []string{}
	}
	rootsJSON, err := json.Marshal(roots)
	if err != nil {
		return nil, err
	}

	command := fmt.Sprintf("python3 %s:%s", task.PyModule(), task.PyFunction())
	cmd := exec.Command("python3", "-c", pythonBootstrap,
		string(rootsJSON), task.PyModule(), task.PyFunction(), kwargsFile.Name(), resultPath)
	cmd.Dir = e.outputsDir
	cmd.Env = e.childEnv(task, nil)

	record, runErr := e.stream(cmd, label, logName, task.Logs)
	if runErr != nil {
		return nil, e.translateExit(label, command, record, runErr)
	}

	data, err := os.ReadFile(resultPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading result of %s", label)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var result interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrapf(err, "decoding result of %s", label)
	}
	return result, nil
}

// invokeR runs Rscript on the resolved script. R tasks take their arguments
// as KAPTEN_ARG_* environment variables, JSON-encoded, and return nothing.
func (e *Executor) invokeR(ctx context.Context, spec runner.TaskSpec, label, logName string, kwargs map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	task := spec.Task
	if err := os.MkdirAll(e.outputsDir, 0o755); err != nil {
		return err
	}

	script, err := e.hasher.RScriptPath(task.Name, task.RScript, placeholderEnv(kwargs))
	if err != nil {
		return err
	}

	args := append([]string{}, task.PrefixArgs...)
	args = append(args, script)
	args = append(args, task.CliArgs...)

	extra := make([]string, 0, len(kwargs))
	for k, v := range kwargs {
		b, err := json.Marshal(v)
		if err != nil {
			return errors.Wrapf(err, "encoding arg %q for %s", k, label)
		}
		extra = append(extra, argEnvName(k)+"="+string(b))
	}

	cmd := exec.Command("Rscript", args...)
	cmd.Dir = e.outputsDir
	cmd.Env = e.childEnv(task, extra)

	record, runErr := e.stream(cmd, label, logName, task.Logs)
	if runErr != nil {
		return e.translateExit(label, "Rscript "+script, record, runErr)
	}
	return nil
}

// stream runs the command through the process manager with both output
// streams prefixed and recorded. The record comes back even when the run
// fails; it feeds TaskRunError.Output.
func (e *Executor) stream(cmd *exec.Cmd, label, logName string, keepLogs bool) (string, error) {
	prefix := e.colors.PrefixWithColor(label, label)
	var writer io.Writer = os.Stdout
	var logFile *os.File
	if keepLogs {
		path := filepath.Join(e.outputsDir, "logs", logName+".log")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		f, err := os.Create(path)
		if err != nil {
			return "", err
		}
		logFile = f
		writer = io.MultiWriter(os.Stdout, f)
	}

	outLogger := log.New(writer, "", 0)
	streamOut := logstreamer.NewLogstreamer(outLogger, prefix, true)
	streamErr := logstreamer.NewLogstreamer(outLogger, prefix, true)
	cmd.Stdout = streamOut
	cmd.Stderr = streamErr

	execErr := e.processes.Exec(cmd)

	_ = streamOut.Close()
	_ = streamErr.Close()
	record := streamOut.FlushRecord() + streamErr.FlushRecord()
	if logFile != nil {
		_ = logFile.Close()
	}
	return record, execErr
}

func (e *Executor) translateExit(label, command, record string, err error) error {
	if errors.Is(err, process.ErrClosing) {
		return err
	}
	var ce *process.ChildExit
	if errors.As(err, &ce) {
		return &TaskRunError{Task: label, Command: command, ExitCode: ce.ExitCode, Output: record}
	}
	return errors.Wrapf(err, "running %s", label)
}

// childEnv is the subprocess environment: the parent's plus the scratch
// location, prod flag, artifact store and the task's aws_vars.
func (e *Executor) childEnv(task *pipeline.Task, extra []string) []string {
	env := os.Environ()
	env = append(env, "SCRATCH_DIR="+e.outputsDir)
	env = append(env, fmt.Sprintf("IS_PROD=%t", e.env.IsProd))
	if e.env.ArtifactStore != "" {
		env = append(env, "ARTIFACT_STORE="+e.env.ArtifactStore)
	}
	for k, v := range task.AwsVars {
		env = append(env, k+"="+v)
	}
	return append(env, extra...)
}

func argEnvName(name string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, strings.ToUpper(name))
	return "KAPTEN_ARG_" + mapped
}

func logSlug(key string) string {
	s := slug.Make(key)
	if s == "" {
		return "subtask"
	}
	return s
}
