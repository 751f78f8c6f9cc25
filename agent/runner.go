package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/anchor/task"
)

const (
	defaultTimeout = 60 * time.Second
	// waitDelay bounds how long output pipes are drained after the process
	// is killed, since children it spawned may still hold them open.
	waitDelay = time.Second
)

var (
	errUnknownRuntime = errors.New("unknown runtime")
	errNothingToRun   = errors.New("work has neither source code nor command")
)

// Job is one unit of work handed to a Runner.
type Job struct {
	ID           string
	TaskID       string
	SubTaskID    string
	ChunkIndex   int
	Range        *task.Range
	Payload      map[string]any
	SourceCode   string
	Dependencies []string
	Env          map[string]string
	Runtime      string
	Timeout      time.Duration
}

// Output is the deterministic part of an execution. Timing is kept out of
// it so that redundant executions of the same work compare equal.
type Output struct {
	Stdout   any    `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`
}

type Runner interface {
	Run(ctx context.Context, job Job) (Output, error)
}

type runtimeSpec struct {
	command []string
	file    string
	install func(deps []string) []string
}

var runtimes = map[string]runtimeSpec{
	"node": {
		command: []string{"node"},
		file:    "index.js",
		install: func(deps []string) []string {
			return append([]string{"npm", "install", "--no-audit", "--no-fund"}, deps...)
		},
	},
	"python": {
		command: []string{"python3"},
		file:    "main.py",
		install: func(deps []string) []string {
			return append([]string{"python3", "-m", "pip", "install", "--quiet", "--target", "."}, deps...)
		},
	},
	"sh": {
		command: []string{"sh"},
		file:    "script.sh",
	},
}

type hostRunner struct {
	workDir        string
	defaultRuntime string
	logger         *slog.Logger
}

// NewHostRunner runs scripts with interpreters installed on the host. Each
// job gets its own directory under workDir, removed once the job finishes.
func NewHostRunner(workDir, defaultRuntime string, logger *slog.Logger) Runner {
	return &hostRunner{
		workDir:        workDir,
		defaultRuntime: defaultRuntime,
		logger:         logger,
	}
}

func (r *hostRunner) Run(ctx context.Context, job Job) (Output, error) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dir, err := os.MkdirTemp(r.workDir, "job-")
	if err != nil {
		return Output{}, fmt.Errorf("error creating job directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			r.logger.Error("failed to remove job directory", slog.String("dir", dir), slog.String("error", err.Error()))
		}
	}()

	args, err := r.prepare(ctx, dir, job)
	if err != nil {
		return Output{}, err
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = jobEnv(job)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	r.logger.Info("finished running job",
		slog.String("id", job.ID),
		slog.Duration("duration", time.Since(start)))

	out := Output{
		Stdout: parseStdout(stdout.Bytes()),
		Stderr: strings.TrimSpace(stderr.String()),
	}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}
	if ctx.Err() != nil {
		return out, fmt.Errorf("job %s: %w", job.ID, ctx.Err())
	}
	if runErr != nil {
		return out, fmt.Errorf("job %s: %w", job.ID, runErr)
	}

	return out, nil
}

// prepare writes the job source into dir, installs its dependencies and
// returns the command line to execute.
func (r *hostRunner) prepare(ctx context.Context, dir string, job Job) ([]string, error) {
	if job.SourceCode == "" {
		command, _ := job.Payload["command"].(string)
		fields := strings.Fields(command)
		if len(fields) == 0 {
			return nil, errNothingToRun
		}

		return fields, nil
	}

	name := job.Runtime
	if name == "" {
		name = r.defaultRuntime
	}
	rt, ok := runtimes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnknownRuntime, name)
	}

	path := filepath.Join(dir, rt.file)
	if err := os.WriteFile(path, []byte(job.SourceCode), 0o600); err != nil {
		return nil, fmt.Errorf("error writing source: %w", err)
	}

	if len(job.Dependencies) > 0 && rt.install != nil {
		install := rt.install(job.Dependencies)
		cmd := exec.CommandContext(ctx, install[0], install[1:]...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			return nil, fmt.Errorf("error installing dependencies: %w: %s", err, strings.TrimSpace(string(out)))
		}
	}

	return append(append([]string(nil), rt.command...), rt.file), nil
}

func jobEnv(job Job) []string {
	env := os.Environ()
	env = append(env,
		"ANCHOR_TASK_ID="+job.TaskID,
		"ANCHOR_SUBTASK_ID="+job.SubTaskID,
		"ANCHOR_CHUNK_INDEX="+strconv.Itoa(job.ChunkIndex),
	)
	if job.Range != nil {
		env = append(env,
			"ANCHOR_RANGE_START="+strconv.FormatInt(job.Range.Start, 10),
			"ANCHOR_RANGE_END="+strconv.FormatInt(job.Range.End, 10),
		)
	}
	if len(job.Payload) > 0 {
		if data, err := json.Marshal(job.Payload); err == nil {
			env = append(env, "ANCHOR_PAYLOAD="+string(data))
		}
	}
	for k, v := range job.Env {
		env = append(env, k+"="+v)
	}

	return env
}

// parseStdout returns stdout as JSON when it is a JSON document and as
// trimmed text otherwise.
func parseStdout(b []byte) any {
	trimmed := bytes.TrimSpace(b)
	var v any
	if len(trimmed) > 0 && json.Unmarshal(trimmed, &v) == nil {
		return v
	}

	return string(trimmed)
}
