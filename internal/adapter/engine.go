package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	m "pytx.dev/pkg/pytx/internal/model"
)

// EngineAdapter abstracts the test engine subprocess. The engine is
// opaque: it is spawned with an argument list and emits line-oriented
// per-test events on stdout.
type EngineAdapter interface {
	// Collect runs the engine in collect-only mode and returns its
	// combined output. No test bodies execute.
	Collect(ctx context.Context, args []string) ([]byte, error)

	// Start spawns an engine run and returns a handle with live
	// stdout/stderr pipes. The caller must drain both pipes and call
	// Wait exactly once.
	Start(ctx context.Context, args []string) (EngineProcess, error)
}

// EngineProcess is a handle on one running engine invocation.
type EngineProcess interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
	// Kill terminates the process. Safe to call after exit.
	Kill() error
}

// LocalEngineAdapter runs the engine via os/exec. The default
// executable is "python" with "-m pytest" prepended, overridable for
// environments that expose a pytest binary directly.
type LocalEngineAdapter struct {
	executable string
	baseArgs   []string
	workDir    string
}

// NewLocalEngineAdapter constructs a LocalEngineAdapter rooted at
// workDir. Empty workDir means the current directory.
func NewLocalEngineAdapter(workDir string) *LocalEngineAdapter {
	return &LocalEngineAdapter{
		executable: "python",
		baseArgs:   []string{"-m", "pytest"},
		workDir:    workDir,
	}
}

// NewEngineAdapterWithExecutable constructs an adapter invoking the
// given executable with no implicit arguments.
func NewEngineAdapterWithExecutable(executable, workDir string) *LocalEngineAdapter {
	return &LocalEngineAdapter{
		executable: executable,
		workDir:    workDir,
	}
}

func (a *LocalEngineAdapter) command(ctx context.Context, args []string) *exec.Cmd {
	full := make([]string, 0, len(a.baseArgs)+len(args))
	full = append(full, a.baseArgs...)
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, a.executable, full...)
	cmd.Dir = a.workDir

	return cmd
}

// Collect runs the engine in collect-only mode.
func (a *LocalEngineAdapter) Collect(ctx context.Context, args []string) ([]byte, error) {
	cmd := a.command(ctx, args)

	output, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Collection errors still produce parseable output; the
			// selector decides which targets failed. A non-zero exit
			// is expected when some targets do not collect.
			return output, nil
		}

		slog.Error("failed to spawn engine for collection", "executable", a.executable, "error", err)

		return nil, &m.SubprocessError{Message: "failed to spawn engine", Err: err}
	}

	return output, nil
}

// Start spawns an engine run with live pipes.
func (a *LocalEngineAdapter) Start(ctx context.Context, args []string) (EngineProcess, error) {
	cmd := a.command(ctx, args)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		slog.Error("failed to spawn engine", "executable", a.executable, "error", err)

		return nil, &m.SubprocessError{Message: "failed to spawn engine", Err: err}
	}

	slog.Debug("engine started", "pid", cmd.Process.Pid, "args", args)

	return &localProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type localProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *localProcess) Stdout() io.Reader { return p.stdout }
func (p *localProcess) Stderr() io.Reader { return p.stderr }

func (p *localProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}

		return -1, fmt.Errorf("wait for engine: %w", err)
	}

	return 0, nil
}

func (p *localProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill engine: %w", err)
	}

	return nil
}
