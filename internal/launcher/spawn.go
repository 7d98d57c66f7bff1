package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"

	"github.com/yangwenmai/fmucheck/internal/model"
)

// Spawner starts the worker process for a digest.
type Spawner interface {
	Spawn(ctx context.Context, d model.Digest) (Process, error)
}

// Process is a started worker.
type Process interface {
	Pid() int
	// Wait blocks until the process exits and returns its exit code
	// (-1 when it was killed by a signal).
	Wait() (int, error)
}

// ExecSpawner runs `<Path> <Args...> <digest>` as a child process in its own
// process group. The child outlives the request that started it.
type ExecSpawner struct {
	// Path is the binary to run; empty means the current executable.
	Path   string
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// NewWorkerSpawner runs `<binary> worker --data-dir <dataDir> [--config
// <configPath>] <digest>`. Workers load the same config file as the server.
func NewWorkerSpawner(binary, dataDir, configPath string) *ExecSpawner {
	args := []string{"worker", "--data-dir", dataDir}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return &ExecSpawner{
		Path:   binary,
		Args:   args,
		Stdout: os.Stderr,
		Stderr: os.Stderr,
	}
}

// Spawn implements Spawner. ctx is not tied to the child's lifetime.
func (s *ExecSpawner) Spawn(_ context.Context, d model.Digest) (Process, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		path = exe
	}

	args := append(slices.Clone(s.Args), d.String())
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if p.cmd.ProcessState == nil {
		return -1, err
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// A non-zero status is reported through the code, not as an error.
		err = nil
	}
	return p.cmd.ProcessState.ExitCode(), err
}
