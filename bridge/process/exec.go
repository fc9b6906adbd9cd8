package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// ExecSpawner spawns the collaborator as an OS process.
// A relative Command containing a path separator is resolved against Dir, or against the working directory when Dir is empty.
type ExecSpawner struct {
	Command string
	Args    []string
	Dir     string
	// Env is appended to the environment of the current process.
	Env []string
}

func (s *ExecSpawner) Spawn(ctx context.Context) (Process, error) {
	if s.Command == "" {
		return nil, errors.New("no command configured")
	}

	cmd := exec.Command(s.Command, s.Args...)
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	err = cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("starting %q: %w", s.Command, err)
	}

	return &execProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}, nil
}

type execProcess struct {
	cmd *exec.Cmd

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) PID() int              { return p.cmd.Process.Pid }

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return p.cmd.ProcessState.ExitCode(), nil
}

// Kill kills the process and closes the read ends of its output pipes,
// so readers are released even if a descendant of the process still holds the write ends.
func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if err != nil {
		return err
	}
	p.stdout.Close()
	p.stderr.Close()
	return nil
}
