package process

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrOutputLimit is returned when a process writes more than Options.MaxOutputBytes to a stream.
	ErrOutputLimit = errors.New("output limit exceeded")
	// ErrKilled is the error seen by in-process collaborators whose pipes were broken by Kill.
	ErrKilled = errors.New("process killed")
)

// Spawner starts collaborator processes. Each call to Spawn starts exactly one process.
type Spawner interface {
	Spawn(ctx context.Context) (Process, error)
}

// Process is a running collaborator and its three standard streams.
// Stdout and Stderr must be read to EOF before calling Wait.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader

	// Wait blocks until the process exits.
	// A non-zero exit is reported through exitCode, err is only set when the process could not be reaped.
	Wait() (exitCode int, err error)
	Kill() error
	PID() int
}

type Status int

const (
	StatusSuccess Status = iota
	StatusLaunchFailed
	StatusIOFailed
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusLaunchFailed:
		return "launch_failed"
	case StatusIOFailed:
		return "io_failed"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Result is the outcome of one invocation.
// Stdout always holds the bytes captured before any failure, so callers that want to pass output through regardless of Status can do so.
type Result struct {
	Status   Status
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	PID      int
	Duration time.Duration

	// Err is nil only when Status is StatusSuccess.
	Err error
}

// OK returns true if the process ran to completion and exited zero.
func (r *Result) OK() bool {
	return r.Status == StatusSuccess && r.ExitCode == 0
}

type Options struct {
	// MaxOutputBytes caps each of stdout and stderr. Zero means unlimited.
	MaxOutputBytes int64
}
