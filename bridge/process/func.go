package process

import (
	"context"
	"io"
	"os"
	"sync/atomic"
)

// Func is an in-process collaborator. It reads its input from stdin, writes to stdout and stderr, and returns its exit code.
// It must return once ctx is done.
type Func func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) int

// FuncSpawner runs a Func in place of an OS process, over synchronous in-memory pipes.
// Like an OS process, the Func does not observe the spawning context: its ctx is only done once the process is killed.
// Writes to stdin after the Func has returned fail as they would on a broken pipe.
type FuncSpawner struct {
	Fn Func
}

func (s *FuncSpawner) Spawn(ctx context.Context) (Process, error) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &funcProcess{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()

	go func() {
		defer close(p.done)
		p.code = s.Fn(ctx, p.stdinR, p.stdoutW, p.stderrW)
		p.stdinR.CloseWithError(io.ErrClosedPipe)
		p.stdoutW.Close()
		p.stderrW.Close()
		cancel()
	}()

	return p, nil
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(ctx context.Context) (Process, error)

func (f SpawnerFunc) Spawn(ctx context.Context) (Process, error) { return f(ctx) }

type funcProcess struct {
	cancel context.CancelFunc

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	done   chan struct{}
	code   int
	killed atomic.Bool
}

func (p *funcProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *funcProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *funcProcess) Stderr() io.Reader     { return p.stderrR }
func (p *funcProcess) PID() int              { return 0 }

func (p *funcProcess) Wait() (int, error) {
	<-p.done
	if p.killed.Load() {
		return -1, nil
	}
	return p.code, nil
}

func (p *funcProcess) Kill() error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	p.killed.Store(true)
	p.cancel()
	p.stdinR.CloseWithError(ErrKilled)
	p.stdoutW.Close()
	p.stderrW.Close()
	return nil
}
