package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Run spawns one process, feeds it input, and collects its output and exit code.
// Run never returns before the process has been reaped.
func Run(ctx context.Context, spawner Spawner, input []byte, opts Options) Result {
	start := time.Now()

	proc, err := spawner.Spawn(ctx)
	if err != nil {
		return Result{
			Status:   StatusLaunchFailed,
			ExitCode: -1,
			Duration: time.Since(start),
			Err:      fmt.Errorf("launching collaborator: %w", err),
		}
	}

	res := Result{PID: proc.PID()}

	aborted := make(chan struct{})
	var abortOnce sync.Once
	abort := func() { abortOnce.Do(func() { close(aborted) }) }

	// The watcher kills the process if the caller gives up or the output can't be drained.
	// It must not kill a process whose streams drained cleanly, or its exit code would be lost.
	exited := make(chan struct{})
	watcherDone := make(chan struct{})
	var (
		mu          sync.Mutex
		drained     bool
		killedByCtx bool
	)
	go func() {
		defer close(watcherDone)
		select {
		case <-exited:
		case <-aborted:
			proc.Kill()
		case <-ctx.Done():
			mu.Lock()
			if !drained {
				killedByCtx = proc.Kill() == nil
			}
			mu.Unlock()
		}
	}()

	var stdout, stderr []byte
	var writeErr, stdoutErr, stderrErr error
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		err := writeInput(proc.Stdin(), input)
		if err != nil {
			writeErr = fmt.Errorf("writing stdin: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		stdout, err = drain(proc.Stdout(), opts.MaxOutputBytes)
		if err != nil {
			stdoutErr = fmt.Errorf("reading stdout: %w", err)
			abort()
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		stderr, err = drain(proc.Stderr(), opts.MaxOutputBytes)
		if err != nil {
			stderrErr = fmt.Errorf("reading stderr: %w", err)
			abort()
		}
	}()
	wg.Wait()
	ioErr := errors.Join(writeErr, stdoutErr, stderrErr)
	if ioErr == nil {
		mu.Lock()
		drained = true
		mu.Unlock()
	}

	exitCode, waitErr := proc.Wait()
	close(exited)
	<-watcherDone

	// A kill that lands between the streams closing and the process being reaped
	// leaves the exit code the process chose for itself. Killed processes report -1.
	if killedByCtx && ioErr == nil && waitErr == nil && exitCode >= 0 {
		killedByCtx = false
	}

	res.Stdout = stdout
	res.Stderr = stderr
	res.ExitCode = exitCode
	res.Duration = time.Since(start)

	switch {
	case killedByCtx && errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Status = StatusTimeout
		res.Err = fmt.Errorf("collaborator did not exit in time: %w", ctx.Err())
	case killedByCtx:
		res.Status = StatusIOFailed
		res.Err = fmt.Errorf("invocation canceled: %w", ctx.Err())
	case ioErr != nil:
		res.Status = StatusIOFailed
		res.Err = ioErr
	case waitErr != nil:
		res.Status = StatusIOFailed
		res.Err = fmt.Errorf("waiting for collaborator: %w", waitErr)
	default:
		res.Status = StatusSuccess
	}
	return res
}

// writeInput writes the whole input and then closes stdin, which is the collaborator's end-of-input signal.
// Stdin is closed even if the write fails.
func writeInput(w io.WriteCloser, input []byte) error {
	var writeErr error
	// empty input is never written, a synchronous pipe would block until the reader shows up
	if len(input) > 0 {
		_, writeErr = w.Write(input)
	}
	closeErr := w.Close()
	if writeErr != nil {
		return writeErr
	}
	return closeErr
}

// drain reads r to EOF. If max is positive and r yields more than max bytes,
// the first max bytes are returned with ErrOutputLimit.
func drain(r io.Reader, max int64) ([]byte, error) {
	var buf bytes.Buffer
	if max <= 0 {
		_, err := buf.ReadFrom(r)
		return buf.Bytes(), err
	}
	_, err := buf.ReadFrom(io.LimitReader(r, max+1))
	if int64(buf.Len()) > max {
		buf.Truncate(int(max))
		return buf.Bytes(), ErrOutputLimit
	}
	return buf.Bytes(), err
}
