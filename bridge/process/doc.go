/*
Package process runs one collaborator process per invocation: it spawns the process, writes the whole input to its stdin, drains stdout and stderr to completion, and reaps it.

The process is reached through the Spawner and Process interfaces, so the same pipeline runs against a real OS process (ExecSpawner) or an in-process function (FuncSpawner).

Run proceeds as follows:

1. The Spawner starts a process with three pipes.
2. The input is written to stdin on its own goroutine, then stdin is closed. Stdout and stderr are drained concurrently, so a child that fills its output pipe before reading its input cannot deadlock the caller.
3. If the context is done or a drain fails (for example when the output limit is hit), the process is killed.
4. The process is reaped and the outcome is classified into a Status.

Nothing is shared between invocations; every stream is closed and the process reaped before Run returns.
*/
package process
