// Package service implements supervision of isolated worker processes.
//
// Overview
// The Supervisor owns a registry of live Handles keyed by job id. Spawn starts
// one worker per job through a Runtime and refuses a second one while the
// first is alive. Kill requests termination, best-effort.
//
// A Runtime hides the execution environment:
//   - ExecRuntime runs a local executable with os/exec
//   - DockerRuntime runs a container named after the job
//
// Data flow:
//
//	Supervisor                Handle{job}              Runtime
//	    |                         |                        |
//	Spawn ----------------------->| ---------------------->| Start(name, cmd)
//	    |                         | drain stdout (goroutine)
//	    |                         | drain stderr (goroutine)
//	    |                         | LineFunc per line, in order per stream
//	    |                         | Wait() ---------------->| process exits
//	    |                         | Remove(name) ---------->| cleanup, once
//	    |<---- handle released ---|                        |
//	    |                         | Done() closed
//
// Invariants:
//   - At most one Handle per job id at a time.
//   - Every line of a stream is delivered before Done is closed.
//   - Cleanup runs exactly once per Handle, whatever the exit reason, and its
//     failure is only logged.
//   - The job id is released only after cleanup, so a new worker for the same
//     id never collides with the previous execution unit.
package service
