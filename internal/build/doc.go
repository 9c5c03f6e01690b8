// Package build supervises external build processes.
//
// A Supervisor owns a table of jobs keyed by a random JobID. Start spawns the
// process and returns at once; callers then use the id from any goroutine:
//
//	Supervisor.Start   -> spawn, two pumps, reaper   -> JobID
//	Supervisor.Status  -> non blocking exit check    -> Status
//	Supervisor.Logs    -> lines since a cursor       -> LogChunk
//	Supervisor.Cancel  -> kill, mark cancelled       -> bool
//
// Every job runs three goroutines: one pump per output stream appending lines
// to the shared LogBuffer and to the configured sinks, and a reaper waiting on
// the process. None of them changes the job status; transitions happen only
// in Status and Cancel, under the job's own lock, so cancel wins over an exit
// which has not been observed yet.
//
// Invariants:
//   - running -> success | error | cancelled, terminal states are absorbing
//   - FinishedAt is set iff the state is terminal
//   - ExitCode is set only when the process exited with a code
//   - a log cursor never goes backwards and lines are only appended
package build
