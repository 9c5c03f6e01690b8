package build

import (
	"log/slog"
	"time"
)

// JobID is the only external handle to a job.
type JobID string

func (id JobID) String() string {
	return string(id)
}

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateSuccess   State = "success"
	StateError     State = "error"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateError, StateCancelled:
		return true
	default:
		return false
	}
}

// Status is a snapshot of a job. FinishedAt is set iff State is terminal,
// ExitCode only when the process exited with a code.
type Status struct {
	State      State      `json:"status"`
	ExitCode   *int       `json:"code"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt"`
}

func (s Status) clone() Status {
	c := s
	if s.ExitCode != nil {
		code := *s.ExitCode
		c.ExitCode = &code
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	return c
}

func (s Status) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("state", string(s.State))}
	if s.ExitCode != nil {
		attrs = append(attrs, slog.Int("exit_code", *s.ExitCode))
	}
	if s.Error != "" {
		attrs = append(attrs, slog.String("error", s.Error))
	}
	return slog.GroupValue(attrs...)
}

// Command is an already resolved process invocation.
type Command struct {
	Path string            `json:"path"`
	Args []string          `json:"args,omitempty"`
	Dir  string            `json:"dir,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
}

// LogChunk is the answer to Supervisor.Logs.
type LogChunk struct {
	Lines      []string `json:"lines"`
	NextCursor int      `json:"nextIndex"`
	Finished   bool     `json:"finished"`
}

// Summary describes a job for listings and for recorders.
type Summary struct {
	ID      JobID   `json:"id"`
	Command Command `json:"command"`
	Status  Status  `json:"status"`
	Lines   int     `json:"lines"`
}

// Event carries one appended log line.
type Event struct {
	JobID JobID  `json:"buildId"`
	Line  string `json:"line"`
}
