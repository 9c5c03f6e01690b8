package build

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Sink receives every appended log line. Publish must not block, delivery
// failures are the sink's own business.
type Sink interface {
	Publish(Event)
}

// Recorder is notified when a job starts and once more when it reaches
// a terminal state. Record runs on the caller's goroutine: inside Start,
// and inside whichever Status, Cancel or Prune call observes the
// transition. Those calls wait for it, so a slow recorder slows down
// status polling.
type Recorder interface {
	Record(ctx context.Context, s Summary) error
}

type Option func(*Supervisor)

func WithSink(sinks ...Sink) Option {
	return func(s *Supervisor) {
		s.sinks = append(s.sinks, sinks...)
	}
}

func WithRecorder(recorders ...Recorder) Option {
	return func(s *Supervisor) {
		s.recorders = append(s.recorders, recorders...)
	}
}

// WithMaxRunning limits the number of concurrently running jobs, 0 means
// no limit.
func WithMaxRunning(n int) Option {
	return func(s *Supervisor) {
		s.maxRunning = max(n, 0)
	}
}

// WithMaxLogLines keeps only the newest n lines per job, 0 keeps everything.
func WithMaxLogLines(n int) Option {
	return func(s *Supervisor) {
		s.maxLogLines = max(n, 0)
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		s.now = now
	}
}

// Supervisor owns the job table. All methods are safe for concurrent use.
type Supervisor struct {
	mx   sync.RWMutex
	jobs map[JobID]*job

	// guards closed and pending, serializes the running count check
	// with the insert
	startMx  sync.Mutex
	closed   bool
	pending  int
	starting sync.WaitGroup // Start calls past reserve

	sinks       []Sink
	recorders   []Recorder
	maxRunning  int
	maxLogLines int
	now         func() time.Time

	// pumps and reapers
	wg sync.WaitGroup
}

func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		jobs: make(map[JobID]*job),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start spawns the command and returns without waiting for any output.
// When the process can't be spawned, ErrSpawnFailed is returned and no job
// is created. After Shutdown it fails with ErrClosed.
func (s *Supervisor) Start(ctx context.Context, command Command) (JobID, error) {
	if command.Path == "" {
		return "", fmt.Errorf("%w: empty executable path", ErrSpawnFailed)
	}
	if err := s.reserve(); err != nil {
		return "", err
	}
	defer s.starting.Done()

	ctx = context.WithoutCancel(ctx)
	j, err := s.spawn(ctx, command)
	if err != nil {
		s.admit(nil)
		return "", err
	}
	// recorded before the job becomes visible, so the terminal record
	// always comes second
	s.record(ctx, j.summary())
	s.admit(j)
	return j.id, nil
}

// reserve claims a slot for a job being spawned. Pending slots count
// against the running limit.
func (s *Supervisor) reserve() error {
	s.startMx.Lock()
	defer s.startMx.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.maxRunning > 0 && s.countRunning()+s.pending >= s.maxRunning {
		return ErrTooManyJobs
	}
	s.pending++
	s.starting.Add(1)
	return nil
}

// admit releases the reserved slot and inserts j, if any, in one step
func (s *Supervisor) admit(j *job) {
	s.startMx.Lock()
	defer s.startMx.Unlock()
	s.pending--
	if j == nil {
		return
	}
	s.mx.Lock()
	s.jobs[j.id] = j
	s.mx.Unlock()
}

func (s *Supervisor) spawn(ctx context.Context, command Command) (*job, error) {
	id := JobID(uuid.New().String())

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %w", ErrSpawnFailed, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("%w: stderr pipe: %w", ErrSpawnFailed, err)
	}

	cmd := exec.Command(command.Path, command.Args...)
	cmd.Dir = command.Dir
	cmd.Env = environ(command.Env)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.SysProcAttr = sysProcAttr()

	startErr := cmd.Start()
	// the child holds its own copies of the write ends
	_ = stdoutW.Close()
	_ = stderrW.Close()
	if startErr != nil {
		_ = stdoutR.Close()
		_ = stderrR.Close()
		slog.WarnContext(ctx, "build spawn failed", "path", command.Path, "error", startErr)
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, startErr)
	}

	started := s.now().UTC()
	done := make(chan struct{})
	j := &job{
		id:      id,
		command: cloneCommand(command),
		logs:    NewLogBuffer(s.maxLogLines),
		done:    done,
		cmd:     cmd,
		status: Status{
			State:     StateRunning,
			StartedAt: &started,
		},
	}

	running := "Running: " + CommandLine(command)
	j.logs.Append(running)
	s.publish(id, running)

	s.wg.Go(func() { s.pump(ctx, id, "stdout", stdoutR, j.logs) })
	s.wg.Go(func() { s.pump(ctx, id, "stderr", stderrR, j.logs) })
	s.wg.Go(func() { j.reap(cmd, done) })

	slog.InfoContext(ctx, "build started",
		"job_id", id.String(),
		"pid", cmd.Process.Pid,
		"path", command.Path,
		"dir", command.Dir,
	)
	return j, nil
}

// Status reaps the process if it has exited and returns a snapshot.
func (s *Supervisor) Status(ctx context.Context, id JobID) (Status, error) {
	j, err := s.get(id)
	if err != nil {
		return Status{}, err
	}
	status, finished := j.refresh(s.now().UTC())
	if finished {
		s.finished(ctx, j, status)
	}
	return status, nil
}

// Logs returns the lines appended since cursor. It never reaps, Finished
// reflects the status as last observed.
func (s *Supervisor) Logs(_ context.Context, id JobID, cursor int) (LogChunk, error) {
	j, err := s.get(id)
	if err != nil {
		return LogChunk{}, err
	}
	lines, next := j.logs.ReadFrom(max(cursor, 0))
	return LogChunk{
		Lines:      lines,
		NextCursor: next,
		Finished:   j.snapshot().State != StateRunning,
	}, nil
}

// Cancel kills a running job. It returns false for a job which is not
// running anymore.
func (s *Supervisor) Cancel(ctx context.Context, id JobID) (bool, error) {
	j, err := s.get(id)
	if err != nil {
		return false, err
	}
	status, cancelled, killErr := j.cancel(s.now().UTC())
	if killErr != nil {
		slog.WarnContext(ctx, "killing build process", "job_id", id.String(), "error", killErr)
	}
	if !cancelled {
		return false, nil
	}
	s.finished(ctx, j, status)
	return true, nil
}

// List returns all known jobs ordered by their start time.
func (s *Supervisor) List(_ context.Context) []Summary {
	jobs := s.all()
	ret := make([]Summary, 0, len(jobs))
	for _, j := range jobs {
		ret = append(ret, j.summary())
	}
	slices.SortFunc(ret, func(a, b Summary) int {
		return cmp.Or(
			a.Status.StartedAt.Compare(*b.Status.StartedAt),
			strings.Compare(string(a.ID), string(b.ID)),
		)
	})
	return ret
}

// Prune forgets terminal jobs finished before the given time and returns
// how many were removed. Running jobs are reaped first and never removed.
func (s *Supervisor) Prune(ctx context.Context, before time.Time) int {
	var stale []JobID
	for _, j := range s.all() {
		status, finished := j.refresh(s.now().UTC())
		if finished {
			s.finished(ctx, j, status)
		}
		if status.State.Terminal() && status.FinishedAt.Before(before) {
			stale = append(stale, j.id)
		}
	}
	if len(stale) == 0 {
		return 0
	}

	s.mx.Lock()
	for _, id := range stale {
		delete(s.jobs, id)
	}
	s.mx.Unlock()
	slog.DebugContext(ctx, "pruned builds", "count", len(stale), "before", before)
	return len(stale)
}

// Shutdown refuses further starts, cancels all running jobs and waits
// until their output is drained or ctx is done. It may be called again.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.startMx.Lock()
	s.closed = true
	s.startMx.Unlock()
	// jobs spawned by in-flight Start calls must be in the table below
	if err := wait(ctx, &s.starting); err != nil {
		return err
	}

	var g errgroup.Group
	for _, j := range s.all() {
		if !j.running() {
			status, finished := j.refresh(s.now().UTC())
			if finished {
				s.finished(ctx, j, status)
			}
			continue
		}
		g.Go(func() error {
			_, err := s.Cancel(ctx, j.id)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return wait(ctx, &s.wg)
}

func wait(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) get(id JobID) (*job, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j, nil
}

func (s *Supervisor) all() []*job {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return slices.Collect(maps.Values(s.jobs))
}

func (s *Supervisor) countRunning() int {
	var n int
	for _, j := range s.all() {
		if j.running() {
			n++
		}
	}
	return n
}

func (s *Supervisor) publish(id JobID, line string) {
	for _, sink := range s.sinks {
		sink.Publish(Event{JobID: id, Line: line})
	}
}

// finished runs exactly once per job, after the terminal transition
func (s *Supervisor) finished(ctx context.Context, j *job, status Status) {
	slog.InfoContext(ctx, "build finished", "job_id", j.id.String(), "status", status)
	s.record(ctx, Summary{
		ID:      j.id,
		Command: j.command,
		Status:  status,
		Lines:   j.logs.Len(),
	})
}

func (s *Supervisor) record(ctx context.Context, summary Summary) {
	for _, r := range s.recorders {
		if err := r.Record(ctx, summary); err != nil {
			slog.ErrorContext(ctx, "recording build failed", "job_id", summary.ID.String(), "error", err)
		}
	}
}

// CommandLine formats the command the way a shell user would type it.
func CommandLine(c Command) string {
	var sb strings.Builder
	sb.WriteString(quote(c.Path))
	for _, arg := range c.Args {
		sb.WriteByte(' ')
		sb.WriteString(quote(arg))
	}
	return sb.String()
}

func quote(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n\"'") {
		return strconv.Quote(s)
	}
	return s
}

// environ returns nil (inherit) without overrides. Overrides are appended
// to the parent environment, exec keeps the last value of a duplicate key.
func environ(overrides map[string]string) []string {
	if len(overrides) == 0 {
		return nil
	}
	env := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(overrides)) {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

func cloneCommand(c Command) Command {
	return Command{
		Path: c.Path,
		Args: slices.Clone(c.Args),
		Dir:  c.Dir,
		Env:  maps.Clone(c.Env),
	}
}
