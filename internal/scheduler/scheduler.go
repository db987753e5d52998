package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"crmflow/internal/domain"
)

var (
	ErrAlreadyRunning = errors.New("job already running")
	ErrUnknownJob     = errors.New("unknown job")
	ErrNotStarted     = errors.New("scheduler not started")
	ErrStopped        = errors.New("scheduler stopped")
)

const (
	DefaultStopTimeout = 30 * time.Second
	DefaultAbortGrace  = 5 * time.Second
	DefaultHeartbeat   = 15 * time.Second
	DefaultStaleAfter  = 2 * time.Minute
)

// Job is one periodic unit of work. Run returns a summary that is stored as
// JSON on the job run row.
type Job struct {
	Name       string
	Interval   time.Duration
	Timeout    time.Duration
	RunOnStart bool
	Run        func(ctx context.Context) (any, error)
}

// StartupError reports a job that could not be scheduled. The remaining jobs
// still start.
type StartupError struct {
	Job string
	Err error
}

func (e StartupError) Error() string { return fmt.Sprintf("job %q: %v", e.Job, e.Err) }

func (e StartupError) Unwrap() error { return e.Err }

// Recorder persists job runs. The running row doubles as a claim shared by
// every process using the same database, and lets an interrupted run be found
// after a crash.
type Recorder interface {
	ClaimJobRun(ctx context.Context, run domain.JobRun, liveAfter string) (bool, error)
	HeartbeatJobRun(ctx context.Context, id, now string) error
	FinishJobRun(ctx context.Context, id string, status domain.RunStatus, summary, errMsg, now string) error
	AbortStaleJobRuns(ctx context.Context, before, now, reason string) (int64, error)
}

// StuckReconciler fails proposals left in flight by a previous process.
type StuckReconciler interface {
	ReconcileStuck(ctx context.Context, olderThan time.Duration) (int, error)
}

type Options struct {
	Recorder    Recorder
	Proposals   StuckReconciler
	Logger      *slog.Logger
	Owner       string
	StopTimeout time.Duration
	AbortGrace  time.Duration
	Heartbeat   time.Duration
	// StaleAfter is how old a running row's heartbeat may get before its
	// claim no longer blocks other runs of the job.
	StaleAfter time.Duration
	Now        func() time.Time
}

// JobStatus is a point-in-time view of one job.
type JobStatus struct {
	Name           string        `json:"name"`
	Interval       time.Duration `json:"interval"`
	Running        bool          `json:"running"`
	Runs           int           `json:"runs"`
	Skipped        int           `json:"skipped"`
	LastRunID      string        `json:"last_run_id,omitempty"`
	LastStatus     string        `json:"last_status,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	LastStartedAt  string        `json:"last_started_at,omitempty"`
	LastFinishedAt string        `json:"last_finished_at,omitempty"`
}

type jobState struct {
	job     Job
	running atomic.Bool

	mu     sync.Mutex
	status JobStatus
}

func (js *jobState) snapshot() JobStatus {
	js.mu.Lock()
	defer js.mu.Unlock()
	st := js.status
	st.Running = js.running.Load()
	return st
}

// Scheduler runs each job on its own ticker. A job never overlaps itself:
// ticks that arrive while it is running are skipped, not queued.
type Scheduler struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	jobs     map[string]*jobState
	order    []string
	pending  []Job
	started  bool
	stopping bool
	stopCh   chan struct{}
	runCtx   context.Context
	cancel   context.CancelFunc

	loops sync.WaitGroup
	runs  sync.WaitGroup
}

func New(jobs []Job, opts Options) *Scheduler {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.AbortGrace <= 0 {
		opts.AbortGrace = DefaultAbortGrace
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.StaleAfter < 2*opts.Heartbeat {
		opts.StaleAfter = 2 * opts.Heartbeat
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Owner == "" {
		opts.Owner = defaultOwner()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		opts:    opts,
		logger:  logger.With("component", "scheduler"),
		jobs:    map[string]*jobState{},
		pending: append([]Job(nil), jobs...),
		stopCh:  make(chan struct{}),
	}
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

func (s *Scheduler) now() string { return domain.FormatTime(s.opts.Now()) }

// Reconcile sweeps state left behind by a crashed process. Running job rows
// whose heartbeat is older than staleAfter become aborted, and proposals stuck
// in flight longer than staleAfter become failed. Rows with a fresh heartbeat
// belong to a live process and are left alone.
func (s *Scheduler) Reconcile(ctx context.Context, staleAfter time.Duration) error {
	if s.opts.Recorder != nil {
		before := domain.FormatTime(s.opts.Now().Add(-staleAfter))
		n, err := s.opts.Recorder.AbortStaleJobRuns(ctx, before, s.now(), "process exited while running")
		if err != nil {
			return fmt.Errorf("abort stale job runs: %w", err)
		}
		if n > 0 {
			s.logger.Warn("aborted stale job runs", "count", n)
		}
	}
	if s.opts.Proposals != nil {
		n, err := s.opts.Proposals.ReconcileStuck(ctx, staleAfter)
		if err != nil {
			return fmt.Errorf("reconcile stuck proposals: %w", err)
		}
		if n > 0 {
			s.logger.Warn("failed interrupted proposals", "count", n)
		}
	}
	return nil
}

func validate(j Job, seen map[string]bool) error {
	switch {
	case j.Name == "":
		return errors.New("name is required")
	case seen[j.Name]:
		return errors.New("duplicate job name")
	case j.Interval <= 0:
		return fmt.Errorf("interval must be positive, got %s", j.Interval)
	case j.Timeout < 0:
		return fmt.Errorf("timeout must not be negative, got %s", j.Timeout)
	case j.Run == nil:
		return errors.New("run function is required")
	}
	return nil
}

// Start launches one ticker per valid job. Invalid jobs are logged and
// returned as StartupErrors; they do not prevent the others from running.
// Runs are cancelled when ctx is done or Stop gives up waiting.
func (s *Scheduler) Start(ctx context.Context) []StartupError {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	s.runCtx, s.cancel = context.WithCancel(ctx)

	var startupErrs []StartupError
	seen := map[string]bool{}
	for _, j := range s.pending {
		if err := validate(j, seen); err != nil {
			se := StartupError{Job: j.Name, Err: err}
			s.logger.Warn("job not scheduled", "job", j.Name, "err", err)
			startupErrs = append(startupErrs, se)
			continue
		}
		seen[j.Name] = true
		js := &jobState{job: j, status: JobStatus{Name: j.Name, Interval: j.Interval}}
		s.jobs[j.Name] = js
		s.order = append(s.order, j.Name)
	}
	s.pending = nil

	for _, name := range s.order {
		js := s.jobs[name]
		s.loops.Add(1)
		go s.loop(js)
	}
	s.logger.Info("scheduler started", "jobs", len(s.order), "owner", s.opts.Owner)
	return startupErrs
}

func (s *Scheduler) loop(js *jobState) {
	defer s.loops.Done()
	ticker := time.NewTicker(js.job.Interval)
	defer ticker.Stop()
	if js.job.RunOnStart {
		s.tick(js)
	}
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.runCtx.Done():
			return
		case <-ticker.C:
			s.tick(js)
		}
	}
}

func (s *Scheduler) tick(js *jobState) {
	err := s.launch(js, "tick")
	if errors.Is(err, ErrAlreadyRunning) {
		js.mu.Lock()
		js.status.Skipped++
		js.mu.Unlock()
		s.logger.Warn("skipping tick", "job", js.job.Name, "reason", "job already running")
	}
}

// Trigger starts the named job immediately. It returns ErrAlreadyRunning when
// a run is in progress.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	started := s.started
	js, ok := s.jobs[name]
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.launch(js, "manual")
}

func (s *Scheduler) launch(js *jobState, trigger string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return ErrStopped
	}
	if !js.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	run, err := s.claim(s.runCtx, js.job.Name)
	if err != nil {
		js.running.Store(false)
		return err
	}
	s.runs.Add(1)
	go s.execute(js, trigger, run)
	return nil
}

// RunOnce runs job in the calling goroutine, outside the tickers. It honours
// the same claims as scheduled runs: ErrAlreadyRunning is returned while the
// job runs in this scheduler or in another process sharing the database.
// The scheduler does not need to be started.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) (any, error) {
	if job.Name == "" || job.Run == nil {
		return nil, errors.New("job name and run function are required")
	}
	if job.Timeout < 0 {
		return nil, fmt.Errorf("timeout must not be negative, got %s", job.Timeout)
	}
	s.mu.Lock()
	js := s.jobs[job.Name]
	if js != nil && !js.running.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	s.mu.Unlock()
	if js != nil {
		defer js.running.Store(false)
	}
	run, err := s.claim(ctx, job.Name)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With("job", job.Name, "run_id", run.id, "trigger", "once")
	res := s.perform(ctx, job, run, logger)
	return res.summary, res.err
}

type claimedRun struct {
	id        string
	startedAt string
	recorded  bool
}

// claim takes the persisted running row for name. A database error is logged
// and the run goes ahead unrecorded.
func (s *Scheduler) claim(ctx context.Context, name string) (claimedRun, error) {
	run := claimedRun{id: uuid.NewString(), startedAt: s.now()}
	rec := s.opts.Recorder
	if rec == nil {
		return run, nil
	}
	liveAfter := domain.FormatTime(s.opts.Now().Add(-s.opts.StaleAfter))
	ok, err := rec.ClaimJobRun(context.WithoutCancel(ctx), domain.JobRun{
		ID: run.id, Job: name, Owner: s.opts.Owner, Status: domain.RunRunning,
		StartedAt: run.startedAt, HeartbeatAt: run.startedAt,
	}, liveAfter)
	if err != nil {
		s.logger.Error("record job run", "job", name, "err", err)
		return run, nil
	}
	if !ok {
		return run, fmt.Errorf("%w: %s has a live run recorded", ErrAlreadyRunning, name)
	}
	run.recorded = true
	return run, nil
}

type runResult struct {
	summary    any
	status     domain.RunStatus
	err        error
	finishedAt string
}

func (s *Scheduler) execute(js *jobState, trigger string, run claimedRun) {
	defer s.runs.Done()

	logger := s.logger.With("job", js.job.Name, "run_id", run.id, "trigger", trigger)
	js.mu.Lock()
	js.status.Runs++
	js.status.LastRunID = run.id
	js.status.LastStartedAt = run.startedAt
	js.status.LastStatus = string(domain.RunRunning)
	js.status.LastError = ""
	js.mu.Unlock()

	res := s.perform(s.runCtx, js.job, run, logger)

	js.mu.Lock()
	js.status.LastStatus = string(res.status)
	js.status.LastError = ""
	if res.err != nil {
		js.status.LastError = res.err.Error()
	}
	js.status.LastFinishedAt = res.finishedAt
	js.running.Store(false)
	js.mu.Unlock()
}

// perform runs job under parent, bounded by the job timeout, heartbeats the
// claimed row and records the outcome on it. A run cut short because parent
// was cancelled ends aborted rather than failed.
func (s *Scheduler) perform(parent context.Context, job Job, run claimedRun, logger *slog.Logger) runResult {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if job.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, job.Timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	// Bookkeeping writes must survive the run context being cancelled.
	bg := context.WithoutCancel(ctx)
	stopBeat := make(chan struct{})
	var beats sync.WaitGroup
	if run.recorded {
		beats.Add(1)
		go func() {
			defer beats.Done()
			s.heartbeat(bg, run.id, stopBeat, logger)
		}()
	}

	logger.Info("job started")
	start := time.Now()
	summary, err := safeRun(ctx, job.Run)
	close(stopBeat)
	beats.Wait()

	res := runResult{summary: summary, status: domain.RunSucceeded, err: err}
	errMsg := ""
	if err != nil {
		res.status = domain.RunFailed
		if parent.Err() != nil {
			res.status = domain.RunAborted
		}
		errMsg = err.Error()
	}
	summaryJSON := ""
	if summary != nil {
		if b, mErr := json.Marshal(summary); mErr == nil {
			summaryJSON = string(b)
		}
	}
	res.finishedAt = s.now()
	if run.recorded {
		if fErr := s.opts.Recorder.FinishJobRun(bg, run.id, res.status, summaryJSON, errMsg, res.finishedAt); fErr != nil {
			logger.Error("finish job run", "err", fErr)
		}
	}

	if err != nil {
		logger.Error("job finished", "status", res.status, "duration", time.Since(start), "err", err)
		return res
	}
	logger.Info("job finished", "status", res.status, "duration", time.Since(start))
	return res
}

func (s *Scheduler) heartbeat(ctx context.Context, runID string, stop <-chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(s.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.opts.Recorder.HeartbeatJobRun(ctx, runID, s.now()); err != nil {
				logger.Warn("heartbeat", "err", err)
			}
		}
	}
}

func safeRun(ctx context.Context, run func(context.Context) (any, error)) (summary any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return run(ctx)
}

// Stop halts the tickers and waits up to StopTimeout for in-flight runs to
// finish on their own. Runs still going after that are cancelled and given
// AbortGrace to return. ctx bounds the whole wait.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	close(s.stopCh)
	s.mu.Unlock()

	s.loops.Wait()

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()

	grace := time.NewTimer(s.opts.StopTimeout)
	defer grace.Stop()
	select {
	case <-done:
		s.cancel()
		s.logger.Info("scheduler stopped")
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	s.logger.Warn("cancelling in-flight job runs", "running", s.runningNames())
	s.cancel()
	abort := time.NewTimer(s.opts.AbortGrace)
	defer abort.Stop()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-abort.C:
		return fmt.Errorf("scheduler stop: runs did not exit: %v", s.runningNames())
	}
}

func (s *Scheduler) runningNames() []string {
	var names []string
	for _, st := range s.Status() {
		if st.Running {
			names = append(names, st.Name)
		}
	}
	return names
}

// Status lists every scheduled job sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	states := make([]*jobState, 0, len(s.jobs))
	for _, js := range s.jobs {
		states = append(states, js)
	}
	s.mu.Unlock()
	out := make([]JobStatus, 0, len(states))
	for _, js := range states {
		out = append(out, js.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
