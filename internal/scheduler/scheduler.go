// Package scheduler runs recurring jobs on cron schedules with per-job
// serialization and an in-memory execution log.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"PortfolioAutopilot/internal/execlog"
	"PortfolioAutopilot/internal/model"
)

// DefaultRunTimeout bounds a single job run.
const DefaultRunTimeout = 2 * time.Minute

// ErrJobBusy is returned by RunNow when the job is already running.
var ErrJobBusy = errors.New("job is already running")

// Job is a named action with a recurrence expression.
type Job struct {
	ID          string
	Schedule    string
	Description string
	Enabled     bool
	Action      func(ctx context.Context) error
}

// Recorder persists execution records.
type Recorder interface {
	RecordExecution(ctx context.Context, rec model.ExecutionRecord) error
}

// Observer is notified of every run and every skipped tick.
type Observer interface {
	JobRun(rec model.ExecutionRecord)
	JobSkipped(jobID string)
}

// Options configures a Scheduler.
type Options struct {
	RunTimeout  time.Duration
	HistorySize int
	Location    *time.Location
	Recorder    Recorder
}

// JobStatus is a read-only view of one job.
type JobStatus struct {
	ID          string     `json:"id"`
	Schedule    string     `json:"schedule"`
	Description string     `json:"description,omitempty"`
	Enabled     bool       `json:"enabled"`
	Active      bool       `json:"active"`
	Running     bool       `json:"running"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Successes   int        `json:"successes"`
	Failures    int        `json:"failures"`
}

// runGuard serializes runs of one job id. It outlives replacements of the
// job definition.
type runGuard struct {
	mu      sync.Mutex
	running bool // guarded by Scheduler.mu
}

type entry struct {
	job      Job
	schedule cron.Schedule
	entryID  cron.EntryID
	active   bool
	guard    *runGuard

	lastRun   *time.Time
	lastError string
	successes int
	failures  int
}

// Scheduler manages all recurring jobs.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	cron   *cron.Cron
	log    *execlog.Log
	opts   Options
	now    func() time.Time

	mu        sync.RWMutex
	jobs      map[string]*entry
	observers []Observer
	started   bool

	inflight sync.WaitGroup
}

// New creates a Scheduler. Job runs derive their context from ctx.
func New(ctx context.Context, opts Options) *Scheduler {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	ctx, cancel := context.WithCancel(ctx)
	logger := cronLogger{}
	return &Scheduler{
		ctx:    ctx,
		cancel: cancel,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(opts.Location),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger)),
		),
		log:  execlog.New(opts.HistorySize),
		opts: opts,
		now:  time.Now,
		jobs: make(map[string]*entry),
	}
}

// AddObserver registers o for run and skip notifications.
func (s *Scheduler) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// ScheduleJob validates and registers job in a stopped state. An existing job
// with the same id is stopped and replaced.
func (s *Scheduler) ScheduleJob(job Job) error {
	if job.ID == "" {
		return fmt.Errorf("%w: job id is required", model.ErrInvalidConfig)
	}
	if job.Action == nil {
		return fmt.Errorf("%w: job %s has no action", model.ErrInvalidConfig, job.ID)
	}
	sched, err := ParseSchedule(job.Schedule)
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", job.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e := &entry{job: job, schedule: sched, guard: &runGuard{}}
	if old, ok := s.jobs[job.ID]; ok {
		s.deactivateLocked(old)
		e.guard = old.guard
		e.lastRun, e.lastError = old.lastRun, old.lastError
		e.successes, e.failures = old.successes, old.failures
		log.Info().Str("job", job.ID).Str("schedule", job.Schedule).Msg("job replaced")
	} else {
		log.Info().Str("job", job.ID).Str("schedule", job.Schedule).Msg("job scheduled")
	}
	s.jobs[job.ID] = e
	return nil
}

// StartAll activates every enabled job.
func (s *Scheduler) StartAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.sortedIDsLocked() {
		s.activateLocked(s.jobs[id])
	}
	s.ensureStartedLocked()
	log.Info().Int("jobs", len(s.jobs)).Msg("scheduler started")
}

// StartJob activates one job. A disabled job is logged and left stopped.
func (s *Scheduler) StartJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("start job %s: %w", id, model.ErrNotFound)
	}
	s.activateLocked(e)
	s.ensureStartedLocked()
	return nil
}

// StopAll deactivates every job and waits for in-flight runs. Definitions are kept.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	guards := make([]*runGuard, 0, len(s.jobs))
	for _, e := range s.jobs {
		s.deactivateLocked(e)
		guards = append(guards, e.guard)
	}
	s.mu.Unlock()
	for _, g := range guards {
		g.wait()
	}
	log.Info().Msg("scheduler stopped")
}

// StopJob deactivates one job and waits for its in-flight run.
func (s *Scheduler) StopJob(id string) error {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("stop job %s: %w", id, model.ErrNotFound)
	}
	s.deactivateLocked(e)
	g := e.guard
	s.mu.Unlock()
	g.wait()
	return nil
}

// RemoveJob stops and deletes a job.
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("remove job %s: %w", id, model.ErrNotFound)
	}
	s.deactivateLocked(e)
	delete(s.jobs, id)
	s.mu.Unlock()
	e.guard.wait()
	log.Info().Str("job", id).Msg("job removed")
	return nil
}

// EnableJob marks a job enabled. It stays stopped until started.
func (s *Scheduler) EnableJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("enable job %s: %w", id, model.ErrNotFound)
	}
	e.job.Enabled = true
	return nil
}

// DisableJob marks a job disabled and stops its timer.
func (s *Scheduler) DisableJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("disable job %s: %w", id, model.ErrNotFound)
	}
	e.job.Enabled = false
	s.deactivateLocked(e)
	return nil
}

// RunNow runs a job immediately through the normal execution path,
// regardless of its enabled flag.
func (s *Scheduler) RunNow(ctx context.Context, id string) (model.ExecutionRecord, error) {
	s.mu.RLock()
	e, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return model.ExecutionRecord{}, fmt.Errorf("run job %s: %w", id, model.ErrNotFound)
	}
	if !e.guard.mu.TryLock() {
		return model.ExecutionRecord{}, fmt.Errorf("run job %s: %w", id, ErrJobBusy)
	}
	defer e.guard.mu.Unlock()
	return s.execute(ctx, e), nil
}

// Statistics returns job counts and aggregates over the retained log window.
func (s *Scheduler) Statistics() execlog.Statistics {
	st := s.log.Stats()
	s.mu.RLock()
	defer s.mu.RUnlock()
	st.TotalJobs = len(s.jobs)
	for _, e := range s.jobs {
		if e.job.Enabled {
			st.EnabledJobs++
		}
		if e.active {
			st.ActiveJobs++
		}
	}
	return st
}

// Jobs returns the status of every job ordered by id.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now().In(s.opts.Location)
	out := make([]JobStatus, 0, len(s.jobs))
	for _, id := range s.sortedIDsLocked() {
		e := s.jobs[id]
		st := JobStatus{
			ID:          id,
			Schedule:    e.job.Schedule,
			Description: e.job.Description,
			Enabled:     e.job.Enabled,
			Active:      e.active,
			Running:     e.guard.running,
			LastRun:     e.lastRun,
			LastError:   e.lastError,
			Successes:   e.successes,
			Failures:    e.failures,
		}
		if e.active {
			next := e.schedule.Next(now)
			st.NextRun = &next
		}
		out = append(out, st)
	}
	return out
}

// History returns up to limit of the newest execution records.
func (s *Scheduler) History(limit int) []model.ExecutionRecord {
	return s.log.Recent(limit)
}

// JobHistory returns up to limit of the newest execution records of one job.
func (s *Scheduler) JobHistory(id string, limit int) []model.ExecutionRecord {
	return s.log.ForJob(id, limit)
}

// Shutdown stops the cron runner, waits for in-flight runs until ctx is done
// and then cancels the context handed to job actions.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, e := range s.jobs {
		s.deactivateLocked(e)
	}
	s.started = false
	s.mu.Unlock()

	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.inflight.Wait()
		close(done)
	}()

	defer s.cancel()
	select {
	case <-done:
		log.Info().Msg("scheduler shut down")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

func (s *Scheduler) activateLocked(e *entry) {
	if !e.job.Enabled {
		log.Info().Str("job", e.job.ID).Msg("job disabled, skipped")
		return
	}
	if e.active {
		return
	}
	id := e.job.ID
	e.entryID = s.cron.Schedule(e.schedule, cron.FuncJob(func() { s.tick(id, e) }))
	e.active = true
}

func (s *Scheduler) deactivateLocked(e *entry) {
	if e.entryID != 0 {
		s.cron.Remove(e.entryID)
		e.entryID = 0
	}
	e.active = false
}

func (s *Scheduler) ensureStartedLocked() {
	if !s.started {
		s.cron.Start()
		s.started = true
	}
}

func (s *Scheduler) sortedIDsLocked() []string {
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// tick handles one timer fire. A tick that finds the previous run still in
// flight is dropped.
func (s *Scheduler) tick(id string, e *entry) {
	if !e.guard.mu.TryLock() {
		log.Warn().Str("job", id).Msg("previous run still in flight, tick skipped")
		for _, o := range s.observerList() {
			o.JobSkipped(id)
		}
		return
	}
	defer e.guard.mu.Unlock()

	s.mu.RLock()
	current := s.jobs[id] == e && e.active
	s.mu.RUnlock()
	if !current {
		return
	}
	s.execute(s.ctx, e)
}

// execute runs the action once. The caller holds e.guard.mu.
func (s *Scheduler) execute(ctx context.Context, e *entry) model.ExecutionRecord {
	s.inflight.Add(1)
	defer s.inflight.Done()

	s.mu.Lock()
	e.guard.running = true
	s.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, s.opts.RunTimeout)
	started := s.now()
	err := invoke(runCtx, e.job.Action)
	elapsed := time.Since(started)
	cancel()

	rec := model.ExecutionRecord{
		ID:        uuid.NewString(),
		JobID:     e.job.ID,
		StartedAt: started,
		Duration:  elapsed,
		Success:   err == nil,
	}
	if err != nil {
		rec.Error = err.Error()
		log.Error().Err(err).Str("job", e.job.ID).Dur("duration", elapsed).Msg("job failed")
	} else {
		log.Info().Str("job", e.job.ID).Dur("duration", elapsed).Msg("job completed")
	}

	s.log.Append(rec)
	s.mu.Lock()
	e.guard.running = false
	e.lastRun = &rec.StartedAt
	e.lastError = rec.Error
	if rec.Success {
		e.successes++
	} else {
		e.failures++
	}
	s.mu.Unlock()

	if s.opts.Recorder != nil {
		if err := s.opts.Recorder.RecordExecution(context.WithoutCancel(ctx), rec); err != nil {
			log.Error().Err(err).Str("job", e.job.ID).Msg("record execution")
		}
	}
	for _, o := range s.observerList() {
		o.JobRun(rec)
	}
	return rec
}

func (s *Scheduler) observerList() []Observer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Observer(nil), s.observers...)
}

func invoke(ctx context.Context, action func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return action(ctx)
}

func (g *runGuard) wait() {
	g.mu.Lock()
	defer g.mu.Unlock()
}
