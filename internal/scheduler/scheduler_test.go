package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PortfolioAutopilot/internal/model"
)

const yearly = "0 0 1 1 *"

type fakeObserver struct {
	mu      sync.Mutex
	runs    []model.ExecutionRecord
	skipped []string
}

func (f *fakeObserver) JobRun(rec model.ExecutionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, rec)
}

func (f *fakeObserver) JobSkipped(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skipped = append(f.skipped, id)
}

func (f *fakeObserver) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs), len(f.skipped)
}

type fakeRecorder struct {
	mu   sync.Mutex
	recs []model.ExecutionRecord
}

func (f *fakeRecorder) RecordExecution(_ context.Context, rec model.ExecutionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func newTestScheduler(t *testing.T, opts Options) *Scheduler {
	t.Helper()
	s := New(context.Background(), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

// tickOf returns the wrapped cron job of an active job id.
func tickOf(t *testing.T, s *Scheduler, id string) func() {
	t.Helper()
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	require.True(t, ok)
	require.NotZero(t, e.entryID, "job %s is not active", id)
	return s.cron.Entry(e.entryID).WrappedJob.Run
}

// fire runs one timer tick of id the way the cron runner would.
func fire(t *testing.T, s *Scheduler, id string) {
	t.Helper()
	tickOf(t, s, id)()
}

func noop(context.Context) error { return nil }

func TestScheduleJob_InvalidExpression(t *testing.T) {
	s := newTestScheduler(t, Options{})
	before := s.Statistics().TotalJobs

	err := s.ScheduleJob(Job{ID: "bad", Schedule: "99 99 * * *", Enabled: true, Action: noop})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidSchedule)
	assert.Equal(t, before, s.Statistics().TotalJobs)
	assert.Empty(t, s.Jobs())
}

func TestValidateSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"*/5 * * * *", false},
		{"0 9 * * 1-5", false},
		{"@hourly", false},
		{"@every 30s", false},
		{"", true},
		{"99 99 * * *", true},
		{"0 0 0 * * *", true},
		{"not a schedule", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			err := ValidateSchedule(tt.expr)
			if tt.wantErr {
				assert.ErrorIs(t, err, model.ErrInvalidSchedule)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScheduleJob_RejectsMissingFields(t *testing.T) {
	s := newTestScheduler(t, Options{})
	assert.ErrorIs(t, s.ScheduleJob(Job{Schedule: yearly, Action: noop}), model.ErrInvalidConfig)
	assert.ErrorIs(t, s.ScheduleJob(Job{ID: "x", Schedule: yearly}), model.ErrInvalidConfig)
}

func TestFailingJob_RecordedEveryTick(t *testing.T) {
	rec := &fakeRecorder{}
	s := newTestScheduler(t, Options{Recorder: rec})
	calls := 0
	require.NoError(t, s.ScheduleJob(Job{ID: "fail", Schedule: yearly, Enabled: true, Action: func(context.Context) error {
		calls++
		return errors.New("oracle down")
	}}))
	s.StartAll()

	for i := 0; i < 3; i++ {
		fire(t, s, "fail")
	}

	assert.Equal(t, 3, calls)
	hist := s.History(0)
	require.Len(t, hist, 3)
	for _, r := range hist {
		assert.False(t, r.Success)
		assert.Equal(t, "oracle down", r.Error)
		assert.Equal(t, "fail", r.JobID)
		assert.NotEmpty(t, r.ID)
	}
	st := s.Statistics()
	assert.Equal(t, 3, st.Failures)
	assert.Equal(t, 0, st.Successes)
	assert.Equal(t, 1, st.ActiveJobs)
	assert.Equal(t, "oracle down", st.LastError)

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].Active)
	assert.Equal(t, 3, jobs[0].Failures)
	assert.NotNil(t, jobs[0].NextRun)
	assert.Len(t, rec.recs, 3)
}

func TestPanickingJob_Recovered(t *testing.T) {
	s := newTestScheduler(t, Options{})
	require.NoError(t, s.ScheduleJob(Job{ID: "panic", Schedule: yearly, Enabled: true, Action: func(context.Context) error {
		panic("nil map")
	}}))
	s.StartAll()

	fire(t, s, "panic")
	fire(t, s, "panic")

	hist := s.History(0)
	require.Len(t, hist, 2)
	assert.Contains(t, hist[0].Error, "job panicked: nil map")
}

func TestOverlappingTick_Skipped(t *testing.T) {
	s := newTestScheduler(t, Options{})
	obs := &fakeObserver{}
	s.AddObserver(obs)

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.ScheduleJob(Job{ID: "slow", Schedule: yearly, Enabled: true, Action: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	s.StartAll()

	tick := tickOf(t, s, "slow")
	done := make(chan struct{})
	go func() {
		defer close(done)
		tick()
	}()
	<-started

	fire(t, s, "slow")
	_, err := s.RunNow(context.Background(), "slow")
	assert.ErrorIs(t, err, ErrJobBusy)
	assert.True(t, s.Jobs()[0].Running)

	close(release)
	<-done

	runs, skipped := obs.counts()
	assert.Equal(t, 1, runs)
	assert.Equal(t, 1, skipped)
	assert.Len(t, s.History(0), 1)
	assert.False(t, s.Jobs()[0].Running)
}

func TestStopJob_WaitsForInFlightRun(t *testing.T) {
	s := newTestScheduler(t, Options{})
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.ScheduleJob(Job{ID: "slow", Schedule: yearly, Enabled: true, Action: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	require.NoError(t, s.StartJob("slow"))

	go tickOf(t, s, "slow")()
	<-started

	stopped := make(chan struct{})
	go func() {
		assert.NoError(t, s.StopJob("slow"))
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("StopJob returned while the job was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("StopJob did not return after the run finished")
	}

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Active)
	assert.Len(t, s.History(0), 1)
}

func TestDisabledJob_NotStarted(t *testing.T) {
	s := newTestScheduler(t, Options{})
	require.NoError(t, s.ScheduleJob(Job{ID: "on", Schedule: yearly, Enabled: true, Action: noop}))
	require.NoError(t, s.ScheduleJob(Job{ID: "off", Schedule: yearly, Enabled: false, Action: noop}))
	s.StartAll()

	st := s.Statistics()
	assert.Equal(t, 2, st.TotalJobs)
	assert.Equal(t, 1, st.EnabledJobs)
	assert.Equal(t, 1, st.ActiveJobs)

	require.NoError(t, s.EnableJob("off"))
	require.NoError(t, s.StartJob("off"))
	assert.Equal(t, 2, s.Statistics().ActiveJobs)

	require.NoError(t, s.DisableJob("on"))
	st = s.Statistics()
	assert.Equal(t, 1, st.EnabledJobs)
	assert.Equal(t, 1, st.ActiveJobs)
}

func TestScheduleJob_ReplacesExisting(t *testing.T) {
	s := newTestScheduler(t, Options{})
	var got []string
	require.NoError(t, s.ScheduleJob(Job{ID: "j", Schedule: yearly, Enabled: true, Action: func(context.Context) error {
		got = append(got, "old")
		return nil
	}}))
	s.StartAll()
	fire(t, s, "j")

	require.NoError(t, s.ScheduleJob(Job{ID: "j", Schedule: "@hourly", Description: "new", Enabled: true, Action: func(context.Context) error {
		got = append(got, "new")
		return nil
	}}))

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Active)
	assert.Equal(t, "@hourly", jobs[0].Schedule)
	assert.Equal(t, "new", jobs[0].Description)
	assert.Equal(t, 1, jobs[0].Successes)

	require.NoError(t, s.StartJob("j"))
	fire(t, s, "j")
	assert.Equal(t, []string{"old", "new"}, got)
}

func TestUnknownJob(t *testing.T) {
	s := newTestScheduler(t, Options{})
	assert.ErrorIs(t, s.StartJob("x"), model.ErrNotFound)
	assert.ErrorIs(t, s.StopJob("x"), model.ErrNotFound)
	assert.ErrorIs(t, s.RemoveJob("x"), model.ErrNotFound)
	assert.ErrorIs(t, s.EnableJob("x"), model.ErrNotFound)
	assert.ErrorIs(t, s.DisableJob("x"), model.ErrNotFound)
	_, err := s.RunNow(context.Background(), "x")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRunNow_RunsDisabledJob(t *testing.T) {
	s := newTestScheduler(t, Options{})
	require.NoError(t, s.ScheduleJob(Job{ID: "manual", Schedule: yearly, Action: noop}))

	rec, err := s.RunNow(context.Background(), "manual")
	require.NoError(t, err)
	assert.True(t, rec.Success)
	assert.Equal(t, "manual", rec.JobID)
	assert.Len(t, s.JobHistory("manual", 0), 1)
}

func TestRunTimeout(t *testing.T) {
	s := newTestScheduler(t, Options{RunTimeout: 20 * time.Millisecond})
	require.NoError(t, s.ScheduleJob(Job{ID: "hang", Schedule: yearly, Action: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))

	rec, err := s.RunNow(context.Background(), "hang")
	require.NoError(t, err)
	assert.False(t, rec.Success)
	assert.Contains(t, rec.Error, "deadline exceeded")
}

func TestRemoveJob(t *testing.T) {
	s := newTestScheduler(t, Options{})
	require.NoError(t, s.ScheduleJob(Job{ID: "j", Schedule: yearly, Enabled: true, Action: noop}))
	s.StartAll()
	require.NoError(t, s.RemoveJob("j"))
	assert.Zero(t, s.Statistics().TotalJobs)
	assert.Empty(t, s.cron.Entries())
}

func TestDistinctJobs_RunConcurrently(t *testing.T) {
	recorder := &fakeRecorder{}
	s := newTestScheduler(t, Options{Recorder: recorder, RunTimeout: 2 * time.Second})
	obs := &fakeObserver{}
	s.AddObserver(obs)

	var arrived sync.WaitGroup
	arrived.Add(2)
	bothRunning := make(chan struct{})
	go func() {
		arrived.Wait()
		close(bothRunning)
	}()
	action := func(ctx context.Context) error {
		arrived.Done()
		select {
		case <-bothRunning:
			return nil
		case <-ctx.Done():
			return errors.New("other job never started")
		}
	}
	for _, id := range []string{"trigger:a", "rebalance:b"} {
		require.NoError(t, s.ScheduleJob(Job{ID: id, Schedule: yearly, Enabled: true, Action: action}))
	}
	s.StartAll()

	ticks := []func(){tickOf(t, s, "trigger:a"), tickOf(t, s, "rebalance:b")}
	var wg sync.WaitGroup
	for _, tick := range ticks {
		wg.Add(1)
		go func(tick func()) {
			defer wg.Done()
			tick()
		}(tick)
	}
	wg.Wait()

	hist := s.History(0)
	require.Len(t, hist, 2)
	for _, rec := range hist {
		assert.True(t, rec.Success, rec.Error)
	}
	assert.Len(t, s.JobHistory("trigger:a", 0), 1)
	assert.Len(t, s.JobHistory("rebalance:b", 0), 1)
	runs, skipped := obs.counts()
	assert.Equal(t, 2, runs)
	assert.Zero(t, skipped)
	recorder.mu.Lock()
	assert.Len(t, recorder.recs, 2)
	recorder.mu.Unlock()

	st := s.Statistics()
	assert.Equal(t, 2, st.Executions)
	assert.Equal(t, 2, st.Successes)
}
