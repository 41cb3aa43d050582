// Package execlog keeps a bounded in-memory history of job executions.
package execlog

import (
	"sync"
	"time"

	"PortfolioAutopilot/internal/model"
)

// DefaultCapacity is the number of records retained when none is configured.
const DefaultCapacity = 100

// Statistics summarizes the scheduler and the retained execution window.
// Job counts are filled in by the scheduler.
type Statistics struct {
	TotalJobs       int           `json:"total_jobs"`
	EnabledJobs     int           `json:"enabled_jobs"`
	ActiveJobs      int           `json:"active_jobs"`
	Executions      int           `json:"executions"`
	Successes       int           `json:"successes"`
	Failures        int           `json:"failures"`
	AverageDuration time.Duration `json:"average_duration"`
	LastRunAt       *time.Time    `json:"last_run_at,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
}

// Log is a fixed-capacity ring buffer of execution records. The oldest record
// is dropped when capacity is exceeded. Safe for concurrent use.
type Log struct {
	mu    sync.RWMutex
	buf   []model.ExecutionRecord
	start int
	n     int
}

// New creates a Log holding at most capacity records.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{buf: make([]model.ExecutionRecord, capacity)}
}

// Append adds rec, evicting the oldest record when full.
func (l *Log) Append(rec model.ExecutionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.n < len(l.buf) {
		l.buf[(l.start+l.n)%len(l.buf)] = rec
		l.n++
		return
	}
	l.buf[l.start] = rec
	l.start = (l.start + 1) % len(l.buf)
}

// Len returns the number of retained records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.n
}

// Cap returns the capacity.
func (l *Log) Cap() int { return len(l.buf) }

// Recent returns up to limit records, newest first. limit <= 0 returns all.
func (l *Log) Recent(limit int) []model.ExecutionRecord {
	return l.collect(limit, func(model.ExecutionRecord) bool { return true })
}

// ForJob returns up to limit records of jobID, newest first.
func (l *Log) ForJob(jobID string, limit int) []model.ExecutionRecord {
	return l.collect(limit, func(r model.ExecutionRecord) bool { return r.JobID == jobID })
}

func (l *Log) collect(limit int, keep func(model.ExecutionRecord) bool) []model.ExecutionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.ExecutionRecord, 0, min(l.n, max(limit, 0)))
	for i := l.n - 1; i >= 0; i-- {
		r := l.buf[(l.start+i)%len(l.buf)]
		if !keep(r) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Stats computes execution counts and the average duration over the retained window.
func (l *Log) Stats() Statistics {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var s Statistics
	var total time.Duration
	for i := 0; i < l.n; i++ {
		r := l.buf[(l.start+i)%len(l.buf)]
		s.Executions++
		total += r.Duration
		if r.Success {
			s.Successes++
		} else {
			s.Failures++
			s.LastError = r.Error
		}
		started := r.StartedAt
		if s.LastRunAt == nil || started.After(*s.LastRunAt) {
			s.LastRunAt = &started
		}
	}
	if s.Executions > 0 {
		s.AverageDuration = total / time.Duration(s.Executions)
	}
	return s
}
