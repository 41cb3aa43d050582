package model

import "time"

// ExecutionRecord is the outcome of a single job run. Immutable once appended.
type ExecutionRecord struct {
	ID        string        `json:"id"`
	JobID     string        `json:"job_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// DurationMs returns the run duration in milliseconds.
func (r ExecutionRecord) DurationMs() int64 {
	return r.Duration.Milliseconds()
}
