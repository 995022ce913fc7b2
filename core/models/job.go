package models

import "time"

// Job represents one submitted simulation profile
type Job struct {
	ID          string        `json:"id"`
	Mode        ExecutionMode `json:"mode"`
	Status      JobStatus     `json:"status"`
	InputPath   string        `json:"-"`
	OutputPath  string        `json:"-"`
	DPS         *float64      `json:"dps,omitempty"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions can happen
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is one of the known statuses
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// ExecutionMode determines whether submit waits for the simulation
type ExecutionMode string

const (
	ModeAsync    ExecutionMode = "async"
	ModeBlocking ExecutionMode = "blocking"
)

// Clone returns a copy that is safe to hand out of the store
func (j *Job) Clone() *Job {
	c := *j
	if j.DPS != nil {
		v := *j.DPS
		c.DPS = &v
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
