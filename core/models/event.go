package models

import "time"

// JobEvent represents a state transition event for a job
type JobEvent struct {
	JobID      string     `json:"job_id"`
	At         time.Time  `json:"at"`
	FromStatus *JobStatus `json:"from_status,omitempty"`
	ToStatus   JobStatus  `json:"to_status"`
	Reason     string     `json:"reason"`
}

// Reasons recorded on job events
const (
	ReasonJobCreated       = "job_created"
	ReasonStagingFailed    = "staging_failed"
	ReasonExecutionStarted = "execution_started"
	ReasonExecutionFailed  = "execution_failed"
	ReasonOutputUnparsable = "output_unparsable"
	ReasonCompleted        = "simulation_completed"
	ReasonDispatchRejected = "dispatch_rejected"
	ReasonWorkerPanic      = "worker_panic"
)
