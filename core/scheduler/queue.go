package scheduler

import (
	"container/heap"
	"sync"

	"quicksim/core/models"
)

// JobQueue is a first-in first-out queue of jobs waiting for a worker
type JobQueue struct {
	jobs []*QueuedJob
	seq  uint64
	mu   sync.Mutex
}

// QueuedJob wraps a job with its submission order
type QueuedJob struct {
	Job   *models.Job
	Seq   uint64 // Lower is served first
	Index int    // For heap.Interface
}

// NewJobQueue creates a new job queue
func NewJobQueue() *JobQueue {
	jq := &JobQueue{
		jobs: make([]*QueuedJob, 0),
	}
	heap.Init(jq)
	return jq
}

// Enqueue adds a job to the queue
func (jq *JobQueue) Enqueue(job *models.Job) {
	jq.mu.Lock()
	defer jq.mu.Unlock()

	jq.seq++
	heap.Push(jq, &QueuedJob{
		Job: job,
		Seq: jq.seq,
	})
}

// PopJob removes and returns the oldest job, or nil if the queue is empty
func (jq *JobQueue) PopJob() *models.Job {
	jq.mu.Lock()
	defer jq.mu.Unlock()

	if jq.Len() == 0 {
		return nil
	}

	item := heap.Pop(jq).(*QueuedJob)
	return item.Job
}

// Depth returns the number of queued jobs
func (jq *JobQueue) Depth() int {
	jq.mu.Lock()
	defer jq.mu.Unlock()
	return jq.Len()
}

// Len implements heap.Interface; callers must hold mu
func (jq *JobQueue) Len() int {
	return len(jq.jobs)
}

// Less orders jobs by submission sequence
func (jq *JobQueue) Less(i, j int) bool {
	return jq.jobs[i].Seq < jq.jobs[j].Seq
}

// Swap swaps two jobs
func (jq *JobQueue) Swap(i, j int) {
	jq.jobs[i], jq.jobs[j] = jq.jobs[j], jq.jobs[i]
	jq.jobs[i].Index = i
	jq.jobs[j].Index = j
}

// Push implements heap.Interface
func (jq *JobQueue) Push(x interface{}) {
	n := len(jq.jobs)
	item := x.(*QueuedJob)
	item.Index = n
	jq.jobs = append(jq.jobs, item)
}

// Pop implements heap.Interface
func (jq *JobQueue) Pop() interface{} {
	old := jq.jobs
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.Index = -1
	jq.jobs = old[0 : n-1]
	return item
}
