// Package queue provides the background job processor: a single execution
// loop working a priority queue with a retry lane, used for batch
// recomputes, end-of-day rollover, and store maintenance.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobTimeout is the maximum duration a job can run before being cancelled.
const JobTimeout = 5 * time.Minute

// MaxRetries is the number of times a failed job is retried.
const MaxRetries = 3

// Priority determines execution order when multiple jobs are queued.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String returns a human-readable name for the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityMedium:
		return "Medium"
	case PriorityHigh:
		return "High"
	case PriorityCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// Well-known job types.
const (
	JobRecalcPositions  = "positions:recalculate"
	JobRecalcInventory  = "inventory:recalculate"
	JobRecalcLimits     = "limits:recalculate"
	JobEODRollover      = "eod:rollover"
	JobPendingSweep     = "positions:pending-sweep"
	JobWALCheckpoint    = "store:wal-checkpoint"
	JobStoreBackup      = "store:backup"
)

// Job is one queued unit of work.
type Job struct {
	ID       string
	Type     string
	Priority Priority
	Run      func(ctx context.Context) error

	Retries    int
	EnqueuedAt time.Time
}

// NewJob creates a job with a fresh ID.
func NewJob(jobType string, priority Priority, run func(ctx context.Context) error) *Job {
	return &Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Priority:   priority,
		Run:        run,
		EnqueuedAt: time.Now().UTC(),
	}
}
