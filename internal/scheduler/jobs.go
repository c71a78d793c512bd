package scheduler

import (
	"context"

	"github.com/seclend/imscore/internal/database"
	"github.com/seclend/imscore/internal/domain"
	"github.com/seclend/imscore/internal/modules/positions"
	"github.com/seclend/imscore/internal/queue"
)

// BackupRunner uploads store snapshots to remote storage.
type BackupRunner interface {
	Run(ctx context.Context) error
}

// RolloverJob fires the end-of-day rollover through the job processor.
type RolloverJob struct {
	rollover  *RolloverService
	processor *queue.Processor
}

// NewRolloverJob creates the cron entry for the end-of-day rollover.
func NewRolloverJob(rollover *RolloverService, processor *queue.Processor) *RolloverJob {
	return &RolloverJob{rollover: rollover, processor: processor}
}

func (j *RolloverJob) Name() string { return queue.JobEODRollover }

func (j *RolloverJob) Run() error {
	date := domain.Today()
	j.processor.Enqueue(queue.NewJob(queue.JobEODRollover, queue.PriorityCritical,
		func(ctx context.Context) error {
			return j.rollover.Run(ctx, date)
		}))
	return nil
}

// PendingSweepJob retries positions stuck in PENDING calculation status.
type PendingSweepJob struct {
	positions *positions.Engine
	processor *queue.Processor
}

// NewPendingSweepJob creates the cron entry for the pending-position sweep.
func NewPendingSweepJob(pos *positions.Engine, processor *queue.Processor) *PendingSweepJob {
	return &PendingSweepJob{positions: pos, processor: processor}
}

func (j *PendingSweepJob) Name() string { return queue.JobPendingSweep }

func (j *PendingSweepJob) Run() error {
	j.processor.Enqueue(queue.NewJob(queue.JobPendingSweep, queue.PriorityLow,
		func(ctx context.Context) error {
			_, err := j.positions.RecalculatePositions(domain.Today(), domain.CalcPending)
			return err
		}))
	return nil
}

// WALCheckpointJob truncates the write-ahead log of every store so WAL
// files do not grow unbounded between backups.
type WALCheckpointJob struct {
	stores    []*database.DB
	processor *queue.Processor
}

// NewWALCheckpointJob creates the cron entry for WAL checkpoints.
func NewWALCheckpointJob(stores []*database.DB, processor *queue.Processor) *WALCheckpointJob {
	return &WALCheckpointJob{stores: stores, processor: processor}
}

func (j *WALCheckpointJob) Name() string { return queue.JobWALCheckpoint }

func (j *WALCheckpointJob) Run() error {
	j.processor.Enqueue(queue.NewJob(queue.JobWALCheckpoint, queue.PriorityLow,
		func(ctx context.Context) error {
			for _, store := range j.stores {
				if err := store.WALCheckpoint("TRUNCATE"); err != nil {
					return err
				}
			}
			return nil
		}))
	return nil
}

// BackupJob ships store snapshots to remote storage.
type BackupJob struct {
	backup    BackupRunner
	processor *queue.Processor
}

// NewBackupJob creates the cron entry for store backups.
func NewBackupJob(backup BackupRunner, processor *queue.Processor) *BackupJob {
	return &BackupJob{backup: backup, processor: processor}
}

func (j *BackupJob) Name() string { return queue.JobStoreBackup }

func (j *BackupJob) Run() error {
	j.processor.Enqueue(queue.NewJob(queue.JobStoreBackup, queue.PriorityLow,
		func(ctx context.Context) error {
			return j.backup.Run(ctx)
		}))
	return nil
}
