package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/seclend/imscore/internal/domain"
	"github.com/seclend/imscore/internal/events"
)

// Processor executes jobs one at a time from a priority queue. Failed jobs
// move to a retry lane worked when the main queue is empty. Lifecycle
// transitions are recorded in job history and announced on the bus.
type Processor struct {
	history *HistoryRepository
	bus     *events.Bus
	log     zerolog.Logger
	timeout time.Duration

	mu         sync.Mutex
	queue      []*Job
	retryQueue []*Job
	running    bool

	trigger chan struct{}
	stop    chan struct{}
	stopped chan struct{}
}

// NewProcessor creates a job processor.
func NewProcessor(history *HistoryRepository, bus *events.Bus, log zerolog.Logger) *Processor {
	return &Processor{
		history: history,
		bus:     bus,
		log:     log.With().Str("component", "job_processor").Logger(),
		timeout: JobTimeout,
		trigger: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Run starts the processing loop. Blocks until Stop is called.
func (p *Processor) Run() {
	defer close(p.stopped)
	for {
		select {
		case <-p.stop:
			return
		case <-p.trigger:
			for p.processOne() {
				select {
				case <-p.stop:
					return
				default:
				}
			}
		}
	}
}

// Stop halts the loop after the in-flight job finishes.
func (p *Processor) Stop() {
	close(p.stop)
	<-p.stopped
}

// Enqueue queues a job and wakes the loop.
func (p *Processor) Enqueue(job *Job) {
	p.mu.Lock()
	p.queue = append(p.queue, job)
	sort.SliceStable(p.queue, func(i, j int) bool {
		return p.queue[i].Priority > p.queue[j].Priority
	})
	depth := len(p.queue)
	p.mu.Unlock()

	p.log.Debug().Str("job_type", job.Type).Str("job_id", job.ID).
		Int("queue_depth", depth).Msg("Job enqueued")
	p.wake()
}

// Submit queues a medium-priority job built from a bare function. This is
// the hook the limit engine's async recompute uses.
func (p *Processor) Submit(name string, fn func(ctx context.Context) error) error {
	if fn == nil {
		return domain.E("queue.Submit", domain.KindValidation, "job function is required")
	}
	p.Enqueue(NewJob(name, PriorityMedium, fn))
	return nil
}

// ExecuteNow runs a job synchronously, bypassing the queue. Used by the
// manual trigger endpoints.
func (p *Processor) ExecuteNow(job *Job) error {
	return p.execute(job)
}

// Depth returns the number of queued and retry-queued jobs.
func (p *Processor) Depth() (queued, retrying int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue), len(p.retryQueue)
}

func (p *Processor) wake() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// processOne pops and executes the next job; reports whether more work may
// remain.
func (p *Processor) processOne() bool {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return false
	}
	var job *Job
	if len(p.queue) > 0 {
		job = p.queue[0]
		p.queue = p.queue[1:]
	} else if len(p.retryQueue) > 0 {
		job = p.retryQueue[0]
		p.retryQueue = p.retryQueue[1:]
	}
	if job == nil {
		p.mu.Unlock()
		return false
	}
	p.running = true
	p.mu.Unlock()

	err := p.execute(job)

	p.mu.Lock()
	p.running = false
	if err != nil && job.Retries < MaxRetries {
		job.Retries++
		p.retryQueue = append(p.retryQueue, job)
	}
	p.mu.Unlock()

	if err != nil && job.Retries >= MaxRetries {
		p.log.Error().Err(err).Str("job_type", job.Type).Str("job_id", job.ID).
			Int("retries", job.Retries).Msg("Job failed permanently")
	}
	return true
}

func (p *Processor) execute(job *Job) (runErr error) {
	start := time.Now()

	if err := p.history.Started(job); err != nil {
		p.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record job start")
	}
	p.announce(job, "started", nil, 0)

	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("job %s panicked: %v", job.Type, r)
		}
		if err := p.history.Finished(job, runErr); err != nil {
			p.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record job finish")
		}
		duration := time.Since(start)
		if runErr != nil {
			p.announce(job, "failed", runErr, duration)
			p.log.Warn().Err(runErr).Str("job_type", job.Type).
				Dur("duration", duration).Msg("Job failed")
		} else {
			p.announce(job, "completed", nil, duration)
			p.log.Info().Str("job_type", job.Type).
				Dur("duration", duration).Msg("Job completed")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	return job.Run(ctx)
}

func (p *Processor) announce(job *Job, status string, err error, duration time.Duration) {
	data := &events.JobStatusData{
		JobID:    job.ID,
		JobType:  job.Type,
		Status:   status,
		Duration: duration.Seconds(),
	}
	if err != nil {
		data.Error = err.Error()
	}
	p.bus.Emit(domain.EventSource, data)
}
