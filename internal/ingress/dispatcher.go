// Package ingress consumes the four inbound feed streams and dispatches
// each event to its engine on a shard picked by partition key. Within a
// shard processing is strictly sequential, so per-key ordering survives
// end-to-end; across shards events run concurrently.
package ingress

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/seclend/imscore/internal/domain"
	"github.com/seclend/imscore/internal/events"
)

// Config are the dispatcher knobs, taken from the retry/back-off and shard
// sections of the runtime configuration.
type Config struct {
	ShardCount     int
	QueueHigh      int // pause intake above this shard depth
	QueueLow       int // resume below this depth
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffFactor  int
	BackoffMax     time.Duration
	Deadline       time.Duration // per-event processing deadline
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ShardCount < 1 {
		out.ShardCount = 1
	}
	if out.QueueHigh <= 0 {
		out.QueueHigh = 10000
	}
	if out.QueueLow <= 0 || out.QueueLow >= out.QueueHigh {
		out.QueueLow = out.QueueHigh / 4
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = 5
	}
	if out.BackoffInitial <= 0 {
		out.BackoffInitial = 100 * time.Millisecond
	}
	if out.BackoffFactor < 2 {
		out.BackoffFactor = 2
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = 1600 * time.Millisecond
	}
	if out.Deadline <= 0 {
		out.Deadline = 200 * time.Millisecond
	}
	return out
}

// TradeProcessor applies trade events to positions.
type TradeProcessor interface {
	ProcessTradeEvent(ctx context.Context, ev *events.TradeDataEvent) (*domain.Position, error)
}

// PositionProcessor absorbs position snapshots.
type PositionProcessor interface {
	ProcessPositionEvent(ctx context.Context, ev *events.PositionEvent) (*domain.Position, error)
}

// InventoryProcessor absorbs inventory and contract events.
type InventoryProcessor interface {
	ProcessInventoryEvent(ctx context.Context, ev *events.InventoryEvent) error
	ProcessContractEvent(ctx context.Context, ev *events.ContractEvent) error
}

// Dispatcher fans inbound events out to shard goroutines by partition key.
type Dispatcher struct {
	cfg Config

	trades    TradeProcessor
	positions PositionProcessor
	inventory InventoryProcessor

	deadLetters *DeadLetterRepository
	bus         *events.Bus
	log         zerolog.Logger

	shards  []*shard
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	mu      sync.Mutex

	// sleep is replaceable so retry tests do not wait out real back-off.
	sleep func(context.Context, time.Duration)
}

// shard is one ordered lane. The queue is a slice guarded by a condition
// variable rather than a channel so intake can block at the high watermark
// and resume at the low one.
type shard struct {
	mu     sync.Mutex
	nonEmp *sync.Cond
	slack  *sync.Cond
	queue  []*events.Event
	paused bool
	closed bool
}

// NewDispatcher creates an ingress dispatcher.
func NewDispatcher(cfg Config, trades TradeProcessor, positions PositionProcessor,
	inventory InventoryProcessor, deadLetters *DeadLetterRepository,
	bus *events.Bus, log zerolog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()

	d := &Dispatcher{
		cfg:         cfg,
		trades:      trades,
		positions:   positions,
		inventory:   inventory,
		deadLetters: deadLetters,
		bus:         bus,
		log:         log.With().Str("component", "ingress").Logger(),
		shards:      make([]*shard, cfg.ShardCount),
		sleep:       sleepCtx,
	}
	for i := range d.shards {
		s := &shard{}
		s.nonEmp = sync.NewCond(&s.mu)
		s.slack = sync.NewCond(&s.mu)
		d.shards[i] = s
	}
	return d
}

// Start launches one goroutine per shard.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.ctx, d.cancel = context.WithCancel(ctx)

	for i := range d.shards {
		d.wg.Add(1)
		go d.runShard(i)
	}
	d.log.Info().Int("shards", len(d.shards)).Msg("Ingress dispatcher started")
}

// Stop drains intake and waits for in-flight events to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	d.mu.Unlock()

	for _, s := range d.shards {
		s.mu.Lock()
		s.closed = true
		s.nonEmp.Broadcast()
		s.slack.Broadcast()
		s.mu.Unlock()
	}
	d.cancel()
	d.wg.Wait()
	d.log.Info().Msg("Ingress dispatcher stopped")
}

// Submit enqueues one inbound event on the shard owning its partition key.
// Submission blocks while the shard sits above the high watermark and
// resumes once the backlog falls under the low watermark.
func (d *Dispatcher) Submit(event *events.Event) error {
	const op = "ingress.Submit"
	if event == nil || event.Data == nil {
		return domain.E(op, domain.KindValidation, "event payload is required")
	}
	switch event.Type {
	case events.TradeData, events.PositionFeed, events.InventoryFeed, events.ContractFeed:
	default:
		return domain.E(op, domain.KindValidation, "unsupported inbound event type "+string(event.Type))
	}

	s := d.shards[d.shardFor(event.PartitionKey)]
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) >= d.cfg.QueueHigh {
		s.paused = true
	}
	for s.paused && !s.closed {
		if len(s.queue) <= d.cfg.QueueLow {
			s.paused = false
			break
		}
		s.slack.Wait()
	}
	if s.closed {
		return domain.E(op, domain.KindDependency, "ingress is shut down")
	}

	s.queue = append(s.queue, event)
	s.nonEmp.Signal()
	return nil
}

func (d *Dispatcher) shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32()) % len(d.shards)
}

func (d *Dispatcher) runShard(idx int) {
	defer d.wg.Done()
	s := d.shards[idx]

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.nonEmp.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		event := s.queue[0]
		s.queue = s.queue[1:]
		if len(s.queue) <= d.cfg.QueueLow {
			s.slack.Broadcast()
		}
		s.mu.Unlock()

		d.processWithRetry(event)
	}
}

// processWithRetry drives one event through the retry policy: VALIDATION
// dead-letters immediately, CONFLICT is already retried inside the engines
// and surfaces terminally, everything else gets exponential back-off until
// the retry budget runs out.
func (d *Dispatcher) processWithRetry(event *events.Event) {
	backoff := d.cfg.BackoffInitial

	for attempt := 0; ; attempt++ {
		err := d.process(event)
		if err == nil {
			return
		}

		kind := domain.KindOf(err)
		if kind == domain.KindValidation || kind == domain.KindConflict || kind == domain.KindFatal ||
			attempt >= d.cfg.MaxRetries {
			d.park(event, err, attempt)
			return
		}

		d.log.Debug().
			Str("event_id", event.EventID).
			Str("event_type", string(event.Type)).
			Str("error_kind", string(kind)).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Event processing failed, backing off")

		d.sleep(d.ctx, backoff)
		if d.ctx.Err() != nil {
			d.park(event, err, attempt)
			return
		}

		backoff *= time.Duration(d.cfg.BackoffFactor)
		if backoff > d.cfg.BackoffMax {
			backoff = d.cfg.BackoffMax
		}
	}
}

func (d *Dispatcher) process(event *events.Event) error {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.Deadline)
	defer cancel()

	switch data := event.Data.(type) {
	case *events.TradeDataEvent:
		_, err := d.trades.ProcessTradeEvent(ctx, data)
		return err
	case *events.PositionEvent:
		_, err := d.positions.ProcessPositionEvent(ctx, data)
		return err
	case *events.InventoryEvent:
		return d.inventory.ProcessInventoryEvent(ctx, data)
	case *events.ContractEvent:
		return d.inventory.ProcessContractEvent(ctx, data)
	}
	return domain.E("ingress.process", domain.KindValidation, "unroutable payload type")
}

func (d *Dispatcher) park(event *events.Event, cause error, retries int) {
	if err := d.deadLetters.Park(event, cause, retries); err != nil {
		d.log.Error().Err(err).Str("event_id", event.EventID).Msg("Failed to dead-letter event")
	}

	d.bus.Emit(domain.EventSource, &events.EventParkedData{
		EventID:      event.EventID,
		Type:         event.Type,
		Partition:    event.PartitionKey,
		ErrorKind:    string(domain.KindOf(cause)),
		ErrorDetail:  cause.Error(),
		RetriesSpent: retries,
	})
}

// QueueDepths reports the current backlog of every shard.
func (d *Dispatcher) QueueDepths() []int {
	out := make([]int, len(d.shards))
	for i, s := range d.shards {
		s.mu.Lock()
		out[i] = len(s.queue)
		s.mu.Unlock()
	}
	return out
}

func sleepCtx(ctx context.Context, dur time.Duration) {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
