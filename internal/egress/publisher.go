// Package egress forwards outbound update events to downstream consumers
// with per-partition-key ordering. Delivery is at-least-once: a consumer
// that reconnects may see an update twice and deduplicates on eventId.
package egress

import (
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/seclend/imscore/internal/events"
)

// dedupWindow bounds the publisher's duplicate-suppression memory.
const dedupWindow = 8192

// subscriberBuffer is the per-consumer backlog before it is cut off.
const subscriberBuffer = 256

var outboundTypes = []events.EventType{
	events.PositionUpdate,
	events.InventoryUpdate,
	events.ClientLimitUpdate,
	events.AULimitUpdate,
}

// Publisher fans outbound updates from the bus to attached subscribers.
// Events sharing a partition key always travel the same ordered lane; a
// subscriber that cannot keep up is disconnected rather than allowed to
// stall the lane, and is expected to resubscribe.
type Publisher struct {
	log   zerolog.Logger
	lanes []chan *events.Event
	wg    sync.WaitGroup
	once  sync.Once

	mu     sync.Mutex
	nextID int64
	subs   map[int64]chan *events.Event

	seen     map[string]struct{}
	seenFIFO []string

	published int64
	dropped   int64
}

// NewPublisher creates an egress publisher with the given lane count and
// wires it to the bus's outbound update types.
func NewPublisher(bus *events.Bus, lanes int, log zerolog.Logger) *Publisher {
	if lanes < 1 {
		lanes = 1
	}
	p := &Publisher{
		log:   log.With().Str("component", "egress").Logger(),
		lanes: make([]chan *events.Event, lanes),
		subs:  map[int64]chan *events.Event{},
		seen:  map[string]struct{}{},
	}
	for i := range p.lanes {
		p.lanes[i] = make(chan *events.Event, 1024)
	}
	for _, t := range outboundTypes {
		bus.Subscribe(t, p.route)
	}
	return p
}

// Start launches the lane goroutines.
func (p *Publisher) Start() {
	p.once.Do(func() {
		for i := range p.lanes {
			p.wg.Add(1)
			go p.runLane(p.lanes[i])
		}
		p.log.Info().Int("lanes", len(p.lanes)).Msg("Egress publisher started")
	})
}

// Stop closes the lanes and waits for delivery to drain, then closes every
// subscriber channel.
func (p *Publisher) Stop() {
	for i := range p.lanes {
		close(p.lanes[i])
	}
	p.wg.Wait()

	p.mu.Lock()
	for id, ch := range p.subs {
		close(ch)
		delete(p.subs, id)
	}
	p.mu.Unlock()
	p.log.Info().Msg("Egress publisher stopped")
}

// Subscribe attaches a consumer. The returned cancel detaches it; the
// channel closes on cancel, publisher stop, or when the consumer lags.
func (p *Publisher) Subscribe() (<-chan *events.Event, func()) {
	ch := make(chan *events.Event, subscriberBuffer)

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.subs[id] = ch
	p.mu.Unlock()

	cancel := func() { p.detach(id) }
	return ch, cancel
}

func (p *Publisher) detach(id int64) {
	p.mu.Lock()
	if ch, ok := p.subs[id]; ok {
		delete(p.subs, id)
		close(ch)
	}
	p.mu.Unlock()
}

// route is the bus handler: suppress duplicates, then queue on the lane
// owned by the event's partition key. Called on the emitting goroutine, so
// per-key emission order is the lane's FIFO order.
func (p *Publisher) route(event *events.Event) {
	p.mu.Lock()
	if _, dup := p.seen[event.EventID]; dup {
		p.mu.Unlock()
		return
	}
	p.seen[event.EventID] = struct{}{}
	p.seenFIFO = append(p.seenFIFO, event.EventID)
	if len(p.seenFIFO) > dedupWindow {
		delete(p.seen, p.seenFIFO[0])
		p.seenFIFO = p.seenFIFO[1:]
	}
	p.mu.Unlock()

	p.lanes[p.laneFor(event.PartitionKey)] <- event
}

func (p *Publisher) laneFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32()) % len(p.lanes)
}

func (p *Publisher) runLane(lane chan *events.Event) {
	defer p.wg.Done()
	for event := range lane {
		p.deliver(event)
	}
}

func (p *Publisher) deliver(event *events.Event) {
	p.mu.Lock()
	p.published++
	var lagging []int64
	for id, ch := range p.subs {
		select {
		case ch <- event:
		default:
			lagging = append(lagging, id)
			p.dropped++
		}
	}
	p.mu.Unlock()

	for _, id := range lagging {
		p.log.Warn().Int64("subscriber", id).Msg("Egress subscriber lagging, disconnecting")
		p.detach(id)
	}
}

// Stats reports published and dropped event counts.
func (p *Publisher) Stats() (published, dropped int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published, p.dropped
}
