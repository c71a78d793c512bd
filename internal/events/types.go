// Package events provides the event bus and event types for cross-engine
// communication. Inbound events arrive from upstream feeds through the
// ingress dispatcher; outbound update events are published through the
// egress publisher with per-key ordering.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of event flowing through the bus.
type EventType string

// Inbound event types, consumed from the upstream feeds.
const (
	TradeData     EventType = "TRADE_DATA"
	PositionFeed  EventType = "POSITION_EVENT"
	InventoryFeed EventType = "INVENTORY_EVENT"
	ContractFeed  EventType = "CONTRACT_EVENT"
)

// Outbound event types, published to downstream consumers.
const (
	PositionUpdate    EventType = "POSITION_UPDATE"
	InventoryUpdate   EventType = "INVENTORY_UPDATE"
	ClientLimitUpdate EventType = "CLIENT_LIMIT_UPDATE"
	AULimitUpdate     EventType = "AU_LIMIT_UPDATE"
)

// Internal event types for operational plumbing.
const (
	RuleChanged  EventType = "RULE_CHANGED"
	JobStarted   EventType = "JOB_STARTED"
	JobCompleted EventType = "JOB_COMPLETED"
	JobFailed    EventType = "JOB_FAILED"
	EventParked  EventType = "EVENT_PARKED"
)

// Event is the envelope shared by every event on the bus. Consumers
// deduplicate on EventID; PartitionKey carries the ordering key so egress
// can preserve per-key order end-to-end.
type Event struct {
	EventID       string    `json:"eventId" msgpack:"eventId"`
	Type          EventType `json:"eventType" msgpack:"eventType"`
	Source        string    `json:"source" msgpack:"source"`
	Timestamp     time.Time `json:"timestamp" msgpack:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty" msgpack:"correlationId,omitempty"`
	Version       int       `json:"version" msgpack:"version"`
	PartitionKey  string    `json:"partitionKey" msgpack:"partitionKey"`
	Data          EventData `json:"data" msgpack:"-"`
}

// NewEvent builds an envelope around a payload, stamping a fresh event ID
// and the current UTC time. The partition key comes from the payload.
func NewEvent(source string, data EventData) *Event {
	return &Event{
		EventID:      uuid.NewString(),
		Type:         data.EventType(),
		Source:       source,
		Timestamp:    time.Now().UTC(),
		Version:      1,
		PartitionKey: data.PartitionKey(),
		Data:         data,
	}
}
