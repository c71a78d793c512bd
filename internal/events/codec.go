package events

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// wireEvent is the envelope as it travels the wire: the payload rides as a
// nested msgpack blob so the envelope can be decoded without knowing the
// payload type up front.
type wireEvent struct {
	EventID       string    `msgpack:"eventId"`
	Type          EventType `msgpack:"eventType"`
	Source        string    `msgpack:"source"`
	TimestampUnix int64     `msgpack:"timestamp"`
	CorrelationID string    `msgpack:"correlationId"`
	Version       int       `msgpack:"version"`
	PartitionKey  string    `msgpack:"partitionKey"`
	Payload       []byte    `msgpack:"payload"`
}

// Encode serializes an event envelope and its payload to msgpack.
func Encode(event *Event) ([]byte, error) {
	payload, err := msgpack.Marshal(event.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event.Type, err)
	}

	w := wireEvent{
		EventID:       event.EventID,
		Type:          event.Type,
		Source:        event.Source,
		TimestampUnix: event.Timestamp.UnixMicro(),
		CorrelationID: event.CorrelationID,
		Version:       event.Version,
		PartitionKey:  event.PartitionKey,
		Payload:       payload,
	}

	data, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", event.Type, err)
	}
	return data, nil
}

// EncodePayload serializes just the payload, used by the dead-letter store.
func EncodePayload(data EventData) ([]byte, error) {
	b, err := msgpack.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return b, nil
}

// Decode deserializes a msgpack-encoded event, reconstructing the typed
// payload from the envelope's event type.
func Decode(data []byte) (*Event, error) {
	var w wireEvent
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode event envelope: %w", err)
	}

	payload, err := DecodePayload(w.Type, w.Payload)
	if err != nil {
		return nil, err
	}

	return &Event{
		EventID:       w.EventID,
		Type:          w.Type,
		Source:        w.Source,
		Timestamp:     unixMicroUTC(w.TimestampUnix),
		CorrelationID: w.CorrelationID,
		Version:       w.Version,
		PartitionKey:  w.PartitionKey,
		Data:          payload,
	}, nil
}

// DecodePayload deserializes a payload blob for a known event type.
func DecodePayload(t EventType, data []byte) (EventData, error) {
	var payload EventData
	switch t {
	case TradeData:
		payload = &TradeDataEvent{}
	case PositionFeed:
		payload = &PositionEvent{}
	case InventoryFeed:
		payload = &InventoryEvent{}
	case ContractFeed:
		payload = &ContractEvent{}
	case PositionUpdate:
		payload = &PositionUpdateData{}
	case InventoryUpdate:
		payload = &InventoryUpdateData{}
	case ClientLimitUpdate:
		payload = &ClientLimitUpdateData{}
	case AULimitUpdate:
		payload = &AULimitUpdateData{}
	case RuleChanged:
		payload = &RuleChangedData{}
	case JobStarted, JobCompleted, JobFailed:
		payload = &JobStatusData{}
	case EventParked:
		payload = &EventParkedData{}
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}

	if err := msgpack.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", t, err)
	}
	return payload, nil
}

func unixMicroUTC(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
