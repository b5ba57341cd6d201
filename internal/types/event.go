package types

import (
	"encoding/json"
	"regexp"
	"time"
)

// EventEnvelope is the per-stream record appended to an event-stream
// segment. Sequence is per-stream, not global.
type EventEnvelope struct {
	EventID       string          `json:"event_id"`
	Stream        string          `json:"stream"`
	EventType     string          `json:"event_type"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Sequence      int64           `json:"sequence"`
	Checksum      string          `json:"checksum"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// RegisteredStreams are the pre-registered event streams.
var RegisteredStreams = map[string]bool{
	"billing":         true,
	"credit":          true,
	"reconciliation":  true,
	"personality":     true,
	"routing_quality": true,
}

var streamNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidStreamName reports whether a stream name matches the required
// pattern AND is one of the registered streams.
func ValidStreamName(name string) bool {
	return streamNamePattern.MatchString(name) && RegisteredStreams[name]
}

// VerifyChecksum reports whether the envelope's checksum matches its payload.
func (e EventEnvelope) VerifyChecksum() bool {
	return e.Checksum == ChecksumPayload(e.Payload)
}

// ToEventEnvelope performs the lossless WAL-envelope-to-event-envelope
// mapping described in §4.2: event_id = billing_entry_id, stream =
// "billing", sequence = wal_sequence (legacy zero-value envelopes
// default to sequence 0, which is also Go's natural zero value).
func (e WALEnvelope) ToEventEnvelope() EventEnvelope {
	return EventEnvelope{
		EventID:       e.BillingEntryID,
		Stream:        "billing",
		EventType:     e.EventType,
		Timestamp:     e.Timestamp,
		CorrelationID: e.CorrelationID,
		Sequence:      e.WALSequence,
		Checksum:      e.Checksum,
		SchemaVersion: e.SchemaVersion,
		Payload:       e.Payload,
	}
}

// ToWALEnvelope reverses ToEventEnvelope. It is lossless on
// {billing_entry_id, event_type, wal_sequence, payload, correlation_id}.
func (e EventEnvelope) ToWALEnvelope() WALEnvelope {
	return WALEnvelope{
		SchemaVersion:  e.SchemaVersion,
		EventType:      e.EventType,
		Timestamp:      e.Timestamp,
		BillingEntryID: e.EventID,
		CorrelationID:  e.CorrelationID,
		Checksum:       e.Checksum,
		WALSequence:    e.Sequence,
		Payload:        e.Payload,
	}
}
