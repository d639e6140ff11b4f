// Package busx implements the kernel's event bus: ordered,
// topic-based publish/subscribe with at-least-once delivery to durable
// subscribers. It owns its own envelope and subscription plumbing rather
// than a private component-host framework — see DESIGN.md.
package busx

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current Envelope wire-format version.
const SchemaVersion = 1

// Envelope is the Event entity: every payload published on the bus is
// wrapped in one of these before it leaves the publisher.
type Envelope struct {
	Topic         string          `json:"topic"`
	CorrelationID string          `json:"correlation_id"`
	PartitionKey  string          `json:"partition_key"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Actor         string          `json:"actor"`
	Payload       json.RawMessage `json:"payload"`
	SchemaVersion int             `json:"schema_version"`
}

// NewEnvelope builds an Envelope wrapping payload, JSON-encoding it
// immediately so publish failures surface before any network I/O.
func NewEnvelope(topic, partitionKey, actor string, payload any, occurredAt time.Time) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Topic:         topic,
		CorrelationID: uuid.New().String(),
		PartitionKey:  partitionKey,
		OccurredAt:    occurredAt,
		Actor:         actor,
		Payload:       data,
		SchemaVersion: SchemaVersion,
	}, nil
}

// WithCorrelationID overrides the generated correlation ID, used when an
// event is published in response to another (e.g. a validation review
// publishing under the originating task's correlation ID).
func (e *Envelope) WithCorrelationID(id string) *Envelope {
	e.CorrelationID = id
	return e
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}
