// Package events publishes committed record version changes for downstream consumers.
package events

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/versioning"
)

const (
	EventRecordSuperseded = "record.superseded"
	EventRecordRepointed  = "record.repointed"
)

// RecordChangedEvent is published once per superseded row.
type RecordChangedEvent struct {
	EventType string    `json:"event_type"`
	Kind      string    `json:"kind"`
	Key       string    `json:"key"`
	OldID     string    `json:"old_id"`
	NewID     string    `json:"new_id"`
	Version   time.Time `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is the kafka producer surface the emitter needs.
type Publisher interface {
	Publish(ctx context.Context, msgs ...kafka.Message) error
}

// Emitter turns engine changes into kafka events. Publishing happens after the versioning
// transaction committed, so a failure is logged and the stored history stays authoritative.
type Emitter struct {
	publisher Publisher
	logger    ectologger.Logger
	now       func() time.Time
}

func NewEmitter(publisher Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordsSuperseded implements versioning.Observer.
func (e *Emitter) RecordsSuperseded(ctx context.Context, changes []versioning.Change) {
	if len(changes) == 0 {
		return
	}

	now := e.now().UTC()
	msgs := make([]kafka.Message, 0, len(changes))
	for _, c := range changes {
		evt := RecordChangedEvent{
			EventType: EventRecordSuperseded,
			Kind:      c.Kind,
			Key:       c.Key,
			OldID:     c.OldID,
			NewID:     c.NewID,
			Version:   c.Version,
			Timestamp: now,
		}
		if c.Cascaded {
			evt.EventType = EventRecordRepointed
		}
		msgs = append(msgs, kafka.Message{
			Key:   c.Kind + ":" + c.Key,
			Value: evt,
			Headers: map[string]string{
				"event_type": evt.EventType,
				"kind":       c.Kind,
			},
		})
	}

	if err := e.publisher.Publish(ctx, msgs...); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"changes": len(changes)}).Error("Failed to publish record change events")
	}
}

var _ versioning.Observer = (*Emitter)(nil)
