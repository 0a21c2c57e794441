// Package events emits entity lifecycle events so downstream consumers (case
// management, reporting) can follow the registry without polling it
package events

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/fernhollow/registry/pkg/kafka"
	"github.com/fernhollow/registry/pkg/models"
	"github.com/fernhollow/registry/pkg/tracing"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// Publisher is the transport the emitter writes to
type Publisher interface {
	PublishEntityEvent(ctx context.Context, event *kafka.EntityEvent) error
}

// Emitter handles event emission for the registry
type Emitter struct {
	producer Publisher
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(producer Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// EmitEntityCreated emits an event for a newly created canonical entity
func (e *Emitter) EmitEntityCreated(ctx context.Context, entity *models.Entity) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitEntityCreated")
	defer span.End()

	event := &kafka.EntityEvent{
		EventType:  "entity.created",
		EntityID:   entity.ID,
		EntityKind: string(entity.Kind),
		Data:       entity.Data,
	}

	if err := e.producer.PublishEntityEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit entity.created event")
		return err
	}

	return nil
}

// EmitEntityMatched emits an event when an incoming record resolved to an
// existing entity instead of creating a new one
func (e *Emitter) EmitEntityMatched(ctx context.Context, entityID string, kind models.EntityKind) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitEntityMatched")
	defer span.End()

	event := &kafka.EntityEvent{
		EventType:  "entity.matched",
		EntityID:   entityID,
		EntityKind: string(kind),
	}

	if err := e.producer.PublishEntityEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit entity.matched event")
		return err
	}

	return nil
}

// EmitEntityMerged emits an event for a completed merge. Consumers holding the
// loser's id learn which entity to follow instead.
func (e *Emitter) EmitEntityMerged(ctx context.Context, record *models.MergeRecord) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitEntityMerged")
	defer span.End()

	event := &kafka.EntityEvent{
		EventType:  "entity.merged",
		EntityID:   record.WinnerID,
		EntityKind: string(record.Kind),
		MergeID:    record.ID,
		LoserID:    record.LoserID,
	}

	if err := e.producer.PublishEntityEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit entity.merged event")
		return err
	}

	return nil
}

// EmitMergeUndone emits an event when a merge is reversed and the loser lives
// again as its own entity
func (e *Emitter) EmitMergeUndone(ctx context.Context, record *models.MergeRecord) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitMergeUndone")
	defer span.End()

	event := &kafka.EntityEvent{
		EventType:  "entity.merge_undone",
		EntityID:   record.LoserID,
		EntityKind: string(record.Kind),
		MergeID:    record.ID,
	}

	if err := e.producer.PublishEntityEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit entity.merge_undone event")
		return err
	}

	return nil
}
