package survivorship

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/fernhollow/registry/pkg/models"
	"github.com/fernhollow/registry/pkg/tracing"
)

// AssertionStore is the field assertion persistence the service needs
type AssertionStore interface {
	Append(ctx context.Context, assertion *models.FieldSource) (*models.FieldSource, error)
	ListByEntity(ctx context.Context, entityID string) ([]models.FieldSource, error)
	ListByEntityField(ctx context.Context, entityID, field string) ([]models.FieldSource, error)
	ListConflictedFields(ctx context.Context, entityID string) ([]string, error)
}

// PriorityStore supplies the operator-maintained source authority table
type PriorityStore interface {
	List(ctx context.Context) ([]models.SourcePriority, error)
}

// Service computes the surviving value of each entity field from its full
// assertion history. Assertions are never destroyed; changing the priority
// table or adding an override changes the projection, not the history.
type Service struct {
	assertions AssertionStore
	priorities PriorityStore
	logger     ectologger.Logger
}

// NewService creates a survivorship service
func NewService(assertions AssertionStore, priorities PriorityStore, logger ectologger.Logger) *Service {
	return &Service{
		assertions: assertions,
		priorities: priorities,
		logger:     logger,
	}
}

// RecordAssertion appends one field assertion
func (s *Service) RecordAssertion(ctx context.Context, assertion *models.FieldSource) error {
	ctx, span := tracing.StartSpan(ctx, "survivorship.Service.RecordAssertion")
	defer span.End()

	_, err := s.assertions.Append(ctx, assertion)
	return err
}

// ResolveField returns the surviving assertion for one field of an entity,
// or nil when nothing has been asserted
func (s *Service) ResolveField(ctx context.Context, entityID, field string) (*models.FieldSource, error) {
	ctx, span := tracing.StartSpan(ctx, "survivorship.Service.ResolveField")
	defer span.End()

	assertions, err := s.assertions.ListByEntityField(ctx, entityID, field)
	if err != nil {
		return nil, err
	}
	if len(assertions) == 0 {
		return nil, nil
	}

	priorities, err := s.priorityIndex(ctx)
	if err != nil {
		return nil, err
	}

	return Resolve(assertions, priorities), nil
}

// ResolveEntity returns the surviving value of every asserted field
func (s *Service) ResolveEntity(ctx context.Context, entityID string) (map[string]models.FieldSource, error) {
	ctx, span := tracing.StartSpan(ctx, "survivorship.Service.ResolveEntity")
	defer span.End()

	assertions, err := s.assertions.ListByEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}

	priorities, err := s.priorityIndex(ctx)
	if err != nil {
		return nil, err
	}

	byField := map[string][]models.FieldSource{}
	for _, assertion := range assertions {
		byField[assertion.Field] = append(byField[assertion.Field], assertion)
	}

	resolved := make(map[string]models.FieldSource, len(byField))
	for field, fieldAssertions := range byField {
		if winner := Resolve(fieldAssertions, priorities); winner != nil {
			resolved[field] = *winner
		}
	}
	return resolved, nil
}

// Conflicts returns the fields of an entity where sources disagree, each with
// its resolved value and the full assertion history
func (s *Service) Conflicts(ctx context.Context, entityID string) ([]models.FieldConflict, error) {
	ctx, span := tracing.StartSpan(ctx, "survivorship.Service.Conflicts")
	defer span.End()

	fields, err := s.assertions.ListConflictedFields(ctx, entityID)
	if err != nil {
		return nil, err
	}

	priorities, err := s.priorityIndex(ctx)
	if err != nil {
		return nil, err
	}

	conflicts := make([]models.FieldConflict, 0, len(fields))
	for _, field := range fields {
		assertions, err := s.assertions.ListByEntityField(ctx, entityID, field)
		if err != nil {
			return nil, err
		}
		conflict := models.FieldConflict{
			EntityID:   entityID,
			Field:      field,
			Assertions: assertions,
		}
		if winner := Resolve(assertions, priorities); winner != nil {
			conflict.Resolved = winner.Value
		}
		conflicts = append(conflicts, conflict)
	}
	return conflicts, nil
}

func (s *Service) priorityIndex(ctx context.Context) (map[string]int, error) {
	rows, err := s.priorities.List(ctx)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(rows))
	for _, row := range rows {
		index[priorityKey(row.Field, row.SourceSystem)] = row.Priority
	}
	return index, nil
}

func priorityKey(field, sourceSystem string) string {
	return fmt.Sprintf("%s|%s", field, sourceSystem)
}

// Resolve picks the surviving assertion for one field. Manual overrides win
// outright; otherwise the highest-authority source wins, and recency breaks
// ties. Lower priority numbers mean higher authority. Sources missing from
// the priority table rank below every listed source.
func Resolve(assertions []models.FieldSource, priorities map[string]int) *models.FieldSource {
	if len(assertions) == 0 {
		return nil
	}

	var winner *models.FieldSource
	for i := range assertions {
		candidate := &assertions[i]
		if winner == nil || beats(candidate, winner, priorities) {
			winner = candidate
		}
	}
	return winner
}

const unrankedPriority = 1 << 30

func beats(a, b *models.FieldSource, priorities map[string]int) bool {
	if a.ManualOverride != b.ManualOverride {
		return a.ManualOverride
	}

	aRank, ok := priorities[priorityKey(a.Field, a.SourceSystem)]
	if !ok {
		aRank = unrankedPriority
	}
	bRank, ok := priorities[priorityKey(b.Field, b.SourceSystem)]
	if !ok {
		bRank = unrankedPriority
	}
	if aRank != bRank {
		return aRank < bRank
	}

	return a.AssertedAt.After(b.AssertedAt)
}
