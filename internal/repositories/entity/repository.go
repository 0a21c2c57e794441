package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/fernhollow/registry/pkg/database"
	"github.com/fernhollow/registry/pkg/models"
	"github.com/fernhollow/registry/pkg/tracing"
)

var columnList = []string{"id", "kind", "display_name", "data", "classification", "merged_into", "source_system", "source_record_id", "created_at", "updated_at"}

var columns = strings.Join(columnList, ", ")

func qualify(alias string) string {
	qualified := make([]string, len(columnList))
	for i, col := range columnList {
		qualified[i] = alias + "." + col
	}
	return strings.Join(qualified, ", ")
}

// Repository handles canonical entity persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new entity repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// DB exposes the underlying database handle for transactional operations.
func (r *Repository) DB() database.DB {
	return r.db
}

// Create creates a new entity
func (r *Repository) Create(ctx context.Context, entity *models.Entity) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Create")
	defer span.End()

	if entity.ID == "" {
		entity.ID = uuid.New().String()
	}
	entity.CreatedAt = time.Now().UTC()
	entity.UpdatedAt = entity.CreatedAt
	if len(entity.Data) == 0 {
		entity.Data = json.RawMessage("{}")
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("entities")
	sb.Cols("id", "kind", "display_name", "data", "classification", "merged_into", "source_system", "source_record_id", "created_at", "updated_at")
	sb.Values(entity.ID, entity.Kind, entity.DisplayName, []byte(entity.Data), entity.Classification, entity.MergedInto, entity.SourceSystem, entity.SourceRecordID, entity.CreatedAt, entity.UpdatedAt)

	query, args := sb.Build()
	if _, err := database.GetRunner(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create entity")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"id": entity.ID, "kind": entity.Kind}).Info("Created entity")
	return entity, nil
}

// Get retrieves an entity by ID
func (r *Repository) Get(ctx context.Context, id string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("entities")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var entity models.Entity
	if err := database.GetRunner(ctx, r.db).GetContext(ctx, &entity, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("entity %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get entity")
	}

	return &entity, nil
}

// GetByIDs retrieves multiple entities by ID
func (r *Repository) GetByIDs(ctx context.Context, ids []string) ([]models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.GetByIDs")
	defer span.End()

	if len(ids) == 0 {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("entities")
	sb.Where(sb.In("id", sqlbuilder.Flatten(ids)...))

	query, args := sb.Build()
	var entities []models.Entity
	if err := database.GetRunner(ctx, r.db).SelectContext(ctx, &entities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get entities by ids")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get entities")
	}

	return entities, nil
}

// ResolveCanonical follows the merged_into pointer to the live entity. Chain
// compression is a write-time invariant, so at most one hop is ever needed.
func (r *Repository) ResolveCanonical(ctx context.Context, id string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.ResolveCanonical")
	defer span.End()

	entity, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if entity.IsLive() {
		return entity, nil
	}

	canonical, err := r.Get(ctx, *entity.MergedInto)
	if err != nil {
		return nil, err
	}
	if !canonical.IsLive() {
		// a stale multi-hop pointer means a merge skipped compression
		r.logger.WithContext(ctx).WithFields(map[string]any{"id": id, "merged_into": *entity.MergedInto}).Error("Merge chain longer than one hop")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "merge chain is not compressed")
	}

	return canonical, nil
}

// UpdateData replaces the entity's data payload and display name
func (r *Repository) UpdateData(ctx context.Context, id string, displayName string, data json.RawMessage) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.UpdateData")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("entities")
	ub.Set(
		ub.Assign("display_name", displayName),
		ub.Assign("data", []byte(data)),
		ub.Assign("updated_at", time.Now().UTC()),
	)
	ub.Where(ub.Equal("id", id))

	query, args := ub.Build()
	if _, err := database.GetRunner(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to update entity data")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update entity")
	}

	return nil
}

// SetMergedInto marks an entity as merged away (or restores it with nil)
func (r *Repository) SetMergedInto(ctx context.Context, id string, mergedInto *string) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.SetMergedInto")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("entities")
	ub.Set(
		ub.Assign("merged_into", mergedInto),
		ub.Assign("updated_at", time.Now().UTC()),
	)
	ub.Where(ub.Equal("id", id))

	query, args := ub.Build()
	if _, err := database.GetRunner(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to set merged_into")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update entity")
	}

	return nil
}

// ListMergedInto returns the ids of entities whose merged_into pointer
// references the given entity
func (r *Repository) ListMergedInto(ctx context.Context, id string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.ListMergedInto")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id")
	sb.From("entities")
	sb.Where(sb.Equal("merged_into", id))

	query, args := sb.Build()
	var ids []string
	if err := database.GetRunner(ctx, r.db).SelectContext(ctx, &ids, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list merged-into entities")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list entities")
	}

	return ids, nil
}

// RepointMergedInto rewrites every merged_into pointer from one entity to
// another. This is the chain-compression write: when A->B exists and B merges
// into C, A's pointer is rewritten to C so lookups stay one hop.
func (r *Repository) RepointMergedInto(ctx context.Context, from string, to string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.RepointMergedInto")
	defer span.End()

	query := `
		UPDATE entities
		SET merged_into = $1, updated_at = $2
		WHERE merged_into = $3
		RETURNING id
	`

	var repointed []string
	if err := database.GetRunner(ctx, r.db).SelectContext(ctx, &repointed, query, to, time.Now().UTC(), from); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to repoint merged_into pointers")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to repoint entities")
	}

	return repointed, nil
}

// LockForMerge acquires exclusive row locks on both entities for the duration
// of the surrounding transaction and returns them in their locked state.
func (r *Repository) LockForMerge(ctx context.Context, winnerID, loserID string) (*models.Entity, *models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.LockForMerge")
	defer span.End()

	query := fmt.Sprintf(`
		SELECT %s FROM entities
		WHERE id IN ($1, $2)
		FOR UPDATE
	`, columns)

	var entities []models.Entity
	if err := database.GetRunner(ctx, r.db).SelectContext(ctx, &entities, query, winnerID, loserID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to lock entities for merge")
		return nil, nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to lock entities")
	}

	var winner, loser *models.Entity
	for i := range entities {
		switch entities[i].ID {
		case winnerID:
			winner = &entities[i]
		case loserID:
			loser = &entities[i]
		}
	}
	if winner == nil || loser == nil {
		return nil, nil, httperror.NewHTTPError(http.StatusNotFound, "merge entity not found")
	}

	return winner, loser, nil
}

// ListLiveByKind pages through live entities of one kind, ordered by id so a
// scan can resume from a cursor
func (r *Repository) ListLiveByKind(ctx context.Context, kind models.EntityKind, afterID string, limit int) ([]models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.ListLiveByKind")
	defer span.End()

	if limit < 1 || limit > 1000 {
		limit = 200
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("entities")
	where := []string{
		sb.Equal("kind", kind),
		sb.IsNull("merged_into"),
	}
	if afterID != "" {
		where = append(where, sb.GreaterThan("id", afterID))
	}
	sb.Where(where...)
	sb.OrderBy("id")
	sb.Limit(limit)

	query, args := sb.Build()
	var entities []models.Entity
	if err := database.GetRunner(ctx, r.db).SelectContext(ctx, &entities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list live entities")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list entities")
	}

	return entities, nil
}

// FindLiveByIdentifier returns live entities of a kind holding the normalized
// identifier, ordered by identifier confidence descending
func (r *Repository) FindLiveByIdentifier(ctx context.Context, kind models.EntityKind, idType models.IdentifierType, normalizedValue string) ([]models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.FindLiveByIdentifier")
	defer span.End()

	query := fmt.Sprintf(`
		SELECT %s FROM entities e
		JOIN identifiers i ON i.entity_id = e.id
		WHERE e.kind = $1
		AND e.merged_into IS NULL
		AND i.type = $2
		AND i.normalized_value = $3
		AND NOT i.blocked
		ORDER BY i.confidence DESC, e.created_at
	`, qualify("e"))

	var entities []models.Entity
	if err := database.GetRunner(ctx, r.db).SelectContext(ctx, &entities, query, kind, idType, normalizedValue); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to find entities by identifier")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find entities")
	}

	return entities, nil
}

// FindLivePlaceByNormalizedAddress looks up a live place by its exact
// normalized address
func (r *Repository) FindLivePlaceByNormalizedAddress(ctx context.Context, normalizedAddress string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.FindLivePlaceByNormalizedAddress")
	defer span.End()

	query := fmt.Sprintf(`
		SELECT %s FROM entities
		WHERE kind = 'place'
		AND merged_into IS NULL
		AND data->>'address_normalized' = $1
		ORDER BY created_at
		LIMIT 1
	`, columns)

	var entity models.Entity
	if err := database.GetRunner(ctx, r.db).GetContext(ctx, &entity, query, normalizedAddress); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to find place by normalized address")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find place")
	}

	return &entity, nil
}

