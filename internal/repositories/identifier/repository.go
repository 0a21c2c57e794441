package identifier

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/fernhollow/registry/pkg/database"
	"github.com/fernhollow/registry/pkg/models"
	"github.com/fernhollow/registry/pkg/tracing"
)

var columns = strings.Join([]string{
	"id", "entity_id", "kind", "type", "raw_value", "normalized_value",
	"source_system", "confidence", "blocked", "created_at",
}, ", ")

// ErrStrongConflict is returned when attaching a strong identifier that
// another entity already holds. The caller falls back to the lookup path.
var ErrStrongConflict = httperror.NewHTTPError(http.StatusConflict, "strong identifier already attached to another entity")

// Repository handles identifier persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new identifier repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Attach attaches an identifier to an entity. Duplicate (entity, type, value)
// rows are ignored. A unique-violation on a strong identifier type returns
// ErrStrongConflict so the caller can re-run its lookup instead of erroring.
func (r *Repository) Attach(ctx context.Context, identifier *models.Identifier) (*models.Identifier, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.Attach")
	defer span.End()

	if identifier.ID == "" {
		identifier.ID = uuid.New().String()
	}
	identifier.CreatedAt = time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("identifiers")
	sb.Cols("id", "entity_id", "kind", "type", "raw_value", "normalized_value", "source_system", "confidence", "blocked", "created_at")
	sb.Values(identifier.ID, identifier.EntityID, identifier.Kind, identifier.Type, identifier.RawValue, identifier.NormalizedValue, identifier.SourceSystem, identifier.Confidence, identifier.Blocked, identifier.CreatedAt)

	query, args := sb.Build()
	query += " ON CONFLICT (entity_id, type, normalized_value) DO NOTHING"

	if _, err := database.GetRunner(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, ErrStrongConflict
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to attach identifier")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to attach identifier")
	}

	return identifier, nil
}

// ListByEntity returns all identifiers attached to an entity
func (r *Repository) ListByEntity(ctx context.Context, entityID string) ([]models.Identifier, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.ListByEntity")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("identifiers")
	sb.Where(sb.Equal("entity_id", entityID))
	sb.OrderBy("created_at")

	query, args := sb.Build()
	var identifiers []models.Identifier
	if err := database.GetRunner(ctx, r.db).SelectContext(ctx, &identifiers, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list identifiers")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list identifiers")
	}

	return identifiers, nil
}

// ListByEntities returns identifiers for a set of entities keyed by entity id
func (r *Repository) ListByEntities(ctx context.Context, entityIDs []string) (map[string][]models.Identifier, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.ListByEntities")
	defer span.End()

	if len(entityIDs) == 0 {
		return map[string][]models.Identifier{}, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("identifiers")
	sb.Where(sb.In("entity_id", sqlbuilder.Flatten(entityIDs)...))

	query, args := sb.Build()
	var identifiers []models.Identifier
	if err := database.GetRunner(ctx, r.db).SelectContext(ctx, &identifiers, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list identifiers by entities")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list identifiers")
	}

	grouped := make(map[string][]models.Identifier, len(entityIDs))
	for _, identifier := range identifiers {
		grouped[identifier.EntityID] = append(grouped[identifier.EntityID], identifier)
	}
	return grouped, nil
}

// Repoint moves all of one entity's identifiers to another entity, skipping
// any the target already owns. Returns the moved identifier ids.
func (r *Repository) Repoint(ctx context.Context, fromEntityID, toEntityID string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.Repoint")
	defer span.End()

	query := `
		UPDATE identifiers i
		SET entity_id = $1
		WHERE i.entity_id = $2
		AND NOT EXISTS (
			SELECT 1 FROM identifiers w
			WHERE w.entity_id = $1
			AND w.type = i.type
			AND w.normalized_value = i.normalized_value
		)
		RETURNING i.id
	`

	var moved []string
	if err := database.GetRunner(ctx, r.db).SelectContext(ctx, &moved, query, toEntityID, fromEntityID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to repoint identifiers")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to repoint identifiers")
	}

	return moved, nil
}

// RepointByIDs moves a specific set of identifiers to another entity
func (r *Repository) RepointByIDs(ctx context.Context, ids []string, toEntityID string) error {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.RepointByIDs")
	defer span.End()

	if len(ids) == 0 {
		return nil
	}

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("identifiers")
	ub.Set(ub.Assign("entity_id", toEntityID))
	ub.Where(ub.In("id", sqlbuilder.Flatten(ids)...))

	query, args := ub.Build()
	if _, err := database.GetRunner(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to repoint identifiers by id")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to repoint identifiers")
	}

	return nil
}
