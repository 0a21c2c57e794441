package fieldsource

import (
	"context"
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

var columns = strings.Join([]string{
	"id", "entity_id", "field", "value", "source_system", "confidence",
	"manual_override", "asserted_at", "created_at",
}, ", ")

// Repository handles field-level provenance persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new field source repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Append records a field assertion. Assertions are append-only; the resolved
// value is always computed from the full history.
func (r *Repository) Append(ctx context.Context, assertion *models.FieldSource) (*models.FieldSource, error) {
	ctx, span := tracing.StartSpan(ctx, "fieldsource.Repository.Append")
	defer span.End()

	if assertion.ID == "" {
		assertion.ID = uuid.New().String()
	}
	assertion.CreatedAt = time.Now().UTC()
	if assertion.AssertedAt.IsZero() {
		assertion.AssertedAt = assertion.CreatedAt
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("field_sources")
	sb.Cols("id", "entity_id", "field", "value", "source_system", "confidence", "manual_override", "asserted_at", "created_at")
	sb.Values(assertion.ID, assertion.EntityID, assertion.Field, assertion.Value, assertion.SourceSystem, assertion.Confidence, assertion.ManualOverride, assertion.AssertedAt, assertion.CreatedAt)

	query, args := sb.Build()
	if _, err := database.GetRunner(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to append field assertion")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to append field assertion")
	}

	return assertion, nil
}

// ListByEntityField returns all assertions for one field of an entity,
// newest first
func (r *Repository) ListByEntityField(ctx context.Context, entityID, field string) ([]models.FieldSource, error) {
	ctx, span := tracing.StartSpan(ctx, "fieldsource.Repository.ListByEntityField")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("field_sources")
	sb.Where(
		sb.Equal("entity_id", entityID),
		sb.Equal("field", field),
	)
	sb.OrderBy("asserted_at DESC", "created_at DESC")

	query, args := sb.Build()
	var assertions []models.FieldSource
	if err := database.GetRunner(ctx, r.db).SelectContext(ctx, &assertions, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list field assertions")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list field assertions")
	}

	return assertions, nil
}

// ListByEntity returns all assertions for an entity across all fields
func (r *Repository) ListByEntity(ctx context.Context, entityID string) ([]models.FieldSource, error) {
	ctx, span := tracing.StartSpan(ctx, "fieldsource.Repository.ListByEntity")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("field_sources")
	sb.Where(sb.Equal("entity_id", entityID))
	sb.OrderBy("field", "asserted_at DESC")

	query, args := sb.Build()
	var assertions []models.FieldSource
	if err := database.GetRunner(ctx, r.db).SelectContext(ctx, &assertions, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list field assertions")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list field assertions")
	}

	return assertions, nil
}

// ListConflictedFields returns the fields of an entity where distinct sources
// have asserted distinct values
func (r *Repository) ListConflictedFields(ctx context.Context, entityID string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "fieldsource.Repository.ListConflictedFields")
	defer span.End()

	query := `
		SELECT field FROM field_sources
		WHERE entity_id = $1
		GROUP BY field
		HAVING COUNT(DISTINCT value) > 1
		ORDER BY field
	`

	var fields []string
	if err := database.GetRunner(ctx, r.db).SelectContext(ctx, &fields, query, entityID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list conflicted fields")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list conflicted fields")
	}

	return fields, nil
}

// Repoint moves all of one entity's assertions to another entity. Provenance
// follows the surviving entity through a merge. Returns the moved row ids.
func (r *Repository) Repoint(ctx context.Context, fromEntityID, toEntityID string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "fieldsource.Repository.Repoint")
	defer span.End()

	query := `
		UPDATE field_sources
		SET entity_id = $1
		WHERE entity_id = $2
		RETURNING id
	`

	var moved []string
	if err := database.GetRunner(ctx, r.db).SelectContext(ctx, &moved, query, toEntityID, fromEntityID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to repoint field assertions")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to repoint field assertions")
	}

	return moved, nil
}

// RepointByIDs moves a specific set of assertions to another entity
func (r *Repository) RepointByIDs(ctx context.Context, ids []string, toEntityID string) error {
	ctx, span := tracing.StartSpan(ctx, "fieldsource.Repository.RepointByIDs")
	defer span.End()

	if len(ids) == 0 {
		return nil
	}

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("field_sources")
	ub.Set(ub.Assign("entity_id", toEntityID))
	ub.Where(ub.In("id", sqlbuilder.Flatten(ids)...))

	query, args := ub.Build()
	if _, err := database.GetRunner(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to repoint field assertions by id")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to repoint field assertions")
	}

	return nil
}
