package sourcepriority

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
	"id", "field", "source_system", "priority", "created_at",
}, ", ")

// Repository handles source priority persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new source priority repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// List returns all source priority rows
func (r *Repository) List(ctx context.Context) ([]models.SourcePriority, error) {
	ctx, span := tracing.StartSpan(ctx, "sourcepriority.Repository.List")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("source_priorities")
	sb.OrderBy("field", "priority")

	query, args := sb.Build()
	var priorities []models.SourcePriority
	if err := database.GetRunner(ctx, r.db).SelectContext(ctx, &priorities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list source priorities")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list source priorities")
	}

	return priorities, nil
}

// Upsert sets a source system's authority for a field
func (r *Repository) Upsert(ctx context.Context, priority *models.SourcePriority) (*models.SourcePriority, error) {
	ctx, span := tracing.StartSpan(ctx, "sourcepriority.Repository.Upsert")
	defer span.End()

	if priority.ID == "" {
		priority.ID = uuid.New().String()
	}
	priority.CreatedAt = time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("source_priorities")
	sb.Cols("id", "field", "source_system", "priority", "created_at")
	sb.Values(priority.ID, priority.Field, priority.SourceSystem, priority.Priority, priority.CreatedAt)

	query, args := sb.Build()
	query += " ON CONFLICT (field, source_system) DO UPDATE SET priority = EXCLUDED.priority"

	if _, err := database.GetRunner(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to upsert source priority")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert source priority")
	}

	return priority, nil
}
