package blocklist

import (
	"context"
	"fmt"
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
	"id", "type", "value", "match", "label", "created_at",
}, ", ")

// Repository handles blocklist persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new blocklist repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// List returns all blocklist entries
func (r *Repository) List(ctx context.Context) ([]models.BlocklistEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "blocklist.Repository.List")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("blocklist")
	sb.OrderBy("created_at")

	query, args := sb.Build()
	var entries []models.BlocklistEntry
	if err := database.GetRunner(ctx, r.db).SelectContext(ctx, &entries, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list blocklist entries")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list blocklist entries")
	}

	return entries, nil
}

// Create adds a blocklist entry
func (r *Repository) Create(ctx context.Context, entry *models.BlocklistEntry) (*models.BlocklistEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "blocklist.Repository.Create")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("blocklist")
	sb.Cols("id", "type", "value", "match", "label", "created_at")
	sb.Values(entry.ID, entry.Type, entry.Value, entry.Match, entry.Label, entry.CreatedAt)

	query, args := sb.Build()
	if _, err := database.GetRunner(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("blocklist entry for %s %s already exists", entry.Type, entry.Value))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create blocklist entry")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create blocklist entry")
	}

	return entry, nil
}

// Delete removes a blocklist entry by ID
func (r *Repository) Delete(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, "blocklist.Repository.Delete")
	defer span.End()

	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom("blocklist")
	db.Where(db.Equal("id", id))

	query, args := db.Build()
	result, err := database.GetRunner(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to delete blocklist entry")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete blocklist entry")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("blocklist entry %s not found", id))
	}

	return nil
}
