package reviewqueue

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

	"github.com/fernhollow/registry/pkg/database"
	"github.com/fernhollow/registry/pkg/models"
	"github.com/fernhollow/registry/pkg/tracing"
)

var columns = strings.Join([]string{
	"id", "kind", "reason", "payload", "suggestion", "status",
	"created_at", "resolved_at", "resolved_by",
}, ", ")

// Repository handles review queue persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new review queue repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create enqueues an item for human review
func (r *Repository) Create(ctx context.Context, item *models.ReviewQueueItem) (*models.ReviewQueueItem, error) {
	ctx, span := tracing.StartSpan(ctx, "reviewqueue.Repository.Create")
	defer span.End()

	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	item.CreatedAt = time.Now().UTC()
	if item.Status == "" {
		item.Status = models.ReviewItemStatusPending
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("review_queue")
	sb.Cols("id", "kind", "reason", "payload", "suggestion", "status", "created_at")
	sb.Values(item.ID, item.Kind, item.Reason, item.Payload, item.Suggestion, item.Status, item.CreatedAt)

	query, args := sb.Build()
	if _, err := database.GetRunner(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create review queue item")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create review queue item")
	}

	return item, nil
}

// Get retrieves a review queue item by ID
func (r *Repository) Get(ctx context.Context, id string) (*models.ReviewQueueItem, error) {
	ctx, span := tracing.StartSpan(ctx, "reviewqueue.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("review_queue")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var item models.ReviewQueueItem
	if err := database.GetRunner(ctx, r.db).GetContext(ctx, &item, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("review item %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get review queue item")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get review queue item")
	}

	return &item, nil
}

// ListPending returns pending review items, oldest first so the backlog
// drains in order
func (r *Repository) ListPending(ctx context.Context, kind models.ReviewItemKind, limit int) ([]models.ReviewQueueItem, error) {
	ctx, span := tracing.StartSpan(ctx, "reviewqueue.Repository.ListPending")
	defer span.End()

	if limit < 1 || limit > 500 {
		limit = 100
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("review_queue")
	where := []string{sb.Equal("status", models.ReviewItemStatusPending)}
	if kind != "" {
		where = append(where, sb.Equal("kind", kind))
	}
	sb.Where(where...)
	sb.OrderBy("created_at")
	sb.Limit(limit)

	query, args := sb.Build()
	var items []models.ReviewQueueItem
	if err := database.GetRunner(ctx, r.db).SelectContext(ctx, &items, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list review queue items")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list review queue items")
	}

	return items, nil
}

// UpdateStatus resolves or dismisses a review item
func (r *Repository) UpdateStatus(ctx context.Context, id string, status models.ReviewItemStatus, resolvedBy string) error {
	ctx, span := tracing.StartSpan(ctx, "reviewqueue.Repository.UpdateStatus")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("review_queue")
	ub.Set(
		ub.Assign("status", status),
		ub.Assign("resolved_at", time.Now().UTC()),
		ub.Assign("resolved_by", resolvedBy),
	)
	ub.Where(
		ub.Equal("id", id),
		ub.Equal("status", models.ReviewItemStatusPending),
	)

	query, args := ub.Build()
	result, err := database.GetRunner(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to update review queue item")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update review queue item")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("review item %s is not pending", id))
	}

	return nil
}
