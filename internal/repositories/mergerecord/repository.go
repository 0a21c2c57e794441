package mergerecord

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
	"id", "kind", "winner_id", "loser_id", "reason", "snapshot",
	"reversed", "created_by", "created_at", "reversed_at",
}, ", ")

// Repository handles merge record persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new merge record repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create records a completed merge
func (r *Repository) Create(ctx context.Context, record *models.MergeRecord) (*models.MergeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "mergerecord.Repository.Create")
	defer span.End()

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	record.CreatedAt = time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("merge_records")
	sb.Cols("id", "kind", "winner_id", "loser_id", "reason", "snapshot", "reversed", "created_by", "created_at")
	sb.Values(record.ID, record.Kind, record.WinnerID, record.LoserID, record.Reason, record.Snapshot, record.Reversed, record.CreatedBy, record.CreatedAt)

	query, args := sb.Build()
	if _, err := database.GetRunner(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create merge record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create merge record")
	}

	return record, nil
}

// Get retrieves a merge record by ID
func (r *Repository) Get(ctx context.Context, id string) (*models.MergeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "mergerecord.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("merge_records")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var record models.MergeRecord
	if err := database.GetRunner(ctx, r.db).GetContext(ctx, &record, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("merge record %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get merge record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get merge record")
	}

	return &record, nil
}

// ListByEntity returns merges an entity participated in, most recent first
func (r *Repository) ListByEntity(ctx context.Context, entityID string) ([]models.MergeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "mergerecord.Repository.ListByEntity")
	defer span.End()

	query := `
		SELECT ` + columns + ` FROM merge_records
		WHERE winner_id = $1 OR loser_id = $1
		ORDER BY created_at DESC
	`

	var records []models.MergeRecord
	if err := database.GetRunner(ctx, r.db).SelectContext(ctx, &records, query, entityID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list merge records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list merge records")
	}

	return records, nil
}

// HasDependents reports whether any later unreversed merge touches either
// entity of the given merge. Undo is refused while dependents exist because
// reversing out of order would corrupt the snapshots.
func (r *Repository) HasDependents(ctx context.Context, winnerID, loserID string, after time.Time) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "mergerecord.Repository.HasDependents")
	defer span.End()

	query := `
		SELECT EXISTS (
			SELECT 1 FROM merge_records
			WHERE created_at > $3
			AND reversed = FALSE
			AND (winner_id IN ($1, $2) OR loser_id IN ($1, $2))
		)
	`

	var exists bool
	if err := database.GetRunner(ctx, r.db).GetContext(ctx, &exists, query, winnerID, loserID, after); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to check merge dependents")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to check merge dependents")
	}

	return exists, nil
}

// MarkReversed flags a merge record as undone. Fails if already reversed.
func (r *Repository) MarkReversed(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, "mergerecord.Repository.MarkReversed")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("merge_records")
	ub.Set(
		ub.Assign("reversed", true),
		ub.Assign("reversed_at", time.Now().UTC()),
	)
	ub.Where(
		ub.Equal("id", id),
		ub.Equal("reversed", false),
	)

	query, args := ub.Build()
	result, err := database.GetRunner(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to mark merge record reversed")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark merge record reversed")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("merge record %s is already reversed", id))
	}

	return nil
}
