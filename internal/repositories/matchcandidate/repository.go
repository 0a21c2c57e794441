package matchcandidate

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
	"id", "kind", "entity_a_id", "entity_b_id", "score", "evidence",
	"status", "tier", "created_at", "updated_at", "resolved_at", "resolved_by",
}, ", ")

// Repository handles match candidate persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new match candidate repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Upsert writes a batch of candidates. The pair is the conflict key: a
// re-scan updates the score to the best seen and refreshes the evidence, so
// candidate generation stays idempotent. Resolved candidates are left alone.
func (r *Repository) Upsert(ctx context.Context, candidates []*models.MatchCandidate) error {
	ctx, span := tracing.StartSpan(ctx, "matchcandidate.Repository.Upsert")
	defer span.End()

	if len(candidates) == 0 {
		return nil
	}

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("match_candidates")
	sb.Cols("id", "kind", "entity_a_id", "entity_b_id", "score", "evidence", "status", "tier", "created_at", "updated_at")

	for _, c := range candidates {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		c.EntityAID, c.EntityBID = models.OrderPair(c.EntityAID, c.EntityBID)
		c.CreatedAt = now
		c.UpdatedAt = now
		if c.Status == "" {
			c.Status = models.MatchCandidateStatusPending
		}
		sb.Values(c.ID, c.Kind, c.EntityAID, c.EntityBID, c.Score, c.Evidence, c.Status, c.Tier, c.CreatedAt, c.UpdatedAt)
	}

	query, args := sb.Build()
	query += ` ON CONFLICT (entity_a_id, entity_b_id) DO UPDATE SET
		score = GREATEST(match_candidates.score, EXCLUDED.score),
		evidence = EXCLUDED.evidence,
		tier = EXCLUDED.tier,
		updated_at = EXCLUDED.updated_at
		WHERE match_candidates.status = 'pending'`

	if _, err := database.GetRunner(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to upsert match candidates")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert match candidates")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"count": len(candidates)}).Debug("Upserted match candidates")
	return nil
}

// Get retrieves a match candidate by ID
func (r *Repository) Get(ctx context.Context, id string) (*models.MatchCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "matchcandidate.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("match_candidates")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var candidate models.MatchCandidate
	if err := database.GetRunner(ctx, r.db).GetContext(ctx, &candidate, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("match candidate %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get match candidate")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get match candidate")
	}

	return &candidate, nil
}

// GetByPair gets the candidate for an entity pair regardless of order
func (r *Repository) GetByPair(ctx context.Context, entityA, entityB string) (*models.MatchCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "matchcandidate.Repository.GetByPair")
	defer span.End()

	a, b := models.OrderPair(entityA, entityB)

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("match_candidates")
	sb.Where(
		sb.Equal("entity_a_id", a),
		sb.Equal("entity_b_id", b),
	)

	query, args := sb.Build()
	var candidate models.MatchCandidate
	if err := database.GetRunner(ctx, r.db).GetContext(ctx, &candidate, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get match candidate by pair")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get match candidate")
	}

	return &candidate, nil
}

// ListPending retrieves pending candidates for review, best score first
func (r *Repository) ListPending(ctx context.Context, kind models.EntityKind, tier models.DecisionTier, limit int) ([]models.MatchCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "matchcandidate.Repository.ListPending")
	defer span.End()

	if limit < 1 || limit > 500 {
		limit = 100
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("match_candidates")
	where := []string{sb.Equal("status", models.MatchCandidateStatusPending)}
	if kind != "" {
		where = append(where, sb.Equal("kind", kind))
	}
	if tier != "" {
		where = append(where, sb.Equal("tier", tier))
	}
	sb.Where(where...)
	sb.OrderBy("score DESC", "created_at DESC")
	sb.Limit(limit)

	query, args := sb.Build()
	var candidates []models.MatchCandidate
	if err := database.GetRunner(ctx, r.db).SelectContext(ctx, &candidates, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list pending match candidates")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list match candidates")
	}

	return candidates, nil
}

// ListByEntity retrieves candidates involving a specific entity
func (r *Repository) ListByEntity(ctx context.Context, entityID string, status models.MatchCandidateStatus) ([]models.MatchCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "matchcandidate.Repository.ListByEntity")
	defer span.End()

	query := fmt.Sprintf(`
		SELECT %s FROM match_candidates
		WHERE (entity_a_id = $1 OR entity_b_id = $1)
	`, columns)
	args := []any{entityID}
	if status != "" {
		query += " AND status = $2"
		args = append(args, status)
	}
	query += " ORDER BY score DESC, created_at DESC"

	var candidates []models.MatchCandidate
	if err := database.GetRunner(ctx, r.db).SelectContext(ctx, &candidates, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list match candidates by entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list match candidates")
	}

	return candidates, nil
}

// UpdateStatus transitions a candidate's status. Candidates are never
// deleted, so past decisions remain auditable.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status models.MatchCandidateStatus, resolvedBy string) error {
	ctx, span := tracing.StartSpan(ctx, "matchcandidate.Repository.UpdateStatus")
	defer span.End()

	now := time.Now().UTC()
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("match_candidates")
	ub.Set(
		ub.Assign("status", status),
		ub.Assign("updated_at", now),
		ub.Assign("resolved_at", now),
		ub.Assign("resolved_by", resolvedBy),
	)
	ub.Where(
		ub.Equal("id", id),
		ub.Equal("status", models.MatchCandidateStatusPending),
	)

	query, args := ub.Build()
	result, err := database.GetRunner(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to update match candidate status")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update match candidate")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("match candidate %s is not pending", id))
	}

	return nil
}

// SetTier records the decision tier assigned to a pending candidate
func (r *Repository) SetTier(ctx context.Context, id string, tier models.DecisionTier) error {
	ctx, span := tracing.StartSpan(ctx, "matchcandidate.Repository.SetTier")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("match_candidates")
	ub.Set(
		ub.Assign("tier", tier),
		ub.Assign("updated_at", time.Now().UTC()),
	)
	ub.Where(
		ub.Equal("id", id),
		ub.Equal("status", models.MatchCandidateStatusPending),
	)

	query, args := ub.Build()
	if _, err := database.GetRunner(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to set match candidate tier")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set match candidate tier")
	}

	return nil
}

// ExpireForEntity expires all pending candidates involving an entity. Called
// after a merge consumes the entity so stale pairs do not linger.
func (r *Repository) ExpireForEntity(ctx context.Context, entityID string) error {
	ctx, span := tracing.StartSpan(ctx, "matchcandidate.Repository.ExpireForEntity")
	defer span.End()

	query := `
		UPDATE match_candidates
		SET status = 'expired', updated_at = $2
		WHERE (entity_a_id = $1 OR entity_b_id = $1)
		AND status = 'pending'
	`

	if _, err := database.GetRunner(ctx, r.db).ExecContext(ctx, query, entityID, time.Now().UTC()); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to expire match candidates")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to expire match candidates")
	}

	return nil
}
