package entitylink

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
	"id", "from_entity_id", "to_entity_id", "link_type", "source_system", "created_at",
}, ", ")

// Repository handles entity link persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new entity link repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a link between two entities. Re-asserting an existing link
// is a no-op.
func (r *Repository) Create(ctx context.Context, link *models.EntityLink) (*models.EntityLink, error) {
	ctx, span := tracing.StartSpan(ctx, "entitylink.Repository.Create")
	defer span.End()

	if link.ID == "" {
		link.ID = uuid.New().String()
	}
	link.CreatedAt = time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("entity_links")
	sb.Cols("id", "from_entity_id", "to_entity_id", "link_type", "source_system", "created_at")
	sb.Values(link.ID, link.FromEntityID, link.ToEntityID, link.LinkType, link.SourceSystem, link.CreatedAt)

	query, args := sb.Build()
	query += " ON CONFLICT (from_entity_id, to_entity_id, link_type) DO NOTHING"

	if _, err := database.GetRunner(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create entity link")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create entity link")
	}

	return link, nil
}

// ListByEntity returns all links an entity participates in, either side
func (r *Repository) ListByEntity(ctx context.Context, entityID string) ([]models.EntityLink, error) {
	ctx, span := tracing.StartSpan(ctx, "entitylink.Repository.ListByEntity")
	defer span.End()

	query := `
		SELECT ` + columns + ` FROM entity_links
		WHERE from_entity_id = $1 OR to_entity_id = $1
		ORDER BY created_at
	`

	var links []models.EntityLink
	if err := database.GetRunner(ctx, r.db).SelectContext(ctx, &links, query, entityID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list entity links")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list entity links")
	}

	return links, nil
}

// ListFrom returns links originating from an entity, optionally filtered by type
func (r *Repository) ListFrom(ctx context.Context, fromEntityID string, linkType models.LinkType) ([]models.EntityLink, error) {
	ctx, span := tracing.StartSpan(ctx, "entitylink.Repository.ListFrom")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("entity_links")
	where := []string{sb.Equal("from_entity_id", fromEntityID)}
	if linkType != "" {
		where = append(where, sb.Equal("link_type", linkType))
	}
	sb.Where(where...)
	sb.OrderBy("created_at")

	query, args := sb.Build()
	var links []models.EntityLink
	if err := database.GetRunner(ctx, r.db).SelectContext(ctx, &links, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list entity links")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list entity links")
	}

	return links, nil
}

// Repoint rewrites both sides of an entity's links to point at another
// entity, skipping rewrites that would duplicate a link the target already
// has. Returns the moved link ids.
func (r *Repository) Repoint(ctx context.Context, fromEntityID, toEntityID string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "entitylink.Repository.Repoint")
	defer span.End()

	outbound := `
		UPDATE entity_links l
		SET from_entity_id = $1
		WHERE l.from_entity_id = $2
		AND NOT EXISTS (
			SELECT 1 FROM entity_links w
			WHERE w.from_entity_id = $1
			AND w.to_entity_id = l.to_entity_id
			AND w.link_type = l.link_type
		)
		RETURNING l.id
	`

	var moved []string
	if err := database.GetRunner(ctx, r.db).SelectContext(ctx, &moved, outbound, toEntityID, fromEntityID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to repoint outbound entity links")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to repoint entity links")
	}

	inbound := `
		UPDATE entity_links l
		SET to_entity_id = $1
		WHERE l.to_entity_id = $2
		AND NOT EXISTS (
			SELECT 1 FROM entity_links w
			WHERE w.to_entity_id = $1
			AND w.from_entity_id = l.from_entity_id
			AND w.link_type = l.link_type
		)
		RETURNING l.id
	`

	var movedIn []string
	if err := database.GetRunner(ctx, r.db).SelectContext(ctx, &movedIn, inbound, toEntityID, fromEntityID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to repoint inbound entity links")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to repoint entity links")
	}

	return append(moved, movedIn...), nil
}

// RepointByIDs moves a specific set of links from one entity to another, on
// whichever side references it
func (r *Repository) RepointByIDs(ctx context.Context, ids []string, fromEntityID, toEntityID string) error {
	ctx, span := tracing.StartSpan(ctx, "entitylink.Repository.RepointByIDs")
	defer span.End()

	if len(ids) == 0 {
		return nil
	}

	for _, side := range []string{"from_entity_id", "to_entity_id"} {
		ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
		ub.Update("entity_links")
		ub.Set(ub.Assign(side, toEntityID))
		ub.Where(
			ub.In("id", sqlbuilder.Flatten(ids)...),
			ub.Equal(side, fromEntityID),
		)

		query, args := ub.Build()
		if _, err := database.GetRunner(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to repoint entity links by id")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to repoint entity links")
		}
	}

	return nil
}

// DeleteByIDs removes specific link rows. Used by undo before restoring the
// loser's link set from its snapshot.
func (r *Repository) DeleteByIDs(ctx context.Context, ids []string) error {
	ctx, span := tracing.StartSpan(ctx, "entitylink.Repository.DeleteByIDs")
	defer span.End()

	if len(ids) == 0 {
		return nil
	}

	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom("entity_links")
	db.Where(db.In("id", sqlbuilder.Flatten(ids)...))

	query, args := db.Build()
	if _, err := database.GetRunner(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to delete entity links")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete entity links")
	}

	return nil
}

// Restore re-inserts link rows from a snapshot, ignoring any that survived
func (r *Repository) Restore(ctx context.Context, links []models.EntityLink) error {
	ctx, span := tracing.StartSpan(ctx, "entitylink.Repository.Restore")
	defer span.End()

	if len(links) == 0 {
		return nil
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("entity_links")
	sb.Cols("id", "from_entity_id", "to_entity_id", "link_type", "source_system", "created_at")
	for _, link := range links {
		sb.Values(link.ID, link.FromEntityID, link.ToEntityID, link.LinkType, link.SourceSystem, link.CreatedAt)
	}

	query, args := sb.Build()
	query += " ON CONFLICT (from_entity_id, to_entity_id, link_type) DO NOTHING"

	if _, err := database.GetRunner(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to restore entity links")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to restore entity links")
	}

	return nil
}
