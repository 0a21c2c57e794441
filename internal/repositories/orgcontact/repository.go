package orgcontact

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
	"id", "name", "email", "phone", "category", "reason",
	"source_system", "source_record_id", "created_at",
}, ", ")

// Repository handles the non-person contact bucket
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new org contact repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create stores a contact that failed the person gate
func (r *Repository) Create(ctx context.Context, contact *models.OrgContact) (*models.OrgContact, error) {
	ctx, span := tracing.StartSpan(ctx, "orgcontact.Repository.Create")
	defer span.End()

	if contact.ID == "" {
		contact.ID = uuid.New().String()
	}
	contact.CreatedAt = time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("org_contacts")
	sb.Cols("id", "name", "email", "phone", "category", "reason", "source_system", "source_record_id", "created_at")
	sb.Values(contact.ID, contact.Name, contact.Email, contact.Phone, contact.Category, contact.Reason, contact.SourceSystem, contact.SourceRecordID, contact.CreatedAt)

	query, args := sb.Build()
	if _, err := database.GetRunner(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create org contact")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create org contact")
	}

	return contact, nil
}

// List returns stored contacts, newest first
func (r *Repository) List(ctx context.Context, category string, limit int) ([]models.OrgContact, error) {
	ctx, span := tracing.StartSpan(ctx, "orgcontact.Repository.List")
	defer span.End()

	if limit < 1 || limit > 500 {
		limit = 100
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("org_contacts")
	if category != "" {
		sb.Where(sb.Equal("category", category))
	}
	sb.OrderBy("created_at DESC")
	sb.Limit(limit)

	query, args := sb.Build()
	var contacts []models.OrgContact
	if err := database.GetRunner(ctx, r.db).SelectContext(ctx, &contacts, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list org contacts")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list org contacts")
	}

	return contacts, nil
}
