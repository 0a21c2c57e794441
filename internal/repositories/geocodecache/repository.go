package geocodecache

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/fernhollow/registry/pkg/database"
	"github.com/fernhollow/registry/pkg/models"
	"github.com/fernhollow/registry/pkg/tracing"
)

var columns = strings.Join([]string{
	"normalized_address", "status", "formatted_address", "latitude", "longitude",
	"precision_category", "partial_match", "confidence", "response", "created_at", "updated_at",
}, ", ")

// Repository handles geocode cache persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new geocode cache repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Get looks up a cached geocode result by normalized address. Returns nil on
// a cache miss.
func (r *Repository) Get(ctx context.Context, normalizedAddress string) (*models.GeocodeCacheEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "geocodecache.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("geocode_cache")
	sb.Where(sb.Equal("normalized_address", normalizedAddress))

	query, args := sb.Build()
	var entry models.GeocodeCacheEntry
	if err := database.GetRunner(ctx, r.db).GetContext(ctx, &entry, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get geocode cache entry")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get geocode cache entry")
	}

	return &entry, nil
}

// Upsert stores a geocode result keyed by normalized address. Failures and
// zero-result lookups are cached too, so a bad address is not re-sent to the
// provider on every batch.
func (r *Repository) Upsert(ctx context.Context, entry *models.GeocodeCacheEntry) error {
	ctx, span := tracing.StartSpan(ctx, "geocodecache.Repository.Upsert")
	defer span.End()

	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.UpdatedAt = now

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("geocode_cache")
	response := entry.Response
	if len(response) == 0 {
		response = []byte("null")
	}

	sb.Cols("normalized_address", "status", "formatted_address", "latitude", "longitude", "precision_category", "partial_match", "confidence", "response", "created_at", "updated_at")
	sb.Values(entry.NormalizedAddress, entry.Status, entry.FormattedAddress, entry.Latitude, entry.Longitude, entry.Precision, entry.PartialMatch, entry.Confidence, []byte(response), entry.CreatedAt, entry.UpdatedAt)

	query, args := sb.Build()
	query += ` ON CONFLICT (normalized_address) DO UPDATE SET
		status = EXCLUDED.status,
		formatted_address = EXCLUDED.formatted_address,
		latitude = EXCLUDED.latitude,
		longitude = EXCLUDED.longitude,
		precision_category = EXCLUDED.precision_category,
		partial_match = EXCLUDED.partial_match,
		confidence = EXCLUDED.confidence,
		response = EXCLUDED.response,
		updated_at = EXCLUDED.updated_at`

	if _, err := database.GetRunner(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to upsert geocode cache entry")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert geocode cache entry")
	}

	return nil
}

// Delete removes a cached result so the next lookup re-queries the provider
func (r *Repository) Delete(ctx context.Context, normalizedAddress string) error {
	ctx, span := tracing.StartSpan(ctx, "geocodecache.Repository.Delete")
	defer span.End()

	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom("geocode_cache")
	db.Where(db.Equal("normalized_address", normalizedAddress))

	query, args := db.Build()
	if _, err := database.GetRunner(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to delete geocode cache entry")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete geocode cache entry")
	}

	return nil
}
