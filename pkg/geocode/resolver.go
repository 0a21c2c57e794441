package geocode

import (
	"context"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/time/rate"

	"github.com/fernhollow/registry/pkg/models"
	"github.com/fernhollow/registry/pkg/normalize"
)

// Cache stores provider responses keyed by normalized address
type Cache interface {
	Get(ctx context.Context, normalizedAddress string) (*models.GeocodeCacheEntry, error)
	Upsert(ctx context.Context, entry *models.GeocodeCacheEntry) error
}

// precisionConfidence maps provider location types to a base confidence
var precisionConfidence = map[string]float64{
	"ROOFTOP":            0.95,
	"RANGE_INTERPOLATED": 0.80,
	"GEOMETRIC_CENTER":   0.70,
	"APPROXIMATE":        0.50,
}

// partialMatchPenalty discounts results the provider flagged as partial
const partialMatchPenalty = 0.7

// ResolverConfig configures the address resolver
type ResolverConfig struct {
	RequestsPerSecond   float64
	MaxAttempts         int
	ConfidenceThreshold float64
}

// Resolver turns raw address strings into normalized, geocoded results. It is
// cache-first: the provider is only called on a miss, and every answer
// including failures is cached so bad addresses are not re-billed per batch.
type Resolver struct {
	provider  Provider
	cache     Cache
	limiter   *rate.Limiter
	config    ResolverConfig
	logger    ectologger.Logger
	sleepFunc func(time.Duration)
}

// NewResolver creates a resolver over the given provider and cache
func NewResolver(provider Provider, cache Cache, config ResolverConfig, logger ectologger.Logger) *Resolver {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 3
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 10
	}
	if config.ConfidenceThreshold <= 0 {
		config.ConfidenceThreshold = 0.6
	}
	return &Resolver{
		provider:  provider,
		cache:     cache,
		limiter:   rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1),
		config:    config,
		logger:    logger,
		sleepFunc: time.Sleep,
	}
}

// Threshold returns the confidence below which results need review
func (r *Resolver) Threshold() float64 {
	return r.config.ConfidenceThreshold
}

// Resolve geocodes one raw address. Descriptive free-text locations are marked
// described and never sent to the provider.
func (r *Resolver) Resolve(ctx context.Context, rawAddress string) (*models.GeocodeResult, error) {
	base, unit := ExtractUnit(rawAddress)
	normalized := normalize.Address(base)

	if normalized == "" || isDescriptive(normalized) {
		return &models.GeocodeResult{
			Status:            models.GeocodeStatusDescribed,
			NormalizedAddress: normalized,
			UnitNormalized:    unit,
		}, nil
	}

	cached, err := r.cache.Get(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		result := resultFromCache(cached)
		result.UnitNormalized = unit
		return result, nil
	}

	entry := r.fetch(ctx, normalized)
	if err := r.cache.Upsert(ctx, entry); err != nil {
		r.logger.WithContext(ctx).WithError(err).Warn("Failed to cache geocode result")
	}

	result := resultFromCache(entry)
	result.UnitNormalized = unit
	return result, nil
}

// fetch calls the provider with rate limiting and bounded retries. It always
// returns a cacheable entry; exhausted retries become a failed entry.
func (r *Resolver) fetch(ctx context.Context, normalized string) *models.GeocodeCacheEntry {
	var lastErr error
	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			r.sleepFunc(time.Duration(attempt) * 500 * time.Millisecond)
		}
		if err := r.limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}

		providerResult, err := r.provider.Geocode(ctx, normalized)
		if err != nil {
			lastErr = err
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"address": normalized,
				"attempt": attempt + 1,
			}).Warn("Geocode attempt failed")
			continue
		}

		return entryFromProvider(normalized, providerResult)
	}

	r.logger.WithContext(ctx).WithError(lastErr).WithFields(map[string]any{"address": normalized}).Error("Geocoding failed after retries")
	return &models.GeocodeCacheEntry{
		NormalizedAddress: normalized,
		Status:            models.GeocodeStatusFailed,
	}
}

func entryFromProvider(normalized string, pr *ProviderResult) *models.GeocodeCacheEntry {
	entry := &models.GeocodeCacheEntry{
		NormalizedAddress: normalized,
		Response:          pr.Raw,
	}

	switch pr.Status {
	case "OK":
		lat, lng := pr.Latitude, pr.Longitude
		entry.Latitude = &lat
		entry.Longitude = &lng
		entry.FormattedAddress = pr.FormattedAddress
		entry.Precision = pr.LocationType
		entry.PartialMatch = pr.PartialMatch
		entry.Confidence = Confidence(pr.LocationType, pr.PartialMatch)
		if pr.PartialMatch {
			entry.Status = models.GeocodeStatusPartial
		} else {
			entry.Status = models.GeocodeStatusOK
		}
	case "ZERO_RESULTS":
		entry.Status = models.GeocodeStatusZeroResults
	default:
		entry.Status = models.GeocodeStatusFailed
	}

	return entry
}

func resultFromCache(entry *models.GeocodeCacheEntry) *models.GeocodeResult {
	return &models.GeocodeResult{
		Status:            entry.Status,
		NormalizedAddress: entry.NormalizedAddress,
		FormattedAddress:  entry.FormattedAddress,
		Latitude:          entry.Latitude,
		Longitude:         entry.Longitude,
		Precision:         entry.Precision,
		PartialMatch:      entry.PartialMatch,
		Confidence:        entry.Confidence,
	}
}

// Confidence maps a provider precision category to a score, discounted when
// the provider flagged the match as partial
func Confidence(locationType string, partialMatch bool) float64 {
	confidence, ok := precisionConfidence[locationType]
	if !ok {
		confidence = precisionConfidence["APPROXIMATE"]
	}
	if partialMatch {
		confidence *= partialMatchPenalty
	}
	return confidence
}

// isDescriptive reports whether a normalized address reads as a free-text
// location description rather than a street address. Anything without a house
// number or PO box is treated as descriptive.
func isDescriptive(normalized string) bool {
	if strings.HasPrefix(normalized, "po box") {
		return false
	}
	fields := strings.Fields(normalized)
	if len(fields) == 0 {
		return true
	}
	first := fields[0]
	for _, r := range first {
		if r < '0' || r > '9' {
			return true
		}
	}
	return false
}
