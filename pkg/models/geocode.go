package models

import (
	"encoding/json"
	"time"
)

// GeocodeStatus is the outcome class of a geocode attempt
type GeocodeStatus string

const (
	GeocodeStatusOK          GeocodeStatus = "ok"
	GeocodeStatusPartial     GeocodeStatus = "partial"
	GeocodeStatusZeroResults GeocodeStatus = "zero_results"
	GeocodeStatusFailed      GeocodeStatus = "failed"
	// GeocodeStatusDescribed marks free-text locations that were never sent to
	// the provider ("the blue house behind the gas station").
	GeocodeStatusDescribed GeocodeStatus = "described"
)

// GeocodeResult is the resolver's answer for one address
type GeocodeResult struct {
	Status            GeocodeStatus `json:"status"`
	NormalizedAddress string        `json:"normalized_address"`
	UnitNormalized    string        `json:"unit_normalized,omitempty"`
	FormattedAddress  string        `json:"formatted_address,omitempty"`
	Latitude          *float64      `json:"latitude,omitempty"`
	Longitude         *float64      `json:"longitude,omitempty"`
	Precision         string        `json:"precision,omitempty"`
	PartialMatch      bool          `json:"partial_match,omitempty"`
	Confidence        float64       `json:"confidence"`
}

// GeocodeCacheEntry caches one provider response, including failures, keyed by
// the normalized input so repeat calls are never billed twice.
type GeocodeCacheEntry struct {
	NormalizedAddress string          `json:"normalized_address" db:"normalized_address"`
	Status            GeocodeStatus   `json:"status" db:"status"`
	FormattedAddress  string          `json:"formatted_address" db:"formatted_address"`
	Latitude          *float64        `json:"latitude,omitempty" db:"latitude"`
	Longitude         *float64        `json:"longitude,omitempty" db:"longitude"`
	Precision         string          `json:"precision" db:"precision_category"`
	PartialMatch      bool            `json:"partial_match" db:"partial_match"`
	Confidence        float64         `json:"confidence" db:"confidence"`
	Response          json.RawMessage `json:"response,omitempty" db:"response"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}
