package models

import "time"

// IdentifierType classifies an identifier for matching purposes
type IdentifierType string

const (
	IdentifierTypeEmail      IdentifierType = "email"
	IdentifierTypePhone      IdentifierType = "phone"
	IdentifierTypeMicrochip  IdentifierType = "microchip"
	IdentifierTypeExternalID IdentifierType = "external_id"
)

// IsStrong reports whether the identifier type is expected to uniquely denote
// one entity. Strong identifiers carry a uniqueness constraint; collisions on
// them are conflicts, not matches. Emails and phones are weak: a household
// phone may legitimately appear on several people.
func (t IdentifierType) IsStrong() bool {
	switch t {
	case IdentifierTypeMicrochip, IdentifierTypeExternalID:
		return true
	}
	return false
}

// Identifier is a single identifier assertion attached to an entity
type Identifier struct {
	ID              string         `json:"id" db:"id"`
	EntityID        string         `json:"entity_id" db:"entity_id"`
	Kind            EntityKind     `json:"kind" db:"kind"`
	Type            IdentifierType `json:"type" db:"type"`
	RawValue        string         `json:"raw_value" db:"raw_value"`
	NormalizedValue string         `json:"normalized_value" db:"normalized_value"`
	SourceSystem    string         `json:"source_system" db:"source_system"`
	Confidence      float64        `json:"confidence" db:"confidence"`
	Blocked         bool           `json:"blocked" db:"blocked"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
}
