// Package models contains the registry's core data structures
package models

import (
	"encoding/json"
	"time"
)

// EntityKind identifies what kind of real-world thing an entity describes
type EntityKind string

const (
	EntityKindPerson EntityKind = "person"
	EntityKindPlace  EntityKind = "place"
	EntityKindCat    EntityKind = "cat"
)

// Valid reports whether the kind is one of the known entity kinds
func (k EntityKind) Valid() bool {
	switch k {
	case EntityKindPerson, EntityKindPlace, EntityKindCat:
		return true
	}
	return false
}

// Entity is a canonical registry record. The id is permanent: it is never
// reassigned and never deleted, only marked as merged into another entity of
// the same kind via MergedInto.
type Entity struct {
	ID             string          `json:"id" db:"id"`
	Kind           EntityKind      `json:"kind" db:"kind"`
	DisplayName    string          `json:"display_name" db:"display_name"`
	Data           json.RawMessage `json:"data" db:"data"`
	Classification *string         `json:"classification,omitempty" db:"classification"`
	MergedInto     *string         `json:"merged_into,omitempty" db:"merged_into"`
	SourceSystem   string          `json:"source_system" db:"source_system"`
	SourceRecordID string          `json:"source_record_id" db:"source_record_id"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// IsLive reports whether the entity is the canonical record, i.e. it has not
// been merged away.
func (e *Entity) IsLive() bool {
	return e.MergedInto == nil
}

// PersonData holds the kind-specific attributes of a person entity
type PersonData struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// PlaceData holds the kind-specific attributes of a place entity
type PlaceData struct {
	AddressRaw        string   `json:"address_raw,omitempty"`
	AddressNormalized string   `json:"address_normalized,omitempty"`
	UnitNormalized    string   `json:"unit_normalized,omitempty"`
	FormattedAddress  string   `json:"formatted_address,omitempty"`
	Latitude          *float64 `json:"latitude,omitempty"`
	Longitude         *float64 `json:"longitude,omitempty"`
	GeocodeStatus     string   `json:"geocode_status,omitempty"`
	GeocodeConfidence float64  `json:"geocode_confidence,omitempty"`
}

// CatData holds the kind-specific attributes of a cat entity
type CatData struct {
	Name          string `json:"name,omitempty"`
	Sex           string `json:"sex,omitempty"`
	AlteredStatus string `json:"altered_status,omitempty"`
	Microchip     string `json:"microchip,omitempty"`
}

// ParsePersonData decodes the entity data payload as person attributes
func (e *Entity) ParsePersonData() (PersonData, error) {
	var data PersonData
	if len(e.Data) == 0 {
		return data, nil
	}
	err := json.Unmarshal(e.Data, &data)
	return data, err
}

// ParsePlaceData decodes the entity data payload as place attributes
func (e *Entity) ParsePlaceData() (PlaceData, error) {
	var data PlaceData
	if len(e.Data) == 0 {
		return data, nil
	}
	err := json.Unmarshal(e.Data, &data)
	return data, err
}

// ParseCatData decodes the entity data payload as cat attributes
func (e *Entity) ParseCatData() (CatData, error) {
	var data CatData
	if len(e.Data) == 0 {
		return data, nil
	}
	err := json.Unmarshal(e.Data, &data)
	return data, err
}
