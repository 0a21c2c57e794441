package models

import "time"

// PersonInput is the person section of a staged record
type PersonInput struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email" validate:"omitempty,email"`
	Phone     string `json:"phone"`
}

// PlaceInput is the place section of a staged record
type PlaceInput struct {
	Address     string `json:"address"`
	Description string `json:"description"`
}

// CatInput is the cat section of a staged record
type CatInput struct {
	Name          string     `json:"name"`
	Microchip     string     `json:"microchip"`
	Sex           string     `json:"sex" validate:"omitempty,oneof=male female unknown"`
	Spay          bool       `json:"spay"`
	Neuter        bool       `json:"neuter"`
	ProcedureDate *time.Time `json:"procedure_date"`
}

// StagedRecord is the common shape every source parser produces: a flat
// payload plus provenance. A single record may describe any combination of a
// person, a place, and a cat (a trapping request carries all three).
type StagedRecord struct {
	SourceSystem   string       `json:"source_system" validate:"required"`
	SourceRecordID string       `json:"source_record_id" validate:"required"`
	IngestedAt     time.Time    `json:"ingested_at"`
	Person         *PersonInput `json:"person,omitempty"`
	Place          *PlaceInput  `json:"place,omitempty"`
	Cat            *CatInput    `json:"cat,omitempty"`
}

// OrgContact is the non-person bucket: a contact that failed the person gate
// (organizational, address-like, garbage, or no contact info), retained for
// audit instead of polluting the person registry.
type OrgContact struct {
	ID             string    `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	Email          string    `json:"email" db:"email"`
	Phone          string    `json:"phone" db:"phone"`
	Category       string    `json:"category" db:"category"`
	Reason         string    `json:"reason" db:"reason"`
	SourceSystem   string    `json:"source_system" db:"source_system"`
	SourceRecordID string    `json:"source_record_id" db:"source_record_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
