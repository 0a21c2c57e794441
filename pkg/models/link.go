package models

import "time"

// LinkType names a relationship between two entities
type LinkType string

const (
	// LinkTypeResidentOf relates a person to a place
	LinkTypeResidentOf LinkType = "resident_of"
	// LinkTypeLocatedAt relates a cat to a place
	LinkTypeLocatedAt LinkType = "located_at"
	// LinkTypeCaretakerOf relates a person to a cat
	LinkTypeCaretakerOf LinkType = "caretaker_of"
)

// EntityLink is a directed relationship between two entities
type EntityLink struct {
	ID           string    `json:"id" db:"id"`
	FromEntityID string    `json:"from_entity_id" db:"from_entity_id"`
	ToEntityID   string    `json:"to_entity_id" db:"to_entity_id"`
	LinkType     LinkType  `json:"link_type" db:"link_type"`
	SourceSystem string    `json:"source_system" db:"source_system"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
