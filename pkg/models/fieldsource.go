package models

import "time"

// FieldSource is one immutable field assertion from one source. Assertions are
// appended, never overwritten; the displayed value is a derived projection.
type FieldSource struct {
	ID             string    `json:"id" db:"id"`
	EntityID       string    `json:"entity_id" db:"entity_id"`
	Field          string    `json:"field" db:"field"`
	Value          string    `json:"value" db:"value"`
	SourceSystem   string    `json:"source_system" db:"source_system"`
	Confidence     float64   `json:"confidence" db:"confidence"`
	ManualOverride bool      `json:"manual_override" db:"manual_override"`
	AssertedAt     time.Time `json:"asserted_at" db:"asserted_at"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// FieldConflict is a field whose current assertions disagree across sources
type FieldConflict struct {
	EntityID   string        `json:"entity_id"`
	Field      string        `json:"field"`
	Resolved   string        `json:"resolved"`
	Assertions []FieldSource `json:"assertions"`
}

// SourcePriority ranks a source system's authority for one field. Lower
// priority numbers win. Operator-maintained configuration.
type SourcePriority struct {
	ID           string    `json:"id" db:"id"`
	Field        string    `json:"field" db:"field"`
	SourceSystem string    `json:"source_system" db:"source_system"`
	Priority     int       `json:"priority" db:"priority"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
