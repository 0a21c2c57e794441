package models

import "time"

// BlocklistMatch is how a blocklist entry matches a normalized identifier
type BlocklistMatch string

const (
	// BlocklistMatchExact matches the full normalized value
	BlocklistMatchExact BlocklistMatch = "exact"
	// BlocklistMatchEmailPrefix matches role mailboxes by local-part prefix,
	// e.g. "info@" blocks info@ any domain
	BlocklistMatchEmailPrefix BlocklistMatch = "email_prefix"
)

// BlocklistEntry is one organization-owned identifier that must never drive
// identity decisions. Operator-maintained configuration, not ingestion-derived.
type BlocklistEntry struct {
	ID        string         `json:"id" db:"id"`
	Type      IdentifierType `json:"type" db:"type"`
	Value     string         `json:"value" db:"value"`
	Match     BlocklistMatch `json:"match" db:"match"`
	Label     string         `json:"label" db:"label"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}
