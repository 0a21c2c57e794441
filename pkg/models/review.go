package models

import (
	"time"

	"github.com/fernhollow/registry/pkg/database"
)

// ReviewItemKind is the category of work a review queue item represents
type ReviewItemKind string

const (
	ReviewItemKindGeocode        ReviewItemKind = "geocode"
	ReviewItemKindMatch          ReviewItemKind = "match"
	ReviewItemKindClassification ReviewItemKind = "classification"
)

// ReviewItemStatus is the lifecycle state of a review queue item
type ReviewItemStatus string

const (
	ReviewItemStatusPending   ReviewItemStatus = "pending"
	ReviewItemStatusResolved  ReviewItemStatus = "resolved"
	ReviewItemStatusDismissed ReviewItemStatus = "dismissed"
)

// ReviewQueueItem is a unit of human work generated when automated confidence
// is insufficient. It carries the raw input and a best-effort suggestion so an
// operator can act without returning to the original source data.
type ReviewQueueItem struct {
	ID         string                         `json:"id" db:"id"`
	Kind       ReviewItemKind                 `json:"kind" db:"kind"`
	Reason     string                         `json:"reason" db:"reason"`
	Payload    database.JSONB[map[string]any] `json:"payload" db:"payload"`
	Suggestion database.JSONB[map[string]any] `json:"suggestion" db:"suggestion"`
	Status     ReviewItemStatus               `json:"status" db:"status"`
	CreatedAt  time.Time                      `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time                     `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy *string                        `json:"resolved_by,omitempty" db:"resolved_by"`
}
