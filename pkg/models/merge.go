package models

import (
	"time"

	"github.com/fernhollow/registry/pkg/database"
)

// LoserSnapshot captures everything the loser owned immediately before a
// merge, so the merge can be undone without consulting any other state.
type LoserSnapshot struct {
	Entity      Entity       `json:"entity"`
	Identifiers []Identifier `json:"identifiers"`
	Links       []EntityLink `json:"links"`
	// RepointedFrom lists entity ids whose merged_into pointer was rewritten
	// from the loser to the winner during chain compression.
	RepointedFrom []string `json:"repointed_from,omitempty"`
	// MovedIdentifierIDs, MovedLinkIDs, and MovedFieldSourceIDs record exactly
	// which rows moved to the winner, so undo can move them back without
	// guessing.
	MovedIdentifierIDs  []string `json:"moved_identifier_ids,omitempty"`
	MovedLinkIDs        []string `json:"moved_link_ids,omitempty"`
	MovedFieldSourceIDs []string `json:"moved_field_source_ids,omitempty"`
}

// MergeRecord records a completed merge of loser into winner
type MergeRecord struct {
	ID         string                        `json:"id" db:"id"`
	Kind       EntityKind                    `json:"kind" db:"kind"`
	WinnerID   string                        `json:"winner_id" db:"winner_id"`
	LoserID    string                        `json:"loser_id" db:"loser_id"`
	Reason     string                        `json:"reason" db:"reason"`
	Snapshot   database.JSONB[LoserSnapshot] `json:"snapshot" db:"snapshot"`
	Reversed   bool                          `json:"reversed" db:"reversed"`
	CreatedBy  string                        `json:"created_by" db:"created_by"`
	CreatedAt  time.Time                     `json:"created_at" db:"created_at"`
	ReversedAt *time.Time                    `json:"reversed_at,omitempty" db:"reversed_at"`
}
