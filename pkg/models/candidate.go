package models

import (
	"time"

	"github.com/fernhollow/registry/pkg/database"
)

// MatchCandidateStatus is the lifecycle state of a match candidate. Candidates
// are never deleted, only status-transitioned, so past decisions stay auditable.
type MatchCandidateStatus string

const (
	MatchCandidateStatusPending  MatchCandidateStatus = "pending"
	MatchCandidateStatusAccepted MatchCandidateStatus = "accepted"
	MatchCandidateStatusRejected MatchCandidateStatus = "rejected"
	MatchCandidateStatusExpired  MatchCandidateStatus = "expired"
)

// DecisionTier is the action class assigned by the merge decision engine
type DecisionTier string

const (
	DecisionTierAutoMerge DecisionTier = "auto_merge"
	DecisionTierReview    DecisionTier = "review"
	DecisionTierReject    DecisionTier = "reject"
)

// SharedIdentifier is one identifier value held by both sides of a candidate pair
type SharedIdentifier struct {
	Type            IdentifierType `json:"type"`
	NormalizedValue string         `json:"normalized_value"`
	Blocked         bool           `json:"blocked,omitempty"`
}

// MatchEvidence records why two entities were suggested as duplicates. The
// specific features are kept, not just a final score, so a reviewer can see
// the reasoning without re-deriving it.
type MatchEvidence struct {
	MatchedOn           []string           `json:"matched_on"`
	SharedIdentifiers   []SharedIdentifier `json:"shared_identifiers,omitempty"`
	ConflictingStrongID bool               `json:"conflicting_strong_id,omitempty"`
	NameSimilarity      float64            `json:"name_similarity,omitempty"`
	SharedPlaceID       string             `json:"shared_place_id,omitempty"`
	Tier                int                `json:"tier"`
}

// MatchCandidate is an unordered pair of same-kind entities that are plausibly
// the same real-world thing. EntityAID always sorts before EntityBID so the
// pair has a single canonical row.
type MatchCandidate struct {
	ID         string                        `json:"id" db:"id"`
	Kind       EntityKind                    `json:"kind" db:"kind"`
	EntityAID  string                        `json:"entity_a_id" db:"entity_a_id"`
	EntityBID  string                        `json:"entity_b_id" db:"entity_b_id"`
	Score      float64                       `json:"score" db:"score"`
	Evidence   database.JSONB[MatchEvidence] `json:"evidence" db:"evidence"`
	Status     MatchCandidateStatus          `json:"status" db:"status"`
	Tier       DecisionTier                  `json:"tier" db:"tier"`
	CreatedAt  time.Time                     `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time                     `json:"updated_at" db:"updated_at"`
	ResolvedAt *time.Time                    `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy *string                       `json:"resolved_by,omitempty" db:"resolved_by"`
}

// OrderPair returns the two entity ids in canonical (sorted) order
func OrderPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
