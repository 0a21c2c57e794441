package decision

import (
	"github.com/fernhollow/registry/pkg/models"
)

// Config tunes the merge decision thresholds
type Config struct {
	AutoMergeEnabled        bool
	AutoMergeNameSimilarity float64
}

// Result is the decision for one candidate
type Result struct {
	Tier   models.DecisionTier
	Reason string
}

// Engine maps match evidence to an action tier. The rules are deliberately
// conservative: an automatic merge requires either a strong identifier or a
// corroborated weak identifier, and a strong identifier conflict vetoes
// everything else no matter how good the rest of the evidence looks.
type Engine struct {
	config Config
}

// NewEngine creates a decision engine
func NewEngine(config Config) *Engine {
	if config.AutoMergeNameSimilarity <= 0 {
		config.AutoMergeNameSimilarity = 0.90
	}
	return &Engine{config: config}
}

// Decide assigns an action tier to the evidence of one candidate pair
func (e *Engine) Decide(evidence models.MatchEvidence) Result {
	if evidence.ConflictingStrongID {
		return Result{
			Tier:   models.DecisionTierReject,
			Reason: "entities hold conflicting strong identifiers",
		}
	}

	sharedStrong := false
	sharedWeak := false
	for _, shared := range evidence.SharedIdentifiers {
		if shared.Blocked {
			return Result{
				Tier:   models.DecisionTierReject,
				Reason: "pair is linked through a blocklisted identifier",
			}
		}
		if shared.Type.IsStrong() {
			sharedStrong = true
		} else {
			sharedWeak = true
		}
	}

	if !e.config.AutoMergeEnabled {
		return Result{
			Tier:   models.DecisionTierReview,
			Reason: "automatic merging is disabled",
		}
	}

	if sharedStrong {
		return Result{
			Tier:   models.DecisionTierAutoMerge,
			Reason: "shared strong identifier",
		}
	}

	if sharedWeak {
		if evidence.SharedPlaceID != "" {
			return Result{
				Tier:   models.DecisionTierAutoMerge,
				Reason: "shared identifier corroborated by shared place",
			}
		}
		if evidence.NameSimilarity >= e.config.AutoMergeNameSimilarity {
			return Result{
				Tier:   models.DecisionTierAutoMerge,
				Reason: "shared identifier corroborated by name agreement",
			}
		}
		return Result{
			Tier:   models.DecisionTierReview,
			Reason: "shared identifier without corroboration",
		}
	}

	return Result{
		Tier:   models.DecisionTierReview,
		Reason: "proximity evidence only",
	}
}
