package matching

import (
	"context"
	"sort"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/fernhollow/registry/pkg/blocklist"
	"github.com/fernhollow/registry/pkg/database"
	"github.com/fernhollow/registry/pkg/models"
	"github.com/fernhollow/registry/pkg/normalize"
	"github.com/fernhollow/registry/pkg/tracing"
)

// EntityStore is the entity persistence the generator needs
type EntityStore interface {
	ListLiveByKind(ctx context.Context, kind models.EntityKind, afterID string, limit int) ([]models.Entity, error)
	FindLiveByIdentifier(ctx context.Context, kind models.EntityKind, idType models.IdentifierType, normalizedValue string) ([]models.Entity, error)
	Get(ctx context.Context, id string) (*models.Entity, error)
}

// IdentifierStore supplies identifier rows for evidence building
type IdentifierStore interface {
	ListByEntity(ctx context.Context, entityID string) ([]models.Identifier, error)
	ListByEntities(ctx context.Context, entityIDs []string) (map[string][]models.Identifier, error)
}

// LinkStore supplies entity links for place-based blocking
type LinkStore interface {
	ListFrom(ctx context.Context, fromEntityID string, linkType models.LinkType) ([]models.EntityLink, error)
	ListByEntity(ctx context.Context, entityID string) ([]models.EntityLink, error)
}

// CandidateStore persists generated candidates
type CandidateStore interface {
	Upsert(ctx context.Context, candidates []*models.MatchCandidate) error
}

// GeneratorConfig bounds the candidate generation scan
type GeneratorConfig struct {
	BatchSize    int
	MinScore     float64
	MaxPerEntity int
}

// Generator finds plausibly-duplicate entity pairs and persists them as match
// candidates. Generation is evidence-first: every candidate carries the
// features that produced it, and re-running a scan upserts rather than
// duplicates, so the scan is safe to repeat.
type Generator struct {
	entities    EntityStore
	identifiers IdentifierStore
	links       LinkStore
	candidates  CandidateStore
	scorer      *Scorer
	config      GeneratorConfig
	logger      ectologger.Logger
}

// NewGenerator creates a candidate generator
func NewGenerator(entities EntityStore, identifiers IdentifierStore, links LinkStore, candidates CandidateStore, config GeneratorConfig, logger ectologger.Logger) *Generator {
	if config.BatchSize < 1 {
		config.BatchSize = 200
	}
	if config.MinScore <= 0 {
		config.MinScore = 0.40
	}
	if config.MaxPerEntity < 1 {
		config.MaxPerEntity = 5
	}
	return &Generator{
		entities:    entities,
		identifiers: identifiers,
		links:       links,
		candidates:  candidates,
		scorer:      NewScorer(),
		config:      config,
		logger:      logger,
	}
}

// Scan walks all live entities of a kind and generates candidates. Blocking
// keeps the scan sub-quadratic: pairs are only compared when they share a
// weak identifier, share a place, or fall in the same name neighborhood.
func (g *Generator) Scan(ctx context.Context, kind models.EntityKind, block *blocklist.Snapshot) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Generator.Scan")
	defer span.End()

	total := 0
	afterID := ""
	for {
		page, err := g.entities.ListLiveByKind(ctx, kind, afterID, g.config.BatchSize)
		if err != nil {
			return total, err
		}
		if len(page) == 0 {
			break
		}

		count, err := g.scanPage(ctx, kind, page, block)
		if err != nil {
			return total, err
		}
		total += count

		afterID = page[len(page)-1].ID
		if len(page) < g.config.BatchSize {
			break
		}
	}

	g.logger.WithContext(ctx).WithFields(map[string]any{"kind": kind, "candidates": total}).Info("Candidate scan complete")
	return total, nil
}

func (g *Generator) scanPage(ctx context.Context, kind models.EntityKind, page []models.Entity, block *blocklist.Snapshot) (int, error) {
	ids := make([]string, len(page))
	for i, entity := range page {
		ids[i] = entity.ID
	}
	identifierMap, err := g.identifiers.ListByEntities(ctx, ids)
	if err != nil {
		return 0, err
	}

	pairs := map[string]*models.MatchCandidate{}
	for i := range page {
		entity := &page[i]
		if err := g.collectForEntity(ctx, entity, identifierMap[entity.ID], block, pairs); err != nil {
			return 0, err
		}
	}

	// Name neighborhood within the page: compare entities whose normalized
	// last name tokens sound alike
	neighborhoods := map[string][]*models.Entity{}
	for i := range page {
		key := g.neighborhoodKey(page[i].DisplayName)
		if key == "" {
			continue
		}
		neighborhoods[key] = append(neighborhoods[key], &page[i])
	}
	for _, group := range neighborhoods {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				if err := g.addPair(ctx, group[i], group[j], identifierMap[group[i].ID], identifierMap[group[j].ID], "", block, pairs); err != nil {
					return 0, err
				}
			}
		}
	}

	batch := g.capPerEntity(pairs)
	if len(batch) == 0 {
		return 0, nil
	}
	if err := g.candidates.Upsert(ctx, batch); err != nil {
		return 0, err
	}
	return len(batch), nil
}

// GenerateForEntity generates candidates for a single entity, used at
// ingestion time so fresh records surface duplicates immediately
func (g *Generator) GenerateForEntity(ctx context.Context, entityID string, block *blocklist.Snapshot) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Generator.GenerateForEntity")
	defer span.End()

	entity, err := g.entities.Get(ctx, entityID)
	if err != nil {
		return 0, err
	}
	if !entity.IsLive() {
		return 0, nil
	}

	identifiers, err := g.identifiers.ListByEntity(ctx, entityID)
	if err != nil {
		return 0, err
	}

	pairs := map[string]*models.MatchCandidate{}
	if err := g.collectForEntity(ctx, entity, identifiers, block, pairs); err != nil {
		return 0, err
	}

	batch := g.capPerEntity(pairs)
	if len(batch) == 0 {
		return 0, nil
	}
	if err := g.candidates.Upsert(ctx, batch); err != nil {
		return 0, err
	}
	return len(batch), nil
}

// collectForEntity finds counterparts through shared weak identifiers and
// shared places
func (g *Generator) collectForEntity(ctx context.Context, entity *models.Entity, identifiers []models.Identifier, block *blocklist.Snapshot, pairs map[string]*models.MatchCandidate) error {
	for _, identifier := range identifiers {
		if identifier.Type.IsStrong() || identifier.Blocked || identifier.NormalizedValue == "" {
			continue
		}
		if block != nil && block.IsBlocked(identifier.Type, identifier.NormalizedValue) {
			continue
		}

		others, err := g.entities.FindLiveByIdentifier(ctx, entity.Kind, identifier.Type, identifier.NormalizedValue)
		if err != nil {
			return err
		}
		for i := range others {
			other := &others[i]
			if other.ID == entity.ID {
				continue
			}
			otherIdentifiers, err := g.identifiers.ListByEntity(ctx, other.ID)
			if err != nil {
				return err
			}
			if err := g.addPair(ctx, entity, other, identifiers, otherIdentifiers, "", block, pairs); err != nil {
				return err
			}
		}
	}

	// Place co-residency: entities linked to the same place by the same
	// relationship are worth comparing even with no shared identifier
	for _, linkType := range []models.LinkType{models.LinkTypeResidentOf, models.LinkTypeLocatedAt} {
		links, err := g.links.ListFrom(ctx, entity.ID, linkType)
		if err != nil {
			return err
		}
		for _, link := range links {
			placeLinks, err := g.links.ListByEntity(ctx, link.ToEntityID)
			if err != nil {
				return err
			}
			for _, placeLink := range placeLinks {
				if placeLink.LinkType != linkType || placeLink.FromEntityID == entity.ID || placeLink.ToEntityID != link.ToEntityID {
					continue
				}
				other, err := g.entities.Get(ctx, placeLink.FromEntityID)
				if err != nil {
					return err
				}
				if !other.IsLive() || other.Kind != entity.Kind {
					continue
				}
				otherIdentifiers, err := g.identifiers.ListByEntity(ctx, other.ID)
				if err != nil {
					return err
				}
				if err := g.addPair(ctx, entity, other, identifiers, otherIdentifiers, link.ToEntityID, block, pairs); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func (g *Generator) addPair(ctx context.Context, a, b *models.Entity, aIdentifiers, bIdentifiers []models.Identifier, sharedPlaceID string, block *blocklist.Snapshot, pairs map[string]*models.MatchCandidate) error {
	aID, bID := models.OrderPair(a.ID, b.ID)
	key := aID + "|" + bID
	if existing, ok := pairs[key]; ok {
		// A later discovery path can only add the shared place
		if sharedPlaceID != "" && existing.Evidence.GetValue().SharedPlaceID == "" {
			evidence := existing.Evidence.GetValue()
			evidence.SharedPlaceID = sharedPlaceID
			existing.Evidence = database.JSONB[models.MatchEvidence]{Data: evidence}
			score, tier := g.score(evidence)
			if score > existing.Score {
				existing.Score = score
				evidence.Tier = tier
				existing.Evidence = database.JSONB[models.MatchEvidence]{Data: evidence}
			}
		}
		return nil
	}

	evidence := g.buildEvidence(a, b, aIdentifiers, bIdentifiers, sharedPlaceID, block)
	score, tier := g.score(evidence)
	if score < g.config.MinScore {
		return nil
	}
	evidence.Tier = tier

	pairs[key] = &models.MatchCandidate{
		Kind:      a.Kind,
		EntityAID: aID,
		EntityBID: bID,
		Score:     score,
		Evidence:  database.JSONB[models.MatchEvidence]{Data: evidence},
		Status:    models.MatchCandidateStatusPending,
	}
	return nil
}

func (g *Generator) buildEvidence(a, b *models.Entity, aIdentifiers, bIdentifiers []models.Identifier, sharedPlaceID string, block *blocklist.Snapshot) models.MatchEvidence {
	evidence := models.MatchEvidence{SharedPlaceID: sharedPlaceID}

	type idKey struct {
		idType models.IdentifierType
		value  string
	}
	aValues := map[idKey]bool{}
	aStrong := map[models.IdentifierType]string{}
	for _, identifier := range aIdentifiers {
		if identifier.NormalizedValue == "" {
			continue
		}
		if identifier.Type.IsStrong() {
			aStrong[identifier.Type] = identifier.NormalizedValue
			continue
		}
		if !identifier.Blocked {
			aValues[idKey{identifier.Type, identifier.NormalizedValue}] = true
		}
	}

	matchedTypes := map[models.IdentifierType]bool{}
	for _, identifier := range bIdentifiers {
		if identifier.NormalizedValue == "" {
			continue
		}
		if identifier.Type.IsStrong() {
			if aValue, ok := aStrong[identifier.Type]; ok {
				if aValue == identifier.NormalizedValue {
					matchedTypes[identifier.Type] = true
					evidence.SharedIdentifiers = append(evidence.SharedIdentifiers, models.SharedIdentifier{
						Type:            identifier.Type,
						NormalizedValue: identifier.NormalizedValue,
					})
				} else {
					evidence.ConflictingStrongID = true
				}
			}
			continue
		}
		if identifier.Blocked || !aValues[idKey{identifier.Type, identifier.NormalizedValue}] {
			continue
		}
		blocked := block != nil && block.IsBlocked(identifier.Type, identifier.NormalizedValue)
		evidence.SharedIdentifiers = append(evidence.SharedIdentifiers, models.SharedIdentifier{
			Type:            identifier.Type,
			NormalizedValue: identifier.NormalizedValue,
			Blocked:         blocked,
		})
		if !blocked {
			matchedTypes[identifier.Type] = true
		}
	}

	evidence.NameSimilarity = g.scorer.NameSimilarity(normalize.Name(a.DisplayName), normalize.Name(b.DisplayName))

	for _, idType := range []models.IdentifierType{models.IdentifierTypeEmail, models.IdentifierTypePhone, models.IdentifierTypeMicrochip, models.IdentifierTypeExternalID} {
		if matchedTypes[idType] {
			evidence.MatchedOn = append(evidence.MatchedOn, string(idType))
		}
	}
	if sharedPlaceID != "" {
		evidence.MatchedOn = append(evidence.MatchedOn, "place")
	}
	if evidence.NameSimilarity >= 0.80 {
		evidence.MatchedOn = append(evidence.MatchedOn, "name")
	}

	return evidence
}

// score maps evidence to a confidence and tier. Tier 1 is a corroborated
// identifier match, tier 2 an identifier match with weak name agreement, tier
// 3 proximity or name alone.
func (g *Generator) score(evidence models.MatchEvidence) (float64, int) {
	hasEmail := false
	hasPhone := false
	hasStrong := false
	for _, shared := range evidence.SharedIdentifiers {
		if shared.Blocked {
			continue
		}
		switch shared.Type {
		case models.IdentifierTypeEmail:
			hasEmail = true
		case models.IdentifierTypePhone:
			hasPhone = true
		case models.IdentifierTypeMicrochip, models.IdentifierTypeExternalID:
			hasStrong = true
		}
	}

	nameSim := evidence.NameSimilarity
	switch {
	case hasStrong:
		return 0.99, 1
	case hasEmail && nameSim >= 0.80:
		return 0.98, 1
	case hasPhone && nameSim >= 0.80:
		return 0.95, 1
	case hasEmail || hasPhone:
		return 0.85 + 0.10*nameSim, 2
	default:
		// Proximity alone is not identity. Scale by name agreement so
		// housemates with unrelated names fall below the floor.
		score := 0.80 * nameSim
		if evidence.SharedPlaceID != "" {
			score += 0.10
		}
		return score, 3
	}
}

// capPerEntity keeps only the best-scoring candidates per entity so one noisy
// shared value cannot flood the review queue
func (g *Generator) capPerEntity(pairs map[string]*models.MatchCandidate) []*models.MatchCandidate {
	all := make([]*models.MatchCandidate, 0, len(pairs))
	for _, candidate := range pairs {
		all = append(all, candidate)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Score > all[j].Score })

	counts := map[string]int{}
	kept := make([]*models.MatchCandidate, 0, len(all))
	for _, candidate := range all {
		if counts[candidate.EntityAID] >= g.config.MaxPerEntity || counts[candidate.EntityBID] >= g.config.MaxPerEntity {
			continue
		}
		counts[candidate.EntityAID]++
		counts[candidate.EntityBID]++
		kept = append(kept, candidate)
	}
	return kept
}

func (g *Generator) neighborhoodKey(displayName string) string {
	normalized := normalize.Name(displayName)
	fields := strings.Fields(normalized)
	if len(fields) == 0 {
		return ""
	}
	return g.scorer.Soundex(fields[len(fields)-1])
}
