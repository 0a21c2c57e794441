package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/fernhollow/registry/internal/repositories/identifier"
	"github.com/fernhollow/registry/pkg/blocklist"
	"github.com/fernhollow/registry/pkg/classify"
	"github.com/fernhollow/registry/pkg/models"
	"github.com/fernhollow/registry/pkg/normalize"
	"github.com/fernhollow/registry/pkg/tracing"
)

// Outcome is what happened to an input during resolution
type Outcome string

const (
	OutcomeMatched  Outcome = "matched"
	OutcomeCreated  Outcome = "created"
	OutcomeRejected Outcome = "rejected"
)

// Result is the answer for one resolved input
type Result struct {
	EntityID string  `json:"entity_id,omitempty"`
	Outcome  Outcome `json:"outcome"`
	Reason   string  `json:"reason,omitempty"`
}

// PlaceResult extends Result with the geocode answer so the caller can route
// low-confidence locations to review
type PlaceResult struct {
	Result
	Geocode     *models.GeocodeResult `json:"geocode,omitempty"`
	NeedsReview bool                  `json:"needs_review,omitempty"`
}

// EntityStore is the entity persistence resolution needs
type EntityStore interface {
	Create(ctx context.Context, entity *models.Entity) (*models.Entity, error)
	FindLiveByIdentifier(ctx context.Context, kind models.EntityKind, idType models.IdentifierType, normalizedValue string) ([]models.Entity, error)
	FindLivePlaceByNormalizedAddress(ctx context.Context, normalizedAddress string) (*models.Entity, error)
}

// IdentifierStore attaches identifiers during resolution
type IdentifierStore interface {
	Attach(ctx context.Context, row *models.Identifier) (*models.Identifier, error)
}

// OrgContactStore receives inputs that fail the person gate
type OrgContactStore interface {
	Create(ctx context.Context, contact *models.OrgContact) (*models.OrgContact, error)
}

// Geocoder resolves raw addresses
type Geocoder interface {
	Resolve(ctx context.Context, rawAddress string) (*models.GeocodeResult, error)
	Threshold() float64
}

// Service implements find-or-create for each entity kind. Lookups run against
// normalized identifiers only; an input that matches nothing becomes a new
// entity rather than a fuzzy guess, and fuzzy similarity is left to the match
// candidate pipeline where a human or a corroboration rule decides.
type Service struct {
	entities    EntityStore
	identifiers IdentifierStore
	orgContacts OrgContactStore
	geocoder    Geocoder
	logger      ectologger.Logger
}

// NewService creates a resolver service
func NewService(entities EntityStore, identifiers IdentifierStore, orgContacts OrgContactStore, geocoder Geocoder, logger ectologger.Logger) *Service {
	return &Service{
		entities:    entities,
		identifiers: identifiers,
		orgContacts: orgContacts,
		geocoder:    geocoder,
		logger:      logger,
	}
}

// ResolvePerson gates the input through classification, then finds or creates
// the person. Email outranks phone as a lookup key because shared household
// phones are common in this data.
func (s *Service) ResolvePerson(ctx context.Context, in *models.PersonInput, block *blocklist.Snapshot, sourceSystem, sourceRecordID string) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Service.ResolvePerson")
	defer span.End()

	gate := classify.New(block).Classify(classify.Input{
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Email:     in.Email,
		Phone:     in.Phone,
	})
	if !gate.ShouldCreatePerson {
		name := strings.TrimSpace(in.FirstName + " " + in.LastName)
		if _, err := s.orgContacts.Create(ctx, &models.OrgContact{
			Name:           name,
			Email:          in.Email,
			Phone:          in.Phone,
			Category:       string(gate.Category),
			Reason:         gate.Reason,
			SourceSystem:   sourceSystem,
			SourceRecordID: sourceRecordID,
		}); err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeRejected, Reason: gate.Reason}, nil
	}

	email := normalize.Email(in.Email)
	phone := normalize.Phone(in.Phone)

	type lookup struct {
		idType models.IdentifierType
		value  string
	}
	lookups := []lookup{}
	if email != "" {
		lookups = append(lookups, lookup{models.IdentifierTypeEmail, email})
	}
	if phone != "" {
		lookups = append(lookups, lookup{models.IdentifierTypePhone, phone})
	}

	var matched *models.Entity
	for _, l := range lookups {
		if block != nil && block.IsBlocked(l.idType, l.value) {
			continue
		}
		found, err := s.entities.FindLiveByIdentifier(ctx, models.EntityKindPerson, l.idType, l.value)
		if err != nil {
			return nil, err
		}
		if len(found) > 0 {
			matched = &found[0]
			break
		}
	}

	outcome := OutcomeMatched
	if matched == nil {
		data, err := json.Marshal(models.PersonData{
			FirstName: in.FirstName,
			LastName:  in.LastName,
			Email:     email,
			Phone:     phone,
		})
		if err != nil {
			return nil, err
		}
		classification := string(classify.CategoryPerson)
		matched, err = s.entities.Create(ctx, &models.Entity{
			Kind:           models.EntityKindPerson,
			DisplayName:    strings.TrimSpace(in.FirstName + " " + in.LastName),
			Data:           data,
			Classification: &classification,
			SourceSystem:   sourceSystem,
			SourceRecordID: sourceRecordID,
		})
		if err != nil {
			return nil, err
		}
		outcome = OutcomeCreated
	}

	if email != "" {
		if err := s.attach(ctx, matched.ID, models.EntityKindPerson, models.IdentifierTypeEmail, in.Email, email, sourceSystem, block); err != nil {
			return nil, err
		}
	}
	if phone != "" {
		if err := s.attach(ctx, matched.ID, models.EntityKindPerson, models.IdentifierTypePhone, in.Phone, phone, sourceSystem, block); err != nil {
			return nil, err
		}
	}

	return &Result{EntityID: matched.ID, Outcome: outcome}, nil
}

// ResolveCat finds or creates a cat. A valid microchip is authoritative: the
// same chip is always the same cat, and a concurrent create that loses the
// uniqueness race falls back to the lookup it lost to.
func (s *Service) ResolveCat(ctx context.Context, in *models.CatInput, sourceSystem, sourceRecordID string) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Service.ResolveCat")
	defer span.End()

	chip := normalize.Microchip(in.Microchip)
	if chip != "" {
		found, err := s.entities.FindLiveByIdentifier(ctx, models.EntityKindCat, models.IdentifierTypeMicrochip, chip)
		if err != nil {
			return nil, err
		}
		if len(found) > 0 {
			return &Result{EntityID: found[0].ID, Outcome: OutcomeMatched}, nil
		}
	}

	data, err := json.Marshal(models.CatData{
		Name:          in.Name,
		Sex:           in.Sex,
		AlteredStatus: alteredStatus(in),
		Microchip:     chip,
	})
	if err != nil {
		return nil, err
	}

	created, err := s.entities.Create(ctx, &models.Entity{
		Kind:           models.EntityKindCat,
		DisplayName:    in.Name,
		Data:           data,
		SourceSystem:   sourceSystem,
		SourceRecordID: sourceRecordID,
	})
	if err != nil {
		return nil, err
	}

	if chip != "" {
		_, err := s.identifiers.Attach(ctx, &models.Identifier{
			EntityID:        created.ID,
			Kind:            models.EntityKindCat,
			Type:            models.IdentifierTypeMicrochip,
			RawValue:        in.Microchip,
			NormalizedValue: chip,
			SourceSystem:    sourceSystem,
			Confidence:      1.0,
		})
		if errors.Is(err, identifier.ErrStrongConflict) {
			// Another writer attached this chip first; use their cat
			found, lookupErr := s.entities.FindLiveByIdentifier(ctx, models.EntityKindCat, models.IdentifierTypeMicrochip, chip)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if len(found) > 0 {
				return &Result{EntityID: found[0].ID, Outcome: OutcomeMatched}, nil
			}
			return nil, err
		}
		if err != nil {
			return nil, err
		}
	}

	return &Result{EntityID: created.ID, Outcome: OutcomeCreated}, nil
}

// ResolvePlace finds or creates a place keyed by its normalized address plus
// unit. Two units in one building are distinct places on the same rooftop.
func (s *Service) ResolvePlace(ctx context.Context, in *models.PlaceInput, sourceSystem, sourceRecordID string) (*PlaceResult, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Service.ResolvePlace")
	defer span.End()

	raw := in.Address
	if strings.TrimSpace(raw) == "" {
		raw = in.Description
	}

	geo, err := s.geocoder.Resolve(ctx, raw)
	if err != nil {
		return nil, err
	}

	needsReview := geo.Status == models.GeocodeStatusZeroResults ||
		geo.Status == models.GeocodeStatusFailed ||
		((geo.Status == models.GeocodeStatusOK || geo.Status == models.GeocodeStatusPartial) && geo.Confidence < s.geocoder.Threshold())

	key := placeKey(geo.NormalizedAddress, geo.UnitNormalized)
	if key == "" {
		// Nothing addressable to dedupe on; keep the description as its own
		// place so the sighting is not lost
		key = normalize.Address(in.Description)
	}
	if key == "" {
		return &PlaceResult{
			Result:      Result{Outcome: OutcomeRejected, Reason: "no address or description"},
			Geocode:     geo,
			NeedsReview: false,
		}, nil
	}

	existing, err := s.entities.FindLivePlaceByNormalizedAddress(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &PlaceResult{
			Result:  Result{EntityID: existing.ID, Outcome: OutcomeMatched},
			Geocode: geo,
		}, nil
	}

	data, err := json.Marshal(models.PlaceData{
		AddressRaw:        raw,
		AddressNormalized: key,
		UnitNormalized:    geo.UnitNormalized,
		FormattedAddress:  geo.FormattedAddress,
		Latitude:          geo.Latitude,
		Longitude:         geo.Longitude,
		GeocodeStatus:     string(geo.Status),
		GeocodeConfidence: geo.Confidence,
	})
	if err != nil {
		return nil, err
	}

	displayName := geo.FormattedAddress
	if displayName == "" {
		displayName = raw
	}

	created, err := s.entities.Create(ctx, &models.Entity{
		Kind:           models.EntityKindPlace,
		DisplayName:    displayName,
		Data:           data,
		SourceSystem:   sourceSystem,
		SourceRecordID: sourceRecordID,
	})
	if err != nil {
		return nil, err
	}

	return &PlaceResult{
		Result:      Result{EntityID: created.ID, Outcome: OutcomeCreated},
		Geocode:     geo,
		NeedsReview: needsReview,
	}, nil
}

// attach records an identifier on an entity, flagging organization-owned
// values so they exist for audit but never drive matching
func (s *Service) attach(ctx context.Context, entityID string, kind models.EntityKind, idType models.IdentifierType, raw, normalized, sourceSystem string, block *blocklist.Snapshot) error {
	blocked := block != nil && block.IsBlocked(idType, normalized)
	_, err := s.identifiers.Attach(ctx, &models.Identifier{
		EntityID:        entityID,
		Kind:            kind,
		Type:            idType,
		RawValue:        raw,
		NormalizedValue: normalized,
		SourceSystem:    sourceSystem,
		Confidence:      1.0,
		Blocked:         blocked,
	})
	return err
}

func placeKey(normalizedAddress, unit string) string {
	if normalizedAddress == "" {
		return ""
	}
	if unit == "" {
		return normalizedAddress
	}
	return normalizedAddress + " unit " + unit
}

func alteredStatus(in *models.CatInput) string {
	switch {
	case in.Spay:
		return "spayed"
	case in.Neuter:
		return "neutered"
	default:
		return ""
	}
}
