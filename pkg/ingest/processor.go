package ingest

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"

	"github.com/fernhollow/registry/pkg/blocklist"
	"github.com/fernhollow/registry/pkg/database"
	"github.com/fernhollow/registry/pkg/models"
	"github.com/fernhollow/registry/pkg/resolver"
	"github.com/fernhollow/registry/pkg/tracing"
)

// LinkStore creates entity links during processing
type LinkStore interface {
	Create(ctx context.Context, link *models.EntityLink) (*models.EntityLink, error)
}

// ReviewStore enqueues review items during processing
type ReviewStore interface {
	Create(ctx context.Context, item *models.ReviewQueueItem) (*models.ReviewQueueItem, error)
}

// BlocklistStore loads the blocklist for snapshotting
type BlocklistStore interface {
	List(ctx context.Context) ([]models.BlocklistEntry, error)
}

// AssertionRecorder records field provenance during processing
type AssertionRecorder interface {
	RecordAssertion(ctx context.Context, assertion *models.FieldSource) error
}

// CandidateGenerator surfaces duplicates for a freshly touched entity
type CandidateGenerator interface {
	GenerateForEntity(ctx context.Context, entityID string, block *blocklist.Snapshot) (int, error)
}

// Resolver is the per-kind find-or-create surface
type Resolver interface {
	ResolvePerson(ctx context.Context, in *models.PersonInput, block *blocklist.Snapshot, sourceSystem, sourceRecordID string) (*resolver.Result, error)
	ResolveCat(ctx context.Context, in *models.CatInput, sourceSystem, sourceRecordID string) (*resolver.Result, error)
	ResolvePlace(ctx context.Context, in *models.PlaceInput, sourceSystem, sourceRecordID string) (*resolver.PlaceResult, error)
}

// Outcome summarizes what one staged record produced
type Outcome struct {
	Person *resolver.Result      `json:"person,omitempty"`
	Place  *resolver.PlaceResult `json:"place,omitempty"`
	Cat    *resolver.Result      `json:"cat,omitempty"`
}

// Processor turns staged records into canonical entities. Each record is
// processed in its own transaction: a trapping request that names a person, a
// place, and a cat lands either fully linked or not at all.
type Processor struct {
	db         database.DB
	resolver   Resolver
	links      LinkStore
	reviews    ReviewStore
	blocklists BlocklistStore
	assertions AssertionRecorder
	generator  CandidateGenerator
	validate   *validator.Validate
	logger     ectologger.Logger
}

// NewProcessor creates an ingest processor
func NewProcessor(db database.DB, res Resolver, links LinkStore, reviews ReviewStore, blocklists BlocklistStore, assertions AssertionRecorder, generator CandidateGenerator, logger ectologger.Logger) *Processor {
	return &Processor{
		db:         db,
		resolver:   res,
		links:      links,
		reviews:    reviews,
		blocklists: blocklists,
		assertions: assertions,
		generator:  generator,
		validate:   validator.New(),
		logger:     logger,
	}
}

// Snapshot loads the current blocklist. Loaded once per batch so every record
// in the batch sees the same rules.
func (p *Processor) Snapshot(ctx context.Context) (*blocklist.Snapshot, error) {
	entries, err := p.blocklists.List(ctx)
	if err != nil {
		return nil, err
	}
	return blocklist.NewSnapshot(entries), nil
}

// Process resolves one staged record inside a single transaction
func (p *Processor) Process(ctx context.Context, record *models.StagedRecord, block *blocklist.Snapshot) (*Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.Processor.Process")
	defer span.End()

	if err := p.validate.Struct(record); err != nil {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if record.Person == nil && record.Place == nil && record.Cat == nil {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "staged record has no sections")
	}

	if block == nil {
		var err error
		block, err = p.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
	}

	ctxTx, tx, err := p.db.GetTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctxTx)

	outcome, err := p.process(ctxTx, record, block)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctxTx); err != nil {
		return nil, err
	}

	// Candidate generation is best-effort and outside the transaction: a
	// failure here loses a suggestion, not data, and the periodic scan will
	// regenerate it
	p.generateCandidates(ctx, outcome, block)

	return outcome, nil
}

func (p *Processor) process(ctx context.Context, record *models.StagedRecord, block *blocklist.Snapshot) (*Outcome, error) {
	outcome := &Outcome{}
	assertedAt := record.IngestedAt
	if assertedAt.IsZero() {
		assertedAt = time.Now().UTC()
	}

	if record.Person != nil {
		result, err := p.resolver.ResolvePerson(ctx, record.Person, block, record.SourceSystem, record.SourceRecordID)
		if err != nil {
			return nil, err
		}
		outcome.Person = result
		if result.Outcome != resolver.OutcomeRejected {
			if err := p.recordPersonAssertions(ctx, result.EntityID, record, assertedAt); err != nil {
				return nil, err
			}
		}
	}

	if record.Place != nil {
		result, err := p.resolver.ResolvePlace(ctx, record.Place, record.SourceSystem, record.SourceRecordID)
		if err != nil {
			return nil, err
		}
		outcome.Place = result
		if result.NeedsReview {
			if err := p.enqueueGeocodeReview(ctx, record, result); err != nil {
				return nil, err
			}
		}
	}

	if record.Cat != nil {
		result, err := p.resolver.ResolveCat(ctx, record.Cat, record.SourceSystem, record.SourceRecordID)
		if err != nil {
			return nil, err
		}
		outcome.Cat = result
		if err := p.recordCatAssertions(ctx, result.EntityID, record, assertedAt); err != nil {
			return nil, err
		}
	}

	if err := p.linkEntities(ctx, record, outcome); err != nil {
		return nil, err
	}

	return outcome, nil
}

func (p *Processor) linkEntities(ctx context.Context, record *models.StagedRecord, outcome *Outcome) error {
	personID := ""
	if outcome.Person != nil && outcome.Person.Outcome != resolver.OutcomeRejected {
		personID = outcome.Person.EntityID
	}
	placeID := ""
	if outcome.Place != nil && outcome.Place.Outcome != resolver.OutcomeRejected {
		placeID = outcome.Place.EntityID
	}
	catID := ""
	if outcome.Cat != nil {
		catID = outcome.Cat.EntityID
	}

	type pair struct {
		from, to string
		linkType models.LinkType
	}
	pairs := []pair{
		{personID, placeID, models.LinkTypeResidentOf},
		{catID, placeID, models.LinkTypeLocatedAt},
		{personID, catID, models.LinkTypeCaretakerOf},
	}
	for _, pr := range pairs {
		if pr.from == "" || pr.to == "" {
			continue
		}
		if _, err := p.links.Create(ctx, &models.EntityLink{
			FromEntityID: pr.from,
			ToEntityID:   pr.to,
			LinkType:     pr.linkType,
			SourceSystem: record.SourceSystem,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) recordPersonAssertions(ctx context.Context, entityID string, record *models.StagedRecord, assertedAt time.Time) error {
	fields := map[string]string{
		"first_name": record.Person.FirstName,
		"last_name":  record.Person.LastName,
		"email":      record.Person.Email,
		"phone":      record.Person.Phone,
	}
	return p.recordAssertions(ctx, entityID, fields, record, assertedAt)
}

func (p *Processor) recordCatAssertions(ctx context.Context, entityID string, record *models.StagedRecord, assertedAt time.Time) error {
	fields := map[string]string{
		"name": record.Cat.Name,
		"sex":  record.Cat.Sex,
	}
	switch {
	case record.Cat.Spay:
		fields["altered_status"] = "spayed"
	case record.Cat.Neuter:
		fields["altered_status"] = "neutered"
	}
	return p.recordAssertions(ctx, entityID, fields, record, assertedAt)
}

func (p *Processor) recordAssertions(ctx context.Context, entityID string, fields map[string]string, record *models.StagedRecord, assertedAt time.Time) error {
	for field, value := range fields {
		if value == "" {
			continue
		}
		if err := p.assertions.RecordAssertion(ctx, &models.FieldSource{
			EntityID:     entityID,
			Field:        field,
			Value:        value,
			SourceSystem: record.SourceSystem,
			Confidence:   1.0,
			AssertedAt:   assertedAt,
		}); err != nil {
			return err
		}
	}
	return nil
}

// geocodeReviewReason names why a place landed in review. Zero-result
// addresses keep the provider's status verbatim so queue filters can target
// them.
func geocodeReviewReason(geo *models.GeocodeResult) string {
	if geo == nil {
		return "geocode unavailable"
	}
	switch geo.Status {
	case models.GeocodeStatusZeroResults:
		return "zero_results"
	case models.GeocodeStatusFailed:
		return "geocode failed"
	default:
		return "geocode confidence below threshold"
	}
}

func (p *Processor) enqueueGeocodeReview(ctx context.Context, record *models.StagedRecord, result *resolver.PlaceResult) error {
	payload := map[string]any{
		"entity_id":        result.EntityID,
		"address_raw":      record.Place.Address,
		"source_system":    record.SourceSystem,
		"source_record_id": record.SourceRecordID,
	}
	suggestion := map[string]any{}
	if result.Geocode != nil {
		payload["geocode_status"] = string(result.Geocode.Status)
		payload["confidence"] = result.Geocode.Confidence
		if result.Geocode.FormattedAddress != "" {
			suggestion["formatted_address"] = result.Geocode.FormattedAddress
		}
	}

	_, err := p.reviews.Create(ctx, &models.ReviewQueueItem{
		Kind:       models.ReviewItemKindGeocode,
		Reason:     geocodeReviewReason(result.Geocode),
		Payload:    database.JSONB[map[string]any]{Data: payload},
		Suggestion: database.JSONB[map[string]any]{Data: suggestion},
	})
	return err
}

func (p *Processor) generateCandidates(ctx context.Context, outcome *Outcome, block *blocklist.Snapshot) {
	for _, result := range []*resolver.Result{outcome.Person, outcome.Cat} {
		if result == nil || result.EntityID == "" {
			continue
		}
		if _, err := p.generator.GenerateForEntity(ctx, result.EntityID, block); err != nil {
			p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_id": result.EntityID}).Warn("Candidate generation failed")
		}
	}
}
