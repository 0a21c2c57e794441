package ingest

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernhollow/registry/pkg/blocklist"
	"github.com/fernhollow/registry/pkg/database"
	"github.com/fernhollow/registry/pkg/models"
	"github.com/fernhollow/registry/pkg/resolver"
)

type fakeTx struct {
	database.Tx
}

func (fakeTx) IsOpen() bool                       { return false }
func (fakeTx) Rollback(ctx context.Context) error { return nil }
func (fakeTx) Commit(ctx context.Context) error   { return nil }

type fakeDB struct {
	database.DB
}

func (fakeDB) GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error) {
	return ctx, fakeTx{}, nil
}

type fakeResolver struct {
	person *resolver.Result
	place  *resolver.PlaceResult
	cat    *resolver.Result
}

func (f *fakeResolver) ResolvePerson(ctx context.Context, in *models.PersonInput, block *blocklist.Snapshot, sourceSystem, sourceRecordID string) (*resolver.Result, error) {
	return f.person, nil
}

func (f *fakeResolver) ResolveCat(ctx context.Context, in *models.CatInput, sourceSystem, sourceRecordID string) (*resolver.Result, error) {
	return f.cat, nil
}

func (f *fakeResolver) ResolvePlace(ctx context.Context, in *models.PlaceInput, sourceSystem, sourceRecordID string) (*resolver.PlaceResult, error) {
	return f.place, nil
}

type fakeLinkStore struct {
	links []models.EntityLink
}

func (f *fakeLinkStore) Create(ctx context.Context, link *models.EntityLink) (*models.EntityLink, error) {
	f.links = append(f.links, *link)
	return link, nil
}

func (f *fakeLinkStore) find(from, to string, linkType models.LinkType) bool {
	for _, l := range f.links {
		if l.FromEntityID == from && l.ToEntityID == to && l.LinkType == linkType {
			return true
		}
	}
	return false
}

type fakeReviewStore struct {
	items []models.ReviewQueueItem
}

func (f *fakeReviewStore) Create(ctx context.Context, item *models.ReviewQueueItem) (*models.ReviewQueueItem, error) {
	f.items = append(f.items, *item)
	return item, nil
}

type fakeBlocklistStore struct {
	entries []models.BlocklistEntry
}

func (f *fakeBlocklistStore) List(ctx context.Context) ([]models.BlocklistEntry, error) {
	return f.entries, nil
}

type fakeAssertionRecorder struct {
	assertions []models.FieldSource
}

func (f *fakeAssertionRecorder) RecordAssertion(ctx context.Context, assertion *models.FieldSource) error {
	f.assertions = append(f.assertions, *assertion)
	return nil
}

func (f *fakeAssertionRecorder) value(entityID, field string) string {
	for _, a := range f.assertions {
		if a.EntityID == entityID && a.Field == field {
			return a.Value
		}
	}
	return ""
}

type fakeGenerator struct {
	entityIDs []string
}

func (f *fakeGenerator) GenerateForEntity(ctx context.Context, entityID string, block *blocklist.Snapshot) (int, error) {
	f.entityIDs = append(f.entityIDs, entityID)
	return 0, nil
}

type harness struct {
	processor  *Processor
	resolver   *fakeResolver
	links      *fakeLinkStore
	reviews    *fakeReviewStore
	assertions *fakeAssertionRecorder
	generator  *fakeGenerator
}

func newHarness() *harness {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	res := &fakeResolver{}
	links := &fakeLinkStore{}
	reviews := &fakeReviewStore{}
	assertions := &fakeAssertionRecorder{}
	generator := &fakeGenerator{}
	processor := NewProcessor(fakeDB{}, res, links, reviews, &fakeBlocklistStore{}, assertions, generator, logger)
	return &harness{
		processor:  processor,
		resolver:   res,
		links:      links,
		reviews:    reviews,
		assertions: assertions,
		generator:  generator,
	}
}

func trappingRequest() *models.StagedRecord {
	return &models.StagedRecord{
		SourceSystem:   "web_form",
		SourceRecordID: "req-100",
		IngestedAt:     time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Person: &models.PersonInput{
			FirstName: "Maria",
			LastName:  "Garcia",
			Email:     "maria@example.com",
			Phone:     "530-555-0001",
		},
		Place: &models.PlaceInput{Address: "123 Main St"},
		Cat:   &models.CatInput{Name: "Shadow", Sex: "male", Neuter: true},
	}
}

func TestProcessLinksAllThreeSections(t *testing.T) {
	h := newHarness()
	h.resolver.person = &resolver.Result{EntityID: "p-1", Outcome: resolver.OutcomeCreated}
	h.resolver.place = &resolver.PlaceResult{Result: resolver.Result{EntityID: "pl-1", Outcome: resolver.OutcomeCreated}}
	h.resolver.cat = &resolver.Result{EntityID: "c-1", Outcome: resolver.OutcomeCreated}

	outcome, err := h.processor.Process(context.Background(), trappingRequest(), nil)
	require.NoError(t, err)

	assert.Equal(t, "p-1", outcome.Person.EntityID)
	assert.True(t, h.links.find("p-1", "pl-1", models.LinkTypeResidentOf))
	assert.True(t, h.links.find("c-1", "pl-1", models.LinkTypeLocatedAt))
	assert.True(t, h.links.find("p-1", "c-1", models.LinkTypeCaretakerOf))
	assert.Len(t, h.links.links, 3)
}

func TestProcessRecordsFieldProvenance(t *testing.T) {
	h := newHarness()
	h.resolver.person = &resolver.Result{EntityID: "p-1", Outcome: resolver.OutcomeMatched}
	h.resolver.place = &resolver.PlaceResult{Result: resolver.Result{EntityID: "pl-1", Outcome: resolver.OutcomeMatched}}
	h.resolver.cat = &resolver.Result{EntityID: "c-1", Outcome: resolver.OutcomeMatched}

	_, err := h.processor.Process(context.Background(), trappingRequest(), nil)
	require.NoError(t, err)

	assert.Equal(t, "Maria", h.assertions.value("p-1", "first_name"))
	assert.Equal(t, "maria@example.com", h.assertions.value("p-1", "email"))
	assert.Equal(t, "neutered", h.assertions.value("c-1", "altered_status"))
	assert.Equal(t, "Shadow", h.assertions.value("c-1", "name"))
	for _, a := range h.assertions.assertions {
		assert.Equal(t, "web_form", a.SourceSystem)
		assert.Equal(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), a.AssertedAt)
	}
}

func TestProcessRejectedPersonGetsNoLinksOrAssertions(t *testing.T) {
	h := newHarness()
	h.resolver.person = &resolver.Result{Outcome: resolver.OutcomeRejected, Reason: "organizational name"}
	h.resolver.place = &resolver.PlaceResult{Result: resolver.Result{EntityID: "pl-1", Outcome: resolver.OutcomeCreated}}
	h.resolver.cat = &resolver.Result{EntityID: "c-1", Outcome: resolver.OutcomeCreated}

	_, err := h.processor.Process(context.Background(), trappingRequest(), nil)
	require.NoError(t, err)

	assert.False(t, h.links.find("", "pl-1", models.LinkTypeResidentOf))
	assert.True(t, h.links.find("c-1", "pl-1", models.LinkTypeLocatedAt))
	assert.Len(t, h.links.links, 1)
	assert.Empty(t, h.assertions.value("", "first_name"))
}

func TestProcessLowConfidenceGeocodeEnqueuesReview(t *testing.T) {
	h := newHarness()
	h.resolver.place = &resolver.PlaceResult{
		Result:      resolver.Result{EntityID: "pl-1", Outcome: resolver.OutcomeCreated},
		Geocode:     &models.GeocodeResult{Status: models.GeocodeStatusPartial, Confidence: 0.49, FormattedAddress: "123 Main St, Chico, CA"},
		NeedsReview: true,
	}

	record := &models.StagedRecord{
		SourceSystem:   "web_form",
		SourceRecordID: "req-101",
		Place:          &models.PlaceInput{Address: "123 Main"},
	}
	_, err := h.processor.Process(context.Background(), record, nil)
	require.NoError(t, err)

	require.Len(t, h.reviews.items, 1)
	item := h.reviews.items[0]
	assert.Equal(t, models.ReviewItemKindGeocode, item.Kind)
	assert.Equal(t, "geocode confidence below threshold", item.Reason)
	assert.Equal(t, "pl-1", item.Payload.GetValue()["entity_id"])
	assert.Equal(t, "123 Main St, Chico, CA", item.Suggestion.GetValue()["formatted_address"])
}

func TestProcessZeroResultsGeocodeReviewReason(t *testing.T) {
	h := newHarness()
	h.resolver.place = &resolver.PlaceResult{
		Result:      resolver.Result{EntityID: "pl-1", Outcome: resolver.OutcomeCreated},
		Geocode:     &models.GeocodeResult{Status: models.GeocodeStatusZeroResults},
		NeedsReview: true,
	}

	record := &models.StagedRecord{
		SourceSystem:   "web_form",
		SourceRecordID: "req-103",
		Place:          &models.PlaceInput{Address: "99999 Nowhere Rd"},
	}
	_, err := h.processor.Process(context.Background(), record, nil)
	require.NoError(t, err)

	require.Len(t, h.reviews.items, 1)
	assert.Equal(t, "zero_results", h.reviews.items[0].Reason)
}

func TestProcessFailedGeocodeReviewReason(t *testing.T) {
	h := newHarness()
	h.resolver.place = &resolver.PlaceResult{
		Result:      resolver.Result{EntityID: "pl-1", Outcome: resolver.OutcomeCreated},
		Geocode:     &models.GeocodeResult{Status: models.GeocodeStatusFailed},
		NeedsReview: true,
	}

	record := &models.StagedRecord{
		SourceSystem:   "web_form",
		SourceRecordID: "req-104",
		Place:          &models.PlaceInput{Address: "123 Main St"},
	}
	_, err := h.processor.Process(context.Background(), record, nil)
	require.NoError(t, err)

	require.Len(t, h.reviews.items, 1)
	assert.Equal(t, "geocode failed", h.reviews.items[0].Reason)
}

func TestProcessGeneratesCandidatesForPersonAndCat(t *testing.T) {
	h := newHarness()
	h.resolver.person = &resolver.Result{EntityID: "p-1", Outcome: resolver.OutcomeCreated}
	h.resolver.place = &resolver.PlaceResult{Result: resolver.Result{EntityID: "pl-1", Outcome: resolver.OutcomeCreated}}
	h.resolver.cat = &resolver.Result{EntityID: "c-1", Outcome: resolver.OutcomeCreated}

	_, err := h.processor.Process(context.Background(), trappingRequest(), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"p-1", "c-1"}, h.generator.entityIDs)
}

func TestProcessEmptyRecordRejected(t *testing.T) {
	h := newHarness()

	_, err := h.processor.Process(context.Background(), &models.StagedRecord{
		SourceSystem:   "web_form",
		SourceRecordID: "req-102",
	}, nil)
	assert.Error(t, err)
}

func TestProcessMissingProvenanceRejected(t *testing.T) {
	h := newHarness()

	_, err := h.processor.Process(context.Background(), &models.StagedRecord{
		Person: &models.PersonInput{FirstName: "Maria"},
	}, nil)
	assert.Error(t, err)
	assert.Empty(t, h.links.links)
}
