package resolver

import (
	"context"
	"fmt"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernhollow/registry/internal/repositories/identifier"
	"github.com/fernhollow/registry/pkg/blocklist"
	"github.com/fernhollow/registry/pkg/models"
	"github.com/fernhollow/registry/pkg/normalize"
)

type fakeEntityStore struct {
	entities []models.Entity
	rows     []models.Identifier
	nextID   int
}

func (f *fakeEntityStore) Create(ctx context.Context, entity *models.Entity) (*models.Entity, error) {
	f.nextID++
	entity.ID = fmt.Sprintf("e-%d", f.nextID)
	f.entities = append(f.entities, *entity)
	return entity, nil
}

func (f *fakeEntityStore) FindLiveByIdentifier(ctx context.Context, kind models.EntityKind, idType models.IdentifierType, value string) ([]models.Entity, error) {
	var out []models.Entity
	for _, row := range f.rows {
		if row.Type != idType || row.NormalizedValue != value || row.Blocked {
			continue
		}
		for _, e := range f.entities {
			if e.ID == row.EntityID && e.Kind == kind && e.IsLive() {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (f *fakeEntityStore) FindLivePlaceByNormalizedAddress(ctx context.Context, normalizedAddress string) (*models.Entity, error) {
	for i := range f.entities {
		e := &f.entities[i]
		if e.Kind != models.EntityKindPlace || !e.IsLive() {
			continue
		}
		data, err := e.ParsePlaceData()
		if err != nil {
			return nil, err
		}
		if data.AddressNormalized == normalizedAddress {
			copied := *e
			return &copied, nil
		}
	}
	return nil, nil
}

type fakeIdentifierStore struct {
	entities       *fakeEntityStore
	strongConflict bool
}

func (f *fakeIdentifierStore) Attach(ctx context.Context, row *models.Identifier) (*models.Identifier, error) {
	if row.Type.IsStrong() {
		for _, existing := range f.entities.rows {
			if existing.Type == row.Type && existing.NormalizedValue == row.NormalizedValue && existing.EntityID != row.EntityID {
				return nil, identifier.ErrStrongConflict
			}
		}
	}
	for _, existing := range f.entities.rows {
		if existing.EntityID == row.EntityID && existing.Type == row.Type && existing.NormalizedValue == row.NormalizedValue {
			return row, nil
		}
	}
	row.ID = fmt.Sprintf("i-%d", len(f.entities.rows)+1)
	f.entities.rows = append(f.entities.rows, *row)
	return row, nil
}

type fakeOrgContactStore struct {
	contacts []models.OrgContact
}

func (f *fakeOrgContactStore) Create(ctx context.Context, contact *models.OrgContact) (*models.OrgContact, error) {
	f.contacts = append(f.contacts, *contact)
	return contact, nil
}

type fakeGeocoder struct {
	results map[string]*models.GeocodeResult
}

func (f *fakeGeocoder) Resolve(ctx context.Context, rawAddress string) (*models.GeocodeResult, error) {
	if result, ok := f.results[rawAddress]; ok {
		return result, nil
	}
	normalized := normalize.Address(rawAddress)
	lat, lng := 38.5, -121.7
	return &models.GeocodeResult{
		Status:            models.GeocodeStatusOK,
		NormalizedAddress: normalized,
		FormattedAddress:  rawAddress,
		Latitude:          &lat,
		Longitude:         &lng,
		Precision:         "ROOFTOP",
		Confidence:        0.95,
	}, nil
}

func (f *fakeGeocoder) Threshold() float64 { return 0.6 }

type harness struct {
	service     *Service
	entities    *fakeEntityStore
	identifiers *fakeIdentifierStore
	orgContacts *fakeOrgContactStore
	geocoder    *fakeGeocoder
}

func newHarness() *harness {
	entities := &fakeEntityStore{}
	h := &harness{
		entities:    entities,
		identifiers: &fakeIdentifierStore{entities: entities},
		orgContacts: &fakeOrgContactStore{},
		geocoder:    &fakeGeocoder{results: map[string]*models.GeocodeResult{}},
	}
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	h.service = NewService(h.entities, h.identifiers, h.orgContacts, h.geocoder, logger)
	return h
}

func TestResolvePersonCreatesThenMatches(t *testing.T) {
	ctx := context.Background()
	h := newHarness()

	first, err := h.service.ResolvePerson(ctx, &models.PersonInput{
		FirstName: "Maria", LastName: "Garcia", Email: "Maria.Garcia@Example.COM", Phone: "(530) 555-0001",
	}, nil, "web_form", "rec-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, first.Outcome)

	// Same person, different formatting and a tagged email
	second, err := h.service.ResolvePerson(ctx, &models.PersonInput{
		FirstName: "Maria", LastName: "Garcia", Email: "maria.garcia+tnr@example.com",
	}, nil, "clinic", "rec-2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeMatched, second.Outcome)
	assert.Equal(t, first.EntityID, second.EntityID)
}

func TestResolvePersonPhoneFallback(t *testing.T) {
	ctx := context.Background()
	h := newHarness()

	first, err := h.service.ResolvePerson(ctx, &models.PersonInput{
		FirstName: "Maria", LastName: "Garcia", Phone: "1-530-555-0001",
	}, nil, "web_form", "rec-1")
	require.NoError(t, err)

	second, err := h.service.ResolvePerson(ctx, &models.PersonInput{
		FirstName: "M", LastName: "Garcia", Phone: "530.555.0001",
	}, nil, "hotline", "rec-2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeMatched, second.Outcome)
	assert.Equal(t, first.EntityID, second.EntityID)
}

func TestResolvePersonBlockedPhoneNeverMatches(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	block := blocklist.NewSnapshot([]models.BlocklistEntry{
		{Type: models.IdentifierTypePhone, Value: "5305559999", Match: models.BlocklistMatchExact},
	})

	first, err := h.service.ResolvePerson(ctx, &models.PersonInput{
		FirstName: "Dana", LastName: "Whitfield", Phone: "530-555-9999", Email: "dana@example.com",
	}, block, "web_form", "rec-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, first.Outcome)

	second, err := h.service.ResolvePerson(ctx, &models.PersonInput{
		FirstName: "Priya", LastName: "Raman", Phone: "530-555-9999", Email: "priya@example.com",
	}, block, "web_form", "rec-2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, second.Outcome, "two callers using the office line are different people")
	assert.NotEqual(t, first.EntityID, second.EntityID)
}

func TestResolvePersonOrganizationRouted(t *testing.T) {
	ctx := context.Background()
	h := newHarness()

	result, err := h.service.ResolvePerson(ctx, &models.PersonInput{
		FirstName: "Sunrise Animal", LastName: "Shelter", Email: "info@sunrise.org",
	}, nil, "web_form", "rec-1")
	require.NoError(t, err)

	assert.Equal(t, OutcomeRejected, result.Outcome)
	assert.Empty(t, result.EntityID)
	require.Len(t, h.orgContacts.contacts, 1)
	assert.Equal(t, "web_form", h.orgContacts.contacts[0].SourceSystem)
	assert.Empty(t, h.entities.entities, "rejected inputs never create person entities")
}

func TestResolveCatByMicrochip(t *testing.T) {
	ctx := context.Background()
	h := newHarness()

	first, err := h.service.ResolveCat(ctx, &models.CatInput{
		Name: "Marmalade", Microchip: "981-020-053-891-405", Sex: "male", Neuter: true,
	}, "clinic", "rec-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, first.Outcome)

	second, err := h.service.ResolveCat(ctx, &models.CatInput{
		Name: "Orange Guy", Microchip: "981020053891405",
	}, "web_form", "rec-2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeMatched, second.Outcome)
	assert.Equal(t, first.EntityID, second.EntityID)
}

func TestResolveCatWithoutChipAlwaysCreates(t *testing.T) {
	ctx := context.Background()
	h := newHarness()

	first, err := h.service.ResolveCat(ctx, &models.CatInput{Name: "Shadow"}, "web_form", "rec-1")
	require.NoError(t, err)
	second, err := h.service.ResolveCat(ctx, &models.CatInput{Name: "Shadow"}, "web_form", "rec-2")
	require.NoError(t, err)

	assert.NotEqual(t, first.EntityID, second.EntityID, "unchipped cats are never merged at intake")
}

func TestResolveCatInvalidChipIgnored(t *testing.T) {
	ctx := context.Background()
	h := newHarness()

	// A run of one repeated digit is a data entry placeholder, not a chip
	result, err := h.service.ResolveCat(ctx, &models.CatInput{Name: "Patch", Microchip: "000000000"}, "clinic", "rec-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, result.Outcome)
	assert.Empty(t, h.entities.rows, "no identifier row for an invalid chip")
}

func TestResolvePlaceMatchesAcrossFormatting(t *testing.T) {
	ctx := context.Background()
	h := newHarness()

	first, err := h.service.ResolvePlace(ctx, &models.PlaceInput{Address: "123 Main Street"}, "web_form", "rec-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, first.Outcome)

	second, err := h.service.ResolvePlace(ctx, &models.PlaceInput{Address: "123 Main St."}, "hotline", "rec-2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeMatched, second.Outcome)
	assert.Equal(t, first.EntityID, second.EntityID)
}

func TestResolvePlaceUnitsAreDistinct(t *testing.T) {
	ctx := context.Background()
	h := newHarness()

	aptA, err := h.service.ResolvePlace(ctx, &models.PlaceInput{Address: "123 Main St Apt 4B"}, "web_form", "rec-1")
	require.NoError(t, err)
	aptB, err := h.service.ResolvePlace(ctx, &models.PlaceInput{Address: "123 Main St Apt 7"}, "web_form", "rec-2")
	require.NoError(t, err)

	assert.NotEqual(t, aptA.EntityID, aptB.EntityID, "different units are different places")
}

func TestResolvePlaceLowConfidenceFlagged(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.geocoder.results["99 Vague Rd"] = &models.GeocodeResult{
		Status:            models.GeocodeStatusPartial,
		NormalizedAddress: "99 vague rd",
		Precision:         "GEOMETRIC_CENTER",
		PartialMatch:      true,
		Confidence:        0.49,
	}

	result, err := h.service.ResolvePlace(ctx, &models.PlaceInput{Address: "99 Vague Rd"}, "web_form", "rec-1")
	require.NoError(t, err)

	assert.Equal(t, OutcomeCreated, result.Outcome)
	assert.True(t, result.NeedsReview)
}

func TestResolvePlaceDescriptionKept(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.geocoder.results["colony behind the feed store"] = &models.GeocodeResult{
		Status: models.GeocodeStatusDescribed,
	}

	result, err := h.service.ResolvePlace(ctx, &models.PlaceInput{
		Description: "colony behind the feed store",
	}, "web_form", "rec-1")
	require.NoError(t, err)

	assert.Equal(t, OutcomeCreated, result.Outcome)
	assert.False(t, result.NeedsReview, "described locations are expected, not errors")

	entity := h.entities.entities[0]
	data, err := entity.ParsePlaceData()
	require.NoError(t, err)
	assert.Equal(t, string(models.GeocodeStatusDescribed), data.GeocodeStatus)
}

func TestResolvePlaceEmptyRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.geocoder.results[""] = &models.GeocodeResult{Status: models.GeocodeStatusDescribed}

	result, err := h.service.ResolvePlace(ctx, &models.PlaceInput{}, "web_form", "rec-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, result.Outcome)
}
