package matching

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernhollow/registry/pkg/blocklist"
	"github.com/fernhollow/registry/pkg/models"
)

type fakeEntityStore struct {
	entities []models.Entity
}

func (f *fakeEntityStore) ListLiveByKind(ctx context.Context, kind models.EntityKind, afterID string, limit int) ([]models.Entity, error) {
	var out []models.Entity
	for _, e := range f.entities {
		if e.Kind == kind && e.IsLive() && e.ID > afterID {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeEntityStore) FindLiveByIdentifier(ctx context.Context, kind models.EntityKind, idType models.IdentifierType, value string) ([]models.Entity, error) {
	return nil, nil
}

func (f *fakeEntityStore) Get(ctx context.Context, id string) (*models.Entity, error) {
	for i := range f.entities {
		if f.entities[i].ID == id {
			return &f.entities[i], nil
		}
	}
	return nil, nil
}

type sharingEntityStore struct {
	fakeEntityStore
	byIdentifier map[string][]models.Entity
}

func (f *sharingEntityStore) FindLiveByIdentifier(ctx context.Context, kind models.EntityKind, idType models.IdentifierType, value string) ([]models.Entity, error) {
	return f.byIdentifier[string(idType)+"|"+value], nil
}

type fakeIdentifierStore struct {
	byEntity map[string][]models.Identifier
}

func (f *fakeIdentifierStore) ListByEntity(ctx context.Context, entityID string) ([]models.Identifier, error) {
	return f.byEntity[entityID], nil
}

func (f *fakeIdentifierStore) ListByEntities(ctx context.Context, entityIDs []string) (map[string][]models.Identifier, error) {
	out := map[string][]models.Identifier{}
	for _, id := range entityIDs {
		if rows, ok := f.byEntity[id]; ok {
			out[id] = rows
		}
	}
	return out, nil
}

type fakeLinkStore struct {
	links []models.EntityLink
}

func (f *fakeLinkStore) ListFrom(ctx context.Context, fromEntityID string, linkType models.LinkType) ([]models.EntityLink, error) {
	var out []models.EntityLink
	for _, l := range f.links {
		if l.FromEntityID == fromEntityID && l.LinkType == linkType {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeLinkStore) ListByEntity(ctx context.Context, entityID string) ([]models.EntityLink, error) {
	var out []models.EntityLink
	for _, l := range f.links {
		if l.FromEntityID == entityID || l.ToEntityID == entityID {
			out = append(out, l)
		}
	}
	return out, nil
}

type fakeCandidateStore struct {
	upserted []*models.MatchCandidate
}

func (f *fakeCandidateStore) Upsert(ctx context.Context, candidates []*models.MatchCandidate) error {
	f.upserted = append(f.upserted, candidates...)
	return nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func person(id, name string) models.Entity {
	return models.Entity{ID: id, Kind: models.EntityKindPerson, DisplayName: name}
}

func phoneID(entityID, value string) models.Identifier {
	return models.Identifier{EntityID: entityID, Type: models.IdentifierTypePhone, NormalizedValue: value}
}

func emailID(entityID, value string) models.Identifier {
	return models.Identifier{EntityID: entityID, Type: models.IdentifierTypeEmail, NormalizedValue: value}
}

func findPair(t *testing.T, candidates []*models.MatchCandidate, a, b string) *models.MatchCandidate {
	t.Helper()
	oa, ob := models.OrderPair(a, b)
	for _, c := range candidates {
		if c.EntityAID == oa && c.EntityBID == ob {
			return c
		}
	}
	return nil
}

func TestGenerateSharedPhoneStrongName(t *testing.T) {
	a := person("e-1", "Maria Garcia")
	b := person("e-2", "Maria Garcia")
	entities := &sharingEntityStore{
		fakeEntityStore: fakeEntityStore{entities: []models.Entity{a, b}},
		byIdentifier:    map[string][]models.Entity{"phone|5305550001": {a, b}},
	}
	identifiers := &fakeIdentifierStore{byEntity: map[string][]models.Identifier{
		"e-1": {phoneID("e-1", "5305550001")},
		"e-2": {phoneID("e-2", "5305550001")},
	}}
	candidates := &fakeCandidateStore{}
	generator := NewGenerator(entities, identifiers, &fakeLinkStore{}, candidates, GeneratorConfig{}, testLogger())

	_, err := generator.GenerateForEntity(context.Background(), "e-1", nil)
	require.NoError(t, err)

	pair := findPair(t, candidates.upserted, "e-1", "e-2")
	require.NotNil(t, pair)
	assert.InDelta(t, 0.95, pair.Score, 0.001)
	evidence := pair.Evidence.GetValue()
	assert.Equal(t, 1, evidence.Tier)
	assert.Contains(t, evidence.MatchedOn, "phone")
	assert.Contains(t, evidence.MatchedOn, "name")
}

func TestGenerateSharedEmailDissimilarName(t *testing.T) {
	a := person("e-1", "Maria Garcia")
	b := person("e-2", "Robert Chen")
	entities := &sharingEntityStore{
		fakeEntityStore: fakeEntityStore{entities: []models.Entity{a, b}},
		byIdentifier:    map[string][]models.Entity{"email|shared@example.com": {a, b}},
	}
	identifiers := &fakeIdentifierStore{byEntity: map[string][]models.Identifier{
		"e-1": {emailID("e-1", "shared@example.com")},
		"e-2": {emailID("e-2", "shared@example.com")},
	}}
	candidates := &fakeCandidateStore{}
	generator := NewGenerator(entities, identifiers, &fakeLinkStore{}, candidates, GeneratorConfig{}, testLogger())

	_, err := generator.GenerateForEntity(context.Background(), "e-1", nil)
	require.NoError(t, err)

	pair := findPair(t, candidates.upserted, "e-1", "e-2")
	require.NotNil(t, pair)
	evidence := pair.Evidence.GetValue()
	assert.Equal(t, 2, evidence.Tier)
	assert.GreaterOrEqual(t, pair.Score, 0.85)
	assert.Less(t, pair.Score, 0.95)
}

func TestGenerateBlockedValueDoesNotMatch(t *testing.T) {
	a := person("e-1", "Front Desk")
	b := person("e-2", "Adoption Team")
	entities := &sharingEntityStore{
		fakeEntityStore: fakeEntityStore{entities: []models.Entity{a, b}},
		byIdentifier:    map[string][]models.Entity{"phone|5305559999": {a, b}},
	}
	identifiers := &fakeIdentifierStore{byEntity: map[string][]models.Identifier{
		"e-1": {phoneID("e-1", "5305559999")},
		"e-2": {phoneID("e-2", "5305559999")},
	}}
	block := blocklist.NewSnapshot([]models.BlocklistEntry{
		{Type: models.IdentifierTypePhone, Value: "5305559999", Match: models.BlocklistMatchExact},
	})
	candidates := &fakeCandidateStore{}
	generator := NewGenerator(entities, identifiers, &fakeLinkStore{}, candidates, GeneratorConfig{}, testLogger())

	count, err := generator.GenerateForEntity(context.Background(), "e-1", block)
	require.NoError(t, err)
	assert.Zero(t, count, "the shelter's shared line must not suggest merges")
}

func TestGenerateConflictingStrongIDFlagged(t *testing.T) {
	a := person("c-1", "Marmalade")
	a.Kind = models.EntityKindCat
	b := person("c-2", "Marmalade")
	b.Kind = models.EntityKindCat
	entities := &sharingEntityStore{
		fakeEntityStore: fakeEntityStore{entities: []models.Entity{a, b}},
		byIdentifier:    map[string][]models.Entity{"phone|5305550001": {a, b}},
	}
	identifiers := &fakeIdentifierStore{byEntity: map[string][]models.Identifier{
		"c-1": {phoneID("c-1", "5305550001"), {EntityID: "c-1", Type: models.IdentifierTypeMicrochip, NormalizedValue: "985112003456789"}},
		"c-2": {phoneID("c-2", "5305550001"), {EntityID: "c-2", Type: models.IdentifierTypeMicrochip, NormalizedValue: "981020053891405"}},
	}}
	candidates := &fakeCandidateStore{}
	generator := NewGenerator(entities, identifiers, &fakeLinkStore{}, candidates, GeneratorConfig{}, testLogger())

	_, err := generator.GenerateForEntity(context.Background(), "c-1", nil)
	require.NoError(t, err)

	pair := findPair(t, candidates.upserted, "c-1", "c-2")
	require.NotNil(t, pair)
	assert.True(t, pair.Evidence.GetValue().ConflictingStrongID)
}

func TestGenerateSharedPlace(t *testing.T) {
	a := person("e-1", "Maria Garcia")
	b := person("e-2", "Maria G Garcia")
	place := models.Entity{ID: "p-1", Kind: models.EntityKindPlace, DisplayName: "123 Main St"}
	entities := &sharingEntityStore{
		fakeEntityStore: fakeEntityStore{entities: []models.Entity{a, b, place}},
	}
	identifiers := &fakeIdentifierStore{byEntity: map[string][]models.Identifier{}}
	links := &fakeLinkStore{links: []models.EntityLink{
		{ID: "l-1", FromEntityID: "e-1", ToEntityID: "p-1", LinkType: models.LinkTypeResidentOf},
		{ID: "l-2", FromEntityID: "e-2", ToEntityID: "p-1", LinkType: models.LinkTypeResidentOf},
	}}
	candidates := &fakeCandidateStore{}
	generator := NewGenerator(entities, identifiers, links, candidates, GeneratorConfig{}, testLogger())

	_, err := generator.GenerateForEntity(context.Background(), "e-1", nil)
	require.NoError(t, err)

	pair := findPair(t, candidates.upserted, "e-1", "e-2")
	require.NotNil(t, pair)
	evidence := pair.Evidence.GetValue()
	assert.Equal(t, "p-1", evidence.SharedPlaceID)
	assert.Equal(t, 3, evidence.Tier)
	assert.Greater(t, pair.Score, 0.70, "same household and near-identical name")
}

func TestGenerateDissimilarNamesDropped(t *testing.T) {
	a := person("e-1", "Maria Garcia")
	b := person("e-2", "Robert Chen")
	place := models.Entity{ID: "p-1", Kind: models.EntityKindPlace, DisplayName: "123 Main St"}
	entities := &sharingEntityStore{
		fakeEntityStore: fakeEntityStore{entities: []models.Entity{a, b, place}},
	}
	identifiers := &fakeIdentifierStore{byEntity: map[string][]models.Identifier{}}
	links := &fakeLinkStore{links: []models.EntityLink{
		{ID: "l-1", FromEntityID: "e-1", ToEntityID: "p-1", LinkType: models.LinkTypeResidentOf},
		{ID: "l-2", FromEntityID: "e-2", ToEntityID: "p-1", LinkType: models.LinkTypeResidentOf},
	}}
	candidates := &fakeCandidateStore{}
	generator := NewGenerator(entities, identifiers, links, candidates, GeneratorConfig{MinScore: 0.60}, testLogger())

	count, err := generator.GenerateForEntity(context.Background(), "e-1", nil)
	require.NoError(t, err)
	assert.Zero(t, count, "housemates with unrelated names are not duplicates")
}

func TestScanNameNeighborhood(t *testing.T) {
	entities := &fakeEntityStore{entities: []models.Entity{
		person("e-1", "Kathryn Smith"),
		person("e-2", "Katherine Smyth"),
		person("e-3", "Robert Chen"),
	}}
	identifiers := &fakeIdentifierStore{byEntity: map[string][]models.Identifier{}}
	candidates := &fakeCandidateStore{}
	generator := NewGenerator(entities, identifiers, &fakeLinkStore{}, candidates, GeneratorConfig{MinScore: 0.70}, testLogger())

	_, err := generator.Scan(context.Background(), models.EntityKindPerson, nil)
	require.NoError(t, err)

	pair := findPair(t, candidates.upserted, "e-1", "e-2")
	require.NotNil(t, pair, "sound-alike surnames should be compared")
	assert.Nil(t, findPair(t, candidates.upserted, "e-1", "e-3"))
	assert.Nil(t, findPair(t, candidates.upserted, "e-2", "e-3"))
}

func TestCapPerEntity(t *testing.T) {
	identifiers := &fakeIdentifierStore{byEntity: map[string][]models.Identifier{}}
	entityList := []models.Entity{person("hub", "Alex Jones")}
	shared := map[string][]models.Entity{}
	var hubIdentifiers []models.Identifier
	// One phone shared with ten other entities
	var others []models.Entity
	for i := 0; i < 10; i++ {
		id := string(rune('a'+i)) + "-spoke"
		e := person(id, "Alex Jones")
		others = append(others, e)
		entityList = append(entityList, e)
		identifiers.byEntity[id] = []models.Identifier{phoneID(id, "5305550001")}
	}
	hubIdentifiers = append(hubIdentifiers, phoneID("hub", "5305550001"))
	identifiers.byEntity["hub"] = hubIdentifiers
	shared["phone|5305550001"] = append([]models.Entity{person("hub", "Alex Jones")}, others...)

	entities := &sharingEntityStore{
		fakeEntityStore: fakeEntityStore{entities: entityList},
		byIdentifier:    shared,
	}
	candidates := &fakeCandidateStore{}
	generator := NewGenerator(entities, identifiers, &fakeLinkStore{}, candidates, GeneratorConfig{MaxPerEntity: 5}, testLogger())

	count, err := generator.GenerateForEntity(context.Background(), "hub", nil)
	require.NoError(t, err)
	assert.Equal(t, 5, count, "one noisy shared value must not flood the queue")
}
