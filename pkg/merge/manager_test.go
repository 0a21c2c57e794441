package merge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernhollow/registry/pkg/database"
	"github.com/fernhollow/registry/pkg/models"
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

type fakeEntityStore struct {
	entities map[string]*models.Entity
}

func (f *fakeEntityStore) Get(ctx context.Context, id string) (*models.Entity, error) {
	e, ok := f.entities[id]
	if !ok {
		return nil, fmt.Errorf("entity %s not found", id)
	}
	copied := *e
	return &copied, nil
}

func (f *fakeEntityStore) Create(ctx context.Context, entity *models.Entity) (*models.Entity, error) {
	entity.ID = fmt.Sprintf("split-%d", len(f.entities)+1)
	copied := *entity
	f.entities[entity.ID] = &copied
	return entity, nil
}

func (f *fakeEntityStore) UpdateData(ctx context.Context, id string, displayName string, data json.RawMessage) error {
	e, ok := f.entities[id]
	if !ok {
		return fmt.Errorf("entity %s not found", id)
	}
	e.DisplayName = displayName
	e.Data = data
	return nil
}

func (f *fakeEntityStore) LockForMerge(ctx context.Context, winnerID, loserID string) (*models.Entity, *models.Entity, error) {
	winner, err := f.Get(ctx, winnerID)
	if err != nil {
		return nil, nil, err
	}
	loser, err := f.Get(ctx, loserID)
	if err != nil {
		return nil, nil, err
	}
	return winner, loser, nil
}

func (f *fakeEntityStore) SetMergedInto(ctx context.Context, id string, mergedInto *string) error {
	f.entities[id].MergedInto = mergedInto
	return nil
}

func (f *fakeEntityStore) RepointMergedInto(ctx context.Context, from, to string) ([]string, error) {
	var repointed []string
	for id, e := range f.entities {
		if e.MergedInto != nil && *e.MergedInto == from {
			target := to
			e.MergedInto = &target
			repointed = append(repointed, id)
		}
	}
	return repointed, nil
}

type fakeIdentifierStore struct {
	rows []models.Identifier
}

func (f *fakeIdentifierStore) ListByEntity(ctx context.Context, entityID string) ([]models.Identifier, error) {
	var out []models.Identifier
	for _, row := range f.rows {
		if row.EntityID == entityID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeIdentifierStore) Repoint(ctx context.Context, from, to string) ([]string, error) {
	owned := map[string]bool{}
	for _, row := range f.rows {
		if row.EntityID == to {
			owned[string(row.Type)+"|"+row.NormalizedValue] = true
		}
	}
	var moved []string
	for i := range f.rows {
		row := &f.rows[i]
		if row.EntityID != from || owned[string(row.Type)+"|"+row.NormalizedValue] {
			continue
		}
		row.EntityID = to
		moved = append(moved, row.ID)
	}
	return moved, nil
}

func (f *fakeIdentifierStore) RepointByIDs(ctx context.Context, ids []string, to string) error {
	idSet := map[string]bool{}
	for _, id := range ids {
		idSet[id] = true
	}
	for i := range f.rows {
		if idSet[f.rows[i].ID] {
			f.rows[i].EntityID = to
		}
	}
	return nil
}

type fakeLinkStore struct {
	rows []models.EntityLink
}

func (f *fakeLinkStore) ListByEntity(ctx context.Context, entityID string) ([]models.EntityLink, error) {
	var out []models.EntityLink
	for _, row := range f.rows {
		if row.FromEntityID == entityID || row.ToEntityID == entityID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeLinkStore) has(from, to string, linkType models.LinkType) bool {
	for _, row := range f.rows {
		if row.FromEntityID == from && row.ToEntityID == to && row.LinkType == linkType {
			return true
		}
	}
	return false
}

func (f *fakeLinkStore) Repoint(ctx context.Context, from, to string) ([]string, error) {
	var moved []string
	for i := range f.rows {
		row := &f.rows[i]
		if row.FromEntityID == from && !f.has(to, row.ToEntityID, row.LinkType) {
			row.FromEntityID = to
			moved = append(moved, row.ID)
		}
	}
	for i := range f.rows {
		row := &f.rows[i]
		if row.ToEntityID == from && !f.has(row.FromEntityID, to, row.LinkType) {
			row.ToEntityID = to
			moved = append(moved, row.ID)
		}
	}
	return moved, nil
}

func (f *fakeLinkStore) RepointByIDs(ctx context.Context, ids []string, from, to string) error {
	idSet := map[string]bool{}
	for _, id := range ids {
		idSet[id] = true
	}
	for i := range f.rows {
		row := &f.rows[i]
		if !idSet[row.ID] {
			continue
		}
		if row.FromEntityID == from {
			row.FromEntityID = to
		}
		if row.ToEntityID == from {
			row.ToEntityID = to
		}
	}
	return nil
}

func (f *fakeLinkStore) DeleteByIDs(ctx context.Context, ids []string) error {
	idSet := map[string]bool{}
	for _, id := range ids {
		idSet[id] = true
	}
	var kept []models.EntityLink
	for _, row := range f.rows {
		if !idSet[row.ID] {
			kept = append(kept, row)
		}
	}
	f.rows = kept
	return nil
}

func (f *fakeLinkStore) Restore(ctx context.Context, links []models.EntityLink) error {
	for _, link := range links {
		if !f.has(link.FromEntityID, link.ToEntityID, link.LinkType) {
			f.rows = append(f.rows, link)
		}
	}
	return nil
}

type fakeFieldSourceStore struct {
	rows []models.FieldSource
}

func (f *fakeFieldSourceStore) ListByEntity(ctx context.Context, entityID string) ([]models.FieldSource, error) {
	var out []models.FieldSource
	for _, row := range f.rows {
		if row.EntityID == entityID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeFieldSourceStore) Repoint(ctx context.Context, from, to string) ([]string, error) {
	var moved []string
	for i := range f.rows {
		if f.rows[i].EntityID == from {
			f.rows[i].EntityID = to
			moved = append(moved, f.rows[i].ID)
		}
	}
	return moved, nil
}

func (f *fakeFieldSourceStore) RepointByIDs(ctx context.Context, ids []string, to string) error {
	idSet := map[string]bool{}
	for _, id := range ids {
		idSet[id] = true
	}
	for i := range f.rows {
		if idSet[f.rows[i].ID] {
			f.rows[i].EntityID = to
		}
	}
	return nil
}

type fakeRecordStore struct {
	records []*models.MergeRecord
	clock   time.Time
}

func (f *fakeRecordStore) Create(ctx context.Context, record *models.MergeRecord) (*models.MergeRecord, error) {
	record.ID = fmt.Sprintf("mr-%d", len(f.records)+1)
	f.clock = f.clock.Add(time.Minute)
	record.CreatedAt = f.clock
	f.records = append(f.records, record)
	return record, nil
}

func (f *fakeRecordStore) Get(ctx context.Context, id string) (*models.MergeRecord, error) {
	for _, record := range f.records {
		if record.ID == id {
			return record, nil
		}
	}
	return nil, fmt.Errorf("merge record %s not found", id)
}

func (f *fakeRecordStore) ListByEntity(ctx context.Context, entityID string) ([]models.MergeRecord, error) {
	var out []models.MergeRecord
	for i := len(f.records) - 1; i >= 0; i-- {
		record := f.records[i]
		if record.WinnerID == entityID || record.LoserID == entityID {
			out = append(out, *record)
		}
	}
	return out, nil
}

func (f *fakeRecordStore) HasDependents(ctx context.Context, winnerID, loserID string, after time.Time) (bool, error) {
	for _, record := range f.records {
		if record.Reversed || !record.CreatedAt.After(after) {
			continue
		}
		if record.WinnerID == winnerID || record.WinnerID == loserID || record.LoserID == winnerID || record.LoserID == loserID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRecordStore) MarkReversed(ctx context.Context, id string) error {
	record, err := f.Get(context.Background(), id)
	if err != nil {
		return err
	}
	record.Reversed = true
	now := time.Now().UTC()
	record.ReversedAt = &now
	return nil
}

type fakeCandidateStore struct {
	expired []string
}

func (f *fakeCandidateStore) ExpireForEntity(ctx context.Context, entityID string) error {
	f.expired = append(f.expired, entityID)
	return nil
}

type harness struct {
	manager      *Manager
	entities     *fakeEntityStore
	identifiers  *fakeIdentifierStore
	links        *fakeLinkStore
	fieldSources *fakeFieldSourceStore
	records      *fakeRecordStore
	candidates   *fakeCandidateStore
}

func newHarness() *harness {
	h := &harness{
		entities:     &fakeEntityStore{entities: map[string]*models.Entity{}},
		identifiers:  &fakeIdentifierStore{},
		links:        &fakeLinkStore{},
		fieldSources: &fakeFieldSourceStore{},
		records:      &fakeRecordStore{clock: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		candidates:   &fakeCandidateStore{},
	}
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	h.manager = NewManager(fakeDB{}, h.entities, h.identifiers, h.links, h.fieldSources, h.records, h.candidates, logger)
	return h
}

func (h *harness) addPerson(id, name string) {
	h.entities.entities[id] = &models.Entity{ID: id, Kind: models.EntityKindPerson, DisplayName: name}
}

func TestMergeMovesOwnership(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.addPerson("winner", "Maria Garcia")
	h.addPerson("loser", "Maria G Garcia")
	h.identifiers.rows = []models.Identifier{
		{ID: "i-1", EntityID: "winner", Type: models.IdentifierTypeEmail, NormalizedValue: "maria@example.com"},
		{ID: "i-2", EntityID: "loser", Type: models.IdentifierTypeEmail, NormalizedValue: "maria@example.com"},
		{ID: "i-3", EntityID: "loser", Type: models.IdentifierTypePhone, NormalizedValue: "5305550001"},
	}
	h.links.rows = []models.EntityLink{
		{ID: "l-1", FromEntityID: "loser", ToEntityID: "place-1", LinkType: models.LinkTypeResidentOf},
	}
	h.fieldSources.rows = []models.FieldSource{
		{ID: "fs-1", EntityID: "loser", Field: "phone", Value: "5305550001"},
	}

	record, err := h.manager.Merge(ctx, "winner", "loser", "review accepted", "operator")
	require.NoError(t, err)

	assert.NotNil(t, h.entities.entities["loser"].MergedInto)
	assert.Equal(t, "winner", *h.entities.entities["loser"].MergedInto)

	// The duplicate email stays behind; the phone moves
	snapshot := record.Snapshot.GetValue()
	assert.Equal(t, []string{"i-3"}, snapshot.MovedIdentifierIDs)
	assert.Equal(t, []string{"l-1"}, snapshot.MovedLinkIDs)
	assert.Equal(t, []string{"fs-1"}, snapshot.MovedFieldSourceIDs)
	assert.Len(t, snapshot.Identifiers, 2, "snapshot keeps the full pre-merge identifier set")

	moved, _ := h.identifiers.ListByEntity(ctx, "winner")
	assert.Len(t, moved, 2)
	assert.Equal(t, []string{"loser"}, h.candidates.expired)
}

func TestMergeRejectsKindMismatch(t *testing.T) {
	h := newHarness()
	h.addPerson("winner", "Maria Garcia")
	h.entities.entities["place"] = &models.Entity{ID: "place", Kind: models.EntityKindPlace, DisplayName: "123 Main St"}

	_, err := h.manager.Merge(context.Background(), "winner", "place", "", "operator")
	require.Error(t, err)
}

func TestMergeRejectsSelfMerge(t *testing.T) {
	h := newHarness()
	h.addPerson("e-1", "Maria Garcia")

	_, err := h.manager.Merge(context.Background(), "e-1", "e-1", "", "operator")
	require.Error(t, err)
}

func TestMergeRejectsAlreadyMergedLoser(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.addPerson("a", "Maria Garcia")
	h.addPerson("b", "Maria G Garcia")
	h.addPerson("c", "M Garcia")

	_, err := h.manager.Merge(ctx, "a", "b", "", "operator")
	require.NoError(t, err)

	_, err = h.manager.Merge(ctx, "c", "b", "", "operator")
	require.Error(t, err, "a tombstoned entity cannot lose again")
}

func TestMergeCompressesChains(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.addPerson("a", "Maria Garcia")
	h.addPerson("b", "Maria G Garcia")
	h.addPerson("c", "M Garcia")

	_, err := h.manager.Merge(ctx, "b", "a", "", "operator")
	require.NoError(t, err)

	record, err := h.manager.Merge(ctx, "c", "b", "", "operator")
	require.NoError(t, err)

	// a pointed at b; after b loses to c, a points straight at c
	assert.Equal(t, "c", *h.entities.entities["a"].MergedInto)
	assert.Equal(t, "c", *h.entities.entities["b"].MergedInto)
	assert.Equal(t, []string{"a"}, record.Snapshot.GetValue().RepointedFrom)
}

func TestUndoRestoresLoser(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.addPerson("winner", "Maria Garcia")
	h.addPerson("loser", "Maria G Garcia")
	h.identifiers.rows = []models.Identifier{
		{ID: "i-1", EntityID: "loser", Type: models.IdentifierTypePhone, NormalizedValue: "5305550001"},
	}
	h.links.rows = []models.EntityLink{
		{ID: "l-1", FromEntityID: "loser", ToEntityID: "place-1", LinkType: models.LinkTypeResidentOf},
	}

	record, err := h.manager.Merge(ctx, "winner", "loser", "", "operator")
	require.NoError(t, err)

	reversed, err := h.manager.Undo(ctx, record.ID)
	require.NoError(t, err)
	assert.True(t, reversed.Reversed)

	assert.Nil(t, h.entities.entities["loser"].MergedInto)
	restored, _ := h.identifiers.ListByEntity(ctx, "loser")
	require.Len(t, restored, 1)
	assert.Equal(t, "i-1", restored[0].ID)
	links, _ := h.links.ListByEntity(ctx, "loser")
	require.Len(t, links, 1)
	assert.Equal(t, "loser", links[0].FromEntityID)
}

func TestUndoRestoresCompressedChain(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.addPerson("a", "Maria Garcia")
	h.addPerson("b", "Maria G Garcia")
	h.addPerson("c", "M Garcia")

	_, err := h.manager.Merge(ctx, "b", "a", "", "operator")
	require.NoError(t, err)
	record, err := h.manager.Merge(ctx, "c", "b", "", "operator")
	require.NoError(t, err)

	_, err = h.manager.Undo(ctx, record.ID)
	require.NoError(t, err)

	assert.Nil(t, h.entities.entities["b"].MergedInto)
	assert.Equal(t, "b", *h.entities.entities["a"].MergedInto, "the compressed pointer returns to the restored loser")
}

func TestUndoRefusedWhileDependentsExist(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.addPerson("a", "Maria Garcia")
	h.addPerson("b", "Maria G Garcia")
	h.addPerson("c", "M Garcia")

	first, err := h.manager.Merge(ctx, "a", "b", "", "operator")
	require.NoError(t, err)
	second, err := h.manager.Merge(ctx, "a", "c", "", "operator")
	require.NoError(t, err)

	_, err = h.manager.Undo(ctx, first.ID)
	assert.ErrorIs(t, err, ErrMergeHasDependents)

	// Newest first works
	_, err = h.manager.Undo(ctx, second.ID)
	require.NoError(t, err)
	_, err = h.manager.Undo(ctx, first.ID)
	require.NoError(t, err)
}

func TestUndoTwiceRefused(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.addPerson("a", "Maria Garcia")
	h.addPerson("b", "Maria G Garcia")

	record, err := h.manager.Merge(ctx, "a", "b", "", "operator")
	require.NoError(t, err)

	_, err = h.manager.Undo(ctx, record.ID)
	require.NoError(t, err)
	_, err = h.manager.Undo(ctx, record.ID)
	require.Error(t, err)
}

func TestSplitMovesSourceSystemSubset(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.addPerson("a", "Maria Garcia")
	h.identifiers.rows = []models.Identifier{
		{ID: "i-1", EntityID: "a", Type: models.IdentifierTypeEmail, NormalizedValue: "maria@example.com", SourceSystem: "web_form"},
		{ID: "i-2", EntityID: "a", Type: models.IdentifierTypePhone, NormalizedValue: "5305550001", SourceSystem: "clinic"},
	}
	h.links.rows = []models.EntityLink{
		{ID: "l-1", FromEntityID: "a", ToEntityID: "place-1", LinkType: models.LinkTypeResidentOf, SourceSystem: "clinic"},
		{ID: "l-2", FromEntityID: "a", ToEntityID: "place-2", LinkType: models.LinkTypeResidentOf, SourceSystem: "web_form"},
	}
	h.fieldSources.rows = []models.FieldSource{
		{ID: "fs-1", EntityID: "a", Field: "name", Value: "Maria Garcia", SourceSystem: "web_form", AssertedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "fs-2", EntityID: "a", Field: "name", Value: "Mary Garcia", SourceSystem: "clinic", AssertedAt: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
	}

	created, err := h.manager.Split(ctx, "a", SplitCriteria{SourceSystem: "clinic"})
	require.NoError(t, err)
	require.NotNil(t, created)

	// The clinic's identifier, link, and assertion follow the new entity
	movedIdentifiers, _ := h.identifiers.ListByEntity(ctx, created.ID)
	require.Len(t, movedIdentifiers, 1)
	assert.Equal(t, "i-2", movedIdentifiers[0].ID)

	movedLinks, _ := h.links.ListByEntity(ctx, created.ID)
	require.Len(t, movedLinks, 1)
	assert.Equal(t, "l-1", movedLinks[0].ID)
	assert.Equal(t, created.ID, movedLinks[0].FromEntityID)

	// Display names re-derived on both sides from what each retains
	assert.Equal(t, "Mary Garcia", h.entities.entities[created.ID].DisplayName)
	assert.Equal(t, "Maria Garcia", h.entities.entities["a"].DisplayName)

	kept, _ := h.identifiers.ListByEntity(ctx, "a")
	require.Len(t, kept, 1)
	assert.Equal(t, "i-1", kept[0].ID)
}

func TestSplitExplicitIDsAndName(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.addPerson("a", "Maria Garcia")
	h.identifiers.rows = []models.Identifier{
		{ID: "i-1", EntityID: "a", Type: models.IdentifierTypeEmail, NormalizedValue: "maria@example.com"},
		{ID: "i-2", EntityID: "a", Type: models.IdentifierTypePhone, NormalizedValue: "5305550001"},
	}

	created, err := h.manager.Split(ctx, "a", SplitCriteria{
		IdentifierIDs: []string{"i-2"},
		DisplayName:   "Maria at the Colony",
	})
	require.NoError(t, err)
	assert.Equal(t, "Maria at the Colony", h.entities.entities[created.ID].DisplayName)

	moved, _ := h.identifiers.ListByEntity(ctx, created.ID)
	require.Len(t, moved, 1)
	assert.Equal(t, "i-2", moved[0].ID)
}

func TestSplitRefusesEmptyCriteria(t *testing.T) {
	h := newHarness()
	h.addPerson("a", "Maria Garcia")

	_, err := h.manager.Split(context.Background(), "a", SplitCriteria{})
	require.Error(t, err)
}

func TestSplitRefusesMovingEverything(t *testing.T) {
	h := newHarness()
	h.addPerson("a", "Maria Garcia")
	h.identifiers.rows = []models.Identifier{
		{ID: "i-1", EntityID: "a", Type: models.IdentifierTypeEmail, NormalizedValue: "maria@example.com", SourceSystem: "clinic"},
	}

	_, err := h.manager.Split(context.Background(), "a", SplitCriteria{SourceSystem: "clinic"})
	require.Error(t, err, "the source entity must retain something")
}

func TestSplitRefusesMergedEntity(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.addPerson("a", "Maria Garcia")
	h.addPerson("b", "Maria G Garcia")
	h.identifiers.rows = []models.Identifier{
		{ID: "i-1", EntityID: "b", Type: models.IdentifierTypePhone, NormalizedValue: "5305550001", SourceSystem: "clinic"},
	}

	_, err := h.manager.Merge(ctx, "a", "b", "", "operator")
	require.NoError(t, err)

	_, err = h.manager.Split(ctx, "b", SplitCriteria{SourceSystem: "clinic"})
	require.Error(t, err, "tombstoned entities are undone, not split")
}
