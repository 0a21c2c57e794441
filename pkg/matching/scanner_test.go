package matching

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernhollow/registry/pkg/database"
	"github.com/fernhollow/registry/pkg/decision"
	"github.com/fernhollow/registry/pkg/models"
)

type fakeDecisionStore struct {
	pending  []models.MatchCandidate
	tiers    map[string]models.DecisionTier
	statuses map[string]models.MatchCandidateStatus
	actors   map[string]string
}

func newFakeDecisionStore(pending ...models.MatchCandidate) *fakeDecisionStore {
	return &fakeDecisionStore{
		pending:  pending,
		tiers:    map[string]models.DecisionTier{},
		statuses: map[string]models.MatchCandidateStatus{},
		actors:   map[string]string{},
	}
}

func (f *fakeDecisionStore) ListPending(ctx context.Context, kind models.EntityKind, tier models.DecisionTier, limit int) ([]models.MatchCandidate, error) {
	return f.pending, nil
}

func (f *fakeDecisionStore) SetTier(ctx context.Context, id string, tier models.DecisionTier) error {
	f.tiers[id] = tier
	return nil
}

func (f *fakeDecisionStore) UpdateStatus(ctx context.Context, id string, status models.MatchCandidateStatus, resolvedBy string) error {
	f.statuses[id] = status
	f.actors[id] = resolvedBy
	return nil
}

type fakeAgeStore struct {
	entities map[string]*models.Entity
}

func (f *fakeAgeStore) Get(ctx context.Context, id string) (*models.Entity, error) {
	return f.entities[id], nil
}

type fakeBlocklistStore struct {
	entries []models.BlocklistEntry
}

func (f fakeBlocklistStore) List(ctx context.Context) ([]models.BlocklistEntry, error) {
	return f.entries, nil
}

type fakeMerger struct {
	merges [][2]string
}

func (f *fakeMerger) Merge(ctx context.Context, winnerID, loserID, reason, createdBy string) (*models.MergeRecord, error) {
	f.merges = append(f.merges, [2]string{winnerID, loserID})
	return &models.MergeRecord{WinnerID: winnerID, LoserID: loserID}, nil
}

func candidateWith(id string, evidence models.MatchEvidence) models.MatchCandidate {
	return models.MatchCandidate{
		ID:        id,
		Kind:      models.EntityKindPerson,
		EntityAID: "e-1",
		EntityBID: "e-2",
		Status:    models.MatchCandidateStatusPending,
		Evidence:  database.JSONB[models.MatchEvidence]{Data: evidence},
	}
}

func newTestScanner(store *fakeDecisionStore, ages *fakeAgeStore, merger *fakeMerger, autoMerge bool) *Scanner {
	generator := NewGenerator(&fakeEntityStore{}, &fakeIdentifierStore{byEntity: map[string][]models.Identifier{}}, &fakeLinkStore{}, &fakeCandidateStore{}, GeneratorConfig{}, testLogger())
	engine := decision.NewEngine(decision.Config{AutoMergeEnabled: autoMerge})
	return NewScanner(
		ScannerConfig{AutoMergeEnabled: autoMerge},
		generator, store, ages, fakeBlocklistStore{}, engine, merger, testLogger(),
	)
}

func agePair(olderID, newerID string) *fakeAgeStore {
	return &fakeAgeStore{entities: map[string]*models.Entity{
		olderID: {ID: olderID, CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		newerID: {ID: newerID, CreatedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
	}}
}

func TestScannerRejectsConflictingStrongIDs(t *testing.T) {
	store := newFakeDecisionStore(candidateWith("mc-1", models.MatchEvidence{
		ConflictingStrongID: true,
		NameSimilarity:      1.0,
	}))
	merger := &fakeMerger{}
	scanner := newTestScanner(store, agePair("e-1", "e-2"), merger, true)

	scanner.RunCycle(context.Background())

	assert.Equal(t, models.MatchCandidateStatusRejected, store.statuses["mc-1"])
	assert.Equal(t, systemActor, store.actors["mc-1"])
	assert.Empty(t, merger.merges)
}

func TestScannerAutoMergesIntoOlderEntity(t *testing.T) {
	store := newFakeDecisionStore(candidateWith("mc-1", models.MatchEvidence{
		SharedIdentifiers: []models.SharedIdentifier{{Type: models.IdentifierTypeMicrochip, NormalizedValue: "981020053891405"}},
	}))
	merger := &fakeMerger{}
	scanner := newTestScanner(store, agePair("e-2", "e-1"), merger, true)

	scanner.RunCycle(context.Background())

	require.Len(t, merger.merges, 1)
	assert.Equal(t, "e-2", merger.merges[0][0])
	assert.Equal(t, "e-1", merger.merges[0][1])
	assert.Equal(t, models.DecisionTierAutoMerge, store.tiers["mc-1"])
	assert.Equal(t, models.MatchCandidateStatusAccepted, store.statuses["mc-1"], "the driving candidate must not read as stale")
	assert.Equal(t, systemActor, store.actors["mc-1"])
}

func TestScannerRoutesToReviewWhenAutoMergeDisabled(t *testing.T) {
	store := newFakeDecisionStore(candidateWith("mc-1", models.MatchEvidence{
		SharedIdentifiers: []models.SharedIdentifier{{Type: models.IdentifierTypeMicrochip, NormalizedValue: "981020053891405"}},
	}))
	merger := &fakeMerger{}
	scanner := newTestScanner(store, agePair("e-1", "e-2"), merger, false)

	scanner.RunCycle(context.Background())

	assert.Empty(t, merger.merges)
	assert.Equal(t, models.DecisionTierReview, store.tiers["mc-1"])
	assert.Empty(t, store.statuses)
}

func TestScannerUncorroboratedWeakMatchStaysPendingForReview(t *testing.T) {
	store := newFakeDecisionStore(candidateWith("mc-1", models.MatchEvidence{
		SharedIdentifiers: []models.SharedIdentifier{{Type: models.IdentifierTypePhone, NormalizedValue: "5305550001"}},
		NameSimilarity:    0.65,
	}))
	merger := &fakeMerger{}
	scanner := newTestScanner(store, agePair("e-1", "e-2"), merger, true)

	scanner.RunCycle(context.Background())

	assert.Empty(t, merger.merges)
	assert.Equal(t, models.DecisionTierReview, store.tiers["mc-1"])
	assert.Empty(t, store.statuses)
}

func TestScannerSkipsRetieringReviewedCandidates(t *testing.T) {
	candidate := candidateWith("mc-1", models.MatchEvidence{NameSimilarity: 0.85})
	candidate.Tier = models.DecisionTierReview
	store := newFakeDecisionStore(candidate)
	scanner := newTestScanner(store, agePair("e-1", "e-2"), &fakeMerger{}, true)

	scanner.RunCycle(context.Background())

	assert.Empty(t, store.tiers)
}

func TestScannerRejectsFreshlyBlocklistedIdentifier(t *testing.T) {
	// The candidate was generated before the phone landed on the blocklist;
	// the decision pass still has to veto it
	store := newFakeDecisionStore(candidateWith("mc-1", models.MatchEvidence{
		SharedIdentifiers: []models.SharedIdentifier{{Type: models.IdentifierTypePhone, NormalizedValue: "5305550001"}},
		NameSimilarity:    0.95,
	}))
	merger := &fakeMerger{}
	generator := NewGenerator(&fakeEntityStore{}, &fakeIdentifierStore{byEntity: map[string][]models.Identifier{}}, &fakeLinkStore{}, &fakeCandidateStore{}, GeneratorConfig{}, testLogger())
	engine := decision.NewEngine(decision.Config{AutoMergeEnabled: true})
	blocklists := fakeBlocklistStore{entries: []models.BlocklistEntry{
		{Type: models.IdentifierTypePhone, Value: "5305550001"},
	}}
	scanner := NewScanner(
		ScannerConfig{AutoMergeEnabled: true},
		generator, store, agePair("e-1", "e-2"), blocklists, engine, merger, testLogger(),
	)

	scanner.RunCycle(context.Background())

	assert.Equal(t, models.MatchCandidateStatusRejected, store.statuses["mc-1"])
	assert.Empty(t, merger.merges)
}

func TestScannerExpiresCandidateWhenSideAlreadyMerged(t *testing.T) {
	store := newFakeDecisionStore(candidateWith("mc-1", models.MatchEvidence{
		SharedIdentifiers: []models.SharedIdentifier{{Type: models.IdentifierTypeMicrochip, NormalizedValue: "981020053891405"}},
	}))
	merger := &fakeMerger{}
	ages := agePair("e-1", "e-2")
	winner := "e-9"
	ages.entities["e-2"].MergedInto = &winner
	scanner := newTestScanner(store, ages, merger, true)

	scanner.RunCycle(context.Background())

	assert.Equal(t, models.MatchCandidateStatusExpired, store.statuses["mc-1"])
	assert.Empty(t, merger.merges)
}

func TestScannerStartStop(t *testing.T) {
	store := newFakeDecisionStore()
	scanner := newTestScanner(store, agePair("e-1", "e-2"), &fakeMerger{}, true)

	ctx := context.Background()
	scanner.Start(ctx)
	require.NoError(t, scanner.Stop(ctx))
	require.NoError(t, scanner.Stop(ctx))
}
