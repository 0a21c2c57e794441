package survivorship

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernhollow/registry/pkg/models"
)

func assertion(field, value, source string, assertedAt time.Time) models.FieldSource {
	return models.FieldSource{
		Field:        field,
		Value:        value,
		SourceSystem: source,
		AssertedAt:   assertedAt,
	}
}

func TestResolveMostRecentWinsWithoutPriorities(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	assertions := []models.FieldSource{
		assertion("phone", "5305550001", "web_form", base),
		assertion("phone", "5305550002", "clinic", base.Add(time.Hour)),
	}

	winner := Resolve(assertions, nil)
	require.NotNil(t, winner)
	assert.Equal(t, "5305550002", winner.Value)
}

func TestResolvePriorityBeatsRecency(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	assertions := []models.FieldSource{
		assertion("altered_status", "intact", "web_form", base.Add(time.Hour)),
		assertion("altered_status", "neutered", "clinic", base),
	}
	priorities := map[string]int{
		priorityKey("altered_status", "clinic"):   1,
		priorityKey("altered_status", "web_form"): 5,
	}

	winner := Resolve(assertions, priorities)
	require.NotNil(t, winner)
	assert.Equal(t, "neutered", winner.Value, "clinic is authoritative for clinical fields")
}

func TestResolveManualOverrideBeatsEverything(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	override := assertion("display_name", "Marmalade", "operator", base)
	override.ManualOverride = true
	assertions := []models.FieldSource{
		assertion("display_name", "Unknown Orange", "clinic", base.Add(48*time.Hour)),
		override,
	}
	priorities := map[string]int{
		priorityKey("display_name", "clinic"): 1,
	}

	winner := Resolve(assertions, priorities)
	require.NotNil(t, winner)
	assert.Equal(t, "Marmalade", winner.Value)
}

func TestResolveUnrankedSourceLosesToRanked(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	assertions := []models.FieldSource{
		assertion("email", "new@example.com", "unknown_import", base.Add(time.Hour)),
		assertion("email", "old@example.com", "clinic", base),
	}
	priorities := map[string]int{
		priorityKey("email", "clinic"): 3,
	}

	winner := Resolve(assertions, priorities)
	require.NotNil(t, winner)
	assert.Equal(t, "old@example.com", winner.Value)
}

func TestResolveEmpty(t *testing.T) {
	assert.Nil(t, Resolve(nil, nil))
}

type fakeAssertionStore struct {
	assertions []models.FieldSource
}

func (f *fakeAssertionStore) Append(ctx context.Context, a *models.FieldSource) (*models.FieldSource, error) {
	f.assertions = append(f.assertions, *a)
	return a, nil
}

func (f *fakeAssertionStore) ListByEntity(ctx context.Context, entityID string) ([]models.FieldSource, error) {
	var out []models.FieldSource
	for _, a := range f.assertions {
		if a.EntityID == entityID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAssertionStore) ListByEntityField(ctx context.Context, entityID, field string) ([]models.FieldSource, error) {
	var out []models.FieldSource
	for _, a := range f.assertions {
		if a.EntityID == entityID && a.Field == field {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAssertionStore) ListConflictedFields(ctx context.Context, entityID string) ([]string, error) {
	values := map[string]map[string]bool{}
	for _, a := range f.assertions {
		if a.EntityID != entityID {
			continue
		}
		if values[a.Field] == nil {
			values[a.Field] = map[string]bool{}
		}
		values[a.Field][a.Value] = true
	}
	var fields []string
	for field, vals := range values {
		if len(vals) > 1 {
			fields = append(fields, field)
		}
	}
	return fields, nil
}

type fakePriorityStore struct {
	rows []models.SourcePriority
}

func (f *fakePriorityStore) List(ctx context.Context) ([]models.SourcePriority, error) {
	return f.rows, nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestServiceClinicRecordCorrectsWebForm(t *testing.T) {
	// A caretaker reports a cat as spayed on the web form; the clinic record
	// from the actual procedure says neutered. The clinic value survives, and
	// the disagreement is visible as a conflict.
	ctx := context.Background()
	store := &fakeAssertionStore{}
	priorities := &fakePriorityStore{rows: []models.SourcePriority{
		{Field: "altered_status", SourceSystem: "clinic", Priority: 1},
		{Field: "altered_status", SourceSystem: "web_form", Priority: 5},
	}}
	service := NewService(store, priorities, testLogger())

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, service.RecordAssertion(ctx, &models.FieldSource{
		EntityID: "cat-1", Field: "altered_status", Value: "spayed",
		SourceSystem: "web_form", AssertedAt: base.Add(time.Hour),
	}))
	require.NoError(t, service.RecordAssertion(ctx, &models.FieldSource{
		EntityID: "cat-1", Field: "altered_status", Value: "neutered",
		SourceSystem: "clinic", AssertedAt: base,
	}))

	winner, err := service.ResolveField(ctx, "cat-1", "altered_status")
	require.NoError(t, err)
	require.NotNil(t, winner)
	assert.Equal(t, "neutered", winner.Value)

	conflicts, err := service.Conflicts(ctx, "cat-1")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "altered_status", conflicts[0].Field)
	assert.Equal(t, "neutered", conflicts[0].Resolved)
	assert.Len(t, conflicts[0].Assertions, 2)
}

func TestServiceResolveEntity(t *testing.T) {
	ctx := context.Background()
	store := &fakeAssertionStore{}
	service := NewService(store, &fakePriorityStore{}, testLogger())

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, service.RecordAssertion(ctx, &models.FieldSource{
		EntityID: "p-1", Field: "phone", Value: "5305550001", SourceSystem: "web_form", AssertedAt: base,
	}))
	require.NoError(t, service.RecordAssertion(ctx, &models.FieldSource{
		EntityID: "p-1", Field: "email", Value: "a@example.com", SourceSystem: "web_form", AssertedAt: base,
	}))

	resolved, err := service.ResolveEntity(ctx, "p-1")
	require.NoError(t, err)
	assert.Len(t, resolved, 2)
	assert.Equal(t, "5305550001", resolved["phone"].Value)
	assert.Equal(t, "a@example.com", resolved["email"].Value)

	missing, err := service.ResolveField(ctx, "p-1", "address")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
