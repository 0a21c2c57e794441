package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/fernhollow/registry/pkg/database"
	"github.com/fernhollow/registry/pkg/models"
	"github.com/fernhollow/registry/pkg/tracing"
)

// ErrMergeHasDependents is returned when undoing a merge that later merges
// built on. Those must be undone first, newest to oldest.
var ErrMergeHasDependents = httperror.NewHTTPError(http.StatusConflict, "later merges depend on this one; undo them first")

// EntityStore is the entity persistence the manager needs
type EntityStore interface {
	Get(ctx context.Context, id string) (*models.Entity, error)
	Create(ctx context.Context, entity *models.Entity) (*models.Entity, error)
	UpdateData(ctx context.Context, id string, displayName string, data json.RawMessage) error
	LockForMerge(ctx context.Context, winnerID, loserID string) (*models.Entity, *models.Entity, error)
	SetMergedInto(ctx context.Context, id string, mergedInto *string) error
	RepointMergedInto(ctx context.Context, from string, to string) ([]string, error)
}

// IdentifierStore moves identifier ownership during merge and undo
type IdentifierStore interface {
	ListByEntity(ctx context.Context, entityID string) ([]models.Identifier, error)
	Repoint(ctx context.Context, fromEntityID, toEntityID string) ([]string, error)
	RepointByIDs(ctx context.Context, ids []string, toEntityID string) error
}

// LinkStore moves link ownership during merge, undo, and split
type LinkStore interface {
	ListByEntity(ctx context.Context, entityID string) ([]models.EntityLink, error)
	Repoint(ctx context.Context, fromEntityID, toEntityID string) ([]string, error)
	RepointByIDs(ctx context.Context, ids []string, fromEntityID, toEntityID string) error
	DeleteByIDs(ctx context.Context, ids []string) error
	Restore(ctx context.Context, links []models.EntityLink) error
}

// FieldSourceStore moves provenance rows during merge, undo, and split
type FieldSourceStore interface {
	ListByEntity(ctx context.Context, entityID string) ([]models.FieldSource, error)
	Repoint(ctx context.Context, fromEntityID, toEntityID string) ([]string, error)
	RepointByIDs(ctx context.Context, ids []string, toEntityID string) error
}

// RecordStore persists the merge audit trail
type RecordStore interface {
	Create(ctx context.Context, record *models.MergeRecord) (*models.MergeRecord, error)
	Get(ctx context.Context, id string) (*models.MergeRecord, error)
	HasDependents(ctx context.Context, winnerID, loserID string, after time.Time) (bool, error)
	MarkReversed(ctx context.Context, id string) error
}

// CandidateStore expires stale candidates once a merge consumes an entity
type CandidateStore interface {
	ExpireForEntity(ctx context.Context, entityID string) error
}

// Manager performs merges, undoes them, and keeps the merged_into graph flat.
// Every mutation of a merge or undo happens inside one transaction.
type Manager struct {
	db           database.DB
	entities     EntityStore
	identifiers  IdentifierStore
	links        LinkStore
	fieldSources FieldSourceStore
	records      RecordStore
	candidates   CandidateStore
	logger       ectologger.Logger
}

// NewManager creates a merge manager
func NewManager(db database.DB, entities EntityStore, identifiers IdentifierStore, links LinkStore, fieldSources FieldSourceStore, records RecordStore, candidates CandidateStore, logger ectologger.Logger) *Manager {
	return &Manager{
		db:           db,
		entities:     entities,
		identifiers:  identifiers,
		links:        links,
		fieldSources: fieldSources,
		records:      records,
		candidates:   candidates,
		logger:       logger,
	}
}

// Merge folds loser into winner: identifiers, links, and provenance move to
// the winner, the loser is tombstoned with a merged_into pointer, and any
// entities already pointing at the loser are repointed so chains stay one hop
// deep. The loser's prior state is snapshotted for undo.
func (m *Manager) Merge(ctx context.Context, winnerID, loserID, reason, createdBy string) (*models.MergeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "merge.Manager.Merge")
	defer span.End()

	if winnerID == loserID {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "cannot merge an entity into itself")
	}

	ctxTx, tx, err := m.db.GetTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctxTx)

	record, err := m.merge(ctxTx, winnerID, loserID, reason, createdBy)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctxTx); err != nil {
		return nil, err
	}

	m.logger.WithContext(ctx).WithFields(map[string]any{
		"winner_id": winnerID,
		"loser_id":  loserID,
		"merge_id":  record.ID,
	}).Info("Merged entities")
	return record, nil
}

func (m *Manager) merge(ctx context.Context, winnerID, loserID, reason, createdBy string) (*models.MergeRecord, error) {
	winner, loser, err := m.entities.LockForMerge(ctx, winnerID, loserID)
	if err != nil {
		return nil, err
	}

	if winner.Kind != loser.Kind {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("cannot merge %s into %s", loser.Kind, winner.Kind))
	}
	if !winner.IsLive() {
		return nil, httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("winner %s is already merged", winnerID))
	}
	if !loser.IsLive() {
		return nil, httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("loser %s is already merged", loserID))
	}

	// Snapshot before anything moves
	loserIdentifiers, err := m.identifiers.ListByEntity(ctx, loserID)
	if err != nil {
		return nil, err
	}
	loserLinks, err := m.links.ListByEntity(ctx, loserID)
	if err != nil {
		return nil, err
	}

	movedIdentifiers, err := m.identifiers.Repoint(ctx, loserID, winnerID)
	if err != nil {
		return nil, err
	}
	movedLinks, err := m.links.Repoint(ctx, loserID, winnerID)
	if err != nil {
		return nil, err
	}
	movedFieldSources, err := m.fieldSources.Repoint(ctx, loserID, winnerID)
	if err != nil {
		return nil, err
	}

	if err := m.entities.SetMergedInto(ctx, loserID, &winnerID); err != nil {
		return nil, err
	}

	// Chain compression: anything that pointed at the loser now points at
	// the winner directly
	repointedFrom, err := m.entities.RepointMergedInto(ctx, loserID, winnerID)
	if err != nil {
		return nil, err
	}

	snapshot := models.LoserSnapshot{
		Entity:              *loser,
		Identifiers:         loserIdentifiers,
		Links:               loserLinks,
		RepointedFrom:       repointedFrom,
		MovedIdentifierIDs:  movedIdentifiers,
		MovedLinkIDs:        movedLinks,
		MovedFieldSourceIDs: movedFieldSources,
	}

	record, err := m.records.Create(ctx, &models.MergeRecord{
		Kind:      winner.Kind,
		WinnerID:  winnerID,
		LoserID:   loserID,
		Reason:    reason,
		Snapshot:  database.JSONB[models.LoserSnapshot]{Data: snapshot},
		CreatedBy: createdBy,
	})
	if err != nil {
		return nil, err
	}

	if err := m.candidates.ExpireForEntity(ctx, loserID); err != nil {
		return nil, err
	}

	return record, nil
}

// Undo reverses a merge from its snapshot. Refused while later unreversed
// merges touch either entity, since reversing out of order would corrupt
// their snapshots.
func (m *Manager) Undo(ctx context.Context, mergeID string) (*models.MergeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "merge.Manager.Undo")
	defer span.End()

	record, err := m.records.Get(ctx, mergeID)
	if err != nil {
		return nil, err
	}
	if record.Reversed {
		return nil, httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("merge %s is already reversed", mergeID))
	}

	dependents, err := m.records.HasDependents(ctx, record.WinnerID, record.LoserID, record.CreatedAt)
	if err != nil {
		return nil, err
	}
	if dependents {
		return nil, ErrMergeHasDependents
	}

	ctxTx, tx, err := m.db.GetTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctxTx)

	if err := m.undo(ctxTx, record); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctxTx); err != nil {
		return nil, err
	}

	m.logger.WithContext(ctx).WithFields(map[string]any{
		"winner_id": record.WinnerID,
		"loser_id":  record.LoserID,
		"merge_id":  record.ID,
	}).Info("Reversed merge")
	return record, nil
}

func (m *Manager) undo(ctx context.Context, record *models.MergeRecord) error {
	snapshot := record.Snapshot.GetValue()

	if err := m.entities.SetMergedInto(ctx, record.LoserID, nil); err != nil {
		return err
	}

	if err := m.identifiers.RepointByIDs(ctx, snapshot.MovedIdentifierIDs, record.LoserID); err != nil {
		return err
	}
	if err := m.fieldSources.RepointByIDs(ctx, snapshot.MovedFieldSourceIDs, record.LoserID); err != nil {
		return err
	}

	// Moved link rows may have been rewritten on either side; drop them and
	// re-insert the originals from the snapshot
	if err := m.links.DeleteByIDs(ctx, snapshot.MovedLinkIDs); err != nil {
		return err
	}
	if err := m.links.Restore(ctx, snapshot.Links); err != nil {
		return err
	}

	// Entities repointed during chain compression go back to the loser
	for _, id := range snapshot.RepointedFrom {
		loserID := record.LoserID
		if err := m.entities.SetMergedInto(ctx, id, &loserID); err != nil {
			return err
		}
	}

	return m.records.MarkReversed(ctx, record.ID)
}

// SplitCriteria selects what moves onto the new entity. Explicit ids and a
// source system filter are unioned.
type SplitCriteria struct {
	IdentifierIDs []string `json:"identifier_ids"`
	LinkIDs       []string `json:"link_ids"`
	SourceSystem  string   `json:"source_system"`
	DisplayName   string   `json:"display_name"`
}

func (c SplitCriteria) empty() bool {
	return len(c.IdentifierIDs) == 0 && len(c.LinkIDs) == 0 && c.SourceSystem == ""
}

// Split carves a new entity out of one that conflates two real-world things:
// the identifiers, links, and assertions matching the criteria move to a
// fresh entity of the same kind, and display fields are re-derived on both
// sides from the assertions each retains.
func (m *Manager) Split(ctx context.Context, entityID string, criteria SplitCriteria) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "merge.Manager.Split")
	defer span.End()

	if criteria.empty() {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "split criteria are empty")
	}

	ctxTx, tx, err := m.db.GetTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctxTx)

	created, err := m.split(ctxTx, entityID, criteria)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctxTx); err != nil {
		return nil, err
	}

	m.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_id":     entityID,
		"new_entity_id": created.ID,
	}).Info("Split entity")
	return created, nil
}

func (m *Manager) split(ctx context.Context, entityID string, criteria SplitCriteria) (*models.Entity, error) {
	entity, err := m.entities.Get(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if !entity.IsLive() {
		return nil, httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("entity %s is merged; undo the merge instead", entityID))
	}

	identifiers, err := m.identifiers.ListByEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	links, err := m.links.ListByEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	assertions, err := m.fieldSources.ListByEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}

	moveIdentifiers := selectIDs(criteria.IdentifierIDs, criteria.SourceSystem, identifiers,
		func(i models.Identifier) (string, string) { return i.ID, i.SourceSystem })
	moveLinks := selectIDs(criteria.LinkIDs, criteria.SourceSystem, links,
		func(l models.EntityLink) (string, string) { return l.ID, l.SourceSystem })

	if len(moveIdentifiers) == 0 && len(moveLinks) == 0 {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "split criteria match nothing on this entity")
	}
	if len(moveIdentifiers) == len(identifiers) && len(moveLinks) == len(links) {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "split criteria select everything; nothing would remain")
	}

	movedAssertions, keptAssertions := partitionAssertions(assertions, criteria.SourceSystem)

	sourceSystem := criteria.SourceSystem
	if sourceSystem == "" {
		sourceSystem = entity.SourceSystem
	}
	created, err := m.entities.Create(ctx, &models.Entity{
		Kind:         entity.Kind,
		DisplayName:  entity.DisplayName,
		Data:         entity.Data,
		SourceSystem: sourceSystem,
	})
	if err != nil {
		return nil, err
	}

	if err := m.identifiers.RepointByIDs(ctx, moveIdentifiers, created.ID); err != nil {
		return nil, err
	}
	if err := m.links.RepointByIDs(ctx, moveLinks, entityID, created.ID); err != nil {
		return nil, err
	}
	if err := m.fieldSources.RepointByIDs(ctx, assertionIDs(movedAssertions), created.ID); err != nil {
		return nil, err
	}

	newName := criteria.DisplayName
	if newName == "" {
		newName = deriveDisplayName(movedAssertions, entity.DisplayName)
	}
	if err := m.entities.UpdateData(ctx, created.ID, newName, entity.Data); err != nil {
		return nil, err
	}
	if err := m.entities.UpdateData(ctx, entityID, deriveDisplayName(keptAssertions, entity.DisplayName), entity.Data); err != nil {
		return nil, err
	}

	created.DisplayName = newName
	return created, nil
}

// selectIDs returns the ids picked by the explicit list unioned with the
// source system filter
func selectIDs[T any](explicit []string, sourceSystem string, rows []T, key func(T) (id, source string)) []string {
	wanted := make(map[string]bool, len(explicit))
	for _, id := range explicit {
		wanted[id] = true
	}

	var picked []string
	for _, row := range rows {
		id, source := key(row)
		if wanted[id] || (sourceSystem != "" && source == sourceSystem) {
			picked = append(picked, id)
		}
	}
	return picked
}

func partitionAssertions(assertions []models.FieldSource, sourceSystem string) (moved, kept []models.FieldSource) {
	for _, a := range assertions {
		if sourceSystem != "" && a.SourceSystem == sourceSystem {
			moved = append(moved, a)
		} else {
			kept = append(kept, a)
		}
	}
	return moved, kept
}

func assertionIDs(assertions []models.FieldSource) []string {
	ids := make([]string, len(assertions))
	for i, a := range assertions {
		ids[i] = a.ID
	}
	return ids
}

// deriveDisplayName recomputes a display name from the most recent name
// assertions, falling back to the current value when none exist
func deriveDisplayName(assertions []models.FieldSource, fallback string) string {
	var name, first, last models.FieldSource
	for _, a := range assertions {
		switch a.Field {
		case "name":
			if a.AssertedAt.After(name.AssertedAt) {
				name = a
			}
		case "first_name":
			if a.AssertedAt.After(first.AssertedAt) {
				first = a
			}
		case "last_name":
			if a.AssertedAt.After(last.AssertedAt) {
				last = a
			}
		}
	}

	if name.Value != "" {
		return name.Value
	}
	if full := strings.TrimSpace(first.Value + " " + last.Value); full != "" {
		return full
	}
	return fallback
}
