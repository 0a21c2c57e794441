package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fernhollow/registry/pkg/models"
	"github.com/fernhollow/registry/pkg/tracing"
)

// Projector mirrors canonical entities and their links into the graph so
// colony-level questions (who feeds cats at this address, which addresses
// share a caretaker) are one Cypher hop instead of a recursive SQL join.
// The projection is best-effort: PostgreSQL remains the source of truth.
type Projector struct {
	client *Client
	logger ectologger.Logger
}

// NewProjector creates a graph projector
func NewProjector(client *Client, logger ectologger.Logger) *Projector {
	return &Projector{
		client: client,
		logger: logger,
	}
}

// ProjectEntity creates or updates the node for a canonical entity
func (p *Projector) ProjectEntity(ctx context.Context, entity *models.Entity) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.ProjectEntity")
	defer span.End()

	props := map[string]any{
		"id":           entity.ID,
		"kind":         string(entity.Kind),
		"display_name": entity.DisplayName,
		"created_at":   entity.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}

	var data map[string]any
	if len(entity.Data) > 0 {
		if err := json.Unmarshal(entity.Data, &data); err == nil {
			for k, v := range data {
				switch v.(type) {
				case string, float64, bool:
					props[k] = v
				}
			}
		}
	}

	cypher := fmt.Sprintf(`
		MERGE (e:%s {id: $id})
		SET e = $props
	`, kindLabel(entity.Kind))

	_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"id":    entity.ID,
			"props": props,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_id": entity.ID,
		}).Error("Failed to project entity into graph")
		return fmt.Errorf("failed to project entity: %w", err)
	}

	return nil
}

// ProjectLink creates or updates the edge for an entity link
func (p *Projector) ProjectLink(ctx context.Context, link *models.EntityLink) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.ProjectLink")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH (from {id: $from_id})
		MATCH (to {id: $to_id})
		MERGE (from)-[r:%s]->(to)
		SET r.source_system = $source_system
	`, linkLabel(link.LinkType))

	_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"from_id":       link.FromEntityID,
			"to_id":         link.ToEntityID,
			"source_system": link.SourceSystem,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"from_id":   link.FromEntityID,
			"to_id":     link.ToEntityID,
			"link_type": link.LinkType,
		}).Error("Failed to project link into graph")
		return fmt.Errorf("failed to project link: %w", err)
	}

	return nil
}

// CollapseMerge marks the loser node merged and points it at the winner so
// graph traversals can follow the same redirect the registry does
func (p *Projector) CollapseMerge(ctx context.Context, winnerID, loserID string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.CollapseMerge")
	defer span.End()

	cypher := `
		MATCH (w {id: $winner_id})
		MATCH (l {id: $loser_id})
		MERGE (l)-[:MERGED_INTO]->(w)
		SET l.merged = true
	`

	_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"winner_id": winnerID,
			"loser_id":  loserID,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"winner_id": winnerID,
			"loser_id":  loserID,
		}).Error("Failed to collapse merge in graph")
		return fmt.Errorf("failed to collapse merge: %w", err)
	}

	return nil
}

// ExpandMerge reverses CollapseMerge after an undo
func (p *Projector) ExpandMerge(ctx context.Context, winnerID, loserID string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.ExpandMerge")
	defer span.End()

	cypher := `
		MATCH (l {id: $loser_id})-[r:MERGED_INTO]->({id: $winner_id})
		SET l.merged = false
		DELETE r
	`

	_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"winner_id": winnerID,
			"loser_id":  loserID,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to expand merge in graph")
		return fmt.Errorf("failed to expand merge: %w", err)
	}

	return nil
}

// Neighbor is one entity connected to the queried entity
type Neighbor struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	DisplayName string `json:"display_name"`
	LinkType    string `json:"link_type"`
	Direction   string `json:"direction"`
}

// Neighbors returns the entities directly linked to an entity, skipping nodes
// consumed by a merge
func (p *Projector) Neighbors(ctx context.Context, entityID string) ([]Neighbor, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.Neighbors")
	defer span.End()

	cypher := `
		MATCH (e {id: $id})-[r]-(n)
		WHERE type(r) <> 'MERGED_INTO' AND (n.merged IS NULL OR n.merged = false)
		RETURN n.id AS id, n.kind AS kind, n.display_name AS display_name,
			type(r) AS link_type,
			CASE WHEN startNode(r) = e THEN 'outgoing' ELSE 'incoming' END AS direction
	`

	result, err := p.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{"id": entityID})
		if err != nil {
			return nil, err
		}

		var neighbors []Neighbor
		for result.Next(ctx) {
			record := result.Record()
			neighbors = append(neighbors, Neighbor{
				ID:          stringValue(record, "id"),
				Kind:        stringValue(record, "kind"),
				DisplayName: stringValue(record, "display_name"),
				LinkType:    strings.ToLower(stringValue(record, "link_type")),
				Direction:   stringValue(record, "direction"),
			})
		}
		return neighbors, result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query neighbors: %w", err)
	}

	neighbors, _ := result.([]Neighbor)
	return neighbors, nil
}

func stringValue(record *neo4j.Record, key string) string {
	value, ok := record.Get(key)
	if !ok || value == nil {
		return ""
	}
	s, _ := value.(string)
	return s
}

func kindLabel(kind models.EntityKind) string {
	switch kind {
	case models.EntityKindPerson:
		return "Person"
	case models.EntityKindCat:
		return "Cat"
	case models.EntityKindPlace:
		return "Place"
	default:
		return "Entity"
	}
}

func linkLabel(linkType models.LinkType) string {
	label := strings.ToUpper(string(linkType))
	// Only allow alphanumeric and underscore in Cypher labels
	var b strings.Builder
	for _, c := range label {
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return "LINKED_TO"
	}
	return b.String()
}
