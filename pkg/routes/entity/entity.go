package entity

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/fernhollow/registry/internal/repositories/entity"
	"github.com/fernhollow/registry/internal/repositories/entitylink"
	"github.com/fernhollow/registry/internal/repositories/identifier"
	"github.com/fernhollow/registry/internal/repositories/mergerecord"
	"github.com/fernhollow/registry/pkg/events"
	"github.com/fernhollow/registry/pkg/graph"
	"github.com/fernhollow/registry/pkg/merge"
	"github.com/fernhollow/registry/pkg/models"
	"github.com/fernhollow/registry/pkg/survivorship"
)

// Register registers entity routes
func Register(g *echo.Group) {
	g.GET("/:id", GetEntity)
	g.GET("/:id/canonical", GetCanonicalEntity)
	g.GET("/:id/identifiers", GetEntityIdentifiers)
	g.GET("/:id/links", GetEntityLinks)
	g.GET("/:id/fields", GetEntityFields)
	g.GET("/:id/fields/conflicts", GetEntityFieldConflicts)
	g.GET("/:id/neighbors", GetEntityNeighbors)
	g.GET("/:id/merges", GetEntityMergeHistory)
	g.POST("/:id/split", SplitEntity)
}

// GetEntity gets an entity by id, merged or live
func GetEntity(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*entity.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	found, err := repo.Get(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, found)
}

// GetCanonicalEntity follows merged_into pointers to the live entity that
// currently represents this id
func GetCanonicalEntity(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*entity.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	canonical, err := repo.ResolveCanonical(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, canonical)
}

// GetEntityIdentifiers lists the identifiers attached to an entity
func GetEntityIdentifiers(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*identifier.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	identifiers, err := repo.ListByEntity(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, identifiers)
}

// GetEntityLinks lists the links touching an entity
func GetEntityLinks(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*entitylink.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	links, err := repo.ListByEntity(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, links)
}

// GetEntityFields returns the surviving value for every asserted field
func GetEntityFields(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, service, err := ectoinject.GetContext[*survivorship.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	if field := c.QueryParam("field"); field != "" {
		resolved, err := service.ResolveField(ctx, id, field)
		if err != nil {
			return err
		}
		if resolved == nil {
			return httperror.NewHTTPError(http.StatusNotFound, "field has no assertions")
		}
		return c.JSON(http.StatusOK, resolved)
	}

	fields, err := service.ResolveEntity(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, fields)
}

// GetEntityFieldConflicts returns fields where sources disagree, with the
// surviving value marked
func GetEntityFieldConflicts(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, service, err := ectoinject.GetContext[*survivorship.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	conflicts, err := service.Conflicts(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, conflicts)
}

// GetEntityNeighbors returns the directly linked entities from the graph
// projection
func GetEntityNeighbors(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, projector, err := ectoinject.GetContext[*graph.Projector](ctx)
	if err != nil || projector == nil {
		return httperror.NewHTTPError(http.StatusServiceUnavailable, "graph projection is not enabled")
	}

	neighbors, err := projector.Neighbors(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, neighbors)
}

// GetEntityMergeHistory lists the merges an entity has been party to, on
// either side and in either direction
func GetEntityMergeHistory(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*mergerecord.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	records, err := repo.ListByEntity(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, records)
}

// SplitEntity carves a criteria-selected subset of an entity's identifiers,
// links, and assertions out into a new entity
func SplitEntity(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	var criteria merge.SplitCriteria
	if err := c.Bind(&criteria); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid split criteria")
	}

	ctx, manager, err := ectoinject.GetContext[*merge.Manager](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	created, err := manager.Split(ctx, id, criteria)
	if err != nil {
		return err
	}

	notifySplit(c, created)

	return c.JSON(http.StatusCreated, created)
}

// notifySplit fans the new entity out to the event stream and the graph
// projection. Both are best-effort; the registry transaction already committed.
func notifySplit(c echo.Context, created *models.Entity) {
	ctx := c.Request().Context()

	if ctx, emitter, err := ectoinject.GetContext[*events.Emitter](ctx); err == nil && emitter != nil {
		_ = emitter.EmitEntityCreated(ctx, created)
	}
	if ctx, projector, err := ectoinject.GetContext[*graph.Projector](ctx); err == nil && projector != nil {
		_ = projector.ProjectEntity(ctx, created)
	}
}
