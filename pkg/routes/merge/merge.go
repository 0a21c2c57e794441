package merge

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/fernhollow/registry/internal/repositories/mergerecord"
	"github.com/fernhollow/registry/pkg/context"
	"github.com/fernhollow/registry/pkg/events"
	"github.com/fernhollow/registry/pkg/graph"
	"github.com/fernhollow/registry/pkg/merge"
	"github.com/fernhollow/registry/pkg/models"
)

// Register registers merge routes
func Register(g *echo.Group) {
	g.POST("", CreateMerge)
	g.GET("/:id", GetMerge)
	g.POST("/:id/undo", UndoMerge)
}

type mergeRequest struct {
	WinnerID string `json:"winner_id" validate:"required"`
	LoserID  string `json:"loser_id" validate:"required"`
	Reason   string `json:"reason"`
}

// CreateMerge merges the loser entity into the winner
func CreateMerge(c echo.Context) error {
	ctx := c.Request().Context()

	var req mergeRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid merge payload")
	}
	if req.WinnerID == "" || req.LoserID == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "winner_id and loser_id are required")
	}

	reason := req.Reason
	if reason == "" {
		reason = "manual merge"
	}
	createdBy := context.GetUserID(ctx)
	if createdBy == "" {
		createdBy = "api"
	}

	ctx, manager, err := ectoinject.GetContext[*merge.Manager](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	record, err := manager.Merge(ctx, req.WinnerID, req.LoserID, reason, createdBy)
	if err != nil {
		return err
	}

	notifyMerged(c, record)

	return c.JSON(http.StatusCreated, record)
}

// GetMerge gets a merge record by id
func GetMerge(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*mergerecord.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	record, err := repo.Get(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, record)
}

// UndoMerge reverses a merge from its snapshot
func UndoMerge(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, manager, err := ectoinject.GetContext[*merge.Manager](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	record, err := manager.Undo(ctx, id)
	if err != nil {
		return err
	}

	notifyUndone(c, record)

	return c.JSON(http.StatusOK, record)
}

// notifyMerged fans the merge out to the event stream and the graph
// projection. Both are best-effort; the registry transaction already committed.
func notifyMerged(c echo.Context, record *models.MergeRecord) {
	ctx := c.Request().Context()

	if ctx, emitter, err := ectoinject.GetContext[*events.Emitter](ctx); err == nil && emitter != nil {
		_ = emitter.EmitEntityMerged(ctx, record)
	}
	if ctx, projector, err := ectoinject.GetContext[*graph.Projector](ctx); err == nil && projector != nil {
		_ = projector.CollapseMerge(ctx, record.WinnerID, record.LoserID)
	}
}

func notifyUndone(c echo.Context, record *models.MergeRecord) {
	ctx := c.Request().Context()

	if ctx, emitter, err := ectoinject.GetContext[*events.Emitter](ctx); err == nil && emitter != nil {
		_ = emitter.EmitMergeUndone(ctx, record)
	}
	if ctx, projector, err := ectoinject.GetContext[*graph.Projector](ctx); err == nil && projector != nil {
		_ = projector.ExpandMerge(ctx, record.WinnerID, record.LoserID)
	}
}
