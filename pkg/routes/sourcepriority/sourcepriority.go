package sourcepriority

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/fernhollow/registry/internal/repositories/sourcepriority"
	"github.com/fernhollow/registry/pkg/models"
)

// Register registers source priority routes
func Register(g *echo.Group) {
	g.GET("", ListPriorities)
	g.PUT("", UpsertPriority)
}

// ListPriorities lists the per-field source priority rankings that drive
// survivorship
func ListPriorities(c echo.Context) error {
	ctx := c.Request().Context()

	ctx, repo, err := ectoinject.GetContext[*sourcepriority.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	priorities, err := repo.List(ctx)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, priorities)
}

// UpsertPriority sets the priority of one source system for one field
func UpsertPriority(c echo.Context) error {
	ctx := c.Request().Context()

	var priority models.SourcePriority
	if err := c.Bind(&priority); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid priority payload")
	}
	if priority.Field == "" || priority.SourceSystem == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "field and source_system are required")
	}

	ctx, repo, err := ectoinject.GetContext[*sourcepriority.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	saved, err := repo.Upsert(ctx, &priority)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, saved)
}
