package blocklist

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/fernhollow/registry/internal/repositories/blocklist"
	"github.com/fernhollow/registry/pkg/models"
)

// Register registers blocklist routes
func Register(g *echo.Group) {
	g.GET("", ListEntries)
	g.POST("", CreateEntry)
	g.DELETE("/:id", DeleteEntry)
}

// ListEntries lists all blocklist entries
func ListEntries(c echo.Context) error {
	ctx := c.Request().Context()

	ctx, repo, err := ectoinject.GetContext[*blocklist.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	entries, err := repo.List(ctx)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, entries)
}

// CreateEntry adds a blocklist entry. Takes effect on the next ingestion
// batch and the next scan cycle; existing identifier rows are not rewritten.
func CreateEntry(c echo.Context) error {
	ctx := c.Request().Context()

	var entry models.BlocklistEntry
	if err := c.Bind(&entry); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid blocklist payload")
	}
	if entry.Type == "" || entry.Value == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "type and value are required")
	}

	ctx, repo, err := ectoinject.GetContext[*blocklist.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	created, err := repo.Create(ctx, &entry)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, created)
}

// DeleteEntry removes a blocklist entry
func DeleteEntry(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*blocklist.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	if err := repo.Delete(ctx, id); err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}
