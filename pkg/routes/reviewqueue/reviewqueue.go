package reviewqueue

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/fernhollow/registry/internal/repositories/reviewqueue"
	"github.com/fernhollow/registry/pkg/context"
	"github.com/fernhollow/registry/pkg/models"
)

// Register registers review queue routes
func Register(g *echo.Group) {
	g.GET("", ListReviewItems)
	g.GET("/:id", GetReviewItem)
	g.POST("/:id/resolve", ResolveReviewItem)
	g.POST("/:id/dismiss", DismissReviewItem)
}

// ListReviewItems lists pending review items, oldest first
func ListReviewItems(c echo.Context) error {
	ctx := c.Request().Context()

	kind := models.ReviewItemKind(c.QueryParam("kind"))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	ctx, repo, err := ectoinject.GetContext[*reviewqueue.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	items, err := repo.ListPending(ctx, kind, limit)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, items)
}

// GetReviewItem gets a review item by id
func GetReviewItem(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*reviewqueue.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	item, err := repo.Get(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, item)
}

// ResolveReviewItem marks an item as handled
func ResolveReviewItem(c echo.Context) error {
	return updateStatus(c, models.ReviewItemStatusResolved)
}

// DismissReviewItem marks an item as not actionable
func DismissReviewItem(c echo.Context) error {
	return updateStatus(c, models.ReviewItemStatusDismissed)
}

func updateStatus(c echo.Context, status models.ReviewItemStatus) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*reviewqueue.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	resolvedBy := context.GetUserID(ctx)
	if resolvedBy == "" {
		resolvedBy = "api"
	}

	if err := repo.UpdateStatus(ctx, id, status, resolvedBy); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]string{"status": string(status)})
}
