package orgcontact

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/fernhollow/registry/internal/repositories/orgcontact"
)

// Register registers org contact routes
func Register(g *echo.Group) {
	g.GET("", ListOrgContacts)
}

// ListOrgContacts lists records that failed the person gate and were routed
// to the non-person bucket instead
func ListOrgContacts(c echo.Context) error {
	ctx := c.Request().Context()

	category := c.QueryParam("category")
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	ctx, repo, err := ectoinject.GetContext[*orgcontact.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	contacts, err := repo.List(ctx, category, limit)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, contacts)
}
