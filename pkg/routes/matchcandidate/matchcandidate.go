package matchcandidate

import (
	stdcontext "context"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/fernhollow/registry/internal/repositories/matchcandidate"
	"github.com/fernhollow/registry/pkg/context"
	"github.com/fernhollow/registry/pkg/matching"
	"github.com/fernhollow/registry/pkg/merge"
	"github.com/fernhollow/registry/pkg/models"
)

// Register registers match candidate routes
func Register(g *echo.Group) {
	g.GET("/candidates", ListCandidates)
	g.GET("/candidates/pair", GetCandidateByPair)
	g.GET("/candidates/:id", GetCandidate)
	g.POST("/candidates/:id/approve", ApproveCandidate)
	g.POST("/candidates/:id/reject", RejectCandidate)
	g.POST("/run", RunScan)
}

// ListCandidates lists match candidates with optional filters
func ListCandidates(c echo.Context) error {
	ctx := c.Request().Context()

	kind := models.EntityKind(c.QueryParam("kind"))
	tier := models.DecisionTier(c.QueryParam("tier"))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	ctx, repo, err := ectoinject.GetContext[*matchcandidate.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	if entityID := c.QueryParam("entity_id"); entityID != "" {
		status := models.MatchCandidateStatus(c.QueryParam("status"))
		candidates, err := repo.ListByEntity(ctx, entityID, status)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, candidates)
	}

	candidates, err := repo.ListPending(ctx, kind, tier, limit)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, candidates)
}

// GetCandidate gets a match candidate by id
func GetCandidate(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*matchcandidate.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	candidate, err := repo.Get(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, candidate)
}

// GetCandidateByPair looks up the candidate for two entities regardless of
// which order they are given in
func GetCandidateByPair(c echo.Context) error {
	ctx := c.Request().Context()

	entityA := c.QueryParam("entity_a")
	entityB := c.QueryParam("entity_b")
	if entityA == "" || entityB == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "entity_a and entity_b are required")
	}

	ctx, repo, err := ectoinject.GetContext[*matchcandidate.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	candidate, err := repo.GetByPair(ctx, entityA, entityB)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, candidate)
}

// approveRequest optionally names the winner; when absent the older entity wins
type approveRequest struct {
	WinnerID string `json:"winner_id"`
	Reason   string `json:"reason"`
}

// ApproveCandidate accepts a candidate and executes the merge
func ApproveCandidate(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	var req approveRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid approve payload")
	}

	ctx, repo, err := ectoinject.GetContext[*matchcandidate.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	candidate, err := repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if candidate.Status != models.MatchCandidateStatusPending {
		return httperror.NewHTTPError(http.StatusConflict, "candidate is not pending")
	}

	winnerID, loserID := candidate.EntityAID, candidate.EntityBID
	switch req.WinnerID {
	case "", candidate.EntityAID:
	case candidate.EntityBID:
		winnerID, loserID = candidate.EntityBID, candidate.EntityAID
	default:
		return httperror.NewHTTPError(http.StatusBadRequest, "winner_id is not part of this candidate")
	}

	reason := req.Reason
	if reason == "" {
		reason = "match candidate approved"
	}
	approvedBy := context.GetUserID(ctx)
	if approvedBy == "" {
		approvedBy = "api"
	}

	if err := repo.UpdateStatus(ctx, id, models.MatchCandidateStatusAccepted, approvedBy); err != nil {
		return err
	}

	ctx, manager, err := ectoinject.GetContext[*merge.Manager](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	record, err := manager.Merge(ctx, winnerID, loserID, reason, approvedBy)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, record)
}

// RejectCandidate marks a candidate as not-a-match
func RejectCandidate(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*matchcandidate.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	rejectedBy := context.GetUserID(ctx)
	if rejectedBy == "" {
		rejectedBy = "api"
	}

	if err := repo.UpdateStatus(ctx, id, models.MatchCandidateStatusRejected, rejectedBy); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "rejected"})
}

// RunScan triggers a full match scan cycle in the background
func RunScan(c echo.Context) error {
	ctx := c.Request().Context()

	ctx, scanner, err := ectoinject.GetContext[*matching.Scanner](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	// Detached so the cycle survives the request
	go scanner.RunCycle(stdcontext.WithoutCancel(ctx))

	if ctx, logger, err := ectoinject.GetContext[ectologger.Logger](ctx); err == nil && logger != nil {
		logger.WithContext(ctx).Info("Match scan triggered")
	}

	return c.JSON(http.StatusAccepted, map[string]string{"status": "scan started"})
}
