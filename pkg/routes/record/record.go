package record

import (
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/fernhollow/registry/pkg/context"
	"github.com/fernhollow/registry/pkg/ingest"
	"github.com/fernhollow/registry/pkg/models"
)

// Register registers staged record routes
func Register(g *echo.Group) {
	g.POST("", SubmitRecord)
}

// SubmitRecord ingests one staged record synchronously. The Kafka consumer is
// the high-volume path; this endpoint exists for manual entry and backfills.
func SubmitRecord(c echo.Context) error {
	ctx := c.Request().Context()

	var record models.StagedRecord
	if err := c.Bind(&record); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid staged record payload")
	}
	if record.IngestedAt.IsZero() {
		record.IngestedAt = time.Now().UTC()
	}
	if record.SourceSystem == "" {
		record.SourceSystem = context.GetSourceSystem(ctx)
	}

	ctx, processor, err := ectoinject.GetContext[*ingest.Processor](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	outcome, err := processor.Process(ctx, &record, nil)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, outcome)
}
