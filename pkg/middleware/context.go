package middleware

import (
	"github.com/fernhollow/registry/pkg/context"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	// HeaderUserID is the header key for the acting operator
	HeaderUserID = "X-User-ID"
	// HeaderSourceSystem is the header key for the ingestion source system
	HeaderSourceSystem = "X-Source-System"
	// HeaderBatchID is the header key for the ingestion batch id
	HeaderBatchID = "X-Batch-ID"
)

func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}

			userID := req.Header.Get(HeaderUserID)
			sourceSystem := req.Header.Get(HeaderSourceSystem)
			batchID := req.Header.Get(HeaderBatchID)

			ctx := req.Context()
			ctx = context.SetRequestID(ctx, requestID)
			ctx = context.SetMethod(ctx, req.Method)
			ctx = context.SetRoute(ctx, req.URL.Path)
			ctx = context.SetRemoteIP(ctx, c.RealIP())
			ctx = context.SetUserID(ctx, userID)
			ctx = context.SetSourceSystem(ctx, sourceSystem)
			ctx = context.SetBatchID(ctx, batchID)

			c.SetRequest(req.WithContext(ctx))

			return next(c)
		}
	}
}
