// Package snapshots exposes the archive of deleted price records
package snapshots

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/internal/repositories/snapshot"
	"github.com/Ramsey-B/clover/pkg/models"
)

// Register registers snapshot routes
func Register(g *echo.Group) {
	g.GET("/stores/:store/skus/:sku", ListSnapshots)
}

// ListSnapshots returns the archived snapshots for an article, newest first.
// An empty channel query parameter addresses the base record.
func ListSnapshots(c echo.Context) error {
	ctx := c.Request().Context()

	key := models.PriceKey{
		Channel: c.QueryParam("channel"),
		Store:   c.Param("store"),
		SKU:     c.Param("sku"),
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return httperror.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = parsed
	}

	ctx, repo, err := ectoinject.GetContext[snapshot.Store](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	snapshots, err := repo.ListByKey(ctx, key, limit)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, snapshots)
}
