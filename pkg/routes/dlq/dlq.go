// Package dlq exposes the dead letter queue of rejected import messages
package dlq

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/redis"
)

// Register registers dead letter queue routes
func Register(g *echo.Group) {
	g.GET("", ListEntries)
	g.GET("/count", CountEntries)
	g.DELETE("/:messageID", DeleteEntry)
}

// ListEntries returns the newest rejected messages
func ListEntries(c echo.Context) error {
	ctx := c.Request().Context()

	count := int64(0)
	if raw := c.QueryParam("count"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			return httperror.NewHTTPError(http.StatusBadRequest, "count must be a non-negative integer")
		}
		count = parsed
	}

	ctx, queue, err := ectoinject.GetContext[*redis.DeadLetterQueue](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	entries, err := queue.List(ctx, count)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, entries)
}

// CountEntries returns the number of rejected messages held
func CountEntries(c echo.Context) error {
	ctx := c.Request().Context()

	ctx, queue, err := ectoinject.GetContext[*redis.DeadLetterQueue](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	count, err := queue.Count(ctx)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]int64{"count": count})
}

// DeleteEntry removes one rejected message from the queue
func DeleteEntry(c echo.Context) error {
	ctx := c.Request().Context()

	messageID := c.Param("messageID")
	if messageID == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "messageID is required")
	}

	ctx, queue, err := ectoinject.GetContext[*redis.DeadLetterQueue](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	if err := queue.Delete(ctx, messageID); err != nil {
		return httperror.NewHTTPError(http.StatusNotFound, err.Error())
	}

	return c.NoContent(http.StatusNoContent)
}
