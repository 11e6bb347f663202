package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/san-kum/posture-screen/server/flow"
	"github.com/san-kum/posture-screen/server/imaging"
	"github.com/san-kum/posture-screen/server/models"
	"github.com/san-kum/posture-screen/server/processor"
	"github.com/san-kum/posture-screen/server/storage"
)

const (
	apiVersion     = "v1"
	clientIDHeader = "X-Client-ID"
)

func respond(c *gin.Context, status int, data any, started time.Time) {
	c.JSON(status, models.APIResponse{
		Success: true,
		Data:    data,
		Meta:    newMeta(started),
	})
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, models.APIResponse{
		Success: false,
		Error:   &models.APIError{Code: code, Message: message},
		Meta:    newMeta(time.Time{}),
	})
}

// respondErr maps a domain error onto a status and error code.
func respondErr(c *gin.Context, err error) {
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "Internal error"
	}
	respondError(c, status, code, message)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, processor.ErrQueueFull), errors.Is(err, processor.ErrQueueStopped):
		return http.StatusServiceUnavailable, "busy"
	case errors.Is(err, flow.ErrSessionNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, flow.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, flow.ErrNoImages),
		errors.Is(err, flow.ErrInvalidView),
		errors.Is(err, imaging.ErrUnsupportedImage),
		errors.Is(err, imaging.ErrInvalidDataURL),
		errors.Is(err, imaging.ErrEmptyImage):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return 499, "canceled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func newMeta(started time.Time) *models.ResponseMeta {
	meta := &models.ResponseMeta{
		RequestID: uuid.New().String(),
		Timestamp: time.Now(),
		Version:   apiVersion,
	}
	if !started.IsZero() {
		meta.ProcessingTime = float64(time.Since(started).Microseconds()) / 1000
	}
	return meta
}

// clientID identifies the caller for report history. The header wins over
// the fallback taken from the request body.
func clientID(c *gin.Context, fallback string) string {
	if id := c.GetHeader(clientIDHeader); id != "" {
		return id
	}
	return fallback
}
