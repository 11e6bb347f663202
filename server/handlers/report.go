package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/posture-screen/server/models"
)

// ReportReader reads stored reports.
type ReportReader interface {
	Get(ctx context.Context, id string) (*models.StoredReport, error)
	History(ctx context.Context, clientID string, limit int) ([]*models.StoredReport, error)
	Compare(ctx context.Context, clientID string) (*models.Comparison, error)
}

type ReportHandler struct {
	reports ReportReader
}

func NewReportHandler(reports ReportReader) *ReportHandler {
	return &ReportHandler{reports: reports}
}

func (h *ReportHandler) Get(c *gin.Context) {
	startTime := time.Now()

	report, err := h.reports.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, report, startTime)
}

// List returns the caller's reports, newest first.
func (h *ReportHandler) List(c *gin.Context) {
	startTime := time.Now()

	id := clientID(c, c.Query("client_id"))
	if id == "" {
		respondError(c, http.StatusBadRequest, "invalid_input", "client_id is required")
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(c, http.StatusBadRequest, "invalid_input", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	list, err := h.reports.History(c.Request.Context(), id, limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, list, startTime)
}

// Compare relates the caller's latest report to the previous one.
func (h *ReportHandler) Compare(c *gin.Context) {
	startTime := time.Now()

	id := clientID(c, c.Query("client_id"))
	if id == "" {
		respondError(c, http.StatusBadRequest, "invalid_input", "client_id is required")
		return
	}

	comparison, err := h.reports.Compare(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, comparison, startTime)
}
