package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/posture-screen/server/flow"
	"github.com/san-kum/posture-screen/server/imaging"
	"github.com/san-kum/posture-screen/server/models"
	"github.com/san-kum/posture-screen/server/processor"
	"go.uber.org/zap"
)

// SessionHandler exposes the screening flow: a client walks a session from
// the welcome screen to the results by firing events.
type SessionHandler struct {
	sessions  *flow.Manager
	processor *processor.AnalysisProcessor
	logger    *zap.Logger
}

type CreateSessionRequest struct {
	ClientID string `json:"client_id"`
}

type EventRequest struct {
	Type flow.EventType `json:"type" binding:"required"`
	View models.View    `json:"view"`
}

type ImageRequest struct {
	ImageData string `json:"image_data" binding:"required"`
}

func NewSessionHandler(sessions *flow.Manager, p *processor.AnalysisProcessor, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		sessions:  sessions,
		processor: p,
		logger:    logger,
	}
}

func (h *SessionHandler) Create(c *gin.Context) {
	startTime := time.Now()

	var req CreateSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "invalid_input", "Invalid request format")
			return
		}
	}

	view := h.sessions.Create(clientID(c, req.ClientID))
	respond(c, http.StatusCreated, view, startTime)
}

func (h *SessionHandler) Get(c *gin.Context) {
	startTime := time.Now()

	view, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, view, startTime)
}

func (h *SessionHandler) Delete(c *gin.Context) {
	h.sessions.Delete(c.Param("id"))
	c.Status(http.StatusNoContent)
}

// Fire applies a navigation event. Photos are attached through PutImage and
// analysis results are produced by the server, so set_image, complete and
// fail are not accepted here.
func (h *SessionHandler) Fire(c *gin.Context) {
	startTime := time.Now()

	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_input", "Invalid request format")
		return
	}

	switch req.Type {
	case flow.EventAnalyze:
		h.runAnalysis(c)
		return
	case flow.EventSetImage, flow.EventComplete, flow.EventFail:
		respondError(c, http.StatusBadRequest, "invalid_event",
			fmt.Sprintf("event %q cannot be fired directly", req.Type))
		return
	}

	view, err := h.sessions.Fire(c.Param("id"), flow.Event{Type: req.Type, View: req.View})
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, view, startTime)
}

// PutImage attaches the photo for one view, sent as a multipart "image" file
// or a JSON data URL.
func (h *SessionHandler) PutImage(c *gin.Context) {
	startTime := time.Now()

	view := models.View(c.Param("view"))
	if !view.Valid() {
		respondErr(c, fmt.Errorf("%w: %q", flow.ErrInvalidView, view))
		return
	}

	image, err := readSessionImage(c)
	if err != nil {
		respondErr(c, err)
		return
	}

	snapshot, err := h.sessions.Fire(c.Param("id"), flow.Event{
		Type:  flow.EventSetImage,
		View:  view,
		Image: image,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, snapshot, startTime)
}

func (h *SessionHandler) DeleteImage(c *gin.Context) {
	startTime := time.Now()

	snapshot, err := h.sessions.Fire(c.Param("id"), flow.Event{
		Type: flow.EventClearImage,
		View: models.View(c.Param("view")),
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, snapshot, startTime)
}

func (h *SessionHandler) Analyze(c *gin.Context) {
	h.runAnalysis(c)
}

// runAnalysis moves the session to analyzing, scores its photos outside the
// session lock and then completes or fails the session.
func (h *SessionHandler) runAnalysis(c *gin.Context) {
	startTime := time.Now()
	id := c.Param("id")

	var req *models.AnalysisRequest
	_, err := h.sessions.Do(id, func(s *flow.Session) error {
		if err := s.Fire(flow.Event{Type: flow.EventAnalyze}); err != nil {
			return err
		}
		req = s.Upload.Request(s.ClientID)
		return nil
	})
	if err != nil {
		respondErr(c, err)
		return
	}

	result, analysisErr := h.processor.AnalyzeImages(c.Request.Context(), req)

	ev := flow.Event{Type: flow.EventFail, Err: analysisErr}
	if analysisErr == nil {
		ev = flow.Event{Type: flow.EventComplete, Report: &result.Report}
	}
	view, err := h.sessions.Fire(id, ev)
	if err != nil {
		h.logger.Warn("Session changed during analysis", zap.String("session_id", id), zap.Error(err))
		respondErr(c, err)
		return
	}

	if analysisErr != nil {
		h.logger.Error("Session analysis failed", zap.String("session_id", id), zap.Error(analysisErr))
		respondErr(c, analysisErr)
		return
	}

	respond(c, http.StatusOK, gin.H{
		"session":   view,
		"report_id": result.ReportID,
		"detected":  result.Detected,
	}, startTime)
}

func readSessionImage(c *gin.Context) ([]byte, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		header, err := c.FormFile("image")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", imaging.ErrEmptyImage, err)
		}
		return readPhoto("image", header)
	}

	var req ImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", imaging.ErrInvalidDataURL, err)
	}
	return dataURLImage(req.ImageData)
}
