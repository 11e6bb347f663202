package handlers

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/posture-screen/server/imaging"
	"github.com/san-kum/posture-screen/server/models"
	"github.com/san-kum/posture-screen/server/processor"
	"go.uber.org/zap"
)

// MaxPhotoSize bounds one uploaded photo.
const MaxPhotoSize = 12 * 1024 * 1024

type AnalysisHandler struct {
	processor *processor.AnalysisProcessor
	logger    *zap.Logger

	mu    sync.Mutex
	stats SystemStats
}

type SystemStats struct {
	TotalRequests  int64     `json:"total_requests"`
	ProcessedOK    int64     `json:"processed_ok"`
	ProcessedError int64     `json:"processed_error"`
	AvgProcessTime float64   `json:"avg_process_time_ms"`
	LastUpdated    time.Time `json:"last_updated"`
}

// AnalyzeRequest is the JSON form of an analysis: photos as data URLs.
type AnalyzeRequest struct {
	BackImage string `json:"back_image"`
	SideImage string `json:"side_image"`
	ClientID  string `json:"client_id"`
}

// ScoreRequest scores keypoints detected elsewhere.
type ScoreRequest struct {
	Back []models.NamedKeypoint `json:"back"`
	Side []models.NamedKeypoint `json:"side"`
}

func NewAnalysisHandler(p *processor.AnalysisProcessor, logger *zap.Logger) *AnalysisHandler {
	return &AnalysisHandler{
		processor: p,
		logger:    logger,
		stats:     SystemStats{LastUpdated: time.Now()},
	}
}

// Analyze accepts the back and side photos either as multipart files or as
// JSON data URLs and returns the report.
func (h *AnalysisHandler) Analyze(c *gin.Context) {
	startTime := time.Now()

	req, err := h.readRequest(c)
	if err != nil {
		h.logger.Warn("Invalid analysis request", zap.Error(err), zap.String("client_ip", c.ClientIP()))
		h.recordResult(false, 0)
		respondErr(c, err)
		return
	}

	result, err := h.processor.AnalyzeImages(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("Analysis failed",
			zap.Error(err),
			zap.String("client_ip", c.ClientIP()))
		h.recordResult(false, 0)
		respondErr(c, err)
		return
	}

	h.recordResult(true, time.Since(startTime))
	respond(c, http.StatusOK, result, startTime)
}

// Score runs the scorer on client supplied keypoints without calling the
// detector.
func (h *AnalysisHandler) Score(c *gin.Context) {
	startTime := time.Now()

	var req ScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_input", "Invalid request format")
		return
	}

	report := h.processor.Score(
		models.ObservationFromKeypoints(req.Back),
		models.ObservationFromKeypoints(req.Side),
	)
	respond(c, http.StatusOK, gin.H{"report": report}, startTime)
}

func (h *AnalysisHandler) GetStats(c *gin.Context) {
	h.mu.Lock()
	h.stats.LastUpdated = time.Now()
	system := h.stats
	h.mu.Unlock()

	var successRate, errorRate float64
	if system.TotalRequests > 0 {
		successRate = float64(system.ProcessedOK) / float64(system.TotalRequests) * 100
		errorRate = float64(system.ProcessedError) / float64(system.TotalRequests) * 100
	}

	processorStats := h.processor.GetStats()

	c.JSON(http.StatusOK, gin.H{
		"system":    system,
		"processor": processorStats,
		"metrics": gin.H{
			"success_rate":   successRate,
			"error_rate":     errorRate,
			"uptime_seconds": time.Since(processorStats.StartTime).Seconds(),
		},
	})
}

func (h *AnalysisHandler) GetCacheStats(c *gin.Context) {
	stats, err := h.processor.GetCacheStats(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusServiceUnavailable, "cache_unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *AnalysisHandler) readRequest(c *gin.Context) (*models.AnalysisRequest, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		back, err := formImage(c, string(models.ViewBack))
		if err != nil {
			return nil, err
		}
		side, err := formImage(c, string(models.ViewSide))
		if err != nil {
			return nil, err
		}
		return &models.AnalysisRequest{
			BackImage: back,
			SideImage: side,
			ClientID:  clientID(c, c.PostForm("client_id")),
		}, nil
	}

	var body AnalyzeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", imaging.ErrInvalidDataURL, err)
	}
	back, err := dataURLImage(body.BackImage)
	if err != nil {
		return nil, fmt.Errorf("back photo: %w", err)
	}
	side, err := dataURLImage(body.SideImage)
	if err != nil {
		return nil, fmt.Errorf("side photo: %w", err)
	}
	return &models.AnalysisRequest{
		BackImage: back,
		SideImage: side,
		ClientID:  clientID(c, body.ClientID),
	}, nil
}

// formImage reads an optional photo from a multipart field. A missing field
// yields nil.
func formImage(c *gin.Context, field string) ([]byte, error) {
	header, err := c.FormFile(field)
	if err == http.ErrMissingFile {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s photo: %w: %v", field, imaging.ErrInvalidDataURL, err)
	}
	return readPhoto(field, header)
}

func readPhoto(field string, header *multipart.FileHeader) ([]byte, error) {
	if header.Size > MaxPhotoSize {
		return nil, fmt.Errorf("%s photo: %w: larger than %d bytes", field, imaging.ErrUnsupportedImage, MaxPhotoSize)
	}

	file, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("%s photo: %w", field, err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxPhotoSize+1))
	if err != nil {
		return nil, fmt.Errorf("%s photo: %w", field, err)
	}
	if _, err := imaging.Validate(data); err != nil {
		return nil, fmt.Errorf("%s photo: %w", field, err)
	}
	return data, nil
}

// dataURLImage decodes and validates an optional data URL photo.
func dataURLImage(dataURL string) ([]byte, error) {
	if dataURL == "" {
		return nil, nil
	}
	data, err := imaging.DecodeDataURL(dataURL)
	if err != nil {
		return nil, err
	}
	if _, err := imaging.Validate(data); err != nil {
		return nil, err
	}
	return data, nil
}

func (h *AnalysisHandler) recordResult(ok bool, duration time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stats.TotalRequests++
	if !ok {
		h.stats.ProcessedError++
		return
	}
	h.stats.ProcessedOK++

	current := float64(duration.Milliseconds())
	if h.stats.AvgProcessTime == 0 {
		h.stats.AvgProcessTime = current
	} else {
		alpha := 0.1
		h.stats.AvgProcessTime = alpha*current + (1-alpha)*h.stats.AvgProcessTime
	}
}
