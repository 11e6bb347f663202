package processor

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/san-kum/posture-screen/server/cache"
	"github.com/san-kum/posture-screen/server/ml"
	"github.com/san-kum/posture-screen/server/models"
	"github.com/san-kum/posture-screen/server/scoring"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReportStore persists finished reports.
type ReportStore interface {
	Save(ctx context.Context, clientID string, r models.AnalysisReport) (string, error)
}

type AnalysisProcessor struct {
	detector ml.Detector
	scorer   *scoring.Scorer
	cache    cache.Cache
	store    ReportStore
	logger   *zap.Logger
	queue    *ProcessingQueue
	config   *ProcessorConfig
	stats    processorCounters
	startAt  time.Time

	latencyMu sync.Mutex
	latency   float64
}

type ProcessorConfig struct {
	MaxQueueSize     int           `json:"max_queue_size"`
	MaxWorkers       int           `json:"max_workers"`
	DetectionTimeout time.Duration `json:"detection_timeout"`
	CacheTTL         time.Duration `json:"cache_ttl"`
}

func DefaultProcessorConfig() *ProcessorConfig {
	return &ProcessorConfig{
		MaxQueueSize:     100,
		MaxWorkers:       4,
		DetectionTimeout: 30 * time.Second,
		CacheTTL:         24 * time.Hour,
	}
}

type processorCounters struct {
	total      atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	detections atomic.Int64
	noPose     atomic.Int64
	cacheHits  atomic.Int64
}

type ProcessorStats struct {
	StartTime             time.Time  `json:"start_time"`
	TotalProcessed        int64      `json:"total_processed"`
	SuccessfullyProcessed int64      `json:"successfully_processed"`
	FailedProcessed       int64      `json:"failed_processed"`
	Detections            int64      `json:"detections"`
	DetectionsWithoutPose int64      `json:"detections_without_pose"`
	CacheHits             int64      `json:"cache_hits"`
	AverageLatency        float64    `json:"average_latency_ms"`
	Queue                 QueueStats `json:"queue"`
}

// Result is a finished analysis. ReportID is set when the report was stored.
type Result struct {
	Report   models.AnalysisReport `json:"report"`
	ReportID string                `json:"report_id,omitempty"`
	Detected map[models.View]bool  `json:"detected"`
}

// cachedPose is the cache form of one detection; Found is false when the
// detector saw no person.
type cachedPose struct {
	Found     bool                   `json:"found"`
	Keypoints []models.NamedKeypoint `json:"keypoints"`
}

func NewAnalysisProcessor(detector ml.Detector, c cache.Cache, store ReportStore, cfg *ProcessorConfig, logger *zap.Logger) *AnalysisProcessor {
	if cfg == nil {
		cfg = DefaultProcessorConfig()
	}

	p := &AnalysisProcessor{
		detector: detector,
		scorer:   scoring.New(scoring.DefaultThresholds),
		cache:    c,
		store:    store,
		logger:   logger,
		config:   cfg,
		startAt:  time.Now(),
	}
	p.queue = NewProcessingQueue(cfg.MaxQueueSize, cfg.MaxWorkers, p.processItem)

	return p
}

// AnalyzeImages detects keypoints on each supplied photo and scores them. The
// two detections run independently; one that fails only leaves its view
// without an observation. An error is returned only when the work could not
// be scheduled or the caller gave up.
func (p *AnalysisProcessor) AnalyzeImages(ctx context.Context, req *models.AnalysisRequest) (*Result, error) {
	startTime := time.Now()
	p.stats.total.Add(1)

	views := []models.View{models.ViewBack, models.ViewSide}
	observations := make([]*models.PoseObservation, len(views))

	g, gctx := errgroup.WithContext(ctx)
	for i, view := range views {
		image := req.Image(view)
		if len(image) == 0 {
			continue
		}
		g.Go(func() error {
			obs, err := p.detect(gctx, view, image)
			if err != nil {
				return err
			}
			observations[i] = obs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.stats.failed.Add(1)
		return nil, err
	}

	back, side := observations[0], observations[1]
	report := p.scorer.Analyze(back, side)

	result := &Result{
		Report: report,
		Detected: map[models.View]bool{
			models.ViewBack: back != nil,
			models.ViewSide: side != nil,
		},
	}

	if p.store != nil && req.ClientID != "" && report.HasData() {
		id, err := p.store.Save(ctx, req.ClientID, report)
		if err != nil {
			p.logger.Warn("Failed to store report", zap.Error(err), zap.String("client_id", req.ClientID))
		} else {
			result.ReportID = id
		}
	}

	p.updateLatencyStats(time.Since(startTime))
	p.stats.succeeded.Add(1)

	p.logger.Info("Analysis complete",
		zap.Int("risk_score", report.RiskScore),
		zap.String("verdict", string(report.Verdict())),
		zap.Bool("back_detected", back != nil),
		zap.Bool("side_detected", side != nil),
		zap.Duration("latency", time.Since(startTime)))

	return result, nil
}

// Score runs the scorer on keypoints supplied by the caller.
func (p *AnalysisProcessor) Score(back, side *models.PoseObservation) models.AnalysisReport {
	return p.scorer.Analyze(back, side)
}

// detect returns the observation for one photo. Detector failures are logged
// and become a nil observation; only scheduling errors are returned.
func (p *AnalysisProcessor) detect(ctx context.Context, view models.View, image []byte) (*models.PoseObservation, error) {
	cacheKey := cache.GenerateCacheKey("pose", fmt.Sprintf("%x", md5.Sum(image)))

	if p.cache != nil {
		var cached cachedPose
		if err := p.cache.Get(ctx, cacheKey, &cached); err == nil {
			p.stats.cacheHits.Add(1)
			p.logger.Debug("Cache hit for photo", zap.String("view", string(view)), zap.String("key", cacheKey))
			return cached.observation(), nil
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			p.logger.Warn("Cache lookup failed", zap.Error(err))
		}
	}

	resultChan := make(chan *DetectionResult, 1)
	item := &QueueItem{
		Ctx:        ctx,
		View:       view,
		Image:      image,
		ResultChan: resultChan,
		StartTime:  time.Now(),
	}
	if err := p.queue.Enqueue(item); err != nil {
		return nil, err
	}

	timer := time.NewTimer(p.config.DetectionTimeout)
	defer timer.Stop()

	var result *DetectionResult
	select {
	case result = <-resultChan:
	case <-timer.C:
		p.logger.Warn("Keypoint detection timed out", zap.String("view", string(view)))
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if result.Error != nil {
		p.logger.Warn("Keypoint detection failed, continuing without observation",
			zap.String("view", string(view)),
			zap.Error(result.Error))
		return nil, nil
	}
	if result.Observation == nil {
		p.stats.noPose.Add(1)
	}

	if p.cache != nil {
		entry := cachedPose{
			Found:     result.Observation != nil,
			Keypoints: result.Observation.NamedKeypoints(),
		}
		if err := p.cache.SetWithTTL(ctx, cacheKey, entry, p.config.CacheTTL); err != nil {
			p.logger.Warn("Failed to cache detection", zap.Error(err))
		}
	}

	return result.Observation, nil
}

func (p *AnalysisProcessor) processItem(item *QueueItem) {
	p.stats.detections.Add(1)

	ctx := item.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	obs, err := p.detector.Detect(ctx, item.Image)
	item.ResultChan <- &DetectionResult{View: item.View, Observation: obs, Error: err}

	p.logger.Debug("Detection finished",
		zap.String("view", string(item.View)),
		zap.Bool("found", obs != nil),
		zap.Duration("elapsed", time.Since(item.StartTime)))
}

func (c cachedPose) observation() *models.PoseObservation {
	if !c.Found {
		return nil
	}
	if obs := models.ObservationFromKeypoints(c.Keypoints); obs != nil {
		return obs
	}
	return models.NewPoseObservation(nil)
}

func (p *AnalysisProcessor) GetStats() *ProcessorStats {
	p.latencyMu.Lock()
	latency := p.latency
	p.latencyMu.Unlock()

	return &ProcessorStats{
		StartTime:             p.startAt,
		TotalProcessed:        p.stats.total.Load(),
		SuccessfullyProcessed: p.stats.succeeded.Load(),
		FailedProcessed:       p.stats.failed.Load(),
		Detections:            p.stats.detections.Load(),
		DetectionsWithoutPose: p.stats.noPose.Load(),
		CacheHits:             p.stats.cacheHits.Load(),
		AverageLatency:        latency,
		Queue:                 p.queue.GetQueueStats(),
	}
}

func (p *AnalysisProcessor) GetCacheStats(ctx context.Context) (*cache.CacheStats, error) {
	if p.cache == nil {
		return nil, fmt.Errorf("cache not initialized")
	}
	return p.cache.GetStats(ctx)
}

func (p *AnalysisProcessor) updateLatencyStats(latency time.Duration) {
	current := float64(latency.Milliseconds())

	p.latencyMu.Lock()
	defer p.latencyMu.Unlock()

	if p.latency == 0 {
		p.latency = current
	} else {
		alpha := 0.1
		p.latency = alpha*current + (1-alpha)*p.latency
	}
}

// Shutdown stops the worker pool. The cache and store belong to the caller.
func (p *AnalysisProcessor) Shutdown() error {
	p.logger.Info("Shutting down analysis processor...")

	if err := p.queue.Shutdown(30 * time.Second); err != nil {
		p.logger.Error("Failed to shutdown queue", zap.Error(err))
		return err
	}

	p.logger.Info("Analysis processor shutdown complete")
	return nil
}
