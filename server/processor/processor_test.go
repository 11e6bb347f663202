package processor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/san-kum/posture-screen/server/cache"
	"github.com/san-kum/posture-screen/server/models"
	"github.com/san-kum/posture-screen/server/scoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDetector struct {
	calls   atomic.Int32
	results map[string]*models.PoseObservation
	errs    map[string]error
	delay   time.Duration
	panics  bool
}

func (d *fakeDetector) Detect(ctx context.Context, image []byte) (*models.PoseObservation, error) {
	d.calls.Add(1)
	if d.panics {
		panic("detector exploded")
	}
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := d.errs[string(image)]; err != nil {
		return nil, err
	}
	return d.results[string(image)], nil
}

type memStore struct {
	mu    sync.Mutex
	saved []models.AnalysisReport
	err   error
}

func (s *memStore) Save(_ context.Context, _ string, r models.AnalysisReport) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.saved = append(s.saved, r)
	return "report-1", nil
}

func kp(x, y float64) models.Keypoint {
	return models.Keypoint{Coordinate: models.Coordinate{X: x, Y: y}, Confidence: 0.9}
}

func levelBack() *models.PoseObservation {
	return models.NewPoseObservation(map[models.Joint]models.Keypoint{
		models.JointLeftShoulder:  kp(0.3, 0.5),
		models.JointRightShoulder: kp(0.7, 0.5),
		models.JointLeftHip:       kp(0.3, 0.2),
		models.JointRightHip:      kp(0.7, 0.2),
	})
}

func uprightSide() *models.PoseObservation {
	return models.NewPoseObservation(map[models.Joint]models.Keypoint{
		models.JointRoot: kp(0.5, 0.3),
		models.JointNeck: kp(0.5, 0.7),
	})
}

func newProcessor(t *testing.T, d *fakeDetector, c cache.Cache, store ReportStore) *AnalysisProcessor {
	t.Helper()
	cfg := DefaultProcessorConfig()
	cfg.DetectionTimeout = 2 * time.Second
	p := NewAnalysisProcessor(d, c, store, cfg, zap.NewNop())
	t.Cleanup(func() { _ = p.Shutdown() })
	return p
}

func TestAnalyzeImages_BothViews(t *testing.T) {
	d := &fakeDetector{results: map[string]*models.PoseObservation{
		"back": levelBack(),
		"side": uprightSide(),
	}}
	store := &memStore{}
	p := newProcessor(t, d, nil, store)

	res, err := p.AnalyzeImages(context.Background(), &models.AnalysisRequest{
		BackImage: []byte("back"),
		SideImage: []byte("side"),
		ClientID:  "c1",
	})
	require.NoError(t, err)

	assert.Equal(t, scoring.Analyze(levelBack(), uprightSide()), res.Report)
	assert.True(t, res.Detected[models.ViewBack])
	assert.True(t, res.Detected[models.ViewSide])
	assert.Equal(t, "report-1", res.ReportID)
	assert.Len(t, store.saved, 1)
	assert.Equal(t, int32(2), d.calls.Load())

	stats := p.GetStats()
	assert.Equal(t, int64(1), stats.SuccessfullyProcessed)
	assert.Equal(t, int64(2), stats.Detections)
}

func TestAnalyzeImages_DetectorFailureDegrades(t *testing.T) {
	d := &fakeDetector{
		results: map[string]*models.PoseObservation{"back": levelBack()},
		errs:    map[string]error{"side": errors.New("decoder error")},
	}
	p := newProcessor(t, d, nil, nil)

	res, err := p.AnalyzeImages(context.Background(), &models.AnalysisRequest{
		BackImage: []byte("back"),
		SideImage: []byte("side"),
	})
	require.NoError(t, err)
	assert.True(t, res.Detected[models.ViewBack])
	assert.False(t, res.Detected[models.ViewSide])
	assert.Nil(t, res.Report.SideLeanDeg)
	assert.NotNil(t, res.Report.ShoulderTiltDeg)
}

func TestAnalyzeImages_NoPoseAnywhere(t *testing.T) {
	d := &fakeDetector{}
	store := &memStore{}
	p := newProcessor(t, d, nil, store)

	res, err := p.AnalyzeImages(context.Background(), &models.AnalysisRequest{
		BackImage: []byte("back"),
		ClientID:  "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, scoring.NoPoseReport(), res.Report)
	assert.Empty(t, res.ReportID)
	assert.Empty(t, store.saved, "no-data reports are not stored")
	assert.Equal(t, int64(1), p.GetStats().DetectionsWithoutPose)
}

func TestAnalyzeImages_NoImages(t *testing.T) {
	d := &fakeDetector{}
	p := newProcessor(t, d, nil, nil)

	res, err := p.AnalyzeImages(context.Background(), &models.AnalysisRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Report.RiskScore)
	assert.Len(t, res.Report.Recommendations, 3)
	assert.Equal(t, int32(0), d.calls.Load())
}

func TestAnalyzeImages_CachesDetections(t *testing.T) {
	d := &fakeDetector{results: map[string]*models.PoseObservation{"back": levelBack()}}
	c := cache.NewMemoryCache(10, time.Minute, zap.NewNop())
	defer c.Close()
	p := newProcessor(t, d, c, nil)

	req := &models.AnalysisRequest{BackImage: []byte("back"), SideImage: []byte("nobody")}
	first, err := p.AnalyzeImages(context.Background(), req)
	require.NoError(t, err)
	second, err := p.AnalyzeImages(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Report, second.Report)
	assert.Equal(t, first.Detected, second.Detected)
	assert.Equal(t, int32(2), d.calls.Load())
	assert.Equal(t, int64(2), p.GetStats().CacheHits)
}

func TestAnalyzeImages_StoreErrorIsNotFatal(t *testing.T) {
	d := &fakeDetector{results: map[string]*models.PoseObservation{"back": levelBack()}}
	p := newProcessor(t, d, nil, &memStore{err: errors.New("disk full")})

	res, err := p.AnalyzeImages(context.Background(), &models.AnalysisRequest{
		BackImage: []byte("back"),
		ClientID:  "c1",
	})
	require.NoError(t, err)
	assert.Empty(t, res.ReportID)
}

func TestAnalyzeImages_PanicBecomesMissingObservation(t *testing.T) {
	d := &fakeDetector{panics: true}
	p := newProcessor(t, d, nil, nil)

	res, err := p.AnalyzeImages(context.Background(), &models.AnalysisRequest{BackImage: []byte("back")})
	require.NoError(t, err)
	assert.False(t, res.Detected[models.ViewBack])
}

func TestAnalyzeImages_CallerCancels(t *testing.T) {
	d := &fakeDetector{delay: time.Second}
	p := newProcessor(t, d, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.AnalyzeImages(ctx, &models.AnalysisRequest{BackImage: []byte("back")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), p.GetStats().FailedProcessed)
}

func TestAnalyzeImages_QueueStopped(t *testing.T) {
	d := &fakeDetector{}
	p := newProcessor(t, d, nil, nil)
	require.NoError(t, p.Shutdown())

	_, err := p.AnalyzeImages(context.Background(), &models.AnalysisRequest{BackImage: []byte("back")})
	assert.ErrorIs(t, err, ErrQueueStopped)
}

func TestProcessingQueue_Full(t *testing.T) {
	block := make(chan struct{})
	q := NewProcessingQueue(1, 1, func(item *QueueItem) {
		<-block
		item.ResultChan <- &DetectionResult{}
	})
	defer func() {
		close(block)
		_ = q.Shutdown(time.Second)
	}()

	newItem := func() *QueueItem {
		return &QueueItem{ResultChan: make(chan *DetectionResult, 1)}
	}

	// first item is picked up by the worker, second waits in the buffer
	require.NoError(t, q.Enqueue(newItem()))
	require.Eventually(t, func() bool { return q.Size() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, q.Enqueue(newItem()))
	assert.ErrorIs(t, q.Enqueue(newItem()), ErrQueueFull)

	stats := q.GetQueueStats()
	assert.Equal(t, 1, stats.CurrentSize)
	assert.Equal(t, 1, stats.MaxCapacity)
	assert.True(t, stats.IsRunning)
}

func TestScore(t *testing.T) {
	p := newProcessor(t, &fakeDetector{}, nil, nil)
	assert.Equal(t, scoring.Analyze(levelBack(), nil), p.Score(levelBack(), nil))
}
