package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/san-kum/posture-screen/server/models"
	"go.uber.org/zap"
)

// Detector finds body keypoints in a single encoded photo. A nil observation
// with a nil error means no person was found.
type Detector interface {
	Detect(ctx context.Context, image []byte) (*models.PoseObservation, error)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	config     *ClientConfig
	stopCh     chan struct{}
	healthy    atomic.Bool
}

type ClientConfig struct {
	Timeout             time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
}

func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:             10 * time.Second,
		MaxRetries:          0,
		RetryDelay:          1 * time.Second,
		HealthCheckInterval: 30 * time.Second,
	}
}

type DetectRequest struct {
	ImageData []byte         `json:"image_data"`
	Options   map[string]any `json:"options,omitempty"`
}

type DetectResponse struct {
	Observations   []Observation `json:"observations"`
	ProcessingTime float64       `json:"processing_time"`
	ModelVersion   string        `json:"model_version"`
}

type Observation struct {
	Confidence float64                `json:"confidence"`
	Keypoints  []models.NamedKeypoint `json:"keypoints"`
}

func NewClient(baseURL string, config *ClientConfig, logger *zap.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("detector base URL is required")
	}
	if config == nil {
		config = DefaultClientConfig()
	}

	client := &Client{
		baseURL: baseURL,
		logger:  logger,
		config:  config,
		stopCh:  make(chan struct{}),
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:       10,
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: true,
			},
		},
	}

	return client, nil
}

// Start probes the detector once and keeps checking it in the background
// until Close.
func (c *Client) Start() {
	if err := c.HealthCheck(context.Background()); err != nil {
		c.logger.Warn("Keypoint detector not available at startup", zap.Error(err))
	}
	if c.config.HealthCheckInterval > 0 {
		go c.startHealthChecker()
	}
}

func (c *Client) Close() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}

// Detect sends one photo to the detector and returns the first pose it found.
// The call is bounded by the configured timeout.
func (c *Client) Detect(ctx context.Context, image []byte) (*models.PoseObservation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	request := &DetectRequest{ImageData: image}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying keypoint detection",
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			select {
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := c.executeDetectRequest(ctx, request)
		if err == nil {
			return firstObservation(resp), nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("keypoint detection failed after %d attempts: %w",
		c.config.MaxRetries+1, lastErr)
}

func (c *Client) executeDetectRequest(ctx context.Context, request *DetectRequest) (*DetectResponse, error) {
	requestData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/detect", c.baseURL)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(requestData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("User-Agent", "posture-screen/1.0")

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return nil, fmt.Errorf("detector error (status %d): %s",
			response.StatusCode, string(bodyBytes))
	}

	var detectResponse DetectResponse
	if err := json.NewDecoder(response.Body).Decode(&detectResponse); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &detectResponse, nil
}

func firstObservation(resp *DetectResponse) *models.PoseObservation {
	for _, obs := range resp.Observations {
		if o := models.ObservationFromKeypoints(obs.Keypoints); o != nil {
			return o
		}
	}
	return nil
}

// Healthy reports the outcome of the last health check.
func (c *Client) Healthy() bool {
	return c.healthy.Load()
}

func (c *Client) HealthCheck(ctx context.Context) error {
	err := c.probe(ctx)
	c.healthy.Store(err == nil)
	return err
}

func (c *Client) probe(ctx context.Context) error {
	url := fmt.Sprintf("%s/health", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	response, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("detector unhealthy (status %d)", response.StatusCode)
	}

	return nil
}

func (c *Client) startHealthChecker() {
	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.HealthCheck(context.Background()); err != nil {
				c.logger.Error("Keypoint detector health check failed", zap.Error(err))
			} else {
				c.logger.Debug("Keypoint detector health check passed")
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) GetModelInfo(ctx context.Context) (map[string]any, error) {
	url := fmt.Sprintf("%s/models/info", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get model info: %w", err)
	}
	response, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get model info: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model info request failed (status %d)", response.StatusCode)
	}

	var modelInfo map[string]any
	if err := json.NewDecoder(response.Body).Decode(&modelInfo); err != nil {
		return nil, fmt.Errorf("failed to decode model info: %w", err)
	}

	return modelInfo, nil
}
