package ml

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/san-kum/posture-screen/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, cfg *ClientConfig) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	if cfg == nil {
		cfg = DefaultClientConfig()
		cfg.HealthCheckInterval = 0
	}
	c, err := NewClient(srv.URL, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNewClient_RequiresURL(t *testing.T) {
	_, err := NewClient("", nil, zap.NewNop())
	assert.Error(t, err)
}

func TestDetect_ReturnsFirstObservation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/detect", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req DetectRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []byte("img"), req.ImageData)

		_ = json.NewEncoder(w).Encode(DetectResponse{
			Observations: []Observation{
				{Keypoints: []models.NamedKeypoint{
					{Name: "neck", X: 0.5, Y: 0.8, Confidence: 0.9},
					{Name: "pelvis", X: 0.5, Y: 0.4, Confidence: 0.9},
				}},
				{Keypoints: []models.NamedKeypoint{
					{Name: "nose", X: 0.1, Y: 0.1, Confidence: 0.9},
				}},
			},
		})
	}, nil)

	obs, err := c.Detect(context.Background(), []byte("img"))
	require.NoError(t, err)
	require.NotNil(t, obs)
	assert.Equal(t, 2, obs.Len())

	_, ok := obs.Point(models.JointRoot)
	assert.True(t, ok)
}

func TestDetect_NoPerson(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"observations":[]}`))
	}, nil)

	obs, err := c.Detect(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.Nil(t, obs)
}

func TestDetect_ServerErrorNoRetryByDefault(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}, nil)

	obs, err := c.Detect(context.Background(), []byte("img"))
	assert.Error(t, err)
	assert.Nil(t, obs)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDetect_RetriesWhenConfigured(t *testing.T) {
	var calls int32
	cfg := &ClientConfig{Timeout: 2 * time.Second, MaxRetries: 2, RetryDelay: time.Millisecond}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"observations":[{"keypoints":[{"name":"neck","x":0.5,"y":0.5,"confidence":1}]}]}`))
	}, cfg)

	obs, err := c.Detect(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.NotNil(t, obs)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDetect_Timeout(t *testing.T) {
	cfg := &ClientConfig{Timeout: 50 * time.Millisecond}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}, cfg)

	start := time.Now()
	_, err := c.Detect(context.Background(), []byte("img"))
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestHealthCheck(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models/info" {
			_, _ = w.Write([]byte(`{"name":"pose","version":"1"}`))
			return
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}, nil)

	assert.False(t, c.Healthy())
	assert.NoError(t, c.HealthCheck(context.Background()))
	assert.True(t, c.Healthy())
	healthy.Store(false)
	assert.Error(t, c.HealthCheck(context.Background()))
	assert.False(t, c.Healthy())

	info, err := c.GetModelInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pose", info["name"])
}
