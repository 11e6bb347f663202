package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func ok(c *gin.Context) { c.String(http.StatusOK, c.Query("q")) }

func TestAuth_AdminToken(t *testing.T) {
	auth := NewAuthMiddleware("secret", zap.NewNop())
	r := gin.New()
	r.GET("/admin", auth.RequireAuth(), auth.RequireRole(RoleAdmin), ok)

	adminToken, err := auth.GenerateToken("ops", RoleAdmin, time.Hour)
	require.NoError(t, err)
	userToken, err := auth.GenerateToken("someone", "user", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + adminToken, http.StatusUnauthorized},
		{"tampered", "Bearer " + adminToken + "x", http.StatusUnauthorized},
		{"wrong role", "Bearer " + userToken, http.StatusForbidden},
		{"admin", "Bearer " + adminToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.status, serve(r, req).Code)
		})
	}
}

func TestAuth_ValidateToken(t *testing.T) {
	auth := NewAuthMiddleware("secret", zap.NewNop())
	now := time.Unix(1_700_000_000, 0)
	auth.now = func() time.Time { return now }

	token, err := auth.GenerateToken("ops", RoleAdmin, time.Minute)
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, now.Unix(), claims.IssuedAt)

	now = now.Add(2 * time.Minute)
	_, err = auth.ValidateToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)

	other := NewAuthMiddleware("other", zap.NewNop())
	_, err = other.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	rl := NewRateLimiter(2, 2, zap.NewNop())
	defer rl.Shutdown()
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	r := gin.New()
	r.GET("/", rl.RateLimit(), ok)
	get := func() int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(clientIDHeader, "c1")
		return serve(r, req).Code
	}

	assert.Equal(t, http.StatusOK, get())
	assert.Equal(t, http.StatusOK, get())
	assert.Equal(t, http.StatusTooManyRequests, get())

	now = now.Add(500 * time.Millisecond)
	assert.Equal(t, http.StatusOK, get(), "half a second refills one token at 2 rps")
	assert.Equal(t, http.StatusTooManyRequests, get())

	assert.Equal(t, 1, rl.GetGlobalStats().ActiveClients)
	now = now.Add(bucketIdleLimit + time.Second)
	assert.Equal(t, 1, rl.sweep(now))
	assert.Equal(t, 0, rl.GetGlobalStats().ActiveClients)
}

func TestRateLimiter_SeparatesClients(t *testing.T) {
	rl := NewRateLimiter(1, 1, zap.NewNop())
	defer rl.Shutdown()

	r := gin.New()
	r.GET("/", rl.RateLimit(), ok)
	get := func(client string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(clientIDHeader, client)
		return serve(r, req).Code
	}

	assert.Equal(t, http.StatusOK, get("a"))
	assert.Equal(t, http.StatusTooManyRequests, get("a"))
	assert.Equal(t, http.StatusOK, get("b"))
}

func TestInputValidation(t *testing.T) {
	r := gin.New()
	r.Use(InputValidation())
	r.POST("/", ok)
	r.GET("/", ok)

	post := func(contentType, body string) int {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		return serve(r, req).Code
	}

	assert.Equal(t, http.StatusOK, post("application/json", "{}"))
	assert.Equal(t, http.StatusOK, post("multipart/form-data; boundary=x", "--x--"))
	assert.Equal(t, http.StatusUnsupportedMediaType, post("text/plain", "hi"))
	assert.Equal(t, http.StatusOK, post("", ""), "empty bodies carry no content type")

	w := serve(r, httptest.NewRequest(http.MethodGet, "/?q=o%27neil%3Cb%3E%26", nil))
	assert.Equal(t, "o'neil<b>&", w.Body.String(), "query values are not rewritten")
}

func TestRequestSizeLimit(t *testing.T) {
	r := gin.New()
	r.Use(RequestSizeLimit(4))
	r.POST("/", ok)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("too large"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, serve(r, req).Code)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("ok"))
	assert.Equal(t, http.StatusOK, serve(r, req).Code)
}

func TestCORS(t *testing.T) {
	r := gin.New()
	r.Use(CORS([]string{"https://app.example"}))
	r.GET("/", ok)

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example")
	w := serve(r, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	assert.Equal(t, "null", serve(r, req).Header().Get("Access-Control-Allow-Origin"))
}

func TestTimeoutHandler_SetsDeadline(t *testing.T) {
	r := gin.New()
	r.Use(TimeoutHandler(time.Second))
	r.GET("/", func(c *gin.Context) {
		_, ok := c.Request.Context().Deadline()
		assert.True(t, ok)
		c.Status(http.StatusOK)
	})
	assert.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
}

func TestHealthCheck(t *testing.T) {
	r := gin.New()
	r.Use(SecurityHeaders())
	r.GET("/health", HealthCheck(map[string]Probe{
		"detector": func(context.Context) error { return errors.New("unreachable") },
		"storage":  func(context.Context) error { return nil },
	}))

	w := serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))

	var body struct {
		Status  string            `json:"status"`
		Service string            `json:"service"`
		Checks  map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, ServiceName, body.Service)
	assert.Equal(t, map[string]string{"detector": "unreachable", "storage": "ok"}, body.Checks)
}
