package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "posture-screen"

func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")

		c.Header("X-Content-Type-Options", "nosniff")

		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

		c.Header("Content-Security-Policy", "default-src 'self'; img-src 'self' data: blob:; connect-src 'self' ws: wss:;")

		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// photos are uploaded, never captured in the page
		c.Header("Permissions-Policy", "camera=(), microphone=(), geolocation=()")

		c.Next()
	}
}

func CORS(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := len(allowedOrigins) == 0 || contains(allowedOrigins, "*") || contains(allowedOrigins, origin)
		if allowed && origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		} else if !allowed {
			c.Header("Access-Control-Allow-Origin", "null")
		}

		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Authorization, Accept, Origin, Cache-Control, X-Requested-With, X-Client-ID")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RequestSizeLimit rejects declared oversized bodies and caps the rest while
// they are read.
func RequestSizeLimit(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":    "Request too large",
				"max_size": maxSize,
			})
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		}
		c.Next()
	}
}

func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		fields := []zap.Field{
			zap.String("method", param.Method),
			zap.String("path", param.Path),
			zap.Int("status", param.StatusCode),
			zap.Duration("latency", param.Latency),
			zap.String("client_ip", param.ClientIP),
			zap.Int("body_size", param.BodySize),
		}
		if param.ErrorMessage != "" {
			fields = append(fields, zap.String("error", param.ErrorMessage))
		}

		switch {
		case param.StatusCode >= http.StatusInternalServerError:
			logger.Error("HTTP Request", fields...)
		case param.StatusCode >= http.StatusBadRequest:
			logger.Warn("HTTP Request", fields...)
		default:
			logger.Info("HTTP Request", fields...)
		}
		return ""
	})
}

// TimeoutHandler bounds the request context. Analysis observes the deadline
// and gives up once it passes.
func TimeoutHandler(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// InputValidation accepts JSON and multipart bodies on write requests. Query
// values pass through untouched; they reach storage only as bound parameters.
func InputValidation() gin.HandlerFunc {
	return func(c *gin.Context) {
		if (c.Request.Method == http.MethodPost || c.Request.Method == http.MethodPut) && c.Request.ContentLength != 0 {
			contentType := c.GetHeader("Content-Type")
			if !strings.Contains(contentType, "application/json") && !strings.HasPrefix(contentType, "multipart/form-data") {
				c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{
					"error": "Invalid content type",
				})
				return
			}
		}

		c.Next()
	}
}

// Probe checks one dependency of the service.
type Probe func(ctx context.Context) error

// HealthCheck reports the service as degraded when a probe fails. Analysis
// still answers in that case, so the status code stays 200.
func HealthCheck(probes map[string]Probe) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "healthy"
		checks := make(map[string]string, len(probes))
		for name, probe := range probes {
			if err := probe(c.Request.Context()); err != nil {
				checks[name] = err.Error()
				status = "degraded"
				continue
			}
			checks[name] = "ok"
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    status,
			"checks":    checks,
			"timestamp": time.Now().Unix(),
			"service":   ServiceName,
		})
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
