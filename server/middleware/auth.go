package middleware

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const RoleAdmin = "admin"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Claims is the payload of an HS256 token. Times are unix seconds.
type Claims struct {
	Subject   string `json:"sub"`
	Role      string `json:"role"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
}

type tokenHeader struct {
	Typ string `json:"typ"`
	Alg string `json:"alg"`
}

// AuthMiddleware guards the admin routes with signed bearer tokens. Tokens
// are minted offline with the shared secret.
type AuthMiddleware struct {
	secretKey []byte
	logger    *zap.Logger
	now       func() time.Time
}

func NewAuthMiddleware(secretKey string, logger *zap.Logger) *AuthMiddleware {
	key := []byte(secretKey)
	if secretKey == "" {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			logger.Error("Failed to generate secret key", zap.Error(err))
		}
		logger.Warn("No secret key provided, admin tokens will not survive a restart")
	}

	return &AuthMiddleware{
		secretKey: key,
		logger:    logger,
		now:       time.Now,
	}
}

func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token required"})
			return
		}

		claims, err := a.ValidateToken(token)
		if err != nil {
			a.logger.Warn("Invalid token", zap.Error(err), zap.String("client_ip", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		c.Set("subject", claims.Subject)
		c.Set("role", claims.Role)
		c.Next()
	}
}

func (a *AuthMiddleware) RequireRole(requiredRole string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := c.Get("role")
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Role information not found"})
			return
		}

		if r, _ := role.(string); r != requiredRole {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
			return
		}

		c.Next()
	}
}

func (a *AuthMiddleware) GenerateToken(subject, role string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Subject:   subject,
		Role:      role,
		ExpiresAt: now.Add(ttl).Unix(),
		IssuedAt:  now.Unix(),
	}

	headerJSON, err := json.Marshal(tokenHeader{Typ: "JWT", Alg: "HS256"})
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	message := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(claimsJSON)
	return message + "." + a.createSignature(message), nil
}

func (a *AuthMiddleware) ValidateToken(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	message := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(parts[2]), []byte(a.createSignature(message))) {
		return nil, ErrInvalidToken
	}

	var header tokenHeader
	if err := decodeSegment(parts[0], &header); err != nil || header.Alg != "HS256" {
		return nil, ErrInvalidToken
	}

	var claims Claims
	if err := decodeSegment(parts[1], &claims); err != nil {
		return nil, ErrInvalidToken
	}

	if a.now().Unix() >= claims.ExpiresAt {
		return nil, ErrTokenExpired
	}

	return &claims, nil
}

func decodeSegment(segment string, dest any) error {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || scheme != "Bearer" {
		return ""
	}
	return token
}

func (a *AuthMiddleware) createSignature(message string) string {
	h := hmac.New(sha256.New, a.secretKey)
	h.Write([]byte(message))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
