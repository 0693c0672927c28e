package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const secret = "test-secret"

func sign(t *testing.T, key string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return token
}

func authRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/me", JWTAuth(secret), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("userID"))
	})
	return router
}

func TestJWTAuth(t *testing.T) {
	router := authRouter()
	valid := jwt.MapClaims{"user_id": "kid", "exp": time.Now().Add(time.Hour).Unix()}

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid", "Bearer " + sign(t, secret, valid), http.StatusOK},
		{"lowercase scheme", "bearer " + sign(t, secret, valid), http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"wrong key", "Bearer " + sign(t, "other", valid), http.StatusUnauthorized},
		{"expired", "Bearer " + sign(t, secret, jwt.MapClaims{"user_id": "kid", "exp": time.Now().Add(-time.Hour).Unix()}), http.StatusUnauthorized},
		{"no exp", "Bearer " + sign(t, secret, jwt.MapClaims{"user_id": "kid"}), http.StatusUnauthorized},
		{"no user", "Bearer " + sign(t, secret, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}), http.StatusUnauthorized},
		{"empty user", "Bearer " + sign(t, secret, jwt.MapClaims{"user_id": "", "exp": time.Now().Add(time.Hour).Unix()}), http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "kid", w.Body.String())
			}
		})
	}
}

func TestFloodLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := NewFloodLimiter([]PathLimit{{Prefix: "/api/v1/auth", Limit: rate.Every(time.Hour), Burst: 2}})

	router := gin.New()
	router.Use(limiter.RateLimit())
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	router.POST("/api/v1/auth/token", ok)
	router.GET("/api/v1/account", ok)

	hit := func(method, path, ip string) int {
		req := httptest.NewRequest(method, path, nil)
		req.RemoteAddr = ip + ":1234"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, hit(http.MethodPost, "/api/v1/auth/token", "10.0.0.1"))
	assert.Equal(t, http.StatusOK, hit(http.MethodPost, "/api/v1/auth/token", "10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, hit(http.MethodPost, "/api/v1/auth/token", "10.0.0.1"))
	assert.Equal(t, http.StatusOK, hit(http.MethodPost, "/api/v1/auth/token", "10.0.0.2"), "clients are limited separately")

	for i := 0; i < 20; i++ {
		require.Equal(t, http.StatusOK, hit(http.MethodGet, "/api/v1/account", "10.0.0.1"), "unmatched paths are not limited")
	}
}

func TestFloodLimiterSweep(t *testing.T) {
	limiter := NewFloodLimiter(DefaultLimits())
	now := time.Now()
	limiter.now = func() time.Time { return now }

	limiter.getLimiter("/api/v1/auth/token", "a")
	now = now.Add(2 * time.Minute)
	limiter.getLimiter("/api/v1/auth/token", "b")
	now = now.Add(2 * time.Minute)

	limiter.Sweep()
	assert.Len(t, limiter.visitors, 1)
	assert.Contains(t, limiter.visitors, "b:/api/v1/auth/token")
}

func TestOrderLimitsKeyOnUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := NewFloodLimiter(OrderLimits())

	router := gin.New()
	router.POST("/api/v1/orders/buy", func(c *gin.Context) {
		c.Set("userID", c.GetHeader("X-User"))
		c.Next()
	}, limiter.RateLimit(), func(c *gin.Context) { c.Status(http.StatusBadRequest) })

	hit := func(user string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/buy", nil)
		req.Header.Set("X-User", user)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	limited := 0
	for i := 0; i < 30; i++ {
		if hit("kid") == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.GreaterOrEqual(t, limited, 10, "refused requests still count")
	assert.Equal(t, http.StatusBadRequest, hit("sibling"), "users are limited separately")
}
