package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"guffrelay/pkg/config"
	apperrors "guffrelay/pkg/errors"
	"guffrelay/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test that when rate limiting is disabled, middleware lets all requests through.
func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/test", nil)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

// Test basic per-IP rate limiting behaviour.
func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w1 := httptest.NewRecorder()
	req1, _ := http.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w1, req1)
	assert.Equal(t, http.StatusOK, w1.Code)

	// Second immediate request from same "IP" should be limited.
	w2 := httptest.NewRecorder()
	req2, _ := http.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
	assert.Contains(t, w2.Body.String(), "RATE_LIMIT_EXCEEDED")
}

func TestWebSocketLimiter_Disabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	l := NewWebSocketLimiter(cfg)

	for i := 0; i < 100; i++ {
		release, err := l.Acquire("10.0.0.1")
		require.NoError(t, err)
		release()
	}
	assert.Nil(t, l.MessageLimiter())
}

func TestWebSocketLimiter_PerIPRate(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 6 // burst of 1
	l := NewWebSocketLimiter(cfg)

	release, err := l.Acquire("10.0.0.1")
	require.NoError(t, err)
	defer release()

	_, err = l.Acquire("10.0.0.1")
	require.Error(t, err)
	assert.Equal(t, http.StatusTooManyRequests, apperrors.GetAppError(err).HTTPStatus)

	// A different client is unaffected.
	other, err := l.Acquire("10.0.0.2")
	require.NoError(t, err)
	other()
}

func TestWebSocketLimiter_MaxConcurrent(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 6000
	cfg.RateLimiting.WebSocket.MaxConcurrent = 1
	l := NewWebSocketLimiter(cfg)

	release, err := l.Acquire("10.0.0.1")
	require.NoError(t, err)

	_, err = l.Acquire("10.0.0.2")
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, apperrors.GetAppError(err).HTTPStatus)

	release()
	release() // idempotent

	again, err := l.Acquire("10.0.0.3")
	require.NoError(t, err)
	again()
}

func TestWebSocketLimiter_MessageLimiter(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 1
	cfg.RateLimiting.WebSocket.Burst = 3
	l := NewWebSocketLimiter(cfg)

	limiter := l.MessageLimiter()
	require.NotNil(t, limiter)
	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow())
	}
	assert.False(t, limiter.Allow())

	// Each connection gets its own budget.
	assert.True(t, l.MessageLimiter().Allow())
}

// connectEngine mounts the WebSocket limiter behind gin the way the relay
// does, answering 200 when a connection attempt is admitted.
func connectEngine(t *testing.T, l *WebSocketLimiter, trusted []string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	require.NoError(t, engine.SetTrustedProxies(trusted))
	engine.Use(ClientIPMiddleware())
	engine.GET("/connection-request/", func(c *gin.Context) {
		release, err := l.Acquire(logger.ClientIPFromContext(c.Request.Context()))
		if err != nil {
			c.Status(apperrors.GetAppError(err).HTTPStatus)
			return
		}
		release()
		c.Status(http.StatusOK)
	})
	return engine
}

func connectAttempt(engine *gin.Engine, remote, forwardedFor string) int {
	req := httptest.NewRequest(http.MethodGet, "/connection-request/", nil)
	req.RemoteAddr = remote
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w.Code
}

func TestWebSocketLimiter_IgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 6 // burst of 1
	engine := connectEngine(t, NewWebSocketLimiter(cfg), nil)

	assert.Equal(t, http.StatusOK, connectAttempt(engine, "198.51.100.7:1000", "203.0.113.1"))
	for i := 2; i < 6; i++ {
		spoofed := "203.0.113." + strconv.Itoa(i)
		assert.Equal(t, http.StatusTooManyRequests, connectAttempt(engine, "198.51.100.7:1000", spoofed))
	}
}

func TestWebSocketLimiter_HonoursForwardedForFromTrustedProxy(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 6
	engine := connectEngine(t, NewWebSocketLimiter(cfg), []string{"10.0.0.0/8"})

	assert.Equal(t, http.StatusOK, connectAttempt(engine, "10.0.0.5:1000", "203.0.113.1"))
	assert.Equal(t, http.StatusTooManyRequests, connectAttempt(engine, "10.0.0.5:1000", "203.0.113.1"))
	// Distinct clients behind the same proxy keep separate budgets.
	assert.Equal(t, http.StatusOK, connectAttempt(engine, "10.0.0.5:1000", "203.0.113.2"))
}

func TestHTTPRateLimitMiddleware_IgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1

	router := gin.New()
	require.NoError(t, router.SetTrustedProxies(nil))
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 2)
	for _, xff := range []string{"203.0.113.1", "203.0.113.2"} {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "198.51.100.7:1000"
		req.Header.Set("X-Forwarded-For", xff)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimiterStore_EvictsIdleLimiters(t *testing.T) {
	store := newRateLimiterStore(1, 1)
	now := time.Now()
	store.now = func() time.Time { return now }
	store.lastSweep = now

	for i := 0; i < 100; i++ {
		store.getLimiter("203.0.113." + strconv.Itoa(i))
	}
	assert.Equal(t, 100, store.len())

	now = now.Add(store.idleTTL / 2)
	busy := store.getLimiter("198.51.100.7")
	require.False(t, busy.Allow() && busy.Allow())

	now = now.Add(store.idleTTL/2 + time.Second)
	assert.Same(t, busy, store.getLimiter("198.51.100.7"))
	assert.Equal(t, 1, store.len())
}

func TestRateLimiterStore_IdleTTLCoversRefill(t *testing.T) {
	store := newRateLimiterStore(0.5, 1000)
	assert.Equal(t, 2000*time.Second, store.idleTTL)

	assert.Equal(t, limiterIdleTTL, newRateLimiterStore(10, 20).idleTTL)
}
