package middleware

import (
	"sync"
	"time"

	"guffrelay/pkg/config"
	apperrors "guffrelay/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long a key may stay unused before its limiter is
// dropped. A limiter idle for longer than its refill time is full again, so
// dropping it does not change what the key is allowed.
const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiterStore stores per-key (for example, per IP) rate limiters.
// Limiters unused for idleTTL are swept on access.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	rate      rate.Limit
	burstSize int
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	idle := limiterIdleTTL
	if r > 0 {
		if refill := time.Duration(float64(burst) / float64(r) * float64(time.Second)); refill > idle {
			idle = refill
		}
	}
	return &rateLimiterStore{
		limiters:  make(map[string]*limiterEntry),
		rate:      r,
		burstSize: burst,
		idleTTL:   idle,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) >= s.idleTTL {
		s.sweepLocked(now)
	}

	entry, exists := s.limiters[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(s.rate, s.burstSize)}
		s.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

func (s *rateLimiterStore) sweepLocked(now time.Time) {
	for key, entry := range s.limiters {
		if now.Sub(entry.lastSeen) > s.idleTTL {
			delete(s.limiters, key)
		}
	}
	s.lastSweep = now
}

func (s *rateLimiterStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// NewHTTPRateLimitMiddleware returns Gin middleware that applies simple IP-based rate limiting.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	rps := cfg.RateLimiting.HTTP.RequestsPerSecond
	burst := cfg.RateLimiting.HTTP.Burst

	store := newRateLimiterStore(rate.Limit(rps), burst)

	var globalSem chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		globalSem = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		// Global concurrent requests throttling
		if globalSem != nil {
			select {
			case globalSem <- struct{}{}:
				defer func() { <-globalSem }()
			default:
				abortWithAppError(c, apperrors.NewServiceUnavailableError("too many concurrent requests"))
				return
			}
		}

		limiter := store.getLimiter(c.ClientIP())
		if !limiter.Allow() {
			abortWithAppError(c, apperrors.NewRateLimitError().WithContext("retry_after_seconds", 1))
			return
		}
		c.Next()
	}
}

// WebSocketLimiter admits WebSocket connection attempts per client IP and caps
// the number of concurrent connections. It also builds the per-connection
// message limiter.
type WebSocketLimiter struct {
	enabled     bool
	connections *rateLimiterStore
	sem         chan struct{}
	msgRate     rate.Limit
	msgBurst    int
}

// NewWebSocketLimiter returns a limiter for cfg. With rate limiting disabled
// every attempt is admitted.
func NewWebSocketLimiter(cfg *config.Config) *WebSocketLimiter {
	ws := cfg.RateLimiting.WebSocket
	l := &WebSocketLimiter{enabled: cfg.RateLimiting.Enabled}
	if !l.enabled {
		return l
	}

	burst := ws.ConnectionsPerMinute / 6
	if burst < 1 {
		burst = 1
	}
	l.connections = newRateLimiterStore(rate.Limit(float64(ws.ConnectionsPerMinute)/60), burst)
	if ws.MaxConcurrent > 0 {
		l.sem = make(chan struct{}, ws.MaxConcurrent)
	}
	l.msgRate = rate.Limit(ws.MessagesPerSecond)
	l.msgBurst = ws.Burst
	return l
}

// Acquire admits one connection attempt from clientIP. The returned release
// must be called once the connection has ended.
func (l *WebSocketLimiter) Acquire(clientIP string) (func(), error) {
	if !l.enabled {
		return func() {}, nil
	}

	if !l.connections.getLimiter(clientIP).Allow() {
		return nil, apperrors.NewRateLimitError()
	}

	if l.sem == nil {
		return func() {}, nil
	}
	select {
	case l.sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-l.sem }) }, nil
	default:
		return nil, apperrors.NewServiceUnavailableError("too many concurrent connections")
	}
}

// MessageLimiter returns a fresh limiter for one connection's inbound
// messages, or nil when unlimited.
func (l *WebSocketLimiter) MessageLimiter() *rate.Limiter {
	if !l.enabled {
		return nil
	}
	return rate.NewLimiter(l.msgRate, l.msgBurst)
}
