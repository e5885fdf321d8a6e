package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"guffrelay/internal/core/domain"
	"guffrelay/internal/core/ports"
	"guffrelay/internal/core/services"
	apperrors "guffrelay/pkg/errors"
	"guffrelay/pkg/logger"
	"guffrelay/pkg/tracing"
	"guffrelay/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// cleanupTimeout bounds pool removal when a connection closes.
const cleanupTimeout = 5 * time.Second

// ConnectionGate admits or rejects connection attempts before the upgrade and
// hands out a per-connection message limiter.
type ConnectionGate interface {
	// Acquire returns a release func on success. The error is an AppError
	// suitable for the HTTP response.
	Acquire(clientIP string) (release func(), err error)
	// MessageLimiter returns nil when inbound messages are not limited.
	MessageLimiter() *rate.Limiter
}

// Options are the transport settings of the WebSocket server.
type Options struct {
	InstanceID     string
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	MaxMessageSize int64
	AllowedOrigins []string
}

func DefaultOptions() Options {
	return Options{
		InstanceID:     "local",
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendBuffer:     64,
		MaxMessageSize: 64 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

type WebSocketServer struct {
	opts     Options
	upgrader websocket.Upgrader

	registry   *Registry
	pool       ports.WaitingPool
	matchmaker ports.Matchmaker
	router     ports.SignalRouter
	identities ports.IdentityResolver
	metrics    ports.RelayMetrics
	gate       ConnectionGate

	logger *zap.SugaredLogger
	ctxLog *logger.ContextLogger
}

func NewWebSocketServer(
	opts Options,
	registry *Registry,
	pool ports.WaitingPool,
	matchmaker ports.Matchmaker,
	router ports.SignalRouter,
	identities ports.IdentityResolver,
	metrics ports.RelayMetrics,
	log *zap.SugaredLogger,
) *WebSocketServer {
	if metrics == nil {
		metrics = services.NoopMetrics{}
	}
	s := &WebSocketServer{
		opts:       opts,
		registry:   registry,
		pool:       pool,
		matchmaker: matchmaker,
		router:     router,
		identities: identities,
		metrics:    metrics,
		logger:     log,
		ctxLog:     logger.NewContextLogger(log),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return s
}

var _ ports.WebSocketHandler = (*WebSocketServer)(nil)

// requestClientIP prefers the IP resolved by the HTTP layer and otherwise
// uses the direct peer. Forwarding headers are never read here.
func requestClientIP(r *http.Request) string {
	if ip := logger.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SetConnectionGate installs connection and message rate limiting.
func (s *WebSocketServer) SetConnectionGate(gate ConnectionGate) {
	s.gate = gate
}

// HandleWebSocket serves one client connection for its whole lifetime: admit,
// upgrade, enqueue, match, then relay messages until the connection closes.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var limiter *rate.Limiter
	if s.gate != nil {
		release, err := s.gate.Acquire(requestClientIP(r))
		if err != nil {
			s.metrics.ConnectionRefused("rate_limited")
			apperrors.WriteHTTP(w, err)
			return
		}
		defer release()
		limiter = s.gate.MessageLimiter()
	}

	identity, err := s.identities.Resolve(r)
	if err != nil {
		s.metrics.ConnectionRefused("identity")
		s.logger.Debugw("Connection refused", "remote_addr", r.RemoteAddr, "error", err)
		apperrors.WriteHTTP(w, apperrors.NewRefusalError(err))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		s.logger.Debugw("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	address := domain.NewAddress(s.opts.InstanceID, utils.GenerateConnectionID())
	sess := newSession(address, identity, conn, s.opts.SendBuffer, limiter)
	// The write pump owns conn from here on and closes it once the session
	// is closed.
	go sess.writePump(s.opts.PingInterval, s.opts.WriteTimeout, s.logger)

	ctx := logger.WithIdentity(logger.WithAddress(context.WithoutCancel(r.Context()), address.String()), string(identity))
	log := s.ctxLog.WithContext(ctx)

	s.registry.add(sess)
	s.metrics.ConnectionOpened()
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(ctx, cleanupTimeout)
		defer cancel()
		s.closeSession(cleanupCtx, sess)
		s.metrics.ConnectionClosed()
		log.Infow("Peer disconnected")
	}()
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorw("Panic in connection handler", "panic", rec, "stack", string(debug.Stack()))
		}
	}()

	conn.SetReadLimit(s.opts.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	entry := domain.PendingEntry{
		Identity:   identity,
		Address:    address,
		EnqueuedAt: time.Now(),
	}
	if err := s.pool.Enqueue(ctx, entry); err != nil {
		log.Errorw("Failed to enqueue peer", "error", err)
		return
	}
	sess.queued.Store(true)
	s.updateWaiting(ctx)
	log.Infow("Peer connected")

	if _, err := s.matchmaker.AttemptMatch(ctx); err != nil {
		log.Errorw("Match attempt failed", "error", err)
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debugw("Read failed", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			s.metrics.RecordDropped(services.DropMalformed)
			continue
		}
		// Any frame from the client proves it is alive.
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))

		if !sess.allow() {
			s.metrics.RecordDropped(services.DropRateLimited)
			log.Debugw("Message rate limit exceeded, dropping")
			continue
		}
		s.HandleMessage(ctx, address, data)
	}
}

// HandleMessage routes one inbound message. Nothing is ever sent back to the
// sender; messages that cannot be routed are dropped.
func (s *WebSocketServer) HandleMessage(ctx context.Context, sender domain.Address, raw []byte) {
	ctx, span := tracing.TraceWebSocketMessage(ctx, sender.String())
	defer span.End()
	defer tracing.MeasureDuration(ctx, time.Now(), "route")

	result, err := s.router.Route(ctx, sender, raw)
	if err != nil {
		if !isDropError(err) {
			tracing.RecordError(ctx, err)
		}
		s.ctxLog.WithContext(ctx).Debugw("Dropped message",
			"error", err,
			"size", len(raw),
			"preview", utils.TruncateString(utils.SanitizeString(string(raw)), 128),
		)
		return
	}
	tracing.AddSpanAttributes(ctx, tracing.DeliveryKey.String(result.String()))
}

// HandleDisconnect releases everything held for the address: its pending
// entry, if it was never matched, and its registry slot.
func (s *WebSocketServer) HandleDisconnect(ctx context.Context, address domain.Address) {
	if sess := s.registry.get(address); sess != nil {
		s.closeSession(ctx, sess)
		return
	}
	s.removePending(ctx, address)
}

// closeSession marks the session closed before removing its entry, so a
// concurrent requeue either sees it closed or has its entry removed here.
func (s *WebSocketServer) closeSession(ctx context.Context, sess *session) {
	sess.close()
	s.removePending(ctx, sess.address)
	s.registry.remove(sess)
}

// RequeueWaiting puts every local connection that is still waiting for a
// partner back into the pool and attempts a match for each. It is used after
// this instance's entries may have been purged by another instance. It
// returns how many entries were put back.
func (s *WebSocketServer) RequeueWaiting(ctx context.Context) int {
	requeued := 0
	for _, sess := range s.registry.waiting() {
		entry := domain.PendingEntry{
			Identity:   sess.identity,
			Address:    sess.address,
			EnqueuedAt: time.Now(),
		}
		err := s.pool.Enqueue(ctx, entry)
		if errors.Is(err, domain.ErrAlreadyQueued) {
			continue
		}
		if err != nil {
			s.logger.Errorw("Failed to requeue peer", "address", sess.address, "error", err)
			continue
		}
		if sess.closed() {
			s.removePending(ctx, sess.address)
			continue
		}
		requeued++

		if _, err := s.matchmaker.AttemptMatch(ctx); err != nil {
			s.logger.Errorw("Match attempt failed", "address", sess.address, "error", err)
		}
	}
	if requeued > 0 {
		s.updateWaiting(ctx)
		s.logger.Infow("Requeued waiting peers", "count", requeued)
	}
	return requeued
}

func (s *WebSocketServer) removePending(ctx context.Context, address domain.Address) {
	removed, err := s.pool.Remove(ctx, address)
	if err != nil {
		s.logger.Errorw("Failed to remove pending entry", "address", address, "error", err)
		return
	}
	if removed {
		s.logger.Debugw("Removed unmatched peer from pool", "address", address)
		s.updateWaiting(ctx)
	}
}

func (s *WebSocketServer) updateWaiting(ctx context.Context) {
	if n, err := s.pool.Len(ctx); err == nil {
		s.metrics.SetWaiting(n)
	}
}

// HealthCheck reports liveness along with connection and pool counts.
func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.registry.Len(),
	}
	if n, err := s.pool.Len(r.Context()); err == nil {
		response["waiting"] = n
	} else {
		response["status"] = "degraded"
		response["error"] = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// Shutdown closes every live connection on this instance.
func (s *WebSocketServer) Shutdown() {
	s.registry.CloseAll()
}

func isDropError(err error) bool {
	return errors.Is(err, domain.ErrUnknownSignalKind) ||
		errors.Is(err, domain.ErrMalformedSignal) ||
		errors.Is(err, domain.ErrSenderMismatch)
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}
