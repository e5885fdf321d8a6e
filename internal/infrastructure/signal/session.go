package signal

import (
	"sync"
	"sync/atomic"
	"time"

	"guffrelay/internal/core/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// session is one live client connection. All writes to conn happen on the
// write pump goroutine; everything else talks to it through send.
type session struct {
	address  domain.Address
	identity domain.Identity
	conn     *websocket.Conn

	// send is drained in order by writePump. It is never closed, done is.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// limiter throttles inbound messages, nil when unlimited.
	limiter *rate.Limiter

	// queued is set once the session's entry first reached the pool.
	queued atomic.Bool
	// received is set once anything has been queued to the session. The
	// match event is always the first payload, so a session that has
	// received nothing is still waiting for a partner.
	received atomic.Bool
}

func newSession(address domain.Address, identity domain.Identity, conn *websocket.Conn, sendBuffer int, limiter *rate.Limiter) *session {
	return &session{
		address:  address,
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		limiter:  limiter,
	}
}

// enqueue hands payload to the write pump without blocking. It returns false
// if the session is closed or its queue is full.
func (s *session) enqueue(payload []byte) bool {
	if s.closed() {
		return false
	}
	select {
	case s.send <- payload:
		s.received.Store(true)
		return true
	default:
		return false
	}
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// close tells the write pump to send a close frame and drop the connection,
// which in turn ends the read loop. Safe to call more than once.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// allow reports whether the next inbound message is within the rate limit.
func (s *session) allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}

// writePump writes queued payloads and keepalive pings until the session is
// closed or a write fails.
func (s *session) writePump(pingInterval, writeTimeout time.Duration, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		if r := recover(); r != nil {
			logger.Errorw("Panic in write pump", "address", s.address, "panic", r)
		}
		s.close()
		s.conn.Close()
	}()

	for {
		select {
		case payload := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debugw("Write failed", "address", s.address, "error", err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debugw("Ping failed", "address", s.address, "error", err)
				return
			}

		case <-s.done:
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		}
	}
}
