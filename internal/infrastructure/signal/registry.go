package signal

import (
	"context"
	"sync"

	"guffrelay/internal/core/domain"
	"guffrelay/internal/core/ports"

	"go.uber.org/zap"
)

// Registry maps the address of every live connection on this instance to its
// session. It is the local Deliverer.
type Registry struct {
	sessions map[domain.Address]*session
	mu       sync.RWMutex
	logger   *zap.SugaredLogger
}

func NewRegistry(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		sessions: make(map[domain.Address]*session),
		logger:   logger,
	}
}

var _ ports.Deliverer = (*Registry)(nil)

func (r *Registry) add(s *session) {
	r.mu.Lock()
	r.sessions[s.address] = s
	r.mu.Unlock()
}

// remove unregisters the session if it is still the one held for its address.
func (r *Registry) remove(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[s.address]; ok && current == s {
		delete(r.sessions, s.address)
		return true
	}
	return false
}

func (r *Registry) get(address domain.Address) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[address]
}

// Deliver queues payload for the connection at address. A recipient that
// cannot keep up is closed rather than have a message silently skipped, so
// what it did receive is always an in-order prefix.
func (r *Registry) Deliver(ctx context.Context, address domain.Address, payload []byte) domain.DeliveryResult {
	s := r.get(address)
	if s == nil {
		return domain.RecipientGone
	}
	if s.enqueue(payload) {
		return domain.Delivered
	}
	if !s.closed() {
		r.logger.Warnw("Send queue full, closing connection",
			"address", address,
			"identity", s.identity,
		)
		s.close()
	}
	return domain.RecipientGone
}

// Has reports whether address is a live connection on this instance.
func (r *Registry) Has(address domain.Address) bool {
	return r.get(address) != nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// waiting returns the open sessions that were queued and have not been sent
// anything yet.
func (r *Registry) waiting() []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*session
	for _, s := range r.sessions {
		if s.queued.Load() && !s.closed() && !s.received.Load() {
			out = append(out, s)
		}
	}
	return out
}

// CloseAll closes every live connection. Each connection cleans up after
// itself as its read loop ends.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		s.close()
	}
}
