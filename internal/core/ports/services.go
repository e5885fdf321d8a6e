package ports

import (
	"context"
	"net/http"

	"guffrelay/internal/core/domain"
)

// Deliverer pushes a payload to the live connection behind an address without
// waiting for the remote side.
type Deliverer interface {
	Deliver(ctx context.Context, address domain.Address, payload []byte) domain.DeliveryResult
}

type Matchmaker interface {
	AttemptMatch(ctx context.Context) (*domain.MatchEvent, error)
}

type SignalRouter interface {
	Route(ctx context.Context, sender domain.Address, raw []byte) (domain.DeliveryResult, error)
}

// IdentityResolver supplies the display identity for a connection attempt.
type IdentityResolver interface {
	Resolve(r *http.Request) (domain.Identity, error)
}

// RelayMetrics is the instrumentation the relay reports to.
type RelayMetrics interface {
	RecordMatch(results ...domain.DeliveryResult)
	RecordSignal(kind domain.SignalKind, result domain.DeliveryResult)
	RecordDropped(reason string)
	SetWaiting(n int)
	ConnectionOpened()
	ConnectionClosed()
	ConnectionRefused(reason string)
}
