package services

import (
	"context"
	"encoding/json"
	"fmt"

	"guffrelay/internal/core/domain"
	"guffrelay/internal/core/ports"
	"guffrelay/pkg/tracing"

	"go.uber.org/zap"
)

// Reasons a message is dropped without delivery, as reported to metrics.
const (
	DropUnknownKind    = "unknown_kind"
	DropMalformed      = "malformed"
	DropSenderMismatch = "sender_mismatch"
	DropRateLimited    = "rate_limited"
	DropRecipientGone  = "recipient_gone"
)

type signalRouter struct {
	deliverer    ports.Deliverer
	metrics      ports.RelayMetrics
	verifySender bool
	logger       *zap.SugaredLogger
}

// NewSignalRouter returns a router that forwards negotiation messages between
// matched peers. With verifySender the sender's own party in the message must
// carry the address of the connection it arrived on.
func NewSignalRouter(
	deliverer ports.Deliverer,
	metrics ports.RelayMetrics,
	verifySender bool,
	logger *zap.SugaredLogger,
) ports.SignalRouter {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &signalRouter{
		deliverer:    deliverer,
		metrics:      metrics,
		verifySender: verifySender,
		logger:       logger,
	}
}

// Route forwards raw unmodified to the partner named in the message. Only the
// signal type and the party addresses are read.
func (r *signalRouter) Route(ctx context.Context, sender domain.Address, raw []byte) (domain.DeliveryResult, error) {
	var env domain.SignalEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.metrics.RecordDropped(DropMalformed)
		return domain.RecipientGone, fmt.Errorf("%w: %v", domain.ErrMalformedSignal, err)
	}

	kind, ok := domain.ParseSignalKind(env.SignalType)
	if !ok {
		r.metrics.RecordDropped(DropUnknownKind)
		return domain.RecipientGone, fmt.Errorf("%w: %q", domain.ErrUnknownSignalKind, env.SignalType)
	}
	tracing.AddSpanAttributes(ctx, tracing.SignalTypeKey.String(kind.String()))

	recipient := env.Party(kind.Recipient())
	if recipient == nil || recipient.Address == "" {
		r.metrics.RecordDropped(DropMalformed)
		return domain.RecipientGone, fmt.Errorf("%w: %s without recipient address", domain.ErrMalformedSignal, kind)
	}

	if r.verifySender {
		own := env.Party(kind.Sender())
		if own == nil || own.Address != sender {
			r.metrics.RecordDropped(DropSenderMismatch)
			return domain.RecipientGone, fmt.Errorf("%w: %s from %s", domain.ErrSenderMismatch, kind, sender)
		}
	}

	result := r.deliverer.Deliver(ctx, recipient.Address, raw)
	r.metrics.RecordSignal(kind, result)
	if result == domain.RecipientGone {
		r.logger.Debugw("Signal recipient gone",
			"signal_type", kind,
			"sender", sender,
			"recipient", recipient.Address,
		)
	}
	return result, nil
}
