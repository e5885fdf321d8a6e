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

// matchmaker pairs waiting connections. It pops the two most recently enqueued
// entries, so the newest arrivals are paired first: someone who just opened
// the page gets a partner immediately and entries left behind by abandoned
// tabs sink to the bottom. The cost is that under sustained load the oldest
// waiters can starve until traffic drops.
type matchmaker struct {
	pool      ports.WaitingPool
	deliverer ports.Deliverer
	metrics   ports.RelayMetrics
	logger    *zap.SugaredLogger
}

func NewMatchmaker(
	pool ports.WaitingPool,
	deliverer ports.Deliverer,
	metrics ports.RelayMetrics,
	logger *zap.SugaredLogger,
) ports.Matchmaker {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &matchmaker{
		pool:      pool,
		deliverer: deliverer,
		metrics:   metrics,
		logger:    logger,
	}
}

// AttemptMatch pairs two waiting entries if possible and sends the match event
// to both. It returns nil when fewer than two entries are waiting.
func (m *matchmaker) AttemptMatch(ctx context.Context) (*domain.MatchEvent, error) {
	ctx, span := tracing.TraceMatch(ctx)
	defer span.End()

	pair, err := m.pool.PopPair(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("pop pair: %w", err)
	}
	if n, err := m.pool.Len(ctx); err == nil {
		m.metrics.SetWaiting(n)
	}
	if pair == nil {
		return nil, nil
	}

	event := domain.NewMatchEvent(*pair)
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode match event: %w", err)
	}

	first := m.deliverer.Deliver(ctx, event.User1.Address, payload)
	second := m.deliverer.Deliver(ctx, event.User2.Address, payload)
	m.metrics.RecordMatch(first, second)

	tracing.AddSpanAttributes(ctx,
		tracing.AddressKey.StringSlice([]string{event.User1.Address.String(), event.User2.Address.String()}),
		tracing.IdentityKey.StringSlice([]string{string(event.User1.Identity), string(event.User2.Identity)}),
		tracing.DeliveryKey.String(first.String()+","+second.String()),
	)
	m.logger.Infow("Matched peers",
		"user1", event.User1.Identity,
		"user1_address", event.User1.Address,
		"user1_delivery", first,
		"user2", event.User2.Identity,
		"user2_address", event.User2.Address,
		"user2_delivery", second,
	)

	return &event, nil
}

// NoopMetrics discards every measurement.
type NoopMetrics struct{}

func (NoopMetrics) RecordMatch(...domain.DeliveryResult)                  {}
func (NoopMetrics) RecordSignal(domain.SignalKind, domain.DeliveryResult) {}
func (NoopMetrics) RecordDropped(string)                                  {}
func (NoopMetrics) SetWaiting(int)                                        {}
func (NoopMetrics) ConnectionOpened()                                     {}
func (NoopMetrics) ConnectionClosed()                                     {}
func (NoopMetrics) ConnectionRefused(string)                              {}

