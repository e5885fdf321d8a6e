package services

import (
	"context"

	"guffrelay/internal/core/domain"

	"github.com/stretchr/testify/mock"
)

type MockDeliverer struct {
	mock.Mock
}

func (m *MockDeliverer) Deliver(ctx context.Context, address domain.Address, payload []byte) domain.DeliveryResult {
	args := m.Called(ctx, address, payload)
	return args.Get(0).(domain.DeliveryResult)
}

type MockRelayMetrics struct {
	mock.Mock
}

func (m *MockRelayMetrics) RecordMatch(results ...domain.DeliveryResult) {
	m.Called(results)
}

func (m *MockRelayMetrics) RecordSignal(kind domain.SignalKind, result domain.DeliveryResult) {
	m.Called(kind, result)
}

func (m *MockRelayMetrics) RecordDropped(reason string) {
	m.Called(reason)
}

func (m *MockRelayMetrics) SetWaiting(n int) {
	m.Called(n)
}

func (m *MockRelayMetrics) ConnectionOpened() {
	m.Called()
}

func (m *MockRelayMetrics) ConnectionClosed() {
	m.Called()
}

func (m *MockRelayMetrics) ConnectionRefused(reason string) {
	m.Called(reason)
}

type MockWaitingPool struct {
	mock.Mock
}

func (m *MockWaitingPool) Enqueue(ctx context.Context, entry domain.PendingEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockWaitingPool) PopPair(ctx context.Context) (*domain.Pair, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Pair), args.Error(1)
}

func (m *MockWaitingPool) Remove(ctx context.Context, address domain.Address) (bool, error) {
	args := m.Called(ctx, address)
	return args.Bool(0), args.Error(1)
}

func (m *MockWaitingPool) Len(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}
