package repositories

import (
	"context"
	"errors"

	"guffrelay/internal/core/domain"
	"guffrelay/internal/core/ports"
	"guffrelay/pkg/circuitbreaker"
	"guffrelay/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// instrumentedPool traces every pool operation and, when breaker is set,
// routes it through the breaker.
type instrumentedPool struct {
	inner   ports.WaitingPool
	backend string
	breaker *circuitbreaker.CircuitBreaker
}

func newInstrumentedPool(inner ports.WaitingPool, backend string, breaker *circuitbreaker.CircuitBreaker) ports.WaitingPool {
	return &instrumentedPool{inner: inner, backend: backend, breaker: breaker}
}

func (p *instrumentedPool) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := tracing.TracePoolOperation(ctx, op, p.backend)
	defer span.End()

	var err error
	if p.breaker != nil {
		var domainErr error
		err = p.breaker.Execute(func() error {
			// A duplicate enqueue is an answer from the backend, not a failure.
			err := fn(ctx)
			if errors.Is(err, domain.ErrAlreadyQueued) {
				domainErr = err
				return nil
			}
			return err
		})
		if err == nil {
			err = domainErr
		}
	} else {
		err = fn(ctx)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *instrumentedPool) Enqueue(ctx context.Context, entry domain.PendingEntry) error {
	return p.call(ctx, "enqueue", func(ctx context.Context) error {
		return p.inner.Enqueue(ctx, entry)
	})
}

func (p *instrumentedPool) PopPair(ctx context.Context) (*domain.Pair, error) {
	var pair *domain.Pair
	err := p.call(ctx, "pop_pair", func(ctx context.Context) error {
		var err error
		pair, err = p.inner.PopPair(ctx)
		return err
	})
	return pair, err
}

func (p *instrumentedPool) Remove(ctx context.Context, address domain.Address) (bool, error) {
	var removed bool
	err := p.call(ctx, "remove", func(ctx context.Context) error {
		var err error
		removed, err = p.inner.Remove(ctx, address)
		return err
	})
	return removed, err
}

func (p *instrumentedPool) Len(ctx context.Context) (int, error) {
	var n int
	err := p.call(ctx, "len", func(ctx context.Context) error {
		var err error
		n, err = p.inner.Len(ctx)
		if err == nil {
			tracing.AddSpanAttributes(ctx, attribute.Int("pool.size", n))
		}
		return err
	})
	return n, err
}
