package ports

import (
	"context"

	"guffrelay/internal/core/domain"
)

// WaitingPool holds connections waiting for a partner. Every method is a single
// atomic operation with respect to all others.
type WaitingPool interface {
	Enqueue(ctx context.Context, entry domain.PendingEntry) error
	// PopPair removes the two most recently enqueued entries. It returns nil
	// when fewer than two entries are waiting.
	PopPair(ctx context.Context) (*domain.Pair, error)
	// Remove is idempotent and reports whether an entry was removed.
	Remove(ctx context.Context, address domain.Address) (bool, error)
	Len(ctx context.Context) (int, error)
}
