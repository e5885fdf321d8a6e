package memory

import (
	"container/list"
	"context"
	"sync"

	"guffrelay/internal/core/domain"
	"guffrelay/internal/core/ports"
)

// MemoryWaitingPool is an insertion-ordered pool guarded by a single mutex.
// The back of the list is the most recently enqueued entry.
type MemoryWaitingPool struct {
	entries *list.List
	index   map[domain.Address]*list.Element
	mu      sync.Mutex
}

func NewMemoryWaitingPool() ports.WaitingPool {
	return &MemoryWaitingPool{
		entries: list.New(),
		index:   make(map[domain.Address]*list.Element),
	}
}

func (p *MemoryWaitingPool) Enqueue(ctx context.Context, entry domain.PendingEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.index[entry.Address]; exists {
		return domain.ErrAlreadyQueued
	}

	p.index[entry.Address] = p.entries.PushBack(entry)
	return nil
}

// PopPair takes from the back: newest arrivals are paired first.
func (p *MemoryWaitingPool) PopPair(ctx context.Context) (*domain.Pair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.entries.Len() < 2 {
		return nil, nil
	}

	first := p.removeLocked(p.entries.Back())
	second := p.removeLocked(p.entries.Back())

	return &domain.Pair{First: first, Second: second}, nil
}

func (p *MemoryWaitingPool) Remove(ctx context.Context, address domain.Address) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	elem, exists := p.index[address]
	if !exists {
		return false, nil
	}

	p.removeLocked(elem)
	return true, nil
}

func (p *MemoryWaitingPool) Len(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.entries.Len(), nil
}

func (p *MemoryWaitingPool) removeLocked(elem *list.Element) domain.PendingEntry {
	entry := p.entries.Remove(elem).(domain.PendingEntry)
	delete(p.index, entry.Address)
	return entry
}
