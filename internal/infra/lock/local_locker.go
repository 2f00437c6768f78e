package lock

import (
	"context"
	"fmt"
	"sync"
)

// LocalDealLocker serializes deal updates inside one process.
// Used when no Redis address is configured.
type LocalDealLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocalDealLocker() *LocalDealLocker {
	return &LocalDealLocker{slots: make(map[string]*slot)}
}

func (l *LocalDealLocker) Lock(ctx context.Context, dealID string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[dealID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[dealID] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.release(dealID, s)
			})
		}, nil
	case <-ctx.Done():
		l.release(dealID, s)
		return nil, fmt.Errorf("timed out waiting for lock on deal %s: %w", dealID, ctx.Err())
	}
}

func (l *LocalDealLocker) release(dealID string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, dealID)
	}
}
