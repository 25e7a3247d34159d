// Package spotlock provides per-spot locks held across the admission check
// and insert of a reservation.
package spotlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultTimeout is used when no acquisition timeout is configured.
const DefaultTimeout = 5 * time.Second

// ErrTimeout indicates the lock could not be acquired in time.
var ErrTimeout = errors.New("spot lock acquisition timed out")

// KeyedLocker is an in-process lock keyed by spot id. Locks on different
// spots never contend.
type KeyedLocker struct {
	mu      sync.Mutex
	slots   map[int64]*slot
	timeout time.Duration
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewKeyedLocker constructs KeyedLocker.
func NewKeyedLocker(timeout time.Duration) *KeyedLocker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &KeyedLocker{slots: make(map[int64]*slot), timeout: timeout}
}

// Lock blocks until the spot is free, the timeout elapses or ctx is done.
func (k *KeyedLocker) Lock(ctx context.Context, spotID int64) (func(), error) {
	started := time.Now()
	s := k.acquireSlot(spotID)

	timer := time.NewTimer(k.timeout)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		lockWait.WithLabelValues("acquired").Observe(time.Since(started).Seconds())
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				k.releaseSlot(spotID)
			})
		}, nil
	case <-timer.C:
		k.releaseSlot(spotID)
		lockWait.WithLabelValues("timeout").Observe(time.Since(started).Seconds())
		return nil, fmt.Errorf("%w: spot %d", ErrTimeout, spotID)
	case <-ctx.Done():
		k.releaseSlot(spotID)
		lockWait.WithLabelValues("cancelled").Observe(time.Since(started).Seconds())
		return nil, ctx.Err()
	}
}

func (k *KeyedLocker) acquireSlot(spotID int64) *slot {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[spotID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[spotID] = s
	}
	s.refs++
	return s
}

func (k *KeyedLocker) releaseSlot(spotID int64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s := k.slots[spotID]
	s.refs--
	if s.refs == 0 {
		delete(k.slots, spotID)
	}
}
