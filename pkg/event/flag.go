package event

import (
	"context"
	"sync"
	"time"
)

// Flag is a level-triggered event that goroutines can block on.
// Multiple calls to Set are coalesced. A waiter is released when the flag is set,
// or when the context it is waiting with is cancelled.
type Flag struct {
	mu   sync.Mutex
	cond *sync.Cond
	set  bool
}

func NewFlag(initial bool) *Flag {
	f := &Flag{set: initial}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Set the flag, and wake all waiters
func (f *Flag) Set() {
	f.mu.Lock()
	f.set = true
	f.mu.Unlock()
	f.cond.Broadcast()
}

// Clear the flag
func (f *Flag) Clear() {
	f.mu.Lock()
	f.set = false
	f.mu.Unlock()
}

// SetTo sets or clears the flag
func (f *Flag) SetTo(v bool) {
	if v {
		f.Set()
	} else {
		f.Clear()
	}
}

func (f *Flag) IsSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

// Wait blocks until the flag is set, or ctx is done.
// Returns ctx.Err() if the wait was cancelled.
func (f *Flag) Wait(ctx context.Context) error {
	f.mu.Lock()
	if f.set {
		f.mu.Unlock()
		return nil
	}
	// Wake us up if the context is cancelled while we're inside cond.Wait.
	// The callback takes the lock, so it cannot fire between our ctx check and cond.Wait.
	stop := context.AfterFunc(ctx, func() {
		f.mu.Lock()
		f.cond.Broadcast()
		f.mu.Unlock()
	})
	defer stop()
	for !f.set {
		if err := ctx.Err(); err != nil {
			f.mu.Unlock()
			return err
		}
		f.cond.Wait()
	}
	f.mu.Unlock()
	return nil
}

// WaitTimeout is Wait with an upper bound on the blocking time.
// Returns true if the flag was set.
func (f *Flag) WaitTimeout(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return f.Wait(ctx) == nil
}
