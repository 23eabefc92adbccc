package geocode

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultSearchDebounce is the quiet period before a location search runs.
const DefaultSearchDebounce = 300 * time.Millisecond

// ErrSuperseded is returned to a waiter whose key saw a newer Wait before
// its quiet period ended.
var ErrSuperseded = errors.New("geocode: superseded by a newer query")

// Debouncer implements a trailing debounce per key. Only waiting calls are
// superseded; work that already started is never interrupted.
type Debouncer struct {
	delay time.Duration

	mu      sync.Mutex
	pending map[string]chan struct{}
}

// NewDebouncer returns a Debouncer with the given quiet period.
func NewDebouncer(delay time.Duration) *Debouncer {
	if delay <= 0 {
		delay = DefaultSearchDebounce
	}
	return &Debouncer{delay: delay, pending: make(map[string]chan struct{})}
}

// Wait blocks for the quiet period. It returns nil if no other Wait for key
// arrived meanwhile, ErrSuperseded if one did, or the context's error.
func (d *Debouncer) Wait(ctx context.Context, key string) error {
	me := make(chan struct{})
	d.mu.Lock()
	if prev, ok := d.pending[key]; ok {
		close(prev)
	}
	d.pending[key] = me
	d.mu.Unlock()

	t := time.NewTimer(d.delay)
	defer t.Stop()

	select {
	case <-me:
		return ErrSuperseded
	case <-ctx.Done():
		d.release(key, me)
		return ctx.Err()
	case <-t.C:
		d.mu.Lock()
		defer d.mu.Unlock()
		// A newer Wait may have closed me just as the timer fired.
		select {
		case <-me:
			return ErrSuperseded
		default:
		}
		delete(d.pending, key)
		return nil
	}
}

func (d *Debouncer) release(key string, me chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending[key] == me {
		delete(d.pending, key)
	}
}
