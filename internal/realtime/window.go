package realtime

import (
	"sync"
	"time"

	profiledomain "freight-marketplace/identity/internal/profile/domain"
)

// DefaultSuppressWindow is how long a local write is remembered.
const DefaultSuppressWindow = 5 * time.Second

// Window remembers the client's own writes so the notifications they trigger are not treated
// as remote changes. Each remembered write suppresses exactly one matching notification.
type Window struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string][]time.Time
}

// NewWindow returns a Window whose entries expire after ttl (DefaultSuppressWindow if <= 0).
func NewWindow(ttl time.Duration) *Window {
	if ttl <= 0 {
		ttl = DefaultSuppressWindow
	}
	return &Window{ttl: ttl, now: time.Now, entries: make(map[string][]time.Time)}
}

// Remember records a write about to be performed.
func (w *Window) Remember(c profiledomain.Change) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.pruneLocked(now)
	k := c.Key()
	w.entries[k] = append(w.entries[k], now.Add(w.ttl))
}

// Consume reports whether c matches a remembered write and, if so, forgets that write.
func (w *Window) Consume(c profiledomain.Change) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(w.now())
	k := c.Key()
	exp := w.entries[k]
	if len(exp) == 0 {
		return false
	}
	if len(exp) == 1 {
		delete(w.entries, k)
	} else {
		w.entries[k] = exp[1:]
	}
	return true
}

// Len returns the number of unexpired remembered writes.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(w.now())
	n := 0
	for _, exp := range w.entries {
		n += len(exp)
	}
	return n
}

func (w *Window) pruneLocked(now time.Time) {
	for k, exp := range w.entries {
		i := 0
		for i < len(exp) && !now.Before(exp[i]) {
			i++
		}
		switch {
		case i == len(exp):
			delete(w.entries, k)
		case i > 0:
			w.entries[k] = exp[i:]
		}
	}
}
