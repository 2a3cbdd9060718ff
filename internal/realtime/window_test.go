package realtime

import (
	"sync"
	"testing"
	"time"

	profiledomain "freight-marketplace/identity/internal/profile/domain"
	"freight-marketplace/identity/internal/resolver"
)

var _ resolver.WriteRecorder = (*Window)(nil)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestWindow(ttl time.Duration) (*Window, *manualClock) {
	clock := &manualClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	w := NewWindow(ttl)
	w.now = clock.Now
	return w, clock
}

func activation(id string, active bool) profiledomain.Change {
	return profiledomain.Change{Op: profiledomain.ChangeUpdate, ProfileID: id, Identity: "u1", Active: active, Status: profiledomain.StatusApproved}
}

func TestWindow_ConsumesOnce(t *testing.T) {
	w, _ := newTestWindow(5 * time.Second)
	w.Remember(activation("p1", true))
	if !w.Consume(activation("p1", true)) {
		t.Fatal("own write should be suppressed")
	}
	if w.Consume(activation("p1", true)) {
		t.Error("a remembered write suppresses only one notification")
	}
}

func TestWindow_KeyedByExactWrite(t *testing.T) {
	w, _ := newTestWindow(5 * time.Second)
	w.Remember(activation("p1", true))
	testCases := []struct {
		name string
		c    profiledomain.Change
	}{
		{"other profile", activation("p2", true)},
		{"other flag", activation("p1", false)},
		{"other op", profiledomain.Change{Op: profiledomain.ChangeDelete, ProfileID: "p1", Identity: "u1", Active: true, Status: profiledomain.StatusApproved}},
		{"other status", profiledomain.Change{Op: profiledomain.ChangeUpdate, ProfileID: "p1", Identity: "u1", Active: true, Status: profiledomain.StatusRejected}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if w.Consume(tc.c) {
				t.Error("a different change must not be suppressed")
			}
		})
	}
	if w.Len() != 1 {
		t.Errorf("Len = %d, want 1", w.Len())
	}
}

func TestWindow_Expiry(t *testing.T) {
	w, clock := newTestWindow(5 * time.Second)
	w.Remember(activation("p1", true))
	clock.Advance(4 * time.Second)
	w.Remember(activation("p1", true))
	clock.Advance(time.Second)
	if w.Len() != 1 {
		t.Fatalf("Len = %d, want the older entry expired", w.Len())
	}
	if !w.Consume(activation("p1", true)) {
		t.Error("the newer entry should still suppress")
	}
	w.Remember(activation("p2", true))
	clock.Advance(6 * time.Second)
	if w.Consume(activation("p2", true)) {
		t.Error("an expired write must not suppress")
	}
}

func TestNewWindow_DefaultTTL(t *testing.T) {
	if w := NewWindow(0); w.ttl != DefaultSuppressWindow {
		t.Errorf("ttl = %v", w.ttl)
	}
}
