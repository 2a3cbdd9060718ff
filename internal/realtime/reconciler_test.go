package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	identitydomain "freight-marketplace/identity/internal/identity/domain"
	profiledomain "freight-marketplace/identity/internal/profile/domain"
	"freight-marketplace/identity/internal/resolver"
	"freight-marketplace/identity/internal/telemetry"
)

type fakeFeed struct {
	mu       sync.Mutex
	onChange func(profiledomain.Change)
	onStatus func(Status, error)
	subs     []identitydomain.Identity
	closed   int
}

type fakeSub struct{ f *fakeFeed }

func (s fakeSub) Close() {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	s.f.closed++
}

func (f *fakeFeed) Subscribe(_ context.Context, identity identitydomain.Identity, onChange func(profiledomain.Change), onStatus func(Status, error)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, identity)
	f.onChange, f.onStatus = onChange, onStatus
	return fakeSub{f}, nil
}

func (f *fakeFeed) push(c profiledomain.Change) {
	f.mu.Lock()
	fn := f.onChange
	f.mu.Unlock()
	fn(c)
}

func (f *fakeFeed) status(s Status) {
	f.mu.Lock()
	fn := f.onStatus
	f.mu.Unlock()
	fn(s, nil)
}

type countingResolver struct {
	mu       sync.Mutex
	calls    []resolver.ResolveOptions
	outcomes []resolver.Outcome
}

func (r *countingResolver) Resolve(_ context.Context, opts resolver.ResolveOptions) (resolver.Outcome, resolver.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, opts)
	o := resolver.OutcomeCompleted
	if len(r.outcomes) > 0 {
		o = r.outcomes[0]
		r.outcomes = r.outcomes[1:]
	}
	return o, resolver.Snapshot{}
}

func (r *countingResolver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []*telemetry.Event
}

func (e *fakeEmitter) Emit(_ context.Context, ev *telemetry.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *fakeEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

func remote(id string) profiledomain.Change {
	return profiledomain.Change{Op: profiledomain.ChangeUpdate, ProfileID: id, Identity: "u1", Status: profiledomain.StatusApproved}
}

func TestReconciler_DebouncesBurst(t *testing.T) {
	feed, res := &fakeFeed{}, &countingResolver{}
	r := NewReconciler(feed, res, nil, Options{Debounce: 30 * time.Millisecond})
	if err := r.Watch(context.Background(), "u1"); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer r.Stop()

	for i := 0; i < 10; i++ {
		feed.push(remote("p1"))
	}
	eventually(t, func() bool { return res.count() == 1 })
	time.Sleep(100 * time.Millisecond)
	if n := res.count(); n != 1 {
		t.Fatalf("resolutions = %d, want 1", n)
	}
	res.mu.Lock()
	opts := res.calls[0]
	res.mu.Unlock()
	if opts.Force || opts.Source != "realtime" {
		t.Errorf("opts = %+v, want non-forced realtime", opts)
	}
}

func TestReconciler_SuppressesOwnWrites(t *testing.T) {
	feed, res := &fakeFeed{}, &countingResolver{}
	window := NewWindow(5 * time.Second)
	r := NewReconciler(feed, res, window, Options{Debounce: 10 * time.Millisecond})
	if err := r.Watch(context.Background(), "u1"); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer r.Stop()

	window.Remember(remote("p1"))
	feed.push(remote("p1"))
	time.Sleep(60 * time.Millisecond)
	if n := res.count(); n != 0 {
		t.Fatalf("own write triggered %d resolutions", n)
	}
	feed.push(remote("p1"))
	eventually(t, func() bool { return res.count() == 1 })
}

func TestReconciler_RearmsOnceWhenThrottled(t *testing.T) {
	feed := &fakeFeed{}
	res := &countingResolver{outcomes: []resolver.Outcome{resolver.OutcomeThrottled, resolver.OutcomeThrottled}}
	r := NewReconciler(feed, res, nil, Options{Debounce: 10 * time.Millisecond, Throttle: 30 * time.Millisecond})
	if err := r.Watch(context.Background(), "u1"); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer r.Stop()

	feed.push(remote("p1"))
	eventually(t, func() bool { return res.count() == 2 })
	time.Sleep(100 * time.Millisecond)
	if n := res.count(); n != 2 {
		t.Errorf("resolutions = %d, want 2 (one re-arm only)", n)
	}
}

func TestReconciler_StopCancelsPending(t *testing.T) {
	feed, res := &fakeFeed{}, &countingResolver{}
	r := NewReconciler(feed, res, nil, Options{Debounce: 30 * time.Millisecond})
	if err := r.Watch(context.Background(), "u1"); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	feed.push(remote("p1"))
	r.Stop()
	time.Sleep(80 * time.Millisecond)
	if n := res.count(); n != 0 {
		t.Errorf("resolutions after Stop = %d", n)
	}
	if feed.closed != 1 {
		t.Errorf("closed = %d, want 1", feed.closed)
	}
	if r.Status() != StatusClosed {
		t.Errorf("status = %s", r.Status())
	}

	// Callbacks of the stopped subscription are ignored.
	feed.push(remote("p1"))
	time.Sleep(80 * time.Millisecond)
	if n := res.count(); n != 0 {
		t.Errorf("stale subscription triggered %d resolutions", n)
	}
}

func TestReconciler_WatchReplacesPrevious(t *testing.T) {
	feed, res := &fakeFeed{}, &countingResolver{}
	r := NewReconciler(feed, res, nil, Options{Debounce: 10 * time.Millisecond})
	if err := r.Watch(context.Background(), "u1"); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := r.Watch(context.Background(), "u2"); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer r.Stop()
	feed.mu.Lock()
	subs, closed := append([]identitydomain.Identity(nil), feed.subs...), feed.closed
	feed.mu.Unlock()
	if len(subs) != 2 || subs[1] != "u2" || closed != 1 {
		t.Errorf("subs = %v closed = %d", subs, closed)
	}
}

func TestReconciler_AdvisoryRateLimited(t *testing.T) {
	feed, res, events := &fakeFeed{}, &countingResolver{}, &fakeEmitter{}
	clock := &manualClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	r := NewReconciler(feed, res, nil, Options{AdvisoryInterval: 15 * time.Minute, Events: events, Now: clock.Now})
	if err := r.Watch(context.Background(), "u1"); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer r.Stop()

	feed.status(StatusConnected)
	if r.Status() != StatusConnected {
		t.Errorf("status = %s", r.Status())
	}
	feed.status(StatusError)
	feed.status(StatusTimedOut)
	clock.Advance(10 * time.Minute)
	feed.status(StatusError)
	eventually(t, func() bool { return events.count() == 1 })
	clock.Advance(6 * time.Minute)
	feed.status(StatusError)
	eventually(t, func() bool { return events.count() == 2 })
	if r.Status() != StatusError {
		t.Errorf("status = %s", r.Status())
	}
	if n := res.count(); n != 0 {
		t.Errorf("status changes must not resolve, got %d", n)
	}
}
