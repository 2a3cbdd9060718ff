package session

import (
	"context"
	"log/slog"
	"sync"

	identitydomain "freight-marketplace/identity/internal/identity/domain"
	"freight-marketplace/identity/internal/resolver"
)

// IdentityResolver is the part of resolver.Resolver the listener drives.
type IdentityResolver interface {
	Reset(identity identitydomain.Identity)
	Clear()
	Resolve(ctx context.Context, opts resolver.ResolveOptions) (resolver.Outcome, resolver.Snapshot)
}

// ChangeWatcher follows server-pushed changes for one identity at a time.
type ChangeWatcher interface {
	Watch(ctx context.Context, identity identitydomain.Identity) error
	Stop()
}

// Listener turns session events into resolutions. Events are handled in order on one goroutine,
// outside the provider's callback, so a refresh issued from inside a resolution never waits on
// that resolution. A sign-out or identity change retires the resolver's state inside the callback,
// before any queued work runs, so a resolution still in flight for the old identity cannot commit.
type Listener struct {
	provider Provider
	resolver IdentityResolver
	watcher  ChangeWatcher
	logger   *slog.Logger

	mu    sync.Mutex
	queue []identitydomain.SessionEvent
	wake  chan struct{}
}

// NewListener returns a Listener. watcher may be nil when realtime changes are disabled.
func NewListener(provider Provider, res IdentityResolver, watcher ChangeWatcher, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		provider: provider,
		resolver: res,
		watcher:  watcher,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
}

// Run handles session events until ctx is done. A session already present when Run starts is
// handled as if it had just been established.
func (l *Listener) Run(ctx context.Context) error {
	cancel := l.provider.Subscribe(l.enqueue)
	defer cancel()
	if s := l.provider.Current(); s != nil {
		l.enqueue(identitydomain.SessionEvent{Kind: identitydomain.SessionEstablished, Session: s})
	}
	for {
		select {
		case <-ctx.Done():
			if l.watcher != nil {
				l.watcher.Stop()
			}
			return nil
		case <-l.wake:
		}
		for {
			ev, ok := l.next()
			if !ok {
				break
			}
			l.handle(ctx, ev)
		}
	}
}

func (l *Listener) enqueue(ev identitydomain.SessionEvent) {
	switch {
	case ev.Kind == identitydomain.SessionRevoked:
		l.resolver.Clear()
	case identityChanged(ev):
		l.resolver.Reset(ev.Session.Identity)
	}

	l.mu.Lock()
	l.queue = append(l.queue, ev)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Listener) next() (identitydomain.SessionEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return identitydomain.SessionEvent{}, false
	}
	ev := l.queue[0]
	l.queue = l.queue[1:]
	return ev, true
}

func (l *Listener) handle(ctx context.Context, ev identitydomain.SessionEvent) {
	if ev.Kind != identitydomain.SessionRevoked && l.superseded(ev.Session) {
		l.logger.Debug("session listener: skipping superseded event", "kind", ev.Kind)
		return
	}
	switch ev.Kind {
	case identitydomain.SessionEstablished:
		l.established(ctx, ev.Session)
	case identitydomain.SessionRefreshed:
		if identityChanged(ev) {
			l.established(ctx, ev.Session)
			return
		}
		outcome, _ := l.resolver.Resolve(ctx, resolver.ResolveOptions{Source: "session_refresh"})
		l.logger.Debug("session listener: refreshed", "outcome", outcome)
	case identitydomain.SessionRevoked:
		if l.watcher != nil {
			l.watcher.Stop()
		}
		l.logger.Info("session listener: revoked, state cleared")
	}
}

func identityChanged(ev identitydomain.SessionEvent) bool {
	if ev.Session == nil {
		return false
	}
	if ev.Previous == nil {
		return ev.Kind == identitydomain.SessionEstablished
	}
	return ev.Previous.Identity != ev.Session.Identity
}

// superseded reports whether a later sign-out or sign-in replaced s before its event was handled.
func (l *Listener) superseded(s *identitydomain.Session) bool {
	cur := l.provider.Current()
	return s == nil || cur == nil || cur.Identity != s.Identity
}

func (l *Listener) established(ctx context.Context, s *identitydomain.Session) {
	if l.watcher != nil {
		if err := l.watcher.Watch(ctx, s.Identity); err != nil {
			l.logger.Warn("session listener: realtime watch failed", "identity", s.Identity, "error", err)
		}
	}
	outcome, snap := l.resolver.Resolve(ctx, resolver.ResolveOptions{Force: true, Source: "session"})
	l.logger.Info("session listener: established", "identity", s.Identity, "outcome", outcome, "phase", snap.Phase)
}
