// Package realtime follows server-pushed profile changes and re-resolves the identity when
// they are not the client's own writes.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	identitydomain "freight-marketplace/identity/internal/identity/domain"
	profiledomain "freight-marketplace/identity/internal/profile/domain"
)

// Status is the connection state of a feed subscription.
type Status string

const (
	StatusConnected Status = "connected"
	StatusError     Status = "error"
	StatusTimedOut  Status = "timed_out"
	StatusClosed    Status = "closed"
)

// Degraded reports whether changes may be missed while in this status.
func (s Status) Degraded() bool {
	return s == StatusError || s == StatusTimedOut
}

// ErrInvalidChange is returned for a notification payload that is not a profile change.
var ErrInvalidChange = errors.New("invalid change payload")

// Subscription is an active feed subscription.
type Subscription interface {
	// Close stops delivery and waits for the subscription goroutine to exit.
	Close()
}

// Feed delivers profile changes for one identity. onChange and onStatus are called from the
// subscription's goroutine, never concurrently with each other.
type Feed interface {
	Subscribe(ctx context.Context, identity identitydomain.Identity, onChange func(profiledomain.Change), onStatus func(Status, error)) (Subscription, error)
}

func decodeChange(payload []byte) (profiledomain.Change, error) {
	var c profiledomain.Change
	if err := json.Unmarshal(payload, &c); err != nil {
		return c, fmt.Errorf("%w: %w", ErrInvalidChange, err)
	}
	switch c.Op {
	case profiledomain.ChangeInsert, profiledomain.ChangeUpdate, profiledomain.ChangeDelete:
	default:
		return c, fmt.Errorf("%w: op %q", ErrInvalidChange, c.Op)
	}
	if c.Identity == "" || c.ProfileID == "" {
		return c, fmt.Errorf("%w: missing identity or profile id", ErrInvalidChange)
	}
	return c, nil
}

// subscription runs one feed loop until closed.
type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func startSubscription(ctx context.Context, loop func(ctx context.Context)) *subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &subscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		loop(ctx)
	}()
	return s
}

func (s *subscription) Close() {
	s.once.Do(s.cancel)
	<-s.done
}
