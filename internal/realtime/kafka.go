package realtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	identitydomain "freight-marketplace/identity/internal/identity/domain"
	profiledomain "freight-marketplace/identity/internal/profile/domain"
)

// messageReader is the part of *kafka.Reader the feed uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaFeed delivers changes from a CDC topic of the profiles table. Message values carry the
// same JSON document as the database notification.
type KafkaFeed struct {
	brokers    []string
	topic      string
	groupID    string
	logger     *slog.Logger
	newReader  func() messageReader
	newBackOff func() backoff.BackOff
}

// NewKafkaFeed returns a feed reading topic. An empty groupID gives every process its own
// consumer group so each client sees every change.
func NewKafkaFeed(brokers []string, topic, groupID string, logger *slog.Logger) *KafkaFeed {
	if groupID == "" {
		groupID = "identity-realtime-" + uuid.NewString()
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &KafkaFeed{brokers: brokers, topic: topic, groupID: groupID, logger: logger}
	f.newReader = func() messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:        f.brokers,
			Topic:          f.topic,
			GroupID:        f.groupID,
			StartOffset:    kafka.LastOffset,
			MinBytes:       1,
			MaxBytes:       10e6, // 10MB
			MaxWait:        time.Second,
			CommitInterval: time.Second,
		})
	}
	f.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = 30 * time.Second
		return b
	}
	return f
}

var _ Feed = (*KafkaFeed)(nil)

// Subscribe starts consuming changes to identity's profiles.
func (f *KafkaFeed) Subscribe(ctx context.Context, identity identitydomain.Identity, onChange func(profiledomain.Change), onStatus func(Status, error)) (Subscription, error) {
	if identity == "" {
		return nil, identitydomain.ErrNoSession
	}
	reader := f.newReader()
	return startSubscription(ctx, func(ctx context.Context) {
		defer onStatus(StatusClosed, nil)
		defer reader.Close()
		f.consume(ctx, reader, identity, onChange, onStatus)
	}), nil
}

func (f *KafkaFeed) consume(ctx context.Context, reader messageReader, identity identitydomain.Identity, onChange func(profiledomain.Change), onStatus func(Status, error)) {
	b := f.newBackOff()
	// The reader connects lazily; errors surface on the first fetch.
	onStatus(StatusConnected, nil)
	connected := true
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			connected = false
			f.logger.Warn("realtime: kafka fetch failed", "topic", f.topic, "error", err)
			onStatus(StatusError, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.NextBackOff()):
			}
			continue
		}
		if !connected {
			connected = true
			b.Reset()
			onStatus(StatusConnected, nil)
		}
		if c, err := decodeChange(msg.Value); err != nil {
			f.logger.Warn("realtime: dropping change message", "topic", f.topic, "offset", msg.Offset, "error", err)
		} else if c.Identity == identity {
			onChange(c)
		}
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			f.logger.Warn("realtime: kafka commit failed", "topic", f.topic, "offset", msg.Offset, "error", err)
		}
	}
}
