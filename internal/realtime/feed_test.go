package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/segmentio/kafka-go"

	profiledomain "freight-marketplace/identity/internal/profile/domain"
)

func TestDecodeChange(t *testing.T) {
	c, err := decodeChange([]byte(`{"op":"UPDATE","profile_id":"p1","identity":"u1","is_active":true,"status":"APPROVED"}`))
	if err != nil {
		t.Fatalf("decodeChange: %v", err)
	}
	want := profiledomain.Change{Op: profiledomain.ChangeUpdate, ProfileID: "p1", Identity: "u1", Active: true, Status: profiledomain.StatusApproved}
	if c != want {
		t.Errorf("change = %+v, want %+v", c, want)
	}

	for _, payload := range []string{
		`not json`,
		`{"op":"TRUNCATE","profile_id":"p1","identity":"u1"}`,
		`{"op":"INSERT","identity":"u1"}`,
		`{"op":"INSERT","profile_id":"p1"}`,
	} {
		if _, err := decodeChange([]byte(payload)); !errors.Is(err, ErrInvalidChange) {
			t.Errorf("decodeChange(%s) err = %v", payload, err)
		}
	}
}

// statusLog collects feed callbacks.
type statusLog struct {
	mu       sync.Mutex
	statuses []Status
	changes  []profiledomain.Change
}

func (l *statusLog) onChange(c profiledomain.Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

func (l *statusLog) onStatus(s Status, _ error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, s)
}

func (l *statusLog) snapshot() ([]Status, []profiledomain.Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.statuses...), append([]profiledomain.Change(nil), l.changes...)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakeConn struct {
	notes  chan *pgconn.Notification
	mu     sync.Mutex
	execs  []string
	closed bool
}

func (c *fakeConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, sql)
	return pgconn.NewCommandTag("LISTEN"), nil
}

func (c *fakeConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case n, ok := <-c.notes:
		if !ok {
			return nil, errors.New("conn closed")
		}
		return n, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func testPostgresFeed(dial func(ctx context.Context) (listenConn, error)) *PostgresFeed {
	f := NewPostgresFeed("postgres://unused", "", nil)
	f.dial = dial
	f.maxTries = 3
	f.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return f
}

func TestPostgresFeed_DeliversOwnIdentity(t *testing.T) {
	conn := &fakeConn{notes: make(chan *pgconn.Notification, 4)}
	f := testPostgresFeed(func(context.Context) (listenConn, error) { return conn, nil })
	log := &statusLog{}
	sub, err := f.Subscribe(context.Background(), "u1", log.onChange, log.onStatus)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	conn.notes <- &pgconn.Notification{Channel: DefaultChannel, Payload: `{"op":"INSERT","profile_id":"p9","identity":"u2","status":"PENDING"}`}
	conn.notes <- &pgconn.Notification{Channel: DefaultChannel, Payload: `garbage`}
	conn.notes <- &pgconn.Notification{Channel: DefaultChannel, Payload: `{"op":"UPDATE","profile_id":"p1","identity":"u1","is_active":true,"status":"APPROVED"}`}
	eventually(t, func() bool { _, ch := log.snapshot(); return len(ch) == 1 })
	sub.Close()

	statuses, changes := log.snapshot()
	if changes[0].ProfileID != "p1" {
		t.Errorf("change = %+v", changes[0])
	}
	if statuses[0] != StatusConnected || statuses[len(statuses)-1] != StatusClosed {
		t.Errorf("statuses = %v", statuses)
	}
	if len(conn.execs) != 1 || conn.execs[0] != `LISTEN "profile_changes"` {
		t.Errorf("execs = %v", conn.execs)
	}
	if !conn.closed {
		t.Error("connection should be closed")
	}
}

func TestPostgresFeed_ReconnectsAfterDrop(t *testing.T) {
	first := &fakeConn{notes: make(chan *pgconn.Notification)}
	second := &fakeConn{notes: make(chan *pgconn.Notification, 1)}
	var mu sync.Mutex
	dials := 0
	f := testPostgresFeed(func(context.Context) (listenConn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		switch dials {
		case 1:
			return first, nil
		case 2:
			return nil, errors.New("connection refused")
		}
		return second, nil
	})
	log := &statusLog{}
	sub, err := f.Subscribe(context.Background(), "u1", log.onChange, log.onStatus)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	eventually(t, func() bool { s, _ := log.snapshot(); return len(s) == 1 })
	close(first.notes)
	second.notes <- &pgconn.Notification{Payload: `{"op":"DELETE","profile_id":"p1","identity":"u1","status":"APPROVED"}`}
	eventually(t, func() bool { _, ch := log.snapshot(); return len(ch) == 1 })

	statuses, _ := log.snapshot()
	want := []Status{StatusConnected, StatusError, StatusError, StatusConnected}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("statuses[%d] = %s, want %s", i, statuses[i], want[i])
		}
	}
}

func TestPostgresFeed_GivesUp(t *testing.T) {
	f := testPostgresFeed(func(context.Context) (listenConn, error) {
		return nil, context.DeadlineExceeded
	})
	log := &statusLog{}
	sub, err := f.Subscribe(context.Background(), "u1", log.onChange, log.onStatus)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	eventually(t, func() bool { s, _ := log.snapshot(); return len(s) > 0 && s[len(s)-1] == StatusClosed })
	sub.Close()
	statuses, _ := log.snapshot()
	if statuses[0] != StatusTimedOut {
		t.Errorf("statuses = %v, want timed_out first", statuses)
	}
}

func TestFeeds_RejectEmptyIdentity(t *testing.T) {
	noop := func(profiledomain.Change) {}
	noStatus := func(Status, error) {}
	if _, err := NewPostgresFeed("", "", nil).Subscribe(context.Background(), "", noop, noStatus); err == nil {
		t.Error("postgres: want error")
	}
	if _, err := NewKafkaFeed(nil, "t", "g", nil).Subscribe(context.Background(), "", noop, noStatus); err == nil {
		t.Error("kafka: want error")
	}
}

type fakeReader struct {
	msgs      chan kafka.Message
	mu        sync.Mutex
	fetchErrs []error
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.fetchErrs) > 0 {
		err := r.fetchErrs[0]
		r.fetchErrs = r.fetchErrs[1:]
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	r.mu.Unlock()
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestKafkaFeed_FiltersAndCommits(t *testing.T) {
	reader := &fakeReader{msgs: make(chan kafka.Message, 3), fetchErrs: []error{errors.New("broker unavailable")}}
	f := NewKafkaFeed([]string{"localhost:9092"}, "marketplace.public.profiles", "", nil)
	if f.groupID == "" {
		t.Fatal("an empty group id should be generated")
	}
	f.newReader = func() messageReader { return reader }
	f.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }

	log := &statusLog{}
	sub, err := f.Subscribe(context.Background(), "u1", log.onChange, log.onStatus)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	reader.msgs <- kafka.Message{Offset: 1, Value: []byte(`{"op":"UPDATE","profile_id":"p2","identity":"u2","status":"APPROVED"}`)}
	reader.msgs <- kafka.Message{Offset: 2, Value: []byte(`{`)}
	reader.msgs <- kafka.Message{Offset: 3, Value: []byte(`{"op":"UPDATE","profile_id":"p1","identity":"u1","status":"REJECTED"}`)}
	eventually(t, func() bool { _, ch := log.snapshot(); return len(ch) == 1 })
	eventually(t, func() bool {
		reader.mu.Lock()
		defer reader.mu.Unlock()
		return len(reader.committed) == 3
	})
	sub.Close()

	statuses, changes := log.snapshot()
	if changes[0].Status != profiledomain.StatusRejected {
		t.Errorf("change = %+v", changes[0])
	}
	want := []Status{StatusConnected, StatusError, StatusConnected, StatusClosed}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("statuses[%d] = %s, want %s", i, statuses[i], want[i])
		}
	}
	if !reader.closed {
		t.Error("reader should be closed")
	}
}
