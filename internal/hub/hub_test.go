package hub

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"clip-acquirer/internal/model"
)

type fakeConn struct {
	mu      sync.Mutex
	msgs    []any
	fail    bool
	closed  bool
	arrived chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{arrived: make(chan struct{}, 1024)}
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.msgs = append(c.msgs, v)
	c.arrived <- struct{}{}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) waitFor(t *testing.T, n int) []any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		if len(c.msgs) >= n {
			out := append([]any(nil), c.msgs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-c.arrived:
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages", n)
		}
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func record(id string, pct int, status string) model.ProgressRecord {
	return model.ProgressRecord{ResourceID: id, Progress: pct, Status: status, Timestamp: time.Now().UnixMilli()}
}

func TestSubscribe_LateJoinerGetsSnapshot(t *testing.T) {
	h := New(quietLogger())
	h.Publish(record("v1", 42, model.StatusDownloading))

	conn := newFakeConn()
	c := h.Register(conn)
	h.Subscribe(c, "v1")

	msgs := conn.waitFor(t, 1)
	pm, ok := msgs[0].(model.ProgressMessage)
	if !ok || pm.Progress != 42 || pm.Type != model.MessageProgress {
		t.Fatalf("unexpected snapshot: %#v", msgs[0])
	}
}

func TestSubscribe_IsIdempotent(t *testing.T) {
	h := New(quietLogger())
	conn := newFakeConn()
	c := h.Register(conn)
	h.Subscribe(c, "v1")
	h.Subscribe(c, "v1")
	if n := h.Subscribers("v1"); n != 1 {
		t.Fatalf("expected one subscriber, got %d", n)
	}

	h.Publish(record("v1", 10, model.StatusDownloading))
	h.Publish(record("v1", 20, model.StatusDownloading))
	msgs := conn.waitFor(t, 2)
	time.Sleep(20 * time.Millisecond)
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.msgs) != 2 {
		t.Fatalf("expected no duplicate delivery, got %d messages", len(conn.msgs))
	}
	if msgs[0].(model.ProgressMessage).Progress != 10 || msgs[1].(model.ProgressMessage).Progress != 20 {
		t.Fatalf("messages out of order: %#v", msgs)
	}
}

func TestPublish_ErrorStatusAddsErrorMessage(t *testing.T) {
	h := New(quietLogger())
	conn := newFakeConn()
	c := h.Register(conn)
	h.Subscribe(c, "v1")

	rec := record("v1", 30, model.StatusError)
	rec.Error = "access forbidden"
	h.Publish(rec)

	msgs := conn.waitFor(t, 2)
	em, ok := msgs[1].(model.ErrorMessage)
	if !ok || em.Error != "access forbidden" || em.Type != model.MessageError {
		t.Fatalf("unexpected error message: %#v", msgs[1])
	}
}

func TestPublish_SendFailureIsImplicitUnsubscribe(t *testing.T) {
	h := New(quietLogger())
	conn := newFakeConn()
	conn.fail = true
	c := h.Register(conn)
	h.Subscribe(c, "v1")

	h.Publish(record("v1", 5, model.StatusDownloading))

	deadline := time.Now().Add(2 * time.Second)
	for h.Subscribers("v1") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("broken connection still subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if h.Clients() != 0 {
		t.Fatalf("broken connection still registered")
	}
	h.Publish(record("v1", 6, model.StatusDownloading))
}

func TestPublish_FullBufferDropsSubscriber(t *testing.T) {
	h := New(quietLogger(), WithSendBuffer(1))
	c := &Client{id: "slow", conn: newFakeConn(), send: make(chan any, 1), done: make(chan struct{})}
	h.mu.Lock()
	h.clients[c] = map[string]struct{}{}
	h.mu.Unlock()
	h.Subscribe(c, "v1")

	h.Publish(record("v1", 1, model.StatusDownloading))
	h.Publish(record("v1", 2, model.StatusDownloading))
	if h.Subscribers("v1") != 0 {
		t.Fatalf("expected slow subscriber to be dropped")
	}
}

func TestOnDisconnect_PrunesEmptySets(t *testing.T) {
	h := New(quietLogger())
	conn := newFakeConn()
	c := h.Register(conn)
	h.Subscribe(c, "a")
	h.Subscribe(c, "b")

	h.OnDisconnect(c)
	h.OnDisconnect(c)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) != 0 || len(h.clients) != 0 {
		t.Fatalf("expected pruned state, subs=%d clients=%d", len(h.subs), len(h.clients))
	}
	if !conn.closed {
		t.Fatalf("expected connection closed")
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	h := New(quietLogger())
	conn := newFakeConn()
	c := h.Register(conn)
	h.Subscribe(c, "v1")
	h.Unsubscribe(c, "v1")
	h.Publish(record("v1", 50, model.StatusDownloading))
	time.Sleep(20 * time.Millisecond)
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.msgs) != 0 {
		t.Fatalf("unexpected delivery after unsubscribe")
	}
}
