package hub

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowlens/internal/model"
)

// fakeConn records written deltas and blocks reads until closed.
type fakeConn struct {
	mu         sync.Mutex
	writes     []model.Delta
	writeBlock chan struct{} // non-nil: WriteJSON blocks until closed
	controlErr error
	closed     chan struct{}
	closeOnce  sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	if c.writeBlock != nil {
		select {
		case <-c.writeBlock:
		case <-c.closed:
			return errors.New("closed")
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, v.(model.Delta))
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return c.controlErr
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error   { return nil }
func (c *fakeConn) SetPongHandler(h func(string) error) {}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("connection closed")
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) deltas() []model.Delta {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Delta(nil), c.writes...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBroadcast_FanOut(t *testing.T) {
	h := New(Options{}, testLogger())
	conns := []*fakeConn{newFakeConn(), newFakeConn(), newFakeConn()}
	for _, c := range conns {
		h.Register(c)
	}
	require.Equal(t, 3, h.Len())

	delta := model.Delta{RepoID: uuid.New(), Number: 42, State: model.StatusBuilding}
	h.Broadcast(delta)

	for i, c := range conns {
		require.Eventually(t, func() bool {
			return len(c.deltas()) == 1
		}, time.Second, 5*time.Millisecond, "subscriber %d never received the delta", i)
		assert.Equal(t, delta, c.deltas()[0])
	}
	assert.EqualValues(t, 0, h.Dropped())
}

func TestBroadcast_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	h := New(Options{QueueSize: 1}, testLogger())

	stalled := newFakeConn()
	stalled.writeBlock = make(chan struct{}) // never released
	healthy := newFakeConn()

	h.Register(stalled)
	h.Register(healthy)

	// First delta parks in the stalled sender, second fills its queue,
	// third overflows and evicts it.
	for i := 0; i < 3; i++ {
		h.Broadcast(model.Delta{RepoID: uuid.New(), Number: i + 1, State: model.StatusBuilding})
	}

	require.Eventually(t, func() bool {
		return len(healthy.deltas()) == 3
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return h.Len() == 1
	}, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, h.Dropped(), int64(1))

	// Evicted connection was closed so its client can reconnect.
	select {
	case <-stalled.closed:
	default:
		t.Fatal("stalled connection was not closed")
	}
}

func TestUnregister_IsIdempotentAndBroadcastSafe(t *testing.T) {
	h := New(Options{}, testLogger())
	c := newFakeConn()
	id := h.Register(c)

	h.Unregister(id)
	h.Unregister(id)
	assert.Equal(t, 0, h.Len())

	// Broadcast after removal must not panic or deliver.
	h.Broadcast(model.Delta{RepoID: uuid.New(), Number: 1, State: model.StatusPending})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.deltas())
}

func TestHeartbeatFailureUnregisters(t *testing.T) {
	h := New(Options{PingInterval: 10 * time.Millisecond}, testLogger())
	c := newFakeConn()
	c.controlErr = errors.New("broken pipe")
	h.Register(c)

	require.Eventually(t, func() bool {
		return h.Len() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestShutdown_ClosesAllSubscribers(t *testing.T) {
	h := New(Options{}, testLogger())
	conns := []*fakeConn{newFakeConn(), newFakeConn()}
	for _, c := range conns {
		h.Register(c)
	}

	h.Shutdown(t.Context())
	assert.Equal(t, 0, h.Len())
	for i, c := range conns {
		select {
		case <-c.closed:
		default:
			t.Fatalf("connection %d not closed", i)
		}
	}
}
