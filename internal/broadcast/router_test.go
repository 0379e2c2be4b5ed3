package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2e_relay/internal/metrics"
)

type staticMembers map[uint32][]string

func (s staticMembers) Members(_ context.Context, id uint32) ([]string, error) {
	m, ok := s[id]
	if !ok {
		return nil, errors.New("no such chat")
	}
	return m, nil
}

// recordSink keeps every frame it is given.
type recordSink struct {
	mu     sync.Mutex
	frames []*Frame
	got    chan struct{}
	closed bool
}

func newRecordSink() *recordSink {
	return &recordSink{got: make(chan struct{}, 64)}
}

func (s *recordSink) WriteFrame(f *Frame) error {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	s.got <- struct{}{}
	return nil
}

func (s *recordSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *recordSink) wait(t *testing.T, n int) []*Frame {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i+1)
		}
	}
	return s.snapshot()
}

func (s *recordSink) snapshot() []*Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Frame(nil), s.frames...)
}

// failSink rejects every write.
type failSink struct {
	once   sync.Once
	closed chan struct{}
}

func (s *failSink) WriteFrame(*Frame) error { return errors.New("broken pipe") }

func (s *failSink) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// stuckSink blocks every write until it is closed.
type stuckSink struct {
	once    sync.Once
	release chan struct{}
}

func (s *stuckSink) WriteFrame(*Frame) error {
	<-s.release
	return errors.New("closed")
}

func (s *stuckSink) Close() error {
	s.once.Do(func() { close(s.release) })
	return nil
}

func TestDeliverSkipsSenderAndOutsiders(t *testing.T) {
	members := staticMembers{7: {"a", "b", "c"}}
	r := NewRouter(members)
	defer r.Close()

	sinks := map[string]*recordSink{}
	for _, u := range []string{"a", "b", "c", "outsider"} {
		sinks[u] = newRecordSink()
		_, err := r.Register(u, sinks[u])
		require.NoError(t, err)
	}

	n := r.Deliver(context.Background(), 7, []byte("packet"), "a")
	assert.Equal(t, 2, n)

	for _, u := range []string{"b", "c"} {
		frames := sinks[u].wait(t, 1)
		require.Len(t, frames, 1)
		assert.Equal(t, []byte("packet"), frames[0].Encoded)
		assert.Equal(t, "a", frames[0].Sender)
	}

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sinks["a"].snapshot())
	assert.Empty(t, sinks["outsider"].snapshot())
}

func TestDeliverWithOneFailingRecipient(t *testing.T) {
	m := metrics.New()
	r := NewRouter(staticMembers{1: {"sender", "broken", "healthy"}}, WithMetrics(m))
	defer r.Close()

	_, err := r.Register("sender", newRecordSink())
	require.NoError(t, err)
	broken := &failSink{closed: make(chan struct{})}
	_, err = r.Register("broken", broken)
	require.NoError(t, err)
	healthy := newRecordSink()
	_, err = r.Register("healthy", healthy)
	require.NoError(t, err)

	r.Deliver(context.Background(), 1, []byte("one"), "sender")
	r.Deliver(context.Background(), 1, []byte("two"), "sender")

	frames := healthy.wait(t, 2)
	assert.Equal(t, []byte("one"), frames[0].Encoded)
	assert.Equal(t, []byte("two"), frames[1].Encoded)

	select {
	case <-broken.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("failing connection was not closed")
	}

	require.Eventually(t, func() bool {
		_, ok := r.Lookup("broken")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := r.Lookup("sender")
	assert.True(t, ok)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.DeliveryFailures.WithLabelValues("write")), 1.0)
}

func TestFullQueueDisconnects(t *testing.T) {
	r := NewRouter(staticMembers{1: {"s", "slow"}}, WithQueueSize(1))
	defer r.Close()

	_, err := r.Register("s", newRecordSink())
	require.NoError(t, err)
	slow, err := r.Register("slow", &stuckSink{release: make(chan struct{})})
	require.NoError(t, err)

	// the writer holds one frame, the queue holds one more, the rest overflow
	for i := 0; i < 5; i++ {
		r.Deliver(context.Background(), 1, []byte("x"), "s")
	}

	select {
	case <-slow.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow client was not disconnected")
	}
	_, ok := r.Lookup("slow")
	assert.False(t, ok)
	assert.ErrorIs(t, slow.Send(&Frame{}), ErrClosed)
}

func TestRegisterDuplicateAndUnregister(t *testing.T) {
	r := NewRouter(staticMembers{})
	defer r.Close()

	c, err := r.Register("u", newRecordSink())
	require.NoError(t, err)
	_, err = r.Register("u", newRecordSink())
	require.ErrorIs(t, err, ErrDuplicateUser)

	r.Unregister(c)
	<-c.Done()
	assert.Equal(t, 0, r.Online())

	// a stale unregister leaves the new connection in place
	c2, err := r.Register("u", newRecordSink())
	require.NoError(t, err)
	r.Unregister(c)
	got, ok := r.Lookup("u")
	require.True(t, ok)
	assert.Same(t, c2, got)
}

func TestSendToAndFlushOnClose(t *testing.T) {
	r := NewRouter(staticMembers{})
	sink := newRecordSink()
	c, err := r.Register("u", sink)
	require.NoError(t, err)

	require.NoError(t, r.SendTo("u", &Frame{Encoded: []byte("welcome")}))
	require.Error(t, r.SendTo("nobody", &Frame{}))

	r.Unregister(c)
	<-c.Done()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.frames, 1)
	assert.True(t, sink.closed)
}

func TestDeliverUnknownChat(t *testing.T) {
	r := NewRouter(staticMembers{})
	defer r.Close()
	assert.Zero(t, r.Deliver(context.Background(), 99, []byte("x"), "a"))
}
