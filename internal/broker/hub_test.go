package broker

import (
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []string
	closed bool
	fail   bool
	block  chan struct{}
}

func (c *fakeConn) Send(text string) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.frames = append(c.frames, text)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) snapshot() ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...), c.closed
}

func waitDone(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not finish")
	}
}

func newTestHub() *Hub {
	return NewHub(Config{IdleTimeout: time.Minute, SendBuffer: 8})
}

func TestPendingFramesFlushOnAttach(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	h.Reserve("1")
	assert.True(t, h.PushMessage("1", "He"))
	assert.True(t, h.PushMessage("1", "llo"))

	c := &fakeConn{}
	sub := h.Attach("1", c)
	assert.True(t, h.PushMessage("1", "[DONE]"))
	h.Finalize("1")
	waitDone(t, sub)

	frames, closed := c.snapshot()
	assert.Equal(t, []string{"He", "llo", "[DONE]"}, frames)
	assert.True(t, closed)
	assert.Equal(t, 0, h.Len())
	assert.False(t, h.PushMessage("1", "late"))
}

func TestFinalizedSlotDeliversOnLateAttach(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	h.Reserve("1")
	h.PushMessage("1", "x")
	h.PushMessage("1", "[DONE]")
	h.Finalize("1")
	h.Finalize("1")

	assert.False(t, h.PushMessage("1", "after finalize"))
	assert.Equal(t, 1, h.Len(), "slot kept until a client shows up")

	c := &fakeConn{}
	sub := h.Attach("1", c)
	waitDone(t, sub)

	frames, closed := c.snapshot()
	assert.Equal(t, []string{"x", "[DONE]"}, frames)
	assert.True(t, closed)
	assert.Equal(t, 0, h.Len())
}

func TestPushUnknownSession(t *testing.T) {
	h := NewHub(Config{IdleTimeout: 50 * time.Millisecond, SendBuffer: 8})
	defer h.Close()

	assert.False(t, h.PushMessage("nope", "x"))
	h.Finalize("nope")

	c := &fakeConn{}
	sub := h.Attach("never-reserved", c)
	assert.False(t, h.PushMessage("never-reserved", "x"))
	assert.Equal(t, 0, h.Len())

	// stays open until the idle timeout closes it
	waitDone(t, sub)
	frames, closed := c.snapshot()
	assert.Empty(t, frames)
	assert.True(t, closed)
}

func TestLastAttachWins(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	h.Reserve("1")
	first := &fakeConn{}
	subA := h.Attach("1", first)
	second := &fakeConn{}
	subB := h.Attach("1", second)

	waitDone(t, subA)
	_, closed := first.snapshot()
	assert.True(t, closed)

	// detaching the replaced subscription leaves the new one alone
	h.Detach(subA)
	require.True(t, h.PushMessage("1", "hi"))
	h.Finalize("1")
	waitDone(t, subB)

	frames, _ := second.snapshot()
	assert.Equal(t, []string{"hi"}, frames)
}

func TestWriteFailureDropsSubscription(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	h.Reserve("1")
	c := &fakeConn{fail: true}
	sub := h.Attach("1", c)

	h.PushMessage("1", "x")
	waitDone(t, sub)

	assert.False(t, h.PushMessage("1", "y"))
	assert.Equal(t, 0, h.Len())
	_, closed := c.snapshot()
	assert.True(t, closed)
}

func TestFullSendBufferDropsSubscription(t *testing.T) {
	h := NewHub(Config{IdleTimeout: time.Minute, SendBuffer: 1})
	defer h.Close()

	h.Reserve("1")
	c := &fakeConn{block: make(chan struct{})}
	sub := h.Attach("1", c)

	require.True(t, h.PushMessage("1", "a"))
	// wait for the writer to pick "a" up and block in Send
	require.Eventually(t, func() bool { return len(sub.out) == 0 }, time.Second, time.Millisecond)
	require.True(t, h.PushMessage("1", "b"))

	done := make(chan bool)
	go func() { done <- h.PushMessage("1", "c") }()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("PushMessage blocked")
	}
	assert.Equal(t, 0, h.Len())

	close(c.block)
	waitDone(t, sub)
}

func TestClientDetach(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	h.Reserve("1")
	sub := h.Attach("1", &fakeConn{})
	h.Detach(sub)
	waitDone(t, sub)

	assert.False(t, h.PushMessage("1", "x"))
	h.Finalize("1")
}

func TestIdleTimeoutRearmsOnActivity(t *testing.T) {
	h := NewHub(Config{IdleTimeout: 150 * time.Millisecond, SendBuffer: 64})
	defer h.Close()

	h.Reserve("1")
	c := &fakeConn{}
	sub := h.Attach("1", c)

	for i := 0; i < 5; i++ {
		time.Sleep(50 * time.Millisecond)
		require.True(t, h.PushMessage("1", "tick"))
	}
	select {
	case <-sub.Done():
		t.Fatal("closed while active")
	default:
	}

	waitDone(t, sub)
	frames, closed := c.snapshot()
	assert.Len(t, frames, 5)
	assert.True(t, closed)
	assert.Equal(t, 0, h.Len())
}

func TestUnattachedSlotExpires(t *testing.T) {
	h := NewHub(Config{IdleTimeout: 30 * time.Millisecond, SendBuffer: 8})
	defer h.Close()

	h.Reserve("1")
	require.Eventually(t, func() bool { return h.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCloseTearsDownEverything(t *testing.T) {
	h := newTestHub()
	h.Reserve("1")
	h.Reserve("2")
	c := &fakeConn{}
	sub := h.Attach("1", c)
	loose := h.Attach("x", &fakeConn{})

	h.Close()
	waitDone(t, sub)
	waitDone(t, loose)
	assert.Equal(t, 0, h.Len())

	h.Reserve("3")
	assert.False(t, h.PushMessage("3", "x"))
	late := h.Attach("3", &fakeConn{})
	waitDone(t, late)
}

func TestConcurrentPushAndFinalize(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		id := string(rune('a' + i))
		h.Reserve(id)
		sub := h.Attach(id, &fakeConn{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				h.PushMessage(id, "d")
			}
			h.Finalize(id)
			h.Finalize(id)
			<-sub.Done()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, h.Len())
}

func TestFullPendingKeepsClosingFrame(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	h.Reserve("1")
	for i := range 10 {
		require.True(t, h.PushMessage("1", strconv.Itoa(i)))
	}
	require.True(t, h.PushMessage("1", "[DONE]"))
	h.Finalize("1")

	c := &fakeConn{}
	sub := h.Attach("1", c)
	waitDone(t, sub)

	frames, closed := c.snapshot()
	assert.True(t, closed)
	assert.Equal(t, []string{"0", "1", "2", "3", "4", "5", "6", "[DONE]"}, frames)
}

func TestAttachAfterClose(t *testing.T) {
	h := newTestHub()
	h.Close()

	c := &fakeConn{}
	sub := h.Attach("1", c)
	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription on a closed hub should already be done")
	}
	_, closed := c.snapshot()
	assert.True(t, closed)
	assert.False(t, h.PushMessage("1", "x"))

	// detaching it is harmless
	h.Detach(sub)
	h.Close()
}
