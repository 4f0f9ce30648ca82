package broadcast

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"coinsim/internal/event"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	sends    int
	received [][]byte
	fail     bool
	closed   bool
	done     chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (c *fakeConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends++
	if c.fail {
		return errors.New("broken pipe")
	}
	c.received = append(c.received, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) hangUp() { c.once.Do(func() { close(c.done) }) }

func (c *fakeConn) stats() (sends, received int, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sends, len(c.received), c.closed
}

func tick(id string, price int64) *event.PriceUpdateEvent {
	return event.NewPriceUpdate(id, decimal.NewFromInt(price), decimal.Zero, time.Unix(1700000000, 0))
}

func TestHub_PublishFansOutToEveryConnection(t *testing.T) {
	h := NewHub(nil)
	conns := []*fakeConn{newFakeConn(), newFakeConn(), newFakeConn()}
	for _, c := range conns {
		h.Register(c)
	}

	h.Publish(tick("bitcoin", 100))

	total := 0
	for _, c := range conns {
		sends, _, _ := c.stats()
		total += sends
	}
	assert.Equal(t, 3, total)
}

func TestHub_FailedConnectionIsUnregistered(t *testing.T) {
	h := NewHub(nil)
	good1, bad, good2 := newFakeConn(), newFakeConn(), newFakeConn()
	bad.fail = true
	for _, c := range []*fakeConn{good1, bad, good2} {
		h.Register(c)
	}

	h.Publish(tick("bitcoin", 100))
	assert.Equal(t, 2, h.Len())

	h.Publish(tick("bitcoin", 101))

	sends, _, closed := bad.stats()
	assert.Equal(t, 1, sends, "dropped connection must not be retried")
	assert.True(t, closed)

	for _, c := range []*fakeConn{good1, good2} {
		_, received, _ := c.stats()
		assert.Equal(t, 2, received)
	}
}

func TestHub_UnregisterOnDone(t *testing.T) {
	h := NewHub(nil)
	c := newFakeConn()
	h.Register(c)
	require.Equal(t, 1, h.Len())

	c.hangUp()

	assert.Eventually(t, func() bool { return h.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_PublishSerializesOnce(t *testing.T) {
	h := NewHub(nil)
	a, b := newFakeConn(), newFakeConn()
	h.Register(a)
	h.Register(b)

	h.Publish(tick("ethereum", 3000))

	require.Len(t, a.received, 1)
	require.Len(t, b.received, 1)
	assert.Same(t, &a.received[0][0], &b.received[0][0], "all viewers share one encoded payload")
}

func TestHub_CloseRejectsNewViewers(t *testing.T) {
	h := NewHub(nil)
	a := newFakeConn()
	h.Register(a)

	h.Close()
	_, _, closed := a.stats()
	assert.True(t, closed)
	assert.Equal(t, 0, h.Len())

	late := newFakeConn()
	h.Register(late)
	_, _, closed = late.stats()
	assert.True(t, closed)
	assert.Equal(t, 0, h.Len())
}

func TestHub_ConcurrentRegisterAndPublish(t *testing.T) {
	h := NewHub(nil)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := newFakeConn()
			h.Register(c)
			c.hangUp()
		}()
		go func(i int) {
			defer wg.Done()
			h.Publish(tick("bitcoin", int64(100+i)))
		}(i)
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return h.Len() == 0 }, time.Second, 5*time.Millisecond)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestWSConn_DeliversPublishedEvents(t *testing.T) {
	h := NewHub(nil)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		h.Register(NewWSConn(conn))
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 5*time.Millisecond)

	h.Publish(tick("bitcoin", 150))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := client.ReadMessage()
	require.NoError(t, err)

	var got event.PriceUpdateEvent
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, event.TypePriceUpdate, got.Type)
	assert.Equal(t, "bitcoin", got.InstrumentID)
	assert.Equal(t, 150.0, got.Price)

	// Client going away unregisters the viewer
	client.Close()
	assert.Eventually(t, func() bool { return h.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
