package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

type memStreams struct {
	mu     sync.Mutex
	events []StreamEvent
	acked  map[string]int64
}

func (m *memStreams) acknowledged(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked[key]
}

func (m *memStreams) AcknowledgeSequence(channel, connectionID string, sequence int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked[channel+"/"+connectionID] = sequence
	return nil
}

func (m *memStreams) ReplayEvents(channel string, sinceSeq int64, limit int64) ([]StreamEvent, error) {
	var out []StreamEvent
	for _, e := range m.events {
		if e.Channel == channel && e.Sequence > sinceSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func startHub(t *testing.T, streams StreamsProvider) (*Hub, string) {
	t.Helper()
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })

	hub := NewHub(zap.NewNop())
	if streams != nil {
		hub.SetStreamsProvider(streams)
	}
	go hub.Run()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(c, hub, "admin-1")
		hub.Register(conn)
		go conn.WritePump()
		go conn.ReadPump()
	}))
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return c
}

func readJSON(t *testing.T, c *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, c.ReadJSON(&msg))
	return msg
}

func TestHub_SubscribeAndPublish(t *testing.T) {
	hub, url := startHub(t, nil)
	c := dial(t, url)

	require.NoError(t, c.WriteJSON(map[string]interface{}{"type": "subscribe", "channel": "form:contact"}))
	ack := readJSON(t, c)
	assert.Equal(t, "subscribed", ack["ack"])
	require.Equal(t, 1, hub.Subscribers("form:contact"))

	hub.Publish("form:other", map[string]interface{}{"type": "event", "n": 0})
	hub.Publish("form:contact", map[string]interface{}{"type": "event", "n": 1})
	msg := readJSON(t, c)
	assert.Equal(t, float64(1), msg["n"])

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool { return hub.Subscribers("form:contact") == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestHub_RejectsForeignChannels(t *testing.T) {
	hub, url := startHub(t, nil)
	c := dial(t, url)
	defer c.Close()

	require.NoError(t, c.WriteJSON(map[string]interface{}{"type": "subscribe", "channel": "entity:42"}))
	ack := readJSON(t, c)
	assert.Equal(t, "error", ack["ack"])
	assert.Equal(t, 0, hub.Subscribers("entity:42"))
}

func TestHub_ResumeAndAck(t *testing.T) {
	streams := &memStreams{
		acked: map[string]int64{},
		events: []StreamEvent{
			{Channel: "form:contact", Sequence: 1, Event: map[string]interface{}{"type": "submission.created"}},
			{Channel: "form:contact", Sequence: 2, Event: map[string]interface{}{"type": "submission.updated"}},
		},
	}
	_, url := startHub(t, streams)
	c := dial(t, url)
	defer c.Close()

	require.NoError(t, c.WriteJSON(map[string]interface{}{"type": "subscribe", "channel": "form:contact"}))
	readJSON(t, c)

	require.NoError(t, c.WriteJSON(map[string]interface{}{"type": "resume", "channel": "form:contact", "since": 1}))
	msg := readJSON(t, c)
	assert.Equal(t, float64(2), msg["seq"])
	assert.Equal(t, "submission.updated", msg["data"].(map[string]interface{})["type"])

	require.NoError(t, c.WriteJSON(map[string]interface{}{"type": "ack", "channel": "form:contact", "seq": 2}))
	require.NoError(t, c.WriteJSON(map[string]interface{}{"type": "ping"}))
	pong := readJSON(t, c)
	assert.Equal(t, "pong", pong["ack"])
	assert.Equal(t, int64(2), streams.acknowledged("form:contact/admin-1"))
}
