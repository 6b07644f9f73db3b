package room

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startHub serves a hub whose handler joins the requested group and acknowledges with the connection id.
func startHub(t *testing.T) (*RoomHub, string) {
	t.Helper()

	hub := NewRoomHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(hub, conn)
		hub.Register(client)
		go client.WritePump()
		client.ReadPump(r.Context(), func(ctx context.Context, c *Client, msg *Envelope) {
			if msg.Type == MsgTypeJoin {
				c.Hub.JoinGroup(c.ID, msg.RoomID)
				c.Hub.SendTo(c.ID, &Envelope{Type: MsgTypeJoin, RoomID: msg.RoomID, ClientID: c.ID})
			}
		})
	}))
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// dialAndJoin connects, joins roomID and returns the socket with its server-side connection id.
func dialAndJoin(t *testing.T, url, roomID string) (*websocket.Conn, string) {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(&Envelope{Type: MsgTypeJoin, RoomID: roomID}))
	ack := readEnvelope(t, conn)
	require.Equal(t, MsgTypeJoin, ack.Type)
	require.NotEmpty(t, ack.ClientID)
	return conn, ack.ClientID
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return &env
}

// TestHub_BroadcastExcludesSender verifies the excluded connection is skipped and others receive the message.
func TestHub_BroadcastExcludesSender(t *testing.T) {
	hub, url := startHub(t)
	a, aID := dialAndJoin(t, url, "r1")
	b, _ := dialAndJoin(t, url, "r1")
	c, cID := dialAndJoin(t, url, "r2")

	assert.Equal(t, 2, hub.GetRoomClientCount("r1"))
	assert.Equal(t, 3, hub.ClientCount())

	hub.BroadcastToGroup("r1", &Envelope{Type: MsgTypeChat, Seq: 1}, aID)
	hub.SendTo(aID, &Envelope{Type: MsgTypePong, Seq: 2})
	hub.SendTo(cID, &Envelope{Type: MsgTypePong, Seq: 3})

	assert.Equal(t, uint64(1), readEnvelope(t, b).Seq)
	assert.Equal(t, uint64(2), readEnvelope(t, a).Seq, "excluded sender skips the broadcast")
	assert.Equal(t, uint64(3), readEnvelope(t, c).Seq, "other rooms are isolated")
}

// TestHub_PreservesOrder verifies unicasts and broadcasts reach a connection in call order.
func TestHub_PreservesOrder(t *testing.T) {
	hub, url := startHub(t)
	a, aID := dialAndJoin(t, url, "r1")

	for i := uint64(1); i <= 50; i++ {
		if i%2 == 0 {
			hub.SendTo(aID, &Envelope{Type: MsgTypeSyncResponse, Seq: i})
		} else {
			hub.BroadcastToGroup("r1", &Envelope{Type: MsgTypeChat, Seq: i}, "")
		}
	}
	for i := uint64(1); i <= 50; i++ {
		assert.Equal(t, i, readEnvelope(t, a).Seq)
	}
}

// TestHub_LeaveGroup verifies a connection removed from a group stops receiving its broadcasts.
func TestHub_LeaveGroup(t *testing.T) {
	hub, url := startHub(t)
	a, aID := dialAndJoin(t, url, "r1")

	hub.LeaveGroup(aID, "r1")
	hub.BroadcastToGroup("r1", &Envelope{Type: MsgTypeChat, Seq: 1}, "")
	hub.SendTo(aID, &Envelope{Type: MsgTypePong, Seq: 2})

	assert.Equal(t, uint64(2), readEnvelope(t, a).Seq)
	assert.Equal(t, 0, hub.GetRoomClientCount("r1"))
}

// TestHub_PingPong verifies the read pump answers keep-alive pings itself.
func TestHub_PingPong(t *testing.T) {
	_, url := startHub(t)
	a, _ := dialAndJoin(t, url, "r1")

	require.NoError(t, a.WriteJSON(&Envelope{Type: MsgTypePing}))
	assert.Equal(t, MsgTypePong, readEnvelope(t, a).Type)
}

// TestHub_OnDisconnect verifies disconnect handlers fire with the closed connection's id.
func TestHub_OnDisconnect(t *testing.T) {
	hub, url := startHub(t)
	gone := make(chan string, 1)
	hub.OnDisconnect(func(connID string) { gone <- connID })

	a, aID := dialAndJoin(t, url, "r1")
	_, _ = dialAndJoin(t, url, "r1")
	require.NoError(t, a.Close())

	select {
	case id := <-gone:
		assert.Equal(t, aID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect handler not called")
	}
	assert.Eventually(t, func() bool { return hub.GetRoomClientCount("r1") == 1 }, time.Second, 10*time.Millisecond)
}

// TestHub_SlowClientDropped verifies a client whose send buffer overflows is unregistered and its read pump stops.
func TestHub_SlowClientDropped(t *testing.T) {
	hub := NewRoomHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	gone := make(chan string, 1)
	hub.OnDisconnect(func(connID string) { gone <- connID })

	ids := make(chan string, 1)
	readDone := make(chan struct{})
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(hub, conn)
		hub.Register(client)
		ids <- client.ID
		// no WritePump: the send buffer is never drained
		client.ReadPump(context.Background(), func(context.Context, *Client, *Envelope) {})
		close(readDone)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	id := <-ids
	assert.True(t, hub.Connected(id))

	for i := 0; i <= sendBufferSize; i++ {
		hub.SendTo(id, &Envelope{Type: MsgTypePong, Seq: uint64(i)})
	}

	select {
	case got := <-gone:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect handler not called")
	}
	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("read pump still running after drop")
	}
	assert.False(t, hub.Connected(id))
	assert.Equal(t, 0, hub.ClientCount())
}
