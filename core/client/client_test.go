package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"CoWatch/core/room"
	"CoWatch/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory connection: the test plays the server on the other end.
type fakeConn struct {
	toClient   chan []byte
	fromClient chan *room.Envelope
	closed     chan struct{}
	once       sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		toClient:   make(chan []byte, 64),
		fromClient: make(chan *room.Envelope, 64),
		closed:     make(chan struct{}),
	}
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var env room.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	f.fromClient <- &env
	return nil
}

func (f *fakeConn) ReadJSON(v interface{}) error {
	select {
	case raw := <-f.toClient:
		return json.Unmarshal(raw, v)
	case <-f.closed:
		return io.EOF
	}
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// push delivers a server envelope to the client.
func (f *fakeConn) push(t *testing.T, typ room.MessageType, clientID string, seq uint64, data interface{}) {
	t.Helper()
	env := &room.Envelope{Type: typ, ClientID: clientID, Seq: seq}
	if data != nil {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		env.Data = raw
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	f.toClient <- raw
}

// next returns the next envelope the client wrote.
func (f *fakeConn) next(t *testing.T) *room.Envelope {
	t.Helper()
	select {
	case env := <-f.fromClient:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("client wrote nothing")
		return nil
	}
}

// nextOfType skips envelopes until one of type typ arrives.
func (f *fakeConn) nextOfType(t *testing.T, typ room.MessageType) *room.Envelope {
	t.Helper()
	for {
		if env := f.next(t); env.Type == typ {
			return env
		}
	}
}

// dialer hands out the given connections in order.
func dialer(conns ...*fakeConn) (DialFunc, *int) {
	var mu sync.Mutex
	count := 0
	return func(ctx context.Context) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if count >= len(conns) {
			return nil, errors.New("no more connections")
		}
		conn := conns[count]
		count++
		return conn, nil
	}, &count
}

func testOptions() Options {
	return Options{
		ResyncInterval:    time.Hour,
		FollowUpSyncDelay: time.Hour,
		InitialBackoff:    5 * time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
	}
}

func runClient(t *testing.T, c *Client) (cancel func(), done chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	done = make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(cancelFn)
	return cancelFn, done
}

func waitFor(t *testing.T, c *Client, cond func(View) bool) {
	t.Helper()
	assert.Eventually(t, func() bool { return cond(c.View()) }, 2*time.Second, 5*time.Millisecond)
}

// TestConnect_JoinThenSync verifies the handshake order and identity on the join event.
func TestConnect_JoinThenSync(t *testing.T) {
	conn := newFakeConn()
	dial, _ := dialer(conn)
	c := New("100001", Identity{DisplayName: "Alice", Avatar: "a.png"}, dial, testOptions())
	runClient(t, c)

	join := conn.next(t)
	assert.Equal(t, room.MsgTypeJoin, join.Type)
	assert.Equal(t, "100001", join.RoomID)
	assert.Equal(t, c.Identity().ClientID, join.ClientID)
	assert.NotEmpty(t, join.ClientID)

	var data room.IdentityData
	require.NoError(t, json.Unmarshal(join.Data, &data))
	assert.Equal(t, "Alice", data.DisplayName)
	assert.Equal(t, "a.png", data.Avatar)

	assert.Equal(t, room.MsgTypeSyncRequest, conn.next(t).Type)
	waitFor(t, c, func(v View) bool { return v.Connected })
}

// TestSyncResponse_ReplacesState verifies wholesale replacement and the empty-history guard.
func TestSyncResponse_ReplacesState(t *testing.T) {
	c := New("r", Identity{ClientID: "me", DisplayName: "Me"}, nil, testOptions())

	full := room.SyncResponseData{
		CurrentTrack: &model.CurrentTrack{TrackID: "x", Source: model.SourceYouTube, StartTime: 12, IsPlaying: true},
		Queue:        []model.QueueItem{{TrackID: "x", Source: model.SourceYouTube}, {TrackID: "y", Source: model.SourceYouTube}},
		Messages:     []*model.ChatMessage{{ClientID: "u", SentAt: 1, Content: "hello", Username: "U"}},
		Participants: []model.ParticipantInfo{{ClientID: "me", DisplayName: "Me", IsRoomOwner: true}},
	}
	require.NoError(t, c.apply(envelope(t, room.MsgTypeSyncResponse, "", 0, full)))

	v := c.View()
	assert.Equal(t, full.Queue, v.Queue)
	assert.Equal(t, 12.0, v.CurrentTrack.StartTime)
	require.Len(t, v.Messages, 1)
	assert.Len(t, v.Participants, 1)

	empty := room.SyncResponseData{Queue: []model.QueueItem{}, Messages: []*model.ChatMessage{}, Participants: []model.ParticipantInfo{}}
	require.NoError(t, c.apply(envelope(t, room.MsgTypeSyncResponse, "", 0, empty)))

	v = c.View()
	assert.Empty(t, v.Queue)
	assert.Nil(t, v.CurrentTrack)
	assert.Empty(t, v.Participants)
	require.Len(t, v.Messages, 1, "empty history must not clobber local history")
	assert.Equal(t, "hello", v.Messages[0].Content)
}

// TestRename_EchoSuppressed verifies a late echo of an older rename does not overwrite a newer local name.
func TestRename_EchoSuppressed(t *testing.T) {
	conn := newFakeConn()
	dial, _ := dialer(conn)
	c := New("r", Identity{ClientID: "me", DisplayName: "Me"}, dial, testOptions())
	runClient(t, c)
	conn.nextOfType(t, room.MsgTypeSyncRequest)

	conn.push(t, room.MsgTypeSyncResponse, "", 0, room.SyncResponseData{
		Messages:     []*model.ChatMessage{{ClientID: "me", SentAt: 1, Username: "Me", Content: "old"}},
		Participants: []model.ParticipantInfo{{ClientID: "me", DisplayName: "Me"}, {ClientID: "bob", DisplayName: "Bob"}},
	})
	waitFor(t, c, func(v View) bool { return len(v.Participants) == 2 })

	require.NoError(t, c.Rename("Second"))
	first := conn.nextOfType(t, room.MsgTypeRename)
	require.NoError(t, c.Rename("Third"))
	conn.nextOfType(t, room.MsgTypeRename)

	v := c.View()
	assert.Equal(t, "Third", v.Participants[0].DisplayName, "applied optimistically")
	assert.Equal(t, "Third", v.Messages[0].Username)

	// the first rename bounces back late: own client id + outstanding seq is a no-op
	conn.push(t, room.MsgTypeRename, "me", first.Seq, room.IdentityData{ClientID: "me", DisplayName: "Second"})
	// someone else's rename is applied
	conn.push(t, room.MsgTypeRename, "bob", first.Seq, room.IdentityData{ClientID: "bob", DisplayName: "Robert"})

	waitFor(t, c, func(v View) bool { return v.Participants[1].DisplayName == "Robert" })
	assert.Equal(t, "Third", c.View().Participants[0].DisplayName)
	assert.Equal(t, "Third", c.Identity().DisplayName)
}

// TestRename_FollowUpSync verifies an identity change is followed by a sync request.
func TestRename_FollowUpSync(t *testing.T) {
	conn := newFakeConn()
	dial, _ := dialer(conn)
	opts := testOptions()
	opts.FollowUpSyncDelay = 10 * time.Millisecond
	c := New("r", Identity{ClientID: "me", DisplayName: "Me"}, dial, opts)
	runClient(t, c)
	conn.nextOfType(t, room.MsgTypeSyncRequest)

	require.NoError(t, c.ChangeAvatar("cat.png"))
	assert.Equal(t, room.MsgTypeAvatarChange, conn.next(t).Type)
	assert.Equal(t, room.MsgTypeSyncRequest, conn.next(t).Type)
}

// TestPeriodicResync verifies sync requests keep arriving on the resync interval.
func TestPeriodicResync(t *testing.T) {
	conn := newFakeConn()
	dial, _ := dialer(conn)
	opts := testOptions()
	opts.ResyncInterval = 15 * time.Millisecond
	c := New("r", Identity{DisplayName: "Me"}, dial, opts)
	runClient(t, c)

	conn.nextOfType(t, room.MsgTypeSyncRequest)
	conn.nextOfType(t, room.MsgTypeSyncRequest)
	conn.nextOfType(t, room.MsgTypeSyncRequest)
}

// TestReconnect_KeepsStateAndIdentity verifies local state survives a drop and the rejoin reuses the client id.
func TestReconnect_KeepsStateAndIdentity(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dial, count := dialer(first, second)
	opts := testOptions()
	opts.InitialBackoff = 100 * time.Millisecond
	opts.MaxBackoff = 200 * time.Millisecond
	c := New("r", Identity{DisplayName: "Me"}, dial, opts)
	runClient(t, c)

	join1 := first.nextOfType(t, room.MsgTypeJoin)
	first.push(t, room.MsgTypeQueueUpdate, "bob", 1, room.QueueData{Queue: []model.QueueItem{{TrackID: "x", Source: model.SourceSoundCloud}}})
	waitFor(t, c, func(v View) bool { return len(v.Queue) == 1 })

	require.NoError(t, first.Close())
	waitFor(t, c, func(v View) bool { return !v.Connected })
	assert.Len(t, c.View().Queue, 1, "state is kept while disconnected")

	join2 := second.nextOfType(t, room.MsgTypeJoin)
	assert.Equal(t, join1.ClientID, join2.ClientID)
	assert.Equal(t, room.MsgTypeSyncRequest, second.next(t).Type)
	assert.Equal(t, 2, *count)
	waitFor(t, c, func(v View) bool { return v.Connected })
}

// TestRoomNotFound_StopsRun verifies a room_not_found error ends Run instead of reconnecting.
func TestRoomNotFound_StopsRun(t *testing.T) {
	conn := newFakeConn()
	dial, count := dialer(conn, newFakeConn())
	var reported room.ErrorData
	opts := testOptions()
	opts.OnError = func(e room.ErrorData) { reported = e }
	c := New("nope", Identity{DisplayName: "Me"}, dial, opts)
	_, done := runClient(t, c)

	conn.nextOfType(t, room.MsgTypeJoin)
	conn.push(t, room.MsgTypeError, "", 0, room.ErrorData{Code: room.ErrCodeRoomNotFound, Message: "room not found"})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, room.ErrRoomNotFound)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, room.ErrCodeRoomNotFound, reported.Code)
	assert.Equal(t, 1, *count)
}

// TestChat_NoLocalEcho verifies chat only appears once the server broadcasts it, and only once.
func TestChat_NoLocalEcho(t *testing.T) {
	conn := newFakeConn()
	dial, _ := dialer(conn)
	c := New("r", Identity{ClientID: "me", DisplayName: "Me"}, dial, testOptions())
	runClient(t, c)
	conn.nextOfType(t, room.MsgTypeSyncRequest)

	require.NoError(t, c.SendChat("hi"))
	sent := conn.nextOfType(t, room.MsgTypeChat)
	assert.Empty(t, c.View().Messages)

	msg := model.ChatMessage{ClientID: "me", SentAt: sent.Timestamp, Username: "Me", Content: "hi"}
	conn.push(t, room.MsgTypeChat, "me", sent.Seq, msg)
	conn.push(t, room.MsgTypeChat, "me", sent.Seq, msg)
	conn.push(t, room.MsgTypeChat, "bob", 1, model.ChatMessage{ClientID: "bob", SentAt: 5, Username: "Bob", Content: "yo"})

	waitFor(t, c, func(v View) bool { return len(v.Messages) == 2 })
	assert.Equal(t, "hi", c.View().Messages[0].Content)
}

// TestOptimisticQueueAndPlayback verifies local updates apply before the server answers.
func TestOptimisticQueueAndPlayback(t *testing.T) {
	conn := newFakeConn()
	dial, _ := dialer(conn)
	c := New("r", Identity{DisplayName: "Me"}, dial, testOptions())
	runClient(t, c)
	conn.nextOfType(t, room.MsgTypeSyncRequest)

	queue := []model.QueueItem{{TrackID: "a", Source: model.SourceYouTube}}
	require.NoError(t, c.SetQueue(queue))
	assert.Equal(t, queue, c.View().Queue)
	sent := conn.nextOfType(t, room.MsgTypeQueueUpdate)
	var qd room.QueueData
	require.NoError(t, json.Unmarshal(sent.Data, &qd))
	assert.Equal(t, queue, qd.Queue)

	require.NoError(t, c.UpdatePlayback(room.PlaybackData{TrackID: "a", Source: model.SourceYouTube, CurrentTime: 3, IsPlaying: true}))
	v := c.View()
	require.NotNil(t, v.CurrentTrack)
	assert.Equal(t, 3.0, v.CurrentTrack.StartTime)
	assert.Equal(t, room.MsgTypePlaybackUpdate, conn.next(t).Type)
}

// TestPresenceEvents covers join, ownership change and leave on the local participant list.
func TestPresenceEvents(t *testing.T) {
	c := New("r", Identity{ClientID: "me"}, nil, testOptions())

	require.NoError(t, c.apply(envelope(t, room.MsgTypeJoin, "a", 0, model.ParticipantInfo{ClientID: "a", DisplayName: "A", IsRoomOwner: true})))
	require.NoError(t, c.apply(envelope(t, room.MsgTypeJoin, "b", 0, model.ParticipantInfo{ClientID: "b", DisplayName: "B"})))
	require.NoError(t, c.apply(envelope(t, room.MsgTypeJoin, "b", 0, model.ParticipantInfo{ClientID: "b", DisplayName: "B2"})))
	require.Len(t, c.View().Participants, 2)
	assert.Equal(t, "B2", c.View().Participants[1].DisplayName)

	require.NoError(t, c.apply(envelope(t, room.MsgTypeOwnershipChange, "b", 0, room.OwnershipData{ClientID: "b", PreviousOwner: "a"})))
	require.NoError(t, c.apply(envelope(t, room.MsgTypeLeave, "a", 0, room.IdentityData{ClientID: "a"})))

	v := c.View()
	require.Len(t, v.Participants, 1)
	assert.Equal(t, "b", v.Participants[0].ClientID)
	assert.True(t, v.Participants[0].IsRoomOwner)
}

// TestSendWhileDisconnected verifies sends fail fast without a connection but local state still changes.
func TestSendWhileDisconnected(t *testing.T) {
	c := New("r", Identity{DisplayName: "Me"}, nil, testOptions())

	assert.ErrorIs(t, c.SendChat("hi"), ErrNotConnected)
	assert.ErrorIs(t, c.Rename("New"), ErrNotConnected)
	assert.Equal(t, "New", c.Identity().DisplayName)
}

func envelope(t *testing.T, typ room.MessageType, clientID string, seq uint64, data interface{}) *room.Envelope {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return &room.Envelope{Type: typ, ClientID: clientID, Seq: seq, Data: raw}
}
