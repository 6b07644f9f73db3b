package cache

import (
	"context"
	"testing"

	"CoWatch/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*RoomCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRoomCache(client), mr
}

// TestSnapshotRoundTrip verifies queue order and current track survive a save/load cycle.
func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	snap := &LiveSnapshot{
		Queue: []model.QueueItem{
			{TrackID: "x", Source: model.SourceYouTube, Title: "X"},
			{TrackID: "y", Source: model.SourceSoundCloud},
		},
		CurrentTrack: &model.CurrentTrack{TrackID: "x", Source: model.SourceYouTube, StartTime: 10, IsPlaying: true, CapturedAt: 1000},
	}
	require.NoError(t, c.SaveSnapshot(ctx, "100001", snap))
	assert.True(t, mr.TTL("room:100001:snapshot") > 0)

	got, err := c.LoadSnapshot(ctx, "100001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, snap.Queue, got.Queue)
	assert.Equal(t, snap.CurrentTrack, got.CurrentTrack)
}

// TestSnapshotWithoutTrack verifies an absent current track is restored as nil.
func TestSnapshotWithoutTrack(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	require.NoError(t, c.SaveSnapshot(ctx, "100002", &LiveSnapshot{}))
	got, err := c.LoadSnapshot(ctx, "100002")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.CurrentTrack)
	assert.Empty(t, got.Queue)
}

// TestLoadMissingSnapshot verifies a missing snapshot is nil without error.
func TestLoadMissingSnapshot(t *testing.T) {
	c, _ := newTestCache(t)
	got, err := c.LoadSnapshot(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

// TestOnlineCount covers set, read, zeroing and clearing of the online counter.
func TestOnlineCount(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	n, err := c.GetOnlineCount(ctx, "100003")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, c.SetOnlineCount(ctx, "100003", 3))
	n, err = c.GetOnlineCount(ctx, "100003")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, c.SetOnlineCount(ctx, "100003", 0))
	n, err = c.GetOnlineCount(ctx, "100003")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, c.SetOnlineCount(ctx, "100003", 2))
	require.NoError(t, c.SaveSnapshot(ctx, "100003", &LiveSnapshot{}))
	require.NoError(t, c.ClearRoom(ctx, "100003"))
	n, _ = c.GetOnlineCount(ctx, "100003")
	assert.Equal(t, 0, n)
	snap, _ := c.LoadSnapshot(ctx, "100003")
	assert.Nil(t, snap)
}

// TestOnlineCounts verifies only rooms with someone online are listed.
func TestOnlineCounts(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	counts, err := c.OnlineCounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)

	require.NoError(t, c.SetOnlineCount(ctx, "100001", 2))
	require.NoError(t, c.SetOnlineCount(ctx, "100002", 5))
	require.NoError(t, c.SetOnlineCount(ctx, "100002", 0))

	counts, err = c.OnlineCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"100001": 2}, counts)
}
