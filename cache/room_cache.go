package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"CoWatch/model"

	"github.com/redis/go-redis/v9"
)

const (
	roomSnapshotKey = "room:%s:snapshot" // Hash: 房间回收时保存的队列与当前曲目
	roomOnlineKey   = "rooms:online"     // Hash: roomID -> 在线人数
	snapshotTTL     = 24 * time.Hour
)

// LiveSnapshot 房间从内存回收时保存的可恢复状态
type LiveSnapshot struct {
	Queue        []model.QueueItem   `json:"queue"`
	CurrentTrack *model.CurrentTrack `json:"currentTrack,omitempty"`
}

// RoomCache 房间缓存操作
type RoomCache struct {
	client *redis.Client
}

// NewRoomCache 创建房间缓存
func NewRoomCache(client *redis.Client) *RoomCache {
	return &RoomCache{client: client}
}

// ========== 状态快照 ==========

// SaveSnapshot 保存房间快照
func (c *RoomCache) SaveSnapshot(ctx context.Context, roomID string, snap *LiveSnapshot) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	queueJSON, err := json.Marshal(snap.Queue)
	if err != nil {
		return fmt.Errorf("failed to marshal queue: %w", err)
	}
	trackJSON := ""
	if snap.CurrentTrack != nil {
		data, err := json.Marshal(snap.CurrentTrack)
		if err != nil {
			return fmt.Errorf("failed to marshal current track: %w", err)
		}
		trackJSON = string(data)
	}

	key := fmt.Sprintf(roomSnapshotKey, roomID)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, map[string]interface{}{
		"queue":         string(queueJSON),
		"current_track": trackJSON,
		"saved_at":      time.Now().UnixMilli(),
	})
	pipe.Expire(ctx, key, snapshotTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// LoadSnapshot 读取房间快照，不存在时返回 nil, nil
func (c *RoomCache) LoadSnapshot(ctx context.Context, roomID string) (*LiveSnapshot, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	result, err := c.client.HGetAll(ctx, fmt.Sprintf(roomSnapshotKey, roomID)).Result()
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}

	snap := &LiveSnapshot{}
	if v := result["queue"]; v != "" {
		if err := json.Unmarshal([]byte(v), &snap.Queue); err != nil {
			return nil, fmt.Errorf("failed to unmarshal queue: %w", err)
		}
	}
	if v := result["current_track"]; v != "" {
		var track model.CurrentTrack
		if err := json.Unmarshal([]byte(v), &track); err != nil {
			return nil, fmt.Errorf("failed to unmarshal current track: %w", err)
		}
		snap.CurrentTrack = &track
	}
	return snap, nil
}

// ========== 在线人数 ==========

// SetOnlineCount 记录房间在线人数，0 时删除字段
func (c *RoomCache) SetOnlineCount(ctx context.Context, roomID string, count int) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	if count <= 0 {
		return c.client.HDel(ctx, roomOnlineKey, roomID).Err()
	}
	return c.client.HSet(ctx, roomOnlineKey, roomID, count).Err()
}

// GetOnlineCount 获取房间在线人数
func (c *RoomCache) GetOnlineCount(ctx context.Context, roomID string) (int, error) {
	if c.client == nil {
		return 0, fmt.Errorf("Redis client not initialized")
	}
	v, err := c.client.HGet(ctx, roomOnlineKey, roomID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.Atoi(v)
}

// OnlineCounts 全部有人在线的房间及人数
func (c *RoomCache) OnlineCounts(ctx context.Context) (map[string]int, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}
	values, err := c.client.HGetAll(ctx, roomOnlineKey).Result()
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(values))
	for roomID, v := range values {
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		counts[roomID] = n
	}
	return counts, nil
}

// ========== 清理 ==========

// ClearRoom 清理房间所有缓存
func (c *RoomCache) ClearRoom(ctx context.Context, roomID string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	pipe := c.client.Pipeline()
	pipe.Del(ctx, fmt.Sprintf(roomSnapshotKey, roomID))
	pipe.HDel(ctx, roomOnlineKey, roomID)
	_, err := pipe.Exec(ctx)
	return err
}
