package model

import (
	"time"
)

// Room 房间元数据（持久化）
type Room struct {
	ID            string    `json:"id" gorm:"primaryKey;size:8"`
	Name          string    `json:"name" gorm:"size:100;not null"`
	ManageKeyHash string    `json:"-" gorm:"size:100"` // 管理密钥的 bcrypt 哈希
	CreatedAt     time.Time `json:"createdAt"`
	LastActiveAt  time.Time `json:"lastActiveAt" gorm:"index"`
}

// TableName 指定表名
func (Room) TableName() string {
	return "rooms"
}

// ChatMessage 聊天消息，只追加不修改（改名/换头像时批量改写作者信息除外）。
// (room_id, client_id, sent_at) 唯一，重复发送是幂等的。
type ChatMessage struct {
	ID        int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	RoomID    string    `json:"roomId" gorm:"size:8;not null;uniqueIndex:idx_room_client_sent,priority:1"`
	ClientID  string    `json:"clientId" gorm:"size:64;not null;uniqueIndex:idx_room_client_sent,priority:2"`
	SentAt    int64     `json:"sentAt" gorm:"not null;uniqueIndex:idx_room_client_sent,priority:3"` // 发送方时间戳（毫秒）
	Username  string    `json:"username" gorm:"size:64"`
	Avatar    string    `json:"avatar,omitempty" gorm:"size:255"`
	Content   string    `json:"content" gorm:"type:text;not null"`
	CreatedAt time.Time `json:"createdAt" gorm:"index"` // 服务端接收时间
}

// TableName 指定表名
func (ChatMessage) TableName() string {
	return "room_messages"
}

// ========== 非持久化结构（内存状态与 WebSocket） ==========

// TrackSource 曲目来源
type TrackSource string

const (
	SourceYouTube    TrackSource = "youtube"
	SourceSoundCloud TrackSource = "soundcloud"
)

// Valid 是否为支持的来源
func (s TrackSource) Valid() bool {
	return s == SourceYouTube || s == SourceSoundCloud
}

// QueueItem 播放队列中的一项
type QueueItem struct {
	TrackID   string      `json:"trackId"`
	Source    TrackSource `json:"source"`
	Title     string      `json:"title,omitempty"`
	Thumbnail string      `json:"thumbnail,omitempty"`
	Duration  float64     `json:"duration,omitempty"` // 秒
}

// CurrentTrack 当前播放曲目。StartTime 是 CapturedAt 时刻的播放位置。
type CurrentTrack struct {
	TrackID    string      `json:"trackId"`
	Source     TrackSource `json:"source"`
	StartTime  float64     `json:"startTime"` // 秒
	IsPlaying  bool        `json:"isPlaying"`
	CapturedAt int64       `json:"capturedAt"` // 服务端接受更新的时间（毫秒）
}

// ParticipantInfo 房间参与者
type ParticipantInfo struct {
	ClientID    string `json:"clientId"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
	IsRoomOwner bool   `json:"isRoomOwner"`
	JoinedAt    int64  `json:"joinedAt"` // 毫秒
}

// RoomSummary 房间概要（API 响应用）
type RoomSummary struct {
	Room
	ParticipantCount int `json:"participantCount"`
}
