package room

import (
	"encoding/json"

	"CoWatch/model"
)

// MessageType 消息类型
type MessageType string

const (
	// 成员与身份
	MsgTypeJoin            MessageType = "join"             // 加入房间
	MsgTypeLeave           MessageType = "leave"            // 离开房间
	MsgTypeRename          MessageType = "rename"           // 修改显示名
	MsgTypeAvatarChange    MessageType = "avatar_change"    // 修改头像
	MsgTypeOwnershipChange MessageType = "ownership_change" // 房主变更

	// 房间内容
	MsgTypeChat           MessageType = "chat_message"    // 聊天消息
	MsgTypeQueueUpdate    MessageType = "queue_update"    // 队列整体替换
	MsgTypePlaybackUpdate MessageType = "playback_update" // 播放状态更新

	// 全量同步
	MsgTypeSyncRequest  MessageType = "sync_request"
	MsgTypeSyncResponse MessageType = "sync_response"

	// 系统消息
	MsgTypeError MessageType = "error"
	MsgTypePing  MessageType = "ping"
	MsgTypePong  MessageType = "pong"
)

// 错误码
const (
	ErrCodeRoomNotFound = "room_not_found"
)

// Envelope 线上消息结构。
// (ClientID, Seq) 是发送方事件的幂等键，服务端转发时原样带回，客户端据此识别自己的回声。
// Timestamp 只用于展示，顺序以服务端处理顺序为准。
type Envelope struct {
	Type      MessageType     `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	ClientID  string          `json:"clientId,omitempty"`
	Username  string          `json:"username,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// IdentityData 加入/改名/换头像的数据
type IdentityData struct {
	ClientID    string `json:"clientId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// OwnershipData 房主变更数据
type OwnershipData struct {
	ClientID      string `json:"clientId"`
	PreviousOwner string `json:"previousOwner,omitempty"`
}

// ChatData 客户端发送的聊天内容
type ChatData struct {
	Content string `json:"content"`
}

// QueueData 队列快照
type QueueData struct {
	Queue []model.QueueItem `json:"queue"`
}

// PlaybackData 播放状态，CurrentTime 为发送方上报的播放位置（秒）
type PlaybackData struct {
	TrackID     string            `json:"trackId"`
	Source      model.TrackSource `json:"source"`
	CurrentTime float64           `json:"currentTime"`
	IsPlaying   bool              `json:"isPlaying"`
}

// SyncResponseData 全量同步响应
type SyncResponseData struct {
	CurrentTrack *model.CurrentTrack     `json:"currentTrack,omitempty"` // 已按服务端时间推算
	Queue        []model.QueueItem       `json:"queue"`
	Messages     []*model.ChatMessage    `json:"messages"`
	Participants []model.ParticipantInfo `json:"participants"`
	ServerTime   int64                   `json:"serverTime"`
}

// ErrorData 错误消息
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// newEnvelope 构造带数据的消息，data 为 nil 时不带 data 字段
func newEnvelope(t MessageType, roomID string, data interface{}) *Envelope {
	env := &Envelope{Type: t, RoomID: roomID}
	if data != nil {
		raw, err := json.Marshal(data)
		if err == nil {
			env.Data = raw
		}
	}
	return env
}

// decodeData 解析 data 字段，兼容前端把 data 二次序列化成字符串的情况
func decodeData(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return ErrMalformedEvent
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err == nil {
			raw = json.RawMessage(inner)
		}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return ErrMalformedEvent
	}
	return nil
}
