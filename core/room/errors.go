package room

import "errors"

var (
	// ErrRoomNotFound 房间未持久化或已删除
	ErrRoomNotFound = errors.New("room not found")
	// ErrMalformedEvent 事件数据无法解析或字段非法，事件被丢弃
	ErrMalformedEvent = errors.New("malformed event")
	// ErrNotJoined 连接尚未加入任何房间
	ErrNotJoined = errors.New("connection has not joined a room")
	// ErrConnClosed 连接已被传输层移除，其后到达的事件不再生效
	ErrConnClosed = errors.New("connection already closed")
	// ErrInvalidManageKey 管理密钥不匹配
	ErrInvalidManageKey = errors.New("invalid room manage key")
)
