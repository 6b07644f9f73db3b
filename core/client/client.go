package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"CoWatch/core/room"
	"CoWatch/logger"
	"CoWatch/model"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrNotConnected 当前没有可用连接，事件未发送（本地状态照常更新，重连后由全量同步纠正）
var ErrNotConnected = errors.New("not connected")

// Conn 客户端使用的最小连接接口，*websocket.Conn 满足该接口
type Conn interface {
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
	Close() error
}

// DialFunc 建立一条新连接
type DialFunc func(ctx context.Context) (Conn, error)

// WebSocketDialer 返回连接到 url 的拨号函数
func WebSocketDialer(url string) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Identity 客户端身份，ClientID 在进程生命周期内不变
type Identity struct {
	ClientID    string
	DisplayName string
	Avatar      string
}

// View 本地房间视图的只读副本
type View struct {
	RoomID       string
	Connected    bool
	CurrentTrack *model.CurrentTrack
	Queue        []model.QueueItem
	Messages     []*model.ChatMessage
	Participants []model.ParticipantInfo
}

// Options 客户端配置
type Options struct {
	ResyncInterval    time.Duration // 周期性全量同步，默认 30s
	FollowUpSyncDelay time.Duration // 改名/换头像后的补充同步，默认 500ms
	InitialBackoff    time.Duration // 重连初始等待，默认 500ms
	MaxBackoff        time.Duration // 重连最长等待，默认 30s

	OnChange func(View)           // 每次本地视图变化后调用
	OnEvent  func(*room.Envelope) // 每条收到的消息
	OnError  func(room.ErrorData) // 服务端返回的错误
	Now      func() time.Time
}

func (o *Options) setDefaults() {
	if o.ResyncInterval <= 0 {
		o.ResyncInterval = 30 * time.Second
	}
	if o.FollowUpSyncDelay <= 0 {
		o.FollowUpSyncDelay = 500 * time.Millisecond
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Client 房间客户端：维护本地镜像，乐观应用自己的修改，识别并忽略自己修改的回声
type Client struct {
	roomID string
	dial   DialFunc
	opts   Options

	identMu  sync.RWMutex
	identity Identity

	mu           sync.Mutex
	connected    bool
	currentTrack *model.CurrentTrack
	queue        []model.QueueItem
	messages     []*model.ChatMessage
	participants []model.ParticipantInfo
	pending      map[uint64]struct{} // 尚未收到回声的身份变更 seq
	seq          uint64

	connMu sync.Mutex
	conn   Conn
}

// New 创建客户端。identity.ClientID 为空时自动生成。
func New(roomID string, identity Identity, dial DialFunc, opts Options) *Client {
	opts.setDefaults()
	if identity.ClientID == "" {
		identity.ClientID = uuid.NewString()
	}
	return &Client{
		roomID:   roomID,
		dial:     dial,
		opts:     opts,
		identity: identity,
		pending:  make(map[uint64]struct{}),
	}
}

// Identity 当前身份
func (c *Client) Identity() Identity {
	c.identMu.RLock()
	defer c.identMu.RUnlock()
	return c.identity
}

// View 当前视图副本
func (c *Client) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Client) viewLocked() View {
	v := View{
		RoomID:       c.roomID,
		Connected:    c.connected,
		Queue:        make([]model.QueueItem, len(c.queue)),
		Messages:     make([]*model.ChatMessage, 0, len(c.messages)),
		Participants: make([]model.ParticipantInfo, len(c.participants)),
	}
	if c.currentTrack != nil {
		track := *c.currentTrack
		v.CurrentTrack = &track
	}
	copy(v.Queue, c.queue)
	copy(v.Participants, c.participants)
	for _, msg := range c.messages {
		m := *msg
		v.Messages = append(v.Messages, &m)
	}
	return v
}

// notify 在释放 c.mu 之后调用
func (c *Client) notify(v View) {
	if c.opts.OnChange != nil {
		c.opts.OnChange(v)
	}
}

// ========== 连接生命周期 ==========

// Run 连接并保持连接直到 ctx 结束。断线后按指数退避重连，本地状态不清空。
// 房间不存在时返回 room.ErrRoomNotFound。
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff

	for {
		conn, err := c.dial(ctx)
		if err == nil {
			b.Reset()
			err = c.session(ctx, conn)
			if errors.Is(err, room.ErrRoomNotFound) {
				return err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := b.NextBackOff()
		logger.Warn("connection lost, reconnecting",
			logger.ErrorField(err),
			logger.String("room", c.roomID),
			logger.Duration("wait", wait))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// session 一次连接：先 join 再 sync_request，然后读取直到连接断开
func (c *Client) session(ctx context.Context, conn Conn) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.setConn(conn)
	defer c.setConn(nil)
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()

	if err := c.sendJoin(); err != nil {
		return err
	}
	if err := c.RequestSync(); err != nil {
		return err
	}
	go c.resyncLoop(sessionCtx)

	for {
		var env room.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		if err := c.apply(&env); err != nil {
			return err
		}
	}
}

func (c *Client) setConn(conn Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.mu.Lock()
	c.connected = conn != nil
	v := c.viewLocked()
	c.mu.Unlock()
	c.notify(v)
}

func (c *Client) resyncLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RequestSync(); err != nil {
				logger.Debug("periodic resync failed", logger.ErrorField(err))
			}
		}
	}
}

// ========== 发送 ==========

func (c *Client) nextSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// send 补齐信封公共字段后写出，写操作按连接串行化
func (c *Client) send(t room.MessageType, seq uint64, data interface{}) error {
	id := c.Identity()
	env := &room.Envelope{
		Type:      t,
		RoomID:    c.roomID,
		ClientID:  id.ClientID,
		Username:  id.DisplayName,
		Seq:       seq,
		Timestamp: c.opts.Now().UnixMilli(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		env.Data = raw
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteJSON(env)
}

func (c *Client) sendJoin() error {
	id := c.Identity()
	return c.send(room.MsgTypeJoin, c.nextSeq(), room.IdentityData{
		ClientID:    id.ClientID,
		DisplayName: id.DisplayName,
		Avatar:      id.Avatar,
	})
}

// RequestSync 请求全量同步
func (c *Client) RequestSync() error {
	return c.send(room.MsgTypeSyncRequest, c.nextSeq(), nil)
}

// Rename 乐观更新显示名后发送，回声到达时不再重复应用
func (c *Client) Rename(displayName string) error {
	c.identMu.Lock()
	c.identity.DisplayName = displayName
	id := c.identity
	c.identMu.Unlock()

	return c.sendIdentityChange(room.MsgTypeRename, id)
}

// ChangeAvatar 乐观更新头像后发送
func (c *Client) ChangeAvatar(avatar string) error {
	c.identMu.Lock()
	c.identity.Avatar = avatar
	id := c.identity
	c.identMu.Unlock()

	return c.sendIdentityChange(room.MsgTypeAvatarChange, id)
}

func (c *Client) sendIdentityChange(t room.MessageType, id Identity) error {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.pending[seq] = struct{}{}
	c.applyIdentityLocked(id.ClientID, id.DisplayName, id.Avatar)
	v := c.viewLocked()
	c.mu.Unlock()
	c.notify(v)

	err := c.send(t, seq, room.IdentityData{
		ClientID:    id.ClientID,
		DisplayName: id.DisplayName,
		Avatar:      id.Avatar,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return err
	}

	// 与并发加入的竞争由稍后的全量同步修正
	time.AfterFunc(c.opts.FollowUpSyncDelay, func() {
		if err := c.RequestSync(); err != nil {
			logger.Debug("follow-up sync failed", logger.ErrorField(err))
		}
	})
	return nil
}

// SendChat 发送聊天消息。本地不回显，等服务端广播带回服务端时间。
func (c *Client) SendChat(content string) error {
	return c.send(room.MsgTypeChat, c.nextSeq(), room.ChatData{Content: content})
}

// SetQueue 乐观替换本地队列并发送整个队列
func (c *Client) SetQueue(queue []model.QueueItem) error {
	c.mu.Lock()
	c.queue = append([]model.QueueItem(nil), queue...)
	c.seq++
	seq := c.seq
	v := c.viewLocked()
	c.mu.Unlock()
	c.notify(v)

	return c.send(room.MsgTypeQueueUpdate, seq, room.QueueData{Queue: queue})
}

// UpdatePlayback 乐观更新当前曲目并发送
func (c *Client) UpdatePlayback(data room.PlaybackData) error {
	c.mu.Lock()
	c.currentTrack = &model.CurrentTrack{
		TrackID:    data.TrackID,
		Source:     data.Source,
		StartTime:  data.CurrentTime,
		IsPlaying:  data.IsPlaying,
		CapturedAt: c.opts.Now().UnixMilli(),
	}
	c.seq++
	seq := c.seq
	v := c.viewLocked()
	c.mu.Unlock()
	c.notify(v)

	return c.send(room.MsgTypePlaybackUpdate, seq, data)
}

// Leave 主动离开房间
func (c *Client) Leave() error {
	return c.send(room.MsgTypeLeave, c.nextSeq(), nil)
}

// ========== 接收 ==========

// apply 把一条服务端消息应用到本地视图
func (c *Client) apply(env *room.Envelope) error {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(env)
	}

	switch env.Type {
	case room.MsgTypePong:
		return nil
	case room.MsgTypeError:
		var data room.ErrorData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil
		}
		if c.opts.OnError != nil {
			c.opts.OnError(data)
		}
		if data.Code == room.ErrCodeRoomNotFound {
			return room.ErrRoomNotFound
		}
		return nil
	}

	c.mu.Lock()
	changed, err := c.applyLocked(env)
	var v View
	if changed {
		v = c.viewLocked()
	}
	c.mu.Unlock()

	if err != nil {
		logger.Warn("dropping malformed event",
			logger.ErrorField(err),
			logger.String("type", string(env.Type)))
		return nil
	}
	if changed {
		c.notify(v)
	}
	return nil
}

func (c *Client) applyLocked(env *room.Envelope) (bool, error) {
	switch env.Type {
	case room.MsgTypeSyncResponse:
		var data room.SyncResponseData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return false, err
		}
		c.currentTrack = data.CurrentTrack
		c.queue = data.Queue
		c.participants = data.Participants
		// 空历史不覆盖已有的本地历史
		if len(data.Messages) > 0 || len(c.messages) == 0 {
			c.messages = data.Messages
		}
		return true, nil

	case room.MsgTypeJoin:
		var info model.ParticipantInfo
		if err := json.Unmarshal(env.Data, &info); err != nil {
			return false, err
		}
		for i := range c.participants {
			if c.participants[i].ClientID == info.ClientID {
				c.participants[i] = info
				return true, nil
			}
		}
		c.participants = append(c.participants, info)
		return true, nil

	case room.MsgTypeLeave:
		for i := range c.participants {
			if c.participants[i].ClientID == env.ClientID {
				c.participants = append(c.participants[:i], c.participants[i+1:]...)
				return true, nil
			}
		}
		return false, nil

	case room.MsgTypeOwnershipChange:
		var data room.OwnershipData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return false, err
		}
		for i := range c.participants {
			c.participants[i].IsRoomOwner = c.participants[i].ClientID == data.ClientID
		}
		return true, nil

	case room.MsgTypeRename, room.MsgTypeAvatarChange:
		if c.isOwnEcho(env) {
			return false, nil
		}
		var data room.IdentityData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return false, err
		}
		clientID := data.ClientID
		if clientID == "" {
			clientID = env.ClientID
		}
		c.applyIdentityLocked(clientID, data.DisplayName, data.Avatar)
		return true, nil

	case room.MsgTypeChat:
		var msg model.ChatMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return false, err
		}
		for _, existing := range c.messages {
			if existing.ClientID == msg.ClientID && existing.SentAt == msg.SentAt {
				return false, nil
			}
		}
		c.messages = append(c.messages, &msg)
		return true, nil

	case room.MsgTypeQueueUpdate:
		var data room.QueueData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return false, err
		}
		c.queue = data.Queue
		return true, nil

	case room.MsgTypePlaybackUpdate:
		var data room.PlaybackData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return false, err
		}
		c.currentTrack = &model.CurrentTrack{
			TrackID:    data.TrackID,
			Source:     data.Source,
			StartTime:  data.CurrentTime,
			IsPlaying:  data.IsPlaying,
			CapturedAt: c.opts.Now().UnixMilli(),
		}
		return true, nil
	}
	return false, nil
}

// isOwnEcho 自己发出且仍在等待回声的身份变更，消费掉 seq 并返回 true
func (c *Client) isOwnEcho(env *room.Envelope) bool {
	if env.ClientID != c.Identity().ClientID {
		return false
	}
	if _, ok := c.pending[env.Seq]; !ok {
		return false
	}
	delete(c.pending, env.Seq)
	return true
}

// applyIdentityLocked 更新参与者条目以及该客户端的历史消息署名
func (c *Client) applyIdentityLocked(clientID, displayName, avatar string) {
	for i := range c.participants {
		if c.participants[i].ClientID == clientID {
			c.participants[i].DisplayName = displayName
			c.participants[i].Avatar = avatar
		}
	}
	for _, msg := range c.messages {
		if msg.ClientID == clientID {
			msg.Username = displayName
			msg.Avatar = avatar
		}
	}
}
