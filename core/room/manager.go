package room

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"CoWatch/cache"
	"CoWatch/logger"
	"CoWatch/model"
	"CoWatch/repository"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Transport 事件传输层：按房间分组的连接集合
type Transport interface {
	JoinGroup(connID, roomID string)
	LeaveGroup(connID, roomID string)
	// BroadcastToGroup 向房间内所有连接发送，excludeConnID 非空时跳过该连接
	BroadcastToGroup(roomID string, msg *Envelope, excludeConnID string)
	SendTo(connID string, msg *Envelope)
	// Connected 连接是否仍在传输层注册
	Connected(connID string) bool
}

// SnapshotStore 房间回收时保存队列和当前曲目，冷启动时恢复
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, roomID string, snap *cache.LiveSnapshot) error
	LoadSnapshot(ctx context.Context, roomID string) (*cache.LiveSnapshot, error)
	SetOnlineCount(ctx context.Context, roomID string, count int) error
	ClearRoom(ctx context.Context, roomID string) error
}

const (
	defaultEvictionGrace = 5 * time.Minute
	defaultStoreTimeout  = 5 * time.Second
	defaultDisplayName   = "Guest"
)

// liveRoom 在内存中的房间。mu 串行化该房间的所有操作；evicted 之后该实例作废，调用方需要重新获取。
type liveRoom struct {
	mu         sync.Mutex
	state      *roomState
	hydrated   bool
	evicted    bool
	evictTimer *time.Timer
	evictGen   uint64
}

// connBinding 连接当前代表的房间成员
type connBinding struct {
	roomID   string
	clientID string
}

// RoomManager 房间状态协调器，房间内存状态的唯一修改者。
// 同一房间的操作严格串行，不同房间互不阻塞。锁顺序：liveRoom.mu 在前，RoomManager.mu 在后。
type RoomManager struct {
	rooms     repository.RoomRepository
	messages  repository.MessageRepository
	snapshots SnapshotStore
	transport Transport

	now           func() time.Time
	evictionGrace time.Duration
	storeTimeout  time.Duration

	mu    sync.Mutex
	live  map[string]*liveRoom
	conns map[string]connBinding
}

// Option RoomManager 可选配置
type Option func(*RoomManager)

// WithClock 注入时钟，测试用
func WithClock(now func() time.Time) Option {
	return func(m *RoomManager) { m.now = now }
}

// WithEvictionGrace 房间清空后保留内存状态的时长
func WithEvictionGrace(d time.Duration) Option {
	return func(m *RoomManager) {
		if d > 0 {
			m.evictionGrace = d
		}
	}
}

// WithSnapshotStore 启用 Redis 快照与在线人数
func WithSnapshotStore(s SnapshotStore) Option {
	return func(m *RoomManager) { m.snapshots = s }
}

// WithStoreTimeout 单次持久化调用的超时
func WithStoreTimeout(d time.Duration) Option {
	return func(m *RoomManager) {
		if d > 0 {
			m.storeTimeout = d
		}
	}
}

// NewRoomManager 创建房间管理器
func NewRoomManager(rooms repository.RoomRepository, messages repository.MessageRepository, transport Transport, opts ...Option) *RoomManager {
	m := &RoomManager{
		rooms:         rooms,
		messages:      messages,
		transport:     transport,
		now:           time.Now,
		evictionGrace: defaultEvictionGrace,
		storeTimeout:  defaultStoreTimeout,
		live:          make(map[string]*liveRoom),
		conns:         make(map[string]connBinding),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ========== 房间管理 ==========

// CreateRoom 创建房间，返回房间和一次性管理密钥（只保存其 bcrypt 哈希）
func (m *RoomManager) CreateRoom(ctx context.Context, name string) (*model.Room, string, error) {
	roomID, err := m.generateUniqueRoomID(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("生成房间ID失败: %w", err)
	}

	manageKey := uuid.NewString()
	hash, err := bcrypt.GenerateFromPassword([]byte(manageKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("生成管理密钥失败: %w", err)
	}

	now := m.now()
	room := &model.Room{
		ID:            roomID,
		Name:          name,
		ManageKeyHash: string(hash),
		CreatedAt:     now,
		LastActiveAt:  now,
	}
	if err := m.rooms.SaveRoom(ctx, room); err != nil {
		return nil, "", fmt.Errorf("创建房间失败: %w", err)
	}

	logger.Info("房间创建成功",
		logger.String("roomId", roomID),
		logger.String("roomName", name))

	return room, manageKey, nil
}

// generateUniqueRoomID 生成唯一的6位数字房间ID
func (m *RoomManager) generateUniqueRoomID(ctx context.Context) (string, error) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("%06d", r.Intn(900000)+100000)

		exists, err := m.rooms.RoomExists(ctx, id)
		if err != nil {
			return "", err
		}
		if !exists {
			return id, nil
		}
	}

	return "", fmt.Errorf("无法生成唯一房间ID")
}

// GetRoomInfo 获取房间信息和在线人数，会按需载入房间内存状态
func (m *RoomManager) GetRoomInfo(ctx context.Context, roomID string) (*model.RoomSummary, error) {
	room, err := m.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("获取房间失败: %w", err)
	}
	if room == nil {
		return nil, ErrRoomNotFound
	}

	summary := &model.RoomSummary{Room: *room}
	err = m.withRoom(ctx, roomID, true, func(r *liveRoom) error {
		summary.ParticipantCount = len(r.state.participants)
		return nil
	})
	return summary, err
}

// ListRooms 按最后活跃时间倒序列出房间，在线人数只统计已在内存中的房间
func (m *RoomManager) ListRooms(ctx context.Context, limit int) ([]*model.RoomSummary, error) {
	rooms, err := m.rooms.ListRooms(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("获取房间列表失败: %w", err)
	}

	result := make([]*model.RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		result = append(result, &model.RoomSummary{
			Room:             *room,
			ParticipantCount: m.ParticipantCount(room.ID),
		})
	}
	return result, nil
}

// GetMessages 按写入顺序返回房间的持久化聊天记录
func (m *RoomManager) GetMessages(ctx context.Context, roomID string) ([]*model.ChatMessage, error) {
	exists, err := m.rooms.RoomExists(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("查询房间失败: %w", err)
	}
	if !exists {
		return nil, ErrRoomNotFound
	}

	messages, err := m.messages.GetMessagesByRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("获取聊天记录失败: %w", err)
	}
	if messages == nil {
		messages = []*model.ChatMessage{}
	}
	return messages, nil
}

// ParticipantCount 当前在线人数，房间不在内存中时为 0
func (m *RoomManager) ParticipantCount(roomID string) int {
	m.mu.Lock()
	r, ok := m.live[roomID]
	m.mu.Unlock()
	if !ok {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted {
		return 0
	}
	return len(r.state.participants)
}

// DeleteRoom 校验管理密钥后删除房间与聊天记录，并清理内存状态
func (m *RoomManager) DeleteRoom(ctx context.Context, roomID, manageKey string) error {
	room, err := m.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("获取房间失败: %w", err)
	}
	if room == nil {
		return ErrRoomNotFound
	}
	if bcrypt.CompareHashAndPassword([]byte(room.ManageKeyHash), []byte(manageKey)) != nil {
		return ErrInvalidManageKey
	}

	m.dropLiveRoom(roomID)

	if err := m.rooms.DeleteRoom(ctx, roomID); err != nil {
		return fmt.Errorf("删除房间失败: %w", err)
	}
	if m.snapshots != nil {
		if err := m.snapshots.ClearRoom(ctx, roomID); err != nil {
			logger.Warn("清理房间缓存失败", logger.ErrorField(err), logger.String("roomId", roomID))
		}
	}

	logger.Info("房间已删除", logger.String("roomId", roomID))
	return nil
}

// dropLiveRoom 立即移除内存中的房间，断开其成员绑定，不保存快照
func (m *RoomManager) dropLiveRoom(roomID string) {
	m.mu.Lock()
	r, ok := m.live[roomID]
	m.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted {
		return
	}
	m.cancelEviction(r)
	r.evicted = true

	for _, p := range r.state.participants {
		m.transport.LeaveGroup(p.connID, roomID)
	}

	m.mu.Lock()
	if m.live[roomID] == r {
		delete(m.live, roomID)
	}
	for connID, b := range m.conns {
		if b.roomID == roomID {
			delete(m.conns, connID)
		}
	}
	m.mu.Unlock()
}

// ========== 内存状态生命周期 ==========

// withRoom 在房间锁内执行 fn。create 为 false 且房间不在内存中时返回 ErrNotJoined。
// fn 返回后根据人数安排或取消回收。
func (m *RoomManager) withRoom(ctx context.Context, roomID string, create bool, fn func(r *liveRoom) error) error {
	for {
		m.mu.Lock()
		r, ok := m.live[roomID]
		if !ok {
			if !create {
				m.mu.Unlock()
				return ErrNotJoined
			}
			r = &liveRoom{state: newRoomState(roomID)}
			m.live[roomID] = r
		}
		m.mu.Unlock()

		r.mu.Lock()
		if r.evicted {
			// 与回收竞争失败，重新获取
			r.mu.Unlock()
			continue
		}
		if !r.hydrated {
			m.hydrate(ctx, r)
			r.hydrated = true
		}

		err := fn(r)

		if len(r.state.participants) == 0 {
			if r.evictTimer == nil {
				m.scheduleEviction(r)
			}
		} else {
			m.cancelEviction(r)
		}
		r.mu.Unlock()
		return err
	}
}

// hydrate 冷启动：聊天记录来自数据库，队列和当前曲目来自 Redis 快照
func (m *RoomManager) hydrate(ctx context.Context, r *liveRoom) {
	roomID := r.state.roomID

	storeCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	messages, err := m.messages.GetMessagesByRoom(storeCtx, roomID)
	if err != nil {
		logger.Warn("加载聊天记录失败", logger.ErrorField(err), logger.String("roomId", roomID))
	} else {
		r.state.loadChat(messages)
	}

	if m.snapshots == nil {
		return
	}
	snap, err := m.snapshots.LoadSnapshot(storeCtx, roomID)
	if err != nil {
		logger.Warn("加载房间快照失败", logger.ErrorField(err), logger.String("roomId", roomID))
		return
	}
	if snap != nil {
		r.state.queue = snap.Queue
		r.state.currentTrack = snap.CurrentTrack
	}

	logger.Debug("房间状态已载入",
		logger.String("roomId", roomID),
		logger.Int("messages", len(r.state.chat)),
		logger.Int("queue", len(r.state.queue)))
}

// scheduleEviction 房间清空后延迟回收，调用方需持有 r.mu
func (m *RoomManager) scheduleEviction(r *liveRoom) {
	r.evictGen++
	gen := r.evictGen
	r.evictTimer = time.AfterFunc(m.evictionGrace, func() {
		m.evict(r, gen)
	})
}

// cancelEviction 取消待执行的回收，调用方需持有 r.mu
func (m *RoomManager) cancelEviction(r *liveRoom) {
	if r.evictTimer == nil {
		return
	}
	r.evictTimer.Stop()
	r.evictTimer = nil
	r.evictGen++
}

// evict 回收计时器到期。gen 不匹配说明期间有人加入过，放弃本次回收。
func (m *RoomManager) evict(r *liveRoom, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.evicted || r.evictGen != gen || len(r.state.participants) > 0 {
		return
	}
	r.evicted = true
	r.evictTimer = nil

	// 快照写完之前房间仍留在 live 中，并发的加入会阻塞在 r.mu 上，重试时读到的是新快照
	m.saveSnapshot(r)

	roomID := r.state.roomID
	m.mu.Lock()
	if m.live[roomID] == r {
		delete(m.live, roomID)
	}
	m.mu.Unlock()

	logger.Info("房间内存状态已回收", logger.String("roomId", roomID))
}

// saveSnapshot 调用方需持有 r.mu。房间清空即结束播放，曲目按推算位置暂停后保存。
func (m *RoomManager) saveSnapshot(r *liveRoom) {
	if m.snapshots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.storeTimeout)
	defer cancel()

	track := projectTrack(r.state.currentTrack, m.now())
	if track != nil {
		track.IsPlaying = false
	}
	snap := &cache.LiveSnapshot{
		Queue:        r.state.queueCopy(),
		CurrentTrack: track,
	}
	if err := m.snapshots.SaveSnapshot(ctx, r.state.roomID, snap); err != nil {
		logger.Warn("保存房间快照失败", logger.ErrorField(err), logger.String("roomId", r.state.roomID))
	}
}

// updateOnlineCount 调用方需持有 r.mu
func (m *RoomManager) updateOnlineCount(ctx context.Context, r *liveRoom) {
	if m.snapshots == nil {
		return
	}
	storeCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	if err := m.snapshots.SetOnlineCount(storeCtx, r.state.roomID, len(r.state.participants)); err != nil {
		logger.Warn("更新在线人数失败", logger.ErrorField(err), logger.String("roomId", r.state.roomID))
	}
}

// Shutdown 停止所有回收计时器并保存每个在线房间的快照
func (m *RoomManager) Shutdown() {
	m.mu.Lock()
	rooms := make([]*liveRoom, 0, len(m.live))
	for _, r := range m.live {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	for _, r := range rooms {
		r.mu.Lock()
		if !r.evicted {
			m.cancelEviction(r)
			r.evicted = true
			m.saveSnapshot(r)
		}
		r.mu.Unlock()
	}

	m.mu.Lock()
	m.live = make(map[string]*liveRoom)
	m.conns = make(map[string]connBinding)
	m.mu.Unlock()

	logger.Info("房间管理器已关闭", logger.Int("rooms", len(rooms)))
}

// LiveRoomCount 内存中的房间数
func (m *RoomManager) LiveRoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// ========== 连接绑定 ==========

func (m *RoomManager) binding(connID string) (connBinding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.conns[connID]
	return b, ok
}

func (m *RoomManager) bind(connID, roomID, clientID string) {
	m.mu.Lock()
	m.conns[connID] = connBinding{roomID: roomID, clientID: clientID}
	m.mu.Unlock()
}

func (m *RoomManager) unbind(connID string) {
	m.mu.Lock()
	delete(m.conns, connID)
	m.mu.Unlock()
}

// ========== 发送辅助 ==========

func (m *RoomManager) broadcast(roomID string, env *Envelope, excludeConnID string) {
	env.RoomID = roomID
	if env.Timestamp == 0 {
		env.Timestamp = m.now().UnixMilli()
	}
	m.transport.BroadcastToGroup(roomID, env, excludeConnID)
}

func (m *RoomManager) sendTo(connID string, env *Envelope) {
	if env.Timestamp == 0 {
		env.Timestamp = m.now().UnixMilli()
	}
	m.transport.SendTo(connID, env)
}

func (m *RoomManager) sendError(connID, roomID, code, message string) {
	m.sendTo(connID, newEnvelope(MsgTypeError, roomID, ErrorData{Code: code, Message: message}))
}
