package room

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"CoWatch/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Client WebSocket 客户端，一个连接对应一个参与者
type Client struct {
	ID   string
	Hub  *RoomHub
	Conn *websocket.Conn
	Send chan []byte

	mu     sync.RWMutex
	roomID string
}

// NewClient 创建客户端并分配连接ID
func NewClient(hub *RoomHub, conn *websocket.Conn) *Client {
	return &Client{
		ID:   uuid.NewString(),
		Hub:  hub,
		Conn: conn,
		Send: make(chan []byte, sendBufferSize),
	}
}

// RoomID 当前所在房间（线程安全）
func (c *Client) RoomID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

func (c *Client) setRoom(roomID string) {
	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()
}

type hubOpKind int

const (
	opJoinGroup hubOpKind = iota
	opLeaveGroup
	opBroadcast
	opSendTo
)

// hubOp 分组变更与消息投递走同一个通道，保证处理顺序与调用顺序一致
type hubOp struct {
	kind          hubOpKind
	connID        string
	roomID        string
	message       []byte
	excludeConnID string
}

// RoomHub 房间 WebSocket 管理中心，实现 Transport
type RoomHub struct {
	// 房间 -> 客户端集合
	rooms map[string]map[*Client]bool

	// 连接ID -> 客户端
	clients map[string]*Client

	unregister chan *Client
	outbound   chan *hubOp

	mu           sync.RWMutex
	onDisconnect []func(connID string)

	done     chan struct{}
	stopOnce sync.Once
}

// NewRoomHub 创建房间 Hub
func NewRoomHub() *RoomHub {
	return &RoomHub{
		rooms:      make(map[string]map[*Client]bool),
		clients:    make(map[string]*Client),
		unregister: make(chan *Client),
		outbound:   make(chan *hubOp, sendBufferSize),
		done:       make(chan struct{}),
	}
}

// OnDisconnect 注册连接断开回调，回调在独立 goroutine 中执行
func (h *RoomHub) OnDisconnect(fn func(connID string)) {
	h.mu.Lock()
	h.onDisconnect = append(h.onDisconnect, fn)
	h.mu.Unlock()
}

// Run 启动 Hub 主循环
func (h *RoomHub) Run() {
	for {
		select {
		case client := <-h.unregister:
			h.unregisterClient(client)

		case op := <-h.outbound:
			h.apply(op)

		case <-h.done:
			h.cleanup()
			return
		}
	}
}

// Stop 停止 Hub
func (h *RoomHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *RoomHub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	logger.Debug("client registered", logger.String("conn", client.ID))
}

func (h *RoomHub) unregisterClient(client *Client) {
	h.mu.Lock()
	removed := h.removeClient(client)
	h.mu.Unlock()

	if removed {
		h.notifyDisconnect(client.ID)
	}
}

// removeClient 移除客户端并关闭发送通道，需要持有锁
func (h *RoomHub) removeClient(client *Client) bool {
	if h.clients[client.ID] != client {
		return false
	}
	delete(h.clients, client.ID)

	roomID := client.RoomID()
	if members, ok := h.rooms[roomID]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	close(client.Send)

	logger.Info("client unregistered",
		logger.String("conn", client.ID),
		logger.String("room", roomID))
	return true
}

func (h *RoomHub) notifyDisconnect(connID string) {
	h.mu.RLock()
	handlers := make([]func(string), len(h.onDisconnect))
	copy(handlers, h.onDisconnect)
	h.mu.RUnlock()

	for _, fn := range handlers {
		go fn(connID)
	}
}

func (h *RoomHub) apply(op *hubOp) {
	switch op.kind {
	case opJoinGroup:
		h.joinGroup(op.connID, op.roomID)
	case opLeaveGroup:
		h.leaveGroup(op.connID, op.roomID)
	case opBroadcast:
		h.broadcastToRoom(op)
	case opSendTo:
		h.mu.RLock()
		client := h.clients[op.connID]
		h.mu.RUnlock()
		if client != nil {
			h.deliver(client, op.message)
		}
	}
}

func (h *RoomHub) joinGroup(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client := h.clients[connID]
	if client == nil {
		return
	}
	if prev := client.RoomID(); prev != "" && prev != roomID {
		if members, ok := h.rooms[prev]; ok {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, prev)
			}
		}
	}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Client]bool)
	}
	h.rooms[roomID][client] = true
	client.setRoom(roomID)
}

func (h *RoomHub) leaveGroup(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client := h.clients[connID]
	if client == nil {
		return
	}
	if members, ok := h.rooms[roomID]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	if client.RoomID() == roomID {
		client.setRoom("")
	}
}

// broadcastToRoom 向房间广播消息
func (h *RoomHub) broadcastToRoom(op *hubOp) {
	h.mu.RLock()
	clients, ok := h.rooms[op.roomID]
	if !ok {
		h.mu.RUnlock()
		return
	}

	// 复制客户端列表以避免长时间持有锁
	clientList := make([]*Client, 0, len(clients))
	for client := range clients {
		if client.ID == op.excludeConnID {
			continue
		}
		clientList = append(clientList, client)
	}
	h.mu.RUnlock()

	for _, client := range clientList {
		h.deliver(client, op.message)
	}
}

// deliver 发送缓冲区满时断开该客户端，由重连后的全量同步补齐
func (h *RoomHub) deliver(client *Client, message []byte) {
	select {
	case client.Send <- message:
	default:
		logger.Warn("send buffer full, dropping client", logger.String("conn", client.ID))
		h.unregisterClient(client)
		// 让 ReadPump 立即退出，不再处理该连接上的事件
		client.Conn.Close()
	}
}

// cleanup 清理所有连接
func (h *RoomHub) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		close(client.Send)
	}
	h.rooms = make(map[string]map[*Client]bool)
	h.clients = make(map[string]*Client)
}

func (h *RoomHub) enqueue(op *hubOp) {
	select {
	case h.outbound <- op:
	case <-h.done:
	}
}

// Register 注册客户端，返回后该连接即对 Connected 可见
func (h *RoomHub) Register(client *Client) {
	select {
	case <-h.done:
		return
	default:
	}
	h.registerClient(client)
}

// Unregister 注销客户端
func (h *RoomHub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// JoinGroup 把连接加入房间分组
func (h *RoomHub) JoinGroup(connID, roomID string) {
	h.enqueue(&hubOp{kind: opJoinGroup, connID: connID, roomID: roomID})
}

// LeaveGroup 把连接移出房间分组
func (h *RoomHub) LeaveGroup(connID, roomID string) {
	h.enqueue(&hubOp{kind: opLeaveGroup, connID: connID, roomID: roomID})
}

// BroadcastToGroup 广播消息到房间
func (h *RoomHub) BroadcastToGroup(roomID string, msg *Envelope, excludeConnID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("failed to marshal broadcast", logger.ErrorField(err), logger.String("type", string(msg.Type)))
		return
	}
	h.enqueue(&hubOp{kind: opBroadcast, roomID: roomID, message: data, excludeConnID: excludeConnID})
}

// SendTo 发送消息给指定连接
func (h *RoomHub) SendTo(connID string, msg *Envelope) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("failed to marshal message", logger.ErrorField(err), logger.String("type", string(msg.Type)))
		return
	}
	h.enqueue(&hubOp{kind: opSendTo, connID: connID, message: data})
}

// GetRoomClientCount 获取房间客户端数量
func (h *RoomHub) GetRoomClientCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.rooms[roomID])
}

// Connected 连接是否仍注册在 Hub 中
func (h *RoomHub) Connected(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.clients[connID]
	return ok
}

// ClientCount 当前连接总数
func (h *RoomHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// ========== Client 方法 ==========

// ReadPump 读取消息循环，退出时注销客户端
func (c *Client) ReadPump(ctx context.Context, handler func(ctx context.Context, client *Client, msg *Envelope)) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error",
					logger.ErrorField(err),
					logger.String("conn", c.ID),
					logger.String("room", c.RoomID()))
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Envelope
		if err := json.Unmarshal(message, &msg); err != nil {
			logger.Warn("invalid message format",
				logger.ErrorField(err),
				logger.String("conn", c.ID))
			continue
		}

		// 处理心跳
		if msg.Type == MsgTypePing {
			c.Hub.SendTo(c.ID, &Envelope{Type: MsgTypePong, Timestamp: time.Now().UnixMilli()})
			continue
		}

		handler(ctx, c, &msg)
	}
}

// WritePump 写入消息循环，每条消息单独一帧
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub 关闭了通道
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
