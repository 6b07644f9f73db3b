package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"CoWatch/core/room"
	"CoWatch/logger"
	"CoWatch/model"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	defaultRoomName  = "CoWatch Room"
	maxRoomNameLen   = 100
	defaultListLimit = 50
	maxListLimit     = 100

	// ManageKeyHeader 删除房间时携带管理密钥的请求头
	ManageKeyHeader = "X-Room-Key"
)

// RoomHandler 房间 HTTP 与 WebSocket 处理器
type RoomHandler struct {
	manager  *room.RoomManager
	hub      *room.RoomHub
	upgrader websocket.Upgrader
}

// NewRoomHandler 创建房间处理器
func NewRoomHandler(manager *room.RoomManager, hub *room.RoomHub) *RoomHandler {
	return &RoomHandler{
		manager: manager,
		hub:     hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ========== HTTP 处理器 ==========

// CreateRoomRequest 创建房间请求
type CreateRoomRequest struct {
	Name string `json:"name"`
}

// CreateRoomResponse 创建房间响应，管理密钥只在此处返回一次
type CreateRoomResponse struct {
	Room      *model.Room `json:"room"`
	ManageKey string      `json:"manageKey"`
}

// RoomDetailResponse 房间详情，State 中的播放位置已按当前时间推算
type RoomDetailResponse struct {
	Room  *model.RoomSummary     `json:"room"`
	State *room.SyncResponseData `json:"state"`
}

// CreateRoomHandler 创建房间
func (h *RoomHandler) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "无效的请求", http.StatusBadRequest)
			return
		}
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		req.Name = defaultRoomName
	}
	if len([]rune(req.Name)) > maxRoomNameLen {
		http.Error(w, "房间名称过长", http.StatusBadRequest)
		return
	}

	created, manageKey, err := h.manager.CreateRoom(r.Context(), req.Name)
	if err != nil {
		logger.Error("创建房间失败", logger.ErrorField(err))
		http.Error(w, "创建房间失败", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(&CreateRoomResponse{Room: created, ManageKey: manageKey})
}

// ListRoomsHandler 列出最近活跃的房间
func (h *RoomHandler) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxListLimit {
			limit = parsed
		}
	}

	rooms, err := h.manager.ListRooms(r.Context(), limit)
	if err != nil {
		logger.Error("获取房间列表失败", logger.ErrorField(err))
		http.Error(w, "获取房间列表失败", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rooms)
}

// GetRoomHandler 获取房间信息和当前同步状态
func (h *RoomHandler) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room_id"]
	ctx := r.Context()

	info, err := h.manager.GetRoomInfo(ctx, roomID)
	if err != nil {
		h.writeRoomError(w, roomID, err)
		return
	}
	state, err := h.manager.Snapshot(ctx, roomID)
	if err != nil {
		h.writeRoomError(w, roomID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&RoomDetailResponse{Room: info, State: state})
}

// DeleteRoomHandler 凭管理密钥删除房间
func (h *RoomHandler) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room_id"]
	key := r.Header.Get(ManageKeyHeader)
	if key == "" {
		http.Error(w, "缺少管理密钥", http.StatusUnauthorized)
		return
	}

	if err := h.manager.DeleteRoom(r.Context(), roomID, key); err != nil {
		h.writeRoomError(w, roomID, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetMessagesHandler 获取房间全部聊天记录
func (h *RoomHandler) GetMessagesHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room_id"]

	messages, err := h.manager.GetMessages(r.Context(), roomID)
	if err != nil {
		h.writeRoomError(w, roomID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(messages)
}

func (h *RoomHandler) writeRoomError(w http.ResponseWriter, roomID string, err error) {
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		http.Error(w, "房间不存在", http.StatusNotFound)
	case errors.Is(err, room.ErrInvalidManageKey):
		http.Error(w, "管理密钥错误", http.StatusForbidden)
	default:
		logger.Error("房间请求失败", logger.ErrorField(err), logger.String("roomId", roomID))
		http.Error(w, "服务器内部错误", http.StatusInternalServerError)
	}
}

// ========== WebSocket 处理器 ==========

// WebSocketHandler 建立连接后由客户端发送 join 选择房间
func (h *RoomHandler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("WebSocket 升级失败", logger.ErrorField(err))
		return
	}

	client := room.NewClient(h.hub, conn)
	h.hub.Register(client)

	logger.Info("WebSocket 连接建立",
		logger.String("conn", client.ID),
		logger.String("remote", r.RemoteAddr))

	go client.WritePump()
	// 读循环结束即连接关闭，断开处理由 Hub 的 OnDisconnect 回调完成
	client.ReadPump(context.Background(), func(ctx context.Context, c *room.Client, msg *room.Envelope) {
		h.manager.HandleMessage(ctx, c.ID, msg)
	})
}

// RegisterRoomRoutes 注册房间相关路由
func RegisterRoomRoutes(router *mux.Router, handler *RoomHandler) {
	router.HandleFunc("/api/rooms", handler.CreateRoomHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms", handler.ListRoomsHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/rooms/{room_id}", handler.GetRoomHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/rooms/{room_id}", handler.DeleteRoomHandler).Methods(http.MethodDelete)
	router.HandleFunc("/api/rooms/{room_id}/messages", handler.GetMessagesHandler).Methods(http.MethodGet)

	router.HandleFunc("/ws", handler.WebSocketHandler)

	logger.Info("房间系统API端点注册完成",
		logger.String("endpoints", "POST/GET /api/rooms, GET/DELETE /api/rooms/{id}, GET /api/rooms/{id}/messages, WS /ws"))
}
