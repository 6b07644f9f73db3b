package room

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"CoWatch/logger"
	"CoWatch/model"
)

// ========== 成员与身份 ==========

// Join 加入房间。房间未持久化时只通知请求者并返回 ErrRoomNotFound。
// 同一 clientID 重复加入只更新已有成员，并把成员绑定到新连接。
func (m *RoomManager) Join(ctx context.Context, connID, roomID, clientID, displayName, avatar string, seq uint64) error {
	if roomID == "" || clientID == "" {
		return ErrMalformedEvent
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = defaultDisplayName
	}

	exists, err := m.rooms.RoomExists(ctx, roomID)
	if err != nil {
		return fmt.Errorf("检查房间失败: %w", err)
	}
	if !exists {
		m.sendError(connID, roomID, ErrCodeRoomNotFound, "room not found")
		return ErrRoomNotFound
	}
	if err := m.rooms.TouchRoom(ctx, roomID); err != nil {
		logger.Warn("更新房间活跃时间失败", logger.ErrorField(err), logger.String("roomId", roomID))
	}

	// 同一连接切换到别的房间或身份时，先离开原来的
	if prev, ok := m.binding(connID); ok && (prev.roomID != roomID || prev.clientID != clientID) {
		m.leave(ctx, connID, prev)
	}

	return m.withRoom(ctx, roomID, true, func(r *liveRoom) error {
		s := r.state

		// 先绑定再确认连接仍在：之后的断开一定能通过绑定找到该成员
		_, wasBound := m.binding(connID)
		m.bind(connID, roomID, clientID)
		if !m.transport.Connected(connID) {
			if !wasBound {
				m.unbind(connID)
			}
			return ErrConnClosed
		}

		staleConn := ""
		if existing, ok := s.participants[clientID]; ok && existing.connID != connID {
			staleConn = existing.connID
		}

		p, isNew := s.upsertParticipant(clientID, displayName, avatar, connID, m.now().UnixMilli())

		if staleConn != "" {
			m.unbind(staleConn)
			m.transport.LeaveGroup(staleConn, roomID)
		}
		m.transport.JoinGroup(connID, roomID)

		env := newEnvelope(MsgTypeJoin, roomID, p.info)
		env.ClientID = clientID
		env.Username = p.info.DisplayName
		env.Seq = seq
		m.broadcast(roomID, env, "")

		m.sendTo(connID, m.syncResponse(ctx, r))
		m.updateOnlineCount(ctx, r)

		logger.Info("用户加入房间",
			logger.String("roomId", roomID),
			logger.String("clientId", clientID),
			logger.String("username", p.info.DisplayName),
			logger.Uint64("seq", seq),
			logger.Bool("rejoin", !isNew),
			logger.Bool("isOwner", p.info.IsRoomOwner))
		return nil
	})
}

// Leave 主动离开房间
func (m *RoomManager) Leave(ctx context.Context, connID string) error {
	b, ok := m.binding(connID)
	if !ok {
		return ErrNotJoined
	}
	m.leave(ctx, connID, b)
	return nil
}

// HandleDisconnect 连接断开视为离开。已被新连接取代的旧连接断开时不做任何事。
func (m *RoomManager) HandleDisconnect(connID string) {
	b, ok := m.binding(connID)
	if !ok {
		return
	}
	m.leave(context.Background(), connID, b)
}

// leave 移除成员；离开的是房主时按加入顺序转让房主
func (m *RoomManager) leave(ctx context.Context, connID string, b connBinding) {
	err := m.withRoom(ctx, b.roomID, false, func(r *liveRoom) error {
		s := r.state
		p, ok := s.participants[b.clientID]
		if !ok || p.connID != connID {
			m.unbind(connID)
			return nil
		}

		removed, newOwner := s.removeParticipant(b.clientID)
		m.unbind(connID)
		m.transport.LeaveGroup(connID, b.roomID)

		if newOwner != nil {
			env := newEnvelope(MsgTypeOwnershipChange, b.roomID, OwnershipData{
				ClientID:      newOwner.info.ClientID,
				PreviousOwner: removed.info.ClientID,
			})
			env.ClientID = newOwner.info.ClientID
			env.Username = newOwner.info.DisplayName
			m.broadcast(b.roomID, env, "")

			logger.Info("房主已转让",
				logger.String("roomId", b.roomID),
				logger.String("from", removed.info.ClientID),
				logger.String("to", newOwner.info.ClientID))
		}

		env := newEnvelope(MsgTypeLeave, b.roomID, IdentityData{
			ClientID:    removed.info.ClientID,
			DisplayName: removed.info.DisplayName,
		})
		env.ClientID = removed.info.ClientID
		env.Username = removed.info.DisplayName
		m.broadcast(b.roomID, env, "")

		m.updateOnlineCount(ctx, r)

		logger.Info("用户离开房间",
			logger.String("roomId", b.roomID),
			logger.String("clientId", b.clientID),
			logger.Int("remaining", len(s.participants)))
		return nil
	})
	if errors.Is(err, ErrNotJoined) {
		// 房间已不在内存中（例如已被删除），只清理绑定
		m.unbind(connID)
	}
}

// Rename 修改显示名，同时改写该成员的历史聊天署名，广播给包括发起者在内的所有人
func (m *RoomManager) Rename(ctx context.Context, connID, displayName string, seq uint64) error {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return ErrMalformedEvent
	}
	return m.updateIdentity(ctx, connID, MsgTypeRename, seq, func(info *model.ParticipantInfo) {
		info.DisplayName = displayName
	})
}

// ChangeAvatar 修改头像，处理方式与改名相同
func (m *RoomManager) ChangeAvatar(ctx context.Context, connID, avatar string, seq uint64) error {
	return m.updateIdentity(ctx, connID, MsgTypeAvatarChange, seq, func(info *model.ParticipantInfo) {
		info.Avatar = avatar
	})
}

func (m *RoomManager) updateIdentity(ctx context.Context, connID string, t MessageType, seq uint64, apply func(info *model.ParticipantInfo)) error {
	b, ok := m.binding(connID)
	if !ok {
		return ErrNotJoined
	}

	return m.withRoom(ctx, b.roomID, false, func(r *liveRoom) error {
		p, ok := r.state.participants[b.clientID]
		if !ok || p.connID != connID {
			return ErrNotJoined
		}

		apply(&p.info)
		r.state.rewriteAuthor(b.clientID, p.info.DisplayName, p.info.Avatar)

		storeCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
		err := m.messages.UpdateAuthor(storeCtx, b.roomID, b.clientID, p.info.DisplayName, p.info.Avatar)
		cancel()
		if err != nil {
			logger.Warn("改写聊天署名失败",
				logger.ErrorField(err),
				logger.String("roomId", b.roomID),
				logger.String("clientId", b.clientID))
		}

		env := newEnvelope(t, b.roomID, IdentityData{
			ClientID:    b.clientID,
			DisplayName: p.info.DisplayName,
			Avatar:      p.info.Avatar,
		})
		env.ClientID = b.clientID
		env.Username = p.info.DisplayName
		env.Seq = seq
		m.broadcast(b.roomID, env, "")
		return nil
	})
}

// ========== 房间内容 ==========

// PostChatMessage 追加聊天消息并广播给包括发送者在内的所有人。
// sentAt 为发送方时间戳，与 clientID 一起去重；持久化失败不影响广播。
func (m *RoomManager) PostChatMessage(ctx context.Context, connID, content string, sentAt int64, seq uint64) error {
	if strings.TrimSpace(content) == "" {
		return ErrMalformedEvent
	}
	b, ok := m.binding(connID)
	if !ok {
		return ErrNotJoined
	}

	return m.withRoom(ctx, b.roomID, false, func(r *liveRoom) error {
		p, ok := r.state.participants[b.clientID]
		if !ok || p.connID != connID {
			return ErrNotJoined
		}

		now := m.now()
		if sentAt <= 0 {
			sentAt = now.UnixMilli()
		}
		msg := &model.ChatMessage{
			RoomID:    b.roomID,
			ClientID:  b.clientID,
			SentAt:    sentAt,
			Username:  p.info.DisplayName,
			Avatar:    p.info.Avatar,
			Content:   content,
			CreatedAt: now,
		}
		if !r.state.appendChat(msg) {
			logger.Debug("重复的聊天消息已忽略",
				logger.String("roomId", b.roomID),
				logger.String("clientId", b.clientID),
				logger.Int64("sentAt", sentAt))
			return nil
		}

		storeCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
		if _, err := m.messages.SaveMessage(storeCtx, msg); err != nil {
			logger.Warn("保存聊天消息失败",
				logger.ErrorField(err),
				logger.String("roomId", b.roomID))
		}
		if err := m.rooms.TouchRoom(storeCtx, b.roomID); err != nil {
			logger.Warn("更新房间活跃时间失败", logger.ErrorField(err), logger.String("roomId", b.roomID))
		}
		cancel()

		env := newEnvelope(MsgTypeChat, b.roomID, msg)
		env.ClientID = b.clientID
		env.Username = p.info.DisplayName
		env.Seq = seq
		env.Timestamp = now.UnixMilli()
		m.broadcast(b.roomID, env, "")
		return nil
	})
}

// UpdateQueue 整体替换队列，广播给发送者以外的人（后写者胜）
func (m *RoomManager) UpdateQueue(ctx context.Context, connID string, queue []model.QueueItem, seq uint64) error {
	for _, item := range queue {
		if item.TrackID == "" || !item.Source.Valid() {
			return ErrMalformedEvent
		}
	}
	b, ok := m.binding(connID)
	if !ok {
		return ErrNotJoined
	}

	return m.withRoom(ctx, b.roomID, false, func(r *liveRoom) error {
		p, ok := r.state.participants[b.clientID]
		if !ok || p.connID != connID {
			return ErrNotJoined
		}

		r.state.queue = make([]model.QueueItem, len(queue))
		copy(r.state.queue, queue)

		env := newEnvelope(MsgTypeQueueUpdate, b.roomID, QueueData{Queue: r.state.queueCopy()})
		env.ClientID = b.clientID
		env.Username = p.info.DisplayName
		env.Seq = seq
		m.broadcast(b.roomID, env, connID)
		return nil
	})
}

// UpdatePlayback 替换当前曲目并记录接收时间；广播发送方上报的原始位置，不做推算
func (m *RoomManager) UpdatePlayback(ctx context.Context, connID string, data PlaybackData, seq uint64) error {
	if data.TrackID == "" || !data.Source.Valid() || data.CurrentTime < 0 {
		return ErrMalformedEvent
	}
	b, ok := m.binding(connID)
	if !ok {
		return ErrNotJoined
	}

	return m.withRoom(ctx, b.roomID, false, func(r *liveRoom) error {
		p, ok := r.state.participants[b.clientID]
		if !ok || p.connID != connID {
			return ErrNotJoined
		}

		now := m.now()
		r.state.currentTrack = &model.CurrentTrack{
			TrackID:    data.TrackID,
			Source:     data.Source,
			StartTime:  data.CurrentTime,
			IsPlaying:  data.IsPlaying,
			CapturedAt: now.UnixMilli(),
		}

		env := newEnvelope(MsgTypePlaybackUpdate, b.roomID, data)
		env.ClientID = b.clientID
		env.Username = p.info.DisplayName
		env.Seq = seq
		m.broadcast(b.roomID, env, connID)
		return nil
	})
}

// ========== 全量同步 ==========

// SyncRequest 向请求者单播房间完整快照。房间未持久化时返回 ErrRoomNotFound。
func (m *RoomManager) SyncRequest(ctx context.Context, connID, roomID string) error {
	if roomID == "" {
		b, ok := m.binding(connID)
		if !ok {
			return ErrMalformedEvent
		}
		roomID = b.roomID
	}

	exists, err := m.rooms.RoomExists(ctx, roomID)
	if err != nil {
		return fmt.Errorf("检查房间失败: %w", err)
	}
	if !exists {
		m.sendError(connID, roomID, ErrCodeRoomNotFound, "room not found")
		return ErrRoomNotFound
	}

	return m.withRoom(ctx, roomID, true, func(r *liveRoom) error {
		m.sendTo(connID, m.syncResponse(ctx, r))
		return nil
	})
}

// Snapshot 房间当前完整状态（HTTP 查询用），当前曲目已推算到现在
func (m *RoomManager) Snapshot(ctx context.Context, roomID string) (*SyncResponseData, error) {
	exists, err := m.rooms.RoomExists(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("检查房间失败: %w", err)
	}
	if !exists {
		return nil, ErrRoomNotFound
	}

	var data *SyncResponseData
	err = m.withRoom(ctx, roomID, true, func(r *liveRoom) error {
		data = m.syncData(ctx, r)
		return nil
	})
	return data, err
}

// syncResponse 调用方需持有 r.mu
func (m *RoomManager) syncResponse(ctx context.Context, r *liveRoom) *Envelope {
	data := m.syncData(ctx, r)
	env := newEnvelope(MsgTypeSyncResponse, r.state.roomID, data)
	env.Timestamp = data.ServerTime
	return env
}

// syncData 聊天记录优先从数据库读取，让晚加入的人也能看到完整历史；读取失败时退回内存缓存
func (m *RoomManager) syncData(ctx context.Context, r *liveRoom) *SyncResponseData {
	now := m.now()

	storeCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	messages, err := m.messages.GetMessagesByRoom(storeCtx, r.state.roomID)
	cancel()
	if err != nil {
		logger.Warn("读取聊天记录失败，使用缓存",
			logger.ErrorField(err),
			logger.String("roomId", r.state.roomID))
		messages = r.state.chatCopy()
	}
	if messages == nil {
		messages = []*model.ChatMessage{}
	}

	return &SyncResponseData{
		CurrentTrack: projectTrack(r.state.currentTrack, now),
		Queue:        r.state.queueCopy(),
		Messages:     messages,
		Participants: r.state.participantList(),
		ServerTime:   now.UnixMilli(),
	}
}

// ========== 消息分发 ==========

// HandleMessage 处理客户端发来的事件。格式错误的事件记录后丢弃，不影响房间。
func (m *RoomManager) HandleMessage(ctx context.Context, connID string, msg *Envelope) {
	var err error

	switch msg.Type {
	case MsgTypeJoin:
		var data IdentityData
		if len(msg.Data) > 0 {
			if err = decodeData(msg.Data, &data); err != nil {
				break
			}
		}
		name := data.DisplayName
		if name == "" {
			name = msg.Username
		}
		err = m.Join(ctx, connID, msg.RoomID, msg.ClientID, name, data.Avatar, msg.Seq)

	case MsgTypeLeave:
		err = m.Leave(ctx, connID)

	case MsgTypeRename:
		var data IdentityData
		if err = decodeData(msg.Data, &data); err == nil {
			err = m.Rename(ctx, connID, data.DisplayName, msg.Seq)
		}

	case MsgTypeAvatarChange:
		var data IdentityData
		if err = decodeData(msg.Data, &data); err == nil {
			err = m.ChangeAvatar(ctx, connID, data.Avatar, msg.Seq)
		}

	case MsgTypeChat:
		var data ChatData
		if err = decodeData(msg.Data, &data); err == nil {
			err = m.PostChatMessage(ctx, connID, data.Content, msg.Timestamp, msg.Seq)
		}

	case MsgTypeQueueUpdate:
		var data QueueData
		if err = decodeData(msg.Data, &data); err == nil {
			err = m.UpdateQueue(ctx, connID, data.Queue, msg.Seq)
		}

	case MsgTypePlaybackUpdate:
		var data PlaybackData
		if err = decodeData(msg.Data, &data); err == nil {
			err = m.UpdatePlayback(ctx, connID, data, msg.Seq)
		}

	case MsgTypeSyncRequest:
		err = m.SyncRequest(ctx, connID, msg.RoomID)

	default:
		err = ErrMalformedEvent
	}

	if err != nil && !errors.Is(err, ErrRoomNotFound) {
		logger.Warn("事件已丢弃",
			logger.ErrorField(err),
			logger.String("type", string(msg.Type)),
			logger.String("roomId", msg.RoomID),
			logger.String("clientId", msg.ClientID),
			logger.Uint64("seq", msg.Seq))
	}
}
