package room

import (
	"sort"

	"CoWatch/model"
)

// participant 在线参与者，seq 为加入顺序，用于房主继承
type participant struct {
	info   model.ParticipantInfo
	connID string
	seq    uint64
}

// roomState 单个房间的内存状态，只能在持有 liveRoom.mu 时访问
type roomState struct {
	roomID       string
	currentTrack *model.CurrentTrack
	queue        []model.QueueItem
	chat         []*model.ChatMessage
	chatKeys     map[chatKey]struct{}
	participants map[string]*participant
	nextSeq      uint64
}

// chatKey 聊天去重键：同一客户端同一发送时间戳只记一条
type chatKey struct {
	clientID string
	sentAt   int64
}

func newRoomState(roomID string) *roomState {
	return &roomState{
		roomID:       roomID,
		chatKeys:     make(map[chatKey]struct{}),
		participants: make(map[string]*participant),
	}
}

// upsertParticipant 加入或重新加入。已在房间中的客户端只更新身份与连接，保留原有加入顺序和房主身份。
// 房间没有房主时，加入者成为房主。
func (s *roomState) upsertParticipant(clientID, displayName, avatar, connID string, joinedAt int64) (p *participant, isNew bool) {
	if existing, ok := s.participants[clientID]; ok {
		existing.info.DisplayName = displayName
		existing.info.Avatar = avatar
		existing.connID = connID
		return existing, false
	}

	s.nextSeq++
	p = &participant{
		info: model.ParticipantInfo{
			ClientID:    clientID,
			DisplayName: displayName,
			Avatar:      avatar,
			JoinedAt:    joinedAt,
		},
		connID: connID,
		seq:    s.nextSeq,
	}
	s.participants[clientID] = p
	if s.owner() == nil {
		p.info.IsRoomOwner = true
	}
	return p, true
}

// removeParticipant 移除参与者。离开者是房主时，把房主交给剩余成员中最早加入的一位并返回。
func (s *roomState) removeParticipant(clientID string) (removed *participant, newOwner *participant) {
	removed, ok := s.participants[clientID]
	if !ok {
		return nil, nil
	}
	delete(s.participants, clientID)

	if !removed.info.IsRoomOwner {
		return removed, nil
	}
	for _, p := range s.participants {
		if newOwner == nil || p.seq < newOwner.seq {
			newOwner = p
		}
	}
	if newOwner != nil {
		newOwner.info.IsRoomOwner = true
	}
	return removed, newOwner
}

func (s *roomState) owner() *participant {
	for _, p := range s.participants {
		if p.info.IsRoomOwner {
			return p
		}
	}
	return nil
}

// participantList 按加入顺序返回参与者副本
func (s *roomState) participantList() []model.ParticipantInfo {
	ordered := make([]*participant, 0, len(s.participants))
	for _, p := range s.participants {
		ordered = append(ordered, p)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	list := make([]model.ParticipantInfo, 0, len(ordered))
	for _, p := range ordered {
		list = append(list, p.info)
	}
	return list
}

// appendChat 追加到缓存，重复的 (clientID, sentAt) 返回 false
func (s *roomState) appendChat(msg *model.ChatMessage) bool {
	key := chatKey{clientID: msg.ClientID, sentAt: msg.SentAt}
	if _, dup := s.chatKeys[key]; dup {
		return false
	}
	s.chatKeys[key] = struct{}{}
	s.chat = append(s.chat, msg)
	return true
}

// loadChat 用持久化记录重建缓存
func (s *roomState) loadChat(messages []*model.ChatMessage) {
	s.chat = s.chat[:0]
	s.chatKeys = make(map[chatKey]struct{}, len(messages))
	for _, msg := range messages {
		s.appendChat(msg)
	}
}

// rewriteAuthor 改写缓存中某个客户端的消息署名
func (s *roomState) rewriteAuthor(clientID, username, avatar string) {
	for _, msg := range s.chat {
		if msg.ClientID == clientID {
			msg.Username = username
			msg.Avatar = avatar
		}
	}
}

// chatCopy 返回缓存消息的深拷贝，避免调用方与房间状态共享指针
func (s *roomState) chatCopy() []*model.ChatMessage {
	return copyMessages(s.chat)
}

func (s *roomState) queueCopy() []model.QueueItem {
	q := make([]model.QueueItem, len(s.queue))
	copy(q, s.queue)
	return q
}

func copyMessages(messages []*model.ChatMessage) []*model.ChatMessage {
	out := make([]*model.ChatMessage, 0, len(messages))
	for _, msg := range messages {
		m := *msg
		out = append(out, &m)
	}
	return out
}
