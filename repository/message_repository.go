package repository

import (
	"context"

	"CoWatch/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageRepository 聊天记录访问接口（只追加）
type MessageRepository interface {
	// SaveMessage 追加一条消息。(room, client, sentAt) 重复时不写入，返回 false。
	SaveMessage(ctx context.Context, msg *model.ChatMessage) (bool, error)
	// GetMessagesByRoom 按写入顺序返回房间的全部消息
	GetMessagesByRoom(ctx context.Context, roomID string) ([]*model.ChatMessage, error)
	// UpdateAuthor 批量改写某个客户端发过的消息的显示名和头像
	UpdateAuthor(ctx context.Context, roomID, clientID, username, avatar string) error
}

type gormMessageRepository struct {
	db *gorm.DB
}

// NewGormMessageRepository 创建 GORM 消息仓库
func NewGormMessageRepository(db *gorm.DB) MessageRepository {
	return &gormMessageRepository{db: db}
}

func (r *gormMessageRepository) SaveMessage(ctx context.Context, msg *model.ChatMessage) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(msg)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormMessageRepository) GetMessagesByRoom(ctx context.Context, roomID string) ([]*model.ChatMessage, error) {
	var messages []*model.ChatMessage
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("id ASC").
		Find(&messages).Error
	return messages, err
}

func (r *gormMessageRepository) UpdateAuthor(ctx context.Context, roomID, clientID, username, avatar string) error {
	return r.db.WithContext(ctx).Model(&model.ChatMessage{}).
		Where("room_id = ? AND client_id = ?", roomID, clientID).
		Updates(map[string]interface{}{
			"username": username,
			"avatar":   avatar,
		}).Error
}
