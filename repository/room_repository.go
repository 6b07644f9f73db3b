package repository

import (
	"context"
	"errors"
	"time"

	"CoWatch/model"

	"gorm.io/gorm"
)

// RoomRepository 房间元数据访问接口。
// 所有操作都按房间ID定位单行，不使用跨行事务。
type RoomRepository interface {
	SaveRoom(ctx context.Context, room *model.Room) error
	TouchRoom(ctx context.Context, id string) error
	RoomExists(ctx context.Context, id string) (bool, error)
	GetRoom(ctx context.Context, id string) (*model.Room, error)
	ListRooms(ctx context.Context, limit int) ([]*model.Room, error)
	DeleteRoom(ctx context.Context, id string) error
}

// gormRoomRepository GORM 实现
type gormRoomRepository struct {
	db *gorm.DB
}

// NewGormRoomRepository 创建 GORM 房间仓库
func NewGormRoomRepository(db *gorm.DB) RoomRepository {
	return &gormRoomRepository{db: db}
}

// SaveRoom 新建或覆盖房间记录
func (r *gormRoomRepository) SaveRoom(ctx context.Context, room *model.Room) error {
	now := time.Now()
	if room.CreatedAt.IsZero() {
		room.CreatedAt = now
	}
	if room.LastActiveAt.IsZero() {
		room.LastActiveAt = now
	}
	return r.db.WithContext(ctx).Save(room).Error
}

// TouchRoom 更新最后活跃时间
func (r *gormRoomRepository) TouchRoom(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&model.Room{}).
		Where("id = ?", id).
		Update("last_active_at", time.Now()).Error
}

// RoomExists 检查房间是否存在
func (r *gormRoomRepository) RoomExists(ctx context.Context, id string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Room{}).
		Where("id = ?", id).
		Count(&count).Error
	return count > 0, err
}

// GetRoom 根据ID获取房间，不存在时返回 nil, nil
func (r *gormRoomRepository) GetRoom(ctx context.Context, id string) (*model.Room, error) {
	var room model.Room
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &room, nil
}

// ListRooms 按最后活跃时间倒序列出房间
func (r *gormRoomRepository) ListRooms(ctx context.Context, limit int) ([]*model.Room, error) {
	if limit <= 0 {
		limit = 50
	}
	var rooms []*model.Room
	err := r.db.WithContext(ctx).
		Order("last_active_at DESC").
		Limit(limit).
		Find(&rooms).Error
	return rooms, err
}

// DeleteRoom 删除房间及其聊天记录
func (r *gormRoomRepository) DeleteRoom(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Where("room_id = ?", id).Delete(&model.ChatMessage{}).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Room{}).Error
}
