// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pagechat-go/internal/model"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrNotFound 表示会话或消息不存在。
var ErrNotFound = errors.New("record not found")

// ConversationRepository 定义了会话与消息的存储操作。
type ConversationRepository interface {
	CreateConversation(ctx context.Context, title string) (*model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]model.Conversation, error)
	CreateMessage(ctx context.Context, conversationID, role, content string) (*model.Message, error)
	// CreateTurn 在一个事务中写入用户消息和空的 assistant 占位，任一失败则都不写入。
	CreateTurn(ctx context.Context, conversationID, content string) (user, placeholder *model.Message, err error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	// GetRecentMessages 返回最近 limit 条消息，按时间从旧到新排列。
	GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	CompleteMessage(ctx context.Context, id, content string, sources []model.Citation) error
}

type gormConversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建一个基于 gorm 的 ConversationRepository。
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &gormConversationRepository{db: db}
}

func newID() string {
	// v7 按时间有序，同一毫秒内由随机位区分
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func (r *gormConversationRepository) CreateConversation(ctx context.Context, title string) (*model.Conversation, error) {
	conv := &model.Conversation{
		ID:        newID(),
		Title:     title,
		CreatedAt: time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(conv).Error; err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

func (r *gormConversationRepository) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

func (r *gormConversationRepository) ListConversations(ctx context.Context, limit int) ([]model.Conversation, error) {
	var convs []model.Conversation
	err := r.db.WithContext(ctx).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, nil
}

// CreateMessage 在会话存在的前提下追加一条消息。
func (r *gormConversationRepository) CreateMessage(ctx context.Context, conversationID, role, content string) (*model.Message, error) {
	msg := newMessage(conversationID, role, content)
	if err := r.insertMessages(ctx, conversationID, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *gormConversationRepository) CreateTurn(ctx context.Context, conversationID, content string) (*model.Message, *model.Message, error) {
	user := newMessage(conversationID, model.RoleUser, content)
	placeholder := newMessage(conversationID, model.RoleAssistant, "")
	if err := r.insertMessages(ctx, conversationID, user, placeholder); err != nil {
		return nil, nil, err
	}
	return user, placeholder, nil
}

func newMessage(conversationID, role, content string) *model.Message {
	return &model.Message{
		ID:             newID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Sources:        datatypes.JSONSlice[model.Citation]{},
		CreatedAt:      time.Now(),
	}
}

// insertMessages 按顺序写入消息，会话不存在时返回 ErrNotFound。
func (r *gormConversationRepository) insertMessages(ctx context.Context, conversationID string, msgs ...*model.Message) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Conversation{}).Where("id = ?", conversationID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		for _, msg := range msgs {
			if err := tx.Create(msg).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

func (r *gormConversationRepository) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var msg model.Message
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

func (r *gormConversationRepository) GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return []model.Message{}, nil
	}
	var msgs []model.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get recent messages: %w", err)
	}
	// 倒序取出窗口后翻转为从旧到新
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// CompleteMessage 写入 assistant 占位消息的最终内容，这是消息唯一允许的更新。
func (r *gormConversationRepository) CompleteMessage(ctx context.Context, id, content string, sources []model.Citation) error {
	if sources == nil {
		sources = []model.Citation{}
	}
	res := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"content": content,
			"sources": datatypes.NewJSONSlice(sources),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to complete message: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
