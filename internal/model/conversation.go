// Package model 包含了应用的数据模型定义。
package model

import (
	"time"

	"gorm.io/datatypes"
)

// 消息角色
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation 是一次会话，由客户端首次接入时创建，核心逻辑从不修改或删除它。
type Conversation struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Title     string    `gorm:"type:varchar(255);not null" json:"title"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Message 代表会话中的一条消息。
// assistant 消息在提交时以空内容占位，流式完成后写入最终内容与引用。
type Message struct {
	ID             string                        `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ConversationID string                        `gorm:"type:varchar(36);index;not null" json:"conversationId"`
	Role           string                        `gorm:"type:varchar(16);not null" json:"role"`
	Content        string                        `gorm:"type:text" json:"content"`
	Sources        datatypes.JSONSlice[Citation] `json:"sources,omitempty"`
	CreatedAt      time.Time                     `gorm:"autoCreateTime" json:"createdAt"`
}

func (Message) TableName() string {
	return "messages"
}

// ChatMessage 是对外返回的历史消息视图。
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
