package service

import (
	"context"
	"strings"

	"pagechat-go/internal/model"
	"pagechat-go/internal/repository"
	"pagechat-go/pkg/log"
)

const (
	DefaultConversationTitle = "New conversation"
	DefaultHistoryLimit      = 50
	MaxHistoryLimit          = 100
	maxTitleRunes            = 200
)

// SubmitResult 是提交用户消息后返回给客户端的内容。
type SubmitResult struct {
	UserMessage      *model.Message `json:"-"`
	AssistantMessage *model.Message `json:"-"`
	UserMessageID    string         `json:"userMessageId"`
	AssistantID      string         `json:"assistantMessageId"`
	StreamLocator    string         `json:"streamLocator"`
}

// Status 描述后端能力，供前端决定展示方式。
type Status struct {
	GenerationConfigured bool `json:"generationConfigured"`
	RetrievalAvailable   bool `json:"retrievalAvailable"`
}

// ConversationService 定义了对话业务逻辑的接口。
type ConversationService interface {
	CreateConversation(ctx context.Context, title string) (*model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]model.Conversation, error)
	GetHistory(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	// SubmitMessage 保存用户消息并创建空的 assistant 占位，回答通过流地址获取。
	SubmitMessage(ctx context.Context, conversationID, content string, pageContext model.PageContext) (*SubmitResult, error)
	Status(ctx context.Context) Status
}

type conversationService struct {
	repo        repository.ConversationRepository
	pageContext repository.PageContextRepository
	retriever   Retriever
	chat        *ChatService
	streamBase  string
}

// NewConversationService 创建一个新的 ConversationService。pageContext 与 retriever 可以为 nil。
func NewConversationService(
	repo repository.ConversationRepository,
	pageContext repository.PageContextRepository,
	retriever Retriever,
	chat *ChatService,
	streamBase string,
) ConversationService {
	return &conversationService{
		repo:        repo,
		pageContext: pageContext,
		retriever:   retriever,
		chat:        chat,
		streamBase:  strings.TrimRight(streamBase, "/"),
	}
}

func (s *conversationService) CreateConversation(ctx context.Context, title string) (*model.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultConversationTitle
	}
	title = truncateRunes(title, maxTitleRunes)
	conv, err := s.repo.CreateConversation(ctx, title)
	if err != nil {
		return nil, ClassifyError(err)
	}
	log.Infof("[ConversationService] 创建会话成功, id: %s", conv.ID)
	return conv, nil
}

func (s *conversationService) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		return nil, ClassifyError(err)
	}
	return conv, nil
}

func (s *conversationService) ListConversations(ctx context.Context, limit int) ([]model.Conversation, error) {
	convs, err := s.repo.ListConversations(ctx, clampLimit(limit))
	if err != nil {
		return nil, ClassifyError(err)
	}
	return convs, nil
}

// GetHistory 按时间正序返回最近的 limit 条消息，limit 缺省 50，最大 100。
func (s *conversationService) GetHistory(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	if _, err := s.repo.GetConversation(ctx, conversationID); err != nil {
		return nil, ClassifyError(err)
	}
	msgs, err := s.repo.GetRecentMessages(ctx, conversationID, clampLimit(limit))
	if err != nil {
		return nil, ClassifyError(err)
	}
	return msgs, nil
}

func (s *conversationService) SubmitMessage(ctx context.Context, conversationID, content string, pageContext model.PageContext) (*SubmitResult, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, BadRequest("conversationId is required.")
	}
	if strings.TrimSpace(content) == "" {
		return nil, BadRequest("Message content must not be empty.")
	}
	if _, err := s.repo.GetConversation(ctx, conversationID); err != nil {
		return nil, ClassifyError(err)
	}

	userMsg, placeholder, err := s.repo.CreateTurn(ctx, conversationID, content)
	if err != nil {
		return nil, ClassifyError(err)
	}

	if s.pageContext != nil && len(pageContext) > 0 {
		if err := s.pageContext.Save(ctx, placeholder.ID, pageContext); err != nil {
			// 流请求仍可以自带上下文
			log.Warnf("[ConversationService] 缓存页面上下文失败, message: %s, error: %v", placeholder.ID, err)
		}
	}

	return &SubmitResult{
		UserMessage:      userMsg,
		AssistantMessage: placeholder,
		UserMessageID:    userMsg.ID,
		AssistantID:      placeholder.ID,
		StreamLocator:    s.streamBase + "/" + placeholder.ID,
	}, nil
}

func (s *conversationService) Status(ctx context.Context) Status {
	st := Status{}
	if s.chat != nil {
		st.GenerationConfigured = s.chat.GenerationConfigured()
	}
	if s.retriever != nil {
		st.RetrievalAvailable = s.retriever.IsAvailable(ctx)
	}
	return st
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}
