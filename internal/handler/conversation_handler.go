package handler

import (
	"strconv"

	"pagechat-go/internal/model"
	"pagechat-go/internal/service"

	"github.com/gin-gonic/gin"
)

// ConversationHandler 处理与对话相关的 API 请求。
type ConversationHandler struct {
	service service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

type createConversationRequest struct {
	Title string `json:"title"`
}

// CreateConversation 创建新会话，请求体可以为空。
func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	var req createConversationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, service.BadRequest("Request body must be a JSON object."))
			return
		}
	}
	conv, err := h.service.CreateConversation(c.Request.Context(), req.Title)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, conv)
}

func (h *ConversationHandler) ListConversations(c *gin.Context) {
	convs, err := h.service.ListConversations(c.Request.Context(), queryInt(c, "limit"))
	if err != nil {
		respondError(c, err)
		return
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	respondOK(c, convs)
}

func (h *ConversationHandler) GetConversation(c *gin.Context) {
	conv, err := h.service.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, conv)
}

// GetMessages 返回按时间正序的历史消息。
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	msgs, err := h.service.GetHistory(c.Request.Context(), c.Param("id"), queryInt(c, "limit"))
	if err != nil {
		respondError(c, err)
		return
	}
	history := make([]model.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, model.ChatMessage{Role: m.Role, Content: m.Content})
	}
	respondOK(c, history)
}

// queryInt 解析整数查询参数，缺失或非法时返回 0。
func queryInt(c *gin.Context, key string) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return n
}
