package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"pagechat-go/internal/service"
	"pagechat-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

// ChatHandler 负责提交消息与下发流式回答。
type ChatHandler struct {
	conversations service.ConversationService
	sessions      *service.SessionService
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(conversations service.ConversationService, sessions *service.SessionService) *ChatHandler {
	return &ChatHandler{conversations: conversations, sessions: sessions}
}

type submitMessageRequest struct {
	ConversationID string          `json:"conversationId"`
	Content        string          `json:"content"`
	Context        json.RawMessage `json:"context"`
}

// SubmitMessage 保存用户消息，返回 assistant 占位 ID 和流地址。
func (h *ChatHandler) SubmitMessage(c *gin.Context) {
	var req submitMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, service.BadRequest("Request body must be a JSON object with conversationId and content."))
		return
	}

	res, err := h.conversations.SubmitMessage(c.Request.Context(), req.ConversationID, req.Content, parseContext(req.Context))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, res)
}

// Stream 以 SSE 下发一轮回答。校验失败时返回 JSON 错误，不建立事件流。
func (h *ChatHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	turn, err := h.sessions.Prepare(ctx, c.Param("messageId"))
	if err != nil {
		respondError(c, err)
		return
	}
	pageContext := h.sessions.ResolvePageContext(ctx, turn, parseContext([]byte(c.Query("context"))))

	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	c.Writer.Flush()

	if err := h.sessions.Run(ctx, turn, pageContext, newSSESink(c.Writer)); err != nil {
		log.Debugf("SSE 流结束, message: %s, reason: %v", turn.AssistantMessageID, err)
	}
}

// StreamWS 通过 WebSocket 下发同样的事件序列。
// 客户端可以发送 {"type":"stop"} 提前结束，连接断开与 stop 效果相同。
func (h *ChatHandler) StreamWS(c *gin.Context) {
	turn, err := h.sessions.Prepare(c.Request.Context(), c.Param("messageId"))
	if err != nil {
		respondError(c, err)
		return
	}
	pageContext := h.sessions.ResolvePageContext(c.Request.Context(), turn, parseContext([]byte(c.Query("context"))))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	log.Infof("WebSocket 连接已建立, message: %s", turn.AssistantMessageID)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go readControl(conn, cancel)

	if err := h.sessions.Run(ctx, turn, pageContext, newWSSink(conn)); err != nil {
		log.Debugf("WebSocket 流结束, message: %s, reason: %v", turn.AssistantMessageID, err)
	}
}

// readControl 读取客户端消息，收到 stop 或连接出错时取消生成。
func readControl(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ctrl struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(message, &ctrl) == nil && ctrl.Type == "stop" {
			log.Info("收到停止指令，正在中断流式响应...")
			return
		}
	}
}

// Status 返回生成模型与检索的可用状态。
func (h *ChatHandler) Status(c *gin.Context) {
	respondOK(c, h.conversations.Status(c.Request.Context()))
}
