package handler

import "github.com/gin-gonic/gin"

// StreamPath 是流式接口的路径前缀，提交消息时据此生成 streamLocator。
const StreamPath = "/api/v1/chat/stream"

// RegisterRoutes 在 /api/v1 下注册会话与聊天接口。
func RegisterRoutes(r *gin.Engine, conversations *ConversationHandler, chat *ChatHandler) {
	apiV1 := r.Group("/api/v1")
	{
		conv := apiV1.Group("/conversations")
		{
			conv.POST("", conversations.CreateConversation)
			conv.GET("", conversations.ListConversations)
			conv.GET("/:id", conversations.GetConversation)
			conv.GET("/:id/messages", conversations.GetMessages)
		}

		chatGroup := apiV1.Group("/chat")
		{
			chatGroup.POST("/messages", chat.SubmitMessage)
			chatGroup.GET("/stream/:messageId", chat.Stream)
			chatGroup.GET("/ws/:messageId", chat.StreamWS)
			chatGroup.GET("/status", chat.Status)
		}
	}
}
