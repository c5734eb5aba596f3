package service

import (
	"context"
	"errors"
	"io"
	"iter"
	"time"

	"pagechat-go/internal/model"
	"pagechat-go/pkg/llm"
	"pagechat-go/pkg/log"
)

// FallbackMessage 在模型没有输出任何内容时作为唯一的 chunk 下发。
const FallbackMessage = "Sorry, I couldn't generate a response this time. Please try again."

// ChatService 驱动生成模型，把输出转换为有序的流事件。
type ChatService struct {
	assembler *ContextAssembler
	client    llm.Client
	demo      llm.Client
	params    llm.GenerationParams
}

// NewChatService 创建 ChatService。client 为 nil 时使用演示模式，每个片段间隔 demoDelay。
func NewChatService(assembler *ContextAssembler, client llm.Client, params llm.GenerationParams, demoDelay time.Duration) *ChatService {
	return &ChatService{
		assembler: assembler,
		client:    client,
		demo:      llm.NewDemoClient(demoDelay),
		params:    params,
	}
}

// GenerationConfigured 报告是否接入了真实的生成模型。
func (s *ChatService) GenerationConfigured() bool {
	return s.client != nil
}

// Stream 返回惰性的事件序列：若干 chunk，随后至多一个 sources。
// 失败时以一个 *AppError 结束序列；正常结束时由调用方负责发送 done。
// 调用方停止迭代后不会再从模型拉取数据，底层流会被关闭。
func (s *ChatService) Stream(ctx context.Context, conversationID, userMessage string, pageContext model.PageContext) iter.Seq2[model.StreamEvent, error] {
	return func(yield func(model.StreamEvent, error) bool) {
		segments, citations, err := s.assembler.Assemble(ctx, conversationID, pageContext, userMessage)
		if err != nil {
			log.Errorf("[ChatService] 组装上下文失败, conversation: %s, error: %v", conversationID, err)
			yield(model.StreamEvent{}, ClassifyError(err))
			return
		}

		client := s.client
		if client == nil {
			client = s.demo
		}
		messages := make([]llm.Message, 0, len(segments))
		for _, seg := range segments {
			messages = append(messages, llm.Message{Role: seg.Role, Content: seg.Content})
		}

		stream, err := client.StreamChat(ctx, messages, s.params)
		if err != nil {
			log.Errorf("[ChatService] 调用模型失败, conversation: %s, error: %v", conversationID, err)
			yield(model.StreamEvent{}, ClassifyError(err))
			return
		}
		defer stream.Close()

		produced := false
		for {
			fragment, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				log.Errorf("[ChatService] 读取模型输出失败, conversation: %s, error: %v", conversationID, err)
				yield(model.StreamEvent{}, ClassifyError(err))
				return
			}
			if fragment == "" {
				continue
			}
			produced = true
			if !yield(model.ChunkEvent(fragment), nil) {
				return
			}
		}

		if !produced {
			log.Warnf("[ChatService] 模型未返回任何内容, conversation: %s", conversationID)
			if !yield(model.ChunkEvent(FallbackMessage), nil) {
				return
			}
		}
		if len(citations) > 0 {
			yield(model.SourcesEvent(citations), nil)
		}
	}
}
