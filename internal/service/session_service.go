package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pagechat-go/internal/model"
	"pagechat-go/internal/repository"
	"pagechat-go/pkg/log"
	"pagechat-go/pkg/metrics"
	"pagechat-go/pkg/tasks"
)

// EventSink 是单向事件通道，SSE 与 WebSocket 各有一个实现。
type EventSink interface {
	Write(event model.StreamEvent) error
	Close() error
}

// TurnArchiver 在一轮对话完成后接收归档任务。
type TurnArchiver interface {
	ArchiveTurn(ctx context.Context, task tasks.TurnArchiveTask) error
}

// ErrSinkClosed 表示通道已关闭，之后的写入都会被丢弃。
var ErrSinkClosed = errors.New("event sink closed")

const persistTimeout = 5 * time.Second

// Turn 是通过校验、等待生成回答的一轮对话。
type Turn struct {
	ConversationID     string
	AssistantMessageID string
	UserMessage        string
}

// SessionService 管理一次流式请求的生命周期：校验、下发事件、终止。
type SessionService struct {
	repo        repository.ConversationRepository
	chat        *ChatService
	pageContext repository.PageContextRepository
	archiver    TurnArchiver
	metrics     *metrics.StreamingMetrics
}

// NewSessionService 创建 SessionService，pageContext、archiver、m 均可为 nil。
func NewSessionService(
	repo repository.ConversationRepository,
	chat *ChatService,
	pageContext repository.PageContextRepository,
	archiver TurnArchiver,
	m *metrics.StreamingMetrics,
) *SessionService {
	return &SessionService{
		repo:        repo,
		chat:        chat,
		pageContext: pageContext,
		archiver:    archiver,
		metrics:     m,
	}
}

// Prepare 校验目标消息并找出需要回答的用户消息。返回的错误都是 *AppError，此时不应打开通道。
func (s *SessionService) Prepare(ctx context.Context, assistantMessageID string) (*Turn, error) {
	msg, err := s.repo.GetMessage(ctx, assistantMessageID)
	if err != nil {
		return nil, ClassifyError(err)
	}
	if msg.Role != model.RoleAssistant {
		return nil, BadRequest("The message to stream must be an assistant message.")
	}
	conv, err := s.repo.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, ClassifyError(err)
	}
	history, err := s.repo.GetRecentMessages(ctx, conv.ID, HistoryWindow)
	if err != nil {
		return nil, ClassifyError(err)
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == model.RoleUser {
			return &Turn{
				ConversationID:     conv.ID,
				AssistantMessageID: msg.ID,
				UserMessage:        history[i].Content,
			}, nil
		}
	}
	return nil, BadRequest("There is no user message to answer in this conversation.")
}

// ResolvePageContext 优先使用请求携带的上下文，否则读取提交消息时缓存的上下文。
func (s *SessionService) ResolvePageContext(ctx context.Context, turn *Turn, supplied model.PageContext) model.PageContext {
	if len(supplied) > 0 || s.pageContext == nil {
		return supplied
	}
	cached, err := s.pageContext.Get(ctx, turn.AssistantMessageID)
	if err != nil {
		log.Warnf("[SessionService] 读取缓存的页面上下文失败, message: %s, error: %v", turn.AssistantMessageID, err)
		return nil
	}
	return cached
}

// Run 把模型输出写入 sink，并保证 sink 在任何退出路径上恰好关闭一次。
// 正常结束写 done 并持久化回答；失败写一个 error；客户端断开时不再写入也不再拉取。
func (s *SessionService) Run(ctx context.Context, turn *Turn, pageContext model.PageContext, sink EventSink) (err error) {
	out := newGuardedSink(sink)
	start := time.Now()
	s.metrics.StreamStarted()
	outcome := "error"
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("[SessionService] 流式处理发生 panic", "message", turn.AssistantMessageID, "panic", r)
			err = fmt.Errorf("stream panic: %v", r)
			// done 已经发出时只记录，不再写第二个终止事件
			if outcome != "done" {
				_ = out.Write(model.ErrorEvent(kindMessages[KindUnknown]))
				outcome = "error"
			}
		}
		_ = out.Close()
		s.metrics.StreamEnded(outcome, time.Since(start))
	}()

	var answer strings.Builder
	var citations []model.Citation
	firstChunk := true

	for event, streamErr := range s.chat.Stream(ctx, turn.ConversationID, turn.UserMessage, pageContext) {
		if ctx.Err() != nil {
			outcome = "disconnected"
			s.metrics.RecordClientDisconnect()
			log.Infof("[SessionService] 客户端已断开, message: %s", turn.AssistantMessageID)
			return ctx.Err()
		}
		if streamErr != nil {
			appErr := ClassifyError(streamErr)
			s.metrics.RecordError(string(appErr.Kind))
			if writeErr := out.Write(model.ErrorEvent(appErr.Message)); writeErr != nil {
				log.Warnf("[SessionService] 写入 error 事件失败, message: %s, error: %v", turn.AssistantMessageID, writeErr)
			}
			return appErr
		}

		switch event.Type {
		case model.EventChunk:
			if firstChunk {
				s.metrics.RecordTimeToFirstChunk(time.Since(start))
				firstChunk = false
			}
			answer.WriteString(event.Content)
		case model.EventSources:
			citations = event.Sources
		case model.EventDone, model.EventError:
			// 终止事件只由这里产生
			continue
		}

		if writeErr := out.Write(event); writeErr != nil {
			outcome = "disconnected"
			s.metrics.RecordClientDisconnect()
			log.Infof("[SessionService] 写入事件失败，停止拉取, message: %s, error: %v", turn.AssistantMessageID, writeErr)
			return writeErr
		}
		if ctx.Err() != nil {
			outcome = "disconnected"
			s.metrics.RecordClientDisconnect()
			log.Infof("[SessionService] 客户端已断开, message: %s", turn.AssistantMessageID)
			return ctx.Err()
		}
	}

	if ctx.Err() != nil {
		outcome = "disconnected"
		s.metrics.RecordClientDisconnect()
		return ctx.Err()
	}
	if writeErr := out.Write(model.DoneEvent()); writeErr != nil {
		outcome = "disconnected"
		return writeErr
	}
	outcome = "done"

	s.persist(context.WithoutCancel(ctx), turn, answer.String(), citations)
	return nil
}

// persist 把最终回答写回 assistant 占位消息并投递归档任务，失败只记录日志。
func (s *SessionService) persist(ctx context.Context, turn *Turn, answer string, citations []model.Citation) {
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	if err := s.repo.CompleteMessage(ctx, turn.AssistantMessageID, answer, citations); err != nil {
		log.Errorf("[SessionService] 保存回答失败, message: %s, error: %v", turn.AssistantMessageID, err)
		return
	}
	if s.archiver == nil {
		return
	}
	task := tasks.TurnArchiveTask{
		ConversationID:     turn.ConversationID,
		AssistantMessageID: turn.AssistantMessageID,
		Question:           turn.UserMessage,
		Answer:             answer,
		Citations:          citations,
		CompletedAt:        time.Now(),
	}
	if err := s.archiver.ArchiveTurn(ctx, task); err != nil {
		log.Warnf("[SessionService] 投递归档任务失败, message: %s, error: %v", turn.AssistantMessageID, err)
	}
}

// guardedSink 保证 Close 只执行一次，关闭、写失败或已写出终止事件后的写入直接返回 ErrSinkClosed。
type guardedSink struct {
	mu         sync.Mutex
	sink       EventSink
	closed     bool
	broken     bool
	terminated bool
}

func newGuardedSink(sink EventSink) *guardedSink {
	return &guardedSink{sink: sink}
}

func (g *guardedSink) Write(event model.StreamEvent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.broken || g.terminated {
		return ErrSinkClosed
	}
	if err := g.sink.Write(event); err != nil {
		g.broken = true
		return err
	}
	g.terminated = event.Terminal()
	return nil
}

func (g *guardedSink) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	return g.sink.Close()
}
