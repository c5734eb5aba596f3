// Package pipeline 定义了对话归档的处理流程。
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pagechat-go/internal/model"
	"pagechat-go/pkg/log"
	"pagechat-go/pkg/storage"
	"pagechat-go/pkg/tasks"
)

// Transcript 是写入对象存储的单轮对话记录。
type Transcript struct {
	ConversationID     string           `json:"conversationId"`
	AssistantMessageID string           `json:"assistantMessageId"`
	Question           string           `json:"question"`
	Answer             string           `json:"answer"`
	Sources            []model.Citation `json:"sources"`
	CompletedAt        time.Time        `json:"completedAt"`
}

// Processor 把归档任务写成对象存储中的 JSON 文件。
type Processor struct {
	store storage.ObjectStore
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(store storage.ObjectStore) *Processor {
	return &Processor{store: store}
}

// ObjectKey 返回某一轮对话记录的对象路径，同一轮重复归档会覆盖同一个对象。
func ObjectKey(task tasks.TurnArchiveTask) string {
	return fmt.Sprintf("transcripts/%s/%s.json", task.ConversationID, task.AssistantMessageID)
}

// Process 是归档处理的主函数。
func (p *Processor) Process(ctx context.Context, task tasks.TurnArchiveTask) error {
	if task.ConversationID == "" || task.AssistantMessageID == "" {
		return errors.New("归档任务缺少会话或消息 ID")
	}
	log.Infof("[Processor] 开始归档, conversation: %s, message: %s", task.ConversationID, task.AssistantMessageID)

	sources := task.Citations
	if sources == nil {
		sources = []model.Citation{}
	}
	body, err := json.MarshalIndent(Transcript{
		ConversationID:     task.ConversationID,
		AssistantMessageID: task.AssistantMessageID,
		Question:           task.Question,
		Answer:             task.Answer,
		Sources:            sources,
		CompletedAt:        task.CompletedAt,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化对话记录失败: %w", err)
	}

	key := ObjectKey(task)
	if err := p.store.PutObject(ctx, key, body, "application/json"); err != nil {
		log.Errorf("[Processor] 写入对象存储失败, key: %s, error: %v", key, err)
		return err
	}
	log.Infof("[Processor] 归档完成, key: %s, size: %d", key, len(body))
	return nil
}
