// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

import (
	"time"

	"pagechat-go/internal/model"
)

// TurnArchiveTask describes one completed question/answer turn to be archived.
type TurnArchiveTask struct {
	ConversationID     string           `json:"conversation_id"`
	AssistantMessageID string           `json:"assistant_message_id"`
	Question           string           `json:"question"`
	Answer             string           `json:"answer"`
	Citations          []model.Citation `json:"citations,omitempty"`
	CompletedAt        time.Time        `json:"completed_at"`
}

// Key identifies the task for retry bookkeeping and message keys.
func (t TurnArchiveTask) Key() string {
	return t.AssistantMessageID
}
