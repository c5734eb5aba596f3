package model

import (
	"encoding/json"
	"fmt"
)

// EventType 标识流事件的种类。
type EventType string

const (
	EventChunk   EventType = "chunk"
	EventSources EventType = "sources"
	EventDone    EventType = "done"
	EventError   EventType = "error"
)

// StreamEvent 是下发给客户端的事件，按 Type 取对应字段。
// 合法序列为 chunk* sources? (done|error)。
type StreamEvent struct {
	Type    EventType
	Content string
	Sources []Citation
	Message string
}

func ChunkEvent(content string) StreamEvent {
	return StreamEvent{Type: EventChunk, Content: content}
}

func SourcesEvent(sources []Citation) StreamEvent {
	return StreamEvent{Type: EventSources, Sources: sources}
}

func DoneEvent() StreamEvent {
	return StreamEvent{Type: EventDone}
}

func ErrorEvent(message string) StreamEvent {
	return StreamEvent{Type: EventError, Message: message}
}

// Terminal 报告事件是否为终止事件。
func (e StreamEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

type chunkPayload struct {
	Type    EventType `json:"type"`
	Content string    `json:"content"`
}

type sourcesPayload struct {
	Type    EventType  `json:"type"`
	Sources []Citation `json:"sources"`
}

type donePayload struct {
	Type EventType `json:"type"`
}

type errorPayload struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

// MarshalJSON 按事件种类输出固定的线上格式。
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventChunk:
		return json.Marshal(chunkPayload{Type: e.Type, Content: e.Content})
	case EventSources:
		sources := e.Sources
		if sources == nil {
			sources = []Citation{}
		}
		return json.Marshal(sourcesPayload{Type: e.Type, Sources: sources})
	case EventDone:
		return json.Marshal(donePayload{Type: e.Type})
	case EventError:
		return json.Marshal(errorPayload{Type: e.Type, Message: e.Message})
	default:
		return nil, fmt.Errorf("unknown stream event type %q", e.Type)
	}
}

// UnmarshalJSON 供客户端与测试解析线上事件。
func (e *StreamEvent) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type    EventType  `json:"type"`
		Content string     `json:"content"`
		Sources []Citation `json:"sources"`
		Message string     `json:"message"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch raw.Type {
	case EventChunk, EventSources, EventDone, EventError:
	default:
		return fmt.Errorf("unknown stream event type %q", raw.Type)
	}
	*e = StreamEvent{Type: raw.Type, Content: raw.Content, Sources: raw.Sources, Message: raw.Message}
	return nil
}
