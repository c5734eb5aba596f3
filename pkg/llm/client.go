// Package llm provides streaming clients for Large Language Models.
package llm

import (
	"context"
	"fmt"

	"pagechat-go/internal/config"
	"pagechat-go/pkg/log"
)

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams 控制生成行为，nil 字段表示使用服务端默认值。
type GenerationParams struct {
	Model       string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Stream 是一次流式生成的结果。
// Recv 逐个返回文本片段，结束时返回 io.EOF；Close 释放底层连接，可重复调用。
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Client defines the interface for an LLM client.
type Client interface {
	StreamChat(ctx context.Context, messages []Message, params GenerationParams) (Stream, error)
}

// BackendError 是各家模型服务错误的统一表示，StatusCode 沿用 HTTP 语义。
type BackendError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *BackendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("llm backend error, status: %d, code: %s, message: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("llm backend error, status: %d, message: %s", e.StatusCode, e.Message)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// ParamsFromConfig 将配置中的生成参数转为 GenerationParams，零值视为未设置。
func ParamsFromConfig(cfg config.LLMConfig) GenerationParams {
	gp := GenerationParams{Model: cfg.Model}
	if cfg.Generation.Temperature != 0 {
		t := cfg.Generation.Temperature
		gp.Temperature = &t
	}
	if cfg.Generation.TopP != 0 {
		p := cfg.Generation.TopP
		gp.TopP = &p
	}
	if cfg.Generation.MaxTokens != 0 {
		m := cfg.Generation.MaxTokens
		gp.MaxTokens = &m
	}
	return gp
}

// NewClient 根据配置选择具体的模型实现。
// 没有 API Key 或 provider 为 demo 时返回 nil，由上层进入演示模式。
func NewClient(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	if cfg.APIKey == "" || cfg.Provider == "demo" {
		log.Warnf("[LLM] 未配置模型凭证 (provider=%s)，使用演示模式", cfg.Provider)
		return nil, nil
	}
	switch cfg.Provider {
	case "openai", "deepseek", "":
		return NewOpenAIClient(cfg), nil
	case "gemini":
		c, err := NewGeminiClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}
