package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pagechat-go/internal/config"
	"pagechat-go/pkg/log"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GeminiClient 通过 generative-ai-go 调用 Gemini。
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient 创建 Gemini 客户端，调用方负责在退出时 Close。
func NewGeminiClient(ctx context.Context, cfg config.LLMConfig) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiClient{client: client, model: cfg.Model}, nil
}

func (c *GeminiClient) Close() error {
	return c.client.Close()
}

// StreamChat 将 system 消息合并为 SystemInstruction，其余消息作为会话历史，最后一条作为本轮输入。
func (c *GeminiClient) StreamChat(ctx context.Context, messages []Message, params GenerationParams) (Stream, error) {
	name := params.Model
	if name == "" {
		name = c.model
	}
	model := c.client.GenerativeModel(name)
	if params.Temperature != nil {
		model.SetTemperature(float32(*params.Temperature))
	}
	if params.TopP != nil {
		model.SetTopP(float32(*params.TopP))
	}
	if params.MaxTokens != nil {
		model.SetMaxOutputTokens(int32(*params.MaxTokens))
	}

	var system []string
	var history []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			history = append(history, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Content)}})
		default:
			history = append(history, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		}
	}
	if len(history) == 0 {
		return nil, &BackendError{StatusCode: http.StatusBadRequest, Message: "no user message to send"}
	}
	if len(system) > 0 {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(strings.Join(system, "\n\n"))}}
	}

	last := history[len(history)-1]
	cs := model.StartChat()
	cs.History = history[:len(history)-1]

	log.Infof("[LLM] 发起 Gemini 流式请求, model: %s, history: %d", name, len(cs.History))
	streamCtx, cancel := context.WithCancel(ctx)
	it := cs.SendMessageStream(streamCtx, last.Parts...)
	return &geminiStream{it: it, cancel: cancel}, nil
}

type geminiStream struct {
	it      *genai.GenerateContentResponseIterator
	cancel  context.CancelFunc
	pending []string
}

func (s *geminiStream) Recv() (string, error) {
	for len(s.pending) == 0 {
		resp, err := s.it.Next()
		if errors.Is(err, iterator.Done) {
			return "", io.EOF
		}
		if err != nil {
			return "", convertGeminiError(err)
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if txt, ok := part.(genai.Text); ok {
					s.pending = append(s.pending, string(txt))
				}
			}
			// 只取第一个候选
			break
		}
		if len(s.pending) == 0 {
			// 没有文本的响应块视为空片段
			return "", nil
		}
	}
	text := s.pending[0]
	s.pending = s.pending[1:]
	return text, nil
}

func (s *geminiStream) Close() error {
	s.cancel()
	return nil
}

var grpcToHTTP = map[codes.Code]int{
	codes.InvalidArgument:   http.StatusBadRequest,
	codes.Unauthenticated:   http.StatusUnauthorized,
	codes.PermissionDenied:  http.StatusForbidden,
	codes.NotFound:          http.StatusNotFound,
	codes.ResourceExhausted: http.StatusTooManyRequests,
	codes.DeadlineExceeded:  http.StatusGatewayTimeout,
	codes.Unavailable:       http.StatusServiceUnavailable,
	codes.Internal:          http.StatusInternalServerError,
}

func convertGeminiError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return &BackendError{StatusCode: gErr.Code, Message: gErr.Message, Err: err}
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return &BackendError{
			StatusCode: grpcToHTTP[st.Code()],
			Code:       st.Code().String(),
			Message:    st.Message(),
			Err:        err,
		}
	}
	return err
}
