package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"pagechat-go/internal/config"
	"pagechat-go/internal/model"
	"pagechat-go/internal/repository"
	"pagechat-go/internal/service"
	"pagechat-go/pkg/database"
	"pagechat-go/pkg/llm"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedClient struct {
	fragments []string
	err       error
	lastMsgs  []llm.Message
}

func (c *scriptedClient) StreamChat(ctx context.Context, messages []llm.Message, params llm.GenerationParams) (llm.Stream, error) {
	c.lastMsgs = messages
	if c.err != nil {
		return nil, c.err
	}
	return &scriptedStream{fragments: c.fragments}, nil
}

type scriptedStream struct {
	fragments []string
	pos       int
}

func (s *scriptedStream) Recv() (string, error) {
	if s.pos >= len(s.fragments) {
		return "", io.EOF
	}
	s.pos++
	return s.fragments[s.pos-1], nil
}

func (s *scriptedStream) Close() error { return nil }

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	router *gin.Engine
	repo   repository.ConversationRepository
	client *scriptedClient
}

func newTestServer(t *testing.T, client *scriptedClient) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:handler_%s?mode=memory&cache=shared", name),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	repo := repository.NewConversationRepository(db)
	assembler := service.NewContextAssembler(repo, nil, service.AssemblerOptions{})
	chat := service.NewChatService(assembler, client, llm.GenerationParams{}, 0)
	conversations := service.NewConversationService(repo, nil, nil, chat, StreamPath)
	sessions := service.NewSessionService(repo, chat, nil, nil, nil)

	r := gin.New()
	RegisterRoutes(r, NewConversationHandler(conversations), NewChatHandler(conversations, sessions))
	return &testServer{router: r, repo: repo, client: client}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func (s *testServer) createConversation(t *testing.T) model.Conversation {
	t.Helper()
	w, env := s.do(t, http.MethodPost, "/api/v1/conversations", `{"title":"Billing"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var conv model.Conversation
	require.NoError(t, json.Unmarshal(env.Data, &conv))
	return conv
}

type submitResponse struct {
	AssistantMessageID string `json:"assistantMessageId"`
	UserMessageID      string `json:"userMessageId"`
	StreamLocator      string `json:"streamLocator"`
}

func (s *testServer) submit(t *testing.T, convID, content, ctxJSON string) submitResponse {
	t.Helper()
	body := fmt.Sprintf(`{"conversationId":%q,"content":%q`, convID, content)
	if ctxJSON != "" {
		body += `,"context":` + ctxJSON
	}
	body += "}"
	w, env := s.do(t, http.MethodPost, "/api/v1/chat/messages", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res submitResponse
	require.NoError(t, json.Unmarshal(env.Data, &res))
	return res
}

func parseSSE(t *testing.T, body string) []model.StreamEvent {
	t.Helper()
	var events []model.StreamEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev model.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	return events
}

func kindOf(t *testing.T, env envelope) string {
	t.Helper()
	var data struct {
		Kind string `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	return data.Kind
}

func TestSubmitMessage_MissingConversationID(t *testing.T) {
	s := newTestServer(t, &scriptedClient{})

	w, env := s.do(t, http.MethodPost, "/api/v1/chat/messages", `{"content":"hello"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "bad_request", kindOf(t, env))
	convs, err := s.repo.ListConversations(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestSubmitMessage_UnknownConversation(t *testing.T) {
	s := newTestServer(t, &scriptedClient{})

	w, env := s.do(t, http.MethodPost, "/api/v1/chat/messages", `{"conversationId":"nope","content":"hello"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", kindOf(t, env))
}

func TestStream_SSEFlow(t *testing.T) {
	s := newTestServer(t, &scriptedClient{fragments: []string{"Hello", " there"}})
	conv := s.createConversation(t)
	res := s.submit(t, conv.ID, "hi", `{"currentPage":"/pricing"}`)
	assert.Equal(t, StreamPath+"/"+res.AssistantMessageID, res.StreamLocator)

	req := httptest.NewRequest(http.MethodGet, res.StreamLocator, nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	events := parseSSE(t, w.Body.String())
	assert.Equal(t, []model.StreamEvent{
		model.ChunkEvent("Hello"),
		model.ChunkEvent(" there"),
		model.DoneEvent(),
	}, events)

	w2, env := s.do(t, http.MethodGet, "/api/v1/conversations/"+conv.ID+"/messages", "")
	require.Equal(t, http.StatusOK, w2.Code)
	var history []model.ChatMessage
	require.NoError(t, json.Unmarshal(env.Data, &history))
	assert.Equal(t, []model.ChatMessage{
		{Role: model.RoleUser, Content: "hi"},
		{Role: model.RoleAssistant, Content: "Hello there"},
	}, history)
}

func TestStream_ContextFromQuery(t *testing.T) {
	client := &scriptedClient{fragments: []string{"ok"}}
	s := newTestServer(t, client)
	conv := s.createConversation(t)
	res := s.submit(t, conv.ID, "hi", "")

	q := url.Values{"context": {`{"currentPage":"/checkout"}`}}
	req := httptest.NewRequest(http.MethodGet, res.StreamLocator+"?"+q.Encode(), nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.GreaterOrEqual(t, len(client.lastMsgs), 2)
	assert.Contains(t, client.lastMsgs[1].Content, "Current page: /checkout")
}

func TestStream_MalformedContextIgnored(t *testing.T) {
	client := &scriptedClient{fragments: []string{"ok"}}
	s := newTestServer(t, client)
	conv := s.createConversation(t)
	res := s.submit(t, conv.ID, "hi", "")

	req := httptest.NewRequest(http.MethodGet, res.StreamLocator+"?context=%7Bnot-json", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	events := parseSSE(t, w.Body.String())
	assert.Equal(t, model.EventDone, events[len(events)-1].Type)
	// 人设 + 本轮
	assert.Len(t, client.lastMsgs, 2)
}

func TestStream_UnknownMessageIsJSONError(t *testing.T) {
	s := newTestServer(t, &scriptedClient{})

	w, env := s.do(t, http.MethodGet, StreamPath+"/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotEqual(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "not_found", kindOf(t, env))
}

func TestStream_BackendErrorEvent(t *testing.T) {
	s := newTestServer(t, &scriptedClient{err: &llm.BackendError{StatusCode: 401}})
	conv := s.createConversation(t)
	res := s.submit(t, conv.ID, "hi", "")

	req := httptest.NewRequest(http.MethodGet, res.StreamLocator, nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	events := parseSSE(t, w.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, model.EventError, events[0].Type)
	assert.NotEmpty(t, events[0].Message)
}

func TestStreamWS_DeliversEvents(t *testing.T) {
	s := newTestServer(t, &scriptedClient{fragments: []string{"a", "b"}})
	conv := s.createConversation(t)
	res := s.submit(t, conv.ID, "hi", "")

	srv := httptest.NewServer(s.router)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/chat/ws/" + res.AssistantMessageID

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var types []model.EventType
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var ev model.StreamEvent
		require.NoError(t, json.Unmarshal(payload, &ev))
		types = append(types, ev.Type)
	}
	assert.Equal(t, []model.EventType{model.EventChunk, model.EventChunk, model.EventDone}, types)
}

func TestCreateConversation_EmptyBody(t *testing.T) {
	s := newTestServer(t, &scriptedClient{})

	w, env := s.do(t, http.MethodPost, "/api/v1/conversations", "")
	require.Equal(t, http.StatusOK, w.Code)
	var conv model.Conversation
	require.NoError(t, json.Unmarshal(env.Data, &conv))
	assert.Equal(t, service.DefaultConversationTitle, conv.Title)

	w, env = s.do(t, http.MethodGet, "/api/v1/conversations/"+conv.ID, "")
	require.Equal(t, http.StatusOK, w.Code)

	w, env = s.do(t, http.MethodGet, "/api/v1/conversations/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", kindOf(t, env))
}

func TestStatus(t *testing.T) {
	s := newTestServer(t, &scriptedClient{})

	w, env := s.do(t, http.MethodGet, "/api/v1/chat/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st service.Status
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.True(t, st.GenerationConfigured)
	assert.False(t, st.RetrievalAvailable)
}
