package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"pagechat-go/internal/model"
	"pagechat-go/internal/repository"
	"pagechat-go/pkg/llm"
	"pagechat-go/pkg/tasks"
)

// memoryRepo 是内存版的 ConversationRepository。
type memoryRepo struct {
	mu            sync.Mutex
	seq           int
	conversations map[string]*model.Conversation
	messages      []*model.Message
	historyCalls  int
	turnErr       error // CreateTurn 返回的错误，此时不写入任何消息
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{conversations: map[string]*model.Conversation{}}
}

func (r *memoryRepo) nextID(prefix string) string {
	r.seq++
	return fmt.Sprintf("%s-%d", prefix, r.seq)
}

func (r *memoryRepo) CreateConversation(ctx context.Context, title string) (*model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &model.Conversation{ID: r.nextID("conv"), Title: title, CreatedAt: time.Now()}
	r.conversations[c.ID] = c
	return c, nil
}

func (r *memoryRepo) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memoryRepo) ListConversations(ctx context.Context, limit int) ([]model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Conversation
	for _, c := range r.conversations {
		out = append(out, *c)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepo) CreateMessage(ctx context.Context, conversationID, role, content string) (*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conversations[conversationID]; !ok {
		return nil, repository.ErrNotFound
	}
	m := &model.Message{ID: r.nextID("msg"), ConversationID: conversationID, Role: role, Content: content, CreatedAt: time.Now()}
	r.messages = append(r.messages, m)
	cp := *m
	return &cp, nil
}

func (r *memoryRepo) CreateTurn(ctx context.Context, conversationID, content string) (*model.Message, *model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conversations[conversationID]; !ok {
		return nil, nil, repository.ErrNotFound
	}
	if r.turnErr != nil {
		return nil, nil, r.turnErr
	}
	user := &model.Message{ID: r.nextID("msg"), ConversationID: conversationID, Role: model.RoleUser, Content: content, CreatedAt: time.Now()}
	placeholder := &model.Message{ID: r.nextID("msg"), ConversationID: conversationID, Role: model.RoleAssistant, CreatedAt: time.Now()}
	r.messages = append(r.messages, user, placeholder)
	u, p := *user, *placeholder
	return &u, &p, nil
}

func (r *memoryRepo) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.ID == id {
			cp := *m
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memoryRepo) GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.historyCalls++
	var all []model.Message
	for _, m := range r.messages {
		if m.ConversationID == conversationID {
			all = append(all, *m)
		}
	}
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (r *memoryRepo) CompleteMessage(ctx context.Context, id, content string, sources []model.Citation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.ID == id {
			m.Content = content
			m.Sources = sources
			return nil
		}
	}
	return repository.ErrNotFound
}

// 直接追加一条任意角色的消息，用于构造历史。
func (r *memoryRepo) add(conversationID, role, content string) *model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := &model.Message{ID: r.nextID("msg"), ConversationID: conversationID, Role: role, Content: content}
	r.messages = append(r.messages, m)
	return m
}

type fakeRetriever struct {
	results   []model.RetrievalResult
	err       error
	available bool
	calls     int
	lastMax   int
	lastFloor float64
}

// Retrieve 按约定自行过滤低于下限的结果。
func (f *fakeRetriever) Retrieve(ctx context.Context, query string, maxResults int, relevanceFloor float64) ([]model.RetrievalResult, error) {
	f.calls++
	f.lastMax = maxResults
	f.lastFloor = relevanceFloor
	if f.err != nil {
		return nil, f.err
	}
	var out []model.RetrievalResult
	for _, r := range f.results {
		if r.Score >= relevanceFloor && len(out) < maxResults {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRetriever) IsAvailable(ctx context.Context) bool {
	return f.available
}

// fakeLLM 按脚本输出片段，可在指定位置失败。
type fakeLLM struct {
	mu        sync.Mutex
	fragments []string
	openErr   error
	streamErr error // 片段输出完后返回
	recvCalls int
	closed    bool
	lastMsgs  []llm.Message
}

func (f *fakeLLM) StreamChat(ctx context.Context, messages []llm.Message, params llm.GenerationParams) (llm.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastMsgs = messages
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &fakeStream{llm: f}, nil
}

func (f *fakeLLM) pulls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recvCalls
}

func (f *fakeLLM) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeStream struct {
	llm *fakeLLM
	pos int
}

func (s *fakeStream) Recv() (string, error) {
	s.llm.mu.Lock()
	defer s.llm.mu.Unlock()
	s.llm.recvCalls++
	if s.pos < len(s.llm.fragments) {
		f := s.llm.fragments[s.pos]
		s.pos++
		return f, nil
	}
	if s.llm.streamErr != nil {
		return "", s.llm.streamErr
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error {
	s.llm.mu.Lock()
	defer s.llm.mu.Unlock()
	s.llm.closed = true
	return nil
}

// recordingSink 记录写入的事件与关闭次数，可在第 n 次写入后触发回调。
type recordingSink struct {
	mu         sync.Mutex
	events     []model.StreamEvent
	closes     int
	failAfter  int // >0 时第 failAfter 次之后的写入返回错误
	afterWrite func(n int)
	panicOn    model.EventType
}

func (s *recordingSink) Write(event model.StreamEvent) error {
	s.mu.Lock()
	if s.panicOn != "" && event.Type == s.panicOn {
		s.mu.Unlock()
		panic("sink exploded")
	}
	if s.closes > 0 {
		s.mu.Unlock()
		return fmt.Errorf("write after close")
	}
	if s.failAfter > 0 && len(s.events) >= s.failAfter {
		s.mu.Unlock()
		return fmt.Errorf("broken pipe")
	}
	s.events = append(s.events, event)
	n := len(s.events)
	cb := s.afterWrite
	s.mu.Unlock()
	if cb != nil {
		cb(n)
	}
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *recordingSink) types() []model.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeArchiver struct {
	mu    sync.Mutex
	tasks []tasks.TurnArchiveTask
}

func (a *fakeArchiver) ArchiveTurn(ctx context.Context, task tasks.TurnArchiveTask) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tasks = append(a.tasks, task)
	return nil
}

type panicArchiver struct{}

func (panicArchiver) ArchiveTurn(ctx context.Context, task tasks.TurnArchiveTask) error {
	panic("archive exploded")
}
