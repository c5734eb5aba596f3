package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"pagechat-go/internal/model"
	"pagechat-go/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapPageContextRepo struct {
	saved map[string]model.PageContext
}

func (r *mapPageContextRepo) Save(ctx context.Context, messageID string, pc model.PageContext) error {
	if r.saved == nil {
		r.saved = map[string]model.PageContext{}
	}
	r.saved[messageID] = pc
	return nil
}

func (r *mapPageContextRepo) Get(ctx context.Context, messageID string) (model.PageContext, error) {
	return r.saved[messageID], nil
}

func newConversationFixture() (*memoryRepo, *mapPageContextRepo, ConversationService) {
	repo := newMemoryRepo()
	pcRepo := &mapPageContextRepo{}
	svc := NewConversationService(repo, pcRepo, nil, nil, "/api/v1/chat/stream/")
	return repo, pcRepo, svc
}

func TestCreateConversation_DefaultTitle(t *testing.T) {
	_, _, svc := newConversationFixture()

	conv, err := svc.CreateConversation(context.Background(), "   ")
	require.NoError(t, err)
	assert.Equal(t, DefaultConversationTitle, conv.Title)
	assert.NotEmpty(t, conv.ID)
}

func TestSubmitMessage_CreatesPlaceholder(t *testing.T) {
	repo, pcRepo, svc := newConversationFixture()
	conv, _ := svc.CreateConversation(context.Background(), "Billing")
	pc := model.PageContext{"currentPage": "/billing"}

	res, err := svc.SubmitMessage(context.Background(), conv.ID, "How do refunds work?", pc)
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/chat/stream/"+res.AssistantID, res.StreamLocator)

	placeholder, err := repo.GetMessage(context.Background(), res.AssistantID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAssistant, placeholder.Role)
	assert.Empty(t, placeholder.Content)

	userMsg, err := repo.GetMessage(context.Background(), res.UserMessageID)
	require.NoError(t, err)
	assert.Equal(t, "How do refunds work?", userMsg.Content)

	assert.Equal(t, pc, pcRepo.saved[res.AssistantID])
}

func TestSubmitMessage_Validation(t *testing.T) {
	repo, _, svc := newConversationFixture()
	conv, _ := svc.CreateConversation(context.Background(), "")

	_, err := svc.SubmitMessage(context.Background(), "", "hi", nil)
	assert.Equal(t, KindBadRequest, ClassifyError(err).Kind)

	_, err = svc.SubmitMessage(context.Background(), conv.ID, "  \n", nil)
	assert.Equal(t, KindBadRequest, ClassifyError(err).Kind)

	_, err = svc.SubmitMessage(context.Background(), "missing", "hi", nil)
	assert.Equal(t, KindNotFound, ClassifyError(err).Kind)

	// 校验失败时不创建任何消息
	assert.Empty(t, repo.messages)
}

func TestSubmitMessage_FailedTurnLeavesNoMessages(t *testing.T) {
	repo, pcRepo, svc := newConversationFixture()
	conv, _ := svc.CreateConversation(context.Background(), "")
	repo.turnErr = errors.New("disk full")

	_, err := svc.SubmitMessage(context.Background(), conv.ID, "hi", model.PageContext{"page": "/"})
	require.Error(t, err)
	assert.Equal(t, KindUnknown, ClassifyError(err).Kind)
	assert.Empty(t, repo.messages)
	assert.Empty(t, pcRepo.saved)
}

func TestGetHistory_LimitClamped(t *testing.T) {
	repo, _, svc := newConversationFixture()
	conv, _ := svc.CreateConversation(context.Background(), "")
	for i := 0; i < 120; i++ {
		repo.add(conv.ID, model.RoleUser, strings.Repeat("x", i%5+1))
	}

	msgs, err := svc.GetHistory(context.Background(), conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, DefaultHistoryLimit)

	msgs, err = svc.GetHistory(context.Background(), conv.ID, 1000)
	require.NoError(t, err)
	assert.Len(t, msgs, MaxHistoryLimit)

	_, err = svc.GetHistory(context.Background(), "missing", 10)
	assert.Equal(t, KindNotFound, ClassifyError(err).Kind)
}

func TestStatus(t *testing.T) {
	repo := newMemoryRepo()
	assembler := NewContextAssembler(repo, nil, AssemblerOptions{})
	chat := NewChatService(assembler, &fakeLLM{}, llm.GenerationParams{}, 0)
	svc := NewConversationService(repo, nil, &fakeRetriever{available: true}, chat, "/s")

	st := svc.Status(context.Background())
	assert.True(t, st.GenerationConfigured)
	assert.True(t, st.RetrievalAvailable)

	bare := NewConversationService(repo, nil, nil, nil, "/s")
	assert.Equal(t, Status{}, bare.Status(context.Background()))
}
