package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"syscall"
	"testing"

	"pagechat-go/internal/repository"
	"pagechat-go/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"401", &llm.BackendError{StatusCode: 401, Message: "bad key"}, KindUnauthenticated},
		{"403", &llm.BackendError{StatusCode: 403}, KindUnauthenticated},
		{"invalid key code", &llm.BackendError{Code: "invalid_api_key"}, KindUnauthenticated},
		{"grpc unauthenticated", &llm.BackendError{Code: "Unauthenticated"}, KindUnauthenticated},
		{"429 rate", &llm.BackendError{StatusCode: 429, Message: "Rate limit reached"}, KindRateLimited},
		{"429 quota code", &llm.BackendError{StatusCode: 429, Code: "insufficient_quota"}, KindQuotaExceeded},
		{"429 quota message", &llm.BackendError{StatusCode: 429, Message: "You exceeded your current quota"}, KindQuotaExceeded},
		{"402", &llm.BackendError{StatusCode: 402}, KindQuotaExceeded},
		{"resource exhausted quota", &llm.BackendError{Code: "ResourceExhausted", Message: "Quota exceeded for metric"}, KindQuotaExceeded},
		{"408", &llm.BackendError{StatusCode: 408}, KindTimeout},
		{"504", &llm.BackendError{StatusCode: 504}, KindTimeout},
		{"deadline", fmt.Errorf("stream: %w", context.DeadlineExceeded), KindTimeout},
		{"500", &llm.BackendError{StatusCode: 500}, KindBackendUnavailable},
		{"502", &llm.BackendError{StatusCode: 502}, KindBackendUnavailable},
		{"503", &llm.BackendError{StatusCode: 503}, KindBackendUnavailable},
		{"conn refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), KindBackendUnavailable},
		{"not found", fmt.Errorf("lookup: %w", repository.ErrNotFound), KindNotFound},
		{"400", &llm.BackendError{StatusCode: 400, Message: "context too long"}, KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyError(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Kind)
		})
	}
}

func TestClassifyError_MessagesHideBackendPayload(t *testing.T) {
	got := ClassifyError(&llm.BackendError{StatusCode: http.StatusUnauthorized, Message: "sk-secret rejected"})
	assert.Equal(t, kindMessages[KindUnauthenticated], got.Message)
	assert.NotContains(t, got.Message, "sk-secret")
	assert.Equal(t, http.StatusUnauthorized, got.HTTPStatus())
}

func TestClassifyError_UnknownCarriesTruncatedRaw(t *testing.T) {
	got := ClassifyError(&llm.BackendError{StatusCode: 400, Message: "context length exceeded"})
	assert.Equal(t, KindUnknown, got.Kind)
	assert.Contains(t, got.Message, "context length exceeded")

	long := ClassifyError(errors.New(strings.Repeat("x", 500)))
	assert.Less(t, len([]rune(long.Message)), 300)
}

func TestClassifyError_PassesAppErrorThrough(t *testing.T) {
	orig := BadRequest("missing content")
	assert.Same(t, orig, ClassifyError(fmt.Errorf("wrap: %w", orig)))
	assert.Nil(t, ClassifyError(nil))
}
