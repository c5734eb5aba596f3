// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"pagechat-go/internal/repository"
	"pagechat-go/pkg/llm"
)

// ErrorKind 是对客户端暴露的错误分类，取值为封闭集合。
type ErrorKind string

const (
	KindNotFound           ErrorKind = "not_found"
	KindBadRequest         ErrorKind = "bad_request"
	KindRateLimited        ErrorKind = "rate_limited"
	KindUnauthenticated    ErrorKind = "unauthenticated"
	KindBackendUnavailable ErrorKind = "backend_unavailable"
	KindQuotaExceeded      ErrorKind = "quota_exceeded"
	KindTimeout            ErrorKind = "timeout"
	KindUnknown            ErrorKind = "unknown"
)

var kindMessages = map[ErrorKind]string{
	KindNotFound:           "The requested conversation or message was not found.",
	KindBadRequest:         "The request is missing required information.",
	KindRateLimited:        "The assistant is receiving too many requests right now. Please wait a moment and try again.",
	KindUnauthenticated:    "The assistant is not authorized to reach its language model. Please check the API credentials.",
	KindBackendUnavailable: "The assistant's language model is temporarily unavailable. Please try again shortly.",
	KindQuotaExceeded:      "The assistant has used up its language model quota. Please try again later.",
	KindTimeout:            "The assistant took too long to respond. Please try again.",
	KindUnknown:            "Something went wrong while generating a response",
}

var kindStatus = map[ErrorKind]int{
	KindNotFound:           http.StatusNotFound,
	KindBadRequest:         http.StatusBadRequest,
	KindRateLimited:        http.StatusTooManyRequests,
	KindUnauthenticated:    http.StatusUnauthorized,
	KindBackendUnavailable: http.StatusServiceUnavailable,
	KindQuotaExceeded:      http.StatusPaymentRequired,
	KindTimeout:            http.StatusGatewayTimeout,
	KindUnknown:            http.StatusInternalServerError,
}

// AppError 是离开业务层的唯一错误形态，Message 可以直接展示给用户。
type AppError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus 返回该错误对应的 HTTP 状态码。
func (e *AppError) HTTPStatus() int {
	if s, ok := kindStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// NewAppError 使用分类的默认文案创建错误。
func NewAppError(kind ErrorKind, err error) *AppError {
	return &AppError{Kind: kind, Message: kindMessages[kind], Err: err}
}

// BadRequest 创建带自定义说明的 bad_request 错误。
func BadRequest(message string) *AppError {
	return &AppError{Kind: KindBadRequest, Message: message}
}

const maxRawMessageRunes = 200

// ClassifyError 把任意错误归入封闭的分类集合；只有 unknown 会附带截断后的原始信息。
func ClassifyError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, repository.ErrNotFound) {
		return NewAppError(KindNotFound, err)
	}
	if kind, ok := classifyBackend(err); ok {
		return NewAppError(kind, err)
	}

	raw := err.Error()
	var be *llm.BackendError
	if errors.As(err, &be) && be.Message != "" {
		raw = be.Message
	}
	return &AppError{
		Kind:    KindUnknown,
		Message: kindMessages[KindUnknown] + ": " + truncateRunes(raw, maxRawMessageRunes),
		Err:     err,
	}
}

func classifyBackend(err error) (ErrorKind, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout, true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return KindBackendUnavailable, true
	}

	var be *llm.BackendError
	if !errors.As(err, &be) {
		return "", false
	}
	code := strings.ToLower(be.Code)
	msg := strings.ToLower(be.Message)
	quota := containsAny(code, "quota", "billing") || containsAny(msg, "quota", "billing", "credit")

	switch {
	case be.StatusCode == http.StatusUnauthorized || be.StatusCode == http.StatusForbidden,
		containsAny(code, "invalid_api_key", "unauthenticated", "permissiondenied", "permission_denied"):
		return KindUnauthenticated, true
	case be.StatusCode == http.StatusPaymentRequired,
		be.StatusCode == http.StatusTooManyRequests && quota:
		return KindQuotaExceeded, true
	case be.StatusCode == http.StatusTooManyRequests,
		containsAny(code, "rate_limit", "resourceexhausted"):
		if quota {
			return KindQuotaExceeded, true
		}
		return KindRateLimited, true
	case be.StatusCode == http.StatusRequestTimeout || be.StatusCode == http.StatusGatewayTimeout,
		containsAny(code, "deadlineexceeded", "timeout"):
		return KindTimeout, true
	case be.StatusCode == http.StatusInternalServerError,
		be.StatusCode == http.StatusBadGateway,
		be.StatusCode == http.StatusServiceUnavailable,
		containsAny(code, "unavailable", "overloaded"):
		return KindBackendUnavailable, true
	}
	return "", false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
