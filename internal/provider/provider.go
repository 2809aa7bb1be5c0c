package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Provider 生成式模型提供方的统一契约：generate(prompt, model) -> 结构化 JSON | error{code}
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// Request 一次生成请求
type Request struct {
	System      string
	Prompt      string
	Model       string // 为空时使用提供方的默认模型
	MaxTokens   int
	Temperature float64
	// 调用方标识（dify 的 user 字段）
	User string
}

// Response 提供方返回的原始文本（期望是 JSON）
type Response struct {
	Text        string
	Model       string
	TotalTokens int
}

// ErrorCode 提供方错误分类
type ErrorCode string

const (
	CodeRateLimited    ErrorCode = "rate_limited"
	CodeQuotaExceeded  ErrorCode = "quota_exceeded"
	CodeInvalidRequest ErrorCode = "invalid_request"
	CodeTransient      ErrorCode = "transient"
)

// Retryable 只有限流和瞬时错误会在同一提供方上重试
func (c ErrorCode) Retryable() bool {
	return c == CodeRateLimited || c == CodeTransient
}

var (
	ErrRateLimited    = errors.New("provider rate limited")
	ErrQuotaExceeded  = errors.New("provider quota exceeded")
	ErrInvalidRequest = errors.New("provider invalid request")
	ErrTransient      = errors.New("provider transient failure")
)

// Error 携带分类的提供方错误
type Error struct {
	Provider string
	Code     ErrorCode
	Status   int // HTTP 状态码，未知为 0
	// Malformed 表示响应到达但内容不符合输出契约
	Malformed bool
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Provider, e.Code)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is 让 errors.Is(err, ErrRateLimited) 之类的判断按分类生效
func (e *Error) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Code == CodeRateLimited
	case ErrQuotaExceeded:
		return e.Code == CodeQuotaExceeded
	case ErrInvalidRequest:
		return e.Code == CodeInvalidRequest
	case ErrTransient:
		return e.Code == CodeTransient
	}
	return false
}

// Classify 取出错误分类；未分类的错误按 transient 处理，context 错误原样视为 transient
func Classify(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeTransient
}

// ClassifyStatus 按 HTTP 状态码和响应体归类
func ClassifyStatus(status int, body string) ErrorCode {
	lower := strings.ToLower(body)
	switch {
	case status == http.StatusTooManyRequests:
		if strings.Contains(lower, "quota") || strings.Contains(lower, "insufficient_quota") || strings.Contains(lower, "billing") {
			return CodeQuotaExceeded
		}
		return CodeRateLimited
	case status == http.StatusPaymentRequired:
		return CodeQuotaExceeded
	case status == http.StatusBadRequest, status == http.StatusUnauthorized, status == http.StatusForbidden,
		status == http.StatusNotFound, status == http.StatusUnprocessableEntity:
		return CodeInvalidRequest
	default:
		return CodeTransient
	}
}

// statusError 把非 2xx 响应包成分类错误，body 截断避免日志过长
func statusError(provider string, status int, body []byte) *Error {
	s := string(body)
	if len(s) > 500 {
		s = s[:500] + "..."
	}
	return &Error{
		Provider: provider,
		Code:     ClassifyStatus(status, s),
		Status:   status,
		Err:      fmt.Errorf("unexpected status code %d: %s", status, s),
	}
}

// transportError 网络层失败一律视为 transient
func transportError(provider string, err error) *Error {
	return &Error{Provider: provider, Code: CodeTransient, Err: err}
}
