// 外部大模型顾问：构造提示词、调用模型并把回复解析为受限词表内的决策
// 所有失败都以*Error返回，由调用方决定重试或回退
package advisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"google.golang.org/genai"
)

var log = logrus.WithField("module", "advisor")

var (
	ErrRateLimited     = errors.New("advisor: rate limited")
	ErrTimeout         = errors.New("advisor: timeout")
	ErrEmptyResponse   = errors.New("advisor: empty response")
	ErrNoJSONObject    = errors.New("advisor: no JSON object in response")
	ErrOutOfVocabulary = errors.New("advisor: value outside the allowed vocabulary")
)

// Kind 顾问失败类型
type Kind int

const (
	KindTimeout Kind = iota
	KindRateLimited
	KindTransport
	KindMalformed
	KindOutOfVocabulary
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindTransport:
		return "transport"
	case KindMalformed:
		return "malformed"
	case KindOutOfVocabulary:
		return "out_of_vocabulary"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Retryable 是否值得在同一决策内重试
func (k Kind) Retryable() bool {
	return k == KindTimeout || k == KindTransport
}

// Error 顾问失败
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("advisor %v: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Client 顾问客户端
type Client interface {
	// Query 发送提示词并返回模型的原始文本回复
	Query(ctx context.Context, prompt string) (string, error)
}

// Classify 将调用错误归类为*Error
// 说明：超时来自context截止，限流来自HTTP 429，其余为传输错误
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, ErrRateLimited) {
		return &Error{Kind: KindRateLimited, Err: err}
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return &Error{Kind: KindRateLimited, Err: fmt.Errorf("%w: %v", ErrRateLimited, err)}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr.Code == http.StatusTooManyRequests {
		return &Error{Kind: KindRateLimited, Err: fmt.Errorf("%w: %v", ErrRateLimited, err)}
	}
	return &Error{Kind: KindTransport, Err: err}
}
