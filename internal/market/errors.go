package market

import (
	"errors"
	"fmt"
)

// 错误分类；调用方通过 errors.Is 判断。
var (
	ErrTransient   = errors.New("transient network error")
	ErrRateLimited = errors.New("rate limited")
	ErrMalformed   = errors.New("malformed data")
	ErrRejected    = errors.New("request rejected")
	ErrOrdering    = errors.New("ordering anomaly")
	ErrExhausted   = errors.New("retries exhausted")
	ErrNoData      = errors.New("no data available")
)

// FetchError 描述一次 REST 请求失败；Kind 为上面的分类之一。
type FetchError struct {
	Kind   error
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%v (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() []error { return []error{e.Kind, e.Err} }

// Retryable 报告该错误是否值得重试。
func (e *FetchError) Retryable() bool {
	return errors.Is(e.Kind, ErrTransient) || errors.Is(e.Kind, ErrRateLimited)
}

// IsRetryable 对任意 error 判定是否可重试。
func IsRetryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}
