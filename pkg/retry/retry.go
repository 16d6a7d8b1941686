// Package retry 按有上限的指数退避策略重试操作，向量化、答案生成与管道执行共用同一套策略。
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"docqa-go/pkg/errs"
)

// Policy 描述一个操作的重试方式。
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable 判断失败的尝试能否重试，默认使用 errs.IsTransient。
	Retryable func(error) bool
	// OnRetry 在每次退避等待之前调用。
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultPolicy 与管道默认配置一致：3 次尝试，1s 起步，翻倍，上限 30s。
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

func (p Policy) backoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = time.Millisecond
	}
	eb.MaxInterval = p.MaxDelay
	if eb.MaxInterval < eb.InitialInterval {
		eb.MaxInterval = eb.InitialInterval
	}
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Do 反复调用 fn，直到成功、返回不可重试的错误或用完尝试次数，返回实际尝试次数。
// 两次尝试之间 ctx 结束时返回 context 的错误。
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = errs.IsTransient
	}

	attempt := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		err := fn(ctx, attempt)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
	}

	err := backoff.RetryNotify(op, p.backoff(ctx), notify)
	return attempt, err
}
