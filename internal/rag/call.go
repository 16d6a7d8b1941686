package rag

import (
	"context"
	"errors"
	"time"

	"docqa-go/pkg/errs"
)

// callWithTimeout 为一次外部调用设置超时。调用自身超时（而非上层取消）时返回 Timeout。
func callWithTimeout(ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errs.Is(err, errs.Timeout) {
		return errs.E(errs.Timeout, op, err)
	}
	return err
}
