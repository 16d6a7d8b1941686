package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa-go/pkg/errs"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	attempts, err := fastPolicy(3).Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errs.New(errs.Throttled, "test", "slow down")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestDoStopsAtMaxAttempts(t *testing.T) {
	var retried []int
	p := fastPolicy(3)
	p.OnRetry = func(attempt int, err error, wait time.Duration) { retried = append(retried, attempt) }

	attempts, err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return errs.New(errs.ServiceError, "test", "503")
	})
	require.Error(t, err)
	assert.Equal(t, errs.ServiceError, errs.KindOf(err))
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDoDoesNotRetryFatal(t *testing.T) {
	attempts, err := fastPolicy(5).Do(context.Background(), func(ctx context.Context, attempt int) error {
		return errs.New(errs.CorruptInput, "test", "garbage")
	})
	assert.Equal(t, 1, attempts)
	assert.Equal(t, errs.CorruptInput, errs.KindOf(err))
}

func TestDoCustomClassifier(t *testing.T) {
	sentinel := errors.New("flaky")
	p := fastPolicy(2)
	p.Retryable = func(err error) bool { return errors.Is(err, sentinel) }
	attempts, err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 2, attempts)
}

func TestDoHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts, err := fastPolicy(3).Do(ctx, func(ctx context.Context, attempt int) error {
		return nil
	})
	assert.Equal(t, 0, attempts)
	assert.Equal(t, errs.Cancelled, errs.KindOf(err))
}
