package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyErr struct{ transient bool }

func (e flakyErr) Error() string   { return "flaky" }
func (e flakyErr) Transient() bool { return e.transient }

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, CategoryPermanent},
		{"plain", errors.New("boom"), CategoryPermanent},
		{"categorized transient", Transient(errors.New("x"), "op"), CategoryTransient},
		{"categorized permanent", Permanent(errors.New("x"), "op"), CategoryPermanent},
		{"transienter true", flakyErr{transient: true}, CategoryTransient},
		{"transienter false", flakyErr{transient: false}, CategoryPermanent},
		{"wrapped transienter", fmt.Errorf("query: %w", flakyErr{transient: true}), CategoryTransient},
		{"deadline", context.DeadlineExceeded, CategoryTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.err))
		})
	}
}

func TestCategory_String(t *testing.T) {
	assert.Equal(t, "transient", CategoryTransient.String())
	assert.Equal(t, "permanent", CategoryPermanent.String())
	assert.Equal(t, "unknown", Category(42).String())
}

func TestCategorizedError(t *testing.T) {
	inner := errors.New("refused")
	err := Transient(inner, "connect")

	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "connect: refused (category: transient, attempts: 0)", err.Error())
	assert.Equal(t, "refused (category: permanent, attempts: 2)",
		(&CategorizedError{Err: inner, Category: CategoryPermanent, Retries: 2}).Error())
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := DefaultRetryPolicy
	want := []time.Duration{
		1 * time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute,
		16 * time.Minute, 30 * time.Minute, 30 * time.Minute, 30 * time.Minute,
	}
	for i, w := range want {
		assert.Equal(t, w, p.Delay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, time.Minute, p.Delay(0))
	assert.Equal(t, time.Duration(0), RetryPolicy{}.Delay(3))
}

func TestRetryPolicy_NextRetryAt(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	p := RetryPolicy{Delays: DefaultRetryPolicy.Delays, MaxRetries: 3}

	next := p.NextRetryAt(now, 1)
	require.NotNil(t, next)
	assert.Equal(t, now.Add(time.Minute), *next)

	next = p.NextRetryAt(now, 2)
	require.NotNil(t, next)
	assert.Equal(t, now.Add(2*time.Minute), *next)

	assert.Nil(t, p.NextRetryAt(now, 3), "exhausted records are not rescheduled")
	assert.Nil(t, p.NextRetryAt(now, 4))
}

func TestWithRetryContext(t *testing.T) {
	fast := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffFactor: 2}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		res := WithRetryContext(context.Background(), fast, func(context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, flakyErr{transient: true}
			}
			return 7, nil
		})

		require.NoError(t, res.Err)
		assert.Equal(t, 7, res.Value)
		assert.Equal(t, 3, res.Attempts)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		calls := 0
		res := WithRetryContext(context.Background(), fast, func(context.Context) (int, error) {
			calls++
			return 0, errors.New("bad dsn")
		})

		require.Error(t, res.Err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, CategoryPermanent, Categorize(res.Err))
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		res := WithRetryContext(context.Background(), fast, func(context.Context) (int, error) {
			return 0, flakyErr{transient: true}
		})

		require.Error(t, res.Err)
		assert.Equal(t, 3, res.Attempts)
		assert.Contains(t, res.Err.Error(), "max retries exceeded")
	})

	t.Run("respects cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		res := WithRetryContext(ctx, fast, func(context.Context) (int, error) {
			t.Fatal("should not be called")
			return 0, nil
		})
		require.Error(t, res.Err)
		assert.ErrorIs(t, res.Err, context.Canceled)
		assert.Equal(t, 0, res.Attempts)
	})

	t.Run("zero attempts runs once", func(t *testing.T) {
		calls := 0
		res := WithRetryContext(context.Background(), RetryConfig{}, func(context.Context) (string, error) {
			calls++
			return "ok", nil
		})
		require.NoError(t, res.Err)
		assert.Equal(t, 1, calls)
	})
}
