package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", NewValidation("deps", "unknown dependency %q", "tsk_X"), KindValidation},
		{"transient", NewTransient(stderrors.New("boom"), ""), KindTransient},
		{"resource", NewResource(stderrors.New("disk full"), "state store"), KindResource},
		{"human", &HumanError{Question: "approve?"}, KindHuman},
		{"logic", NewLogic("SCHED_FINISH_NOT_RUNNING", "task %s not running", "tsk_X"), KindLogic},
		{"wrapped validation", fmt.Errorf("outer: %w", NewValidation("goal", "empty")), KindValidation},
		{"plain error defaults to logic", stderrors.New("mystery"), KindLogic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(NewTransient(stderrors.New("x"), "")))
	assert.True(t, IsTransient(stderrors.New("HTTP error 503: unavailable")))
	assert.True(t, IsTransient(stderrors.New("dial tcp: connection refused")))
	assert.False(t, IsTransient(stderrors.New("HTTP error 401: unauthorized")))
	assert.False(t, IsTransient(NewValidation("plan", "too many tasks")))
	assert.False(t, IsTransient(nil))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "validation", KindValidation.String())
	assert.Equal(t, "transient", KindTransient.String())
	assert.Equal(t, "resource", KindResource.String())
	assert.Equal(t, "human", KindHuman.String())
	assert.Equal(t, "logic", KindLogic.String())
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return NewValidation("plan", "bad")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryRecoversFromTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewTransient(stderrors.New("flaky"), "")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsBudget(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return NewTransient(stderrors.New("always"), "")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, 3, calls)
}

func TestRetryWithResultHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RetryWithResult(ctx, DefaultRetryConfig(), func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context cancelled")
}

func TestCalculateBackoffCapped(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	d := calculateBackoff(10, cfg)
	assert.LessOrEqual(t, d, 3*time.Second)
}
