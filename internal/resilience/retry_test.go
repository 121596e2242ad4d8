package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docvault/internal/model"
)

func fastBackoff(attempts int) Backoff {
	return Backoff{Attempts: attempts, Base: time.Millisecond, Max: 5 * time.Millisecond}
}

func TestRetry_SucceedsAfterTransient(t *testing.T) {
	calls := 0
	v, attempts, err := Retry(context.Background(), fastBackoff(3), nil, nil, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &StatusError{StatusCode: 503}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, attempts)
}

func TestRetry_StopsOnPermanent(t *testing.T) {
	calls := 0
	_, attempts, err := Retry(context.Background(), fastBackoff(5), nil, nil, func(context.Context) (int, error) {
		calls++
		return 0, &StatusError{StatusCode: 400, Body: "bad schema"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	var retried []int
	_, attempts, err := Retry(context.Background(), fastBackoff(3), nil,
		func(n int, _ error) { retried = append(retried, n) },
		func(context.Context) (int, error) { return 0, &StatusError{StatusCode: 429} })
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, _, err := Retry(ctx, Backoff{Attempts: 5, Base: time.Hour}, nil, nil, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, &StatusError{StatusCode: 503}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestBackoff_DelayCapped(t *testing.T) {
	b := Backoff{Attempts: 10, Base: time.Second, Max: 4 * time.Second}
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(5))
}

func TestBackoff_Jitter(t *testing.T) {
	b := Backoff{Attempts: 2, Base: 100 * time.Millisecond, Max: time.Second, Jitter: 0.5}
	for range 50 {
		d := b.Delay(0)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("invalid input"), false},
		{"status 503", &StatusError{StatusCode: 503}, true},
		{"status 404", &StatusError{StatusCode: 404}, false},
		{"wrapped status", fmt.Errorf("reducto: %w", &StatusError{StatusCode: 429}), true},
		{"provider transient", &model.ProviderError{Transient: true, Err: errors.New("x")}, true},
		{"provider permanent", &model.ProviderError{Transient: false, Err: &StatusError{StatusCode: 503}}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"dns timeout", &net.DNSError{IsTimeout: true}, true},
		{"message", errors.New("write: broken pipe"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
