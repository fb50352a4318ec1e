package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fast(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Factor: 2, Jitter: true}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := fast(5).Do(context.Background(), "test/RETRY", func(ctx context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if calls < 5 {
			return errors.New("failed attempt")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 5, calls)
}

func TestDoExhaustion(t *testing.T) {
	calls := 0
	last := errors.New("boom")
	err := fast(3).Do(context.Background(), "api/GET_PROCESSING", func(ctx context.Context, attempt int) error {
		calls++
		return last
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, fault.KindTransient, fault.KindOf(err))
	assert.Equal(t, "api/GET_PROCESSING", fault.KeyOf(err))
	assert.ErrorIs(t, err, last)
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	calls := 0
	expired := fault.New(fault.KindJob, "processing/DATASET_EXPIRED", "expired")
	err := fast(10).Do(context.Background(), "processing/DOWNLOAD_DATASET", func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(expired)
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, expired, err)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 10, BaseDelay: time.Hour}

	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, "test/CANCEL", func(ctx context.Context, attempt int) error {
			return errors.New("nope")
		})
	}()

	cancel()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestValueReturnsResult(t *testing.T) {
	v, err := Value(context.Background(), fast(2), "test/VALUE", func(ctx context.Context, attempt int) (string, error) {
		if attempt == 1 {
			return "", errors.New("first")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestDelay(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Factor: 2}
	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))

	fixed := Fixed(5, time.Second)
	assert.Equal(t, time.Second, fixed.Delay(4))

	jittered := Policy{BaseDelay: time.Second, Factor: 2, Jitter: true}
	for i := 0; i < 50; i++ {
		d := jittered.Delay(2)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.Less(t, d, 4*time.Second)
	}
}
