package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyValidateRejectsConflictingFilters(t *testing.T) {
	p := Policy{Whitelist: []error{errA}, Blacklist: []error{errB}}
	assert.ErrorIs(t, p.Validate(), ErrConflictingFilters)
}

var (
	errA = errors.New("transient A")
	errB = errors.New("permanent B")
)

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	p := Linear(3, time.Millisecond)

	attempts := 0
	var retries []int
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errA
		}
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		retries = append(retries, attempt)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestExecuteStopsAfterMaxAttempts(t *testing.T) {
	p := Linear(2, time.Millisecond)

	attempts := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return errA
	}, nil)

	assert.ErrorIs(t, err, errA)
	assert.Equal(t, 2, attempts)
}

func TestWhitelistOnlyRetriesListedErrors(t *testing.T) {
	p := Policy{MaxAttempts: 3, Whitelist: []error{errA}}

	attempts := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return errB
	}, nil)

	assert.ErrorIs(t, err, errB)
	assert.Equal(t, 1, attempts, "errB is not on the whitelist so it should not be retried")
}

func TestBlacklistBlocksListedErrorsOnly(t *testing.T) {
	p := Policy{MaxAttempts: 3, Blacklist: []error{errB}}

	t.Run("blacklisted error is not retried", func(t *testing.T) {
		attempts := 0
		err := p.Execute(context.Background(), func(ctx context.Context) error {
			attempts++
			return errB
		}, nil)
		assert.ErrorIs(t, err, errB)
		assert.Equal(t, 1, attempts)
	})

	t.Run("non-blacklisted error is retried to exhaustion", func(t *testing.T) {
		attempts := 0
		err := p.Execute(context.Background(), func(ctx context.Context) error {
			attempts++
			return errA
		}, nil)
		assert.ErrorIs(t, err, errA)
		assert.Equal(t, 3, attempts)
	})
}

func TestExecuteNeverRetriesContextCancellation(t *testing.T) {
	p := Linear(5, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := p.Execute(ctx, func(ctx context.Context) error {
		attempts++
		return context.Canceled
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestExecuteInterruptsBackoffOnCancellation(t *testing.T) {
	p := Policy{MaxAttempts: 2, Delays: []time.Duration{time.Hour}}
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Execute(ctx, func(ctx context.Context) error {
			attempts++
			return errA
		}, nil)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("Execute did not return promptly after cancellation")
	}
	assert.Equal(t, 1, attempts)
}
