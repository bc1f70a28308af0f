package shuffle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitReturnsResult(t *testing.T) {
	pool := NewPool(2)
	defer pool.Close()

	got, err := Submit(context.Background(), pool, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestSubmitPropagatesError(t *testing.T) {
	pool := NewPool(1)
	defer pool.Close()

	wantErr := errors.New("boom")
	_, err := Submit(context.Background(), pool, func() (int, error) { return 0, wantErr })
	assert.ErrorIs(t, err, wantErr)
}

func TestSubmitCancelsOnContextDone(t *testing.T) {
	pool := NewPool(1)
	defer pool.Close()

	block := make(chan struct{})
	defer close(block)

	// Occupy the only worker so a second Submit has to wait in the
	// hand-off select, where cancellation must still apply.
	go func() {
		_, _ = Submit(context.Background(), pool, func() (int, error) {
			<-block
			return 0, nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Submit(ctx, pool, func() (int, error) { return 1, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubmitAfterCloseReturnsClosed(t *testing.T) {
	pool := NewPool(1)
	pool.Close()

	_, err := Submit(context.Background(), pool, func() (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrClosed)
}
