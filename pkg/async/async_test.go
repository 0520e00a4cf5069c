package async_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/certops/pkg/async"
)

func TestRunCompletes(t *testing.T) {
	t.Parallel()

	f := async.Run(context.Background(), 42, func(ctx context.Context, n int) error {
		assert.Equal(t, 42, n)
		return nil
	})

	require.NoError(t, f.Await())
	assert.True(t, f.IsComplete())
}

func TestRunPropagatesError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("boom")
	f := async.Run(context.Background(), struct{}{}, func(context.Context, struct{}) error {
		return wantErr
	})

	assert.ErrorIs(t, f.Await(), wantErr)
}

func TestRunPreCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	invoked := false
	f := async.Run(ctx, struct{}{}, func(context.Context, struct{}) error {
		invoked = true
		return nil
	})

	assert.ErrorIs(t, f.Await(), context.Canceled)
	assert.False(t, invoked)
}

func TestAwaitWithTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	f := async.Run(context.Background(), struct{}{}, func(context.Context, struct{}) error {
		<-release
		return nil
	})

	assert.ErrorIs(t, f.AwaitWithTimeout(10*time.Millisecond), async.ErrTimeout)
	close(release)
	require.NoError(t, f.Await())
}
