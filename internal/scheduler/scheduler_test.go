package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-payouts/internal/lock"
	"ms-payouts/internal/logger"
	"ms-payouts/internal/scheduler"
)

func TestAddValidatesSpec(t *testing.T) {
	s := scheduler.New(nil, logger.NewNop())
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Add("retry_sweep", "0 */4 * * *", noop))
	require.NoError(t, s.Add("disabled", "", noop))
	assert.Error(t, s.Add("broken", "every tuesday", noop))

	s.Start()
	defer s.Stop()
	next := s.Next("retry_sweep")
	require.False(t, next.IsZero())
	assert.Zero(t, next.Hour()%4)
	assert.Zero(t, next.Minute())
	assert.True(t, s.Next("disabled").IsZero())
}

func TestRunSkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	locker := lock.NewRedis(client, logger.NewNop())
	s := scheduler.New(locker, logger.NewNop())

	runs := 0
	job := func(context.Context) error { runs++; return nil }

	s.Run(ctx, "settlement_sync", job)
	assert.Equal(t, 1, runs)

	release, ok, err := locker.TryLock(ctx, lock.JobKey("settlement_sync"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	s.Run(ctx, "settlement_sync", job)
	assert.Equal(t, 1, runs, "another replica holds the job")
	release()

	s.Run(ctx, "settlement_sync", func(context.Context) error { return errors.New("provider down") })
	s.Run(ctx, "settlement_sync", func(context.Context) error { panic("boom") })
	s.Run(ctx, "settlement_sync", job)
	assert.Equal(t, 2, runs, "failures and panics release the lock")
}
