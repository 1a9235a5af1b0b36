package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterRejectsBadSpec(t *testing.T) {
	s := New(context.Background())
	err := s.Register("not a cron spec", "policies", ReloaderFunc(func(ctx context.Context) (int, error) {
		return 0, nil
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "register policies reload")
}

func TestScheduledReloadRuns(t *testing.T) {
	s := New(context.Background())

	var calls atomic.Int32
	require.NoError(t, s.Register("* * * * * *", "policies", ReloaderFunc(func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 1, nil
	})))
	require.NoError(t, s.Register("* * * * * *", "overlays", ReloaderFunc(func(ctx context.Context) (int, error) {
		return 0, errors.New("store unavailable")
	})))

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
}
