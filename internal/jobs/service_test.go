package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "sellerbot/pkg/logx"
)

func newTestService() *Service {
	return New(Config{Workers: 2, DefaultTimeout: time.Minute}, logx.Logger{})
}

func TestAddCronValidatesSpec(t *testing.T) {
	s := newTestService()

	assert.Error(t, s.AddCron("bad", "not a spec", Options{}, func(ctx context.Context) error { return nil }))
	assert.Error(t, s.AddCron("", "* * * * *", Options{}, func(ctx context.Context) error { return nil }))
	assert.NoError(t, s.AddCron("ok", "0 9 * * *", Options{}, func(ctx context.Context) error { return nil }))
	assert.NoError(t, s.AddCron("tz", "CRON_TZ=Europe/Moscow 0 9 * * *", Options{}, func(ctx context.Context) error { return nil }))
	assert.NoError(t, s.AddCron("every", "@every 45s", Options{}, func(ctx context.Context) error { return nil }))
}

func TestAddCronUpsertsByName(t *testing.T) {
	s := newTestService()
	job := func(ctx context.Context) error { return nil }

	require.NoError(t, s.AddCron("j", "0 9 * * *", Options{}, job))
	require.NoError(t, s.AddCron("j", "0 18 * * *", Options{}, job))

	assert.Equal(t, []string{"j"}, s.Names())
	snap := s.Status()
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, "0 18 * * *", snap.Jobs[0].Spec)
}

func TestRemove(t *testing.T) {
	s := newTestService()
	require.NoError(t, s.AddCron("j", "0 9 * * *", Options{}, func(ctx context.Context) error { return nil }))

	assert.True(t, s.Remove("j"))
	assert.False(t, s.Remove("j"))
	assert.Empty(t, s.Names())
}

func TestStartRunsJobs(t *testing.T) {
	s := newTestService()
	var fires atomic.Int32
	fired := make(chan struct{}, 8)
	require.NoError(t, s.AddCron("tick", "@every 1s", Options{}, func(ctx context.Context) error {
		fires.Add(1)
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}))

	ctx := context.Background()
	s.Start(ctx)
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(c)
	}()

	assert.False(t, s.NextFire("tick").IsZero())

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}

	snap := s.Status()
	require.NotEmpty(t, snap.History)
	assert.Equal(t, "tick", snap.History[len(snap.History)-1].Name)
}

func TestOverlapSkipCoalesces(t *testing.T) {
	s := newTestService()
	var running atomic.Int32
	var overlapped atomic.Bool
	block := make(chan struct{})

	require.NoError(t, s.AddCron("slow", "@every 1s", Options{Overlap: OverlapSkip}, func(ctx context.Context) error {
		if running.Add(1) > 1 {
			overlapped.Store(true)
		}
		defer running.Add(-1)
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}))

	s.Start(context.Background())
	time.Sleep(3500 * time.Millisecond)
	close(block)

	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(c)

	assert.False(t, overlapped.Load(), "OverlapSkip must keep at most one instance running")
}

func TestAddAfterStartRegistersImmediately(t *testing.T) {
	s := newTestService()
	s.Start(context.Background())
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(c)
	}()

	require.NoError(t, s.AddCron("late", "0 9 * * *", Options{}, func(ctx context.Context) error { return nil }))
	assert.False(t, s.NextFire("late").IsZero())
}
