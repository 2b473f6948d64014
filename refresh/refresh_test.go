package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTicker struct {
	ch      chan time.Time
	stopped bool
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               { f.stopped = true }

type fakeTickers struct {
	mu      sync.Mutex
	created map[string]*fakeTicker
}

func newFakeTickers() *fakeTickers {
	return &fakeTickers{created: make(map[string]*fakeTicker)}
}

func (f *fakeTickers) NewTicker(_ context.Context, name string, _ time.Duration) (Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time, 1)}
	f.created[name] = t
	return t, nil
}

func (f *fakeTickers) tick(name string) {
	f.mu.Lock()
	t := f.created[name]
	f.mu.Unlock()
	t.ch <- time.Now()
}

type memScheduleMap struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemScheduleMap() *memScheduleMap {
	return &memScheduleMap{m: make(map[string]string)}
}

func (s *memScheduleMap) Set(_ context.Context, key, value string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.m[key]
	s.m[key] = value
	return prev, nil
}

func (s *memScheduleMap) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *memScheduleMap) Delete(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.m[key]
	delete(s.m, key)
	return prev, nil
}

func (s *memScheduleMap) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.m))
	for k := range s.m {
		keys = append(keys, k)
	}
	return keys
}

type runRecorder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *runRecorder) run(_ context.Context, targetID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, targetID)
	return r.err
}

func (r *runRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(t *testing.T, rec *runRecorder) (*Scheduler, *fakeTickers, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	ticks := newFakeTickers()
	s, err := NewScheduler(Options{
		Tickers:   ticks,
		Schedules: newMemScheduleMap(),
		Redis:     rdb,
		Namespace: "krawall",
		Run:       rec.run,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, ticks, rdb
}

func TestScheduleStoresScaledInterval(t *testing.T) {
	s, _, _ := newTestScheduler(t, &runRecorder{})
	require.NoError(t, s.Schedule(context.Background(), "t1", 200*time.Second))

	assert.True(t, s.IsScheduled("t1"))
	interval, ok := s.Interval("t1")
	require.True(t, ok)
	assert.Equal(t, 150*time.Second, interval)
}

func TestListScheduled(t *testing.T) {
	s, _, _ := newTestScheduler(t, &runRecorder{})
	require.NoError(t, s.Schedule(context.Background(), "t1", 200*time.Second))
	require.NoError(t, s.Schedule(context.Background(), "t2", 400*time.Second))

	assert.ElementsMatch(t, []string{"t1", "t2"}, s.ListScheduled())

	s.Cancel(context.Background(), "t1")
	assert.Equal(t, []string{"t2"}, s.ListScheduled())
}

func TestScheduledTickRunsWorkerAndPublishes(t *testing.T) {
	rec := &runRecorder{}
	s, ticks, rdb := newTestScheduler(t, rec)
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, Channel("krawall"))
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Schedule(ctx, "t1", 400*time.Second))
	ticks.tick("refresh:t1")

	select {
	case msg := <-sub.Channel():
		var note Notification
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &note))
		assert.Equal(t, "t1", note.TargetID)
		assert.Equal(t, TriggeredScheduled, note.TriggeredBy)
		assert.False(t, note.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no token-refreshed notification published")
	}
	assert.Equal(t, 1, rec.count())

	st, err := s.Status(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, st.LastRefreshStatus)
	assert.True(t, st.IsActive)
	assert.EqualValues(t, 300000, st.RefreshIntervalMS)
}

func TestFailedRefreshBumpsConsecutiveFailures(t *testing.T) {
	rec := &runRecorder{err: errors.New("browser crashed")}
	s, ticks, _ := newTestScheduler(t, rec)
	ctx := context.Background()

	require.NoError(t, s.Schedule(ctx, "t1", 100*time.Second))
	ticks.tick("refresh:t1")
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	ticks.tick("refresh:t1")
	require.Eventually(t, func() bool {
		st, err := s.Status(ctx, "t1")
		return err == nil && st.ConsecutiveFailures == 2
	}, 2*time.Second, 10*time.Millisecond)

	st, err := s.Status(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, st.LastRefreshStatus)
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	rec := &runRecorder{err: errors.New("flaky")}
	s, ticks, _ := newTestScheduler(t, rec)
	ctx := context.Background()

	require.NoError(t, s.Schedule(ctx, "t1", 100*time.Second))
	ticks.tick("refresh:t1")
	require.Eventually(t, func() bool {
		st, _ := s.Status(ctx, "t1")
		return st.ConsecutiveFailures == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	rec.err = nil
	rec.mu.Unlock()
	ticks.tick("refresh:t1")
	require.Eventually(t, func() bool {
		st, _ := s.Status(ctx, "t1")
		return st.LastRefreshStatus == StatusSuccess && st.ConsecutiveFailures == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelClearsScheduleAndStatus(t *testing.T) {
	s, ticks, rdb := newTestScheduler(t, &runRecorder{})
	ctx := context.Background()

	require.NoError(t, s.Schedule(ctx, "t1", 100*time.Second))
	require.True(t, s.IsScheduled("t1"))

	s.Cancel(ctx, "t1")
	assert.False(t, s.IsScheduled("t1"))
	exists, err := rdb.Exists(ctx, "krawall:refresh-status:t1").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)

	ticks.mu.Lock()
	assert.True(t, ticks.created["refresh:t1"].stopped)
	ticks.mu.Unlock()
}

func TestForceRefreshPublishesManualTrigger(t *testing.T) {
	rec := &runRecorder{}
	s, _, rdb := newTestScheduler(t, rec)
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, Channel("krawall"))
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	s.ForceRefresh(ctx, "t1")

	select {
	case msg := <-sub.Channel():
		var note Notification
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &note))
		assert.Equal(t, TriggeredManual, note.TriggeredBy)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification for manual refresh")
	}
	assert.Equal(t, 1, rec.count())
}

func TestRescheduleReplacesTicker(t *testing.T) {
	s, ticks, _ := newTestScheduler(t, &runRecorder{})
	ctx := context.Background()

	require.NoError(t, s.Schedule(ctx, "t1", 100*time.Second))
	first := ticks.created["refresh:t1"]
	require.NoError(t, s.Schedule(ctx, "t1", 200*time.Second))

	assert.True(t, first.stopped)
	interval, ok := s.Interval("t1")
	require.True(t, ok)
	assert.Equal(t, 150*time.Second, interval)
}

func TestNotificationChannelName(t *testing.T) {
	assert.Equal(t, "krawall:token-refreshed", Channel(""))
	assert.Equal(t, "acme:token-refreshed", Channel("acme"))
}
