package cache

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jason-s-yu/cambia-lobby/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func countingLoader(calls *int32, l *models.Lobby) Loader {
	return func(context.Context) (*models.Lobby, error) {
		atomic.AddInt32(calls, 1)
		return l, nil
	}
}

func TestGetOrLoadCachesInProcess(t *testing.T) {
	c := New(Config{TTL: time.Minute, Logger: quietLogger()})
	ctx := context.Background()
	var calls int32
	src := &models.Lobby{ID: 7, Title: "seven", MaxUsers: 4, MemberIDs: []int64{1}}

	got, err := c.GetOrLoad(ctx, 7, countingLoader(&calls, src))
	require.NoError(t, err)
	assert.Equal(t, "seven", got.Title)

	got.MemberIDs[0] = 99
	again, err := c.GetOrLoad(ctx, 7, countingLoader(&calls, src))
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, again.MemberIDs, "callers get copies")
	assert.EqualValues(t, 1, calls)
}

func TestGetOrLoadExpires(t *testing.T) {
	c := New(Config{TTL: 10 * time.Millisecond, Logger: quietLogger()})
	ctx := context.Background()
	var calls int32
	src := &models.Lobby{ID: 1, Title: "one"}

	_, err := c.GetOrLoad(ctx, 1, countingLoader(&calls, src))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = c.GetOrLoad(ctx, 1, countingLoader(&calls, src))
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls)
}

func TestGetOrLoadDoesNotCacheErrors(t *testing.T) {
	c := New(Config{Logger: quietLogger()})
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := c.GetOrLoad(ctx, 3, func(context.Context) (*models.Lobby, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	got, err := c.GetOrLoad(ctx, 3, func(context.Context) (*models.Lobby, error) {
		return &models.Lobby{ID: 3, Title: "three"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "three", got.Title)
}

func TestConcurrentMissesShareOneLoad(t *testing.T) {
	c := New(Config{TTL: time.Minute, Logger: quietLogger()})
	ctx := context.Background()
	var calls int32
	release := make(chan struct{})
	loader := func(context.Context) (*models.Lobby, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &models.Lobby{ID: 5, Title: "five"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := c.GetOrLoad(ctx, 5, loader)
			assert.NoError(t, err)
			assert.Equal(t, "five", l.Title)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.EqualValues(t, 1, calls)
}

func TestInvalidateDuringLoadDiscardsOvertakenValue(t *testing.T) {
	c := New(Config{TTL: time.Minute, Logger: quietLogger()})
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan *models.Lobby, 1)
	go func() {
		l, err := c.GetOrLoad(ctx, 5, func(context.Context) (*models.Lobby, error) {
			close(started)
			<-release
			return &models.Lobby{ID: 5, Title: "stale"}, nil
		})
		assert.NoError(t, err)
		done <- l
	}()

	<-started
	require.NoError(t, c.Invalidate(ctx, 5))
	close(release)
	assert.Equal(t, "stale", (<-done).Title, "the overtaken caller still gets its own result")

	_, cached := c.getL1(5)
	assert.False(t, cached)
	got, err := c.GetOrLoad(ctx, 5, func(context.Context) (*models.Lobby, error) {
		return &models.Lobby{ID: 5, Title: "fresh"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.Title)
}

func TestLoadAfterInvalidateDoesNotJoinOvertakenFlight(t *testing.T) {
	c := New(Config{TTL: time.Minute, Logger: quietLogger()})
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	go func() {
		_, _ = c.GetOrLoad(ctx, 6, func(context.Context) (*models.Lobby, error) {
			close(started)
			<-release
			return &models.Lobby{ID: 6, Title: "stale"}, nil
		})
	}()

	<-started
	require.NoError(t, c.Invalidate(ctx, 6))
	got, err := c.GetOrLoad(ctx, 6, func(context.Context) (*models.Lobby, error) {
		return &models.Lobby{ID: 6, Title: "fresh"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.Title)
}

func TestInvalidateForcesReload(t *testing.T) {
	c := New(Config{TTL: time.Minute, Logger: quietLogger()})
	ctx := context.Background()
	var calls int32
	src := &models.Lobby{ID: 9, Title: "before"}

	_, err := c.GetOrLoad(ctx, 9, countingLoader(&calls, src))
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, 9))

	src = &models.Lobby{ID: 9, Title: "after"}
	got, err := c.GetOrLoad(ctx, 9, countingLoader(&calls, src))
	require.NoError(t, err)
	assert.Equal(t, "after", got.Title)
	assert.EqualValues(t, 2, calls)
}

// redisClient connects to a local Redis, skipping the test when none is running.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rdb, err := ConnectRedis(ctx, "localhost:6379", 15)
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisSharedLevel(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	prefix := "test:" + t.Name() + ":"

	a := New(Config{Redis: rdb, KeyPrefix: prefix, TTL: time.Minute, Logger: quietLogger()})
	b := New(Config{Redis: rdb, KeyPrefix: prefix, TTL: time.Minute, Logger: quietLogger()})
	t.Cleanup(func() { _ = a.Invalidate(context.Background(), 11) })

	a.Warm(ctx, &models.Lobby{ID: 11, Title: "shared", PasswordHash: "hash"})

	got, err := b.GetOrLoad(ctx, 11, func(context.Context) (*models.Lobby, error) {
		t.Fatal("loader should not run when redis has the lobby")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "shared", got.Title)
	assert.Equal(t, "hash", got.PasswordHash)
}

func TestRedisInvalidationReachesOtherInstances(t *testing.T) {
	rdb := redisClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prefix := "test:" + t.Name() + ":"

	a := New(Config{Redis: rdb, KeyPrefix: prefix, TTL: time.Minute, Logger: quietLogger()})
	b := New(Config{Redis: rdb, KeyPrefix: prefix, TTL: time.Minute, Logger: quietLogger()})
	go func() { _ = b.Listen(ctx) }()
	time.Sleep(50 * time.Millisecond)

	b.Warm(ctx, &models.Lobby{ID: 12, Title: "stale"})
	require.NoError(t, a.Invalidate(ctx, 12))

	assert.Eventually(t, func() bool {
		_, ok := b.getL1(12)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestConnectRedisWithoutAddress(t *testing.T) {
	rdb, err := ConnectRedis(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Nil(t, rdb)
}
