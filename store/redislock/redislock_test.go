package redislock_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/aporte-ledger/store/redislock"
)

func TestNewClient_BadURL(t *testing.T) {
	_, err := redislock.NewClient(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestAcquire_ServerDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := redislock.New(client).Acquire(ctx, "account:alice")
	assert.Error(t, err)
}

// The remaining tests need a live server:
//
//	LEDGER_TEST_REDIS_URL=redis://localhost:6379/15
func liveClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("LEDGER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("LEDGER_TEST_REDIS_URL not set")
	}
	client, err := redislock.NewClient(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestAcquire_MutualExclusion(t *testing.T) {
	client := liveClient(t)
	locker := redislock.New(client, redislock.WithPollInterval(5*time.Millisecond))
	key := "account:" + uuid.NewString()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(ctx, key)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestAcquire_ContextDeadline(t *testing.T) {
	client := liveClient(t)
	locker := redislock.New(client)
	key := "account:" + uuid.NewString()

	release, err := locker.Acquire(context.Background(), key)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRelease_OnlyOwnerToken(t *testing.T) {
	client := liveClient(t)
	locker := redislock.New(client, redislock.WithTTL(50*time.Millisecond))
	key := "account:" + uuid.NewString()
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, key)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond) // expires

	fresh, err := redislock.New(client).Acquire(ctx, key)
	require.NoError(t, err)
	defer fresh()

	stale() // must not free the new holder's lock
	exists, err := client.Exists(ctx, "lock:"+key).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)
}

func TestRelease_ConcurrentCallsRunOnce(t *testing.T) {
	client := liveClient(t)
	locker := redislock.New(client, redislock.WithPollInterval(5*time.Millisecond))
	key := "account:" + uuid.NewString()
	ctx := context.Background()

	release, err := locker.Acquire(ctx, key)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release()
		}()
	}
	wg.Wait()

	next, err := locker.Acquire(ctx, key)
	require.NoError(t, err)
	defer next()

	release() // already spent, must not touch the new holder
	exists, err := client.Exists(ctx, "lock:"+key).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)
}
