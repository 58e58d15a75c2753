package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(context.Context) Status { return Status{Healthy: true} }

func TestRegistryEmpty(t *testing.T) {
	ok, statuses := NewRegistry(time.Second).CheckAll(context.Background())
	assert.True(t, ok)
	assert.Empty(t, statuses)
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("database", healthy)
	r.Register("redis", func(context.Context) Status {
		return Status{Healthy: false, Detail: "connection refused"}
	})

	ok, statuses := r.CheckAll(context.Background())
	assert.False(t, ok)
	require.Len(t, statuses, 2)
	assert.Equal(t, "database", statuses[0].Name)
	assert.Equal(t, "redis", statuses[1].Name)
	assert.Equal(t, "connection refused", statuses[1].Detail)
}

func TestRegistryTimesOutSlowChecks(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	r.Register("chain", func(ctx context.Context) Status {
		<-ctx.Done()
		return result(ctx.Err())
	})

	ok, statuses := r.CheckAll(context.Background())
	assert.False(t, ok)
	assert.Contains(t, statuses[0].Detail, "deadline")
}

func TestChain(t *testing.T) {
	st := Chain(func(context.Context) (uint64, error) { return 42, nil })(context.Background())
	assert.True(t, st.Healthy)
	assert.Equal(t, "head 42", st.Detail)

	st = Chain(func(context.Context) (uint64, error) { return 0, errors.New("dial tcp: refused") })(context.Background())
	assert.False(t, st.Healthy)
}

func TestRedisUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
	defer client.Close()

	st := Redis(client)(context.Background())
	assert.False(t, st.Healthy)
	assert.NotEmpty(t, st.Detail)
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry(time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", healthy)
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
