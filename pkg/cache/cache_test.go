package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetDelete(t *testing.T) {
	c := NewTTL[string](time.Minute)
	defer c.Close()

	_, ok := c.Get("k")
	assert.False(t, ok)

	require.NoError(t, c.Set("k", "v"))
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	assert.True(t, c.Delete("k"))
	assert.False(t, c.Delete("k"))
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestEmptyKeyRejected(t *testing.T) {
	c := NewTTL[int](time.Minute)
	defer c.Close()
	assert.Error(t, c.Set("", 1))
}

func TestExpiryOnRead(t *testing.T) {
	now := time.Unix(0, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	c := NewTTL[int](10*time.Second, WithNowFunc[int](clock))
	defer c.Close()

	require.NoError(t, c.Set("k", 1))
	_, ok := c.Get("k")
	assert.True(t, ok)

	mu.Lock()
	now = now.Add(11 * time.Second)
	mu.Unlock()

	_, ok = c.Get("k")
	assert.False(t, ok, "expired entry must not be returned")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestStatsCounting(t *testing.T) {
	c := NewTTL[int](time.Minute)
	defer c.Close()

	require.NoError(t, c.Set("a", 1))
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
	assert.Equal(t, 1, stats.Size)
}

func TestPrometheusOption(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewTTL[int](time.Minute, WithPrometheus[int](reg, "test_cache"))
	defer c.Close()

	require.NoError(t, c.Set("a", 1))
	c.Get("a")
	c.Get("missing")

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["test_cache_hits_total"])
	assert.True(t, names["test_cache_misses_total"])
	assert.True(t, names["test_cache_size"])
}

func TestConcurrentAccess(t *testing.T) {
	const goroutines = 8
	const perGoroutine = 500

	c := NewTTL[int](time.Minute)
	defer c.Close()

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				key := string(rune('a'+g)) + "-key"
				_ = c.Set(key, i)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()

	stats := c.Stats()
	assert.Equal(t, int64(goroutines*perGoroutine), stats.Sets, "no lost updates")
}
