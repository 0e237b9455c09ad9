package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
)

func init() {
	logger.Log = zap.NewNop()
}

func TestResolverCache_GetPut(t *testing.T) {
	c := NewResolverCache(time.Minute)

	_, ok := c.Get("inst-1")
	assert.False(t, ok)

	c.Put("inst-1", "clinic-1")
	clinicID, ok := c.Get("inst-1")
	assert.True(t, ok)
	assert.Equal(t, "clinic-1", clinicID)
}

func TestResolverCache_Expiry(t *testing.T) {
	c := NewResolverCache(10 * time.Millisecond)
	c.Put("inst-1", "clinic-1")

	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("inst-1")
	assert.False(t, ok)
}

func TestResolverCache_Invalidate(t *testing.T) {
	c := NewResolverCache(time.Minute)
	c.Put("inst-1", "clinic-1")

	c.Invalidate("inst-1")

	_, ok := c.Get("inst-1")
	assert.False(t, ok)
}

func TestResolverCache_Purge(t *testing.T) {
	c := NewResolverCache(10 * time.Millisecond)
	c.Put("inst-old", "clinic-1")
	time.Sleep(20 * time.Millisecond)
	c.Put("inst-fresh", "clinic-2")

	c.Purge()

	stats := c.GetStats()
	assert.Equal(t, 1, stats.Size)

	clinicID, ok := c.Get("inst-fresh")
	assert.True(t, ok)
	assert.Equal(t, "clinic-2", clinicID)
}

func TestResolverCache_HousekeepingPurgesExpired(t *testing.T) {
	c := NewResolverCache(10 * time.Millisecond)
	c.Put("inst-old", "clinic-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		c.StartHousekeeping(ctx, 20*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return c.GetStats().Size == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("housekeeping loop did not stop on cancel")
	}
}

func TestResolverCache_Stats(t *testing.T) {
	c := NewResolverCache(time.Minute)
	c.Put("inst-1", "clinic-1")

	c.Get("inst-1")
	c.Get("inst-1")
	c.Get("inst-miss")

	stats := c.GetStats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.6667, stats.HitRate, 0.01)
}
