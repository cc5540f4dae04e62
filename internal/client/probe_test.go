package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// clockPinger は1往復に latency かかったように時計を進めます。
type clockPinger struct {
	clock   *fakeClock
	latency time.Duration
	err     error
	calls   int
}

func (p *clockPinger) Ping(ctx context.Context) error {
	p.calls++
	p.clock.Advance(p.latency)
	return p.err
}

func TestProberClassifiesLatency(t *testing.T) {
	tests := []struct {
		name    string
		latency time.Duration
		want    SpeedClass
	}{
		{"fast", 120 * time.Millisecond, SpeedFast},
		{"fast boundary is medium", 300 * time.Millisecond, SpeedMedium},
		{"medium", 700 * time.Millisecond, SpeedMedium},
		{"medium boundary is slow", time.Second, SpeedSlow},
		{"slow", 2500 * time.Millisecond, SpeedSlow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			cfg := DefaultProberConfig
			cfg.Now = clock.Now
			p := NewProber(&clockPinger{clock: clock, latency: tt.latency}, cfg)
			assert.Equal(t, tt.want, p.Measure(context.Background()))
		})
	}
}

func TestProberFailureIsSlow(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultProberConfig
	cfg.Now = clock.Now
	p := NewProber(&clockPinger{clock: clock, latency: time.Millisecond, err: errors.New("connection refused")}, cfg)

	assert.Equal(t, SpeedSlow, p.Measure(context.Background()))
}

type blockingPinger struct{}

func (blockingPinger) Ping(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestProberTimeoutIsSlow(t *testing.T) {
	p := NewProber(blockingPinger{}, ProberConfig{Timeout: 10 * time.Millisecond})

	started := time.Now()
	assert.Equal(t, SpeedSlow, p.Measure(context.Background()))
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestProberCachesWithinTTL(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultProberConfig
	cfg.Now = clock.Now
	pinger := &clockPinger{clock: clock, latency: 50 * time.Millisecond}
	p := NewProber(pinger, cfg)

	require.Equal(t, SpeedFast, p.Measure(context.Background()))
	require.Equal(t, 1, pinger.calls)

	// TTL 内は回線が遅くなっても再計測しない
	pinger.latency = 3 * time.Second
	clock.Advance(30 * time.Second)
	assert.Equal(t, SpeedFast, p.Measure(context.Background()))
	assert.Equal(t, 1, pinger.calls)

	cached, ok := p.Cached()
	require.True(t, ok)
	assert.Equal(t, SpeedFast, cached.SpeedClass)

	clock.Advance(31 * time.Second)
	assert.Equal(t, SpeedSlow, p.Measure(context.Background()))
	assert.Equal(t, 2, pinger.calls)
}

func TestProberInvalidate(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultProberConfig
	cfg.Now = clock.Now
	pinger := &clockPinger{clock: clock, latency: 50 * time.Millisecond}
	p := NewProber(pinger, cfg)

	p.Measure(context.Background())
	p.Invalidate()
	_, ok := p.Cached()
	assert.False(t, ok)

	p.Measure(context.Background())
	assert.Equal(t, 2, pinger.calls)
}

func TestProberInstancesDoNotShareCache(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultProberConfig
	cfg.Now = clock.Now

	fast := NewProber(&clockPinger{clock: clock, latency: 10 * time.Millisecond}, cfg)
	slow := NewProber(&clockPinger{clock: clock, latency: 2 * time.Second}, cfg)

	assert.Equal(t, SpeedFast, fast.Measure(context.Background()))
	assert.Equal(t, SpeedSlow, slow.Measure(context.Background()))
}
