package client

import (
	"context"
	"sync"
	"time"
)

// SpeedClass は回線品質の粗い分類です。
type SpeedClass string

const (
	SpeedFast   SpeedClass = "fast"
	SpeedMedium SpeedClass = "medium"
	SpeedSlow   SpeedClass = "slow"
)

// Pinger は軽量な1往復を行います。
type Pinger interface {
	Ping(ctx context.Context) error
}

// SpeedMeasurer は現在の回線品質を返します。
type SpeedMeasurer interface {
	Measure(ctx context.Context) SpeedClass
}

// ProbeCache は直近の計測結果です。
type ProbeCache struct {
	SpeedClass SpeedClass
	MeasuredAt time.Time
}

// ProberConfig は計測のしきい値とキャッシュ期間です。
type ProberConfig struct {
	Timeout         time.Duration
	FastThreshold   time.Duration // これ未満なら fast
	MediumThreshold time.Duration // これ未満なら medium、以上は slow
	TTL             time.Duration
	Now             func() time.Time
}

// DefaultProberConfig は既定値です。
var DefaultProberConfig = ProberConfig{
	Timeout:         3 * time.Second,
	FastThreshold:   300 * time.Millisecond,
	MediumThreshold: time.Second,
	TTL:             time.Minute,
}

// Prober は1往復の所要時間から回線品質を推定し、短時間だけ結果を保持します。
// キャッシュはインスタンスが所有するため、テストごとに独立した状態を持てます。
type Prober struct {
	pinger Pinger
	cfg    ProberConfig

	mu    sync.Mutex
	cache *ProbeCache
}

// NewProber は Prober を作成します。未設定の項目は既定値で補います。
func NewProber(pinger Pinger, cfg ProberConfig) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProberConfig.Timeout
	}
	if cfg.FastThreshold <= 0 {
		cfg.FastThreshold = DefaultProberConfig.FastThreshold
	}
	if cfg.MediumThreshold <= cfg.FastThreshold {
		cfg.MediumThreshold = max(DefaultProberConfig.MediumThreshold, cfg.FastThreshold)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultProberConfig.TTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Prober{pinger: pinger, cfg: cfg}
}

// Measure は回線品質を返します。キャッシュが新しければ再計測しません。
// タイムアウトや失敗は最も控えめな slow に分類します。
func (p *Prober) Measure(ctx context.Context) SpeedClass {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.cfg.Now()
	if p.cache != nil && now.Sub(p.cache.MeasuredAt) < p.cfg.TTL {
		return p.cache.SpeedClass
	}

	class := p.probe(ctx)
	p.cache = &ProbeCache{SpeedClass: class, MeasuredAt: p.cfg.Now()}
	return class
}

func (p *Prober) probe(ctx context.Context) SpeedClass {
	if p.pinger == nil {
		return SpeedSlow
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	started := p.cfg.Now()
	if err := p.pinger.Ping(ctx); err != nil {
		return SpeedSlow
	}
	return p.classify(p.cfg.Now().Sub(started))
}

func (p *Prober) classify(elapsed time.Duration) SpeedClass {
	switch {
	case elapsed < p.cfg.FastThreshold:
		return SpeedFast
	case elapsed < p.cfg.MediumThreshold:
		return SpeedMedium
	default:
		return SpeedSlow
	}
}

// Cached は保持中の計測結果を返します。
func (p *Prober) Cached() (ProbeCache, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cache == nil {
		return ProbeCache{}, false
	}
	return *p.cache, true
}

// Invalidate はキャッシュを破棄します。
func (p *Prober) Invalidate() {
	p.mu.Lock()
	p.cache = nil
	p.mu.Unlock()
}
