package tracking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/relayforge/internal/client"
)

// ErrAlreadyStarted は同じ Poller を2回開始しようとしたことを表します。
var ErrAlreadyStarted = errors.New("poller already started")

// StatusFetcher はジョブの状態を取得します。*client.API が実装します。
// ジョブが見つからない場合は client.ErrSessionExpired に一致するエラーを返します。
type StatusFetcher interface {
	JobStatus(ctx context.Context, jobID string) (*client.JobStatus, error)
}

// Event はポーリング1回分の結果です。
//   - Err が nil 以外で Expired が false: 一時的な取得失敗。ポーリングは続きます
//   - Expired: ジョブの有効期限切れ。失敗とは区別され、ポーリングは止まります
//   - それ以外: Status と Transition が入ります
type Event struct {
	JobID      string
	Status     *client.JobStatus
	Transition Transition
	Expired    bool
	Err        error

	stop func()
}

// Stop はコールバックの中からポーリングを止めます。実行中のコールバックの終了は待ちません。
func (e Event) Stop() {
	if e.stop != nil {
		e.stop()
	}
}

// Terminal はこのイベントでポーリングが終わるかを返します。
func (e Event) Terminal() bool {
	return e.Expired || e.Transition.Terminal()
}

// PollerConfig はポーリング間隔と1回あたりのタイムアウトです。
type PollerConfig struct {
	Interval     time.Duration
	FetchTimeout time.Duration
}

// DefaultPollerConfig は 2 秒間隔です。
var DefaultPollerConfig = PollerConfig{
	Interval:     2 * time.Second,
	FetchTimeout: 10 * time.Second,
}

// Poller は一定間隔でジョブの状態を取得し、終端状態で自動的に止まります。
// 1つの Poller は1つのジョブを1回だけ追跡します。
type Poller struct {
	fetcher StatusFetcher
	cfg     PollerConfig
	logger  zerolog.Logger

	started atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	// mu はコールバック実行中に保持し、Stop と競合した取得結果を捨てるために使う
	mu      sync.Mutex
	onEvent func(Event)
}

// NewPoller は Poller を作成します。
func NewPoller(fetcher StatusFetcher, cfg PollerConfig, logger zerolog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollerConfig.Interval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultPollerConfig.FetchTimeout
	}
	return &Poller{
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start はすぐに1回目の取得を行い、以後 Interval ごとに取得します。
// onEvent はポーリング用の goroutine から順番に呼ばれます。
// onEvent の中で止めるときは Poller.Stop ではなく Event.Stop を使います。
func (p *Poller) Start(ctx context.Context, jobID string, onEvent func(Event)) error {
	if jobID == "" {
		return errors.New("job id is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started.Load() {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.onEvent = onEvent
	p.started.Store(true)

	go p.run(ctx, jobID)
	return nil
}

// Stop はポーリングを止めます。何回呼んでも安全です。
// 実行中のコールバックがあれば終わるまで待ち、戻った後に新しいコールバックは呼ばれません。
// 実行中の取得結果は捨てられます。onEvent の中からは呼べません（Event.Stop を使います）。
func (p *Poller) Stop() {
	if !p.started.Load() {
		return
	}
	p.halt()
	p.mu.Lock()
	defer p.mu.Unlock()
}

// Wait はポーリングの goroutine が終了するまで待ちます。
func (p *Poller) Wait() {
	if !p.started.Load() {
		return
	}
	<-p.done
}

// Done はポーリング終了時に閉じられるチャネルを返します。
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

func (p *Poller) halt() bool {
	if !p.stopped.CompareAndSwap(false, true) {
		return false
	}
	p.cancel()
	return true
}

func (p *Poller) run(ctx context.Context, jobID string) {
	defer close(p.done)
	log := p.logger.With().Str("job_id", jobID).Logger()
	log.Debug().Dur("interval", p.cfg.Interval).Msg("job polling started")

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if p.tick(ctx, jobID, log) {
			p.halt()
			log.Debug().Msg("job polling stopped")
			return
		}
		select {
		case <-ctx.Done():
			p.halt()
			log.Debug().Msg("job polling stopped")
			return
		case <-ticker.C:
		}
	}
}

// tick は1回分の取得を行い、ポーリングを終えるべきなら true を返します。
func (p *Poller) tick(ctx context.Context, jobID string, log zerolog.Logger) bool {
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	status, err := p.fetcher.JobStatus(fetchCtx, jobID)
	cancel()

	if ctx.Err() != nil {
		return true
	}

	ev := Event{JobID: jobID, stop: func() { p.halt() }}
	switch {
	case errors.Is(err, client.ErrSessionExpired):
		ev.Expired = true
		ev.Err = err
		log.Info().Msg("job expired")
	case err != nil:
		// 一時的な失敗は次の tick で再試行する。失敗の遷移にはしない
		ev.Err = err
		log.Debug().Err(err).Msg("job status fetch failed, will retry")
	case status == nil:
		ev.Err = errors.New("empty job status")
	default:
		ev.Status = status
		ev.Transition = Reduce(status.Status)
	}

	if !p.deliver(ev) {
		return true
	}
	return ev.Terminal()
}

func (p *Poller) deliver(ev Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped.Load() {
		return false
	}
	if p.onEvent != nil {
		p.onEvent(ev)
	}
	// コールバックの中で止められた
	return !p.stopped.Load()
}
