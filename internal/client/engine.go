package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/relayforge/internal/retry"
)

// ChunkSender は1チャンクを送信します。
type ChunkSender interface {
	SendChunk(ctx context.Context, uploadID string, index int, body io.Reader, size int64) error
}

// ProgressFunc は送信済みバイト数と合計を通知します。値は単調増加します。
type ProgressFunc func(sent, total int64)

// EngineConfig はチャンク送信の再試行とタイムアウトです。
type EngineConfig struct {
	Retry        retry.Policy
	ChunkTimeout time.Duration
}

// DefaultEngineConfig は 3 回試行（1s, 2s 待ち、上限 8s）、1チャンク 60 秒です。
var DefaultEngineConfig = EngineConfig{
	Retry:        retry.DefaultPolicy,
	ChunkTimeout: 60 * time.Second,
}

// Engine は未送信チャンクを並列度ごとのバッチで送信します。
// バッチ内は並行に送り、バッチ全体が終わるまで次のバッチは始めません。
type Engine struct {
	sender   ChunkSender
	sessions *SessionStore
	cfg      EngineConfig
	logger   zerolog.Logger
}

// NewEngine は Engine を作成します。
func NewEngine(sender ChunkSender, sessions *SessionStore, cfg EngineConfig, logger zerolog.Logger) *Engine {
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = DefaultEngineConfig.ChunkTimeout
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = DefaultEngineConfig.Retry
	}
	return &Engine{sender: sender, sessions: sessions, cfg: cfg, logger: logger}
}

// Send は session に未記録のチャンクをすべて送信します。
//
// 成功したチャンクは都度 session に追加して永続化します。あるチャンクが再試行上限に達すると
// TransferError を返しますが、確定済みのチャンクは残るため再実行時はそこから再開します。
// キャンセル時は ErrCancelled を返し、キャンセル後に完了した送信結果は記録しません。
func (e *Engine) Send(ctx context.Context, file File, session *UploadSession, concurrency int, progress ProgressFunc) error {
	if session == nil {
		return errors.New("session is nil")
	}
	if concurrency < 1 {
		concurrency = 1
	}

	pending := session.Pending()
	total := session.FileSize
	var (
		mu   sync.Mutex
		sent = session.UploadedBytes()
	)
	if progress != nil {
		progress(sent, total)
	}

	log := e.logger.With().Str("upload_id", session.UploadID).Logger()
	log.Debug().Int("pending", len(pending)).Int("total", session.TotalChunks).Int("concurrency", concurrency).Msg("chunk transfer started")

	for start := 0; start < len(pending); start += concurrency {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		batch := pending[start:min(start+concurrency, len(pending))]

		var g errgroup.Group
		for _, index := range batch {
			g.Go(func() error {
				if err := e.sendChunk(ctx, file, session, index, log); err != nil {
					return err
				}

				mu.Lock()
				defer mu.Unlock()
				if ctx.Err() != nil {
					return ErrCancelled
				}
				session.MarkUploaded(index)
				if err := e.sessions.Save(context.WithoutCancel(ctx), session); err != nil {
					return fmt.Errorf("persist upload session: %w", err)
				}
				chunkStart, chunkEnd := ChunkRange(session.FileSize, session.ChunkSize, index)
				sent += chunkEnd - chunkStart
				if progress != nil {
					progress(sent, total)
				}
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrCancelled) {
				log.Debug().Msg("chunk transfer cancelled")
				return ErrCancelled
			}
			return err
		}
	}

	log.Debug().Msg("chunk transfer finished")
	return nil
}

func (e *Engine) sendChunk(ctx context.Context, file File, session *UploadSession, index int, log zerolog.Logger) error {
	start, end := ChunkRange(session.FileSize, session.ChunkSize, index)
	size := end - start

	err := retry.Do(ctx, e.cfg.Retry, func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.ChunkTimeout)
		defer cancel()
		body := io.NewSectionReader(file, start, size)
		return classify(e.sender.SendChunk(attemptCtx, session.UploadID, index, body, size))
	}, func(attempt int, err error, wait time.Duration) {
		log.Debug().Err(err).Int("index", index).Int("attempt", attempt).Dur("wait", wait).Msg("chunk send failed, retrying")
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ErrCancelled
	}
	if errors.Is(err, retry.ErrExhausted) {
		log.Warn().Err(err).Int("index", index).Msg("chunk retries exhausted")
		return &TransferError{Index: index, Attempts: e.cfg.Retry.Attempts, Err: err}
	}
	return err
}
