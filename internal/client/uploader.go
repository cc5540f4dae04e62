package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yourusername/relayforge/internal/retry"
)

// SingleUploadThreshold 未満のファイルは1回のリクエストで送信します。
const SingleUploadThreshold int64 = 10 * MiB

// Backend はサーバー側のアップロード API です。*API が実装します。
type Backend interface {
	ChunkSender
	InitUpload(ctx context.Context, in InitRequest) (*InitResponse, error)
	CompleteUpload(ctx context.Context, uploadID string) (*JobHandle, error)
	UploadSingle(ctx context.Context, file File, operation, uploadKey string, fields map[string]string, progress func(n int64)) (*JobHandle, error)
}

// Options は1回のアップロードに対する指定です。
type Options struct {
	Operation string            // サーバー側で実行する処理（例: inspect）
	Fields    map[string]string // 処理へ渡す追加オプション
	Mobile    bool              // モバイル端末なら最小チャンク・直列送信
	Progress  ProgressFunc
}

// UploaderConfig は送信方式の切り替えと再試行の設定です。
type UploaderConfig struct {
	SingleThreshold int64
	SingleRetry     retry.Policy
	CompleteRetry   retry.Policy
	Engine          EngineConfig
	Planner         Planner
}

// DefaultUploaderConfig は既定値です。
var DefaultUploaderConfig = UploaderConfig{
	SingleThreshold: SingleUploadThreshold,
	SingleRetry:     retry.DefaultPolicy,
	CompleteRetry:   retry.DefaultPolicy,
	Engine:          DefaultEngineConfig,
	Planner:         DefaultPlanner,
}

// Uploader はファイルサイズに応じて単一送信と分割送信を選び、ジョブ作成までを行います。
type Uploader struct {
	backend  Backend
	prober   SpeedMeasurer
	sessions *SessionStore
	engine   *Engine
	cfg      UploaderConfig
	logger   zerolog.Logger
}

// NewUploader は Uploader を作成します。
func NewUploader(backend Backend, prober SpeedMeasurer, sessions *SessionStore, cfg UploaderConfig, logger zerolog.Logger) *Uploader {
	if cfg.SingleThreshold <= 0 {
		cfg.SingleThreshold = DefaultUploaderConfig.SingleThreshold
	}
	if cfg.SingleRetry.Attempts <= 0 {
		cfg.SingleRetry = DefaultUploaderConfig.SingleRetry
	}
	if cfg.CompleteRetry.Attempts <= 0 {
		cfg.CompleteRetry = DefaultUploaderConfig.CompleteRetry
	}
	return &Uploader{
		backend:  backend,
		prober:   prober,
		sessions: sessions,
		engine:   NewEngine(backend, sessions, cfg.Engine, logger),
		cfg:      cfg,
		logger:   logger,
	}
}

// Upload はファイルを送信し、作成されたジョブを返します。
// 1回の論理的なアップロードにつき作成されるジョブは1つだけです。
func (u *Uploader) Upload(ctx context.Context, file File, opts Options) (*JobHandle, error) {
	if file == nil {
		return nil, errors.New("file is nil")
	}
	if file.Size() < u.cfg.SingleThreshold {
		return u.uploadSingle(ctx, file, opts)
	}

	handle, err := u.uploadChunked(ctx, file, opts, true)
	if err != nil && IsUploadNotFound(err) && !errors.Is(err, ErrTransferFailed) {
		// サーバー側のセッションが失効していたので、新しいセッションでやり直す
		u.logger.Info().Str("file", file.Name()).Msg("server forgot the upload session, starting over")
		if clearErr := u.sessions.Clear(ctx); clearErr != nil {
			return nil, clearErr
		}
		handle, err = u.uploadChunked(ctx, file, opts, false)
	}
	return handle, err
}

func (u *Uploader) uploadSingle(ctx context.Context, file File, opts Options) (*JobHandle, error) {
	// 応答を失った再送でもサーバーが同じジョブを返せるよう、キーは再試行をまたいで共有する
	uploadKey := uuid.NewString()
	var handle *JobHandle
	err := retry.Do(ctx, u.cfg.SingleRetry, func(ctx context.Context, attempt int) error {
		var sent atomic.Int64
		report := func(n int64) {
			if opts.Progress != nil {
				opts.Progress(sent.Add(n), file.Size())
			}
		}
		h, err := u.backend.UploadSingle(ctx, file, opts.Operation, uploadKey, opts.Fields, report)
		if err != nil {
			return classify(err)
		}
		handle = h
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		u.logger.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("single upload failed, retrying")
	})
	if err != nil {
		return nil, translateCancel(ctx, err)
	}
	return handle, nil
}

func (u *Uploader) uploadChunked(ctx context.Context, file File, opts Options, resume bool) (*JobHandle, error) {
	var session *UploadSession
	if resume {
		loaded, err := u.sessions.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load upload session: %w", err)
		}
		session = loaded
	}

	if session != nil && !session.Matches(file.Name(), file.Size()) {
		if err := u.sessions.Clear(ctx); err != nil {
			return nil, err
		}
		session = nil
	}

	// 前回 complete まで成功していた場合は同じジョブを返し、二重に作成しない
	if session != nil && session.JobID != "" {
		handle := &JobHandle{JobID: session.JobID, Status: StatusQueued}
		if err := u.sessions.Clear(ctx); err != nil {
			return nil, err
		}
		return handle, nil
	}

	var plan Plan
	if session != nil {
		plan = u.cfg.Planner.Plan(file.Size(), opts.Mobile, SpeedSlow, session)
		u.logger.Info().
			Str("upload_id", session.UploadID).
			Int("uploaded", len(session.UploadedChunkIndices)).
			Int("total", session.TotalChunks).
			Msg("resuming upload session")
	} else {
		speed := SpeedSlow
		if !opts.Mobile && u.prober != nil {
			speed = u.prober.Measure(ctx)
		}
		plan = u.cfg.Planner.Plan(file.Size(), opts.Mobile, speed, nil)

		created, err := u.initSession(ctx, file, opts, plan)
		if err != nil {
			return nil, err
		}
		session = created
		u.logger.Info().
			Str("upload_id", session.UploadID).
			Str("speed", string(speed)).
			Int64("chunk_size", session.ChunkSize).
			Int("chunks", session.TotalChunks).
			Int("parallelism", plan.Parallelism).
			Msg("upload session created")
	}

	if err := u.engine.Send(ctx, file, session, plan.Parallelism, opts.Progress); err != nil {
		return nil, err
	}

	handle, err := u.complete(ctx, session)
	if err != nil {
		return nil, err
	}
	if err := u.sessions.Clear(ctx); err != nil {
		u.logger.Warn().Err(err).Str("upload_id", session.UploadID).Msg("failed to clear upload session")
	}
	return handle, nil
}

func (u *Uploader) initSession(ctx context.Context, file File, opts Options, plan Plan) (*UploadSession, error) {
	var resp *InitResponse
	err := retry.Do(ctx, u.cfg.SingleRetry, func(ctx context.Context, attempt int) error {
		r, err := u.backend.InitUpload(ctx, InitRequest{
			Filename:    file.Name(),
			TotalSize:   file.Size(),
			ChunkSize:   plan.ChunkSize,
			TotalChunks: plan.TotalChunks,
			Operation:   opts.Operation,
			Options:     opts.Fields,
		})
		if err != nil {
			return classify(err)
		}
		resp = r
		return nil
	}, nil)
	if err != nil {
		return nil, translateCancel(ctx, err)
	}

	// サーバーが確定した計画を正とする
	if resp.TotalChunks != TotalChunks(file.Size(), resp.ChunkSize) {
		return nil, fmt.Errorf("server returned inconsistent chunk plan: size=%d chunk=%d total=%d", file.Size(), resp.ChunkSize, resp.TotalChunks)
	}
	session := NewUploadSession(resp.UploadID, file, resp.ChunkSize, resp.TotalChunks, plan.Parallelism)
	if err := u.sessions.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("persist upload session: %w", err)
	}
	return session, nil
}

func (u *Uploader) complete(ctx context.Context, session *UploadSession) (*JobHandle, error) {
	var handle *JobHandle
	err := retry.Do(ctx, u.cfg.CompleteRetry, func(ctx context.Context, attempt int) error {
		h, err := u.backend.CompleteUpload(ctx, session.UploadID)
		if err != nil {
			return classify(err)
		}
		handle = h
		return nil
	}, nil)
	if err != nil {
		return nil, translateCancel(ctx, err)
	}

	// ジョブ ID を先に記録しておき、削除前に落ちても complete を再度呼ばずに済むようにする
	session.JobID = handle.JobID
	if err := u.sessions.Save(context.WithoutCancel(ctx), session); err != nil {
		u.logger.Warn().Err(err).Str("upload_id", session.UploadID).Msg("failed to record job id on upload session")
	}
	return handle, nil
}
