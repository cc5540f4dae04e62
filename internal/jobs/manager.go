package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/yourusername/relayforge/internal/config"
)

const (
	// QueueName は Asynq のキュー名です。
	QueueName = "uploads"
	// TaskTypeProcess はアップロード処理タスクの種別です。
	TaskTypeProcess = "upload:process"
)

// taskEnqueuer は *asynq.Client のうち Manager が使う部分です。
type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Manager はジョブの投入と状態管理を担います。
type Manager struct {
	client taskEnqueuer
	server *asynq.Server
	mux    *asynq.ServeMux
	store  *Store
	logger zerolog.Logger

	mu         sync.RWMutex
	processors map[string]Processor
}

// NewManager は Manager を初期化します。処理は Register で登録してください。
func NewManager(cfg *config.Config, store *Store, logger zerolog.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				QueueName: 1,
			},
			Logger: asynqLogger{logger: logger.With().Str("component", "asynq").Logger()},
		},
	)

	manager := newManager(asynq.NewClient(opt), store, logger)
	manager.server = server
	return manager, nil
}

func newManager(client taskEnqueuer, store *Store, logger zerolog.Logger) *Manager {
	m := &Manager{
		client:     client,
		mux:        asynq.NewServeMux(),
		store:      store,
		logger:     logger,
		processors: make(map[string]Processor),
	}
	m.mux.HandleFunc(TaskTypeProcess, m.handleTask)
	return m
}

// Register は operation に対応する処理を登録します。
func (m *Manager) Register(operation string, p Processor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processors[strings.ToLower(operation)] = p
}

// Supports は operation が登録済みかを返します。
func (m *Manager) Supports(operation string) bool {
	return m.processor(operation) != nil
}

func (m *Manager) processor(operation string) Processor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.processors[strings.ToLower(operation)]
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	if m.server == nil {
		return
	}
	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.logger.Error().Err(err).Msg("asynq server stopped with error")
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.server != nil {
		m.server.Shutdown()
	}
	return m.client.Close()
}

// Enqueue はジョブを作成してキューに投入し、ジョブ ID を返します。
func (m *Manager) Enqueue(ctx context.Context, payload *TaskPayload) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("payload is nil")
	}
	if payload.ObjectKey == "" {
		return "", fmt.Errorf("payload.ObjectKey is required")
	}
	if payload.JobID == "" {
		payload.JobID = uuid.NewString()
	}

	record := &Record{
		JobID:     payload.JobID,
		Operation: payload.Operation,
		UploadID:  payload.UploadID,
		ObjectKey: payload.ObjectKey,
		Filename:  payload.Filename,
		Size:      payload.Size,
		Options:   payload.Options,
	}
	if err := m.store.Create(ctx, record); err != nil {
		return "", err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	task := asynq.NewTask(TaskTypeProcess, body, asynq.Queue(QueueName))
	if _, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(1), asynq.TaskID(payload.JobID)); err != nil {
		_ = m.store.MarkFailed(context.WithoutCancel(ctx), payload.JobID, &ErrorInfo{
			Code:    "ENQUEUE_FAILED",
			Message: "ジョブの投入に失敗しました。",
		})
		return "", err
	}
	JobsEnqueuedTotal.WithLabelValues(payload.Operation).Inc()
	m.logger.Info().Str("job_id", payload.JobID).Str("operation", payload.Operation).Str("upload_id", payload.UploadID).Msg("job enqueued")
	return payload.JobID, nil
}

// GetRecord はジョブ情報を取得します。
func (m *Manager) GetRecord(ctx context.Context, jobID string) (*Record, error) {
	return m.store.Get(ctx, jobID)
}

// QueuePosition は待ち順を返します。
func (m *Manager) QueuePosition(ctx context.Context, jobID string) (*int, error) {
	return m.store.QueuePosition(ctx, jobID)
}

// asynqLogger は asynq.Logger を zerolog に渡します。
type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }
