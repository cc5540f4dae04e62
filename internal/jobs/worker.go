package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// ProgressReporter は進捗更新用コールバックです。
type ProgressReporter func(stage string, percent int)

// Processor はアップロード済みオブジェクトに対する処理です。
// 戻り値はジョブの result として JSON で保存されます。
// 利用者に見せる失敗理由は *Error で返してください。
type Processor interface {
	Process(ctx context.Context, job *TaskPayload, report ProgressReporter) (any, error)
}

// ProcessorFunc は関数を Processor として扱います。
type ProcessorFunc func(ctx context.Context, job *TaskPayload, report ProgressReporter) (any, error)

func (f ProcessorFunc) Process(ctx context.Context, job *TaskPayload, report ProgressReporter) (any, error) {
	return f(ctx, job, report)
}

func (m *Manager) handleTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}

	log := m.logger.With().Str("job_id", payload.JobID).Str("operation", payload.Operation).Logger()

	if err := m.store.MarkProcessing(ctx, payload.JobID); err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrFinished) {
			// 期限切れ、または再配送された処理済みジョブ
			log.Info().Err(err).Msg("skipping job")
			JobsProcessedTotal.WithLabelValues(payload.Operation, "skipped").Inc()
			return nil
		}
		return err
	}

	WorkersActive.Inc()
	defer WorkersActive.Dec()
	started := time.Now()
	defer func() {
		JobProcessingDuration.WithLabelValues(payload.Operation).Observe(time.Since(started).Seconds())
	}()

	processor := m.processor(payload.Operation)
	if processor == nil {
		JobsProcessedTotal.WithLabelValues(payload.Operation, "failed").Inc()
		return m.failJob(ctx, payload.JobID, "UNSUPPORTED_OPERATION", "指定された処理には対応していません。")
	}

	result, err := processor.Process(ctx, &payload, func(stage string, percent int) {
		if err := m.store.UpdateProgress(ctx, payload.JobID, ProgressInfo{
			Stage:   stage,
			Percent: percent,
		}); err != nil {
			log.Warn().Err(err).Str("stage", stage).Msg("failed to update progress")
		}
	})
	if err != nil {
		log.Warn().Err(err).Msg("job failed")
		JobsProcessedTotal.WithLabelValues(payload.Operation, "failed").Inc()
		return m.failJobWithError(ctx, payload.JobID, err)
	}

	if err := m.store.MarkCompleted(ctx, payload.JobID, result); err != nil {
		return err
	}
	JobsProcessedTotal.WithLabelValues(payload.Operation, "completed").Inc()
	log.Info().Dur("elapsed", time.Since(started)).Msg("job completed")
	return nil
}

func (m *Manager) failJob(ctx context.Context, jobID, code, message string) error {
	err := m.store.MarkFailed(ctx, jobID, &ErrorInfo{
		Code:    code,
		Message: message,
	})
	if errors.Is(err, ErrFinished) {
		return nil
	}
	return err
}

func (m *Manager) failJobWithError(ctx context.Context, jobID string, err error) error {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return m.failJob(ctx, jobID, jobErr.Code, jobErr.Message)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return m.failJob(context.WithoutCancel(ctx), jobID, "TIMEOUT", "処理が時間内に終わりませんでした。")
	}
	return m.failJob(ctx, jobID, "INTERNAL_ERROR", "処理中にエラーが発生しました。")
}

// reportProgress は percent を 0〜100 に収めて通知します。
func reportProgress(cb ProgressReporter, stage string, percent int) {
	if cb == nil {
		return
	}
	cb(stage, clampPercent(percent))
}
