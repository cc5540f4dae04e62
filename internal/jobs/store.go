package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "job:"
	queuedKey    = "jobs:queued"
)

var (
	// ErrNotFound はジョブが存在しない（期限切れを含む）ことを表します。
	ErrNotFound = errors.New("job not found")
	// ErrFinished は終端状態のジョブを更新しようとしたことを表します。
	ErrFinished = errors.New("job already finished")
)

// Store はジョブ状態を Redis に保存します。
// 待ち順は登録時刻をスコアにしたソート済みセットで管理します。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
		now: time.Now,
	}
}

// Get はジョブ情報を取得します。存在しない場合は nil を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Create は queued のジョブを作成し、待ち行列の末尾に加えます。
func (s *Store) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if record.JobID == "" {
		return fmt.Errorf("record.JobID is required")
	}
	now := s.now().UTC()
	record.Status = StatusQueued
	record.CreatedAt = now
	record.UpdatedAt = now
	record.ExpiresAt = now.Add(s.ttl)
	if record.Progress.Stage == "" {
		record.Progress.Stage = string(StatusQueued)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(record.JobID), payload, s.ttl)
		pipe.ZAdd(ctx, queuedKey, redis.Z{Score: float64(now.UnixNano()), Member: record.JobID})
		// 処理されないまま期限切れになったジョブは待ち順から外す
		pipe.ZRemRangeByScore(ctx, queuedKey, "-inf", strconv.FormatInt(now.Add(-s.ttl).UnixNano(), 10))
		return nil
	})
	return err
}

// QueuePosition は待ち行列での順番（1始まり）を返します。待ち行列に無ければ nil です。
func (s *Store) QueuePosition(ctx context.Context, jobID string) (*int, error) {
	rank, err := s.rdb.ZRank(ctx, queuedKey, jobID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pos := int(rank) + 1
	return &pos, nil
}

// MarkProcessing は処理開始を記録し、待ち行列から外します。
func (s *Store) MarkProcessing(ctx context.Context, jobID string) error {
	err := s.updatePartial(ctx, jobID, func(record *Record) error {
		record.Status = StatusProcessing
		record.Progress = ProgressInfo{Percent: record.Progress.Percent, Stage: "load"}
		return nil
	})
	if err != nil && !errors.Is(err, ErrFinished) {
		return err
	}
	if remErr := s.rdb.ZRem(ctx, queuedKey, jobID).Err(); remErr != nil {
		return remErr
	}
	return err
}

// UpdateProgress は進捗を更新します。進捗率は減りません。
func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress ProgressInfo) error {
	return s.updatePartial(ctx, jobID, func(record *Record) error {
		progress.Percent = clampPercent(progress.Percent)
		if progress.Percent < record.Progress.Percent {
			progress.Percent = record.Progress.Percent
		}
		record.Progress = progress
		return nil
	})
}

// MarkCompleted はジョブ完了時の結果を保存します。
func (s *Store) MarkCompleted(ctx context.Context, jobID string, result any) error {
	var raw json.RawMessage
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		raw = data
	}
	return s.updatePartial(ctx, jobID, func(record *Record) error {
		record.Status = StatusCompleted
		record.Progress = ProgressInfo{
			Percent: 100,
			Stage:   string(StatusCompleted),
		}
		record.Result = raw
		record.Error = nil
		return nil
	})
}

// MarkFailed はジョブ失敗時の情報を保存します。
func (s *Store) MarkFailed(ctx context.Context, jobID string, errInfo *ErrorInfo) error {
	return s.updatePartial(ctx, jobID, func(record *Record) error {
		record.Status = StatusFailed
		record.Progress.Stage = string(StatusFailed)
		if errInfo != nil {
			record.Error = errInfo
		}
		return nil
	})
}

// updatePartial は WATCH による楽観ロックでレコードを書き換えます。
// 終端状態のレコードには mutate を適用せず ErrFinished を返します。
func (s *Store) updatePartial(ctx context.Context, jobID string, mutate func(*Record) error) error {
	key := jobKey(jobID)
	for {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return fmt.Errorf("%w: %s", ErrNotFound, jobID)
				}
				return err
			}
			var record Record
			if err := json.Unmarshal(data, &record); err != nil {
				return err
			}
			if record.Status.Terminal() {
				return fmt.Errorf("%w: %s", ErrFinished, jobID)
			}
			if err := mutate(&record); err != nil {
				return err
			}
			now := s.now().UTC()
			record.UpdatedAt = now
			record.ExpiresAt = now.Add(s.ttl)
			payload, err := json.Marshal(&record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, s.ttl)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
}

func clampPercent(p int) int {
	return min(max(p, 0), 100)
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
