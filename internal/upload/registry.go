package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix   = "upload:"
	uploadKeyKeyPrefix = "upload-key:"
	fieldMeta          = "meta"
	fieldJob           = "job"
)

// ErrSessionNotFound はアップロードセッションが存在しない（期限切れを含む）ことを表します。
var ErrSessionNotFound = errors.New("upload session not found")

// Session はサーバーが確定したチャンク計画です。
type Session struct {
	UploadID    string            `json:"uploadId"`
	Filename    string            `json:"filename"`
	TotalSize   int64             `json:"totalSize"`
	ChunkSize   int64             `json:"chunkSize"`
	TotalChunks int               `json:"totalChunks"`
	Operation   string            `json:"operation"`
	Options     map[string]string `json:"options,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// ChunkLength は index 番目のチャンクのバイト数です。範囲外なら 0 を返します。
func (s *Session) ChunkLength(index int) int64 {
	if index < 0 || index >= s.TotalChunks {
		return 0
	}
	start := int64(index) * s.ChunkSize
	return min(start+s.ChunkSize, s.TotalSize) - start
}

// Registry はアップロードセッションを Redis に保存します。
// upload:<id> のハッシュに計画とジョブ ID を、upload:<id>:chunks のセットに受信済み番号を持ちます。
type Registry struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRegistry は Registry を作成します。
func NewRegistry(rdb *redis.Client, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Registry{rdb: rdb, ttl: ttl}
}

func (r *Registry) Create(ctx context.Context, s *Session) error {
	if s == nil || s.UploadID == "" {
		return fmt.Errorf("session.UploadID is required")
	}
	meta, err := json.Marshal(s)
	if err != nil {
		return err
	}
	key := sessionKey(s.UploadID)
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldMeta, meta)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	return err
}

func (r *Registry) Get(ctx context.Context, uploadID string) (*Session, error) {
	data, err := r.rdb.HGet(ctx, sessionKey(uploadID), fieldMeta).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, uploadID)
		}
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", uploadID, err)
	}
	return &s, nil
}

// MarkChunk は受信済みとして記録し、セッションの有効期限を延ばします。
func (r *Registry) MarkChunk(ctx context.Context, uploadID string, index int) error {
	key := sessionKey(uploadID)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, chunksKey(uploadID), index)
		pipe.Expire(ctx, chunksKey(uploadID), r.ttl)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	return err
}

func (r *Registry) HasChunk(ctx context.Context, uploadID string, index int) (bool, error) {
	return r.rdb.SIsMember(ctx, chunksKey(uploadID), index).Result()
}

// Received は受信済みのチャンク番号を昇順で返します。
func (r *Registry) Received(ctx context.Context, uploadID string) ([]int, error) {
	members, err := r.rdb.SMembers(ctx, chunksKey(uploadID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(members))
	for _, m := range members {
		i, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}

// ClaimJob は jobID をセッションに結び付けます。既に結び付いていればそのジョブ ID と false を返します。
// セッションが失効していれば ErrSessionNotFound を返し、キーを作りません。
func (r *Registry) ClaimJob(ctx context.Context, uploadID, jobID string) (string, bool, error) {
	key := sessionKey(uploadID)
	for {
		var (
			claimed = jobID
			won     bool
		)
		err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
			values, err := tx.HMGet(ctx, key, fieldMeta, fieldJob).Result()
			if err != nil {
				return err
			}
			if values[0] == nil {
				return fmt.Errorf("%w: %s", ErrSessionNotFound, uploadID)
			}
			if existing, ok := values[1].(string); ok && existing != "" {
				claimed = existing
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, fieldJob, jobID)
				pipe.Expire(ctx, key, r.ttl)
				return nil
			})
			won = err == nil
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return "", false, err
		}
		return claimed, won, nil
	}
}

// ReleaseJob は結合に失敗したときにジョブの結び付きを外し、再度の完了要求を受け付けます。
func (r *Registry) ReleaseJob(ctx context.Context, uploadID, jobID string) error {
	key := sessionKey(uploadID)
	current, err := r.rdb.HGet(ctx, key, fieldJob).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if current != jobID {
		return nil
	}
	return r.rdb.HDel(ctx, key, fieldJob).Err()
}

// ClaimUploadKey は単一リクエスト送信の冪等キーに jobID を結び付けます。
// 既に結び付いていればそのジョブ ID と false を返します。キーはセッションと同じ期間で失効します。
func (r *Registry) ClaimUploadKey(ctx context.Context, uploadKey, jobID string) (string, bool, error) {
	key := uploadKeyKey(uploadKey)
	for {
		ok, err := r.rdb.SetNX(ctx, key, jobID, r.ttl).Result()
		if err != nil {
			return "", false, err
		}
		if ok {
			return jobID, true, nil
		}
		existing, err := r.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			// 直前に解放された
			continue
		}
		if err != nil {
			return "", false, err
		}
		return existing, false, nil
	}
}

// ReleaseUploadKey は保存や投入に失敗したときに冪等キーを解放し、再送を受け付けます。
func (r *Registry) ReleaseUploadKey(ctx context.Context, uploadKey, jobID string) error {
	key := uploadKeyKey(uploadKey)
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if current != jobID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// 別の要求が先に書き換えた。その結び付きは残す
		return nil
	}
	return err
}

// JobID はセッションに結び付いたジョブ ID を返します。無ければ空文字です。
func (r *Registry) JobID(ctx context.Context, uploadID string) (string, error) {
	id, err := r.rdb.HGet(ctx, sessionKey(uploadID), fieldJob).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}

// Delete はセッションと受信済み番号を削除します。
func (r *Registry) Delete(ctx context.Context, uploadID string) error {
	return r.rdb.Del(ctx, sessionKey(uploadID), chunksKey(uploadID)).Err()
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

func uploadKeyKey(k string) string {
	return uploadKeyKeyPrefix + k
}

func chunksKey(id string) string {
	return sessionKeyPrefix + id + ":chunks"
}
