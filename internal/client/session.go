package client

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/yourusername/relayforge/internal/kv"
)

// UploadSession は再開可能なチャンク送信の記録です。
// ChunkSize と TotalChunks は開始後に変更してはいけません。変えるとチャンク番号の意味が変わります。
type UploadSession struct {
	UploadID             string    `json:"uploadId"`
	FileName             string    `json:"fileName"`
	FileSize             int64     `json:"fileSize"`
	ChunkSize            int64     `json:"chunkSize"`
	TotalChunks          int       `json:"totalChunks"`
	Parallelism          int       `json:"parallelism,omitempty"`
	UploadedChunkIndices []int     `json:"uploadedChunkIndices"`
	JobID                string    `json:"jobId,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// NewUploadSession はサーバーが確定した計画から新しいセッションを作ります。
func NewUploadSession(uploadID string, file File, chunkSize int64, totalChunks, parallelism int) *UploadSession {
	return &UploadSession{
		UploadID:             uploadID,
		FileName:             file.Name(),
		FileSize:             file.Size(),
		ChunkSize:            chunkSize,
		TotalChunks:          totalChunks,
		Parallelism:          parallelism,
		UploadedChunkIndices: []int{},
	}
}

// Matches は同じファイル（名前とサイズが一致）に対するセッションかを返します。
func (s *UploadSession) Matches(name string, size int64) bool {
	return s != nil && s.FileName == name && s.FileSize == size
}

// Has は index が送信済みかを返します。
func (s *UploadSession) Has(index int) bool {
	_, found := slices.BinarySearch(s.UploadedChunkIndices, index)
	return found
}

// MarkUploaded は index を送信済みに加えます。すでにあれば何もしません。
func (s *UploadSession) MarkUploaded(index int) bool {
	pos, found := slices.BinarySearch(s.UploadedChunkIndices, index)
	if found {
		return false
	}
	s.UploadedChunkIndices = slices.Insert(s.UploadedChunkIndices, pos, index)
	return true
}

// Pending はまだ送信していないチャンク番号を昇順で返します。
func (s *UploadSession) Pending() []int {
	pending := make([]int, 0, max(0, s.TotalChunks-len(s.UploadedChunkIndices)))
	for i := 0; i < s.TotalChunks; i++ {
		if !s.Has(i) {
			pending = append(pending, i)
		}
	}
	return pending
}

// UploadedBytes は送信済みチャンクの合計バイト数です。
func (s *UploadSession) UploadedBytes() int64 {
	var total int64
	for _, i := range s.UploadedChunkIndices {
		start, end := ChunkRange(s.FileSize, s.ChunkSize, i)
		total += end - start
	}
	return total
}

// Plan はセッションに保存された計画を返します。
func (s *UploadSession) Plan() Plan {
	return DefaultPlanner.Plan(s.FileSize, false, SpeedSlow, s)
}

func (s *UploadSession) valid() bool {
	if s == nil || s.UploadID == "" || s.UploadedChunkIndices == nil {
		return false
	}
	if s.FileSize <= 0 || s.ChunkSize <= 0 || s.TotalChunks != TotalChunks(s.FileSize, s.ChunkSize) {
		return false
	}
	for _, i := range s.UploadedChunkIndices {
		if i < 0 || i >= s.TotalChunks {
			return false
		}
	}
	return true
}

func (s *UploadSession) clone() *UploadSession {
	cp := *s
	cp.UploadedChunkIndices = slices.Clone(s.UploadedChunkIndices)
	return &cp
}

// SessionStore はアップロードセッションを固定キーで永続化します。
// 「何を送信済みか」の唯一の情報源です。
type SessionStore struct {
	kv  kv.Store
	key string
	now func() time.Time
}

// NewSessionStore は namespace ごとに1件のセッションを保存するストアを作成します。
func NewSessionStore(store kv.Store, namespace string) *SessionStore {
	if namespace == "" {
		namespace = "relayforge"
	}
	return &SessionStore{kv: store, key: namespace + ":upload-session", now: time.Now}
}

// Load は検証済みのセッションを返します。存在しない・壊れている場合は nil を返します。
func (s *SessionStore) Load(ctx context.Context) (*UploadSession, error) {
	raw, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var session UploadSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, nil
	}
	slices.Sort(session.UploadedChunkIndices)
	session.UploadedChunkIndices = slices.Compact(session.UploadedChunkIndices)
	if !session.valid() {
		return nil, nil
	}
	return &session, nil
}

// Save はセッションを書き込みます。
func (s *SessionStore) Save(ctx context.Context, session *UploadSession) error {
	if session == nil {
		return errors.New("session is nil")
	}
	cp := session.clone()
	if cp.UploadedChunkIndices == nil {
		cp.UploadedChunkIndices = []int{}
	}
	now := s.now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
		session.CreatedAt = now
	}
	cp.UpdatedAt = now
	session.UpdatedAt = now

	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, s.key, data)
}

// Clear はセッションを削除します。
func (s *SessionStore) Clear(ctx context.Context) error {
	return s.kv.Delete(ctx, s.key)
}
