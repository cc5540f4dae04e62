// Package upload はアップロードの受信側（単一送信・チャンク送信・結合とジョブ投入）を提供します。
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yourusername/relayforge/internal/config"
	"github.com/yourusername/relayforge/internal/jobs"
	"github.com/yourusername/relayforge/internal/storage"
)

// JobQueue はアップロード完了後のジョブ投入先です。*jobs.Manager が実装します。
type JobQueue interface {
	Enqueue(ctx context.Context, payload *jobs.TaskPayload) (string, error)
	Supports(operation string) bool
	GetRecord(ctx context.Context, jobID string) (*jobs.Record, error)
}

// Options は受信側の制限値です。
type Options struct {
	MaxFileSize      int64
	MaxChunkSize     int64
	StagingDir       string
	AllowedMIMETypes []string
	DefaultOperation string
}

// OptionsFromConfig は設定から Options を作ります。
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxFileSize:      cfg.MaxFileSize,
		MaxChunkSize:     cfg.MaxChunkSize,
		StagingDir:       cfg.UploadStagingDir,
		AllowedMIMETypes: cfg.AllowedMIMETypes,
		DefaultOperation: jobs.OperationInspect,
	}
}

// InitRequest は POST /api/upload/init の本文です。
type InitRequest struct {
	Filename    string            `json:"filename"`
	TotalSize   int64             `json:"totalSize"`
	ChunkSize   int64             `json:"chunkSize"`
	TotalChunks int               `json:"totalChunks"`
	Operation   string            `json:"operation"`
	Options     map[string]string `json:"options"`
}

// InitResponse はサーバーが確定したチャンク計画です。
type InitResponse struct {
	UploadID    string `json:"uploadId"`
	ChunkSize   int64  `json:"chunkSize"`
	TotalChunks int    `json:"totalChunks"`
}

// ChunkReceipt はチャンク受信の応答です。Received は受信済みのチャンク数です。
type ChunkReceipt struct {
	UploadID string `json:"uploadId"`
	Index    int    `json:"index"`
	Received int    `json:"received"`
}

// JobHandle は作成されたジョブへの参照です。
type JobHandle struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// SingleRequest は1回のリクエストで届いたファイルです。
type SingleRequest struct {
	Filename  string
	Size      int64
	Body      io.ReadSeeker
	Operation string
	Options   map[string]string
	// UploadKey はクライアントが1回のアップロードごとに生成する冪等キーです。
	// 同じキーの再送には最初のジョブを返します。
	UploadKey string
}

const maxUploadKeyLen = 128

// Service はアップロードの受信とジョブへの引き渡しを行います。
type Service struct {
	sessions *Registry
	objects  storage.Storage
	queue    JobQueue
	opts     Options
	logger   zerolog.Logger
}

// NewService は Service を作成します。
func NewService(sessions *Registry, objects storage.Storage, queue JobQueue, opts Options, logger zerolog.Logger) (*Service, error) {
	if sessions == nil || objects == nil || queue == nil {
		return nil, errors.New("upload service dependencies are required")
	}
	if opts.MaxChunkSize <= 0 {
		return nil, errors.New("max chunk size must be positive")
	}
	if opts.StagingDir == "" {
		return nil, errors.New("staging dir is required")
	}
	if opts.DefaultOperation == "" {
		opts.DefaultOperation = jobs.OperationInspect
	}
	if err := os.MkdirAll(opts.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Service{
		sessions: sessions,
		objects:  objects,
		queue:    queue,
		opts:     opts,
		logger:   logger,
	}, nil
}

// Init はチャンクアップロードを開始します。チャンクサイズは上限に丸め、チャンク数はサーバー側で計算し直します。
func (s *Service) Init(ctx context.Context, req InitRequest) (*InitResponse, error) {
	filename := strings.TrimSpace(req.Filename)
	if filename == "" {
		return nil, newError(CodeInvalidInput, "filename を指定してください。")
	}
	if req.TotalSize <= 0 {
		return nil, newError(CodeInvalidInput, "totalSize は1以上を指定してください。")
	}
	if err := s.checkSize(req.TotalSize); err != nil {
		return nil, err
	}
	if req.ChunkSize < 0 {
		return nil, newError(CodeInvalidInput, "chunkSize が不正です。")
	}
	operation, err := s.operation(req.Operation)
	if err != nil {
		return nil, err
	}

	chunkSize := req.ChunkSize
	if chunkSize == 0 || chunkSize > s.opts.MaxChunkSize {
		chunkSize = s.opts.MaxChunkSize
	}
	session := &Session{
		UploadID:    uuid.NewString(),
		Filename:    storage.SanitizeName(filename),
		TotalSize:   req.TotalSize,
		ChunkSize:   chunkSize,
		TotalChunks: int((req.TotalSize + chunkSize - 1) / chunkSize),
		Operation:   operation,
		Options:     req.Options,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	SessionsStartedTotal.Inc()
	s.logger.Info().
		Str("upload_id", session.UploadID).
		Int64("size", session.TotalSize).
		Int64("chunk_size", session.ChunkSize).
		Int("total_chunks", session.TotalChunks).
		Msg("upload session started")

	return &InitResponse{
		UploadID:    session.UploadID,
		ChunkSize:   session.ChunkSize,
		TotalChunks: session.TotalChunks,
	}, nil
}

// AcceptChunk は1チャンクを保存します。受信済みの番号を再送された場合は内容を読み捨てて成功を返します。
// size が負の場合は長さ不明として本文の長さだけで検証します。
func (s *Service) AcceptChunk(ctx context.Context, uploadID string, index int, body io.Reader, size int64) (*ChunkReceipt, error) {
	session, err := s.session(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if jobID, err := s.sessions.JobID(ctx, uploadID); err != nil {
		return nil, err
	} else if jobID != "" {
		return nil, newError(CodeUploadCompleted, "このアップロードは既に完了しています。")
	}
	if index < 0 || index >= session.TotalChunks {
		return nil, newError(CodeInvalidChunk, fmt.Sprintf("index は 0〜%d の範囲で指定してください。", session.TotalChunks-1))
	}
	expected := session.ChunkLength(index)
	if size >= 0 && size != expected {
		return nil, newError(CodeInvalidChunk, fmt.Sprintf("チャンク %d の長さが不正です（%d バイトを想定）。", index, expected))
	}

	done, err := s.sessions.HasChunk(ctx, uploadID, index)
	if err != nil {
		return nil, err
	}
	if done {
		_, _ = io.Copy(io.Discard, io.LimitReader(body, expected))
		ChunksReceivedTotal.WithLabelValues("duplicate").Inc()
		return s.receipt(ctx, uploadID, index)
	}

	if err := s.writePart(ctx, uploadID, index, body, expected); err != nil {
		return nil, err
	}
	if err := s.sessions.MarkChunk(ctx, uploadID, index); err != nil {
		return nil, err
	}
	ChunksReceivedTotal.WithLabelValues("stored").Inc()
	ReceivedBytesTotal.Add(float64(expected))
	return s.receipt(ctx, uploadID, index)
}

func (s *Service) writePart(ctx context.Context, uploadID string, index int, body io.Reader, expected int64) error {
	dir := s.stagingDir(uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".part-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, io.LimitReader(body, expected+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return newError(CodeInvalidChunk, "チャンクが大きすぎます。")
		}
		return fmt.Errorf("write chunk %d: %w", index, err)
	}
	if written != expected {
		return newError(CodeInvalidChunk, fmt.Sprintf("チャンク %d の長さが不正です（%d バイトを想定）。", index, expected))
	}
	return os.Rename(tmp.Name(), partPath(dir, index))
}

func (s *Service) receipt(ctx context.Context, uploadID string, index int) (*ChunkReceipt, error) {
	received, err := s.sessions.Received(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	return &ChunkReceipt{UploadID: uploadID, Index: index, Received: len(received)}, nil
}

// Complete は全チャンクを結合して保存し、ジョブを投入します。
// 同じ uploadId に対する2回目以降の呼び出しは同じジョブを返します。
func (s *Service) Complete(ctx context.Context, uploadID string) (*JobHandle, error) {
	session, err := s.session(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if jobID, err := s.sessions.JobID(ctx, uploadID); err != nil {
		return nil, err
	} else if jobID != "" {
		return s.existingJob(ctx, uploadID, jobID)
	}

	received, err := s.sessions.Received(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if missing := missingChunks(session.TotalChunks, received); len(missing) > 0 {
		return nil, &Error{
			Code:    CodeIncompleteUpload,
			Message: fmt.Sprintf("未受信のチャンクが %d 個あります。", len(missing)),
			Missing: missing,
		}
	}

	jobID, won, err := s.sessions.ClaimJob(ctx, uploadID, uuid.NewString())
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, errUploadNotFound()
		}
		return nil, err
	}
	if !won {
		return s.existingJob(ctx, uploadID, jobID)
	}

	handle, err := s.assembleAndEnqueue(ctx, session, jobID)
	if err != nil {
		if releaseErr := s.sessions.ReleaseJob(context.WithoutCancel(ctx), uploadID, jobID); releaseErr != nil {
			s.logger.Warn().Err(releaseErr).Str("upload_id", uploadID).Msg("failed to release job claim")
		}
		return nil, err
	}
	return handle, nil
}

func (s *Service) assembleAndEnqueue(ctx context.Context, session *Session, jobID string) (*JobHandle, error) {
	started := time.Now()
	dir := s.stagingDir(session.UploadID)

	tmp, err := os.CreateTemp(s.opts.StagingDir, "assemble-*")
	if err != nil {
		return nil, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	var written int64
	for i := 0; i < session.TotalChunks; i++ {
		n, err := appendPart(tmp, partPath(dir, i))
		if err != nil {
			return nil, fmt.Errorf("assemble chunk %d: %w", i, err)
		}
		written += n
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if written != session.TotalSize {
		return nil, fmt.Errorf("assembled size mismatch: got %d, want %d", written, session.TotalSize)
	}

	if err := s.checkMIME(tmp); err != nil {
		s.discard(ctx, session.UploadID)
		return nil, err
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	key := storage.UploadKey(session.UploadID, session.Filename)
	if err := s.objects.Put(ctx, key, tmp, session.TotalSize); err != nil {
		return nil, fmt.Errorf("store object: %w", err)
	}
	AssembleDuration.Observe(time.Since(started).Seconds())

	handle, err := s.enqueue(ctx, &jobs.TaskPayload{
		JobID:     jobID,
		Operation: session.Operation,
		UploadID:  session.UploadID,
		ObjectKey: key,
		Filename:  session.Filename,
		Size:      session.TotalSize,
		Options:   session.Options,
	})
	if err != nil {
		return nil, err
	}
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn().Err(err).Str("upload_id", session.UploadID).Msg("failed to remove staging dir")
	}
	CompletedTotal.WithLabelValues("chunked").Inc()
	return handle, nil
}

// Single は1回のリクエストで届いたファイルを保存し、ジョブを投入します。
func (s *Service) Single(ctx context.Context, req SingleRequest) (*JobHandle, error) {
	if req.Body == nil {
		return nil, newError(CodeInvalidInput, "ファイルを選択してください。")
	}
	if err := s.checkSize(req.Size); err != nil {
		return nil, err
	}
	operation, err := s.operation(req.Operation)
	if err != nil {
		return nil, err
	}
	if len(req.UploadKey) > maxUploadKeyLen {
		return nil, newError(CodeInvalidInput, "uploadKey が長すぎます。")
	}
	if err := s.checkMIME(req.Body); err != nil {
		return nil, err
	}

	jobID := uuid.NewString()
	if req.UploadKey != "" {
		claimed, won, err := s.sessions.ClaimUploadKey(ctx, req.UploadKey, jobID)
		if err != nil {
			return nil, err
		}
		if !won {
			return s.keyedJob(ctx, claimed)
		}
	}

	handle, err := s.storeAndEnqueue(ctx, req, operation, jobID)
	if err != nil {
		if req.UploadKey != "" {
			if releaseErr := s.sessions.ReleaseUploadKey(context.WithoutCancel(ctx), req.UploadKey, jobID); releaseErr != nil {
				s.logger.Warn().Err(releaseErr).Str("job_id", jobID).Msg("failed to release upload key")
			}
		}
		return nil, err
	}
	CompletedTotal.WithLabelValues("single").Inc()
	return handle, nil
}

func (s *Service) storeAndEnqueue(ctx context.Context, req SingleRequest, operation, jobID string) (*JobHandle, error) {
	uploadID := uuid.NewString()
	filename := storage.SanitizeName(req.Filename)
	key := storage.UploadKey(uploadID, filename)
	if _, err := req.Body.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if err := s.objects.Put(ctx, key, req.Body, req.Size); err != nil {
		return nil, fmt.Errorf("store object: %w", err)
	}
	ReceivedBytesTotal.Add(float64(req.Size))

	return s.enqueue(ctx, &jobs.TaskPayload{
		JobID:     jobID,
		Operation: operation,
		UploadID:  uploadID,
		ObjectKey: key,
		Filename:  filename,
		Size:      req.Size,
		Options:   req.Options,
	})
}

// keyedJob は同じ冪等キーで作成済みのジョブを返します。
// 最初の要求がまだジョブを作成していなければ再試行を促します。
func (s *Service) keyedJob(ctx context.Context, jobID string) (*JobHandle, error) {
	record, err := s.queue.GetRecord(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, newError(CodeCompleteInProgress, "同じファイルを受け付けています。しばらくしてから再度お試しください。")
	}
	return &JobHandle{JobID: record.JobID, Status: string(record.Status)}, nil
}

// CleanupStaging はセッションが失効したチャンクの一時ディレクトリを削除し、削除数を返します。
// olderThan より新しいディレクトリは初期化直後の可能性があるため残します。
func (s *Service) CleanupStaging(ctx context.Context, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.opts.StagingDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if _, err := s.sessions.Get(ctx, entry.Name()); !errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.opts.StagingDir, entry.Name())); err != nil {
			s.logger.Warn().Err(err).Str("upload_id", entry.Name()).Msg("failed to remove stale staging dir")
			continue
		}
		removed++
	}
	return removed, nil
}

func (s *Service) enqueue(ctx context.Context, payload *jobs.TaskPayload) (*JobHandle, error) {
	jobID, err := s.queue.Enqueue(ctx, payload)
	if err != nil {
		if delErr := s.objects.Delete(context.WithoutCancel(ctx), payload.ObjectKey); delErr != nil {
			err = fmt.Errorf("%w (cleanup failed: %v)", err, delErr)
		}
		return nil, err
	}
	return &JobHandle{JobID: jobID, Status: string(jobs.StatusQueued)}, nil
}

// existingJob は既に結び付いたジョブを返します。
// 結合が進行中（一時ディレクトリが残っていてジョブ未作成）の場合は再試行を促します。
func (s *Service) existingJob(ctx context.Context, uploadID, jobID string) (*JobHandle, error) {
	record, err := s.queue.GetRecord(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if record != nil {
		return &JobHandle{JobID: record.JobID, Status: string(record.Status)}, nil
	}
	if _, err := os.Stat(s.stagingDir(uploadID)); err == nil {
		return nil, newError(CodeCompleteInProgress, "ファイルを結合しています。しばらくしてから再度お試しください。")
	}
	// ジョブは期限切れ。ジョブ状態の取得で失効が伝わる
	return &JobHandle{JobID: jobID, Status: string(jobs.StatusQueued)}, nil
}

func (s *Service) session(ctx context.Context, uploadID string) (*Session, error) {
	if strings.TrimSpace(uploadID) == "" {
		return nil, newError(CodeInvalidInput, "uploadId を指定してください。")
	}
	session, err := s.sessions.Get(ctx, uploadID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, errUploadNotFound()
		}
		return nil, err
	}
	return session, nil
}

func errUploadNotFound() *Error {
	return newError(CodeUploadNotFound, "指定されたアップロードは存在しないか、有効期限が切れています。")
}

func (s *Service) discard(ctx context.Context, uploadID string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.sessions.Delete(ctx, uploadID); err != nil {
		s.logger.Warn().Err(err).Str("upload_id", uploadID).Msg("failed to delete upload session")
	}
	if err := os.RemoveAll(s.stagingDir(uploadID)); err != nil {
		s.logger.Warn().Err(err).Str("upload_id", uploadID).Msg("failed to remove staging dir")
	}
}

func (s *Service) checkSize(size int64) error {
	if s.opts.MaxFileSize > 0 && size > s.opts.MaxFileSize {
		return newError(CodeLimitExceeded, fmt.Sprintf("ファイルサイズが上限（%s）を超えています。", humanize.IBytes(uint64(s.opts.MaxFileSize))))
	}
	return nil
}

func (s *Service) operation(op string) (string, error) {
	op = strings.ToLower(strings.TrimSpace(op))
	if op == "" {
		op = s.opts.DefaultOperation
	}
	if !s.queue.Supports(op) {
		return "", newError(CodeUnsupportedOp, fmt.Sprintf("operation %q には対応していません。", op))
	}
	return op, nil
}

// checkMIME は先頭のバイト列から MIME タイプを判定し、許可リストと照合します。読み取り位置は先頭に戻します。
func (s *Service) checkMIME(r io.ReadSeeker) error {
	if len(s.opts.AllowedMIMETypes) == 0 {
		return nil
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return err
	}
	mt, err := mimetype.DetectReader(r)
	if err != nil {
		return fmt.Errorf("detect mime type: %w", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return err
	}
	for m := mt; m != nil; m = m.Parent() {
		for _, allowed := range s.opts.AllowedMIMETypes {
			if m.Is(allowed) {
				return nil
			}
		}
	}
	return newError(CodeUnsupportedFile, fmt.Sprintf("このファイル形式（%s）は受け付けていません。", mt.String()))
}

func (s *Service) stagingDir(uploadID string) string {
	return filepath.Join(s.opts.StagingDir, filepath.Base(uploadID))
}

func partPath(dir string, index int) string {
	return filepath.Join(dir, strconv.Itoa(index)+".part")
}

func appendPart(dst io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(dst, f)
}

func missingChunks(total int, received []int) []int {
	have := make(map[int]struct{}, len(received))
	for _, i := range received {
		have[i] = struct{}{}
	}
	var missing []int
	for i := 0; i < total; i++ {
		if _, ok := have[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}
