package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/relayforge/internal/storage"
)

// OperationInspect は既定の処理名です。
const OperationInspect = "inspect"

// InspectResult は inspect 処理の結果です。
type InspectResult struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	SHA256    string `json:"sha256"`
	MIMEType  string `json:"mimeType"`
	Extension string `json:"extension,omitempty"`
	Pages     *int   `json:"pages,omitempty"`
}

// InspectProcessor はオブジェクトを読み込み、ハッシュ・MIME タイプ・PDF のページ数を調べます。
// 進捗: load 0 → 60%, process 60 → 90%, write 90 → 100%
type InspectProcessor struct {
	objects storage.Storage
	tempDir string
}

// NewInspectProcessor は InspectProcessor を作成します。tempDir が空なら OS の一時ディレクトリを使います。
func NewInspectProcessor(objects storage.Storage, tempDir string) *InspectProcessor {
	return &InspectProcessor{objects: objects, tempDir: tempDir}
}

func (p *InspectProcessor) Process(ctx context.Context, job *TaskPayload, report ProgressReporter) (any, error) {
	reportProgress(report, "load", 0)

	src, err := p.objects.Open(ctx, job.ObjectKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, NewError("UPLOAD_NOT_FOUND", "アップロードされたファイルが見つかりません。", err)
		}
		return nil, fmt.Errorf("open object: %w", err)
	}
	defer src.Close()

	if p.tempDir != "" {
		if err := os.MkdirAll(p.tempDir, 0o755); err != nil {
			return nil, err
		}
	}
	tmp, err := os.CreateTemp(p.tempDir, "inspect-*"+filepath.Ext(job.Filename))
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	counter := &loadProgress{total: job.Size, report: report}
	written, err := io.Copy(io.MultiWriter(tmp, hash, counter), src)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("copy object: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reportProgress(report, "process", 60)
	mt, err := mimetype.DetectFile(tmp.Name())
	if err != nil {
		return nil, fmt.Errorf("detect mime type: %w", err)
	}

	result := &InspectResult{
		Filename:  job.Filename,
		Size:      written,
		SHA256:    hex.EncodeToString(hash.Sum(nil)),
		MIMEType:  mt.String(),
		Extension: mt.Extension(),
	}

	if mt.Is("application/pdf") {
		reportProgress(report, "process", 75)
		pages, err := api.PageCountFile(tmp.Name())
		if err != nil {
			return nil, NewError("INVALID_PDF", "PDFファイルを解析できませんでした。", err)
		}
		result.Pages = &pages
	}

	reportProgress(report, "write", 90)
	return result, nil
}

// loadProgress は読み込み済みバイト数を load 段階の進捗（0〜60%）に換算します。
type loadProgress struct {
	total  int64
	read   int64
	last   int
	report ProgressReporter
}

func (l *loadProgress) Write(p []byte) (int, error) {
	l.read += int64(len(p))
	if l.total > 0 {
		percent := int(l.read * 60 / l.total)
		// 更新回数を抑えるため 5% 刻みで通知する
		if percent >= l.last+5 {
			l.last = percent
			reportProgress(l.report, "load", percent)
		}
	}
	return len(p), nil
}
