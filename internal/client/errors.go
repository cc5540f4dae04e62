package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/yourusername/relayforge/internal/retry"
)

var (
	// ErrTransferFailed はチャンクの再試行を使い切ったことを表します。
	// 送信済みチャンクは保持されているため、同じ操作を再実行すると続きから再開します。
	ErrTransferFailed = errors.New("chunk transfer failed")

	// ErrCancelled は利用者によるキャンセルを表します。失敗ではありません。
	ErrCancelled = errors.New("upload cancelled")

	// ErrSessionExpired はサーバーがジョブを見つけられないことを表します（有効期限切れ）。
	// ジョブの失敗とは区別し、再アップロードを促します。
	ErrSessionExpired = errors.New("job session expired")
)

const (
	hintTransfer = "ネットワーク接続が不安定なためアップロードを完了できませんでした。より安定した回線で再度お試しください（送信済みの部分から再開します）。"
	hintExpired  = "ジョブの有効期限が切れました。ファイルを再アップロードしてください。"
	hintGeneric  = "時間をおいて再度お試しください。"
)

// TransferError は特定チャンクの送信が再試行上限に達したことを表します。
type TransferError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d attempts: %v", e.Index, e.Attempts, e.Err)
}

func (e *TransferError) Unwrap() []error {
	return []error{ErrTransferFailed, e.Err}
}

// Hint は利用者向けの対処方法を返します。
func (e *TransferError) Hint() string {
	return hintTransfer
}

// ErrorBody は API のエラーレスポンス本文です。
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Missing []int  `json:"missing,omitempty"`
}

// HTTPError は 2xx 以外のレスポンスを表します。
type HTTPError struct {
	StatusCode int
	ErrorBody
}

func (e *HTTPError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Retryable は同じリクエストを再試行する価値があるかを返します。
// 5xx と 408/429 は一時的、それ以外の 4xx は恒久的な検証エラーとして扱います。
func (e *HTTPError) Retryable() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// Hint はサーバーのメッセージを利用者向けの対処方法として返します。
func (e *HTTPError) Hint() string {
	if e.Message != "" {
		return e.Message
	}
	return hintGeneric
}

// IsRetryable はエラーが一時的なものかを判定します。
// HTTP ステータスを伴わないエラー（タイムアウト・切断・不正な本文）は一時的とみなします。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	return true
}

// IsUploadNotFound はサーバー側のアップロードセッションが失われたかを判定します。
func IsUploadNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

// Hint はエラーに応じた利用者向けの対処方法を返します。キャンセルには空文字を返します。
func Hint(err error) string {
	if err == nil || errors.Is(err, ErrCancelled) {
		return ""
	}
	if errors.Is(err, ErrSessionExpired) {
		return hintExpired
	}
	var hinter interface{ Hint() string }
	if errors.As(err, &hinter) {
		return hinter.Hint()
	}
	if errors.Is(err, retry.ErrExhausted) {
		return hintTransfer
	}
	return hintGeneric
}

// classify は retry に渡す前にエラーを分類します。
func classify(err error) error {
	if err == nil || IsRetryable(err) {
		return err
	}
	return retry.Permanent(err)
}

// translateCancel はキャンセル起因のエラーを ErrCancelled に揃えます。
func translateCancel(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	return err
}
