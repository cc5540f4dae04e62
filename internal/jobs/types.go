// Package jobs はアップロード完了後の非同期ジョブ（キュー投入・状態管理・ワーカー処理）を提供します。
package jobs

import (
	"encoding/json"
	"time"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal は完了または失敗かを返します。終端状態のレコードは変更しません。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ProgressInfo は進捗の補足情報を表します。
type ProgressInfo struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record はジョブの現在状態を表します。
type Record struct {
	JobID     string            `json:"jobId"`
	Operation string            `json:"operation"`
	Status    Status            `json:"status"`
	Progress  ProgressInfo      `json:"progress"`
	UploadID  string            `json:"uploadId,omitempty"`
	ObjectKey string            `json:"objectKey,omitempty"`
	Filename  string            `json:"filename,omitempty"`
	Size      int64             `json:"size,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
	Result    json.RawMessage   `json:"result,omitempty"`
	Error     *ErrorInfo        `json:"error,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// TaskPayload はワーカーへ渡すジョブの内容です。
type TaskPayload struct {
	JobID     string            `json:"jobId"`
	Operation string            `json:"operation"`
	UploadID  string            `json:"uploadId,omitempty"`
	ObjectKey string            `json:"objectKey"`
	Filename  string            `json:"filename"`
	Size      int64             `json:"size"`
	Options   map[string]string `json:"options,omitempty"`
}

// Error はジョブ失敗の理由をコード付きで表します。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NewError は Error を作成します。
func NewError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
