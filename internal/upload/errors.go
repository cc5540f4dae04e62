package upload

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// エラーコード
const (
	CodeInvalidInput       = "INVALID_INPUT"
	CodeInvalidChunk       = "INVALID_CHUNK"
	CodeLimitExceeded      = "LIMIT_EXCEEDED"
	CodeUnsupportedFile    = "UNSUPPORTED_FILE"
	CodeUnsupportedOp      = "UNSUPPORTED_OPERATION"
	CodeUploadNotFound     = "UPLOAD_NOT_FOUND"
	CodeIncompleteUpload   = "INCOMPLETE_UPLOAD"
	CodeUploadCompleted    = "UPLOAD_ALREADY_COMPLETED"
	CodeCompleteInProgress = "COMPLETE_IN_PROGRESS"
)

// Error は利用者に返すエラーです。Code から HTTP ステータスを決めます。
type Error struct {
	Code    string
	Message string
	// Missing は INCOMPLETE_UPLOAD のときに未受信のチャンク番号を保持します。
	Missing []int
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) status() int {
	switch e.Code {
	case CodeLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case CodeUnsupportedFile:
		return http.StatusUnsupportedMediaType
	case CodeUploadNotFound:
		return http.StatusNotFound
	case CodeIncompleteUpload, CodeUploadCompleted:
		return http.StatusConflict
	case CodeCompleteInProgress:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		body := gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		}
		if len(apiErr.Missing) > 0 {
			body["missing"] = apiErr.Missing
		}
		RejectedTotal.WithLabelValues(apiErr.Code).Inc()
		c.JSON(apiErr.status(), body)
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
