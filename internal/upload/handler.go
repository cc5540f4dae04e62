package upload

import (
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// multipartOverhead はマルチパートの境界やフィールド分として本文上限に上乗せするバイト数です。
const multipartOverhead = 1 << 20

// RegisterRoutes は /upload 系のルートを登録します。
func RegisterRoutes(r gin.IRouter, svc *Service) {
	r.POST("/upload", SingleHandler(svc))
	r.POST("/upload/init", InitHandler(svc))
	r.POST("/upload/chunk", ChunkHandler(svc))
	r.POST("/upload/complete", CompleteHandler(svc))
}

// SingleHandler は POST /api/upload のハンドラーを返します。
func SingleHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit := svc.opts.MaxFileSize; limit > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)
		}
		form, err := c.MultipartForm()
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				respondWithError(c, svc.checkSize(maxErr.Limit))
				return
			}
			respondWithError(c, newError(CodeInvalidInput, "multipart/form-data でファイルを送信してください。"))
			return
		}
		defer form.RemoveAll()

		header, err := extractSingleFile(form)
		if err != nil {
			respondWithError(c, err)
			return
		}
		file, err := header.Open()
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer file.Close()

		handle, err := svc.Single(c.Request.Context(), SingleRequest{
			Filename:  header.Filename,
			Size:      header.Size,
			Body:      file,
			Operation: c.PostForm("operation"),
			Options:   formOptions(form),
			UploadKey: c.PostForm(fieldUploadKey),
		})
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, handle)
	}
}

// InitHandler は POST /api/upload/init のハンドラーを返します。
func InitHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req InitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondWithError(c, newError(CodeInvalidInput, "リクエスト本文が不正です。"))
			return
		}
		resp, err := svc.Init(c.Request.Context(), req)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// ChunkHandler は POST /api/upload/chunk?uploadId=&index= のハンドラーを返します。本文はチャンクのバイト列です。
func ChunkHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		uploadID := c.Query("uploadId")
		index, err := strconv.Atoi(c.Query("index"))
		if err != nil {
			respondWithError(c, newError(CodeInvalidInput, "index を整数で指定してください。"))
			return
		}
		body := http.MaxBytesReader(c.Writer, c.Request.Body, svc.opts.MaxChunkSize+1)
		receipt, err := svc.AcceptChunk(c.Request.Context(), uploadID, index, body, c.Request.ContentLength)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, receipt)
	}
}

// CompleteHandler は POST /api/upload/complete のハンドラーを返します。
func CompleteHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			UploadID string `json:"uploadId"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			respondWithError(c, newError(CodeInvalidInput, "リクエスト本文が不正です。"))
			return
		}
		handle, err := svc.Complete(c.Request.Context(), req.UploadID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, handle)
	}
}

func extractSingleFile(form *multipart.Form) (*multipart.FileHeader, error) {
	if form != nil {
		if file := form.File["file"]; len(file) > 0 {
			return file[0], nil
		}
		if file := form.File["file[]"]; len(file) > 0 {
			return file[0], nil
		}
	}
	return nil, newError(CodeInvalidInput, "ファイルを選択してください。")
}

const fieldUploadKey = "uploadKey"

// formOptions は file、operation、uploadKey 以外のフォーム項目を処理オプションとして集めます。
func formOptions(form *multipart.Form) map[string]string {
	var opts map[string]string
	for k, v := range form.Value {
		if k == "operation" || k == fieldUploadKey || len(v) == 0 {
			continue
		}
		if opts == nil {
			opts = make(map[string]string)
		}
		opts[k] = v[0]
	}
	return opts
}
