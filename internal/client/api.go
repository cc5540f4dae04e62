// Package client はアップロードの送信側（回線計測・チャンク計画・再開可能な分割送信）を提供します。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ジョブ作成直後の状態
const StatusQueued = "queued"

// InitRequest は POST /api/upload/init の本文です。
type InitRequest struct {
	Filename    string            `json:"filename"`
	TotalSize   int64             `json:"totalSize"`
	ChunkSize   int64             `json:"chunkSize"`
	TotalChunks int               `json:"totalChunks"`
	Operation   string            `json:"operation,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
}

// InitResponse はサーバーが確定したチャンク計画です。
type InitResponse struct {
	UploadID    string `json:"uploadId"`
	ChunkSize   int64  `json:"chunkSize"`
	TotalChunks int    `json:"totalChunks"`
}

// JobHandle はアップロード完了で作成されたジョブへの参照です。
type JobHandle struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// JobStatus は GET /api/jobs/:id のレスポンスです。
type JobStatus struct {
	JobID         string          `json:"jobId"`
	Status        string          `json:"status"`
	Progress      int             `json:"progress"`
	Stage         string          `json:"stage,omitempty"`
	QueuePosition *int            `json:"queuePosition,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *ErrorBody      `json:"error,omitempty"`
}

// API は HTTP 経由でサーバーの各エンドポイントを呼び出します。
type API struct {
	baseURL string
	http    *http.Client
}

// NewAPI は baseURL（例: http://localhost:8080）向けのクライアントを作成します。
// httpClient が nil の場合はタイムアウト無しのクライアントを使い、呼び出し側の context で打ち切ります。
func NewAPI(baseURL string, httpClient *http.Client) *API {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base != "" && !strings.HasPrefix(base, "http") {
		base = "http://" + base
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &API{baseURL: base, http: httpClient}
}

// Ping は軽量な死活確認エンドポイントを1往復だけ叩きます。
// HEAD を受け付けないサーバーには GET で再送します。
func (a *API) Ping(ctx context.Context) error {
	status, err := a.health(ctx, http.MethodHead)
	if err == nil && status == http.StatusMethodNotAllowed {
		status, err = a.health(ctx, http.MethodGet)
	}
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &HTTPError{StatusCode: status}
	}
	return nil
}

func (a *API) health(ctx context.Context, method string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+"/health", nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	return resp.StatusCode, nil
}

// InitUpload はチャンク送信を開始し、uploadId と確定したチャンク計画を受け取ります。
func (a *API) InitUpload(ctx context.Context, in InitRequest) (*InitResponse, error) {
	var out InitResponse
	if err := a.postJSON(ctx, "/api/upload/init", in, &out); err != nil {
		return nil, err
	}
	if out.UploadID == "" || out.ChunkSize <= 0 || out.TotalChunks <= 0 {
		return nil, fmt.Errorf("parse response: incomplete init response")
	}
	return &out, nil
}

// SendChunk は1チャンク分のバイト列を送信します。
func (a *API) SendChunk(ctx context.Context, uploadID string, index int, body io.Reader, size int64) error {
	q := url.Values{}
	q.Set("uploadId", uploadID)
	q.Set("index", strconv.Itoa(index))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/upload/chunk?"+q.Encode(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	return a.do(req, nil)
}

// CompleteUpload はサーバー側の結合を開始させ、ジョブを受け取ります。
// 同じ uploadId で複数回呼んでも同じジョブが返ります。
func (a *API) CompleteUpload(ctx context.Context, uploadID string) (*JobHandle, error) {
	var out JobHandle
	if err := a.postJSON(ctx, "/api/upload/complete", map[string]string{"uploadId": uploadID}, &out); err != nil {
		return nil, err
	}
	if out.JobID == "" {
		return nil, fmt.Errorf("parse response: missing jobId")
	}
	return &out, nil
}

// UploadSingle はファイル全体を1回のマルチパートリクエストで送信します。
// uploadKey が同じ再送にはサーバーが同じジョブを返します。
// progress には送信済みバイト数の増分が通知されます。
func (a *API) UploadSingle(ctx context.Context, file File, operation, uploadKey string, fields map[string]string, progress func(n int64)) (*JobHandle, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeMultipart(mw, file, operation, uploadKey, fields, progress))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/upload", pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out JobHandle
	if err := a.do(req, &out); err != nil {
		return nil, err
	}
	if out.JobID == "" {
		return nil, fmt.Errorf("parse response: missing jobId")
	}
	return &out, nil
}

func writeMultipart(mw *multipart.Writer, file File, operation, uploadKey string, fields map[string]string, progress func(n int64)) error {
	if operation != "" {
		if err := mw.WriteField("operation", operation); err != nil {
			return err
		}
	}
	if uploadKey != "" {
		if err := mw.WriteField("uploadKey", uploadKey); err != nil {
			return err
		}
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", file.Name())
	if err != nil {
		return err
	}
	src := &countingReader{r: io.NewSectionReader(file, 0, file.Size()), onRead: progress}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	return mw.Close()
}

// JobStatus はジョブの現在状態を取得します。
// 404 は ErrSessionExpired として返し、ジョブの失敗とは区別します。
func (a *API) JobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	var out JobStatus
	if err := a.do(req, &out); err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrSessionExpired, jobID)
		}
		return nil, err
	}
	if out.Status == "" {
		return nil, fmt.Errorf("parse response: missing status")
	}
	return &out, nil
}

func (a *API) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req, out)
}

func (a *API) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(body, &httpErr.ErrorBody)
		return httpErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// defaultHTTPClient は CLI 用の共有クライアントです。
func defaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// NewDefaultAPI は CLI 向けの設定で API を作成します。
func NewDefaultAPI(baseURL string) *API {
	return NewAPI(baseURL, defaultHTTPClient())
}
