package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/relayforge/internal/kv"
	"github.com/yourusername/relayforge/internal/retry"
)

var fastRetry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

var testEngineConfig = EngineConfig{Retry: fastRetry, ChunkTimeout: time.Second}

type sendEvent struct {
	index int
	start bool
}

// fakeBackend はサーバーの振る舞いをメモリ上で再現します。
type fakeBackend struct {
	mu sync.Mutex

	ceiling int64
	nextID  int

	uploads map[string]*fakeUpload

	attempts  []int       // SendChunk が呼ばれた順のチャンク番号
	events    []sendEvent // 開始・終了の順序
	inflight  int
	peak      int
	failures  map[int]int   // index -> 残りの失敗回数
	permanent map[int]error // index -> 恒久的なエラー
	onSend    func(index int)
	sendDelay time.Duration

	initCalls     int
	completeCalls int
	singleCalls   int
	singleErrs    []error
	singleData    []byte
	singleKeys    []string
	singleJobs    map[string]string // uploadKey -> jobId
	singleCreated int
	singleLost    int // ジョブ作成後に応答を失う回数
}

type fakeUpload struct {
	filename    string
	size        int64
	chunkSize   int64
	totalChunks int
	chunks      map[int][]byte
	jobID       string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		ceiling:   MaxChunkSize,
		uploads:   make(map[string]*fakeUpload),
		failures:  make(map[int]int),
		permanent:  make(map[int]error),
		singleJobs: make(map[string]string),
	}
}

func (f *fakeBackend) InitUpload(ctx context.Context, in InitRequest) (*InitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	chunkSize := min(in.ChunkSize, f.ceiling)
	f.nextID++
	id := fmt.Sprintf("up-%d", f.nextID)
	f.uploads[id] = &fakeUpload{
		filename:    in.Filename,
		size:        in.TotalSize,
		chunkSize:   chunkSize,
		totalChunks: TotalChunks(in.TotalSize, chunkSize),
		chunks:      make(map[int][]byte),
	}
	return &InitResponse{UploadID: id, ChunkSize: chunkSize, TotalChunks: f.uploads[id].totalChunks}, nil
}

func (f *fakeBackend) SendChunk(ctx context.Context, uploadID string, index int, body io.Reader, size int64) error {
	f.mu.Lock()
	f.attempts = append(f.attempts, index)
	f.events = append(f.events, sendEvent{index: index, start: true})
	f.inflight++
	f.peak = max(f.peak, f.inflight)
	hook := f.onSend
	delay := f.sendDelay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.events = append(f.events, sendEvent{index: index})
		f.mu.Unlock()
	}()

	if hook != nil {
		hook(index)
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.permanent[index]; ok {
		return err
	}
	if f.failures[index] > 0 {
		f.failures[index]--
		return fmt.Errorf("connection reset while sending chunk %d", index)
	}
	up, ok := f.uploads[uploadID]
	if !ok {
		return &HTTPError{StatusCode: http.StatusNotFound, ErrorBody: ErrorBody{Code: "UPLOAD_NOT_FOUND"}}
	}
	if int64(len(data)) != size {
		return &HTTPError{StatusCode: http.StatusBadRequest, ErrorBody: ErrorBody{Code: "INVALID_CHUNK"}}
	}
	up.chunks[index] = data
	return nil
}

func (f *fakeBackend) CompleteUpload(ctx context.Context, uploadID string) (*JobHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	up, ok := f.uploads[uploadID]
	if !ok {
		return nil, &HTTPError{StatusCode: http.StatusNotFound, ErrorBody: ErrorBody{Code: "UPLOAD_NOT_FOUND"}}
	}
	if up.jobID == "" {
		if len(up.chunks) != up.totalChunks {
			return nil, &HTTPError{StatusCode: http.StatusConflict, ErrorBody: ErrorBody{Code: "INCOMPLETE_UPLOAD"}}
		}
		up.jobID = "job-" + uploadID
	}
	return &JobHandle{JobID: up.jobID, Status: StatusQueued}, nil
}

func (f *fakeBackend) UploadSingle(ctx context.Context, file File, operation, uploadKey string, fields map[string]string, progress func(n int64)) (*JobHandle, error) {
	f.mu.Lock()
	f.singleCalls++
	f.singleKeys = append(f.singleKeys, uploadKey)
	var err error
	if len(f.singleErrs) > 0 {
		err = f.singleErrs[0]
		f.singleErrs = f.singleErrs[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	data, readErr := io.ReadAll(&countingReader{r: io.NewSectionReader(file, 0, file.Size()), onRead: progress})
	if readErr != nil {
		return nil, readErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singleData = data
	jobID, ok := f.singleJobs[uploadKey]
	if !ok || uploadKey == "" {
		f.singleCreated++
		jobID = "job-single"
		if f.singleCreated > 1 {
			jobID = fmt.Sprintf("job-single-%d", f.singleCreated)
		}
		f.singleJobs[uploadKey] = jobID
	}
	if f.singleLost > 0 {
		f.singleLost--
		return nil, errors.New("read response: connection reset by peer")
	}
	return &JobHandle{JobID: jobID, Status: StatusQueued}, nil
}

// assembled はサーバー側に届いたチャンクを結合します。
func (f *fakeBackend) assembled(uploadID string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	up := f.uploads[uploadID]
	var buf bytes.Buffer
	for i := 0; i < up.totalChunks; i++ {
		buf.Write(up.chunks[i])
	}
	return buf.Bytes()
}

func (f *fakeBackend) sentIndices() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]int(nil), f.attempts...)
	sort.Ints(out)
	return out
}

func (f *fakeBackend) resetAttempts() {
	f.mu.Lock()
	f.attempts = nil
	f.events = nil
	f.mu.Unlock()
}

type fixedSpeed SpeedClass

func (s fixedSpeed) Measure(ctx context.Context) SpeedClass { return SpeedClass(s) }

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*31 + i/251)
	}
	return data
}

func newTestSessions(t *testing.T) (*SessionStore, *kv.Memory) {
	t.Helper()
	mem := kv.NewMemory()
	return NewSessionStore(mem, "test"), mem
}

func nopLogger() zerolog.Logger { return zerolog.Nop() }
