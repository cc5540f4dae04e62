package tracking

import (
	"context"
	"errors"
	"net/url"

	"github.com/yourusername/relayforge/internal/kv"
)

// JobIDParam はアドレスに埋め込むクエリパラメータ名です。
const JobIDParam = "jobId"

// Correlator は画面（ルート）ごとに直近のジョブ ID を保存します。
// アドレスのクエリと永続ストアの両方に書き、読むときはアドレスを優先します。
type Correlator struct {
	store     kv.Store
	namespace string
}

// NewCorrelator は Correlator を作成します。
func NewCorrelator(store kv.Store, namespace string) *Correlator {
	if namespace == "" {
		namespace = "relayforge"
	}
	return &Correlator{store: store, namespace: namespace}
}

// Persist は jobID を保存し、jobId を付けたアドレスを返します。route は変更しません。
func (c *Correlator) Persist(ctx context.Context, route *url.URL, jobID string) (*url.URL, error) {
	if route == nil {
		return nil, errors.New("route is nil")
	}
	if jobID == "" {
		return nil, errors.New("job id is required")
	}
	if err := c.store.Put(ctx, c.key(route), []byte(jobID)); err != nil {
		return nil, err
	}
	return withJobID(route, jobID), nil
}

// Read はジョブ ID を返します。見つからない場合は空文字を返します。
func (c *Correlator) Read(ctx context.Context, route *url.URL) (string, error) {
	if route == nil {
		return "", errors.New("route is nil")
	}
	if id := route.Query().Get(JobIDParam); id != "" {
		return id, nil
	}
	raw, err := c.store.Get(ctx, c.key(route))
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Clear は保存したジョブ ID を消し、jobId を取り除いたアドレスを返します。
func (c *Correlator) Clear(ctx context.Context, route *url.URL) (*url.URL, error) {
	if route == nil {
		return nil, errors.New("route is nil")
	}
	if err := c.store.Delete(ctx, c.key(route)); err != nil {
		return nil, err
	}
	return withJobID(route, ""), nil
}

func (c *Correlator) key(route *url.URL) string {
	path := route.Path
	if path == "" {
		path = "/"
	}
	return c.namespace + ":job:" + path
}

func withJobID(route *url.URL, jobID string) *url.URL {
	out := *route
	q := out.Query()
	if jobID == "" {
		q.Del(JobIDParam)
	} else {
		q.Set(JobIDParam, jobID)
	}
	out.RawQuery = q.Encode()
	return &out
}
