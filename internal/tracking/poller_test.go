package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/relayforge/internal/client"
)

var testPollerConfig = PollerConfig{Interval: 5 * time.Millisecond, FetchTimeout: time.Second}

type step struct {
	status   string
	progress int
	err      error
}

type scriptedFetcher struct {
	mu    sync.Mutex
	steps []step
	calls int
}

func (f *scriptedFetcher) JobStatus(ctx context.Context, jobID string) (*client.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := min(f.calls, len(f.steps)-1)
	f.calls++
	s := f.steps[i]
	if s.err != nil {
		return nil, s.err
	}
	return &client.JobStatus{JobID: jobID, Status: s.status, Progress: s.progress}, nil
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) On(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func waitDone(t *testing.T, p *Poller) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestPollerStopsOnCompleted(t *testing.T) {
	fetcher := &scriptedFetcher{steps: []step{
		{status: StatusQueued},
		{status: StatusProcessing, progress: 50},
		{status: StatusCompleted, progress: 100},
	}}
	rec := &recorder{}
	p := NewPoller(fetcher, testPollerConfig, zerolog.Nop())

	require.NoError(t, p.Start(context.Background(), "job-1", rec.On))
	waitDone(t, p)

	events := rec.Events()
	require.Len(t, events, 3)
	assert.Equal(t, TransitionContinue, events[0].Transition)
	assert.Equal(t, TransitionContinue, events[1].Transition)
	assert.Equal(t, 50, events[1].Status.Progress)
	// result が無くても completed は completed
	assert.Equal(t, TransitionCompleted, events[2].Transition)
	assert.Nil(t, events[2].Status.Result)

	time.Sleep(4 * testPollerConfig.Interval)
	assert.Equal(t, 3, fetcher.Calls())
}

func TestPollerStopsOnFailed(t *testing.T) {
	fetcher := &scriptedFetcher{steps: []step{{status: StatusFailed}}}
	rec := &recorder{}
	p := NewPoller(fetcher, testPollerConfig, zerolog.Nop())

	require.NoError(t, p.Start(context.Background(), "job-1", rec.On))
	waitDone(t, p)

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, TransitionFailed, events[0].Transition)
}

func TestPollerTransportErrorsKeepPolling(t *testing.T) {
	fetcher := &scriptedFetcher{steps: []step{
		{err: errors.New("dial tcp: i/o timeout")},
		{err: errors.New("parse response: invalid character '<'")},
		{err: &client.HTTPError{StatusCode: 502}},
		{status: StatusCompleted},
	}}
	rec := &recorder{}
	p := NewPoller(fetcher, testPollerConfig, zerolog.Nop())

	require.NoError(t, p.Start(context.Background(), "job-1", rec.On))
	waitDone(t, p)

	events := rec.Events()
	require.Len(t, events, 4)
	for _, ev := range events[:3] {
		assert.Error(t, ev.Err)
		assert.False(t, ev.Expired)
		assert.Equal(t, TransitionContinue, ev.Transition)
		assert.False(t, ev.Terminal())
	}
	assert.Equal(t, TransitionCompleted, events[3].Transition)
}

func TestPollerExpiryIsNotFailure(t *testing.T) {
	fetcher := &scriptedFetcher{steps: []step{
		{status: StatusProcessing},
		{err: fmt.Errorf("%w: job-1", client.ErrSessionExpired)},
	}}
	rec := &recorder{}
	p := NewPoller(fetcher, testPollerConfig, zerolog.Nop())

	require.NoError(t, p.Start(context.Background(), "job-1", rec.On))
	waitDone(t, p)

	events := rec.Events()
	require.Len(t, events, 2)
	last := events[1]
	assert.True(t, last.Expired)
	assert.ErrorIs(t, last.Err, client.ErrSessionExpired)
	assert.NotEqual(t, TransitionFailed, last.Transition)
	assert.True(t, last.Terminal())
	assert.Equal(t, 2, fetcher.Calls())
}

// inFlightFetcher は2回目の取得を ctx が終わるまで止め、その後に終端状態を返します。
type inFlightFetcher struct {
	entered chan struct{}
	calls   int
}

func (f *inFlightFetcher) JobStatus(ctx context.Context, jobID string) (*client.JobStatus, error) {
	f.calls++
	if f.calls == 1 {
		return &client.JobStatus{JobID: jobID, Status: StatusProcessing}, nil
	}
	close(f.entered)
	<-ctx.Done()
	return &client.JobStatus{JobID: jobID, Status: StatusCompleted}, nil
}

func TestPollerStopDiscardsInFlightTick(t *testing.T) {
	fetcher := &inFlightFetcher{entered: make(chan struct{})}
	rec := &recorder{}
	p := NewPoller(fetcher, testPollerConfig, zerolog.Nop())

	require.NoError(t, p.Start(context.Background(), "job-1", rec.On))

	select {
	case <-fetcher.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("second tick never started")
	}
	p.Stop()
	afterStop := len(rec.Events())
	waitDone(t, p)

	assert.Equal(t, 1, afterStop)
	assert.Len(t, rec.Events(), 1, "no callback may fire after Stop")
}

func TestPollerStopIsIdempotent(t *testing.T) {
	fetcher := &scriptedFetcher{steps: []step{{status: StatusQueued}}}
	p := NewPoller(fetcher, testPollerConfig, zerolog.Nop())

	p.Stop()
	require.NoError(t, p.Start(context.Background(), "job-1", func(Event) {}))
	assert.ErrorIs(t, p.Start(context.Background(), "job-1", func(Event) {}), ErrAlreadyStarted)

	p.Stop()
	p.Stop()
	waitDone(t, p)
	p.Wait()
}

func TestPollerStopFromCallback(t *testing.T) {
	fetcher := &scriptedFetcher{steps: []step{{status: StatusQueued}}}
	rec := &recorder{}
	p := NewPoller(fetcher, testPollerConfig, zerolog.Nop())

	require.NoError(t, p.Start(context.Background(), "job-1", func(ev Event) {
		rec.On(ev)
		ev.Stop()
	}))
	waitDone(t, p)

	assert.Len(t, rec.Events(), 1)
	assert.Equal(t, 1, fetcher.Calls())
}

func TestPollerStopWaitsForRunningCallback(t *testing.T) {
	fetcher := &scriptedFetcher{steps: []step{{status: StatusProcessing}}}
	p := NewPoller(fetcher, testPollerConfig, zerolog.Nop())

	var (
		once     sync.Once
		finished atomic.Bool
		entered  = make(chan struct{})
		release  = make(chan struct{})
	)
	require.NoError(t, p.Start(context.Background(), "job-1", func(ev Event) {
		once.Do(func() {
			close(entered)
			<-release
			finished.Store(true)
		})
	}))

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never ran")
	}

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while the callback was still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the callback finished")
	}
	assert.True(t, finished.Load())
	waitDone(t, p)
}

func TestPollerParentContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetcher := &scriptedFetcher{steps: []step{{status: StatusProcessing}}}
	p := NewPoller(fetcher, testPollerConfig, zerolog.Nop())

	require.NoError(t, p.Start(ctx, "job-1", nil))
	time.Sleep(3 * testPollerConfig.Interval)
	cancel()
	waitDone(t, p)
}

func TestPollerRequiresJobID(t *testing.T) {
	p := NewPoller(&scriptedFetcher{steps: []step{{status: StatusQueued}}}, testPollerConfig, zerolog.Nop())
	assert.Error(t, p.Start(context.Background(), "", nil))
}
