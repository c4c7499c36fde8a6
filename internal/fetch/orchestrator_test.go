package fetch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvmarrod/shelf-weaver/internal/profile"
)

type fakeCapability struct {
	mu    sync.Mutex
	calls []Identity
	reply func(call int) (*Response, error)
}

func (f *fakeCapability) Fetch(_ context.Context, _ string, id Identity, _ time.Duration) (*Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	n := len(f.calls)
	f.mu.Unlock()
	return f.reply(n)
}

func (f *fakeCapability) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var genuinePage = []byte("<html><head><title>Laptops</title></head><body>" + strings.Repeat("<div class=item>x</div>", 50) + "</body></html>")

func ok() (*Response, error) {
	return &Response{Status: 200, Body: genuinePage, ContentType: "text/html"}, nil
}

func newTestOrchestrator(capability Capability) *Orchestrator {
	o := NewOrchestrator(Config{MaxAttempts: 3, Timeout: time.Second}, capability, NewGate(), NewIdentityPool(nil, nil), nil)
	o.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	o.jitter = func() float64 { return 0 }
	return o
}

func mustTask(t *testing.T, raw string) *Task {
	t.Helper()
	task, err := NewTask(raw)
	require.NoError(t, err)
	return task
}

func TestFetchSucceedsFirstAttempt(t *testing.T) {
	capability := &fakeCapability{reply: func(int) (*Response, error) { return ok() }}
	o := newTestOrchestrator(capability)
	task := mustTask(t, "https://shop.example.com/laptops")

	page, err := o.Fetch(context.Background(), task, profile.AntiDetection{})
	require.NoError(t, err)
	assert.Equal(t, 200, page.Status)
	assert.Equal(t, "https://shop.example.com/laptops", page.FinalURL)
	assert.Equal(t, StateSucceeded, task.State)
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, 1, capability.count())
}

func TestFetchPersistentTimeoutIsBounded(t *testing.T) {
	capability := &fakeCapability{reply: func(int) (*Response, error) {
		return nil, context.DeadlineExceeded
	}}
	o := newTestOrchestrator(capability)
	task := mustTask(t, "https://shop.example.com/slow")

	_, err := o.Fetch(context.Background(), task, profile.AntiDetection{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, 3, capability.count())
	assert.Equal(t, StateFailed, task.State)
	assert.Equal(t, 3, task.Attempts)
}

func TestFetchRetriesServerErrors(t *testing.T) {
	capability := &fakeCapability{reply: func(call int) (*Response, error) {
		if call == 1 {
			return &Response{Status: 503, Body: []byte("unavailable")}, nil
		}
		return ok()
	}}
	o := newTestOrchestrator(capability)
	task := mustTask(t, "https://shop.example.com/flaky")

	page, err := o.Fetch(context.Background(), task, profile.AntiDetection{})
	require.NoError(t, err)
	assert.NotNil(t, page)
	assert.Equal(t, 2, capability.count())
	assert.Equal(t, 2, task.Attempts)
}

func TestFetchClientErrorFailsFast(t *testing.T) {
	capability := &fakeCapability{reply: func(int) (*Response, error) {
		return &Response{Status: 404, Body: []byte("not found")}, nil
	}}
	o := newTestOrchestrator(capability)
	task := mustTask(t, "https://shop.example.com/missing")

	_, err := o.Fetch(context.Background(), task, profile.AntiDetection{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHTTPStatus))
	assert.Equal(t, 1, capability.count())

	var fe *Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "http_404", fe.Reason())
}

func blockedPage() (*Response, error) {
	return &Response{Status: 200, Body: []byte("<html><head><title>Just a moment...</title></head><body>cf_chl_opt</body></html>")}, nil
}

func TestFetchAntiBotRotatesOnce(t *testing.T) {
	capability := &fakeCapability{reply: func(int) (*Response, error) { return blockedPage() }}
	o := newTestOrchestrator(capability)
	task := mustTask(t, "https://shop.example.com/laptops")

	_, err := o.Fetch(context.Background(), task, profile.AntiDetection{RotateIdentity: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAntiBotBlock))
	require.Equal(t, 2, capability.count())
	assert.NotEqual(t, capability.calls[0], capability.calls[1])
	assert.True(t, o.gate.Burned(task.Domain, capability.calls[0]))
	assert.True(t, o.gate.Burned(task.Domain, capability.calls[1]))
}

func TestFetchAntiBotWithoutRotationFailsImmediately(t *testing.T) {
	capability := &fakeCapability{reply: func(int) (*Response, error) { return blockedPage() }}
	o := newTestOrchestrator(capability)
	task := mustTask(t, "https://shop.example.com/laptops")

	_, err := o.Fetch(context.Background(), task, profile.AntiDetection{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAntiBotBlock))
	assert.Equal(t, 1, capability.count())
}

func TestFetchAntiBotRecoversAfterRotation(t *testing.T) {
	capability := &fakeCapability{reply: func(call int) (*Response, error) {
		if call == 1 {
			return blockedPage()
		}
		return ok()
	}}
	o := newTestOrchestrator(capability)
	task := mustTask(t, "https://shop.example.com/laptops")

	page, err := o.Fetch(context.Background(), task, profile.AntiDetection{RotateIdentity: true})
	require.NoError(t, err)
	assert.Equal(t, capability.calls[1], page.Identity)
}

func TestFetchCancelledBeforeStart(t *testing.T) {
	capability := &fakeCapability{reply: func(int) (*Response, error) { return ok() }}
	o := newTestOrchestrator(capability)
	task := mustTask(t, "https://shop.example.com/laptops")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Fetch(ctx, task, profile.AntiDetection{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, capability.count())
	assert.Equal(t, StateFailed, task.State)
}

func TestFetchHookSeesEveryAttempt(t *testing.T) {
	capability := &fakeCapability{reply: func(int) (*Response, error) {
		return nil, errors.New("connection refused")
	}}
	var reasons []string
	o := newTestOrchestrator(capability)
	o.hook = func(_ *Task, _ *Response, _ time.Duration, fe *Error) {
		if fe != nil {
			reasons = append(reasons, fe.Reason())
		}
	}

	_, err := o.Fetch(context.Background(), mustTask(t, "https://shop.example.com/"), profile.AntiDetection{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectionFailed))
	assert.Equal(t, []string{"connection_failed", "connection_failed", "connection_failed"}, reasons)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	o := NewOrchestrator(Config{BackoffBase: time.Second, BackoffMax: 5 * time.Second}, nil, nil, nil, nil)
	o.jitter = func() float64 { return 0 }

	assert.Equal(t, time.Second, o.backoff(1))
	assert.Equal(t, 2*time.Second, o.backoff(2))
	assert.Equal(t, 4*time.Second, o.backoff(3))
	assert.Equal(t, 5*time.Second, o.backoff(4))
}

func TestRandomDelayWithinBounds(t *testing.T) {
	o := NewOrchestrator(Config{}, nil, nil, nil, nil)
	for _, j := range []float64{0, 0.5, 0.999} {
		o.jitter = func() float64 { return j }
		d := o.randomDelay(time.Second, 3*time.Second)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}

func TestNewTaskRejectsNonHTTP(t *testing.T) {
	_, err := NewTask("ftp://shop.example.com/")
	assert.Error(t, err)

	task, err := NewTask("https://Shop.Example.com/a")
	require.NoError(t, err)
	assert.Equal(t, "shop.example.com", task.Domain)
	assert.Equal(t, StatePending, task.State)
}
