package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testClock struct{}

func (testClock) Now() time.Time { return time.Now().UTC() }

type testIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *testIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return "job-" + string(rune('a'+g.n-1)), nil
}

type flakyHandler struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (h *flakyHandler) handle(_ context.Context, _ Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.calls <= h.failures {
		return errors.New("transient failure")
	}
	return nil
}

func (h *flakyHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func startManager(t *testing.T, handler Handler, cfg QueueConfig) (*Manager, *MemoryBroker, context.CancelFunc) {
	t.Helper()
	broker := NewMemoryBroker(16)
	mgr := NewManager(broker, testClock{}, &testIDGen{}, zap.NewNop())
	mgr.Register(QueueWebhook, cfg, handler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("manager did not drain on shutdown")
		}
		_ = broker.Close()
	})
	return mgr, broker, cancel
}

func collectEvents(mgr *Manager) (func() []JobEvent, func()) {
	var mu sync.Mutex
	var events []JobEvent
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range mgr.Events() {
			mu.Lock()
			events = append(events, evt)
			mu.Unlock()
		}
	}()
	snapshot := func() []JobEvent {
		mu.Lock()
		defer mu.Unlock()
		out := make([]JobEvent, len(events))
		copy(out, events)
		return out
	}
	wait := func() { <-done }
	return snapshot, wait
}

func terminalEvents(events []JobEvent) []JobEvent {
	var out []JobEvent
	for _, evt := range events {
		if evt.Status == StatusCompleted || evt.Status == StatusFailed {
			out = append(out, evt)
		}
	}
	return out
}

func TestManager_RetryThenComplete(t *testing.T) {
	t.Parallel()

	handler := &flakyHandler{failures: 2}
	mgr, _, _ := startManager(t, handler.handle, QueueConfig{
		Concurrency: 2,
		MaxAttempts: 5,
		Backoff:     Fixed(5 * time.Millisecond),
	})
	snapshot, _ := collectEvents(mgr)

	_, err := mgr.Enqueue(context.Background(), QueueWebhook, WebhookPayload{SubscriptionID: "s1"}, EnqueueOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		terminal := terminalEvents(snapshot())
		return len(terminal) == 1 && terminal[0].Status == StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	terminal := terminalEvents(snapshot())
	require.Len(t, terminal, 1)
	require.Equal(t, StatusCompleted, terminal[0].Status)
	require.Equal(t, 3, terminal[0].Attempts)
	require.Equal(t, 3, handler.callCount())
}

func TestManager_RetryExhaustedRetainsFailure(t *testing.T) {
	t.Parallel()

	handler := &flakyHandler{failures: 100}
	mgr, broker, _ := startManager(t, handler.handle, QueueConfig{
		Concurrency: 1,
		MaxAttempts: 3,
		Backoff:     Fixed(5 * time.Millisecond),
	})
	snapshot, _ := collectEvents(mgr)

	_, err := mgr.Enqueue(context.Background(), QueueWebhook, WebhookPayload{SubscriptionID: "s1"}, EnqueueOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		terminal := terminalEvents(snapshot())
		return len(terminal) == 1 && terminal[0].Status == StatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	require.Equal(t, 3, handler.callCount())

	failed, err := broker.FailedJobs(context.Background(), QueueWebhook)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, StatusFailed, failed[0].Status)
	require.Equal(t, 3, failed[0].Attempts)
	require.Equal(t, "transient failure", failed[0].LastError)
}

type requeueFailingBroker struct {
	*MemoryBroker
}

func (b *requeueFailingBroker) EnqueueDelayed(context.Context, Job, time.Duration) error {
	return errors.New("broker write refused")
}

func TestManager_FailedRequeueIsRetained(t *testing.T) {
	t.Parallel()

	handler := &flakyHandler{failures: 100}
	broker := &requeueFailingBroker{MemoryBroker: NewMemoryBroker(16)}
	mgr := NewManager(broker, testClock{}, &testIDGen{}, zap.NewNop())
	mgr.Register(QueueWebhook, QueueConfig{
		Concurrency: 1,
		MaxAttempts: 3,
		Backoff:     Fixed(5 * time.Millisecond),
	}, handler.handle)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("manager did not drain on shutdown")
		}
		_ = broker.Close()
	})
	snapshot, _ := collectEvents(mgr)

	_, err := mgr.Enqueue(context.Background(), QueueWebhook, WebhookPayload{SubscriptionID: "s1"}, EnqueueOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		terminal := terminalEvents(snapshot())
		return len(terminal) == 1 && terminal[0].Status == StatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	// One attempt, then the refused requeue ends the job; it must still
	// land in the retention list.
	require.Equal(t, 1, handler.callCount())

	failed, err := broker.FailedJobs(context.Background(), QueueWebhook)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, StatusFailed, failed[0].Status)
	require.Equal(t, 1, failed[0].Attempts)
}

func TestManager_PerJobOverrides(t *testing.T) {
	t.Parallel()

	handler := &flakyHandler{failures: 100}
	mgr, broker, _ := startManager(t, handler.handle, QueueConfig{
		Concurrency: 1,
		MaxAttempts: 10,
		Backoff:     Fixed(5 * time.Millisecond),
	})

	backoff := Fixed(time.Millisecond)
	_, err := mgr.Enqueue(context.Background(), QueueWebhook, WebhookPayload{}, EnqueueOptions{
		MaxAttempts: 2,
		Backoff:     &backoff,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		failed, failedErr := broker.FailedJobs(context.Background(), QueueWebhook)
		return failedErr == nil && len(failed) == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, handler.callCount())
}

func TestManager_UnknownQueue(t *testing.T) {
	t.Parallel()

	mgr, _, _ := startManager(t, func(context.Context, Job) error { return nil }, QueueConfig{Concurrency: 1, MaxAttempts: 1, Backoff: Fixed(time.Millisecond)})
	_, err := mgr.Enqueue(context.Background(), QueueEmail, EmailPayload{}, EnqueueOptions{})
	require.ErrorIs(t, err, ErrUnknownQueue)
}

func TestDisabledManager_EnqueueIsNoOp(t *testing.T) {
	t.Parallel()

	mgr := NewDisabledManager(zap.NewNop())
	require.True(t, mgr.Disabled())

	_, err := mgr.Enqueue(context.Background(), QueueWebhook, WebhookPayload{}, EnqueueOptions{})
	require.ErrorIs(t, err, ErrDispatchDisabled)

	// Run must return promptly once the context ends instead of crashing
	// the host.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled manager did not stop")
	}
}

func TestBackoff_Next(t *testing.T) {
	t.Parallel()

	fixed := Fixed(2 * time.Second)
	require.Equal(t, 2*time.Second, fixed.Next(1))
	require.Equal(t, 2*time.Second, fixed.Next(4))

	exp := Exponential(time.Second)
	require.Equal(t, time.Second, exp.Next(1))
	require.Equal(t, 2*time.Second, exp.Next(2))
	require.Equal(t, 8*time.Second, exp.Next(4))
}
