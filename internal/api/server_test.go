package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crstnmac/browser-pool-sub001/internal/browser"
	"github.com/crstnmac/browser-pool-sub001/internal/handlers"
	"github.com/crstnmac/browser-pool-sub001/internal/jobs"
	"github.com/crstnmac/browser-pool-sub001/internal/metrics"
	"github.com/crstnmac/browser-pool-sub001/internal/quota"
	"github.com/crstnmac/browser-pool-sub001/internal/safeurl"
	"github.com/crstnmac/browser-pool-sub001/internal/screenshot"
	"github.com/crstnmac/browser-pool-sub001/internal/storage/memory"
	"github.com/crstnmac/browser-pool-sub001/internal/webhooks"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

const goodKey = "sk_live_good"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDGen struct {
	n atomic.Int64
}

func (g *seqIDGen) NewID() (string, error) {
	return fmt.Sprintf("job-%d", g.n.Add(1)), nil
}

type stubPage struct {
	id string
}

func (p *stubPage) ID() string { return p.id }

func (p *stubPage) Capture(context.Context, screenshot.CaptureRequest) ([]byte, error) {
	return []byte("png"), nil
}

func (p *stubPage) Reset(context.Context) error { return nil }
func (p *stubPage) Close(context.Context) error { return nil }

type stubBackend struct {
	n atomic.Int64
}

func (b *stubBackend) NewPage(context.Context) (browser.Page, error) {
	return &stubPage{id: fmt.Sprintf("p%d", b.n.Add(1))}, nil
}

func (b *stubBackend) Close(context.Context) error { return nil }

type env struct {
	server  *Server
	store   *memory.Store
	broker  *jobs.MemoryBroker
	tracker *JobTracker
	clock   *testClock
}

func newEnv(t *testing.T, disabled bool) *env {
	t.Helper()

	clock := &testClock{now: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)}
	store := memory.NewStore()
	store.PutAccount(screenshot.Account{
		ID:         "acct1",
		Email:      "owner@example.com",
		Plan:       screenshot.PlanPro,
		APIKeyHash: HashAPIKey(goodKey),
	})

	enforcer := quota.New(store, store, clock, zap.NewNop())

	pool, err := browser.NewPool(context.Background(), &stubBackend{}, browser.Config{Capacity: 1}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })

	var manager *jobs.Manager
	var broker *jobs.MemoryBroker
	idGen := &seqIDGen{}
	if disabled {
		manager = jobs.NewDisabledManager(zap.NewNop())
	} else {
		broker = jobs.NewMemoryBroker(16)
		t.Cleanup(func() { _ = broker.Close() })
		manager = jobs.NewManager(broker, clock, idGen, zap.NewNop())
		manager.Register(jobs.QueueScreenshot, jobs.QueueConfig{Concurrency: 1, MaxAttempts: 2}, func(context.Context, jobs.Job) error {
			return nil
		})
	}

	engine := webhooks.NewEngine(store, webhooks.NewDeliverer(nil, clock), nil, clock, zap.NewNop())
	capturer := handlers.NewCapturer(handlers.CapturerDeps{
		Validator: safeurl.New(zap.NewNop()),
		Pool:      pool,
		Blobs:     memory.NewBlobStore(),
		Accounts:  store,
		Enforcer:  enforcer,
		Engine:    engine,
		Clock:     clock,
		IDGen:     idGen,
		Logger:    zap.NewNop(),
	})

	var brokerIface jobs.Broker
	if broker != nil {
		brokerIface = broker
	}
	tracker := NewJobTracker()
	server := NewServer(Deps{
		Accounts:  store,
		Validator: safeurl.New(zap.NewNop()),
		Enforcer:  enforcer,
		Capturer:  capturer,
		Manager:   manager,
		Broker:    brokerIface,
		Tracker:   tracker,
		Logger:    zap.NewNop(),
	})
	return &env{server: server, store: store, broker: broker, tracker: tracker, clock: clock}
}

func (e *env) do(t *testing.T, method, path, apiKey string, body any, extraHeaders map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	e := newEnv(t, false)
	rec := e.do(t, http.MethodGet, "/healthz", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/readyz", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"dispatch":"active"`)
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()

	e := newEnv(t, false)
	rec := e.do(t, http.MethodPost, "/v1/screenshots", "", map[string]string{"url": "https://example.com"}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodPost, "/v1/screenshots", "sk_wrong", map[string]string{"url": "https://example.com"}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateScreenshot_Enqueued(t *testing.T) {
	t.Parallel()

	e := newEnv(t, false)
	rec := e.do(t, http.MethodPost, "/v1/screenshots", goodKey, map[string]any{
		"url": "https://example.com/page",
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)
	require.Equal(t, "waiting", resp.Status)

	// The tracker answers status queries for the new job.
	rec = e.do(t, http.MethodGet, "/v1/jobs/"+resp.JobID, goodKey, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"queue":"screenshot"`)
}

func TestCreateScreenshot_RejectsUnsafeURL(t *testing.T) {
	t.Parallel()

	e := newEnv(t, false)
	rec := e.do(t, http.MethodPost, "/v1/screenshots", goodKey, map[string]any{
		"url": "http://localhost:8080/admin",
	}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCreateScreenshot_QuotaExhausted(t *testing.T) {
	t.Parallel()

	e := newEnv(t, false)
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, e.store.CreateQuotaPeriod(context.Background(), screenshot.QuotaPeriod{
		AccountID:     "acct1",
		PeriodStart:   start,
		PeriodEnd:     start.AddDate(0, 1, 0),
		RequestsMade:  20000,
		RequestsLimit: 20000,
	}))

	rec := e.do(t, http.MethodPost, "/v1/screenshots", goodKey, map[string]any{
		"url": "https://example.com",
	}, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Contains(t, rec.Body.String(), "quota")
}

func TestCreateScreenshot_InlineWhenDispatchDisabled(t *testing.T) {
	t.Parallel()

	e := newEnv(t, true)
	rec := e.do(t, http.MethodGet, "/readyz", "", nil, nil)
	require.Contains(t, rec.Body.String(), `"dispatch":"disabled"`)

	rec = e.do(t, http.MethodPost, "/v1/screenshots", goodKey, map[string]any{
		"url": "https://example.com/page",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		ImageURL string `json:"image_url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp.ImageURL, "memory://acct1/")
}

func TestLockoutFlow(t *testing.T) {
	t.Parallel()

	e := newEnv(t, false)
	headers := map[string]string{"X-Account-ID": "acct1"}

	// Five misses attributed to the account lock it.
	for i := 0; i < quota.LockThreshold; i++ {
		rec := e.do(t, http.MethodPost, "/v1/screenshots", "sk_wrong", map[string]any{"url": "https://example.com"}, headers)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	// Even the correct key is refused while the lock holds.
	rec := e.do(t, http.MethodPost, "/v1/screenshots", goodKey, map[string]any{"url": "https://example.com"}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "locked")

	// The lock expires lazily; the next authenticated request clears it.
	e.clock.Advance(16 * time.Minute)
	rec = e.do(t, http.MethodPost, "/v1/screenshots", goodKey, map[string]any{"url": "https://example.com"}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	account, err := e.store.GetAccount(context.Background(), "acct1")
	require.NoError(t, err)
	require.Zero(t, account.FailedAttempts)
	require.Nil(t, account.LockExpiry)
}

func TestGetJobStatus_NotFound(t *testing.T) {
	t.Parallel()

	e := newEnv(t, false)
	rec := e.do(t, http.MethodGet, "/v1/jobs/nope", goodKey, nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListFailedJobs(t *testing.T) {
	t.Parallel()

	e := newEnv(t, false)
	failed := jobs.Job{
		ID:          "dead-1",
		Queue:       jobs.QueueWebhook,
		Attempts:    3,
		MaxAttempts: 3,
		Status:      jobs.StatusFailed,
		LastError:   "endpoint returned status 500",
	}
	require.NoError(t, e.broker.RecordFailed(context.Background(), failed))

	rec := e.do(t, http.MethodGet, "/v1/queues/webhook/failed", goodKey, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "dead-1")

	rec = e.do(t, http.MethodGet, "/v1/queues/bogus/failed", goodKey, nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
