// Package handlers contains the queue worker glue: each handler performs
// one attempt of a job's side effect and surfaces any failure so the
// dispatch retry policy can act on it.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crstnmac/browser-pool-sub001/internal/browser"
	"github.com/crstnmac/browser-pool-sub001/internal/email"
	"github.com/crstnmac/browser-pool-sub001/internal/jobs"
	"github.com/crstnmac/browser-pool-sub001/internal/metrics"
	"github.com/crstnmac/browser-pool-sub001/internal/quota"
	"github.com/crstnmac/browser-pool-sub001/internal/safeurl"
	"github.com/crstnmac/browser-pool-sub001/internal/screenshot"
	"github.com/crstnmac/browser-pool-sub001/internal/webhooks"
)

// SubscriptionLookup loads one subscription by ID for webhook jobs.
type SubscriptionLookup interface {
	GetSubscription(ctx context.Context, id string) (screenshot.Subscription, error)
}

// Capturer runs the full capture pipeline for one request: safety
// validation, page lease, capture, artifact storage, quota accounting,
// and completion events.
type Capturer struct {
	validator *safeurl.Validator
	pool      *browser.Pool
	blobs     screenshot.BlobStore
	prefix    string
	accounts  screenshot.AccountStore
	enforcer  *quota.Enforcer
	engine    *webhooks.Engine
	publisher screenshot.Publisher
	topic     string
	clock     screenshot.Clock
	idGen     screenshot.IDGenerator
	logger    *zap.Logger
}

// CapturerDeps bundles the Capturer's collaborators.
type CapturerDeps struct {
	Validator *safeurl.Validator
	Pool      *browser.Pool
	Blobs     screenshot.BlobStore
	// Prefix is prepended to artifact paths inside the blob store.
	Prefix   string
	Accounts screenshot.AccountStore
	Enforcer *quota.Enforcer
	Engine   *webhooks.Engine
	// Publisher mirrors completion events to an external topic; nil
	// disables the mirror.
	Publisher screenshot.Publisher
	Topic     string
	Clock     screenshot.Clock
	IDGen     screenshot.IDGenerator
	Logger    *zap.Logger
}

// NewCapturer builds a Capturer.
func NewCapturer(deps CapturerDeps) *Capturer {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Capturer{
		validator: deps.Validator,
		pool:      deps.Pool,
		blobs:     deps.Blobs,
		prefix:    deps.Prefix,
		accounts:  deps.Accounts,
		enforcer:  deps.Enforcer,
		engine:    deps.Engine,
		publisher: deps.Publisher,
		topic:     deps.Topic,
		clock:     deps.Clock,
		idGen:     deps.IDGen,
		logger:    logger,
	}
}

// Capture performs one screenshot. The URL is re-validated here even when
// the API layer already checked it, since jobs can sit in the queue while
// DNS changes underneath them.
func (c *Capturer) Capture(ctx context.Context, req screenshot.CaptureRequest) (screenshot.CaptureResult, error) {
	if verdict := c.validator.Validate(ctx, req.URL); !verdict.Allowed {
		err := fmt.Errorf("unsafe url rejected: %s", verdict.Reason)
		c.failed(ctx, req, err)
		return screenshot.CaptureResult{}, err
	}

	lease, err := c.pool.Acquire(ctx)
	if err != nil {
		c.failed(ctx, req, err)
		return screenshot.CaptureResult{}, fmt.Errorf("acquire browser page: %w", err)
	}
	metrics.IncPoolLeases()
	defer func() {
		c.pool.Release(lease)
		metrics.DecPoolLeases()
	}()

	started := c.clock.Now()
	img, err := lease.Page().Capture(ctx, req)
	if err != nil {
		// The page is in an unknown state after a failed navigation;
		// replace it rather than risk leaking state across tenants.
		lease.MarkBroken()
		metrics.ObserveCapture("error", c.clock.Now().Sub(started))
		c.failed(ctx, req, err)
		return screenshot.CaptureResult{}, fmt.Errorf("capture %s: %w", safeurl.Sanitize(req.URL), err)
	}
	duration := c.clock.Now().Sub(started)
	metrics.ObserveCapture("success", duration)

	id, err := c.idGen.NewID()
	if err != nil {
		return screenshot.CaptureResult{}, fmt.Errorf("generate artifact id: %w", err)
	}
	path := fmt.Sprintf("%s/%s.png", req.AccountID, id)
	if c.prefix != "" {
		path = c.prefix + "/" + path
	}
	uri, err := c.blobs.PutObject(ctx, path, "image/png", bytes.NewReader(img))
	if err != nil {
		c.failed(ctx, req, err)
		return screenshot.CaptureResult{}, fmt.Errorf("store artifact: %w", err)
	}

	result := screenshot.CaptureResult{
		AccountID:  req.AccountID,
		URL:        req.URL,
		ImageURI:   uri,
		Bytes:      int64(len(img)),
		CapturedAt: started,
		Duration:   duration,
	}

	data := map[string]any{
		"url":         safeurl.Sanitize(req.URL),
		"image_url":   uri,
		"captured_at": started.UTC().Format(time.RFC3339),
	}
	c.engine.Trigger(ctx, req.AccountID, screenshot.EventScreenshotCompleted, data)
	c.chargeQuota(ctx, req.AccountID)
	c.mirror(ctx, screenshot.EventScreenshotCompleted, req.AccountID, data)

	return result, nil
}

// failed emits the screenshot.failed event; the capture error itself is
// returned to the caller separately.
func (c *Capturer) failed(ctx context.Context, req screenshot.CaptureRequest, cause error) {
	data := map[string]any{
		"url":   safeurl.Sanitize(req.URL),
		"error": cause.Error(),
	}
	c.engine.Trigger(ctx, req.AccountID, screenshot.EventScreenshotFailed, data)
	c.mirror(ctx, screenshot.EventScreenshotFailed, req.AccountID, data)
}

// chargeQuota records one unit of billable work and emits at most one
// threshold event. The artifact already exists at this point; losing a
// quota tick is preferable to failing the capture, so problems here only
// warn.
func (c *Capturer) chargeQuota(ctx context.Context, accountID string) {
	account, err := c.accounts.GetAccount(ctx, accountID)
	if err != nil {
		c.logger.Warn("load account for quota charge failed",
			zap.String("account_id", accountID), zap.Error(err))
		return
	}
	// Ensure the current period exists before the atomic increment.
	if _, err := c.enforcer.CurrentPeriod(ctx, account); err != nil {
		c.logger.Warn("resolve quota period failed",
			zap.String("account_id", accountID), zap.Error(err))
		return
	}
	if err := c.enforcer.Increment(ctx, accountID); err != nil {
		c.logger.Warn("quota increment failed after capture",
			zap.String("account_id", accountID), zap.Error(err))
		return
	}
	period, err := c.enforcer.CurrentPeriod(ctx, account)
	if err != nil {
		c.logger.Warn("reload quota period failed",
			zap.String("account_id", accountID), zap.Error(err))
		return
	}
	kind, ok := webhooks.QuotaThresholdEvent(period.RequestsMade, period.RequestsLimit)
	if !ok {
		return
	}
	c.engine.Trigger(ctx, accountID, kind, map[string]any{
		"requests_made":  period.RequestsMade,
		"requests_limit": period.RequestsLimit,
	})
}

func (c *Capturer) mirror(ctx context.Context, kind screenshot.EventKind, accountID string, data map[string]any) {
	if c.publisher == nil {
		return
	}
	evt := screenshot.Event{
		Kind:      kind,
		AccountID: accountID,
		Timestamp: c.clock.Now().UTC(),
		Data:      data,
	}
	if _, err := c.publisher.Publish(ctx, c.topic, evt); err != nil {
		c.logger.Warn("mirror event publish failed",
			zap.String("event", string(kind)), zap.Error(err))
	}
}

// ScreenshotHandler adapts the Capturer to the screenshot queue.
func ScreenshotHandler(capturer *Capturer) jobs.Handler {
	return func(ctx context.Context, job jobs.Job) error {
		var payload jobs.ScreenshotPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("decode screenshot payload: %w", err)
		}
		_, err := capturer.Capture(ctx, screenshot.CaptureRequest{
			AccountID: payload.AccountID,
			URL:       payload.URL,
			FullPage:  payload.FullPage,
			Width:     payload.Width,
			Height:    payload.Height,
		})
		return err
	}
}

// WebhookJobHandler delivers one subscription payload. Any delivery error
// propagates so the queue retries with backoff.
func WebhookJobHandler(subs SubscriptionLookup, engine *webhooks.Engine) jobs.Handler {
	return func(ctx context.Context, job jobs.Job) error {
		var payload jobs.WebhookPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("decode webhook payload: %w", err)
		}
		sub, err := subs.GetSubscription(ctx, payload.SubscriptionID)
		if err != nil {
			return fmt.Errorf("load subscription %s: %w", payload.SubscriptionID, err)
		}
		if !sub.Active {
			// The tenant deactivated the endpoint while the job waited;
			// drop silently.
			return nil
		}
		return engine.DeliverAndRecord(ctx, sub, payload.Event, payload.Data)
	}
}

// EmailJobHandler sends one notification mail.
func EmailJobHandler(sender email.Sender) jobs.Handler {
	return func(ctx context.Context, job jobs.Job) error {
		var payload jobs.EmailPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("decode email payload: %w", err)
		}
		return sender.Send(ctx, email.Message{
			To:      payload.To,
			Subject: payload.Subject,
			Body:    payload.Body,
		})
	}
}

// WebhookEnqueuer adapts the job manager to the engine's Enqueuer: one
// delivery job per matching subscription.
type WebhookEnqueuer struct {
	Manager *jobs.Manager
	Clock   screenshot.Clock
}

// EnqueueWebhook admits one delivery job to the webhook queue.
func (e WebhookEnqueuer) EnqueueWebhook(ctx context.Context, sub screenshot.Subscription, kind screenshot.EventKind, data map[string]any) error {
	_, err := e.Manager.Enqueue(ctx, jobs.QueueWebhook, jobs.WebhookPayload{
		SubscriptionID: sub.ID,
		AccountID:      sub.AccountID,
		Event:          kind,
		Data:           data,
		EmittedAt:      e.Clock.Now(),
	}, jobs.EnqueueOptions{})
	return err
}
