package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/crstnmac/browser-pool-sub001/internal/metrics"
	"github.com/crstnmac/browser-pool-sub001/internal/screenshot"
)

// DeliveryTimeout is the hard cap on one webhook POST, including
// connection setup.
const DeliveryTimeout = 10 * time.Second

// HTTPClient abstracts the outbound client for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Deliverer performs single signed deliveries. It never retries
// internally; the job dispatch retry policy owns that.
type Deliverer struct {
	client HTTPClient
	clock  screenshot.Clock
}

// NewDeliverer builds a Deliverer. A nil client gets a default with the
// fixed delivery timeout.
func NewDeliverer(client HTTPClient, clock screenshot.Clock) *Deliverer {
	if client == nil {
		client = &http.Client{Timeout: DeliveryTimeout}
	}
	return &Deliverer{client: client, clock: clock}
}

// payloadBody is the wire contract: {event, data, timestamp(ms-epoch
// string)}.
type payloadBody struct {
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

// Deliver POSTs the signed event to the subscription's endpoint. Any
// non-2xx response, timeout, or connection failure is an error.
func (d *Deliverer) Deliver(ctx context.Context, sub screenshot.Subscription, kind screenshot.EventKind, data map[string]any) error {
	started := d.clock.Now()
	err := d.deliver(ctx, sub, kind, data)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.ObserveWebhookDelivery(outcome, d.clock.Now().Sub(started))
	return err
}

func (d *Deliverer) deliver(ctx context.Context, sub screenshot.Subscription, kind screenshot.EventKind, data map[string]any) error {
	now := d.clock.Now()
	timestampMs := now.UnixMilli()

	body, err := json.Marshal(payloadBody{
		Event:     string(kind),
		Data:      data,
		Timestamp: strconv.FormatInt(timestampMs, 10),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, DeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(sub.Secret, timestampMs, body))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(timestampMs, 10))
	req.Header.Set(HeaderEvent, string(kind))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook to %s: %w", sub.URL, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint %s returned status %d", sub.URL, resp.StatusCode)
	}
	return nil
}
