package webhooks

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/crstnmac/browser-pool-sub001/internal/screenshot"
)

// Enqueuer is the slice of the job dispatch subsystem the engine needs:
// one delivery job per matching subscription.
type Enqueuer interface {
	EnqueueWebhook(ctx context.Context, sub screenshot.Subscription, kind screenshot.EventKind, data map[string]any) error
}

// Engine decides which subscribers receive a domain event and hands each
// delivery to the webhook queue, falling back to synchronous delivery
// when dispatch is disabled.
type Engine struct {
	subs      screenshot.SubscriptionStore
	deliverer *Deliverer
	enqueuer  Enqueuer
	clock     screenshot.Clock
	logger    *zap.Logger
}

// NewEngine builds an Engine. enqueuer may be nil, in which case every
// delivery is synchronous.
func NewEngine(
	subs screenshot.SubscriptionStore,
	deliverer *Deliverer,
	enqueuer Enqueuer,
	clock screenshot.Clock,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		subs:      subs,
		deliverer: deliverer,
		enqueuer:  enqueuer,
		clock:     clock,
		logger:    logger,
	}
}

// Trigger fans the event out to every active subscription of the tenant
// whose event set contains kind. Subscribers are independent: one
// failure never blocks or fails delivery to the others.
func (e *Engine) Trigger(ctx context.Context, accountID string, kind screenshot.EventKind, data map[string]any) {
	if !kind.Valid() {
		e.logger.Error("refusing fan-out of unknown event kind",
			zap.String("account_id", accountID),
			zap.String("event", string(kind)))
		return
	}
	subs, err := e.subs.ActiveSubscriptions(ctx, accountID)
	if err != nil {
		e.logger.Error("list subscriptions for fan-out failed",
			zap.String("account_id", accountID),
			zap.String("event", string(kind)),
			zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		if !sub.WantsEvent(kind) {
			continue
		}
		if e.enqueuer != nil {
			if err := e.enqueuer.EnqueueWebhook(ctx, sub, kind, data); err == nil {
				continue
			}
			// Dispatch disabled or broker hiccup: deliver inline so the
			// event is not silently lost.
		}
		wg.Add(1)
		go func(sub screenshot.Subscription) {
			defer wg.Done()
			e.DeliverAndRecord(ctx, sub, kind, data)
		}(sub)
	}
	wg.Wait()
}

// DeliverAndRecord performs one delivery and, on success only, stamps the
// subscription's lastTriggeredAt. Failures leave the timestamp untouched;
// the retry record lives at the queue layer.
func (e *Engine) DeliverAndRecord(ctx context.Context, sub screenshot.Subscription, kind screenshot.EventKind, data map[string]any) error {
	if err := e.deliverer.Deliver(ctx, sub, kind, data); err != nil {
		e.logger.Warn("webhook delivery failed",
			zap.String("subscription_id", sub.ID),
			zap.String("event", string(kind)),
			zap.Error(err))
		return err
	}
	if err := e.subs.TouchLastTriggered(ctx, sub.ID, e.clock.Now()); err != nil {
		e.logger.Warn("record lastTriggeredAt failed",
			zap.String("subscription_id", sub.ID), zap.Error(err))
	}
	return nil
}

// QuotaThresholdEvent maps usage against the limit to at most one event:
// quota.warning in [80%, 100%), quota.exceeded at or above 100%. Below
// 80% no event is emitted.
func QuotaThresholdEvent(used, limit int) (screenshot.EventKind, bool) {
	if limit <= 0 {
		return "", false
	}
	percentage := float64(used) / float64(limit) * 100
	switch {
	case percentage >= 100:
		return screenshot.EventQuotaExceeded, true
	case percentage >= 80:
		return screenshot.EventQuotaWarning, true
	default:
		return "", false
	}
}
