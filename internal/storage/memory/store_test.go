package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/crstnmac/browser-pool-sub001/internal/screenshot"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "acct1/shot.png", "image/png", strings.NewReader("content"))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://acct1/shot.png" {
		t.Fatalf("unexpected uri %s", uri)
	}
	obj, ok := store.Object("acct1/shot.png")
	if !ok || string(obj) != "content" {
		t.Fatalf("expected stored object, got %q (ok=%v)", obj, ok)
	}
}

func TestAccountLookup(t *testing.T) {
	t.Parallel()

	store := NewStore()
	store.PutAccount(screenshot.Account{ID: "acct1", APIKeyHash: "hash1", Plan: screenshot.PlanStarter})

	account, err := store.GetAccountByKeyHash(context.Background(), "hash1")
	if err != nil {
		t.Fatalf("GetAccountByKeyHash() error = %v", err)
	}
	if account.ID != "acct1" {
		t.Fatalf("expected acct1, got %s", account.ID)
	}

	if _, err := store.GetAccountByKeyHash(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown key hash")
	}
	if _, err := store.GetAccount(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown account")
	}
}

func TestQuotaPeriodIncrement(t *testing.T) {
	t.Parallel()

	store := NewStore()
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	period := screenshot.QuotaPeriod{
		AccountID:     "acct1",
		PeriodStart:   start,
		PeriodEnd:     start.AddDate(0, 1, 0),
		RequestsLimit: 10,
	}
	if err := store.CreateQuotaPeriod(context.Background(), period); err != nil {
		t.Fatalf("CreateQuotaPeriod() error = %v", err)
	}

	at := start.Add(24 * time.Hour)
	if err := store.IncrementQuota(context.Background(), "acct1", at); err != nil {
		t.Fatalf("IncrementQuota() error = %v", err)
	}
	got, ok, err := store.GetQuotaPeriod(context.Background(), "acct1", at)
	if err != nil || !ok {
		t.Fatalf("GetQuotaPeriod() = %v, %v, %v", got, ok, err)
	}
	if got.RequestsMade != 1 {
		t.Fatalf("expected 1 request made, got %d", got.RequestsMade)
	}

	// No covering period means the increment has nowhere to land.
	outside := start.AddDate(0, 2, 0)
	if err := store.IncrementQuota(context.Background(), "acct1", outside); err == nil {
		t.Fatal("expected error for uncovered increment time")
	}
}

func TestSubscriptions(t *testing.T) {
	t.Parallel()

	store := NewStore()
	store.PutSubscription(screenshot.Subscription{ID: "sub1", AccountID: "acct1", Active: true})
	store.PutSubscription(screenshot.Subscription{ID: "sub2", AccountID: "acct1", Active: false})
	store.PutSubscription(screenshot.Subscription{ID: "sub3", AccountID: "acct2", Active: true})

	subs, err := store.ActiveSubscriptions(context.Background(), "acct1")
	if err != nil {
		t.Fatalf("ActiveSubscriptions() error = %v", err)
	}
	if len(subs) != 1 || subs[0].ID != "sub1" {
		t.Fatalf("expected only sub1, got %+v", subs)
	}

	at := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	if err := store.TouchLastTriggered(context.Background(), "sub1", at); err != nil {
		t.Fatalf("TouchLastTriggered() error = %v", err)
	}
	sub, err := store.GetSubscription(context.Background(), "sub1")
	if err != nil {
		t.Fatalf("GetSubscription() error = %v", err)
	}
	if sub.LastTriggeredAt == nil || !sub.LastTriggeredAt.Equal(at) {
		t.Fatalf("expected lastTriggeredAt %v, got %v", at, sub.LastTriggeredAt)
	}
}
