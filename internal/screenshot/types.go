package screenshot

import (
	"time"
)

// PlanTier identifies a billing plan. The set is closed; limits are a pure
// function of the tier.
type PlanTier string

// Supported plan tiers.
const (
	PlanFree    PlanTier = "free"
	PlanStarter PlanTier = "starter"
	PlanPro     PlanTier = "pro"
	PlanScale   PlanTier = "scale"
)

// PlanLimits holds the per-tier quota and rate limits.
type PlanLimits struct {
	// MonthlyQuota is the number of screenshot requests allowed per
	// calendar month.
	MonthlyQuota int
	// RequestsPerMinute bounds the sustained request rate.
	RequestsPerMinute float64
}

var planLimits = map[PlanTier]PlanLimits{
	PlanFree:    {MonthlyQuota: 100, RequestsPerMinute: 5},
	PlanStarter: {MonthlyQuota: 2000, RequestsPerMinute: 30},
	PlanPro:     {MonthlyQuota: 20000, RequestsPerMinute: 120},
	PlanScale:   {MonthlyQuota: 200000, RequestsPerMinute: 600},
}

// LimitsFor returns the limits for a tier. Unknown tiers fall back to the
// free plan so a bad row never grants unlimited capacity.
func LimitsFor(tier PlanTier) PlanLimits {
	if !tier.Valid() {
		tier = PlanFree
	}
	return planLimits[tier]
}

// Valid reports whether the tier is one of the closed enumeration.
func (t PlanTier) Valid() bool {
	_, ok := planLimits[t]
	return ok
}

// Account is a tenant record. The core reads plan and lockout fields and
// bumps quota counters; everything else about accounts lives outside the
// pipeline.
type Account struct {
	ID             string
	Email          string
	Plan           PlanTier
	APIKeyHash     string
	FailedAttempts int
	LockExpiry     *time.Time
	CreatedAt      time.Time
}

// QuotaPeriod is a per-account calendar-month usage counter.
type QuotaPeriod struct {
	AccountID     string
	PeriodStart   time.Time
	PeriodEnd     time.Time
	RequestsMade  int
	RequestsLimit int
}

// Covers reports whether the period contains the instant t.
func (p QuotaPeriod) Covers(t time.Time) bool {
	return !t.Before(p.PeriodStart) && t.Before(p.PeriodEnd)
}

// Remaining returns how many requests are left in the period, never
// negative.
func (p QuotaPeriod) Remaining() int {
	if p.RequestsMade >= p.RequestsLimit {
		return 0
	}
	return p.RequestsLimit - p.RequestsMade
}

// EventKind names a webhook event. The set is closed.
type EventKind string

// Supported webhook event kinds.
const (
	EventScreenshotCompleted EventKind = "screenshot.completed"
	EventScreenshotFailed    EventKind = "screenshot.failed"
	EventQuotaWarning        EventKind = "quota.warning"
	EventQuotaExceeded       EventKind = "quota.exceeded"
	EventAPIKeyCreated       EventKind = "apikey.created"
	EventAccountLocked       EventKind = "account.locked"
)

// Valid reports whether the kind is part of the closed enumeration.
func (k EventKind) Valid() bool {
	switch k {
	case EventScreenshotCompleted, EventScreenshotFailed,
		EventQuotaWarning, EventQuotaExceeded,
		EventAPIKeyCreated, EventAccountLocked:
		return true
	}
	return false
}

// Event is an immutable domain fact. The JSON tags fix the wire shape of
// the mirrored copy published to the external topic.
type Event struct {
	Kind      EventKind      `json:"event"`
	AccountID string         `json:"account_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription is a tenant-registered webhook endpoint. The pipeline only
// reads it and records successful-delivery timestamps.
type Subscription struct {
	ID              string
	AccountID       string
	URL             string
	Secret          string
	Events          []EventKind
	Active          bool
	LastTriggeredAt *time.Time
}

// WantsEvent reports whether the subscription is subscribed to kind.
func (s Subscription) WantsEvent(kind EventKind) bool {
	for _, k := range s.Events {
		if k == kind {
			return true
		}
	}
	return false
}

// CaptureRequest describes one screenshot to take.
type CaptureRequest struct {
	AccountID string
	URL       string
	FullPage  bool
	Width     int
	Height    int
}

// CaptureResult is the outcome of a capture, including where the image
// artifact was stored.
type CaptureResult struct {
	AccountID  string
	URL        string
	ImageURI   string
	Bytes      int64
	CapturedAt time.Time
	Duration   time.Duration
}

// AuditRecord is an operator-facing audit trail entry.
type AuditRecord struct {
	AccountID string
	Action    string
	Detail    string
	At        time.Time
}
