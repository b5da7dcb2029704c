package store

import (
	"context"
	"errors"
	"time"
)

// WildcardEvent is the sentinel entry in a subscription's event set that
// matches every event type.
const WildcardEvent = "*"

// DeliveryStatus is the ledger state of a single (event, subscription) pair.
type DeliveryStatus string

const (
	StatusPending  DeliveryStatus = "pending"
	StatusInFlight DeliveryStatus = "in_flight"
	StatusSuccess  DeliveryStatus = "success"
	StatusDead     DeliveryStatus = "dead"
)

// EventStatus is informational only: whether fan-out has run for the event.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventDispatched EventStatus = "dispatched"
	EventFailed     EventStatus = "failed"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrNotClaimed is returned by ClaimDelivery when the row was no longer
	// claimable (already taken by another sweep, or terminal).
	ErrNotClaimed = errors.New("store: delivery not claimed")
)

// Subscription is a tenant-registered webhook endpoint. Read-only to the
// dispatcher; created and edited by the dashboard out of scope here.
type Subscription struct {
	ID              string
	TenantID        string
	Name            string
	URL             string
	Secret          string
	IsActive        bool
	Events          []string
	LastTriggeredAt *time.Time
	CreatedAt       time.Time
}

// Matcher reports whether an event type is covered by a subscription's
// event set. Built once per subscription at fan-out time.
type Matcher struct {
	all   bool
	types map[string]struct{}
}

// NewMatcher builds the match predicate for an event-type set. An empty
// set matches nothing; a set containing WildcardEvent matches everything.
func NewMatcher(events []string) Matcher {
	m := Matcher{types: make(map[string]struct{}, len(events))}
	for _, e := range events {
		if e == WildcardEvent {
			m.all = true
		}
		m.types[e] = struct{}{}
	}
	return m
}

// Matches reports whether the matcher covers eventType.
func (m Matcher) Matches(eventType string) bool {
	if m.all {
		return true
	}
	_, ok := m.types[eventType]
	return ok
}

// Matches is a convenience for one-off checks on a subscription.
func (s Subscription) Matches(eventType string) bool {
	return NewMatcher(s.Events).Matches(eventType)
}

// Event is an immutable record of something that happened in the CRM,
// tagged with a tenant and a type. Payload is opaque bytes end to end.
type Event struct {
	ID        string
	TenantID  string
	EventType string
	Payload   []byte
	Status    EventStatus
	CreatedAt time.Time
}

// Delivery is one subscription's attempt lineage for one event.
type Delivery struct {
	ID              string
	EventID         string
	SubscriptionID  string
	AttemptCount    int
	Status          DeliveryStatus
	LastStatusCode  *int
	LastError       *string
	ResponseBody    *string
	RequestHeaders  map[string]string
	LastAttemptedAt *time.Time
	NextRetryAt     *time.Time
	CreatedAt       time.Time
}

// Outcome is what the dispatcher writes back after an HTTP attempt.
type Outcome struct {
	StatusCode     int
	Err            string
	ResponseBody   string
	RequestHeaders map[string]string
	AttemptedAt    time.Time
}

// DueDelivery is a claimed ledger row joined with everything needed to
// build and sign the outgoing request.
type DueDelivery struct {
	Delivery     Delivery
	Event        Event
	Subscription Subscription
}

// WebhookSecret pairs a subscription id with its signing secret, for the
// verify-webhook surface.
type WebhookSecret struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

// Store is the persistence surface the engine works against. The
// postgres package implements it for production, memstore for tests.
type Store interface {
	// GetEvent returns an event by id.
	GetEvent(ctx context.Context, eventID string) (Event, error)
	// SetEventStatus flips the informational fan-out status of an event.
	SetEventStatus(ctx context.Context, eventID string, status EventStatus) error

	// ActiveSubscriptions returns the active subscriptions for a tenant.
	ActiveSubscriptions(ctx context.Context, tenantID string) ([]Subscription, error)
	// ActiveSecrets returns id+secret for a tenant's active subscriptions.
	ActiveSecrets(ctx context.Context, tenantID string) ([]WebhookSecret, error)
	// TouchSubscription records a successful delivery on the subscription.
	TouchSubscription(ctx context.Context, subscriptionID string, at time.Time) error

	// CreateDeliveries inserts pending rows for (eventID, subscription)
	// pairs, skipping pairs that already exist. Returns rows created.
	CreateDeliveries(ctx context.Context, eventID string, subscriptionIDs []string, nextRetryAt time.Time) (int, error)
	// GetDelivery returns a ledger row by id.
	GetDelivery(ctx context.Context, deliveryID string) (Delivery, error)
	// DueDeliveries selects up to limit rows eligible for an attempt:
	// pending with next_retry_at <= now, plus in_flight rows whose
	// last_attempted_at is older than staleAfter (crash recovery).
	// Ordered by next_retry_at ascending.
	DueDeliveries(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]DueDelivery, error)
	// ClaimDelivery conditionally transitions a row to in_flight. Only
	// one concurrent caller wins; losers get ErrNotClaimed.
	ClaimDelivery(ctx context.Context, deliveryID string, now time.Time, staleAfter time.Duration) error
	// MarkSuccess finalizes a delivered attempt.
	MarkSuccess(ctx context.Context, deliveryID string, out Outcome) error
	// MarkFailure records a failed attempt: increments attempt_count and
	// either reschedules (nextRetryAt) or dead-letters (dead=true).
	MarkFailure(ctx context.Context, deliveryID string, out Outcome, nextRetryAt time.Time, dead bool) error
	// ResetDelivery makes a row (any state, including dead) eligible for
	// the next sweep: pending, next_retry_at=now, last_error cleared,
	// attempt_count back to zero.
	ResetDelivery(ctx context.Context, deliveryID string, now time.Time) error

	// CountDue returns the number of currently due pending rows, for the
	// backlog gauge.
	CountDue(ctx context.Context, now time.Time) (int, error)
}
