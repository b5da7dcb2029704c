package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/store"
)

// Store is an in-memory implementation of store.Store. It backs the
// engine's tests and local runs without Postgres; the claim is a
// compare-and-swap under one mutex, the same contract the SQL
// conditional UPDATE provides.
type Store struct {
	mu            sync.Mutex
	subscriptions map[string]*store.Subscription
	events        map[string]*store.Event
	deliveries    map[string]*store.Delivery
	// pairIndex enforces the one-row-per-(event, subscription) invariant.
	pairIndex map[string]string // eventID+"\x00"+subscriptionID -> deliveryID
}

func New() *Store {
	return &Store{
		subscriptions: make(map[string]*store.Subscription),
		events:        make(map[string]*store.Event),
		deliveries:    make(map[string]*store.Delivery),
		pairIndex:     make(map[string]string),
	}
}

func pairKey(eventID, subscriptionID string) string {
	return eventID + "\x00" + subscriptionID
}

// AddSubscription registers a subscription, assigning an id if empty.
func (s *Store) AddSubscription(sub store.Subscription) store.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	cp := sub
	s.subscriptions[sub.ID] = &cp
	return sub
}

// AddEvent appends an event, assigning an id if empty.
func (s *Store) AddEvent(ev store.Event) store.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Status == "" {
		ev.Status = store.EventPending
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	cp := ev
	s.events[ev.ID] = &cp
	return ev
}

func (s *Store) GetEvent(_ context.Context, eventID string) (store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return store.Event{}, store.ErrNotFound
	}
	return *ev, nil
}

func (s *Store) SetEventStatus(_ context.Context, eventID string, status store.EventStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return store.ErrNotFound
	}
	ev.Status = status
	return nil
}

func (s *Store) ActiveSubscriptions(_ context.Context, tenantID string) ([]store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Subscription
	for _, sub := range s.subscriptions {
		if sub.TenantID == tenantID && sub.IsActive {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ActiveSecrets(_ context.Context, tenantID string) ([]store.WebhookSecret, error) {
	subs, err := s.ActiveSubscriptions(context.Background(), tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]store.WebhookSecret, 0, len(subs))
	for _, sub := range subs {
		out = append(out, store.WebhookSecret{ID: sub.ID, Secret: sub.Secret})
	}
	return out, nil
}

func (s *Store) TouchSubscription(_ context.Context, subscriptionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		return store.ErrNotFound
	}
	t := at
	sub.LastTriggeredAt = &t
	return nil
}

func (s *Store) CreateDeliveries(_ context.Context, eventID string, subscriptionIDs []string, nextRetryAt time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[eventID]; !ok {
		return 0, store.ErrNotFound
	}
	created := 0
	for _, subID := range subscriptionIDs {
		key := pairKey(eventID, subID)
		if _, exists := s.pairIndex[key]; exists {
			continue
		}
		nr := nextRetryAt
		d := &store.Delivery{
			ID:             uuid.NewString(),
			EventID:        eventID,
			SubscriptionID: subID,
			Status:         store.StatusPending,
			NextRetryAt:    &nr,
			CreatedAt:      time.Now().UTC(),
		}
		s.deliveries[d.ID] = d
		s.pairIndex[key] = d.ID
		created++
	}
	return created, nil
}

func (s *Store) GetDelivery(_ context.Context, deliveryID string) (store.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[deliveryID]
	if !ok {
		return store.Delivery{}, store.ErrNotFound
	}
	return *d, nil
}

// due reports whether d is eligible for an attempt at now. Mirrors the
// SQL selection predicate: due pending rows plus stale in_flight rows.
func due(d *store.Delivery, now time.Time, staleAfter time.Duration) bool {
	switch d.Status {
	case store.StatusPending:
		return d.NextRetryAt != nil && !d.NextRetryAt.After(now)
	case store.StatusInFlight:
		return d.LastAttemptedAt != nil && now.Sub(*d.LastAttemptedAt) > staleAfter
	default:
		return false
	}
}

func (s *Store) DueDeliveries(_ context.Context, now time.Time, staleAfter time.Duration, limit int) ([]store.DueDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []*store.Delivery
	for _, d := range s.deliveries {
		if due(d, now, staleAfter) {
			rows = append(rows, d)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		ti, tj := rows[i].NextRetryAt, rows[j].NextRetryAt
		if ti == nil || tj == nil {
			return tj == nil && ti != nil
		}
		if ti.Equal(*tj) {
			return rows[i].ID < rows[j].ID
		}
		return ti.Before(*tj)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]store.DueDelivery, 0, len(rows))
	for _, d := range rows {
		ev, ok := s.events[d.EventID]
		if !ok {
			continue
		}
		sub, ok := s.subscriptions[d.SubscriptionID]
		if !ok {
			continue
		}
		out = append(out, store.DueDelivery{Delivery: *d, Event: *ev, Subscription: *sub})
	}
	return out, nil
}

func (s *Store) ClaimDelivery(_ context.Context, deliveryID string, now time.Time, staleAfter time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[deliveryID]
	if !ok {
		return store.ErrNotFound
	}
	if !due(d, now, staleAfter) {
		return store.ErrNotClaimed
	}
	d.Status = store.StatusInFlight
	t := now
	d.LastAttemptedAt = &t
	return nil
}

func (s *Store) MarkSuccess(_ context.Context, deliveryID string, out store.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[deliveryID]
	if !ok {
		return store.ErrNotFound
	}
	if d.Status != store.StatusInFlight {
		return store.ErrNotClaimed
	}
	d.Status = store.StatusSuccess
	d.AttemptCount++
	code := out.StatusCode
	d.LastStatusCode = &code
	body := out.ResponseBody
	d.ResponseBody = &body
	d.RequestHeaders = out.RequestHeaders
	at := out.AttemptedAt
	d.LastAttemptedAt = &at
	d.LastError = nil
	d.NextRetryAt = nil
	return nil
}

func (s *Store) MarkFailure(_ context.Context, deliveryID string, out store.Outcome, nextRetryAt time.Time, dead bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[deliveryID]
	if !ok {
		return store.ErrNotFound
	}
	if d.Status != store.StatusInFlight {
		return store.ErrNotClaimed
	}
	d.AttemptCount++
	if out.StatusCode != 0 {
		code := out.StatusCode
		d.LastStatusCode = &code
	} else {
		d.LastStatusCode = nil
	}
	errMsg := out.Err
	d.LastError = &errMsg
	body := out.ResponseBody
	d.ResponseBody = &body
	d.RequestHeaders = out.RequestHeaders
	at := out.AttemptedAt
	d.LastAttemptedAt = &at
	if dead {
		d.Status = store.StatusDead
		d.NextRetryAt = nil
	} else {
		d.Status = store.StatusPending
		nr := nextRetryAt
		d.NextRetryAt = &nr
	}
	return nil
}

func (s *Store) ResetDelivery(_ context.Context, deliveryID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[deliveryID]
	if !ok {
		return store.ErrNotFound
	}
	d.Status = store.StatusPending
	d.AttemptCount = 0
	d.LastError = nil
	t := now
	d.NextRetryAt = &t
	return nil
}

func (s *Store) CountDue(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.deliveries {
		if d.Status == store.StatusPending && d.NextRetryAt != nil && !d.NextRetryAt.After(now) {
			n++
		}
	}
	return n, nil
}
