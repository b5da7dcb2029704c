package fanout

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/logging"
	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/metrics"
	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/store"
	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/tracing"
)

// Wake is the advisory nudge published after fan-out so dispatchers can
// sweep before their next tick. Losing one is harmless; the ledger is
// the source of truth.
type Wake struct {
	EventID      string            `json:"event_id"`
	TenantID     string            `json:"tenant_id"`
	CreatedCount int               `json:"created_count"`
	At           string            `json:"at"` // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// WakePublisher publishes wake nudges. Nil disables the wake bus.
type WakePublisher interface {
	PublishWake(ctx context.Context, w Wake) error
}

// Service expands events into delivery ledger rows. It never performs
// network I/O toward receivers.
type Service struct {
	store  store.Store
	logger *logging.Logger
	wake   WakePublisher
	now    func() time.Time
}

func New(st store.Store, logger *logging.Logger, wake WakePublisher) *Service {
	return &Service{store: st, logger: logger, wake: wake, now: time.Now}
}

// Fanout creates one pending delivery per active, matching subscription
// for the event. Idempotent: the (event, subscription) uniqueness in the
// store makes a re-run a no-op for already covered pairs. Returns the
// number of rows created this call.
func (s *Service) Fanout(ctx context.Context, eventID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "fanout.event",
		attribute.String("event_id", eventID),
	)
	defer span.End()

	ev, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return 0, fmt.Errorf("load event: %w", err)
	}
	span.SetAttributes(
		attribute.String("tenant_id", ev.TenantID),
		attribute.String("event_type", ev.EventType),
	)

	subs, err := s.store.ActiveSubscriptions(ctx, ev.TenantID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return 0, fmt.Errorf("load subscriptions: %w", err)
	}

	// The match predicate is evaluated exactly once per pair, here.
	var targets []string
	for _, sub := range subs {
		if store.NewMatcher(sub.Events).Matches(ev.EventType) {
			targets = append(targets, sub.ID)
		}
	}
	span.SetAttributes(attribute.Int("matched_subscriptions", len(targets)))

	now := s.now().UTC()
	created, err := s.store.CreateDeliveries(ctx, eventID, targets, now)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return created, fmt.Errorf("create deliveries: %w", err)
	}

	// No matches is not a failure: there was simply nothing to deliver.
	if err := s.store.SetEventStatus(ctx, eventID, store.EventDispatched); err != nil {
		tracing.SetSpanError(ctx, err)
		return created, fmt.Errorf("mark event dispatched: %w", err)
	}

	metrics.RecordFanout(ev.TenantID, created)
	s.logger.WithContext(ctx).WithTenant(ev.TenantID).WithEvent(eventID).WithFields(map[string]any{
		"event_type": ev.EventType,
		"matched":    len(targets),
		"created":    created,
	}).Info("fanout complete")

	if created > 0 && s.wake != nil {
		w := Wake{
			EventID:      eventID,
			TenantID:     ev.TenantID,
			CreatedCount: created,
			At:           now.Format(time.RFC3339),
			TraceHeaders: tracing.PropagateToWake(ctx),
		}
		if err := s.wake.PublishWake(ctx, w); err != nil {
			// Advisory only; the next scheduled sweep picks the rows up.
			s.logger.WithContext(ctx).WithEvent(eventID).WithError(err).Warn("wake publish failed")
		}
	}
	return created, nil
}
