package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/store"
)

// Store implements store.Store on Postgres via pgx. All state transitions
// are conditional single-row UPDATEs; no cross-row locks.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) GetEvent(ctx context.Context, eventID string) (store.Event, error) {
	var ev store.Event
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, event_type, payload, status, created_at
		FROM azera.events WHERE id = $1`, eventID,
	).Scan(&ev.ID, &ev.TenantID, &ev.EventType, &ev.Payload, &status, &ev.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Event{}, store.ErrNotFound
	}
	if err != nil {
		return store.Event{}, fmt.Errorf("select event: %w", err)
	}
	ev.Status = store.EventStatus(status)
	return ev, nil
}

func (s *Store) SetEventStatus(ctx context.Context, eventID string, status store.EventStatus) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE azera.events SET status = $2 WHERE id = $1`,
		eventID, string(status))
	if err != nil {
		return fmt.Errorf("update event status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ActiveSubscriptions(ctx context.Context, tenantID string) ([]store.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, name, url, secret, is_active, events, last_triggered_at, created_at
		FROM azera.subscriptions
		WHERE tenant_id = $1 AND is_active
		ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("select subscriptions: %w", err)
	}
	defer rows.Close()

	var out []store.Subscription
	for rows.Next() {
		var sub store.Subscription
		var last sql.NullTime
		if err := rows.Scan(&sub.ID, &sub.TenantID, &sub.Name, &sub.URL, &sub.Secret,
			&sub.IsActive, &sub.Events, &last, &sub.CreatedAt); err != nil {
			return nil, err
		}
		if last.Valid {
			t := last.Time
			sub.LastTriggeredAt = &t
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) ActiveSecrets(ctx context.Context, tenantID string) ([]store.WebhookSecret, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, secret FROM azera.subscriptions
		WHERE tenant_id = $1 AND is_active
		ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("select secrets: %w", err)
	}
	defer rows.Close()

	var out []store.WebhookSecret
	for rows.Next() {
		var ws store.WebhookSecret
		if err := rows.Scan(&ws.ID, &ws.Secret); err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

func (s *Store) TouchSubscription(ctx context.Context, subscriptionID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE azera.subscriptions SET last_triggered_at = $2 WHERE id = $1`,
		subscriptionID, at)
	if err != nil {
		return fmt.Errorf("touch subscription: %w", err)
	}
	return nil
}

// CreateDeliveries relies on the (event_id, subscription_id) unique
// constraint so a re-run fan-out never duplicates rows.
func (s *Store) CreateDeliveries(ctx context.Context, eventID string, subscriptionIDs []string, nextRetryAt time.Time) (int, error) {
	if len(subscriptionIDs) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, subID := range subscriptionIDs {
		batch.Queue(`
			INSERT INTO azera.deliveries(event_id, subscription_id, status, next_retry_at)
			VALUES ($1, $2, 'pending', $3)
			ON CONFLICT (event_id, subscription_id) DO NOTHING`,
			eventID, subID, nextRetryAt)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	created := 0
	for range subscriptionIDs {
		ct, err := br.Exec()
		if err != nil {
			return created, fmt.Errorf("insert delivery: %w", err)
		}
		created += int(ct.RowsAffected())
	}
	return created, nil
}

const deliveryColumns = `
	d.id, d.event_id, d.subscription_id, d.attempt_count, d.status,
	d.last_status_code, d.last_error, d.response_body, d.request_headers,
	d.last_attempted_at, d.next_retry_at, d.created_at`

func scanDelivery(row pgx.Row) (store.Delivery, error) {
	var d store.Delivery
	var status string
	var code sql.NullInt32
	var lastErr, respBody sql.NullString
	var headers []byte
	var attempted, next sql.NullTime
	err := row.Scan(&d.ID, &d.EventID, &d.SubscriptionID, &d.AttemptCount, &status,
		&code, &lastErr, &respBody, &headers, &attempted, &next, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Delivery{}, store.ErrNotFound
	}
	if err != nil {
		return store.Delivery{}, err
	}
	d.Status = store.DeliveryStatus(status)
	if code.Valid {
		c := int(code.Int32)
		d.LastStatusCode = &c
	}
	if lastErr.Valid {
		v := lastErr.String
		d.LastError = &v
	}
	if respBody.Valid {
		v := respBody.String
		d.ResponseBody = &v
	}
	if len(headers) > 0 {
		_ = json.Unmarshal(headers, &d.RequestHeaders)
	}
	if attempted.Valid {
		t := attempted.Time
		d.LastAttemptedAt = &t
	}
	if next.Valid {
		t := next.Time
		d.NextRetryAt = &t
	}
	return d, nil
}

func (s *Store) GetDelivery(ctx context.Context, deliveryID string) (store.Delivery, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+deliveryColumns+`
		FROM azera.deliveries d WHERE d.id = $1`, deliveryID)
	return scanDelivery(row)
}

func (s *Store) DueDeliveries(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]store.DueDelivery, error) {
	stale := now.Add(-staleAfter)
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+`,
		       ev.id, ev.tenant_id, ev.event_type, ev.payload, ev.status, ev.created_at,
		       sub.id, sub.tenant_id, sub.name, sub.url, sub.secret, sub.is_active, sub.events, sub.last_triggered_at, sub.created_at
		FROM azera.deliveries d
		JOIN azera.events ev ON ev.id = d.event_id
		JOIN azera.subscriptions sub ON sub.id = d.subscription_id
		WHERE (d.status = 'pending' AND d.next_retry_at <= $1)
		   OR (d.status = 'in_flight' AND d.last_attempted_at < $2)
		ORDER BY d.next_retry_at ASC NULLS LAST
		LIMIT $3`, now, stale, limit)
	if err != nil {
		return nil, fmt.Errorf("select due deliveries: %w", err)
	}
	defer rows.Close()

	var out []store.DueDelivery
	for rows.Next() {
		var dd store.DueDelivery
		var dStatus, evStatus string
		var code sql.NullInt32
		var lastErr, respBody sql.NullString
		var headers []byte
		var attempted, next, subLast sql.NullTime
		if err := rows.Scan(
			&dd.Delivery.ID, &dd.Delivery.EventID, &dd.Delivery.SubscriptionID,
			&dd.Delivery.AttemptCount, &dStatus, &code, &lastErr, &respBody, &headers,
			&attempted, &next, &dd.Delivery.CreatedAt,
			&dd.Event.ID, &dd.Event.TenantID, &dd.Event.EventType, &dd.Event.Payload,
			&evStatus, &dd.Event.CreatedAt,
			&dd.Subscription.ID, &dd.Subscription.TenantID, &dd.Subscription.Name,
			&dd.Subscription.URL, &dd.Subscription.Secret, &dd.Subscription.IsActive,
			&dd.Subscription.Events, &subLast, &dd.Subscription.CreatedAt,
		); err != nil {
			return nil, err
		}
		dd.Delivery.Status = store.DeliveryStatus(dStatus)
		dd.Event.Status = store.EventStatus(evStatus)
		if code.Valid {
			c := int(code.Int32)
			dd.Delivery.LastStatusCode = &c
		}
		if lastErr.Valid {
			v := lastErr.String
			dd.Delivery.LastError = &v
		}
		if respBody.Valid {
			v := respBody.String
			dd.Delivery.ResponseBody = &v
		}
		if len(headers) > 0 {
			_ = json.Unmarshal(headers, &dd.Delivery.RequestHeaders)
		}
		if attempted.Valid {
			t := attempted.Time
			dd.Delivery.LastAttemptedAt = &t
		}
		if next.Valid {
			t := next.Time
			dd.Delivery.NextRetryAt = &t
		}
		if subLast.Valid {
			t := subLast.Time
			dd.Subscription.LastTriggeredAt = &t
		}
		out = append(out, dd)
	}
	return out, rows.Err()
}

// ClaimDelivery is the concurrency-safety boundary: the conditional
// UPDATE succeeds for exactly one caller even across processes.
func (s *Store) ClaimDelivery(ctx context.Context, deliveryID string, now time.Time, staleAfter time.Duration) error {
	stale := now.Add(-staleAfter)
	ct, err := s.pool.Exec(ctx, `
		UPDATE azera.deliveries
		SET status = 'in_flight', last_attempted_at = $2, updated_at = $2
		WHERE id = $1
		  AND ((status = 'pending' AND next_retry_at <= $2)
		    OR (status = 'in_flight' AND last_attempted_at < $3))`,
		deliveryID, now, stale)
	if err != nil {
		return fmt.Errorf("claim delivery: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotClaimed
	}
	return nil
}

func marshalHeaders(h map[string]string) []byte {
	if len(h) == 0 {
		return nil
	}
	b, _ := json.Marshal(h)
	return b
}

func (s *Store) MarkSuccess(ctx context.Context, deliveryID string, out store.Outcome) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE azera.deliveries
		SET status = 'success', attempt_count = attempt_count + 1,
		    last_status_code = $2, response_body = $3, request_headers = $4,
		    last_attempted_at = $5, next_retry_at = NULL, last_error = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = 'in_flight'`,
		deliveryID, out.StatusCode, out.ResponseBody, marshalHeaders(out.RequestHeaders), out.AttemptedAt)
	if err != nil {
		return fmt.Errorf("mark success: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotClaimed
	}
	return nil
}

func (s *Store) MarkFailure(ctx context.Context, deliveryID string, out store.Outcome, nextRetryAt time.Time, dead bool) error {
	var code any
	if out.StatusCode != 0 {
		code = out.StatusCode
	}
	var err error
	var tag pgconn.CommandTag
	if dead {
		tag, err = s.pool.Exec(ctx, `
			UPDATE azera.deliveries
			SET status = 'dead', attempt_count = attempt_count + 1,
			    last_status_code = $2, last_error = $3, response_body = $4,
			    request_headers = $5, last_attempted_at = $6,
			    next_retry_at = NULL, updated_at = now()
			WHERE id = $1 AND status = 'in_flight'`,
			deliveryID, code, out.Err, out.ResponseBody, marshalHeaders(out.RequestHeaders), out.AttemptedAt)
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE azera.deliveries
			SET status = 'pending', attempt_count = attempt_count + 1,
			    last_status_code = $2, last_error = $3, response_body = $4,
			    request_headers = $5, last_attempted_at = $6,
			    next_retry_at = $7, updated_at = now()
			WHERE id = $1 AND status = 'in_flight'`,
			deliveryID, code, out.Err, out.ResponseBody, marshalHeaders(out.RequestHeaders), out.AttemptedAt, nextRetryAt)
	}
	if err != nil {
		return fmt.Errorf("mark failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotClaimed
	}
	return nil
}

func (s *Store) ResetDelivery(ctx context.Context, deliveryID string, now time.Time) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE azera.deliveries
		SET status = 'pending', attempt_count = 0, last_error = NULL,
		    next_retry_at = $2, updated_at = now()
		WHERE id = $1`, deliveryID, now)
	if err != nil {
		return fmt.Errorf("reset delivery: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CountDue(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM azera.deliveries
		WHERE status = 'pending' AND next_retry_at <= $1`, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count due: %w", err)
	}
	return n, nil
}
