package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/config"
	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/logging"
	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/metrics"
	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/signing"
	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/store"
	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/tracing"
)

// envelope is the wire body POSTed to receivers. Data carries the
// event's payload bytes verbatim; they are never reparsed, so the
// signature covers exactly what the tenant's system produced.
type envelope struct {
	DeliveryID string          `json:"delivery_id"`
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	Attempt    int             `json:"attempt"`
	SentAt     string          `json:"sent_at"` // RFC3339
	Data       json.RawMessage `json:"data"`
}

// SweepResult summarizes one selection-and-delivery pass.
type SweepResult struct {
	Merged    bool // true when another sweep was already running
	Selected  int
	Delivered int
	Retried   int
	Dead      int
	Reclaimed int // stale in_flight rows charged a failed attempt
	Skipped   int // claim lost to a concurrent sweep
}

// Dispatcher drives the delivery ledger state machine: it selects due
// rows, claims them, performs signed HTTP delivery, and writes outcomes.
type Dispatcher struct {
	store   store.Store
	cfg     config.Dispatcher
	signing config.Signing
	client  *http.Client
	logger  *logging.Logger

	// sweepMu is the single sweep-in-progress guard: overlapping sweeps
	// from this process merge instead of stacking. Cross-process overlap
	// is handled by the per-row claim.
	sweepMu sync.Mutex
	wakeCh  chan struct{}

	lastSweep atomic.Int64 // unix nanos of last completed sweep

	now  func() time.Time
	rand func() float64
}

// LastSweep returns when the most recent sweep completed, zero if none.
func (d *Dispatcher) LastSweep() time.Time {
	n := d.lastSweep.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func New(st store.Store, cfg config.Dispatcher, sig config.Signing, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{
		store:   st,
		cfg:     cfg,
		signing: sig,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		logger:  logger,
		wakeCh:  make(chan struct{}, 1),
		now:     time.Now,
		rand:    rand.Float64,
	}
}

// Run executes sweeps on the configured interval until ctx is canceled.
// RunNow nudges wake the loop early.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.wakeCh:
		}
		if _, err := d.Sweep(ctx); err != nil {
			d.logger.WithContext(ctx).WithError(err).Error("sweep failed")
		}
	}
}

// RunNow requests an immediate sweep. Non-blocking: if a nudge is
// already queued or a sweep is running, the request merges with it.
func (d *Dispatcher) RunNow() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// Sweep performs one pass over due ledger rows. A call made while a
// sweep is already in progress merges into it and returns immediately.
func (d *Dispatcher) Sweep(ctx context.Context) (SweepResult, error) {
	if !d.sweepMu.TryLock() {
		metrics.RecordSweepSkipped()
		return SweepResult{Merged: true}, nil
	}
	defer d.sweepMu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "dispatch.sweep")
	defer span.End()
	metrics.RecordSweep()

	now := d.now().UTC()
	due, err := d.store.DueDeliveries(ctx, now, d.cfg.InFlightStale, d.cfg.BatchSize)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return SweepResult{}, fmt.Errorf("select due deliveries: %w", err)
	}

	res := SweepResult{Selected: len(due)}
	for _, dd := range due {
		wasStale := dd.Delivery.Status == store.StatusInFlight
		claimAt := d.now().UTC()
		if err := d.store.ClaimDelivery(ctx, dd.Delivery.ID, claimAt, d.cfg.InFlightStale); err != nil {
			if err == store.ErrNotClaimed {
				// Another sweep got there first; not an error.
				res.Skipped++
				continue
			}
			tracing.SetSpanError(ctx, err)
			return res, fmt.Errorf("claim delivery %s: %w", dd.Delivery.ID, err)
		}

		if wasStale {
			// Crash recovery: the previous attempt is presumed lost and
			// charged as a failure, with the usual backoff or dead-letter.
			res.Reclaimed++
			if d.settleFailure(ctx, dd, store.Outcome{
				Err:         "in-flight attempt presumed lost",
				AttemptedAt: claimAt,
			}, "stale_in_flight") {
				res.Dead++
			} else {
				res.Retried++
			}
			continue
		}

		switch d.deliver(ctx, dd) {
		case deliveredOK:
			res.Delivered++
		case deliveredDead:
			res.Dead++
		case deliveredRetry:
			res.Retried++
		}
	}

	if n, err := d.store.CountDue(ctx, d.now().UTC()); err == nil {
		metrics.UpdateDueBacklog(n)
	}

	span.SetAttributes(
		attribute.Int("sweep.selected", res.Selected),
		attribute.Int("sweep.delivered", res.Delivered),
		attribute.Int("sweep.dead", res.Dead),
	)
	d.lastSweep.Store(d.now().UnixNano())
	return res, nil
}

type deliveryResult int

const (
	deliveredOK deliveryResult = iota
	deliveredRetry
	deliveredDead
)

// deliver performs one signed HTTP attempt for a claimed row and writes
// the outcome back.
func (d *Dispatcher) deliver(ctx context.Context, dd store.DueDelivery) deliveryResult {
	attempt := dd.Delivery.AttemptCount + 1
	ctx, span := tracing.StartSpan(ctx, "dispatch.deliver",
		attribute.String("delivery_id", dd.Delivery.ID),
		attribute.String("event_id", dd.Event.ID),
		attribute.String("tenant_id", dd.Event.TenantID),
		attribute.String("subscription_id", dd.Subscription.ID),
		attribute.String("event_type", dd.Event.EventType),
		attribute.Int("attempt", attempt),
	)
	defer span.End()

	start := d.now().UTC()
	body, err := json.Marshal(envelope{
		DeliveryID: dd.Delivery.ID,
		EventID:    dd.Event.ID,
		EventType:  dd.Event.EventType,
		Attempt:    attempt,
		SentAt:     start.Format(time.RFC3339),
		Data:       json.RawMessage(dd.Event.Payload),
	})
	if err != nil {
		// Payload is stored as JSON; this only fires on corrupt rows.
		if d.settleFailure(ctx, dd, store.Outcome{
			Err:         fmt.Sprintf("marshal body: %v", err),
			AttemptedAt: start,
		}, "bad_payload") {
			return deliveredDead
		}
		return deliveredRetry
	}

	ts := strconv.FormatInt(start.Unix(), 10)
	sig := signing.Sign(dd.Subscription.Secret, body, ts)

	headers := map[string]string{
		"Content-Type":            "application/json",
		d.signing.SignatureHeader: sig,
		d.signing.TimestampHeader: ts,
		"X-Azera-Delivery":        dd.Delivery.ID,
		"X-Azera-Event-Type":      dd.Event.EventType,
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		headers["X-Trace-Id"] = traceID
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dd.Subscription.URL, bytes.NewReader(body))
	if err != nil {
		if d.settleFailure(ctx, dd, store.Outcome{
			Err:            fmt.Sprintf("build request: %v", err),
			RequestHeaders: headers,
			AttemptedAt:    start,
		}, "bad_url") {
			return deliveredDead
		}
		return deliveredRetry
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	tracing.AddSpanEvent(ctx, "http.send_webhook")
	resp, doErr := d.client.Do(req)
	latency := d.now().Sub(start)

	status := 0
	respBody := ""
	if doErr == nil {
		status = resp.StatusCode
		b, _ := io.ReadAll(io.LimitReader(resp.Body, int64(d.cfg.ResponseBodyCap)))
		respBody = string(b)
		_ = resp.Body.Close()
	}
	span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)

	out := store.Outcome{
		StatusCode:     status,
		ResponseBody:   respBody,
		RequestHeaders: headers,
		AttemptedAt:    start,
	}

	if doErr == nil && status >= 200 && status < 300 {
		if err := d.store.MarkSuccess(ctx, dd.Delivery.ID, out); err != nil {
			tracing.SetSpanError(ctx, err)
			d.logger.WithContext(ctx).WithDelivery(dd.Delivery.ID).WithError(err).Error("record success failed")
		}
		if err := d.store.TouchSubscription(ctx, dd.Subscription.ID, start); err != nil {
			d.logger.WithContext(ctx).WithSubscription(dd.Subscription.ID).WithError(err).Error("touch subscription failed")
		}
		metrics.RecordDelivery("success", dd.Event.TenantID, strconv.Itoa(status), latency)
		d.logger.WithContext(ctx).WithTenant(dd.Event.TenantID).WithDelivery(dd.Delivery.ID).
			WithSubscription(dd.Subscription.ID).WithFields(map[string]any{
			"attempt":     attempt,
			"http_status": status,
			"latency_ms":  latency.Milliseconds(),
		}).Info("delivered")
		return deliveredOK
	}

	if doErr != nil {
		out.Err = doErr.Error()
	} else {
		out.Err = fmt.Sprintf("http status %d", status)
	}
	reason := classifyReason(doErr, status)
	span.SetAttributes(attribute.String("failure_reason", reason))
	metrics.RecordDelivery("failed", dd.Event.TenantID, strconv.Itoa(status), latency)

	if d.settleFailure(ctx, dd, out, reason) {
		return deliveredDead
	}
	return deliveredRetry
}

// settleFailure applies the failure half of the state machine to a
// claimed row: increment, then reschedule with backoff or dead-letter.
// Returns true when the row was dead-lettered.
func (d *Dispatcher) settleFailure(ctx context.Context, dd store.DueDelivery, out store.Outcome, reason string) bool {
	attempt := dd.Delivery.AttemptCount + 1
	dead := attempt >= d.cfg.MaxAttempts

	var nextRetry time.Time
	if !dead {
		nextRetry = out.AttemptedAt.Add(d.backoff(attempt))
	}
	if err := d.store.MarkFailure(ctx, dd.Delivery.ID, out, nextRetry, dead); err != nil {
		tracing.SetSpanError(ctx, err)
		d.logger.WithContext(ctx).WithDelivery(dd.Delivery.ID).WithError(err).Error("record failure failed")
	}

	entry := d.logger.WithContext(ctx).WithTenant(dd.Event.TenantID).
		WithDelivery(dd.Delivery.ID).WithSubscription(dd.Subscription.ID).
		WithFields(map[string]any{"attempt": attempt, "reason": reason, "error": out.Err})
	if dead {
		metrics.RecordDeadLetter(reason)
		entry.Warn("delivery dead-lettered")
	} else {
		metrics.RecordRetry(reason)
		entry.WithField("next_retry_at", nextRetry.Format(time.RFC3339)).Info("delivery rescheduled")
	}
	return dead
}

// backoff computes the delay before the next attempt: exponential from
// BackoffBase, capped at BackoffCap, with +/- JitterPercent to spread
// retries across subscribers sharing a broken receiver.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	return computeBackoff(d.cfg.BackoffBase, d.cfg.BackoffCap, d.cfg.JitterPercent, attempt, d.rand)
}

func computeBackoff(base, ceil time.Duration, jitterPct float64, attempt int, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= ceil {
			delay = ceil
			break
		}
	}
	if delay > ceil {
		delay = ceil
	}
	j := 1 + (rnd()*2-1)*jitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(delay) * j)
}

func classifyReason(doErr error, status int) string {
	if doErr != nil {
		errLower := strings.ToLower(doErr.Error())
		switch {
		case strings.Contains(errLower, "timeout"), strings.Contains(errLower, "deadline exceeded"):
			return "timeout"
		case strings.Contains(errLower, "connection refused"):
			return "connection_refused"
		case strings.Contains(errLower, "no such host"), strings.Contains(errLower, "dns"):
			return "dns_error"
		default:
			return "network"
		}
	}
	switch {
	case status >= 500:
		return "http_5xx"
	case status == 429:
		return "http_429"
	case status >= 400:
		return "http_4xx"
	default:
		return "other"
	}
}
