package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/config"
	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/logging"
	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/signing"
	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/store"
	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/store/memstore"
)

// fakeClock lets tests advance time past retry schedules without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testLogger() *logging.Logger {
	l := logging.New("test")
	l.SetOutput(io.Discard)
	return l
}

func testConfig() config.Dispatcher {
	return config.Dispatcher{
		SweepInterval:   15 * time.Second,
		BatchSize:       100,
		MaxAttempts:     5,
		BackoffBase:     30 * time.Second,
		BackoffCap:      time.Hour,
		JitterPercent:   0,
		HTTPTimeout:     5 * time.Second,
		InFlightStale:   5 * time.Minute,
		ResponseBodyCap: 4096,
	}
}

func testSigning() config.Signing {
	return config.Signing{
		SignatureHeader: "X-Azera-Signature",
		TimestampHeader: "X-Azera-Timestamp",
	}
}

func newTestDispatcher(st store.Store, cfg config.Dispatcher, clock *fakeClock) *Dispatcher {
	d := New(st, cfg, testSigning(), testLogger())
	d.now = clock.Now
	d.rand = func() float64 { return 0.5 } // jitter factor 1.0 when JitterPercent is 0
	return d
}

// seedDelivery creates one subscription, one event, and one due pending
// delivery pointing at url.
func seedDelivery(t *testing.T, s *memstore.Store, url, secret string, at time.Time) store.Delivery {
	t.Helper()
	sub := s.AddSubscription(store.Subscription{
		TenantID: "t1",
		Name:     "test-sink",
		URL:      url,
		Secret:   secret,
		IsActive: true,
		Events:   []string{"*"},
	})
	ev := s.AddEvent(store.Event{
		TenantID:  "t1",
		EventType: "deal.won",
		Payload:   []byte(`{"deal_id":"d_77","amount":5000}`),
	})
	if _, err := s.CreateDeliveries(context.Background(), ev.ID, []string{sub.ID}, at); err != nil {
		t.Fatalf("CreateDeliveries: %v", err)
	}
	due, err := s.DueDeliveries(context.Background(), at.Add(time.Second), time.Hour, 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("DueDeliveries = %d rows, err %v", len(due), err)
	}
	return due[0].Delivery
}

func TestSweepDeliversSignedEnvelope(t *testing.T) {
	clock := newFakeClock()
	var (
		gotBody []byte
		gotReq  *http.Request
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotReq = r.Clone(context.Background())
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := memstore.New()
	d := newTestDispatcher(s, testConfig(), clock)
	del := seedDelivery(t, s, srv.URL, "whsec_test", clock.Now())
	clock.Advance(time.Second)

	res, err := d.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Selected != 1 || res.Delivered != 1 {
		t.Fatalf("SweepResult = %+v, want 1 selected 1 delivered", res)
	}

	var env envelope
	if err := json.Unmarshal(gotBody, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.DeliveryID != del.ID || env.EventID != del.EventID {
		t.Errorf("envelope ids = %s/%s, want %s/%s", env.DeliveryID, env.EventID, del.ID, del.EventID)
	}
	if env.EventType != "deal.won" || env.Attempt != 1 {
		t.Errorf("envelope = %+v", env)
	}
	if string(env.Data) != `{"deal_id":"d_77","amount":5000}` {
		t.Errorf("payload not passed through verbatim: %s", env.Data)
	}

	ts := gotReq.Header.Get("X-Azera-Timestamp")
	sig := gotReq.Header.Get("X-Azera-Signature")
	if !signing.Verify("whsec_test", gotBody, ts, sig) {
		t.Error("receiver-side verification of the signed body failed")
	}
	if _, err := strconv.ParseInt(ts, 10, 64); err != nil {
		t.Errorf("timestamp header %q is not unix seconds", ts)
	}
	if gotReq.Header.Get("X-Azera-Delivery") != del.ID {
		t.Errorf("X-Azera-Delivery = %q", gotReq.Header.Get("X-Azera-Delivery"))
	}

	got, _ := s.GetDelivery(context.Background(), del.ID)
	if got.Status != store.StatusSuccess {
		t.Errorf("status = %q, want success", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", got.AttemptCount)
	}
	if got.LastStatusCode == nil || *got.LastStatusCode != 200 {
		t.Errorf("last status code = %v, want 200", got.LastStatusCode)
	}
}

func TestSweepRetriesThenSucceeds(t *testing.T) {
	clock := newFakeClock()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := memstore.New()
	d := newTestDispatcher(s, testConfig(), clock)
	del := seedDelivery(t, s, srv.URL, "whsec_test", clock.Now())
	ctx := context.Background()

	// Three failing attempts, each rescheduled with doubled backoff.
	wantBackoffs := []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute}
	for i, want := range wantBackoffs {
		clock.Advance(time.Second)
		res, err := d.Sweep(ctx)
		if err != nil {
			t.Fatalf("sweep %d: %v", i+1, err)
		}
		if res.Retried != 1 {
			t.Fatalf("sweep %d result = %+v, want 1 retried", i+1, res)
		}
		got, _ := s.GetDelivery(ctx, del.ID)
		if got.Status != store.StatusPending {
			t.Fatalf("sweep %d status = %q, want pending", i+1, got.Status)
		}
		if got.AttemptCount != i+1 {
			t.Errorf("sweep %d attempt count = %d, want %d", i+1, got.AttemptCount, i+1)
		}
		if got.LastError == nil || *got.LastError != "http status 500" {
			t.Errorf("sweep %d last error = %v", i+1, got.LastError)
		}
		gotDelay := got.NextRetryAt.Sub(*got.LastAttemptedAt)
		if gotDelay != want {
			t.Errorf("sweep %d backoff = %v, want %v", i+1, gotDelay, want)
		}
		clock.Advance(want)
	}

	// Fourth attempt lands.
	clock.Advance(time.Second)
	res, err := d.Sweep(ctx)
	if err != nil {
		t.Fatalf("final sweep: %v", err)
	}
	if res.Delivered != 1 {
		t.Fatalf("final sweep result = %+v, want 1 delivered", res)
	}
	got, _ := s.GetDelivery(ctx, del.ID)
	if got.Status != store.StatusSuccess || got.AttemptCount != 4 {
		t.Errorf("delivery = status %q attempts %d, want success/4", got.Status, got.AttemptCount)
	}

	// Success is terminal: further sweeps never touch the row again.
	clock.Advance(24 * time.Hour)
	if _, err := d.Sweep(ctx); err != nil {
		t.Fatalf("post-success sweep: %v", err)
	}
	if n := calls.Load(); n != 4 {
		t.Errorf("receiver saw %d requests, want 4", n)
	}
}

func TestSweepDeadLettersAfterMaxAttempts(t *testing.T) {
	clock := newFakeClock()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxAttempts = 3
	s := memstore.New()
	d := newTestDispatcher(s, cfg, clock)
	del := seedDelivery(t, s, srv.URL, "whsec_test", clock.Now())
	ctx := context.Background()

	for i := 0; i < cfg.MaxAttempts; i++ {
		clock.Advance(5 * time.Minute)
		if _, err := d.Sweep(ctx); err != nil {
			t.Fatalf("sweep %d: %v", i+1, err)
		}
	}

	got, _ := s.GetDelivery(ctx, del.ID)
	if got.Status != store.StatusDead {
		t.Fatalf("status = %q, want dead", got.Status)
	}
	if got.AttemptCount != 3 {
		t.Errorf("attempt count = %d, want 3", got.AttemptCount)
	}
	if got.LastError == nil || *got.LastError != "http status 503" {
		t.Errorf("last error = %v, want http status 503", got.LastError)
	}
	if got.NextRetryAt != nil {
		t.Errorf("dead row has next_retry_at %v", got.NextRetryAt)
	}

	// Dead rows are never reattempted.
	clock.Advance(24 * time.Hour)
	if _, err := d.Sweep(ctx); err != nil {
		t.Fatalf("post-dead sweep: %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("receiver saw %d requests, want 3", n)
	}
}

func TestSweepReclaimsStaleInFlight(t *testing.T) {
	clock := newFakeClock()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := memstore.New()
	cfg := testConfig()
	d := newTestDispatcher(s, cfg, clock)
	del := seedDelivery(t, s, srv.URL, "whsec_test", clock.Now())
	ctx := context.Background()

	// Simulate a crashed worker: row claimed, outcome never written.
	clock.Advance(time.Second)
	if err := s.ClaimDelivery(ctx, del.ID, clock.Now(), cfg.InFlightStale); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Before the stale window the row is invisible to sweeps.
	res, err := d.Sweep(ctx)
	if err != nil {
		t.Fatalf("early sweep: %v", err)
	}
	if res.Selected != 0 {
		t.Fatalf("early sweep selected %d, want 0", res.Selected)
	}

	clock.Advance(cfg.InFlightStale + time.Minute)
	res, err = d.Sweep(ctx)
	if err != nil {
		t.Fatalf("reclaim sweep: %v", err)
	}
	if res.Reclaimed != 1 || res.Retried != 1 {
		t.Fatalf("reclaim sweep result = %+v, want 1 reclaimed 1 retried", res)
	}
	// The lost attempt is charged without touching the receiver.
	if n := calls.Load(); n != 0 {
		t.Fatalf("receiver saw %d requests during reclaim, want 0", n)
	}

	got, _ := s.GetDelivery(ctx, del.ID)
	if got.Status != store.StatusPending || got.AttemptCount != 1 {
		t.Fatalf("delivery = status %q attempts %d, want pending/1", got.Status, got.AttemptCount)
	}
	if got.LastError == nil || *got.LastError != "in-flight attempt presumed lost" {
		t.Errorf("last error = %v", got.LastError)
	}

	// After backoff the row is redelivered normally.
	clock.Advance(got.NextRetryAt.Sub(clock.Now()) + time.Second)
	res, err = d.Sweep(ctx)
	if err != nil {
		t.Fatalf("redelivery sweep: %v", err)
	}
	if res.Delivered != 1 {
		t.Fatalf("redelivery sweep result = %+v, want 1 delivered", res)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("receiver saw %d requests, want 1", n)
	}
}

// lostClaimStore simulates a concurrent dispatcher winning every claim.
type lostClaimStore struct {
	store.Store
}

func (s lostClaimStore) ClaimDelivery(context.Context, string, time.Time, time.Duration) error {
	return store.ErrNotClaimed
}

func TestSweepSkipsLostClaims(t *testing.T) {
	clock := newFakeClock()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mem := memstore.New()
	d := newTestDispatcher(lostClaimStore{mem}, testConfig(), clock)
	seedDelivery(t, mem, srv.URL, "whsec_test", clock.Now())
	clock.Advance(time.Second)

	res, err := d.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Selected != 1 || res.Skipped != 1 {
		t.Errorf("SweepResult = %+v, want 1 selected 1 skipped", res)
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("receiver saw %d requests for a lost claim, want 0", n)
	}
}

func TestSweepMergesWhenAlreadyRunning(t *testing.T) {
	d := newTestDispatcher(memstore.New(), testConfig(), newFakeClock())
	d.sweepMu.Lock()
	defer d.sweepMu.Unlock()

	res, err := d.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if !res.Merged {
		t.Error("overlapping sweep did not merge")
	}
}

func TestRunNowMergesNudges(t *testing.T) {
	d := newTestDispatcher(memstore.New(), testConfig(), newFakeClock())
	d.RunNow()
	d.RunNow()
	d.RunNow()
	if len(d.wakeCh) != 1 {
		t.Errorf("wake channel holds %d nudges, want 1", len(d.wakeCh))
	}
}

func TestComputeBackoff(t *testing.T) {
	fixed := func() float64 { return 0.5 } // jitter factor exactly 1

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{"first attempt", 1, 30 * time.Second},
		{"second doubles", 2, time.Minute},
		{"third doubles again", 3, 2 * time.Minute},
		{"zero treated as first", 0, 30 * time.Second},
		{"capped at ceiling", 10, time.Hour},
		{"far past ceiling", 100, time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := computeBackoff(30*time.Second, time.Hour, 0.25, tt.attempt, fixed)
			if got != tt.want {
				t.Errorf("computeBackoff(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestComputeBackoffJitterBounds(t *testing.T) {
	base, ceil := 30*time.Second, time.Hour
	for _, r := range []float64{0, 0.25, 0.5, 0.75, 1} {
		r := r
		got := computeBackoff(base, ceil, 0.25, 1, func() float64 { return r })
		lo := time.Duration(float64(base) * 0.75)
		hi := time.Duration(float64(base) * 1.25)
		if got < lo || got > hi {
			t.Errorf("rnd=%v: backoff %v outside [%v, %v]", r, got, lo, hi)
		}
	}
}

func TestComputeBackoffJitterFloor(t *testing.T) {
	// Extreme negative jitter still leaves a tenth of the delay.
	got := computeBackoff(30*time.Second, time.Hour, 2, 1, func() float64 { return 0 })
	if got != 3*time.Second {
		t.Errorf("floored backoff = %v, want 3s", got)
	}
}

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		want   string
	}{
		{"timeout", errMsg("Post \"x\": context deadline exceeded"), 0, "timeout"},
		{"refused", errMsg("dial tcp 127.0.0.1:9: connect: connection refused"), 0, "connection_refused"},
		{"dns", errMsg("dial tcp: lookup nowhere.invalid: no such host"), 0, "dns_error"},
		{"other network", errMsg("EOF"), 0, "network"},
		{"server error", nil, 503, "http_5xx"},
		{"rate limited", nil, 429, "http_429"},
		{"client error", nil, 410, "http_4xx"},
		{"redirect", nil, 302, "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyReason(tt.err, tt.status); got != tt.want {
				t.Errorf("classifyReason() = %q, want %q", got, tt.want)
			}
		})
	}
}

type errMsg string

func (e errMsg) Error() string { return string(e) }
