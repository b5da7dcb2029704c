package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/logging"
	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/store"
)

// Sweeper is the dispatcher surface the admin API needs.
type Sweeper interface {
	RunNow()
	LastSweep() time.Time
}

// Fanouter expands a newly created event into delivery rows.
type Fanouter interface {
	Fanout(ctx context.Context, eventID string) (int, error)
}

// Server exposes the operator-facing HTTP API consumed by the dashboard:
// run-now, resend, delivery inspection, and the verify-webhook secret
// listing for receiver-side signature validation.
type Server struct {
	store    store.Store
	sweeper  Sweeper
	fanouter Fanouter
	logger   *logging.Logger
	now      func() time.Time
}

func NewServer(st store.Store, sweeper Sweeper, fanouter Fanouter, logger *logging.Logger) *Server {
	return &Server{store: st, sweeper: sweeper, fanouter: fanouter, logger: logger, now: time.Now}
}

// Register attaches the admin routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/dispatch/run", s.handleRunNow)
	mux.HandleFunc("POST /v1/events/{id}/fanout", s.handleFanout)
	mux.HandleFunc("POST /v1/deliveries/{id}/resend", s.handleResend)
	mux.HandleFunc("GET /v1/deliveries/{id}", s.handleGetDelivery)
	mux.HandleFunc("GET /v1/verify-webhook", s.handleVerifyWebhook)
	mux.HandleFunc("POST /v1/verify-webhook", s.handleVerifyWebhook)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleRunNow acknowledges immediately; the sweep itself runs
// asynchronously and the UI re-fetches delivery state after a delay.
func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	s.sweeper.RunNow()
	s.logger.WithContext(r.Context()).Info("run-now requested")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": "sweep triggered",
	})
}

// handleFanout expands an event into pending deliveries. Called by the
// CRM domain layer after inserting an event row; safe to call twice.
func (s *Server) handleFanout(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "event id is required")
		return
	}
	created, err := s.fanouter.Fanout(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		s.logger.WithContext(r.Context()).WithEvent(id).WithError(err).Error("fanout failed")
		writeError(w, http.StatusInternalServerError, "fanout failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"event_id": id,
		"created":  created,
	})
}

// handleResend resets a delivery (any state, including dead) to pending
// with a fresh retry budget. It never performs delivery itself; the row
// becomes eligible for the next sweep.
func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "delivery id is required")
		return
	}
	if err := s.store.ResetDelivery(r.Context(), id, s.now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "delivery not found")
			return
		}
		s.logger.WithContext(r.Context()).WithDelivery(id).WithError(err).Error("resend failed")
		writeError(w, http.StatusInternalServerError, "resend failed")
		return
	}
	s.logger.WithContext(r.Context()).WithDelivery(id).Info("delivery reset for resend")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "delivery_id": id})
}

type deliveryView struct {
	ID              string            `json:"id"`
	EventID         string            `json:"event_id"`
	SubscriptionID  string            `json:"subscription_id"`
	Status          string            `json:"status"`
	AttemptCount    int               `json:"attempt_count"`
	LastStatusCode  *int              `json:"last_status_code,omitempty"`
	LastError       *string           `json:"last_error,omitempty"`
	ResponseBody    *string           `json:"response_body,omitempty"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	LastAttemptedAt *time.Time        `json:"last_attempted_at,omitempty"`
	NextRetryAt     *time.Time        `json:"next_retry_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, err := s.store.GetDelivery(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "delivery not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, deliveryView{
		ID:              d.ID,
		EventID:         d.EventID,
		SubscriptionID:  d.SubscriptionID,
		Status:          string(d.Status),
		AttemptCount:    d.AttemptCount,
		LastStatusCode:  d.LastStatusCode,
		LastError:       d.LastError,
		ResponseBody:    d.ResponseBody,
		RequestHeaders:  d.RequestHeaders,
		LastAttemptedAt: d.LastAttemptedAt,
		NextRetryAt:     d.NextRetryAt,
		CreatedAt:       d.CreatedAt,
	})
}

// handleVerifyWebhook returns the signing secrets for a tenant's active
// subscriptions so a receiver-side component can validate signatures.
func (s *Server) handleVerifyWebhook(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	secrets, err := s.store.ActiveSecrets(r.Context(), tenantID)
	if err != nil {
		s.logger.WithContext(r.Context()).WithTenant(tenantID).WithError(err).Error("secret lookup failed")
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if secrets == nil {
		secrets = []store.WebhookSecret{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"webhooks": secrets,
	})
}
