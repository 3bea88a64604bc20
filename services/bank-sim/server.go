package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"pixcharge/observability"
	"pixcharge/signing"
)

// chargeRegistry tracks charges the bank knows about, keyed by external id.
// Values are kept as json.Number so the webhook payload carries the exact
// bytes the charge was registered with.
type chargeRegistry struct {
	mu      sync.Mutex
	charges map[string]*registeredCharge
}

type registeredCharge struct {
	Value json.Number
	Paid  bool
}

func newChargeRegistry() *chargeRegistry {
	return &chargeRegistry{charges: make(map[string]*registeredCharge)}
}

func (r *chargeRegistry) Put(externalID string, value json.Number) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.charges[externalID] = &registeredCharge{Value: value}
}

func (r *chargeRegistry) Get(externalID string) (registeredCharge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	charge, ok := r.charges[externalID]
	if !ok {
		return registeredCharge{}, false
	}
	return *charge, true
}

func (r *chargeRegistry) MarkPaid(externalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if charge, ok := r.charges[externalID]; ok {
		charge.Paid = true
	}
}

// BankServer exposes the simulator API: register charges, trigger payment
// webhooks, and inspect or replay the dead letter queue.
type BankServer struct {
	Dispatcher *Dispatcher
	DLQ        *DLQStore
	Registry   *chargeRegistry
	WebhookURL string
	Limiter    *RateLimiter
	Now        func() time.Time

	log     *slog.Logger
	metrics *observability.HTTPMetrics
	router  http.Handler
}

// NewBankServer wires the simulator router.
func NewBankServer(dispatcher *Dispatcher, dlq *DLQStore, webhookURL string, limiter *RateLimiter, logger *slog.Logger) *BankServer {
	srv := &BankServer{
		Dispatcher: dispatcher,
		DLQ:        dlq,
		Registry:   newChargeRegistry(),
		WebhookURL: webhookURL,
		Limiter:    limiter,
		Now:        time.Now,
		log:        logger,
		metrics:    observability.NewHTTPMetrics("bank-sim", "bank"),
	}
	if srv.log == nil {
		srv.log = slog.Default()
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *BankServer) Handler() http.Handler {
	return s.router
}

func (s *BankServer) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.With(s.metrics.Middleware("bank/pix/charges")).Post("/bank/pix/charges", s.handleRegisterCharge)
	r.With(s.metrics.Middleware("bank/pix/pay")).Post("/bank/pix/pay", s.handlePay)
	r.With(s.metrics.Middleware("bank/dlq.list")).Get("/bank/dlq", s.handleListDLQ)
	r.With(s.metrics.Middleware("bank/dlq.replay")).Post("/bank/dlq/replay", s.handleReplay)

	return r
}

type registerChargeRequest struct {
	ExternalID string      `json:"external_id"`
	Value      json.Number `json:"value"`
}

// handleRegisterCharge records a charge the bank can later pay.
func (s *BankServer) handleRegisterCharge(w http.ResponseWriter, r *http.Request) {
	var req registerChargeRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	if strings.TrimSpace(req.ExternalID) == "" || req.Value == "" {
		s.writeError(w, http.StatusBadRequest, "external_id and value are required")
		return
	}
	s.Registry.Put(req.ExternalID, req.Value)
	s.log.Info("charge registered", "external_id", req.ExternalID, "value", req.Value.String())
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"external_id": req.ExternalID,
		"value":       req.Value,
	})
}

type payRequest struct {
	ExternalID string `json:"external_id"`
}

// webhookEvent is the notification sent to the receiver.
type webhookEvent struct {
	EventID    string      `json:"event_id"`
	ExternalID string      `json:"external_id"`
	Value      json.Number `json:"value"`
	Status     string      `json:"status"`
}

// handlePay marks a registered charge as paid and pushes the webhook through
// the retry pipeline. Failure to deliver answers 502 with the event id so the
// caller can find the dead letter.
func (s *BankServer) handlePay(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	if strings.TrimSpace(req.ExternalID) == "" {
		s.writeError(w, http.StatusBadRequest, "external_id is required")
		return
	}
	charge, ok := s.Registry.Get(req.ExternalID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "Charge not registered")
		return
	}
	if !s.Limiter.Allow(s.WebhookURL, s.Now()) {
		s.writeError(w, http.StatusTooManyRequests, "Delivery rate exceeded")
		return
	}

	event := webhookEvent{
		EventID:    "evt_" + uuid.NewString(),
		ExternalID: req.ExternalID,
		Value:      charge.Value,
		Status:     "PAID",
	}
	payload, err := signing.CanonicalBody(event)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	result, err := s.Dispatcher.Dispatch(r.Context(), Delivery{
		EventID:    event.EventID,
		ExternalID: event.ExternalID,
		URL:        s.WebhookURL,
		Payload:    payload,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if !result.Delivered {
		s.writeJSON(w, http.StatusBadGateway, map[string]any{
			"message":  "Webhook delivery failed, sent to DLQ",
			"event_id": event.EventID,
			"attempts": result.Attempts,
		})
		return
	}
	s.Registry.MarkPaid(req.ExternalID)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"message":  "Webhook delivered",
		"event_id": event.EventID,
		"attempts": result.Attempts,
	})
}

// defaultDLQListLimit bounds an unqualified listing.
const defaultDLQListLimit = 50

// handleListDLQ returns dead letters, newest first.
func (s *BankServer) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	limit := defaultDLQListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}
	records, err := s.DLQ.List(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if records == nil {
		records = []DLQRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count": len(records),
		"items": records,
	})
}

type replayRequest struct {
	EventID string `json:"event_id"`
}

// handleReplay re-sends one dead letter by event id.
func (s *BankServer) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	if strings.TrimSpace(req.EventID) == "" {
		s.writeError(w, http.StatusBadRequest, "event_id is required")
		return
	}

	rec, err := s.DLQ.Get(req.EventID)
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			s.writeError(w, http.StatusNotFound, "Dead letter not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	result, err := s.Dispatcher.Replay(r.Context(), rec)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if !result.Delivered {
		s.writeJSON(w, http.StatusBadGateway, map[string]any{
			"message":  "Replay failed",
			"event_id": req.EventID,
			"attempts": result.Attempts,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"message":  "Replayed",
		"event_id": req.EventID,
		"attempts": result.Attempts,
	})
}

func (s *BankServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *BankServer) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
