package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"pixcharge/kv"
	"pixcharge/observability"
	"pixcharge/services/charges-api/models"
	"pixcharge/signing"
)

// Server encapsulates dependencies for the charges API.
type Server struct {
	DB          *gorm.DB
	Oracle      *ExpirationOracle
	Idempotency *IdempotencyStore
	Cache       kv.Store
	Secret      string
	APIKey      string
	MaxSkew     time.Duration
	CacheTTL    time.Duration
	Now         func() time.Time

	log     *slog.Logger
	metrics *observability.HTTPMetrics
	router  http.Handler
}

// ServerConfig captures the dependencies required to construct the server.
type ServerConfig struct {
	DB          *gorm.DB
	Oracle      *ExpirationOracle
	Idempotency *IdempotencyStore
	Cache       kv.Store
	Secret      string
	APIKey      string
	MaxSkew     time.Duration
	CacheTTL    time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// NewServer wires the HTTP router with its dependencies.
func NewServer(cfg ServerConfig) *Server {
	srv := &Server{
		DB:          cfg.DB,
		Oracle:      cfg.Oracle,
		Idempotency: cfg.Idempotency,
		Cache:       cfg.Cache,
		Secret:      cfg.Secret,
		APIKey:      strings.TrimSpace(cfg.APIKey),
		MaxSkew:     cfg.MaxSkew,
		CacheTTL:    cfg.CacheTTL,
		Now:         cfg.Now,
		log:         cfg.Logger,
		metrics:     observability.NewHTTPMetrics("charges-api", "charges"),
	}
	if srv.Now == nil {
		srv.Now = time.Now
	}
	if srv.MaxSkew <= 0 {
		srv.MaxSkew = signing.DefaultMaxSkew
	}
	if srv.CacheTTL <= 0 {
		srv.CacheTTL = time.Minute
	}
	if srv.log == nil {
		srv.log = slog.Default()
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(withRequestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.With(s.metrics.Middleware("webhooks/pix")).Post("/webhooks/pix", s.handlePixWebhook)

	r.Group(func(api chi.Router) {
		api.Use(s.requireAPIKey)
		api.With(s.metrics.Middleware("payment/charges.create")).Post("/payment/charges", s.handleCreateCharge)
		api.With(s.metrics.Middleware("payment/charges.get")).Get("/payment/charges/{id}", s.handleGetCharge)
	})

	return r
}

// withRequestID accepts or mints an X-Request-Id and echoes it back.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get(signing.HeaderRequestID))
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(signing.HeaderRequestID, rid)
		ctx := context.WithValue(r.Context(), requestIDKey{}, rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	if rid, ok := ctx.Value(requestIDKey{}).(string); ok {
		return rid
	}
	return ""
}

// requireAPIKey authenticates callers of the payment API with a static bearer
// key. The webhook endpoint is authenticated by signature instead.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			s.writeError(w, http.StatusUnauthorized, "API key missing")
			return
		}
		key := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if key != s.APIKey {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createChargeRequest struct {
	Value *decimal.Decimal `json:"value"`
}

type chargeResponse struct {
	ID         uint                `json:"id"`
	ExternalID string              `json:"external_id,omitempty"`
	Value      decimal.Decimal     `json:"value"`
	Status     models.ChargeStatus `json:"status"`
}

// handleCreateCharge persists a PENDING charge and arms its payment window.
func (s *Server) handleCreateCharge(w http.ResponseWriter, r *http.Request) {
	var req createChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	if req.Value == nil {
		s.writeError(w, http.StatusBadRequest, "Value is required")
		return
	}
	if req.Value.Sign() <= 0 {
		s.writeError(w, http.StatusBadRequest, "Invalid value")
		return
	}

	now := s.nowUTC()
	charge := models.Charge{
		ExternalID: uuid.NewString(),
		Value:      *req.Value,
		Status:     models.StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.Oracle.TTL()),
	}
	if err := s.DB.Create(&charge).Error; err != nil {
		s.log.Error("create charge", "error", err, "request_id", requestID(r.Context()))
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if err := s.Oracle.Arm(r.Context(), charge.ExternalID); err != nil {
		s.log.Error("arm charge ttl", "error", err, "charge_id", charge.ID)
		s.writeError(w, http.StatusServiceUnavailable, "Service unavailable")
		return
	}

	s.log.Info("charge created",
		"charge_id", charge.ID,
		"external_id", charge.ExternalID,
		"request_id", requestID(r.Context()),
	)
	s.writeJSON(w, http.StatusCreated, chargeResponse{
		ID:         charge.ID,
		ExternalID: charge.ExternalID,
		Value:      charge.Value,
		Status:     charge.Status,
	})
}

// handleGetCharge reads a charge with a short read-through cache and lazy
// expiration: a PENDING charge whose TTL key has lapsed is committed EXPIRED
// on this read.
func (s *Server) handleGetCharge(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid charge id")
		return
	}

	cacheKey := chargeCacheKey(uint(id))
	if cached, ok, err := s.Cache.Get(r.Context(), cacheKey); err == nil && ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(cached))
		return
	}

	var charge models.Charge
	if err := s.DB.First(&charge, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.writeError(w, http.StatusNotFound, "Charge not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if charge.Status == models.StatusPending {
		armed, err := s.Oracle.IsArmed(r.Context(), charge.ExternalID)
		if err != nil {
			s.writeError(w, http.StatusServiceUnavailable, "Service unavailable")
			return
		}
		if !armed {
			updated, err := s.transitionCharge(charge.ExternalID, models.StatusExpired)
			switch {
			case err == nil:
				charge = *updated
				_ = s.Cache.Delete(r.Context(), cacheKey)
			case errors.Is(err, ErrInvalidTransition):
				// Lost the race to a concurrent transition; reload.
				if err := s.DB.First(&charge, "id = ?", id).Error; err != nil {
					s.writeError(w, http.StatusInternalServerError, "Internal server error")
					return
				}
			default:
				s.writeError(w, http.StatusInternalServerError, "Internal server error")
				return
			}
		}
	}

	body, err := json.Marshal(chargeResponse{ID: charge.ID, Value: charge.Value, Status: charge.Status})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	_ = s.Cache.Set(r.Context(), cacheKey, string(body), s.CacheTTL)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func chargeCacheKey(id uint) string {
	return fmt.Sprintf("charge:%d", id)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
