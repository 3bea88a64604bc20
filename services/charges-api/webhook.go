package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"pixcharge/services/charges-api/models"
	"pixcharge/signing"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// pixWebhookPayload is the notification schema delivered by the issuer.
type pixWebhookPayload struct {
	EventID    string           `json:"event_id"`
	ExternalID string           `json:"external_id"`
	Value      *decimal.Decimal `json:"value"`
	Status     string           `json:"status"`
}

// handlePixWebhook ingests a payment notification. The pipeline verifies
// authenticity first, then consults the idempotency cache, then validates the
// payload against the charge row. Only responses in the 2xx range are
// committed to the idempotency cache so an infrastructure failure never pins a
// key to a retriable error.
func (s *Server) handlePixWebhook(w http.ResponseWriter, r *http.Request) {
	rid := requestID(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	if err := signing.Verify(s.Secret, body, r.Header.Get(signing.HeaderSignature)); err != nil {
		s.log.Warn("webhook signature rejected", "error", err, "request_id", rid)
		s.writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}
	if err := signing.VerifyFreshness(r.Header.Get(signing.HeaderTimestamp), s.Now(), s.MaxSkew); err != nil {
		s.log.Warn("webhook timestamp rejected", "error", err, "request_id", rid)
		s.writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idemKey == "" {
		s.writeError(w, http.StatusBadRequest, "Idempotency-Key header is required")
		return
	}
	if cached, replay, err := s.Idempotency.Begin(r.Context(), idemKey); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "Service unavailable")
		return
	} else if replay {
		s.log.Info("webhook replayed from idempotency cache", "idempotency_key", idemKey, "request_id", rid)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(cached)
		return
	}

	var payload pixWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	if payload.ExternalID == "" || payload.Value == nil || payload.Status == "" {
		s.writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	if payload.Status != string(models.StatusPaid) {
		s.respondCommitted(w, r, idemKey, http.StatusOK, map[string]string{"message": "Ignored"})
		return
	}

	var charge models.Charge
	if err := s.DB.First(&charge, "external_id = ?", payload.ExternalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.writeError(w, http.StatusNotFound, "Charge not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if charge.Status.Terminal() {
		s.respondCommitted(w, r, idemKey, http.StatusOK, map[string]string{"message": "Charge already processed"})
		return
	}

	armed, err := s.Oracle.IsArmed(r.Context(), charge.ExternalID)
	if err != nil {
		s.log.Error("expiration oracle unreachable", "error", err, "request_id", rid)
		s.writeError(w, http.StatusServiceUnavailable, "Service unavailable")
		return
	}
	if !armed {
		if _, err := s.transitionCharge(charge.ExternalID, models.StatusExpired); err != nil && !errors.Is(err, ErrInvalidTransition) {
			s.writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		_ = s.Cache.Delete(r.Context(), chargeCacheKey(charge.ID))
		s.log.Info("webhook for expired charge ignored",
			"external_id", charge.ExternalID,
			"request_id", rid,
		)
		s.respondCommitted(w, r, idemKey, http.StatusOK, map[string]string{"message": "Expired charge ignored"})
		return
	}

	if !payload.Value.Equal(charge.Value) {
		s.log.Warn("webhook value mismatch",
			"external_id", charge.ExternalID,
			"expected", charge.Value.String(),
			"received", payload.Value.String(),
			"request_id", rid,
		)
		s.writeError(w, http.StatusBadRequest, "Invalid value")
		return
	}

	if _, err := s.transitionCharge(charge.ExternalID, models.StatusPaid); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// A concurrent webhook won the race; absorb.
			s.respondCommitted(w, r, idemKey, http.StatusOK, map[string]string{"message": "Charge already processed"})
			return
		}
		s.log.Error("confirm payment", "error", err, "external_id", charge.ExternalID, "request_id", rid)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	_ = s.Oracle.Disarm(r.Context(), charge.ExternalID)
	_ = s.Cache.Delete(r.Context(), chargeCacheKey(charge.ID))

	s.log.Info("payment confirmed",
		"external_id", charge.ExternalID,
		"event_id", payload.EventID,
		"request_id", rid,
	)
	s.respondCommitted(w, r, idemKey, http.StatusOK, map[string]string{"message": "Payment confirmed"})
}

// respondCommitted writes a JSON response and commits the exact bytes to the
// idempotency cache, so a replay with the same key returns identical output.
func (s *Server) respondCommitted(w http.ResponseWriter, r *http.Request, idemKey string, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if err := s.Idempotency.Commit(r.Context(), idemKey, body); err != nil {
		s.log.Warn("idempotency commit failed", "error", err, "idempotency_key", idemKey)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
