package main

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pixcharge/services/charges-api/models"
)

// ErrInvalidTransition is returned when a charge cannot move to the requested
// state. Callers on the webhook path translate it to "already processed"
// rather than an error response, so upstream retries do not escalate.
var ErrInvalidTransition = errors.New("invalid charge transition")

var allowedTransitions = map[models.ChargeStatus][]models.ChargeStatus{
	models.StatusPending: {models.StatusPaid, models.StatusExpired},
	models.StatusPaid:    {},
	models.StatusExpired: {},
}

// ValidateTransition ensures the transition follows the charge state machine.
func ValidateTransition(current, next models.ChargeStatus) error {
	allowed, ok := allowedTransitions[current]
	if !ok {
		return fmt.Errorf("%w: unknown state %s", ErrInvalidTransition, current)
	}
	for _, state := range allowed {
		if state == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
}

// transitionCharge moves a charge to next under a row lock so concurrent
// webhooks for the same external_id serialize. paid_at is stamped in the same
// transaction as the status change.
func (s *Server) transitionCharge(externalID string, next models.ChargeStatus) (*models.Charge, error) {
	var charge models.Charge
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&charge, "external_id = ?", externalID).Error; err != nil {
			return err
		}
		if err := ValidateTransition(charge.Status, next); err != nil {
			return err
		}
		charge.Status = next
		if next == models.StatusPaid && charge.PaidAt == nil {
			now := s.Now().UTC()
			charge.PaidAt = &now
		}
		return tx.Save(&charge).Error
	})
	if err != nil {
		return nil, err
	}
	return &charge, nil
}

// nowUTC is a convenience for handlers that only need a timestamp.
func (s *Server) nowUTC() time.Time {
	return s.Now().UTC()
}
