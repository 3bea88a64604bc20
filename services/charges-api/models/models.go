// Package models declares the persistence schema for the charges API.
package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ChargeStatus is the canonical status string stored and sent on the wire.
type ChargeStatus string

// Charge lifecycle states. PAID and EXPIRED are terminal.
const (
	StatusPending ChargeStatus = "PENDING"
	StatusPaid    ChargeStatus = "PAID"
	StatusExpired ChargeStatus = "EXPIRED"
)

// Terminal reports whether no further transitions are permitted.
func (s ChargeStatus) Terminal() bool {
	return s == StatusPaid || s == StatusExpired
}

// Charge is an authorized request for payment. The external identifier is the
// public handle shared with the bank; the value is an exact decimal and never
// mutates after creation.
type Charge struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	ExternalID string          `gorm:"size:36;uniqueIndex;not null" json:"external_id"`
	Value      decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"value"`
	Status     ChargeStatus    `gorm:"size:20;index;not null" json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	PaidAt     *time.Time      `json:"paid_at,omitempty"`
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Charge{})
}
