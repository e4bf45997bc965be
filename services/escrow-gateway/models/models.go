package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"booklink/native/escrow"
)

// Book mirrors the listing registry's record shape. The escrow engine only
// reads price/owner and flips the availability flag; all other listing fields
// are owned by the catalog service.
type Book struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID   uuid.UUID `gorm:"type:uuid;index" json:"ownerId"`
	Title     string    `gorm:"size:256" json:"title"`
	Author    string    `gorm:"size:256" json:"author"`
	Price     float64   `gorm:"not null" json:"price"`
	Available bool      `gorm:"not null;default:true" json:"available"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Transaction is the escrow record for a buy request between two parties.
// Book, buyer and seller references plus the price snapshot and commission
// terms are immutable after creation; only status, the per-party payment
// fields and the disclosure fields change over the lifecycle.
type Transaction struct {
	ID       uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	BookID   uuid.UUID     `gorm:"type:uuid;index:idx_tx_book_buyer;index" json:"bookId"`
	BuyerID  uuid.UUID     `gorm:"type:uuid;index:idx_tx_book_buyer;index" json:"buyerId"`
	SellerID uuid.UUID     `gorm:"type:uuid;index" json:"sellerId"`
	Price    float64       `gorm:"not null" json:"price"`
	Status   escrow.Status `gorm:"size:32;index" json:"status"`

	CommissionRate   float64 `gorm:"not null" json:"commissionRate"`
	CommissionAmount float64 `gorm:"not null" json:"commissionAmount"`

	BuyerCommissionPaid   bool       `gorm:"not null;default:false" json:"buyerCommissionPaid"`
	BuyerCommissionPaidAt *time.Time `json:"buyerCommissionPaidAt,omitempty"`
	BuyerPaymentID        string     `gorm:"size:128" json:"buyerPaymentId,omitempty"`

	SellerCommissionPaid   bool       `gorm:"not null;default:false" json:"sellerCommissionPaid"`
	SellerCommissionPaidAt *time.Time `json:"sellerCommissionPaidAt,omitempty"`
	SellerPaymentID        string     `gorm:"size:128" json:"sellerPaymentId,omitempty"`

	ContactInfoShared   bool       `gorm:"not null;default:false" json:"contactInfoShared"`
	ContactInfoSharedAt *time.Time `json:"contactInfoSharedAt,omitempty"`
	ContactInfoSharedBy *uuid.UUID `gorm:"type:uuid" json:"contactInfoSharedBy,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BothCommissionsPaid reports whether buyer and seller have each settled
// their commission.
func (t *Transaction) BothCommissionsPaid() bool {
	return t.BuyerCommissionPaid && t.SellerCommissionPaid
}

// Setting stores platform-wide configuration values adjustable at runtime,
// such as the default commission rate.
type Setting struct {
	Key         string    `gorm:"primaryKey;size:64" json:"key"`
	Value       string    `gorm:"size:256;not null" json:"value"`
	Description string    `gorm:"size:256" json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// SettingCommissionRate is the settings key holding the default commission
// rate applied to newly created transactions.
const SettingCommissionRate = "commission_rate"

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AuditEvent is the append-only audit trail for escrow operations.
type AuditEvent struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	TransactionID *uuid.UUID `gorm:"type:uuid;index"`
	ActorID       uuid.UUID  `gorm:"type:uuid;index"`
	Action        string     `gorm:"size:64"`
	Details       string     `gorm:"type:text"`
	CreatedAt     time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Book{},
		&Transaction{},
		&Setting{},
		&IdempotencyKey{},
		&AuditEvent{},
	)
}
