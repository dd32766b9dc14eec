package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/krishiconnect/marketplace-backend/pkg/enums"
)

// Payment is one-to-one with an order. Ref holds the gateway transaction uuid
// while initiated and the gateway transaction code once settled.
type Payment struct {
	ID              uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	OrderID         uuid.UUID           `gorm:"column:order_id;type:uuid;not null;uniqueIndex:ux_payments_order_id"`
	Method          enums.PaymentMethod `gorm:"column:method;type:text;not null"`
	Status          enums.PaymentStatus `gorm:"column:status;type:text;not null"`
	Ref             *string             `gorm:"column:ref"`
	TransactionUUID *string             `gorm:"column:transaction_uuid;index"`
	FailureReason   *string             `gorm:"column:failure_reason"`
	PaidAt          *time.Time          `gorm:"column:paid_at"`
	CreatedAt       time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *Payment) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
